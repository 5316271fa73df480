package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ashureev/tripstake/internal/domain"
	"github.com/ashureev/tripstake/internal/shared"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db      *sql.DB
	retry   shared.RetryPolicy
	writeMu sync.Mutex // serialises writers to keep SQLITE_BUSY rare
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string, retry shared.RetryPolicy) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db, retry: retry}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

var _ Repository = (*SQLiteStore)(nil)

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS pools (
		pool_id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		quorum INTEGER NOT NULL,
		trip_id TEXT NOT NULL,
		channel_id TEXT,
		request_id TEXT,
		failure_reason TEXT,
		result_json TEXT,
		outcome_json TEXT,
		negotiation_started_at INTEGER,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_pools_status ON pools(status);

	CREATE TABLE IF NOT EXISTS participants (
		pool_id TEXT NOT NULL,
		participant_id TEXT NOT NULL,
		display_name TEXT NOT NULL,
		declared_budget TEXT NOT NULL,
		destination TEXT NOT NULL,
		has_staked INTEGER NOT NULL DEFAULT 0,
		joined_at INTEGER NOT NULL,
		PRIMARY KEY (pool_id, participant_id)
	);

	CREATE TABLE IF NOT EXISTS execution_records (
		record_id TEXT PRIMARY KEY,
		pool_id TEXT NOT NULL,
		participant_id TEXT NOT NULL,
		transaction_ref TEXT,
		amount TEXT NOT NULL,
		fiat_amount TEXT NOT NULL,
		status TEXT NOT NULL,
		error_kind TEXT,
		error_detail TEXT,
		attempt INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		settled_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_execution_records_pool ON execution_records(pool_id, created_at);

	CREATE TABLE IF NOT EXISTS messages (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		pool_id TEXT NOT NULL,
		request_id TEXT NOT NULL,
		message_id TEXT NOT NULL,
		body TEXT NOT NULL,
		UNIQUE (pool_id, message_id)
	);

	CREATE TABLE IF NOT EXISTS withdrawals (
		withdrawal_id TEXT PRIMARY KEY,
		participant_id TEXT NOT NULL,
		transaction_ref TEXT NOT NULL,
		amount TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_withdrawals_participant ON withdrawals(participant_id, created_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	// Databases created before trip outcomes were stored lack the column.
	if err := s.ensureColumn("pools", "outcome_json", "TEXT"); err != nil {
		return err
	}
	return nil
}

func (s *SQLiteStore) ensureColumn(table, column, decl string) error {
	rows, err := s.db.Query("SELECT name FROM pragma_table_info(?)", table)
	if err != nil {
		return fmt.Errorf("inspect %s: %w", table, err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close table info rows", "error", closeErr)
		}
	}()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return fmt.Errorf("scan %s columns: %w", table, err)
		}
		if name == column {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate %s columns: %w", table, err)
	}
	if _, err := s.db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, decl)); err != nil {
		return fmt.Errorf("add %s.%s: %w", table, column, err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// write runs fn in a transaction, retrying lock conflicts.
func (s *SQLiteStore) write(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return shared.RetrySQLite(ctx, s.retry, op, func(ctx context.Context) error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("%s: begin: %w", op, err)
		}
		if err := fn(tx); err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				slog.Warn("failed to roll back", "op", op, "error", rbErr)
			}
			return fmt.Errorf("%s: %w", op, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("%s: commit: %w", op, err)
		}
		return nil
	})
}

// SavePool creates or updates a pool and its participants.
func (s *SQLiteStore) SavePool(ctx context.Context, snap *domain.PoolSnapshot) error {
	var resultJSON any
	if snap.NegotiationResult != nil {
		b, err := json.Marshal(snap.NegotiationResult)
		if err != nil {
			return fmt.Errorf("encode negotiation result: %w", err)
		}
		resultJSON = string(b)
	}
	var outcomeJSON any
	if snap.Outcome != nil {
		b, err := json.Marshal(snap.Outcome)
		if err != nil {
			return fmt.Errorf("encode trip outcome: %w", err)
		}
		outcomeJSON = string(b)
	}

	return s.write(ctx, "save pool", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO pools (pool_id, status, quorum, trip_id, channel_id, request_id,
			                   failure_reason, result_json, outcome_json, negotiation_started_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(pool_id) DO UPDATE SET
				status = excluded.status,
				quorum = excluded.quorum,
				trip_id = excluded.trip_id,
				channel_id = excluded.channel_id,
				request_id = excluded.request_id,
				failure_reason = excluded.failure_reason,
				result_json = excluded.result_json,
				outcome_json = excluded.outcome_json,
				negotiation_started_at = excluded.negotiation_started_at,
				updated_at = excluded.updated_at`,
			snap.ID, string(snap.Status), snap.Quorum, snap.TripID,
			nullString(snap.ChannelID), nullString(snap.RequestID), nullString(snap.FailureReason),
			resultJSON, outcomeJSON, nullTime(snap.NegotiationStartedAt),
			snap.CreatedAt.UnixMilli(), snap.UpdatedAt.UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("upsert pool: %w", err)
		}

		for _, p := range snap.Participants {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO participants (pool_id, participant_id, display_name, declared_budget,
				                          destination, has_staked, joined_at)
				VALUES (?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(pool_id, participant_id) DO UPDATE SET
					display_name = excluded.display_name,
					declared_budget = excluded.declared_budget,
					destination = excluded.destination,
					has_staked = excluded.has_staked`,
				snap.ID, p.ID, p.DisplayName, p.DeclaredBudget.String(),
				p.Destination, p.HasStaked, p.JoinedAt.UnixMilli(),
			)
			if err != nil {
				return fmt.Errorf("upsert participant %s: %w", p.ID, err)
			}
		}
		return nil
	})
}

// GetPool loads a pool. It returns nil, nil when the pool does not exist.
func (s *SQLiteStore) GetPool(ctx context.Context, poolID string) (*domain.PoolSnapshot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT pool_id, status, quorum, trip_id, channel_id, request_id, failure_reason,
		       result_json, outcome_json, negotiation_started_at, created_at, updated_at
		FROM pools WHERE pool_id = ?`, poolID)

	snap, err := scanPool(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := s.loadChildren(ctx, snap); err != nil {
		return nil, err
	}
	return snap, nil
}

// ListPools loads every stored pool.
func (s *SQLiteStore) ListPools(ctx context.Context) ([]*domain.PoolSnapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT pool_id, status, quorum, trip_id, channel_id, request_id, failure_reason,
		       result_json, outcome_json, negotiation_started_at, created_at, updated_at
		FROM pools ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("query pools: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close pool rows", "error", closeErr)
		}
	}()

	var pools []*domain.PoolSnapshot
	for rows.Next() {
		snap, err := scanPool(rows)
		if err != nil {
			return nil, err
		}
		pools = append(pools, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pools: %w", err)
	}

	for _, snap := range pools {
		if err := s.loadChildren(ctx, snap); err != nil {
			return nil, err
		}
	}
	return pools, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPool(row scanner) (*domain.PoolSnapshot, error) {
	var snap domain.PoolSnapshot
	var status string
	var channelID, requestID, failure, resultJSON, outcomeJSON sql.NullString
	var startedAt sql.NullInt64
	var createdAt, updatedAt int64

	err := row.Scan(
		&snap.ID, &status, &snap.Quorum, &snap.TripID,
		&channelID, &requestID, &failure,
		&resultJSON, &outcomeJSON, &startedAt, &createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan pool row: %w", err)
	}

	snap.Status = domain.PoolStatus(status)
	snap.ChannelID = channelID.String
	snap.RequestID = requestID.String
	snap.FailureReason = failure.String
	snap.CreatedAt = time.UnixMilli(createdAt).UTC()
	snap.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	if startedAt.Valid {
		ts := time.UnixMilli(startedAt.Int64).UTC()
		snap.NegotiationStartedAt = &ts
	}
	if resultJSON.Valid {
		var result domain.NegotiationResult
		if err := json.Unmarshal([]byte(resultJSON.String), &result); err != nil {
			return nil, fmt.Errorf("decode negotiation result for %s: %w", snap.ID, err)
		}
		snap.NegotiationResult = &result
	}
	if outcomeJSON.Valid {
		var outcome domain.TripOutcome
		if err := json.Unmarshal([]byte(outcomeJSON.String), &outcome); err != nil {
			return nil, fmt.Errorf("decode trip outcome for %s: %w", snap.ID, err)
		}
		snap.Outcome = &outcome
	}
	return &snap, nil
}

func (s *SQLiteStore) loadChildren(ctx context.Context, snap *domain.PoolSnapshot) error {
	var err error
	if snap.Participants, err = s.participants(ctx, snap.ID); err != nil {
		return err
	}
	if snap.ExecutionRecords, err = s.executionRecords(ctx, snap.ID); err != nil {
		return err
	}
	if snap.Conversations, err = s.conversations(ctx, snap.ID); err != nil {
		return err
	}
	return nil
}

func (s *SQLiteStore) participants(ctx context.Context, poolID string) ([]domain.Participant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT participant_id, display_name, declared_budget, destination, has_staked, joined_at
		FROM participants WHERE pool_id = ? ORDER BY joined_at, rowid`, poolID)
	if err != nil {
		return nil, fmt.Errorf("query participants: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close participant rows", "error", closeErr)
		}
	}()

	out := []domain.Participant{}
	for rows.Next() {
		var p domain.Participant
		var budget string
		var joinedAt int64
		if err := rows.Scan(&p.ID, &p.DisplayName, &budget, &p.Destination, &p.HasStaked, &joinedAt); err != nil {
			return nil, fmt.Errorf("scan participant row: %w", err)
		}
		if p.DeclaredBudget, err = decimal.NewFromString(budget); err != nil {
			return nil, fmt.Errorf("parse budget of %s: %w", p.ID, err)
		}
		p.JoinedAt = time.UnixMilli(joinedAt).UTC()
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate participants: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) executionRecords(ctx context.Context, poolID string) ([]domain.ExecutionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT record_id, pool_id, participant_id, transaction_ref, amount, fiat_amount,
		       status, error_kind, error_detail, attempt, created_at, settled_at
		FROM execution_records WHERE pool_id = ? ORDER BY created_at, rowid`, poolID)
	if err != nil {
		return nil, fmt.Errorf("query execution records: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close execution record rows", "error", closeErr)
		}
	}()

	out := []domain.ExecutionRecord{}
	for rows.Next() {
		var r domain.ExecutionRecord
		var txRef, errKind, errDetail sql.NullString
		var fiat, status string
		var createdAt int64
		var settledAt sql.NullInt64
		if err := rows.Scan(
			&r.ID, &r.PoolID, &r.ParticipantID, &txRef, &r.Amount, &fiat,
			&status, &errKind, &errDetail, &r.Attempt, &createdAt, &settledAt,
		); err != nil {
			return nil, fmt.Errorf("scan execution record row: %w", err)
		}
		if r.FiatAmount, err = decimal.NewFromString(fiat); err != nil {
			return nil, fmt.Errorf("parse fiat amount of %s: %w", r.ID, err)
		}
		r.TransactionRef = txRef.String
		r.Status = domain.ExecutionStatus(status)
		r.ErrorKind = domain.ErrorKind(errKind.String)
		r.ErrorDetail = errDetail.String
		r.CreatedAt = time.UnixMilli(createdAt).UTC()
		if settledAt.Valid {
			ts := time.UnixMilli(settledAt.Int64).UTC()
			r.SettledAt = &ts
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate execution records: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) conversations(ctx context.Context, poolID string) (map[string][]domain.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT request_id, body FROM messages WHERE pool_id = ? ORDER BY seq`, poolID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close message rows", "error", closeErr)
		}
	}()

	out := make(map[string][]domain.Message)
	for rows.Next() {
		var requestID, body string
		if err := rows.Scan(&requestID, &body); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		var msg domain.Message
		if err := json.Unmarshal([]byte(body), &msg); err != nil {
			return nil, fmt.Errorf("decode message in %s: %w", requestID, err)
		}
		out[requestID] = append(out[requestID], msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return out, nil
}

// DeletePool removes a pool and everything recorded for it.
func (s *SQLiteStore) DeletePool(ctx context.Context, poolID string) error {
	return s.write(ctx, "delete pool", func(tx *sql.Tx) error {
		for _, table := range []string{"messages", "execution_records", "participants", "pools"} {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE pool_id = ?", poolID); err != nil {
				return fmt.Errorf("delete from %s: %w", table, err)
			}
		}
		return nil
	})
}

// SaveExecutionRecord creates or updates one execution record.
func (s *SQLiteStore) SaveExecutionRecord(ctx context.Context, r domain.ExecutionRecord) error {
	return s.write(ctx, "save execution record", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO execution_records (record_id, pool_id, participant_id, transaction_ref, amount,
			                               fiat_amount, status, error_kind, error_detail, attempt,
			                               created_at, settled_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(record_id) DO UPDATE SET
				transaction_ref = excluded.transaction_ref,
				status = excluded.status,
				error_kind = excluded.error_kind,
				error_detail = excluded.error_detail,
				settled_at = excluded.settled_at`,
			r.ID, r.PoolID, r.ParticipantID, nullString(r.TransactionRef), r.Amount,
			r.FiatAmount.String(), string(r.Status), nullString(string(r.ErrorKind)),
			nullString(r.ErrorDetail), r.Attempt, r.CreatedAt.UnixMilli(), nullTime(r.SettledAt),
		)
		return err
	})
}

// AppendMessage adds a message to a pool's conversation.
func (s *SQLiteStore) AppendMessage(ctx context.Context, poolID, requestID string, msg domain.Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message %s: %w", msg.ID, err)
	}
	return s.write(ctx, "append message", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO messages (pool_id, request_id, message_id, body)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(pool_id, message_id) DO NOTHING`,
			poolID, requestID, msg.ID, string(body),
		)
		return err
	})
}

// SaveWithdrawal records a completed withdrawal.
func (s *SQLiteStore) SaveWithdrawal(ctx context.Context, w domain.Withdrawal) error {
	return s.write(ctx, "save withdrawal", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO withdrawals (withdrawal_id, participant_id, transaction_ref, amount, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			w.ID, w.ParticipantID, w.TransactionRef, w.Amount, w.CreatedAt.UnixMilli(),
		)
		return err
	})
}

// ListWithdrawals returns a participant's withdrawals, newest first.
func (s *SQLiteStore) ListWithdrawals(ctx context.Context, participantID string) ([]domain.Withdrawal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT withdrawal_id, participant_id, transaction_ref, amount, created_at
		FROM withdrawals WHERE participant_id = ? ORDER BY created_at DESC, rowid DESC`, participantID)
	if err != nil {
		return nil, fmt.Errorf("query withdrawals: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close withdrawal rows", "error", closeErr)
		}
	}()

	out := []domain.Withdrawal{}
	for rows.Next() {
		var w domain.Withdrawal
		var createdAt int64
		if err := rows.Scan(&w.ID, &w.ParticipantID, &w.TransactionRef, &w.Amount, &createdAt); err != nil {
			return nil, fmt.Errorf("scan withdrawal row: %w", err)
		}
		w.CreatedAt = time.UnixMilli(createdAt).UTC()
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate withdrawals: %w", err)
	}
	return out, nil
}

// FailStaleNegotiations marks every pool still negotiating as failed.
func (s *SQLiteStore) FailStaleNegotiations(ctx context.Context, reason string) (int64, error) {
	var affected int64
	err := s.write(ctx, "fail stale negotiations", func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE pools SET status = ?, failure_reason = ?, updated_at = ?
			WHERE status = ?`,
			string(domain.PoolFailed), reason, time.Now().UnixMilli(), string(domain.PoolNegotiating),
		)
		if err != nil {
			return err
		}
		affected, err = result.RowsAffected()
		return err
	})
	return affected, err
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}
