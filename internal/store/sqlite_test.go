package store

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ashureev/tripstake/internal/domain"
	"github.com/ashureev/tripstake/internal/shared"
	"github.com/shopspring/decimal"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "data", "stake.db"), shared.DefaultRetryPolicy())
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func samplePool(id string) *domain.PoolSnapshot {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &domain.PoolSnapshot{
		ID:     id,
		Status: domain.PoolWaiting,
		Quorum: 3,
		TripID: "trip-" + id,
		Participants: []domain.Participant{
			{ID: "0x01", DisplayName: "asha", DeclaredBudget: decimal.RequireFromString("500.50"), Destination: "Goa", JoinedAt: now},
			{ID: "0x02", DisplayName: "ravi", DeclaredBudget: decimal.NewFromInt(600), Destination: "Goa", JoinedAt: now.Add(time.Millisecond)},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestSQLitePoolRoundTrip(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	if err := s.Ping(ctx); err != nil {
		t.Fatalf("ping failed: %v", err)
	}

	got, err := s.GetPool(ctx, "missing")
	if err != nil || got != nil {
		t.Fatalf("missing pool: got %v, err %v", got, err)
	}

	snap := samplePool("goa")
	if err := s.SavePool(ctx, snap); err != nil {
		t.Fatalf("SavePool failed: %v", err)
	}

	started := snap.CreatedAt.Add(time.Second)
	snap.Status = domain.PoolReadyToStake
	snap.ChannelID = "chan-1"
	snap.RequestID = "req-1"
	snap.NegotiationStartedAt = &started
	snap.Participants[0].HasStaked = true
	snap.NegotiationResult = &domain.NegotiationResult{
		RequestID:            "req-1",
		StakeAmountPerPerson: decimal.NewFromInt(31),
		StakeAmountInToken:   "620000000000000000000",
		RoundsUsed:           1,
	}
	if err := s.SavePool(ctx, snap); err != nil {
		t.Fatalf("SavePool update failed: %v", err)
	}

	got, err = s.GetPool(ctx, "goa")
	if err != nil {
		t.Fatalf("GetPool failed: %v", err)
	}
	if got.Status != domain.PoolReadyToStake || got.RequestID != "req-1" || got.ChannelID != "chan-1" {
		t.Fatalf("unexpected pool: %+v", got)
	}
	if got.NegotiationStartedAt == nil || !got.NegotiationStartedAt.Equal(started) {
		t.Fatalf("negotiation start not stored: %v", got.NegotiationStartedAt)
	}
	if got.NegotiationResult == nil || got.NegotiationResult.StakeAmountInToken != "620000000000000000000" {
		t.Fatalf("negotiation result not stored: %+v", got.NegotiationResult)
	}
	if len(got.Participants) != 2 || got.Participants[0].ID != "0x01" {
		t.Fatalf("unexpected participants: %+v", got.Participants)
	}
	if !got.Participants[0].HasStaked || !got.Participants[0].DeclaredBudget.Equal(decimal.RequireFromString("500.5")) {
		t.Fatalf("participant not updated: %+v", got.Participants[0])
	}
}

func TestSQLiteConversationAndRecords(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	if err := s.SavePool(ctx, samplePool("goa")); err != nil {
		t.Fatalf("SavePool failed: %v", err)
	}

	first := domain.NewMessage("coordinator", "validator", domain.StakeRequest{RequestID: "req-1", ProposedAmount: decimal.NewFromInt(31)})
	second := domain.NewMessage("validator", "coordinator", domain.Approval{RequestID: "req-1", ApprovedAmount: decimal.NewFromInt(31)})
	for _, msg := range []domain.Message{first, second, first} {
		if err := s.AppendMessage(ctx, "goa", "req-1", msg); err != nil {
			t.Fatalf("AppendMessage failed: %v", err)
		}
	}

	rec := domain.ExecutionRecord{
		ID:            "rec-1",
		PoolID:        "goa",
		ParticipantID: "0x01",
		Amount:        "620000000000000000000",
		FiatAmount:    decimal.NewFromInt(31),
		Status:        domain.ExecutionPending,
		Attempt:       1,
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.SaveExecutionRecord(ctx, rec); err != nil {
		t.Fatalf("SaveExecutionRecord failed: %v", err)
	}
	settled := time.Now().UTC()
	rec.Status = domain.ExecutionFailed
	rec.ErrorKind = domain.KindNotApproved
	rec.ErrorDetail = "allowance not granted"
	rec.SettledAt = &settled
	if err := s.SaveExecutionRecord(ctx, rec); err != nil {
		t.Fatalf("SaveExecutionRecord update failed: %v", err)
	}

	got, err := s.GetPool(ctx, "goa")
	if err != nil {
		t.Fatalf("GetPool failed: %v", err)
	}
	msgs := got.Conversations["req-1"]
	if len(msgs) != 2 {
		t.Fatalf("conversation has %d messages, want 2", len(msgs))
	}
	if msgs[0].ID != first.ID || msgs[1].Type() != domain.TypeApproval {
		t.Fatalf("conversation out of order: %v, %v", msgs[0].Type(), msgs[1].Type())
	}
	if len(got.ExecutionRecords) != 1 {
		t.Fatalf("records = %d, want 1", len(got.ExecutionRecords))
	}
	r := got.ExecutionRecords[0]
	if r.Status != domain.ExecutionFailed || r.ErrorKind != domain.KindNotApproved || r.SettledAt == nil {
		t.Fatalf("record not updated: %+v", r)
	}

	if err := s.DeletePool(ctx, "goa"); err != nil {
		t.Fatalf("DeletePool failed: %v", err)
	}
	if got, _ := s.GetPool(ctx, "goa"); got != nil {
		t.Fatal("pool still present after delete")
	}
	if err := s.SavePool(ctx, samplePool("goa")); err != nil {
		t.Fatalf("SavePool after delete failed: %v", err)
	}
	got, _ = s.GetPool(ctx, "goa")
	if len(got.Conversations) != 0 || len(got.ExecutionRecords) != 0 {
		t.Fatal("children survived delete")
	}
}

func TestSQLiteFailStaleNegotiations(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	for id, status := range map[string]domain.PoolStatus{
		"a": domain.PoolNegotiating,
		"b": domain.PoolNegotiating,
		"c": domain.PoolCompleted,
	} {
		snap := samplePool(id)
		snap.Status = status
		if err := s.SavePool(ctx, snap); err != nil {
			t.Fatalf("SavePool failed: %v", err)
		}
	}

	n, err := s.FailStaleNegotiations(ctx, "restart")
	if err != nil {
		t.Fatalf("FailStaleNegotiations failed: %v", err)
	}
	if n != 2 {
		t.Fatalf("failed %d pools, want 2", n)
	}

	pools, err := s.ListPools(ctx)
	if err != nil {
		t.Fatalf("ListPools failed: %v", err)
	}
	if len(pools) != 3 {
		t.Fatalf("pools = %d, want 3", len(pools))
	}
	for _, p := range pools {
		if p.ID != "c" && (p.Status != domain.PoolFailed || p.FailureReason != "restart") {
			t.Fatalf("pool %s: status %s reason %q", p.ID, p.Status, p.FailureReason)
		}
		if len(p.Participants) != 2 {
			t.Fatalf("pool %s loaded without participants", p.ID)
		}
	}
}

func TestSQLiteWithdrawalsNewestFirst(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC()
	for i, id := range []string{"w-1", "w-2"} {
		w := domain.Withdrawal{
			ID:             id,
			ParticipantID:  "0x01",
			TransactionRef: "tx-" + id,
			Amount:         "620",
			CreatedAt:      base.Add(time.Duration(i) * time.Second),
		}
		if err := s.SaveWithdrawal(ctx, w); err != nil {
			t.Fatalf("SaveWithdrawal failed: %v", err)
		}
	}

	got, err := s.ListWithdrawals(ctx, "0x01")
	if err != nil {
		t.Fatalf("ListWithdrawals failed: %v", err)
	}
	if len(got) != 2 || got[0].ID != "w-2" {
		t.Fatalf("unexpected withdrawals: %+v", got)
	}

	none, err := s.ListWithdrawals(ctx, "0x02")
	if err != nil || len(none) != 0 {
		t.Fatalf("expected empty list, got %v, %v", none, err)
	}
}

func TestSQLiteTripOutcomeRoundTrip(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	snap := samplePool("goa")
	snap.Status = domain.PoolCompleted
	closed := snap.CreatedAt.Add(time.Hour)
	snap.Outcome = &domain.TripOutcome{
		Success: false,
		Slashes: []domain.ExecutionRecord{
			{ID: "slash-1", PoolID: "goa", ParticipantID: "0x01", Amount: "620", Status: domain.ExecutionSuccess, TransactionRef: "tx-9"},
		},
		ClosedAt: closed,
	}
	if err := s.SavePool(ctx, snap); err != nil {
		t.Fatalf("SavePool failed: %v", err)
	}

	got, err := s.GetPool(ctx, "goa")
	if err != nil {
		t.Fatalf("GetPool failed: %v", err)
	}
	if got.Outcome == nil || got.Outcome.Success || !got.Outcome.ClosedAt.Equal(closed) {
		t.Fatalf("outcome not stored: %+v", got.Outcome)
	}
	if len(got.Outcome.Slashes) != 1 || got.Outcome.Slashes[0].TransactionRef != "tx-9" {
		t.Fatalf("slashes not stored: %+v", got.Outcome.Slashes)
	}
}

func TestSQLiteAddsOutcomeColumnToOlderDatabase(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "old.db")
	old, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_, err = old.Exec(`CREATE TABLE pools (
		pool_id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		quorum INTEGER NOT NULL,
		trip_id TEXT NOT NULL,
		channel_id TEXT,
		request_id TEXT,
		failure_reason TEXT,
		result_json TEXT,
		negotiation_started_at INTEGER,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`)
	if err != nil {
		t.Fatalf("create old schema: %v", err)
	}
	if err := old.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("old database missing: %v", err)
	}

	s, err := NewSQLite(path, shared.DefaultRetryPolicy())
	if err != nil {
		t.Fatalf("NewSQLite on older database: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	snap := samplePool("goa")
	snap.Outcome = &domain.TripOutcome{Success: true, ClosedAt: snap.CreatedAt}
	if err := s.SavePool(context.Background(), snap); err != nil {
		t.Fatalf("SavePool after migration: %v", err)
	}
	got, err := s.GetPool(context.Background(), "goa")
	if err != nil || got.Outcome == nil || !got.Outcome.Success {
		t.Fatalf("outcome after migration: %+v, %v", got, err)
	}
}
