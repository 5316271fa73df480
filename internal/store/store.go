// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"

	"github.com/ashureev/tripstake/internal/domain"
)

// Repository persists pools, their negotiation transcripts, stake
// execution records and withdrawals.
type Repository interface {
	// SavePool creates or updates a pool and its participants.
	SavePool(ctx context.Context, snap *domain.PoolSnapshot) error

	// GetPool loads a pool with its participants, execution records and
	// conversations. It returns nil, nil when the pool does not exist.
	GetPool(ctx context.Context, poolID string) (*domain.PoolSnapshot, error)

	// ListPools loads every stored pool.
	ListPools(ctx context.Context) ([]*domain.PoolSnapshot, error)

	// DeletePool removes a pool and everything recorded for it.
	DeletePool(ctx context.Context, poolID string) error

	// SaveExecutionRecord creates or updates one execution record.
	SaveExecutionRecord(ctx context.Context, rec domain.ExecutionRecord) error

	// AppendMessage adds a message to a pool's conversation for requestID.
	// Appending a message id twice is a no-op.
	AppendMessage(ctx context.Context, poolID, requestID string, msg domain.Message) error

	// SaveWithdrawal records a completed withdrawal.
	SaveWithdrawal(ctx context.Context, w domain.Withdrawal) error

	// ListWithdrawals returns a participant's withdrawals, newest first.
	ListWithdrawals(ctx context.Context, participantID string) ([]domain.Withdrawal, error)

	// FailStaleNegotiations marks every pool still negotiating as failed
	// with reason. Used at startup, when no negotiation can be running.
	FailStaleNegotiations(ctx context.Context, reason string) (int64, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
