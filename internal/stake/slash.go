package stake

import (
	"context"
	"fmt"
	"time"

	"github.com/ashureev/tripstake/internal/domain"
	"github.com/ashureev/tripstake/internal/ledger"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

// SlashMemo is the transfer memo for stakes taken from a failed trip.
func SlashMemo(tripID string) string {
	return "slash:" + tripID
}

// Staked returns the successful stake of each participant in records.
func Staked(records []domain.ExecutionRecord) []domain.ExecutionRecord {
	seen := make(map[string]bool, len(records))
	var out []domain.ExecutionRecord
	for _, r := range records {
		if r.Status != domain.ExecutionSuccess || seen[r.ParticipantID] {
			continue
		}
		seen[r.ParticipantID] = true
		out = append(out, r)
	}
	return out
}

// Slash moves each stake from escrow to the slash account. Like Execute,
// participants are independent and cancelling ctx does not interrupt
// transfers already started.
func (e *Executor) Slash(ctx context.Context, poolID, tripID string, stakes []domain.ExecutionRecord) []domain.ExecutionRecord {
	ctx = context.WithoutCancel(ctx)
	ctx, span := e.metrics.Start(ctx, "stake.slash",
		attribute.String("pool.id", poolID),
		attribute.Int("stake.participants", len(stakes)))
	defer span.End()

	out := make([]domain.ExecutionRecord, len(stakes))
	var g errgroup.Group
	g.SetLimit(e.cfg.FanOut)
	for i, staked := range stakes {
		g.Go(func() error {
			out[i] = e.slashOne(ctx, poolID, tripID, staked)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (e *Executor) slashOne(ctx context.Context, poolID, tripID string, staked domain.ExecutionRecord) domain.ExecutionRecord {
	logger := e.logger.With("pool_id", poolID, "participant", staked.ParticipantID)
	r := domain.ExecutionRecord{
		ID:            uuid.NewString(),
		PoolID:        poolID,
		ParticipantID: staked.ParticipantID,
		Amount:        staked.Amount,
		FiatAmount:    staked.FiatAmount,
		Status:        domain.ExecutionPending,
		Attempt:       1,
		CreatedAt:     time.Now().UTC(),
	}

	ref, err := e.submitSlash(ctx, tripID, staked)
	now := time.Now().UTC()
	r.SettledAt = &now
	if err != nil {
		r.Status = domain.ExecutionFailed
		r.ErrorKind = failureKind(err)
		r.ErrorDetail = err.Error()
		logger.Warn("Slash failed", "error_kind", r.ErrorKind, "error", err)
		return r
	}
	r.Status = domain.ExecutionSuccess
	r.TransactionRef = ref
	logger.Info("Stake slashed", "tx", ref, "amount", r.Amount)
	return r
}

func (e *Executor) submitSlash(ctx context.Context, tripID string, staked domain.ExecutionRecord) (string, error) {
	if e.cfg.SlashAccount == "" {
		return "", fmt.Errorf("no slash account configured: %w", domain.ErrLedgerRejected)
	}
	amount, err := ledger.ParseUnits(staked.Amount)
	if err != nil {
		return "", fmt.Errorf("%w: %w", err, domain.ErrLedgerRejected)
	}
	if err := e.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limit: %w", err)
	}
	return e.ledger.SubmitTransfer(ctx, ledger.Transfer{
		From:        e.cfg.EscrowAccount,
		To:          e.cfg.SlashAccount,
		Beneficiary: staked.ParticipantID,
		Amount:      amount,
		Memo:        SlashMemo(tripID),
	})
}
