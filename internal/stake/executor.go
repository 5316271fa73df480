// Package stake moves negotiated stakes into escrow and back out again.
package stake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/tripstake/internal/domain"
	"github.com/ashureev/tripstake/internal/ledger"
	"github.com/ashureev/tripstake/internal/telemetry"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Recorder persists execution records as they are created and settled.
// Begin is called before the ledger is touched; Settle after.
type Recorder interface {
	Begin(ctx context.Context, rec domain.ExecutionRecord) error
	Settle(ctx context.Context, rec domain.ExecutionRecord) error
}

// Config configures an Executor.
type Config struct {
	AgentAccount  string
	EscrowAccount string
	// SlashAccount receives stakes taken from a failed trip.
	SlashAccount string
	// FanOut caps concurrent submissions per pool.
	FanOut int
	// RPS caps ledger submissions per second across all pools.
	RPS float64
}

// Plan is the work for one pool execution.
type Plan struct {
	PoolID       string
	TripID       string
	Amount       *uint256.Int
	FiatAmount   decimal.Decimal
	Participants []string
}

// Result summarises an execution.
type Result struct {
	Records   []domain.ExecutionRecord
	Succeeded int
	Failed    int
}

// Executor submits one escrow transfer per participant.
type Executor struct {
	ledger  ledger.Ledger
	cfg     Config
	limiter *rate.Limiter
	metrics *telemetry.Metrics
	logger  *slog.Logger
}

// NewExecutor creates an executor.
func NewExecutor(l ledger.Ledger, cfg Config, metrics *telemetry.Metrics, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.FanOut <= 0 {
		cfg.FanOut = 1
	}
	limit := rate.Inf
	if cfg.RPS > 0 {
		limit = rate.Limit(cfg.RPS)
	}
	return &Executor{
		ledger:  l,
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, 1),
		metrics: metrics,
		logger:  logger,
	}
}

// Memo is the transfer memo for stakes of a trip.
func Memo(tripID string) string {
	return "trip:" + tripID
}

// Execute stakes plan.Amount for every participant. Participants are
// independent: one failure never stops the others. Cancelling ctx does not
// interrupt submissions already started.
func (e *Executor) Execute(ctx context.Context, plan Plan, rec Recorder) Result {
	ctx = context.WithoutCancel(ctx)
	ctx, span := e.metrics.Start(ctx, "stake.execute",
		attribute.String("pool.id", plan.PoolID),
		attribute.Int("stake.participants", len(plan.Participants)))
	defer span.End()

	records := make([]domain.ExecutionRecord, len(plan.Participants))
	var g errgroup.Group
	g.SetLimit(e.cfg.FanOut)
	for i, participant := range plan.Participants {
		g.Go(func() error {
			records[i] = e.stakeOne(ctx, plan, participant, 1, rec)
			return nil
		})
	}
	_ = g.Wait()

	res := Result{Records: records}
	for _, r := range records {
		if r.Status == domain.ExecutionSuccess {
			res.Succeeded++
		} else {
			res.Failed++
		}
	}
	e.logger.Info("Stake execution finished",
		"pool_id", plan.PoolID,
		"succeeded", res.Succeeded,
		"failed", res.Failed)
	return res
}

// RetryOne re-stakes a single participant. If prior already holds a
// successful record for them, that record is returned and the ledger is
// not touched.
func (e *Executor) RetryOne(ctx context.Context, plan Plan, participant string, prior []domain.ExecutionRecord, rec Recorder) (domain.ExecutionRecord, error) {
	participant = domain.NormalizeAddress(participant)
	attempt := 1
	for _, r := range prior {
		if r.ParticipantID != participant {
			continue
		}
		if r.Status == domain.ExecutionSuccess {
			return r, nil
		}
		attempt++
	}

	r := e.stakeOne(context.WithoutCancel(ctx), plan, participant, attempt, rec)
	if r.Status != domain.ExecutionSuccess {
		return r, &domain.StakeError{
			Kind:        r.ErrorKind,
			Participant: participant,
			Amount:      r.Amount,
			Detail:      r.ErrorDetail,
		}
	}
	return r, nil
}

func (e *Executor) stakeOne(ctx context.Context, plan Plan, participant string, attempt int, rec Recorder) domain.ExecutionRecord {
	logger := e.logger.With("pool_id", plan.PoolID, "participant", participant, "attempt", attempt)
	r := domain.ExecutionRecord{
		ID:            uuid.NewString(),
		PoolID:        plan.PoolID,
		ParticipantID: participant,
		Amount:        ledger.FormatUnits(plan.Amount),
		FiatAmount:    plan.FiatAmount,
		Status:        domain.ExecutionPending,
		Attempt:       attempt,
		CreatedAt:     time.Now().UTC(),
	}
	if err := rec.Begin(ctx, r); err != nil {
		logger.Error("Failed to record pending stake", "error", err)
	}

	ref, err := e.submit(ctx, plan, participant)
	now := time.Now().UTC()
	r.SettledAt = &now
	if err != nil {
		r.Status = domain.ExecutionFailed
		r.ErrorKind = failureKind(err)
		r.ErrorDetail = err.Error()
		logger.Warn("Stake failed", "error_kind", r.ErrorKind, "error", err)
	} else {
		r.Status = domain.ExecutionSuccess
		r.TransactionRef = ref
		logger.Info("Stake submitted", "tx", ref, "amount", r.Amount)
	}

	if err := rec.Settle(ctx, r); err != nil {
		logger.Error("Failed to record settled stake", "error", err, "status", r.Status)
	}
	e.metrics.StakeSettled(ctx, string(r.Status), string(r.ErrorKind))
	return r
}

func (e *Executor) submit(ctx context.Context, plan Plan, participant string) (string, error) {
	allowance, err := e.ledger.Allowance(ctx, participant, e.cfg.AgentAccount)
	if err != nil {
		return "", fmt.Errorf("check allowance: %w", err)
	}
	if allowance.Lt(plan.Amount) {
		return "", fmt.Errorf("allowance %s below stake %s: %w",
			ledger.FormatUnits(allowance), ledger.FormatUnits(plan.Amount), domain.ErrNotApproved)
	}

	if err := e.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limit: %w", err)
	}

	return e.ledger.SubmitTransfer(ctx, ledger.Transfer{
		From:    participant,
		To:      e.cfg.EscrowAccount,
		Spender: e.cfg.AgentAccount,
		Amount:  plan.Amount,
		Memo:    Memo(plan.TripID),
	})
}

func failureKind(err error) domain.ErrorKind {
	switch {
	case errors.Is(err, domain.ErrInsufficientFunds):
		return domain.KindInsufficientFunds
	case errors.Is(err, domain.ErrNotApproved):
		return domain.KindNotApproved
	default:
		return domain.KindLedgerRejected
	}
}
