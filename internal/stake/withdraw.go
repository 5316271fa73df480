package stake

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/tripstake/internal/domain"
	"github.com/ashureev/tripstake/internal/ledger"
	"github.com/ashureev/tripstake/internal/telemetry"
	"github.com/google/uuid"
)

// WithdrawalLog records completed withdrawals.
type WithdrawalLog interface {
	SaveWithdrawal(ctx context.Context, w domain.Withdrawal) error
}

// Withdrawer returns a participant's full escrow balance to them.
type Withdrawer struct {
	ledger  ledger.Ledger
	escrow  string
	log     WithdrawalLog
	locks   sync.Map
	metrics *telemetry.Metrics
	logger  *slog.Logger
}

// NewWithdrawer creates a withdrawer for escrow. log may be nil.
func NewWithdrawer(l ledger.Ledger, escrow string, log WithdrawalLog, metrics *telemetry.Metrics, logger *slog.Logger) *Withdrawer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Withdrawer{ledger: l, escrow: escrow, log: log, metrics: metrics, logger: logger}
}

// Withdraw transfers everything escrow holds for participant back to them.
// Concurrent calls for the same participant fail fast with
// domain.ErrWithdrawalInProgress.
func (w *Withdrawer) Withdraw(ctx context.Context, participant string) (domain.Withdrawal, error) {
	participant = domain.NormalizeAddress(participant)

	lock, _ := w.locks.LoadOrStore(participant, &sync.Mutex{})
	mutex := lock.(*sync.Mutex)
	if !mutex.TryLock() {
		w.metrics.WithdrawalFinished(ctx, string(domain.KindWithdrawalInProgress))
		return domain.Withdrawal{}, &domain.StakeError{Kind: domain.KindWithdrawalInProgress, Participant: participant}
	}
	defer mutex.Unlock()

	balance, err := w.ledger.EscrowBalance(ctx, w.escrow, participant)
	if err != nil {
		w.metrics.WithdrawalFinished(ctx, "error")
		return domain.Withdrawal{}, fmt.Errorf("read escrow balance: %w", err)
	}
	if balance.IsZero() {
		w.metrics.WithdrawalFinished(ctx, string(domain.KindNothingToWithdraw))
		return domain.Withdrawal{}, &domain.StakeError{Kind: domain.KindNothingToWithdraw, Participant: participant}
	}

	amount := ledger.FormatUnits(balance)
	ref, err := w.ledger.SubmitTransfer(ctx, ledger.Transfer{
		From:        w.escrow,
		To:          participant,
		Beneficiary: participant,
		Amount:      balance,
		Memo:        "withdraw",
	})
	if err != nil {
		w.metrics.WithdrawalFinished(ctx, string(failureKind(err)))
		return domain.Withdrawal{}, &domain.StakeError{
			Kind:        failureKind(err),
			Participant: participant,
			Amount:      amount,
			Err:         err,
		}
	}

	wd := domain.Withdrawal{
		ID:             uuid.NewString(),
		ParticipantID:  participant,
		TransactionRef: ref,
		Amount:         amount,
		CreatedAt:      time.Now().UTC(),
	}
	w.logger.Info("Withdrawal submitted", "participant", participant, "amount", amount, "tx", ref)
	w.metrics.WithdrawalFinished(ctx, "success")

	if w.log != nil {
		if err := w.log.SaveWithdrawal(context.WithoutCancel(ctx), wd); err != nil {
			w.logger.Error("Failed to record withdrawal", "error", err, "tx", ref)
		}
	}
	return wd, nil
}
