package oracle

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	negotiateShare  = decimal.RequireFromString("0.75")
	acceptTolerance = decimal.RequireFromString("0.20")
	two             = decimal.NewFromInt(2)
)

// Heuristic is a deterministic local oracle used when no external
// reasoning service is configured. It answers in the same one-line format
// a model is prompted for, so its output goes through Parse like any other.
type Heuristic struct {
	// ComfortThreshold is the per-person amount above which the validator
	// asks for less.
	ComfortThreshold decimal.Decimal
}

// NewHeuristic creates a local oracle.
func NewHeuristic(comfort decimal.Decimal) *Heuristic {
	return &Heuristic{ComfortThreshold: comfort}
}

var _ Oracle = (*Heuristic)(nil)

// Recommend implements Oracle.
func (h *Heuristic) Recommend(ctx context.Context, req Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	amount := req.ProposedAmount
	switch req.Kind {
	case KindCounter:
		if req.OriginalAmount.IsZero() {
			return fmt.Sprintf("ACCEPT | %s | Nothing to compare against", amount.StringFixed(0)), nil
		}
		gap := req.OriginalAmount.Sub(amount).Abs().Div(req.OriginalAmount)
		if gap.LessThanOrEqual(acceptTolerance) {
			return fmt.Sprintf("ACCEPT | %s | Within %s%% of our request", amount.StringFixed(0), acceptTolerance.Shift(2).String()), nil
		}
		mid := req.OriginalAmount.Add(amount).Div(two).Floor()
		return fmt.Sprintf("COUNTER | %s | Meeting halfway shows good faith", mid.String()), nil

	default:
		if amount.LessThan(req.MinAmount) {
			return fmt.Sprintf("REJECT | | Amount %s is below the minimum stake of %s", amount.StringFixed(2), req.MinAmount.StringFixed(2)), nil
		}
		if h.ComfortThreshold.IsPositive() && amount.GreaterThan(h.ComfortThreshold) {
			safer := amount.Mul(negotiateShare).Floor()
			return fmt.Sprintf("NEGOTIATE | %s | Amount above %s is risky for a group of %d, suggest %s",
				safer.String(), h.ComfortThreshold.String(), req.Participants, safer.String()), nil
		}
		return fmt.Sprintf("APPROVE | %s | Amount %s is reasonable for a trip to %s",
			amount.StringFixed(0), amount.StringFixed(2), req.Destination), nil
	}
}
