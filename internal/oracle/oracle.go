// Package oracle is the boundary to the external reasoning service the
// agents consult. Replies are free text and are reduced to a closed set of
// decisions by Parse; the oracle never drives control flow directly.
package oracle

import (
	"context"
	"fmt"
	"strings"

	"github.com/ashureev/tripstake/internal/domain"
	"github.com/shopspring/decimal"
)

// Kind identifies which question is being asked.
type Kind string

const (
	// KindValidate asks the validator to review the opening proposal.
	KindValidate Kind = "validate"
	// KindReview asks the validator to review a coordinator counter-offer.
	KindReview Kind = "review"
	// KindCounter asks the coordinator whether to accept a validator counter-offer.
	KindCounter Kind = "counter"
)

// Request is the structured context sent to the oracle.
type Request struct {
	Kind           Kind
	RequestID      string
	PoolID         string
	Destination    string
	Participants   int
	ProposedAmount decimal.Decimal
	OriginalAmount decimal.Decimal
	Stats          domain.BudgetStats
	MinAmount      decimal.Decimal
	MaxAmount      decimal.Decimal
	Round          int
	MaxRounds      int
	Reason         string
}

// Oracle returns a free-text recommendation for a request.
type Oracle interface {
	Recommend(ctx context.Context, req Request) (string, error)
}

// Prompt renders the request as instructions for a text model.
func (r Request) Prompt() string {
	var b strings.Builder
	switch r.Kind {
	case KindCounter:
		fmt.Fprintf(&b, "You are negotiating a per-person trip stake.\n")
		fmt.Fprintf(&b, "- You originally requested: %s\n", r.OriginalAmount.StringFixed(2))
		fmt.Fprintf(&b, "- Validator proposes: %s\n", r.ProposedAmount.StringFixed(2))
		fmt.Fprintf(&b, "- Their reason: %s\n", r.Reason)
		fmt.Fprintf(&b, "- Negotiation round: %d/%d\n", r.Round, r.MaxRounds)
		b.WriteString("Respond with exactly one line: ACCEPT | AMOUNT | REASON, COUNTER | AMOUNT | REASON or REJECT | | REASON.")
	default:
		fmt.Fprintf(&b, "You are a risk-averse staking validator for a group trip to %s.\n", r.Destination)
		fmt.Fprintf(&b, "- Participants: %d\n", r.Participants)
		fmt.Fprintf(&b, "- Budgets: min %s, max %s, average %s, median %s\n",
			r.Stats.Min.StringFixed(2), r.Stats.Max.StringFixed(2),
			r.Stats.Average.StringFixed(2), r.Stats.Median.StringFixed(2))
		fmt.Fprintf(&b, "- Requested stake per person: %s\n", r.ProposedAmount.StringFixed(2))
		fmt.Fprintf(&b, "- Allowed range: %s to %s\n", r.MinAmount.StringFixed(2), r.MaxAmount.StringFixed(2))
		if r.Kind == KindReview {
			fmt.Fprintf(&b, "- This is a counter-offer in round %d/%d: %s\n", r.Round, r.MaxRounds, r.Reason)
		}
		b.WriteString("Respond with exactly one line: APPROVE | AMOUNT | REASON, NEGOTIATE | AMOUNT | REASON or REJECT | | REASON.")
	}
	return b.String()
}
