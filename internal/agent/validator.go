package agent

import (
	"context"
	"fmt"

	"github.com/ashureev/tripstake/internal/domain"
	"github.com/ashureev/tripstake/internal/oracle"
	"github.com/shopspring/decimal"
)

// Validator reviews proposals against the stake bounds and the oracle's
// risk assessment.
type Validator struct {
	rt     *Runtime
	policy Policy
}

// NewValidator creates a validator.
func NewValidator(rt *Runtime, policy Policy) *Validator {
	return &Validator{rt: rt, policy: policy}
}

// ID returns the validator's agent id.
func (v *Validator) ID() string {
	return v.rt.profile.ID
}

// OnMessage handles a message addressed to the validator.
func (v *Validator) OnMessage(ctx context.Context, conv *Conversation, msg domain.Message) error {
	switch p := msg.Payload.(type) {
	case domain.StakeRequest:
		return v.review(ctx, conv, msg.From, oracle.KindValidate, p.ProposedAmount, p.ProposedAmount, 1, p.Reasoning)
	case domain.CounterOffer:
		return v.review(ctx, conv, msg.From, oracle.KindReview, p.ProposedAmount, p.OriginalAmount, p.Round, p.Reason)
	case domain.NegotiationDecision, domain.Confirmation, domain.Approval, domain.Rejection:
		return nil
	default:
		return fmt.Errorf("validator: unexpected payload %T", msg.Payload)
	}
}

// review answers a proposal with an approval, a counter-offer carrying
// round, or a rejection.
func (v *Validator) review(ctx context.Context, conv *Conversation, replyTo string, kind oracle.Kind,
	proposed, original decimal.Decimal, round int, reason string) error {
	avg := conv.Stats.Average
	amount, ok := v.policy.Bounds.Clip(proposed, avg)
	if !ok {
		return v.rt.Send(ctx, conv, replyTo, domain.Rejection{
			RequestID: conv.RequestID,
			Reason: fmt.Sprintf("No stake fits: %s%% of the average budget %s is below the minimum %s",
				v.policy.Bounds.MaxPercent, avg.StringFixed(2), v.policy.Bounds.MinAmount.StringFixed(2)),
		})
	}
	if !amount.Equal(proposed) {
		v.rt.logger.Info("Clipped proposal to bounds",
			"request_id", conv.RequestID,
			"proposed", proposed.String(),
			"clipped", amount.String())
	}

	fallback, _ := v.policy.Bounds.Clip(amount.Mul(fallbackShare).Floor(), avg)
	d := v.rt.Consult(ctx, oracle.Request{
		Kind:           kind,
		RequestID:      conv.RequestID,
		PoolID:         conv.PoolID,
		Destination:    conv.Destination,
		Participants:   conv.Participants,
		ProposedAmount: amount,
		OriginalAmount: original,
		Stats:          conv.Stats,
		MinAmount:      v.policy.Bounds.MinAmount,
		MaxAmount:      v.policy.Bounds.Ceiling(avg).Floor(),
		Round:          round,
		MaxRounds:      v.policy.MaxRounds,
		Reason:         reason,
	}, fallback)

	switch d.Action {
	case oracle.Reject:
		return v.rt.Send(ctx, conv, replyTo, domain.Rejection{RequestID: conv.RequestID, Reason: d.Reason})
	case oracle.Negotiate:
		counter, _ := v.policy.Bounds.Clip(d.Amount, avg)
		if !counter.Equal(amount) {
			return v.rt.Send(ctx, conv, replyTo, domain.CounterOffer{
				RequestID:      conv.RequestID,
				OriginalAmount: original,
				ProposedAmount: counter,
				Reason:         d.Reason,
				Round:          round,
			})
		}
	}

	return v.rt.Send(ctx, conv, replyTo, domain.Approval{
		RequestID:        conv.RequestID,
		ApprovedAmount:   amount,
		OriginalAmount:   original,
		EstimatedRewards: amount.Mul(v.policy.RewardRate).Round(2),
		Reason:           d.Reason,
	})
}
