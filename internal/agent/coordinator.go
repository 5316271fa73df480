package agent

import (
	"context"
	"fmt"

	"github.com/ashureev/tripstake/internal/domain"
	"github.com/ashureev/tripstake/internal/oracle"
	"github.com/shopspring/decimal"
)

// Coordinator proposes the stake and decides on validator counter-offers.
type Coordinator struct {
	rt          *Runtime
	validatorID string
	policy      Policy
}

// NewCoordinator creates a coordinator that negotiates with validatorID.
func NewCoordinator(rt *Runtime, validatorID string, policy Policy) *Coordinator {
	return &Coordinator{rt: rt, validatorID: validatorID, policy: policy}
}

// ID returns the coordinator's agent id.
func (c *Coordinator) ID() string {
	return c.rt.profile.ID
}

// Initiate computes the pool's budget statistics and publishes the opening
// STAKE_REQUEST.
func (c *Coordinator) Initiate(ctx context.Context, conv *Conversation, snap domain.PoolSnapshot) error {
	stats := StatsOf(snap.Budgets())
	conv.Stats = stats

	raw := stats.Average.Mul(c.policy.Bounds.DefaultPercent).Div(hundred)
	proposal, _ := c.policy.Bounds.Clip(raw, stats.Average)
	conv.Proposal = proposal

	reasoning := fmt.Sprintf("Proposing %s%% of the average budget %s for %d participants to %s",
		Percentage(proposal, stats.Average).String(),
		stats.Average.StringFixed(2),
		stats.Count,
		conv.Destination)

	return c.rt.Send(ctx, conv, c.validatorID, domain.StakeRequest{
		RequestID:        conv.RequestID,
		PoolID:           conv.PoolID,
		Destination:      conv.Destination,
		ParticipantCount: stats.Count,
		AgreedBudget:     stats.Average.Round(0),
		StakePercentage:  c.policy.Bounds.DefaultPercent,
		ProposedAmount:   proposal,
		Stats:            stats,
		Reasoning:        reasoning,
	})
}

// OnMessage handles a message addressed to the coordinator.
func (c *Coordinator) OnMessage(ctx context.Context, conv *Conversation, msg domain.Message) error {
	switch p := msg.Payload.(type) {
	case domain.CounterOffer:
		return c.onCounterOffer(ctx, conv, p)
	case domain.Approval:
		amount, _ := c.policy.Bounds.Clip(p.ApprovedAmount, conv.Stats.Average)
		return c.confirm(ctx, conv, amount)
	case domain.Rejection, domain.StakeRequest, domain.NegotiationDecision, domain.Confirmation:
		return nil
	default:
		return fmt.Errorf("coordinator: unexpected payload %T", msg.Payload)
	}
}

func (c *Coordinator) onCounterOffer(ctx context.Context, conv *Conversation, p domain.CounterOffer) error {
	if p.Round < conv.LastRound {
		c.rt.logger.Info("Ignoring stale counter-offer",
			"request_id", conv.RequestID,
			"round", p.Round,
			"last_round", conv.LastRound)
		return nil
	}
	conv.LastRound = p.Round
	conv.Rounds++

	diff := p.ProposedAmount.Sub(p.OriginalAmount).Abs()
	if conv.Rounds >= c.policy.MaxRounds {
		return c.accept(ctx, conv, p.ProposedAmount,
			fmt.Sprintf("Accepting %s after %d rounds", p.ProposedAmount.StringFixed(2), conv.Rounds))
	}
	if diff.LessThan(c.policy.ConvergenceThreshold) {
		return c.accept(ctx, conv, p.ProposedAmount,
			fmt.Sprintf("Accepting %s, within %s of the original", p.ProposedAmount.StringFixed(2), c.policy.ConvergenceThreshold))
	}

	midpoint := p.OriginalAmount.Add(p.ProposedAmount).Div(two).Floor()
	d := c.rt.Consult(ctx, oracle.Request{
		Kind:           oracle.KindCounter,
		RequestID:      conv.RequestID,
		PoolID:         conv.PoolID,
		Destination:    conv.Destination,
		Participants:   conv.Participants,
		ProposedAmount: p.ProposedAmount,
		OriginalAmount: p.OriginalAmount,
		Stats:          conv.Stats,
		MinAmount:      c.policy.Bounds.MinAmount,
		MaxAmount:      c.policy.Bounds.Ceiling(conv.Stats.Average).Floor(),
		Round:          conv.Rounds,
		MaxRounds:      c.policy.MaxRounds,
		Reason:         p.Reason,
	}, midpoint)

	switch d.Action {
	case oracle.Approve:
		return c.accept(ctx, conv, p.ProposedAmount, d.Reason)
	case oracle.Reject:
		return c.rt.Send(ctx, conv, c.validatorID, domain.NegotiationDecision{
			RequestID:   conv.RequestID,
			Decision:    domain.DecisionReject,
			FinalAmount: decimal.Zero,
			Reason:      d.Reason,
		})
	default:
		counter, _ := c.policy.Bounds.Clip(midpoint, conv.Stats.Average)
		return c.rt.Send(ctx, conv, c.validatorID, domain.CounterOffer{
			RequestID:      conv.RequestID,
			OriginalAmount: p.OriginalAmount,
			ProposedAmount: counter,
			Reason:         fmt.Sprintf("Splitting the difference at %s. %s", counter.StringFixed(2), d.Reason),
			Round:          p.Round + 1,
		})
	}
}

func (c *Coordinator) accept(ctx context.Context, conv *Conversation, amount decimal.Decimal, reason string) error {
	amount, _ = c.policy.Bounds.Clip(amount, conv.Stats.Average)
	if err := c.rt.Send(ctx, conv, c.validatorID, domain.NegotiationDecision{
		RequestID:   conv.RequestID,
		Decision:    domain.DecisionAccept,
		FinalAmount: amount,
		Reason:      reason,
	}); err != nil {
		return err
	}
	return c.confirm(ctx, conv, amount)
}

func (c *Coordinator) confirm(ctx context.Context, conv *Conversation, amount decimal.Decimal) error {
	return c.rt.Send(ctx, conv, c.validatorID, domain.Confirmation{
		RequestID:        conv.RequestID,
		NegotiatedAmount: amount,
		Status:           domain.ConfirmationCompleted,
	})
}
