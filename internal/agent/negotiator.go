package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/tripstake/internal/channel"
	"github.com/ashureev/tripstake/internal/domain"
	"github.com/ashureev/tripstake/internal/telemetry"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Hooks let the caller observe a negotiation while it runs.
type Hooks struct {
	// OnStart is called once the channel and request id are known, before
	// the first message is published.
	OnStart func(channelID, requestID string)
	// OnMessage is called for every message of the conversation, in
	// channel order, without duplicates.
	OnMessage func(msg domain.Message)
}

// Outcome is the result of a negotiation run.
type Outcome struct {
	RequestID            string
	ChannelID            string
	State                State
	FinalAmount          decimal.Decimal
	Proposal             decimal.Decimal
	Stats                domain.BudgetStats
	Rounds               int
	CoordinatorReasoning string
	ValidatorReasoning   string
	Messages             []domain.Message
}

type handler interface {
	OnMessage(ctx context.Context, conv *Conversation, msg domain.Message) error
}

type event struct {
	msg domain.Message
	err error
}

// Negotiator runs one coordinator/validator conversation to completion.
type Negotiator struct {
	ch            channel.Channel
	coordinator   *Coordinator
	validator     *Validator
	policy        Policy
	timeout       time.Duration
	sharedChannel string
	metrics       *telemetry.Metrics
	logger        *slog.Logger
}

// NegotiatorConfig configures a Negotiator.
type NegotiatorConfig struct {
	Policy Policy
	// Timeout bounds the wait for the next message, not the whole run.
	Timeout time.Duration
	// SharedChannel, when set, is used for every negotiation instead of a
	// fresh channel per request.
	SharedChannel string
}

// NewNegotiator wires the two agents to ch.
func NewNegotiator(ch channel.Channel, coordinator *Coordinator, validator *Validator, cfg NegotiatorConfig, metrics *telemetry.Metrics, logger *slog.Logger) *Negotiator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Negotiator{
		ch:            ch,
		coordinator:   coordinator,
		validator:     validator,
		policy:        cfg.Policy,
		timeout:       cfg.Timeout,
		sharedChannel: cfg.SharedChannel,
		metrics:       metrics,
		logger:        logger,
	}
}

// Run negotiates a per-person stake for the pool in snap. It returns
// when the coordinator confirms an amount, either agent rejects, the
// round limit is exceeded, or no message arrives within the timeout. A
// channel created for the run is released when it returns.
func (n *Negotiator) Run(ctx context.Context, snap domain.PoolSnapshot, hooks Hooks) (Outcome, error) {
	ctx, span := n.metrics.Start(ctx, "negotiation",
		attribute.String("pool.id", snap.ID),
		attribute.Int("pool.participants", len(snap.Participants)))
	defer span.End()

	channelID := n.sharedChannel
	if channelID == "" {
		id, err := n.ch.Create(ctx)
		if err != nil {
			return Outcome{State: StateFailed}, &domain.StakeError{Kind: domain.KindChannelUnavailable, Detail: "create channel", Err: err}
		}
		channelID = id
	}

	conv := newConversation(uuid.NewString(), channelID, snap)
	if hooks.OnStart != nil {
		hooks.OnStart(conv.ChannelID, conv.RequestID)
	}
	logger := n.logger.With("pool_id", snap.ID, "request_id", conv.RequestID, "channel_id", channelID)
	logger.Info("Negotiation started", "participants", conv.Participants)

	err := n.loop(ctx, conv, snap, hooks, logger)
	if n.sharedChannel == "" {
		if relErr := n.ch.Release(context.WithoutCancel(ctx), channelID); relErr != nil {
			logger.Warn("Failed to release negotiation channel", "error", relErr)
		}
	}
	outcome := conv.outcome()
	elapsed := time.Since(conv.StartedAt)

	if err != nil {
		conv.State = StateFailed
		outcome.State = StateFailed
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		n.metrics.NegotiationFinished(ctx, string(domain.KindOf(err)), conv.Rounds, elapsed)
		logger.Warn("Negotiation failed", "rounds", conv.Rounds, "error", err)
		return outcome, err
	}

	n.metrics.NegotiationFinished(ctx, "completed", conv.Rounds, elapsed)
	logger.Info("Negotiation completed",
		"final_amount", conv.FinalAmount.String(),
		"rounds", conv.Rounds,
		"duration", elapsed)
	return outcome, nil
}

func (n *Negotiator) loop(ctx context.Context, conv *Conversation, snap domain.PoolSnapshot, hooks Hooks, logger *slog.Logger) error {
	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	events := make(chan event)
	go func() {
		defer close(events)
		for msg, err := range n.ch.Subscribe(subCtx, conv.ChannelID) {
			select {
			case events <- event{msg: msg, err: err}:
			case <-subCtx.Done():
				return
			}
		}
	}()

	if err := n.coordinator.Initiate(ctx, conv, snap); err != nil {
		return &domain.StakeError{Kind: kindOr(err, domain.KindChannelUnavailable), Detail: "publish stake request", Err: err}
	}

	timer := time.NewTimer(n.timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return &domain.StakeError{Kind: domain.KindNegotiationTimeout, Detail: "negotiation cancelled", Err: ctx.Err()}

		case <-timer.C:
			return &domain.StakeError{
				Kind:   domain.KindNegotiationTimeout,
				Detail: fmt.Sprintf("no message for %s in state %s", n.timeout, conv.State),
			}

		case ev, ok := <-events:
			if !ok {
				return &domain.StakeError{Kind: domain.KindChannelUnavailable, Detail: "subscription ended"}
			}
			if ev.err != nil {
				if errors.Is(ev.err, domain.ErrChannelUnavailable) || errors.Is(ev.err, channel.ErrChannelNotFound) {
					return &domain.StakeError{Kind: domain.KindChannelUnavailable, Err: ev.err}
				}
				logger.Warn("Skipping unreadable channel entry", "error", ev.err)
				continue
			}

			msg := ev.msg
			if msg.RequestID() != conv.RequestID || !conv.accept(msg) {
				continue
			}
			// The idle window covers waiting on the peer, not our own
			// oracle call inside step.
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}

			conv.note(msg, n.coordinator.ID())
			if hooks.OnMessage != nil {
				hooks.OnMessage(msg)
			}
			logger.Debug("Message received", "type", msg.Type(), "from", msg.From, "to", msg.To)

			done, err := n.step(ctx, conv, msg, logger)
			if err != nil {
				return err
			}
			if done {
				return n.checkFinal(conv)
			}
			timer.Reset(n.timeout)
		}
	}
}

// step advances the state machine for one message and dispatches it to
// its recipient.
func (n *Negotiator) step(ctx context.Context, conv *Conversation, msg domain.Message, logger *slog.Logger) (bool, error) {
	switch p := msg.Payload.(type) {
	case domain.StakeRequest:
		conv.State = StateValidating
	case domain.CounterOffer:
		conv.State = StateNegotiating
	case domain.Approval:
		conv.State = StateApproved
	case domain.NegotiationDecision:
		if p.Decision == domain.DecisionReject {
			conv.State = StateRejected
			return true, &domain.StakeError{Kind: domain.KindNegotiationRejected, Detail: p.Reason}
		}
		conv.State = StateApproved
		conv.FinalAmount = p.FinalAmount
	case domain.Rejection:
		conv.State = StateRejected
		return true, &domain.StakeError{Kind: domain.KindNegotiationRejected, Detail: p.Reason}
	case domain.Confirmation:
		conv.State = StateCompleted
		conv.FinalAmount = p.NegotiatedAmount
		return true, nil
	}

	var h handler
	switch msg.To {
	case n.coordinator.ID():
		h = n.coordinator
	case n.validator.ID():
		h = n.validator
	default:
		logger.Warn("Message for unknown recipient", "to", msg.To, "type", msg.Type())
		return false, nil
	}
	if err := h.OnMessage(ctx, conv, msg); err != nil {
		return false, &domain.StakeError{Kind: kindOr(err, domain.KindChannelUnavailable), Detail: fmt.Sprintf("handle %s", msg.Type()), Err: err}
	}
	if conv.Rounds > n.policy.MaxRounds {
		return false, &domain.StakeError{
			Kind:   domain.KindRoundLimit,
			Detail: fmt.Sprintf("%d rounds exceeds limit of %d", conv.Rounds, n.policy.MaxRounds),
		}
	}
	return false, nil
}

func (n *Negotiator) checkFinal(conv *Conversation) error {
	if !n.policy.Bounds.Within(conv.FinalAmount, conv.Stats.Average) {
		return &domain.StakeError{
			Kind:   domain.KindNegotiationRejected,
			Amount: conv.FinalAmount.String(),
			Detail: fmt.Sprintf("final amount outside [%s, %s]",
				n.policy.Bounds.MinAmount, n.policy.Bounds.Ceiling(conv.Stats.Average).StringFixed(2)),
		}
	}
	return nil
}

func kindOr(err error, fallback domain.ErrorKind) domain.ErrorKind {
	if kind := domain.KindOf(err); kind != "" {
		return kind
	}
	return fallback
}

// note keeps the latest reasoning from each side.
func (c *Conversation) note(msg domain.Message, coordinatorID string) {
	var reason string
	switch p := msg.Payload.(type) {
	case domain.StakeRequest:
		reason = p.Reasoning
	case domain.CounterOffer:
		reason = p.Reason
	case domain.NegotiationDecision:
		reason = p.Reason
	case domain.Approval:
		reason = p.Reason
	case domain.Rejection:
		reason = p.Reason
	}
	if reason == "" {
		return
	}
	if msg.From == coordinatorID {
		c.CoordinatorReasoning = reason
	} else {
		c.ValidatorReasoning = reason
	}
}

func (c *Conversation) outcome() Outcome {
	msgs := make([]domain.Message, len(c.Messages))
	copy(msgs, c.Messages)
	return Outcome{
		RequestID:            c.RequestID,
		ChannelID:            c.ChannelID,
		State:                c.State,
		FinalAmount:          c.FinalAmount,
		Proposal:             c.Proposal,
		Stats:                c.Stats,
		Rounds:               c.Rounds,
		CoordinatorReasoning: c.CoordinatorReasoning,
		ValidatorReasoning:   c.ValidatorReasoning,
		Messages:             msgs,
	}
}
