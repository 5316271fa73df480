package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ashureev/tripstake/internal/channel"
	"github.com/ashureev/tripstake/internal/domain"
	"github.com/ashureev/tripstake/internal/oracle"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	coordinatorID = "coordinator"
	validatorID   = "validator"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type oracleFunc func(ctx context.Context, req oracle.Request) (string, error)

func (f oracleFunc) Recommend(ctx context.Context, req oracle.Request) (string, error) {
	return f(ctx, req)
}

// byKind answers validator and coordinator questions separately.
func byKind(validate, review, counter string) oracleFunc {
	return func(_ context.Context, req oracle.Request) (string, error) {
		switch req.Kind {
		case oracle.KindValidate:
			return validate, nil
		case oracle.KindReview:
			return review, nil
		default:
			return counter, nil
		}
	}
}

func testConfig() NegotiatorConfig {
	return NegotiatorConfig{Policy: DefaultPolicy(), Timeout: 2 * time.Second}
}

func newTestNegotiator(ch channel.Channel, o oracle.Oracle, cfg NegotiatorConfig) *Negotiator {
	pub := channel.NewPublisher(ch, channel.RetryPolicy{MaxAttempts: 1}, discard)
	coordinator := NewCoordinator(NewRuntime(domain.AgentProfile{ID: coordinatorID, Role: domain.RoleCoordinator}, pub, o, discard), validatorID, cfg.Policy)
	validator := NewValidator(NewRuntime(domain.AgentProfile{ID: validatorID, Role: domain.RoleValidator}, pub, o, discard), cfg.Policy)
	return NewNegotiator(ch, coordinator, validator, cfg, nil, discard)
}

func poolOf(id string, budgets ...int64) domain.PoolSnapshot {
	snap := domain.PoolSnapshot{ID: id, Quorum: len(budgets), Status: domain.PoolNegotiating}
	for i, b := range budgets {
		snap.Participants = append(snap.Participants, domain.Participant{
			ID:             fmt.Sprintf("0x%040x", i+1),
			DeclaredBudget: decimal.NewFromInt(b),
			Destination:    "Goa",
		})
	}
	return snap
}

func types(msgs []domain.Message) []domain.MessageType {
	out := make([]domain.MessageType, len(msgs))
	for i, m := range msgs {
		out[i] = m.Type()
	}
	return out
}

func TestNegotiatorApprovesOpeningProposal(t *testing.T) {
	t.Parallel()

	n := newTestNegotiator(channel.NewMemory(), oracle.NewHeuristic(decimal.NewFromInt(100)), testConfig())

	var started atomic.Bool
	var seen []domain.Message
	out, err := n.Run(context.Background(), poolOf("goa", 500, 600, 450), Hooks{
		OnStart:   func(channelID, requestID string) { started.Store(channelID != "" && requestID != "") },
		OnMessage: func(msg domain.Message) { seen = append(seen, msg) },
	})
	require.NoError(t, err)

	assert.True(t, started.Load())
	assert.Equal(t, StateCompleted, out.State)
	assert.True(t, out.Proposal.Equal(d("31")))
	assert.True(t, out.FinalAmount.Equal(d("31")))
	assert.True(t, out.Stats.Average.Equal(d("516.67")))
	assert.Equal(t, 0, out.Rounds)
	assert.Equal(t, []domain.MessageType{domain.TypeStakeRequest, domain.TypeApproval, domain.TypeConfirmation}, types(out.Messages))
	assert.Equal(t, out.Messages, seen)
	assert.NotEmpty(t, out.CoordinatorReasoning)
	assert.NotEmpty(t, out.ValidatorReasoning)
}

func TestNegotiatorCounterOfferRound(t *testing.T) {
	t.Parallel()

	o := byKind("NEGOTIATE | 23 | too high for students", "APPROVE | 27 | ok", "COUNTER | 27 | meet halfway")
	out, err := newTestNegotiator(channel.NewMemory(), o, testConfig()).Run(context.Background(), poolOf("goa", 500, 600, 450), Hooks{})
	require.NoError(t, err)

	assert.True(t, out.FinalAmount.Equal(d("27")), "final %s", out.FinalAmount)
	assert.Equal(t, 1, out.Rounds)
	assert.Equal(t, []domain.MessageType{
		domain.TypeStakeRequest,
		domain.TypeCounterOffer,
		domain.TypeCounterOffer,
		domain.TypeApproval,
		domain.TypeConfirmation,
	}, types(out.Messages))

	first := out.Messages[1].Payload.(domain.CounterOffer)
	assert.Equal(t, 1, first.Round)
	assert.True(t, first.ProposedAmount.Equal(d("23")))
	second := out.Messages[2].Payload.(domain.CounterOffer)
	assert.Equal(t, 2, second.Round)
	assert.True(t, second.ProposedAmount.Equal(d("27")), "coordinator splits 31 and 23")
	assert.Equal(t, "ok", out.ValidatorReasoning)
	assert.Contains(t, out.CoordinatorReasoning, "meet halfway")
}

func TestNegotiatorAcceptsWithinConvergenceThreshold(t *testing.T) {
	t.Parallel()

	var counterCalls atomic.Int32
	o := oracleFunc(func(_ context.Context, req oracle.Request) (string, error) {
		if req.Kind == oracle.KindCounter {
			counterCalls.Add(1)
			return "REJECT | | should not be asked", nil
		}
		return "NEGOTIATE | 30 | slightly lower", nil
	})

	out, err := newTestNegotiator(channel.NewMemory(), o, testConfig()).Run(context.Background(), poolOf("goa", 500, 600, 450), Hooks{})
	require.NoError(t, err)
	assert.True(t, out.FinalAmount.Equal(d("30")))
	assert.Equal(t, int32(0), counterCalls.Load(), "acceptance check runs before the oracle")

	decision := out.Messages[2].Payload.(domain.NegotiationDecision)
	assert.Equal(t, domain.DecisionAccept, decision.Decision)
}

func TestNegotiatorAcceptsAtRoundLimit(t *testing.T) {
	t.Parallel()

	o := byKind("NEGOTIATE | 10 | lower", "NEGOTIATE | 12 | still lower", "COUNTER | 20 | no")
	out, err := newTestNegotiator(channel.NewMemory(), o, testConfig()).Run(context.Background(), poolOf("goa", 500, 600, 450), Hooks{})
	require.NoError(t, err)

	assert.Equal(t, 2, out.Rounds)
	assert.True(t, out.FinalAmount.Equal(d("12")), "final %s", out.FinalAmount)
}

func TestNegotiatorRejections(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		oracle oracle.Oracle
		pool   domain.PoolSnapshot
	}{
		{"validator rejects", byKind("REJECT | | unsafe destination", "", ""), poolOf("goa", 500, 600, 450)},
		{"coordinator rejects counter", byKind("NEGOTIATE | 10 | lower", "", "REJECT | | too low to matter"), poolOf("goa", 500, 600, 450)},
		{"no stake fits", byKind("APPROVE | 1 | ok", "", ""), poolOf("cheap", 10, 12)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			out, err := newTestNegotiator(channel.NewMemory(), tt.oracle, testConfig()).Run(context.Background(), tt.pool, Hooks{})
			require.Error(t, err)
			assert.Equal(t, domain.KindNegotiationRejected, domain.KindOf(err))
			assert.True(t, errors.Is(err, domain.ErrNegotiationRejected))
			assert.Equal(t, StateFailed, out.State)
		})
	}
}

func TestNegotiatorFallsBackWhenOracleFails(t *testing.T) {
	t.Parallel()

	o := oracleFunc(func(context.Context, oracle.Request) (string, error) {
		return "", errors.New("oracle down")
	})
	out, err := newTestNegotiator(channel.NewMemory(), o, testConfig()).Run(context.Background(), poolOf("goa", 500, 600, 450), Hooks{})
	require.NoError(t, err)

	// 31 -> validator fallback 23 -> midpoint 27 -> validator fallback 20 -> accepted at the round limit.
	assert.True(t, out.FinalAmount.Equal(d("20")), "final %s", out.FinalAmount)
	assert.Equal(t, 2, out.Rounds)
}

// droppingChannel silently discards everything one agent publishes.
type droppingChannel struct {
	*channel.Memory
	from string
}

func (c *droppingChannel) Publish(ctx context.Context, channelID string, msg domain.Message) (channel.Position, error) {
	if msg.From == c.from {
		return "dropped", nil
	}
	return c.Memory.Publish(ctx, channelID, msg)
}

func TestNegotiatorTimesOutWhenValidatorIsSilent(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Timeout = 100 * time.Millisecond
	ch := &droppingChannel{Memory: channel.NewMemory(), from: validatorID}

	start := time.Now()
	out, err := newTestNegotiator(ch, oracle.NewHeuristic(decimal.Zero), cfg).Run(context.Background(), poolOf("goa", 500, 600, 450), Hooks{})
	require.Error(t, err)
	assert.Equal(t, domain.KindNegotiationTimeout, domain.KindOf(err))
	assert.Equal(t, StateFailed, out.State)
	assert.Less(t, time.Since(start), 2*time.Second)
}

// duplicatingChannel delivers every message twice, as a retried publish can.
type duplicatingChannel struct {
	*channel.Memory
	published atomic.Int32
}

func (c *duplicatingChannel) Publish(ctx context.Context, channelID string, msg domain.Message) (channel.Position, error) {
	if _, err := c.Memory.Publish(ctx, channelID, msg); err != nil {
		return "", err
	}
	c.published.Add(2)
	return c.Memory.Publish(ctx, channelID, msg)
}

func TestNegotiatorIgnoresDuplicateDeliveries(t *testing.T) {
	t.Parallel()

	ch := &duplicatingChannel{Memory: channel.NewMemory()}
	var hookCalls int
	out, err := newTestNegotiator(ch, oracle.NewHeuristic(decimal.NewFromInt(100)), testConfig()).Run(
		context.Background(), poolOf("goa", 500, 600, 450), Hooks{OnMessage: func(domain.Message) { hookCalls++ }})
	require.NoError(t, err)

	assert.Len(t, out.Messages, 3)
	assert.Equal(t, 3, hookCalls)
	assert.Equal(t, int32(6), ch.published.Load())
	assert.Zero(t, ch.Len(out.ChannelID), "per-run channel should be released")
}

// brokenChannel fails every publish as unreachable.
type brokenChannel struct {
	*channel.Memory
}

func (c *brokenChannel) Publish(context.Context, string, domain.Message) (channel.Position, error) {
	return "", fmt.Errorf("dial: %w", domain.ErrChannelUnavailable)
}

func TestNegotiatorChannelUnavailable(t *testing.T) {
	t.Parallel()

	ch := &brokenChannel{Memory: channel.NewMemory()}
	_, err := newTestNegotiator(ch, oracle.NewHeuristic(decimal.Zero), testConfig()).Run(context.Background(), poolOf("goa", 500, 600, 450), Hooks{})
	require.Error(t, err)
	assert.Equal(t, domain.KindChannelUnavailable, domain.KindOf(err))
}

func TestNegotiatorSharedChannelKeepsConversationsApart(t *testing.T) {
	t.Parallel()

	ch := channel.NewMemory()
	ch.Ensure("shared")
	cfg := testConfig()
	cfg.SharedChannel = "shared"
	n := newTestNegotiator(ch, oracle.NewHeuristic(decimal.NewFromInt(100)), cfg)

	var wg sync.WaitGroup
	outs := make([]Outcome, 2)
	errs := make([]error, 2)
	for i, snap := range []domain.PoolSnapshot{poolOf("goa", 500, 600, 450), poolOf("bali", 1000, 1000)} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outs[i], errs[i] = n.Run(context.Background(), snap, Hooks{})
		}()
	}
	wg.Wait()

	for i, out := range outs {
		require.NoError(t, errs[i])
		assert.Equal(t, "shared", out.ChannelID)
		require.Len(t, out.Messages, 3)
		for _, msg := range out.Messages {
			assert.Equal(t, out.RequestID, msg.RequestID())
		}
	}
	assert.NotEqual(t, outs[0].RequestID, outs[1].RequestID)
	assert.True(t, outs[1].FinalAmount.Equal(d("60")))
	assert.Equal(t, 6, ch.Len("shared"))
}

func TestCoordinatorIgnoresStaleCounterOffer(t *testing.T) {
	t.Parallel()

	ch := channel.NewMemory()
	id, err := ch.Create(context.Background())
	require.NoError(t, err)

	cfg := testConfig()
	n := newTestNegotiator(ch, byKind("", "", "COUNTER | 1 | x"), cfg)
	snap := poolOf("goa", 500, 600, 450)
	conv := newConversation("req-1", id, snap)
	conv.Stats = StatsOf(snap.Budgets())
	conv.LastRound = 2

	stale := domain.NewMessage(validatorID, coordinatorID, domain.CounterOffer{
		RequestID:      "req-1",
		OriginalAmount: d("31"),
		ProposedAmount: d("10"),
		Round:          1,
	})
	require.NoError(t, n.coordinator.OnMessage(context.Background(), conv, stale))
	assert.Equal(t, 0, ch.Len(id), "stale round must not produce a reply")
	assert.Equal(t, 0, conv.Rounds)
}

func TestValidatorClipsOutOfRangeCounter(t *testing.T) {
	t.Parallel()

	ch := channel.NewMemory()
	id, err := ch.Create(context.Background())
	require.NoError(t, err)

	n := newTestNegotiator(ch, byKind("NEGOTIATE | 100000 | way more", "", ""), testConfig())
	snap := poolOf("goa", 500, 600, 450)
	conv := newConversation("req-1", id, snap)
	conv.Stats = StatsOf(snap.Budgets())

	req := domain.NewMessage(coordinatorID, validatorID, domain.StakeRequest{RequestID: "req-1", ProposedAmount: d("31")})
	require.NoError(t, n.validator.OnMessage(context.Background(), conv, req))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for msg, err := range ch.Subscribe(ctx, id) {
		require.NoError(t, err)
		// 100000 clips to the ceiling of 31, which equals the proposal.
		approval, ok := msg.Payload.(domain.Approval)
		require.True(t, ok, "got %T", msg.Payload)
		assert.True(t, approval.ApprovedAmount.Equal(d("31")))
		assert.True(t, approval.EstimatedRewards.Equal(d("1.55")))
		assert.True(t, strings.Contains(approval.Reason, "way more"))
		return
	}
	t.Fatal("validator sent nothing")
}

func TestNegotiatorTreatsNegatedApprovalAsAmbiguous(t *testing.T) {
	t.Parallel()

	n := newTestNegotiator(channel.NewMemory(), byKind("I do not approve this stake.", "ACCEPT | 23 | fine", "ACCEPT | 23 | fine"), testConfig())
	out, err := n.Run(context.Background(), poolOf("goa", 500, 600, 450), Hooks{})
	require.NoError(t, err)

	require.GreaterOrEqual(t, len(out.Messages), 2)
	counter, ok := out.Messages[1].Payload.(domain.CounterOffer)
	require.True(t, ok, "validator answered with %s", out.Messages[1].Type())
	// 75% of the 31 proposal, floored.
	assert.True(t, counter.ProposedAmount.Equal(d("23")), "counter = %s", counter.ProposedAmount)
}

func TestNegotiatorIdleTimeoutExcludesOracleTime(t *testing.T) {
	t.Parallel()

	slow := oracleFunc(func(ctx context.Context, req oracle.Request) (string, error) {
		select {
		case <-time.After(150 * time.Millisecond):
		case <-ctx.Done():
			return "", ctx.Err()
		}
		return byKind("NEGOTIATE | 23 | lower", "ACCEPT | 23 | fine", "ACCEPT | 23 | fine")(ctx, req)
	})
	cfg := testConfig()
	cfg.Timeout = 100 * time.Millisecond

	for range 3 {
		out, err := newTestNegotiator(channel.NewMemory(), slow, cfg).Run(context.Background(), poolOf("goa", 500, 600, 450), Hooks{})
		require.NoError(t, err)
		assert.Equal(t, StateCompleted, out.State)
	}
}
