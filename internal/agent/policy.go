// Package agent implements the coordinator and validator agents and the
// state machine that drives their negotiation over an ordered channel.
package agent

import (
	"sort"
	"time"

	"github.com/ashureev/tripstake/internal/domain"
	"github.com/shopspring/decimal"
)

var (
	hundred       = decimal.NewFromInt(100)
	two           = decimal.NewFromInt(2)
	fallbackShare = decimal.RequireFromString("0.75")
)

// Bounds is the hard range for any per-person stake the agents send.
type Bounds struct {
	DefaultPercent decimal.Decimal
	MaxPercent     decimal.Decimal
	MinAmount      decimal.Decimal
}

// Ceiling returns the largest allowed amount for an average budget.
func (b Bounds) Ceiling(avg decimal.Decimal) decimal.Decimal {
	return avg.Mul(b.MaxPercent).Div(hundred)
}

// Clip rounds amount to a whole unit and forces it into
// [MinAmount, floor(Ceiling(avg))]. ok is false when that range is empty,
// in which case the returned amount is the floored ceiling.
func (b Bounds) Clip(amount, avg decimal.Decimal) (clipped decimal.Decimal, ok bool) {
	ceil := b.Ceiling(avg).Floor()
	if ceil.LessThan(b.MinAmount) {
		return ceil, false
	}
	amount = amount.Round(0)
	if amount.GreaterThan(ceil) {
		return ceil, true
	}
	if amount.LessThan(b.MinAmount) {
		return b.MinAmount.Ceil(), true
	}
	return amount, true
}

// Within reports whether amount is inside the bounds for avg.
func (b Bounds) Within(amount, avg decimal.Decimal) bool {
	return !amount.LessThan(b.MinAmount) && !amount.GreaterThan(b.Ceiling(avg))
}

// Percentage expresses amount as a percentage of avg, to two places.
func Percentage(amount, avg decimal.Decimal) decimal.Decimal {
	if !avg.IsPositive() {
		return decimal.Zero
	}
	return amount.Mul(hundred).Div(avg).Round(2)
}

// Policy holds the negotiation parameters shared by both agents.
type Policy struct {
	Bounds               Bounds
	MaxRounds            int
	ConvergenceThreshold decimal.Decimal
	RewardRate           decimal.Decimal
}

// DefaultPolicy is 6% of the average budget, at least 1 unit, two rounds.
func DefaultPolicy() Policy {
	return Policy{
		Bounds: Bounds{
			DefaultPercent: decimal.NewFromInt(6),
			MaxPercent:     decimal.NewFromInt(6),
			MinAmount:      decimal.NewFromInt(1),
		},
		MaxRounds:            2,
		ConvergenceThreshold: decimal.NewFromInt(2),
		RewardRate:           decimal.RequireFromString("0.05"),
	}
}

// StatsOf computes min, max, mean (to cents) and median of budgets.
// The median of an even count is the upper middle value.
func StatsOf(budgets []decimal.Decimal) domain.BudgetStats {
	if len(budgets) == 0 {
		return domain.BudgetStats{}
	}
	sorted := make([]decimal.Decimal, len(budgets))
	copy(sorted, budgets)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].LessThan(sorted[j]) })

	n := int64(len(sorted))
	return domain.BudgetStats{
		Min:     sorted[0],
		Max:     sorted[len(sorted)-1],
		Average: decimal.Sum(sorted[0], sorted[1:]...).DivRound(decimal.NewFromInt(n), 2),
		Median:  sorted[len(sorted)/2],
		Count:   len(sorted),
	}
}

// State is a negotiation state.
type State string

const (
	StateInitiated   State = "INITIATED"
	StateValidating  State = "VALIDATING"
	StateNegotiating State = "NEGOTIATING"
	StateApproved    State = "APPROVED"
	StateRejected    State = "REJECTED"
	StateCompleted   State = "COMPLETED"
	StateFailed      State = "FAILED"
)

// Conversation is the per-request negotiation state. It is owned by a
// single Negotiator run; agents read it and advance the round counters.
type Conversation struct {
	RequestID    string
	ChannelID    string
	PoolID       string
	Destination  string
	Participants int
	Stats        domain.BudgetStats
	Proposal     decimal.Decimal
	State        State
	// Rounds counts counter-offers the coordinator has processed.
	Rounds int
	// LastRound is the highest counter-offer round the coordinator has seen.
	LastRound            int
	FinalAmount          decimal.Decimal
	CoordinatorReasoning string
	ValidatorReasoning   string
	Messages             []domain.Message
	StartedAt            time.Time

	seen map[string]struct{}
}

func newConversation(requestID, channelID string, snap domain.PoolSnapshot) *Conversation {
	return &Conversation{
		RequestID:    requestID,
		ChannelID:    channelID,
		PoolID:       snap.ID,
		Destination:  snap.Destination(),
		Participants: len(snap.Participants),
		State:        StateInitiated,
		StartedAt:    time.Now(),
		seen:         make(map[string]struct{}),
	}
}

// accept records msg unless it is a duplicate delivery.
func (c *Conversation) accept(msg domain.Message) bool {
	if _, dup := c.seen[msg.ID]; dup {
		return false
	}
	c.seen[msg.ID] = struct{}{}
	c.Messages = append(c.Messages, msg)
	return true
}
