package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PoolStatus is the lifecycle state of a pool.
type PoolStatus string

const (
	PoolWaiting      PoolStatus = "waiting"
	PoolNegotiating  PoolStatus = "negotiating"
	PoolReadyToStake PoolStatus = "ready_to_stake"
	PoolCompleted    PoolStatus = "completed"
	PoolFailed       PoolStatus = "failed"
)

// Terminal reports whether no further transition is possible.
func (s PoolStatus) Terminal() bool {
	return s == PoolCompleted || s == PoolFailed
}

// NegotiationResult is the agreed per-person stake for a pool.
// Token amounts are base-unit integers encoded as decimal strings.
type NegotiationResult struct {
	RequestID            string          `json:"request_id"`
	AgreedBudget         decimal.Decimal `json:"agreed_budget"`
	AverageBudget        decimal.Decimal `json:"average_budget"`
	BudgetStats          BudgetStats     `json:"budget_stats"`
	StakePercentage      decimal.Decimal `json:"stake_percentage"`
	StakeAmountPerPerson decimal.Decimal `json:"stake_amount_per_person"`
	StakeAmountInToken   string          `json:"stake_amount_in_token"`
	TokenPrice           decimal.Decimal `json:"token_price"`
	TotalPool            decimal.Decimal `json:"total_pool"`
	EstimatedRewards     decimal.Decimal `json:"estimated_rewards"`
	CoordinatorReasoning string          `json:"coordinator_reasoning"`
	ValidatorReasoning   string          `json:"validator_reasoning"`
	RoundsUsed           int             `json:"rounds_used"`
	CreatedAt            time.Time       `json:"created_at"`
}

// ExecutionStatus is the settlement state of a single stake transaction.
type ExecutionStatus string

const (
	ExecutionPending ExecutionStatus = "pending"
	ExecutionSuccess ExecutionStatus = "success"
	ExecutionFailed  ExecutionStatus = "failed"
)

// ExecutionRecord tracks one stake attempt for one participant.
type ExecutionRecord struct {
	ID             string          `json:"id"`
	PoolID         string          `json:"pool_id"`
	ParticipantID  string          `json:"participant_id"`
	TransactionRef string          `json:"transaction_ref,omitempty"`
	Amount         string          `json:"amount"`
	FiatAmount     decimal.Decimal `json:"fiat_amount"`
	Status         ExecutionStatus `json:"status"`
	ErrorKind      ErrorKind       `json:"error_kind,omitempty"`
	ErrorDetail    string          `json:"error_detail,omitempty"`
	Attempt        int             `json:"attempt"`
	CreatedAt      time.Time       `json:"created_at"`
	SettledAt      *time.Time      `json:"settled_at,omitempty"`
}

// PoolSnapshot is a read-only copy of a pool's state.
type PoolSnapshot struct {
	ID                   string               `json:"id"`
	Status               PoolStatus           `json:"status"`
	Quorum               int                  `json:"quorum"`
	TripID               string               `json:"trip_id"`
	Participants         []Participant        `json:"participants"`
	NegotiationResult    *NegotiationResult   `json:"negotiation_result,omitempty"`
	ExecutionRecords     []ExecutionRecord    `json:"execution_records"`
	Conversations        map[string][]Message `json:"conversations,omitempty"`
	ChannelID            string               `json:"channel_id,omitempty"`
	RequestID            string               `json:"request_id,omitempty"`
	FailureReason        string               `json:"failure_reason,omitempty"`
	CreatedAt            time.Time            `json:"created_at"`
	UpdatedAt            time.Time            `json:"updated_at"`
	NegotiationStartedAt *time.Time           `json:"negotiation_started_at,omitempty"`
	Outcome              *TripOutcome         `json:"outcome,omitempty"`
}

// TripOutcome records how a completed trip was closed out. A failed trip
// carries one slash transfer per participant whose stake was taken.
type TripOutcome struct {
	Success  bool              `json:"success"`
	Slashes  []ExecutionRecord `json:"slashes,omitempty"`
	ClosedAt time.Time         `json:"closed_at"`
}

// HasParticipant reports whether id (case-insensitive) has joined.
func (s *PoolSnapshot) HasParticipant(id string) bool {
	id = NormalizeAddress(id)
	for _, p := range s.Participants {
		if p.ID == id {
			return true
		}
	}
	return false
}

// Destination returns the common destination, taken from the first participant.
func (s *PoolSnapshot) Destination() string {
	if len(s.Participants) == 0 {
		return ""
	}
	return s.Participants[0].Destination
}

// Budgets returns the declared budgets in join order.
func (s *PoolSnapshot) Budgets() []decimal.Decimal {
	out := make([]decimal.Decimal, len(s.Participants))
	for i, p := range s.Participants {
		out[i] = p.DeclaredBudget
	}
	return out
}

// AgentRole distinguishes the two negotiating agents.
type AgentRole string

const (
	RoleCoordinator AgentRole = "COORDINATOR"
	RoleValidator   AgentRole = "VALIDATOR"
)

// AgentProfile describes a long-lived agent created at process start.
type AgentProfile struct {
	ID           string    `json:"id"`
	Role         AgentRole `json:"role"`
	Identity     string    `json:"identity"`
	Capabilities []string  `json:"capabilities"`
}

// Withdrawal records a completed escrow withdrawal.
type Withdrawal struct {
	ID             string    `json:"id"`
	ParticipantID  string    `json:"participant_id"`
	TransactionRef string    `json:"transaction_ref"`
	Amount         string    `json:"amount"`
	CreatedAt      time.Time `json:"created_at"`
}
