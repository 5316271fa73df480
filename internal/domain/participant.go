// Package domain contains core domain types for the trip stake engine.
package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Participant is a party that joined a pool with a declared trip budget.
type Participant struct {
	ID             string          `json:"id"`
	DisplayName    string          `json:"display_name"`
	DeclaredBudget decimal.Decimal `json:"declared_budget"`
	Destination    string          `json:"destination"`
	JoinedAt       time.Time       `json:"joined_at"`
	HasStaked      bool            `json:"has_staked"`
}

// NormalizeAddress lower-cases and trims a ledger address so that
// lookups are case-insensitive.
func NormalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// Validate checks the fields a caller must supply on join.
func (p *Participant) Validate() error {
	if p.ID == "" {
		return &StakeError{Kind: KindInvalidParticipant, Detail: "participant id is required"}
	}
	if !p.DeclaredBudget.IsPositive() {
		return &StakeError{Kind: KindInvalidParticipant, Participant: p.ID, Detail: "declared budget must be positive"}
	}
	if strings.TrimSpace(p.Destination) == "" {
		return &StakeError{Kind: KindInvalidParticipant, Participant: p.ID, Detail: "destination is required"}
	}
	return nil
}
