package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MessageType names an agent-to-agent message variant.
type MessageType string

const (
	TypeStakeRequest MessageType = "STAKE_REQUEST"
	TypeCounterOffer MessageType = "STAKE_COUNTER_OFFER"
	TypeNegotiation  MessageType = "STAKE_NEGOTIATION"
	TypeApproval     MessageType = "STAKE_APPROVAL"
	TypeRejection    MessageType = "STAKE_REJECTION"
	TypeConfirmation MessageType = "STAKE_CONFIRMATION"
)

const (
	DecisionAccept        = "ACCEPT"
	DecisionReject        = "REJECT"
	ConfirmationCompleted = "COMPLETED"
)

// Payload is implemented by every message variant. Each variant carries
// the request id that correlates it with a conversation.
type Payload interface {
	Type() MessageType
	Correlation() string
}

// BudgetStats summarises the declared budgets of a pool.
type BudgetStats struct {
	Min     decimal.Decimal `json:"min"`
	Max     decimal.Decimal `json:"max"`
	Average decimal.Decimal `json:"average"`
	Median  decimal.Decimal `json:"median"`
	Count   int             `json:"count"`
}

// StakeRequest is the coordinator's opening proposal.
type StakeRequest struct {
	RequestID        string          `json:"request_id"`
	PoolID           string          `json:"pool_id"`
	Destination      string          `json:"destination"`
	ParticipantCount int             `json:"participant_count"`
	AgreedBudget     decimal.Decimal `json:"agreed_budget"`
	StakePercentage  decimal.Decimal `json:"stake_percentage"`
	ProposedAmount   decimal.Decimal `json:"proposed_amount"`
	Stats            BudgetStats     `json:"stats"`
	Reasoning        string          `json:"reasoning"`
}

// CounterOffer proposes a different per-person amount.
type CounterOffer struct {
	RequestID      string          `json:"request_id"`
	OriginalAmount decimal.Decimal `json:"original_amount"`
	ProposedAmount decimal.Decimal `json:"proposed_amount"`
	Reason         string          `json:"reason"`
	Round          int             `json:"round"`
}

// NegotiationDecision is the coordinator's verdict on a counter-offer.
type NegotiationDecision struct {
	RequestID   string          `json:"request_id"`
	Decision    string          `json:"decision"`
	FinalAmount decimal.Decimal `json:"final_amount"`
	Reason      string          `json:"reason"`
}

// Approval accepts an amount as-is.
type Approval struct {
	RequestID        string          `json:"request_id"`
	ApprovedAmount   decimal.Decimal `json:"approved_amount"`
	OriginalAmount   decimal.Decimal `json:"original_amount"`
	EstimatedRewards decimal.Decimal `json:"estimated_rewards"`
	Reason           string          `json:"reason"`
}

// Rejection ends a negotiation without agreement.
type Rejection struct {
	RequestID string `json:"request_id"`
	Reason    string `json:"reason"`
}

// Confirmation closes a successful negotiation.
type Confirmation struct {
	RequestID        string          `json:"request_id"`
	NegotiatedAmount decimal.Decimal `json:"negotiated_amount"`
	Status           string          `json:"status"`
}

func (StakeRequest) Type() MessageType        { return TypeStakeRequest }
func (CounterOffer) Type() MessageType        { return TypeCounterOffer }
func (NegotiationDecision) Type() MessageType { return TypeNegotiation }
func (Approval) Type() MessageType            { return TypeApproval }
func (Rejection) Type() MessageType           { return TypeRejection }
func (Confirmation) Type() MessageType        { return TypeConfirmation }

func (p StakeRequest) Correlation() string        { return p.RequestID }
func (p CounterOffer) Correlation() string        { return p.RequestID }
func (p NegotiationDecision) Correlation() string { return p.RequestID }
func (p Approval) Correlation() string            { return p.RequestID }
func (p Rejection) Correlation() string           { return p.RequestID }
func (p Confirmation) Correlation() string        { return p.RequestID }

// Message is an immutable agent-to-agent message.
type Message struct {
	ID        string
	From      string
	To        string
	Payload   Payload
	Timestamp time.Time
}

// NewMessage stamps a payload with a fresh id and the current time.
func NewMessage(from, to string, payload Payload) Message {
	return Message{
		ID:        uuid.NewString(),
		From:      from,
		To:        to,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}

// Type returns the payload's message type.
func (m Message) Type() MessageType {
	if m.Payload == nil {
		return ""
	}
	return m.Payload.Type()
}

// RequestID returns the correlation id of the message's conversation.
func (m Message) RequestID() string {
	if m.Payload == nil {
		return ""
	}
	return m.Payload.Correlation()
}

type wireMessage struct {
	ID        string          `json:"id"`
	From      string          `json:"from"`
	To        string          `json:"to"`
	Type      MessageType     `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// MarshalJSON encodes the message with its type tag next to the payload.
func (m Message) MarshalJSON() ([]byte, error) {
	if m.Payload == nil {
		return nil, fmt.Errorf("message %s has no payload", m.ID)
	}
	raw, err := json.Marshal(m.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", m.Payload.Type(), err)
	}
	return json.Marshal(wireMessage{
		ID:        m.ID,
		From:      m.From,
		To:        m.To,
		Type:      m.Payload.Type(),
		Payload:   raw,
		Timestamp: m.Timestamp,
	})
}

// UnmarshalJSON decodes the payload variant named by the type tag.
func (m *Message) UnmarshalJSON(data []byte) error {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	var payload Payload
	var err error
	switch w.Type {
	case TypeStakeRequest:
		payload, err = decodePayload[StakeRequest](w.Payload)
	case TypeCounterOffer:
		payload, err = decodePayload[CounterOffer](w.Payload)
	case TypeNegotiation:
		payload, err = decodePayload[NegotiationDecision](w.Payload)
	case TypeApproval:
		payload, err = decodePayload[Approval](w.Payload)
	case TypeRejection:
		payload, err = decodePayload[Rejection](w.Payload)
	case TypeConfirmation:
		payload, err = decodePayload[Confirmation](w.Payload)
	default:
		return fmt.Errorf("unknown message type %q", w.Type)
	}
	if err != nil {
		return fmt.Errorf("decode %s payload: %w", w.Type, err)
	}

	*m = Message{
		ID:        w.ID,
		From:      w.From,
		To:        w.To,
		Payload:   payload,
		Timestamp: w.Timestamp,
	}
	return nil
}

func decodePayload[T Payload](raw json.RawMessage) (Payload, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}
