package pool

import (
	"time"

	"github.com/ashureev/tripstake/internal/domain"
)

// View is what a caller may see of a pool. Participant details, execution
// records and the conversation are shown only to participants.
type View struct {
	PoolID               string                    `json:"pool_id"`
	Status               domain.PoolStatus         `json:"status"`
	Quorum               int                       `json:"quorum"`
	ParticipantCount     int                       `json:"participant_count"`
	IsParticipant        bool                      `json:"is_participant"`
	TripID               string                    `json:"trip_id,omitempty"`
	Participants         []domain.Participant      `json:"participants,omitempty"`
	NegotiationResult    *domain.NegotiationResult `json:"negotiation_result,omitempty"`
	ExecutionRecords     []domain.ExecutionRecord  `json:"execution_records,omitempty"`
	Conversation         []domain.Message          `json:"conversation,omitempty"`
	FailureReason        string                    `json:"failure_reason,omitempty"`
	NegotiationStartedAt *time.Time                `json:"negotiation_started_at,omitempty"`
	Outcome              *domain.TripOutcome       `json:"outcome,omitempty"`
	UpdatedAt            time.Time                 `json:"updated_at"`
}

// ViewOf renders snap for viewer.
func ViewOf(snap domain.PoolSnapshot, viewer string) View {
	v := View{
		PoolID:               snap.ID,
		Status:               snap.Status,
		Quorum:               snap.Quorum,
		ParticipantCount:     len(snap.Participants),
		FailureReason:        snap.FailureReason,
		NegotiationStartedAt: snap.NegotiationStartedAt,
		UpdatedAt:            snap.UpdatedAt,
	}
	if viewer == "" || !snap.HasParticipant(viewer) {
		return v
	}

	v.IsParticipant = true
	v.TripID = snap.TripID
	v.Participants = snap.Participants
	v.NegotiationResult = snap.NegotiationResult
	v.ExecutionRecords = snap.ExecutionRecords
	v.Outcome = snap.Outcome
	v.Conversation = snap.Conversations[snap.RequestID]
	return v
}
