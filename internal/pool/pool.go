// Package pool collects participants until quorum, triggers the agents'
// negotiation exactly once and tracks the pool through stake execution.
package pool

import (
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/ashureev/tripstake/internal/domain"
	"github.com/google/uuid"
)

// Pool is one trip's participant pool. All methods are safe for
// concurrent use.
type Pool struct {
	mu            sync.Mutex
	snap          domain.PoolSnapshot
	autoNegotiate bool
	executing     bool
	retrying      map[string]bool
	settling      bool
	// closed is set by Close when the pool is reset; a closed pool accepts
	// no new work and is never written back.
	closed bool

	// saveMu orders write-through so an older snapshot never overwrites
	// a newer one.
	saveMu sync.Mutex
}

// errPoolClosedForReset tells Service.Join the pool it looked up was reset
// in the meantime and a fresh one should be used.
var errPoolClosedForReset = errors.New("pool was reset")

// New creates an empty waiting pool.
func New(id string, quorum int, autoNegotiate bool) *Pool {
	now := time.Now().UTC()
	return &Pool{
		snap: domain.PoolSnapshot{
			ID:               id,
			Status:           domain.PoolWaiting,
			Quorum:           quorum,
			TripID:           uuid.NewString(),
			Participants:     []domain.Participant{},
			ExecutionRecords: []domain.ExecutionRecord{},
			Conversations:    make(map[string][]domain.Message),
			CreatedAt:        now,
			UpdatedAt:        now,
		},
		autoNegotiate: autoNegotiate,
		retrying:      make(map[string]bool),
	}
}

// Restore rebuilds a pool from a stored snapshot.
func Restore(snap *domain.PoolSnapshot, autoNegotiate bool) *Pool {
	p := &Pool{snap: copySnapshot(snap), autoNegotiate: autoNegotiate, retrying: make(map[string]bool)}
	if p.snap.Conversations == nil {
		p.snap.Conversations = make(map[string][]domain.Message)
	}
	return p
}

// ID returns the pool id.
func (p *Pool) ID() string {
	return p.snap.ID
}

// Join adds part, or updates them in place if their wallet already joined.
// triggered is true for exactly one call: the one that first brings a
// waiting pool to quorum.
func (p *Pool) Join(part domain.Participant) (triggered bool, err error) {
	part.ID = domain.NormalizeAddress(part.ID)
	if err := part.Validate(); err != nil {
		return false, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return false, errPoolClosedForReset
	}
	idx := p.indexLocked(part.ID)
	if p.snap.Status != domain.PoolWaiting {
		if idx >= 0 {
			return false, nil
		}
		return false, &domain.StakeError{
			Kind:        domain.KindPoolClosed,
			Participant: part.ID,
			Detail:      fmt.Sprintf("pool is %s", p.snap.Status),
		}
	}

	now := time.Now().UTC()
	if idx >= 0 {
		existing := &p.snap.Participants[idx]
		existing.DisplayName = part.DisplayName
		existing.DeclaredBudget = part.DeclaredBudget
		existing.Destination = part.Destination
	} else {
		part.JoinedAt = now
		part.HasStaked = false
		p.snap.Participants = append(p.snap.Participants, part)
	}
	p.snap.UpdatedAt = now

	if p.autoNegotiate && len(p.snap.Participants) >= p.snap.Quorum {
		p.startLocked(now)
		return true, nil
	}
	return false, nil
}

// Negotiate is the explicit trigger. A completed pool returns its stored
// result with domain.ErrAlreadyCompleted.
func (p *Pool) Negotiate() (*domain.NegotiationResult, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, false, p.notFoundLocked()
	}
	switch p.snap.Status {
	case domain.PoolReadyToStake, domain.PoolCompleted:
		result := *p.snap.NegotiationResult
		return &result, false, &domain.StakeError{Kind: domain.KindAlreadyCompleted, Detail: "negotiation already completed"}
	case domain.PoolFailed:
		return nil, false, &domain.StakeError{Kind: domain.KindPoolClosed, Detail: p.snap.FailureReason}
	case domain.PoolNegotiating:
		return nil, false, &domain.StakeError{Kind: domain.KindNegotiationInProgress}
	}

	if n := len(p.snap.Participants); n < p.snap.Quorum {
		return nil, false, &domain.StakeError{
			Kind:   domain.KindNotEnoughParticipants,
			Detail: fmt.Sprintf("%d of %d participants joined", n, p.snap.Quorum),
		}
	}
	p.startLocked(time.Now().UTC())
	return nil, true, nil
}

func (p *Pool) startLocked(now time.Time) {
	p.snap.Status = domain.PoolNegotiating
	p.snap.NegotiationStartedAt = &now
	p.snap.UpdatedAt = now
}

// Begin records the conversation the negotiation is running on.
func (p *Pool) Begin(channelID, requestID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snap.ChannelID = channelID
	p.snap.RequestID = requestID
	p.snap.UpdatedAt = time.Now().UTC()
}

// Record appends msg to the conversation for requestID.
func (p *Pool) Record(requestID string, msg domain.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snap.Conversations[requestID] = append(p.snap.Conversations[requestID], msg)
}

// Complete stores the negotiation result and moves the pool to
// ready_to_stake. It fails if the pool is no longer negotiating.
func (p *Pool) Complete(result domain.NegotiationResult) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.snap.NegotiationResult != nil {
		return &domain.StakeError{Kind: domain.KindAlreadyCompleted}
	}
	if p.snap.Status != domain.PoolNegotiating {
		return &domain.StakeError{Kind: domain.KindPoolClosed, Detail: fmt.Sprintf("pool is %s", p.snap.Status)}
	}
	p.snap.NegotiationResult = &result
	p.snap.Status = domain.PoolReadyToStake
	p.snap.UpdatedAt = time.Now().UTC()
	return nil
}

// Fail moves a non-terminal pool to failed. It reports whether the pool
// changed.
func (p *Pool) Fail(reason string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.failLocked(reason)
}

func (p *Pool) failLocked(reason string) bool {
	if p.snap.Status.Terminal() {
		return false
	}
	p.snap.Status = domain.PoolFailed
	p.snap.FailureReason = reason
	p.snap.UpdatedAt = time.Now().UTC()
	return true
}

// FailIfStale fails the pool if it has been negotiating longer than maxAge.
func (p *Pool) FailIfStale(now time.Time, maxAge time.Duration) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.snap.Status != domain.PoolNegotiating || p.snap.NegotiationStartedAt == nil {
		return false
	}
	if now.Sub(*p.snap.NegotiationStartedAt) <= maxAge {
		return false
	}
	return p.failLocked(fmt.Sprintf("%s: negotiating for more than %s", domain.KindNegotiationTimeout, maxAge))
}

// BeginExecution claims the pool for stake execution.
func (p *Pool) BeginExecution() (domain.PoolSnapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case p.closed:
		return domain.PoolSnapshot{}, p.notFoundLocked()
	case p.snap.Status == domain.PoolCompleted:
		return domain.PoolSnapshot{}, &domain.StakeError{Kind: domain.KindAlreadyCompleted, Detail: "stakes already executed"}
	case p.snap.Status != domain.PoolReadyToStake:
		return domain.PoolSnapshot{}, &domain.StakeError{Kind: domain.KindNotReady, Detail: fmt.Sprintf("pool is %s", p.snap.Status)}
	case p.executing:
		return domain.PoolSnapshot{}, &domain.StakeError{Kind: domain.KindExecutionInProgress}
	}
	p.executing = true
	return copySnapshot(&p.snap), nil
}

// FinishExecution marks the pool completed once every participant has
// been attempted.
func (p *Pool) FinishExecution() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.executing = false
	if p.snap.Status == domain.PoolReadyToStake {
		p.snap.Status = domain.PoolCompleted
		p.snap.UpdatedAt = time.Now().UTC()
	}
}

// BeginRetry claims participant for a single retry on a completed pool.
func (p *Pool) BeginRetry(participant string) (domain.PoolSnapshot, error) {
	participant = domain.NormalizeAddress(participant)
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return domain.PoolSnapshot{}, p.notFoundLocked()
	}
	if p.indexLocked(participant) < 0 {
		return domain.PoolSnapshot{}, &domain.StakeError{Kind: domain.KindNotParticipant, Participant: participant}
	}
	if p.snap.Status != domain.PoolCompleted {
		return domain.PoolSnapshot{}, &domain.StakeError{Kind: domain.KindNotReady, Detail: fmt.Sprintf("pool is %s", p.snap.Status)}
	}
	if p.snap.Outcome != nil {
		return domain.PoolSnapshot{}, &domain.StakeError{Kind: domain.KindAlreadyCompleted, Detail: "trip already closed"}
	}
	if p.settling || p.retrying[participant] {
		return domain.PoolSnapshot{}, &domain.StakeError{Kind: domain.KindExecutionInProgress, Participant: participant}
	}
	p.retrying[participant] = true
	return copySnapshot(&p.snap), nil
}

// BeginSettlement claims a completed pool for closing out its trip. A trip
// is closed at most once.
func (p *Pool) BeginSettlement() (domain.PoolSnapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case p.closed:
		return domain.PoolSnapshot{}, p.notFoundLocked()
	case p.snap.Outcome != nil:
		return domain.PoolSnapshot{}, &domain.StakeError{Kind: domain.KindAlreadyCompleted, Detail: "trip already closed"}
	case p.snap.Status != domain.PoolCompleted:
		return domain.PoolSnapshot{}, &domain.StakeError{Kind: domain.KindNotReady, Detail: fmt.Sprintf("pool is %s", p.snap.Status)}
	case p.settling || len(p.retrying) > 0:
		return domain.PoolSnapshot{}, &domain.StakeError{Kind: domain.KindExecutionInProgress}
	}
	p.settling = true
	return copySnapshot(&p.snap), nil
}

// FinishSettlement records the trip outcome and releases the claim taken
// by BeginSettlement.
func (p *Pool) FinishSettlement(outcome domain.TripOutcome) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.settling = false
	outcome.Slashes = append([]domain.ExecutionRecord{}, outcome.Slashes...)
	p.snap.Outcome = &outcome
	p.snap.UpdatedAt = time.Now().UTC()
}

// EndRetry releases a claim taken by BeginRetry.
func (p *Pool) EndRetry(participant string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.retrying, domain.NormalizeAddress(participant))
}

// busyLocked reports whether a negotiation, execution, retry or settlement
// is running.
func (p *Pool) busyLocked() bool {
	return p.snap.Status == domain.PoolNegotiating || p.executing || p.settling || len(p.retrying) > 0
}

// Close marks an idle pool as reset. It fails while work is in flight.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.busyLocked() {
		return &domain.StakeError{Kind: domain.KindNegotiationInProgress, Detail: "pool has work in flight"}
	}
	p.closed = true
	return nil
}

// Closed reports whether the pool has been reset.
func (p *Pool) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Pool) notFoundLocked() error {
	return &domain.StakeError{Kind: domain.KindPoolNotFound, Detail: p.snap.ID}
}

// AppendRecord adds a pending execution record.
func (p *Pool) AppendRecord(rec domain.ExecutionRecord) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snap.ExecutionRecords = append(p.snap.ExecutionRecords, rec)
	p.snap.UpdatedAt = time.Now().UTC()
}

// SettleRecord applies the pending → success|failed transition for rec.
func (p *Pool) SettleRecord(rec domain.ExecutionRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := range p.snap.ExecutionRecords {
		existing := &p.snap.ExecutionRecords[i]
		if existing.ID != rec.ID {
			continue
		}
		if existing.Status != domain.ExecutionPending {
			return fmt.Errorf("record %s already %s", rec.ID, existing.Status)
		}
		existing.Status = rec.Status
		existing.TransactionRef = rec.TransactionRef
		existing.ErrorKind = rec.ErrorKind
		existing.ErrorDetail = rec.ErrorDetail
		existing.SettledAt = rec.SettledAt
		if rec.Status == domain.ExecutionSuccess {
			if idx := p.indexLocked(rec.ParticipantID); idx >= 0 {
				p.snap.Participants[idx].HasStaked = true
			}
		}
		p.snap.UpdatedAt = time.Now().UTC()
		return nil
	}
	return fmt.Errorf("record %s not found", rec.ID)
}

// Snapshot returns a deep copy of the pool state.
func (p *Pool) Snapshot() domain.PoolSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return copySnapshot(&p.snap)
}

func (p *Pool) indexLocked(id string) int {
	for i, part := range p.snap.Participants {
		if part.ID == id {
			return i
		}
	}
	return -1
}

func copySnapshot(s *domain.PoolSnapshot) domain.PoolSnapshot {
	out := *s
	out.Participants = append([]domain.Participant{}, s.Participants...)
	out.ExecutionRecords = append([]domain.ExecutionRecord{}, s.ExecutionRecords...)
	out.Conversations = make(map[string][]domain.Message, len(s.Conversations))
	for k, msgs := range maps.All(s.Conversations) {
		out.Conversations[k] = append([]domain.Message{}, msgs...)
	}
	if s.NegotiationResult != nil {
		result := *s.NegotiationResult
		out.NegotiationResult = &result
	}
	if s.NegotiationStartedAt != nil {
		ts := *s.NegotiationStartedAt
		out.NegotiationStartedAt = &ts
	}
	if s.Outcome != nil {
		outcome := *s.Outcome
		outcome.Slashes = append([]domain.ExecutionRecord{}, s.Outcome.Slashes...)
		out.Outcome = &outcome
	}
	for i := range out.ExecutionRecords {
		if at := out.ExecutionRecords[i].SettledAt; at != nil {
			ts := *at
			out.ExecutionRecords[i].SettledAt = &ts
		}
	}
	return out
}
