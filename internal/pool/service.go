package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/tripstake/internal/agent"
	"github.com/ashureev/tripstake/internal/domain"
	"github.com/ashureev/tripstake/internal/identity"
	"github.com/ashureev/tripstake/internal/ledger"
	"github.com/ashureev/tripstake/internal/stake"
	"github.com/ashureev/tripstake/internal/store"
	"github.com/shopspring/decimal"
)

// Negotiator runs the agents' negotiation for a pool snapshot.
type Negotiator interface {
	Run(ctx context.Context, snap domain.PoolSnapshot, hooks agent.Hooks) (agent.Outcome, error)
}

// Config configures a Service.
type Config struct {
	AutoExecute   bool
	TokenDecimals int
	RewardRate    decimal.Decimal
}

// Service orchestrates pools from join through stake execution. Every
// state change is written through to the repository.
type Service struct {
	registry   *Registry
	repo       store.Repository
	verifier   identity.Verifier
	negotiator Negotiator
	executor   *stake.Executor
	price      ledger.PriceFeed
	cfg        Config
	wg         sync.WaitGroup
	logger     *slog.Logger
}

// NewService wires a Service.
func NewService(registry *Registry, repo store.Repository, verifier identity.Verifier, negotiator Negotiator,
	executor *stake.Executor, price ledger.PriceFeed, cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if verifier == nil {
		verifier = identity.AllowAll{}
	}
	return &Service{
		registry:   registry,
		repo:       repo,
		verifier:   verifier,
		negotiator: negotiator,
		executor:   executor,
		price:      price,
		cfg:        cfg,
		logger:     logger,
	}
}

// Recover loads stored pools into the registry. Pools a previous process
// left negotiating are failed first; nothing can still be running them.
func (s *Service) Recover(ctx context.Context) error {
	failed, err := s.repo.FailStaleNegotiations(ctx, "negotiation interrupted by restart")
	if err != nil {
		return fmt.Errorf("fail stale negotiations: %w", err)
	}
	if failed > 0 {
		s.logger.Warn("Failed negotiations interrupted by restart", "count", failed)
	}

	pools, err := s.repo.ListPools(ctx)
	if err != nil {
		return fmt.Errorf("load pools: %w", err)
	}
	for _, snap := range pools {
		s.registry.Restore(snap)
	}
	s.logger.Info("Pools restored", "count", len(pools))
	return nil
}

// Join adds a verified participant to poolID, creating the pool if needed.
// If this join brings the pool to quorum, negotiation starts in the
// background.
func (s *Service) Join(ctx context.Context, poolID string, part domain.Participant) (domain.PoolSnapshot, bool, error) {
	part.ID = domain.NormalizeAddress(part.ID)
	if !identity.ValidAddress(part.ID) {
		return domain.PoolSnapshot{}, false, &domain.StakeError{
			Kind: domain.KindInvalidParticipant, Participant: part.ID, Detail: "malformed wallet address",
		}
	}
	verified, err := s.verifier.IsVerified(ctx, part.ID)
	if err != nil {
		return domain.PoolSnapshot{}, false, fmt.Errorf("verify %s: %w", part.ID, err)
	}
	if !verified {
		return domain.PoolSnapshot{}, false, &domain.StakeError{Kind: domain.KindNotVerified, Participant: part.ID}
	}

	var (
		p         *Pool
		triggered bool
	)
	for {
		var created bool
		p, created = s.registry.GetOrCreate(poolID)
		if created {
			s.logger.Info("Pool created", "pool_id", poolID)
		}
		triggered, err = p.Join(part)
		if !errors.Is(err, errPoolClosedForReset) {
			break
		}
	}
	if err != nil {
		return domain.PoolSnapshot{}, false, err
	}
	s.persist(ctx, p)

	snap := p.Snapshot()
	s.logger.Info("Participant joined",
		"pool_id", poolID,
		"participant", part.ID,
		"count", len(snap.Participants),
		"quorum", snap.Quorum,
		"triggered", triggered)

	if triggered {
		s.launch(ctx, p)
	}
	return snap, triggered, nil
}

// Negotiate triggers negotiation explicitly. After success it returns the
// stored result together with domain.ErrAlreadyCompleted.
func (s *Service) Negotiate(ctx context.Context, poolID string) (*domain.NegotiationResult, error) {
	p, err := s.pool(poolID)
	if err != nil {
		return nil, err
	}
	result, triggered, err := p.Negotiate()
	if err != nil {
		return result, err
	}
	if triggered {
		s.persist(ctx, p)
		s.launch(ctx, p)
	}
	return nil, nil
}

// Execute stakes the negotiated amount for every participant of a pool
// that is ready to stake.
func (s *Service) Execute(ctx context.Context, poolID string) (stake.Result, error) {
	p, err := s.pool(poolID)
	if err != nil {
		return stake.Result{}, err
	}
	return s.execute(context.WithoutCancel(ctx), p)
}

// Retry re-stakes one participant of a completed pool.
func (s *Service) Retry(ctx context.Context, poolID, participant string) (domain.ExecutionRecord, error) {
	p, err := s.pool(poolID)
	if err != nil {
		return domain.ExecutionRecord{}, err
	}
	snap, err := p.BeginRetry(participant)
	if err != nil {
		return domain.ExecutionRecord{}, err
	}
	defer p.EndRetry(participant)

	plan, err := planFor(snap)
	if err != nil {
		return domain.ExecutionRecord{}, err
	}
	rec, err := s.executor.RetryOne(ctx, plan, participant, snap.ExecutionRecords, &recorder{svc: s, pool: p})
	s.persist(ctx, p)
	return rec, err
}

// CompleteTrip closes out the trip of a completed pool. On success the
// stakes stay in escrow for participants to withdraw. Otherwise every
// successful stake is moved to the slash account. A trip is closed once;
// a second call fails with domain.ErrAlreadyCompleted.
func (s *Service) CompleteTrip(ctx context.Context, poolID string, success bool) (domain.TripOutcome, error) {
	p, err := s.pool(poolID)
	if err != nil {
		return domain.TripOutcome{}, err
	}
	snap, err := p.BeginSettlement()
	if err != nil {
		return domain.TripOutcome{}, err
	}

	outcome := domain.TripOutcome{Success: success}
	if !success {
		outcome.Slashes = s.executor.Slash(ctx, snap.ID, snap.TripID, stake.Staked(snap.ExecutionRecords))
	}
	outcome.ClosedAt = time.Now().UTC()
	p.FinishSettlement(outcome)
	s.persist(ctx, p)

	s.logger.Info("Trip completed",
		"pool_id", poolID,
		"trip_id", snap.TripID,
		"success", success,
		"slashed", len(outcome.Slashes))
	return outcome, nil
}

// Status returns what viewer may see of poolID.
func (s *Service) Status(_ context.Context, poolID, viewer string) (View, error) {
	p, err := s.pool(poolID)
	if err != nil {
		return View{}, err
	}
	return ViewOf(p.Snapshot(), domain.NormalizeAddress(viewer)), nil
}

// Conversation returns every conversation of poolID keyed by request id.
// Only participants may read it.
func (s *Service) Conversation(_ context.Context, poolID, viewer string) (map[string][]domain.Message, error) {
	p, err := s.pool(poolID)
	if err != nil {
		return nil, err
	}
	snap := p.Snapshot()
	if !snap.HasParticipant(viewer) {
		return nil, &domain.StakeError{Kind: domain.KindNotParticipant, Participant: domain.NormalizeAddress(viewer)}
	}
	return snap.Conversations, nil
}

// Snapshot returns the full state of poolID.
func (s *Service) Snapshot(poolID string) (domain.PoolSnapshot, error) {
	p, err := s.pool(poolID)
	if err != nil {
		return domain.PoolSnapshot{}, err
	}
	return p.Snapshot(), nil
}

// Reset drops poolID from memory and storage. A pool with work in flight
// cannot be reset.
func (s *Service) Reset(ctx context.Context, poolID string) error {
	p, err := s.registry.Reset(poolID)
	if err != nil {
		return err
	}
	if p != nil {
		// Wait out a write-through that started before the close.
		p.saveMu.Lock()
		defer p.saveMu.Unlock()
	}
	if err := s.repo.DeletePool(ctx, poolID); err != nil {
		return fmt.Errorf("delete pool %s: %w", poolID, err)
	}
	s.logger.Info("Pool reset", "pool_id", poolID)
	return nil
}

// Wait blocks until background negotiations and executions finish.
func (s *Service) Wait() {
	s.wg.Wait()
}

func (s *Service) pool(id string) (*Pool, error) {
	p, ok := s.registry.Get(id)
	if !ok {
		return nil, &domain.StakeError{Kind: domain.KindPoolNotFound, Detail: id}
	}
	return p, nil
}

func (s *Service) launch(ctx context.Context, p *Pool) {
	ctx = context.WithoutCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx, p)
	}()
}

func (s *Service) run(ctx context.Context, p *Pool) {
	snap := p.Snapshot()
	var requestID string

	outcome, err := s.negotiator.Run(ctx, snap, agent.Hooks{
		OnStart: func(channelID, reqID string) {
			requestID = reqID
			p.Begin(channelID, reqID)
			s.persist(ctx, p)
		},
		OnMessage: func(msg domain.Message) {
			p.Record(requestID, msg)
			if err := s.repo.AppendMessage(ctx, p.ID(), requestID, msg); err != nil {
				s.logger.Error("Failed to store message", "pool_id", p.ID(), "message_id", msg.ID, "error", err)
			}
		},
	})
	if err != nil {
		s.fail(ctx, p, err)
		return
	}

	result, err := s.resultOf(ctx, snap, outcome)
	if err != nil {
		s.fail(ctx, p, err)
		return
	}
	if err := p.Complete(result); err != nil {
		s.logger.Warn("Discarding negotiation result", "pool_id", p.ID(), "error", err)
		return
	}
	s.persist(ctx, p)
	s.logger.Info("Pool ready to stake",
		"pool_id", p.ID(),
		"amount", result.StakeAmountPerPerson.String(),
		"tokens", result.StakeAmountInToken,
		"rounds", result.RoundsUsed)

	if s.cfg.AutoExecute {
		if _, err := s.execute(ctx, p); err != nil {
			s.logger.Error("Stake execution did not start", "pool_id", p.ID(), "error", err)
		}
	}
}

func (s *Service) resultOf(ctx context.Context, snap domain.PoolSnapshot, out agent.Outcome) (domain.NegotiationResult, error) {
	price, err := s.price.Price(ctx)
	if err != nil {
		return domain.NegotiationResult{}, fmt.Errorf("token price: %w", err)
	}
	tokens, err := ledger.ToTokenUnits(out.FinalAmount, price, s.cfg.TokenDecimals)
	if err != nil {
		return domain.NegotiationResult{}, fmt.Errorf("convert %s to tokens: %w", out.FinalAmount, err)
	}

	avg := out.Stats.Average
	return domain.NegotiationResult{
		RequestID:            out.RequestID,
		AgreedBudget:         avg.Round(0),
		AverageBudget:        avg,
		BudgetStats:          out.Stats,
		StakePercentage:      agent.Percentage(out.FinalAmount, avg),
		StakeAmountPerPerson: out.FinalAmount,
		StakeAmountInToken:   ledger.FormatUnits(tokens),
		TokenPrice:           price,
		TotalPool:            out.FinalAmount.Mul(decimal.NewFromInt(int64(len(snap.Participants)))),
		EstimatedRewards:     out.FinalAmount.Mul(s.cfg.RewardRate).Round(2),
		CoordinatorReasoning: out.CoordinatorReasoning,
		ValidatorReasoning:   out.ValidatorReasoning,
		RoundsUsed:           out.Rounds,
		CreatedAt:            time.Now().UTC(),
	}, nil
}

func (s *Service) fail(ctx context.Context, p *Pool, err error) {
	reason := err.Error()
	if !p.Fail(reason) {
		return
	}
	s.persist(ctx, p)
	s.logger.Warn("Pool failed", "pool_id", p.ID(), "error_kind", domain.KindOf(err), "reason", reason)
}

func (s *Service) execute(ctx context.Context, p *Pool) (stake.Result, error) {
	snap, err := p.BeginExecution()
	if err != nil {
		return stake.Result{}, err
	}
	plan, err := planFor(snap)
	if err != nil {
		p.FinishExecution()
		return stake.Result{}, err
	}

	res := s.executor.Execute(ctx, plan, &recorder{svc: s, pool: p})
	p.FinishExecution()
	s.persist(ctx, p)
	return res, nil
}

func planFor(snap domain.PoolSnapshot) (stake.Plan, error) {
	if snap.NegotiationResult == nil {
		return stake.Plan{}, &domain.StakeError{Kind: domain.KindNotReady, Detail: "no negotiation result"}
	}
	amount, err := ledger.ParseUnits(snap.NegotiationResult.StakeAmountInToken)
	if err != nil {
		return stake.Plan{}, fmt.Errorf("stored token amount: %w", err)
	}
	participants := make([]string, len(snap.Participants))
	for i, part := range snap.Participants {
		participants[i] = part.ID
	}
	return stake.Plan{
		PoolID:       snap.ID,
		TripID:       snap.TripID,
		Amount:       amount,
		FiatAmount:   snap.NegotiationResult.StakeAmountPerPerson,
		Participants: participants,
	}, nil
}

// persist writes the pool's current state through to the repository.
func (s *Service) persist(ctx context.Context, p *Pool) {
	p.saveMu.Lock()
	defer p.saveMu.Unlock()
	if p.Closed() {
		return
	}
	snap := p.Snapshot()
	if err := s.repo.SavePool(context.WithoutCancel(ctx), &snap); err != nil {
		s.logger.Error("Failed to persist pool", "pool_id", snap.ID, "status", snap.Status, "error", err)
	}
}

// recorder applies execution records to the pool under its lock and
// writes them through.
type recorder struct {
	svc  *Service
	pool *Pool
}

func (r *recorder) Begin(ctx context.Context, rec domain.ExecutionRecord) error {
	r.pool.AppendRecord(rec)
	return r.svc.repo.SaveExecutionRecord(ctx, rec)
}

func (r *recorder) Settle(ctx context.Context, rec domain.ExecutionRecord) error {
	if err := r.pool.SettleRecord(rec); err != nil {
		return err
	}
	if err := r.svc.repo.SaveExecutionRecord(ctx, rec); err != nil {
		return err
	}
	if rec.Status == domain.ExecutionSuccess {
		r.svc.persist(ctx, r.pool)
	}
	return nil
}

// IsAlreadyCompleted reports whether err is the idempotent-repeat signal
// from Negotiate or Execute.
func IsAlreadyCompleted(err error) bool {
	return errors.Is(err, domain.ErrAlreadyCompleted)
}
