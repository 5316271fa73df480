package api

import (
	"log/slog"
	"net/http"

	"github.com/ashureev/tripstake/internal/domain"
	"github.com/ashureev/tripstake/internal/identity"
	"github.com/ashureev/tripstake/internal/pool"
	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
)

// PoolHandler serves the pool lifecycle routes.
type PoolHandler struct {
	svc         *pool.Service
	defaultPool string
}

// NewPoolHandler creates a pool handler. Requests without a pool id use
// defaultPool.
func NewPoolHandler(svc *pool.Service, defaultPool string) *PoolHandler {
	return &PoolHandler{svc: svc, defaultPool: defaultPool}
}

// RegisterRoutes registers the pool routes.
func (h *PoolHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/pool", func(r chi.Router) {
		r.Get("/status", h.Status)
		r.Get("/conversation", h.Conversation)
		r.Post("/join", h.Join)
		r.Post("/negotiate", h.Negotiate)
		r.Post("/stake", h.Stake)
		r.Post("/stake/retry", h.Retry)
		r.Post("/complete", h.Complete)
		r.Post("/reset", h.Reset)
	})
}

type joinRequest struct {
	PoolID        string          `json:"pool_id"`
	ParticipantID string          `json:"participant_id"`
	Name          string          `json:"name"`
	Budget        decimal.Decimal `json:"budget"`
	Destination   string          `json:"destination"`
}

type poolRequest struct {
	PoolID        string `json:"pool_id"`
	ParticipantID string `json:"participant_id,omitempty"`
}

type completeRequest struct {
	PoolID  string `json:"pool_id"`
	Success *bool  `json:"success"`
}

type joinResponse struct {
	Pool      pool.View `json:"pool"`
	Triggered bool      `json:"triggered"`
}

type negotiateResponse struct {
	Status           domain.PoolStatus         `json:"status"`
	AlreadyCompleted bool                      `json:"already_completed"`
	Result           *domain.NegotiationResult `json:"result,omitempty"`
}

type stakeResponse struct {
	Succeeded int                      `json:"succeeded"`
	Failed    int                      `json:"failed"`
	Records   []domain.ExecutionRecord `json:"records"`
}

func (h *PoolHandler) poolID(id string) string {
	if id == "" {
		return h.defaultPool
	}
	return id
}

// caller returns the wallet from the identity header, falling back to a
// value supplied in the request.
func caller(r *http.Request, fallback string) string {
	if w := identity.WalletFromContext(r.Context()); w != "" {
		return w
	}
	return domain.NormalizeAddress(fallback)
}

// Status returns the pool as the viewer may see it.
func (h *PoolHandler) Status(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	view, err := h.svc.Status(r.Context(), h.poolID(q.Get("pool")), caller(r, q.Get("participant")))
	if err != nil {
		WriteError(w, err)
		return
	}
	JSON(w, http.StatusOK, view)
}

// Conversation returns the pool's agent transcripts to a participant.
func (h *PoolHandler) Conversation(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	convs, err := h.svc.Conversation(r.Context(), h.poolID(q.Get("pool")), caller(r, q.Get("participant")))
	if err != nil {
		WriteError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]any{"conversations": convs})
}

// Join adds the caller to a pool.
func (h *PoolHandler) Join(w http.ResponseWriter, r *http.Request) {
	var req joinRequest
	if err := decode(r, &req); err != nil {
		WriteError(w, err)
		return
	}

	wallet := caller(r, req.ParticipantID)
	slog.Info("Join request", "participant", wallet, "ip", identity.IPFromRequest(r))

	snap, triggered, err := h.svc.Join(r.Context(), h.poolID(req.PoolID), domain.Participant{
		ID:             wallet,
		DisplayName:    req.Name,
		DeclaredBudget: req.Budget,
		Destination:    req.Destination,
	})
	if err != nil {
		WriteError(w, err)
		return
	}
	JSON(w, http.StatusOK, joinResponse{Pool: pool.ViewOf(snap, wallet), Triggered: triggered})
}

// Negotiate triggers negotiation. Repeating it after success returns the
// stored result with already_completed set.
func (h *PoolHandler) Negotiate(w http.ResponseWriter, r *http.Request) {
	var req poolRequest
	if err := decode(r, &req); err != nil {
		WriteError(w, err)
		return
	}

	result, err := h.svc.Negotiate(r.Context(), h.poolID(req.PoolID))
	switch {
	case pool.IsAlreadyCompleted(err):
		status := domain.PoolReadyToStake
		if snap, snapErr := h.svc.Snapshot(h.poolID(req.PoolID)); snapErr == nil {
			status = snap.Status
		}
		JSON(w, http.StatusOK, negotiateResponse{Status: status, AlreadyCompleted: true, Result: result})
	case err != nil:
		WriteError(w, err)
	default:
		JSON(w, http.StatusAccepted, negotiateResponse{Status: domain.PoolNegotiating})
	}
}

// Stake runs stake execution for a pool that is ready to stake.
func (h *PoolHandler) Stake(w http.ResponseWriter, r *http.Request) {
	var req poolRequest
	if err := decode(r, &req); err != nil {
		WriteError(w, err)
		return
	}

	res, err := h.svc.Execute(r.Context(), h.poolID(req.PoolID))
	if err != nil {
		WriteError(w, err)
		return
	}
	JSON(w, http.StatusOK, stakeResponse{Succeeded: res.Succeeded, Failed: res.Failed, Records: res.Records})
}

// Retry re-stakes the caller after a failed attempt.
func (h *PoolHandler) Retry(w http.ResponseWriter, r *http.Request) {
	var req poolRequest
	if err := decode(r, &req); err != nil {
		WriteError(w, err)
		return
	}

	rec, err := h.svc.Retry(r.Context(), h.poolID(req.PoolID), caller(r, req.ParticipantID))
	if err != nil {
		WriteError(w, err)
		return
	}
	JSON(w, http.StatusOK, rec)
}

// Reset drops a pool so its id can be reused.
func (h *PoolHandler) Reset(w http.ResponseWriter, r *http.Request) {
	var req poolRequest
	if err := decode(r, &req); err != nil {
		WriteError(w, err)
		return
	}

	id := h.poolID(req.PoolID)
	if err := h.svc.Reset(r.Context(), id); err != nil {
		WriteError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]string{"pool_id": id, "status": "reset"})
}

// Complete closes out the trip of a completed pool, slashing the stakes
// when the trip failed.
func (h *PoolHandler) Complete(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if err := decode(r, &req); err != nil {
		WriteError(w, err)
		return
	}
	if req.Success == nil {
		WriteError(w, &domain.StakeError{Kind: domain.KindInvalidParticipant, Detail: "success is required"})
		return
	}

	outcome, err := h.svc.CompleteTrip(r.Context(), h.poolID(req.PoolID), *req.Success)
	if err != nil {
		WriteError(w, err)
		return
	}
	JSON(w, http.StatusOK, outcome)
}
