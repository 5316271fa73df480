package api

import (
	"net/http"

	"github.com/ashureev/tripstake/internal/domain"
	"github.com/ashureev/tripstake/internal/stake"
	"github.com/ashureev/tripstake/internal/store"
	"github.com/go-chi/chi/v5"
)

// WithdrawHandler serves escrow withdrawals and their history.
type WithdrawHandler struct {
	withdrawer *stake.Withdrawer
	repo       store.Repository
}

// NewWithdrawHandler creates a withdraw handler.
func NewWithdrawHandler(withdrawer *stake.Withdrawer, repo store.Repository) *WithdrawHandler {
	return &WithdrawHandler{withdrawer: withdrawer, repo: repo}
}

// RegisterRoutes registers the withdrawal routes.
func (h *WithdrawHandler) RegisterRoutes(r chi.Router) {
	r.Post("/api/withdraw", h.Withdraw)
	r.Get("/api/withdrawals", h.List)
}

type withdrawRequest struct {
	ParticipantID string `json:"participant_id,omitempty"`
}

// Withdraw returns the caller's full escrow balance.
func (h *WithdrawHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	var req withdrawRequest
	if err := decode(r, &req); err != nil {
		WriteError(w, err)
		return
	}
	participant := caller(r, req.ParticipantID)
	if participant == "" {
		WriteError(w, &domain.StakeError{Kind: domain.KindInvalidParticipant, Detail: "wallet address is required"})
		return
	}

	wd, err := h.withdrawer.Withdraw(r.Context(), participant)
	if err != nil {
		WriteError(w, err)
		return
	}
	JSON(w, http.StatusOK, wd)
}

// List returns the caller's past withdrawals.
func (h *WithdrawHandler) List(w http.ResponseWriter, r *http.Request) {
	participant := caller(r, r.URL.Query().Get("participant"))
	if participant == "" {
		WriteError(w, &domain.StakeError{Kind: domain.KindInvalidParticipant, Detail: "wallet address is required"})
		return
	}

	list, err := h.repo.ListWithdrawals(r.Context(), participant)
	if err != nil {
		WriteError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]any{"withdrawals": list})
}
