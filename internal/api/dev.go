package api

import (
	"net/http"

	"github.com/ashureev/tripstake/internal/domain"
	"github.com/ashureev/tripstake/internal/ledger"
	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
)

// DevHandler is a faucet for the in-memory ledger. It is only mounted when
// no ledger gateway is configured.
type DevHandler struct {
	ledger   *ledger.Memory
	agent    string
	price    ledger.PriceFeed
	decimals int
}

// NewDevHandler creates a faucet that funds wallets and approves agent as
// their spender.
func NewDevHandler(l *ledger.Memory, agent string, price ledger.PriceFeed, decimals int) *DevHandler {
	return &DevHandler{ledger: l, agent: agent, price: price, decimals: decimals}
}

// RegisterRoutes registers the dev routes.
func (h *DevHandler) RegisterRoutes(r chi.Router) {
	r.Post("/api/dev/fund", h.Fund)
}

type fundRequest struct {
	ParticipantID string          `json:"participant_id,omitempty"`
	AmountUSD     decimal.Decimal `json:"amount_usd"`
}

type fundResponse struct {
	ParticipantID string `json:"participant_id"`
	Balance       string `json:"balance"`
	Allowance     string `json:"allowance"`
}

// Fund credits the caller with amount_usd worth of tokens and approves the
// agent to spend the same amount.
func (h *DevHandler) Fund(w http.ResponseWriter, r *http.Request) {
	var req fundRequest
	if err := decode(r, &req); err != nil {
		WriteError(w, err)
		return
	}
	participant := caller(r, req.ParticipantID)
	if participant == "" || !req.AmountUSD.IsPositive() {
		WriteError(w, &domain.StakeError{Kind: domain.KindInvalidParticipant, Detail: "wallet and positive amount_usd are required"})
		return
	}

	price, err := h.price.Price(r.Context())
	if err != nil {
		WriteError(w, err)
		return
	}
	units, err := ledger.ToTokenUnits(req.AmountUSD, price, h.decimals)
	if err != nil {
		WriteError(w, &domain.StakeError{Kind: domain.KindInvalidParticipant, Detail: err.Error()})
		return
	}

	h.ledger.Fund(participant, units)
	h.ledger.Approve(participant, h.agent, units)

	balance, _ := h.ledger.Balance(r.Context(), participant)
	allowance, _ := h.ledger.Allowance(r.Context(), participant, h.agent)
	JSON(w, http.StatusOK, fundResponse{
		ParticipantID: participant,
		Balance:       ledger.FormatUnits(balance),
		Allowance:     ledger.FormatUnits(allowance),
	})
}
