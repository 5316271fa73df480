// Package api provides HTTP handlers for the tripstake API.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/ashureev/tripstake/internal/domain"
)

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, ErrorBody{Error: message})
}

// ErrorBody is the error envelope every route uses.
type ErrorBody struct {
	Error   string            `json:"error"`
	Kind    domain.ErrorKind  `json:"kind,omitempty"`
	Details map[string]string `json:"details,omitempty"`
}

// WriteError maps an engine error onto a status code and the error
// envelope. Unclassified errors are logged and reported as 500.
func WriteError(w http.ResponseWriter, err error) {
	kind := domain.KindOf(err)
	status := statusFor(kind)
	body := ErrorBody{Error: err.Error(), Kind: kind}

	var se *domain.StakeError
	if errors.As(err, &se) {
		details := map[string]string{}
		if se.Participant != "" {
			details["participant"] = se.Participant
		}
		if se.Amount != "" {
			details["amount"] = se.Amount
		}
		if se.TxRef != "" {
			details["transaction_ref"] = se.TxRef
		}
		if se.Detail != "" {
			details["reason"] = se.Detail
		}
		if len(details) > 0 {
			body.Details = details
		}
	}

	if status == http.StatusInternalServerError {
		slog.Error("Request failed", "error", err)
		body.Error = "internal error"
	}
	JSON(w, status, body)
}

func statusFor(kind domain.ErrorKind) int {
	switch kind {
	case domain.KindInvalidParticipant, domain.KindNothingToWithdraw:
		return http.StatusBadRequest
	case domain.KindInsufficientFunds:
		return http.StatusPaymentRequired
	case domain.KindNotVerified, domain.KindNotParticipant, domain.KindNotApproved:
		return http.StatusForbidden
	case domain.KindPoolNotFound:
		return http.StatusNotFound
	case domain.KindNotEnoughParticipants, domain.KindNegotiationInProgress, domain.KindExecutionInProgress,
		domain.KindWithdrawalInProgress, domain.KindPoolClosed, domain.KindNotReady, domain.KindAlreadyCompleted:
		return http.StatusConflict
	case domain.KindNegotiationRejected, domain.KindRoundLimit:
		return http.StatusUnprocessableEntity
	case domain.KindLedgerRejected, domain.KindOracleParseAmbiguous:
		return http.StatusBadGateway
	case domain.KindChannelUnavailable:
		return http.StatusServiceUnavailable
	case domain.KindNegotiationTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// decode reads a JSON body into v. An empty body leaves v at its zero value.
func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return &domain.StakeError{Kind: domain.KindInvalidParticipant, Detail: "invalid request body: " + err.Error()}
	}
	return nil
}
