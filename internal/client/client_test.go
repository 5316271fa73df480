package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ashureev/tripstake/internal/domain"
	"github.com/ashureev/tripstake/internal/identity"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testWallet = "0x00000000000000000000000000000000000000a1"

func TestJoinSendsWalletAndBody(t *testing.T) {
	t.Parallel()

	var (
		gotWallet string
		gotBody   map[string]any
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/pool/join", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		gotWallet = r.Header.Get(identity.WalletHeaderName)
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_, _ = w.Write([]byte(`{"pool":{"pool_id":"goa","status":"negotiating","participant_count":3},"triggered":true}`))
	}))
	t.Cleanup(srv.Close)

	res, err := New(srv.URL+"/", testWallet).Join(context.Background(), "goa", "Asha", decimal.NewFromInt(500), "Goa")
	require.NoError(t, err)
	assert.True(t, res.Triggered)
	assert.Equal(t, domain.PoolNegotiating, res.Pool.Status)
	assert.Equal(t, 3, res.Pool.ParticipantCount)
	assert.Equal(t, testWallet, gotWallet)
	assert.Equal(t, "goa", gotBody["pool_id"])
	assert.Equal(t, "500", gotBody["budget"])
}

func TestStatusQuery(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "goa", r.URL.Query().Get("pool"))
		_, _ = w.Write([]byte(`{"pool_id":"goa","status":"ready_to_stake"}`))
	}))
	t.Cleanup(srv.Close)

	view, err := New(srv.URL, "").Status(context.Background(), "goa")
	require.NoError(t, err)
	assert.Equal(t, domain.PoolReadyToStake, view.Status)
}

func TestAPIErrorEnvelope(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusPaymentRequired)
		_, _ = w.Write([]byte(`{"error":"insufficient funds","kind":"InsufficientFunds","details":{"participant":"0xabc"}}`))
	}))
	t.Cleanup(srv.Close)

	_, err := New(srv.URL, testWallet).Stake(context.Background(), "goa")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr), "expected APIError, got %v", err)
	assert.Equal(t, http.StatusPaymentRequired, apiErr.StatusCode)
	assert.Equal(t, domain.KindInsufficientFunds, apiErr.Kind)
	assert.Equal(t, "0xabc", apiErr.Details["participant"])
	assert.Contains(t, apiErr.Error(), "kind=InsufficientFunds")
}

func TestAPIErrorPlainBody(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "upstream exploded", http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	err := New(srv.URL, testWallet).Reset(context.Background(), "goa")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Empty(t, apiErr.Kind)
	assert.Equal(t, "upstream exploded", apiErr.Message)
}

func TestHealthDegraded(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"degraded","checks":{"database":"ok","channel":"unreachable"}}`))
	}))
	t.Cleanup(srv.Close)

	h, err := New(srv.URL, "").Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "degraded", h.Status)
	assert.Equal(t, "unreachable", h.Checks["channel"])
}

func TestCompleteTripSendsOutcome(t *testing.T) {
	t.Parallel()

	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/pool/complete", r.URL.Path)
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_, _ = w.Write([]byte(`{"success":false,"slashes":[{"participant_id":"0xabc","status":"success","amount":"620"}],"closed_at":"2026-01-02T03:04:05Z"}`))
	}))
	t.Cleanup(srv.Close)

	outcome, err := New(srv.URL, testWallet).CompleteTrip(context.Background(), "goa", false)
	require.NoError(t, err)
	assert.Equal(t, false, gotBody["success"])
	assert.Equal(t, "goa", gotBody["pool_id"])
	assert.False(t, outcome.Success)
	require.Len(t, outcome.Slashes, 1)
	assert.Equal(t, "620", outcome.Slashes[0].Amount)
}
