// Package client is a small HTTP client for the tripstake API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ashureev/tripstake/internal/domain"
	"github.com/ashureev/tripstake/internal/identity"
	"github.com/ashureev/tripstake/internal/pool"
	"github.com/shopspring/decimal"
)

// Client calls the tripstake API on behalf of one wallet.
type Client struct {
	BaseURL    string
	Wallet     string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with a 10s timeout.
func New(baseURL, wallet string) *Client {
	return &Client{
		BaseURL: baseURL,
		Wallet:  wallet,
		Timeout: 10 * time.Second,
	}
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Kind       domain.ErrorKind
	Message    string
	Details    map[string]string
}

func (e *APIError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("api error: status=%d kind=%s: %s", e.StatusCode, e.Kind, e.Message)
	}
	return fmt.Sprintf("api error: status=%d: %s", e.StatusCode, e.Message)
}

// JoinResult is the response to Join.
type JoinResult struct {
	Pool      pool.View `json:"pool"`
	Triggered bool      `json:"triggered"`
}

// NegotiateResult is the response to Negotiate.
type NegotiateResult struct {
	Status           domain.PoolStatus         `json:"status"`
	AlreadyCompleted bool                      `json:"already_completed"`
	Result           *domain.NegotiationResult `json:"result,omitempty"`
}

// StakeResult is the response to Stake.
type StakeResult struct {
	Succeeded int                      `json:"succeeded"`
	Failed    int                      `json:"failed"`
	Records   []domain.ExecutionRecord `json:"records"`
}

// FundResult is the response from the dev faucet.
type FundResult struct {
	ParticipantID string `json:"participant_id"`
	Balance       string `json:"balance"`
	Allowance     string `json:"allowance"`
}

// Health is the health check response.
type Health struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// Status returns the pool as the client's wallet sees it.
func (c *Client) Status(ctx context.Context, poolID string) (pool.View, error) {
	var resp pool.View
	err := c.do(ctx, http.MethodGet, "api/pool/status?"+c.query(poolID).Encode(), nil, &resp)
	return resp, err
}

// Conversation returns the pool's agent transcripts keyed by request id.
func (c *Client) Conversation(ctx context.Context, poolID string) (map[string][]domain.Message, error) {
	var resp struct {
		Conversations map[string][]domain.Message `json:"conversations"`
	}
	err := c.do(ctx, http.MethodGet, "api/pool/conversation?"+c.query(poolID).Encode(), nil, &resp)
	return resp.Conversations, err
}

// Join adds the client's wallet to a pool.
func (c *Client) Join(ctx context.Context, poolID, name string, budget decimal.Decimal, destination string) (JoinResult, error) {
	body := map[string]any{
		"pool_id":     poolID,
		"name":        name,
		"budget":      budget,
		"destination": destination,
	}
	var resp JoinResult
	err := c.do(ctx, http.MethodPost, "api/pool/join", body, &resp)
	return resp, err
}

// Negotiate triggers negotiation for a pool.
func (c *Client) Negotiate(ctx context.Context, poolID string) (NegotiateResult, error) {
	var resp NegotiateResult
	err := c.do(ctx, http.MethodPost, "api/pool/negotiate", map[string]any{"pool_id": poolID}, &resp)
	return resp, err
}

// Stake runs stake execution for a pool.
func (c *Client) Stake(ctx context.Context, poolID string) (StakeResult, error) {
	var resp StakeResult
	err := c.do(ctx, http.MethodPost, "api/pool/stake", map[string]any{"pool_id": poolID}, &resp)
	return resp, err
}

// Retry re-stakes the client's wallet in a pool.
func (c *Client) Retry(ctx context.Context, poolID string) (domain.ExecutionRecord, error) {
	var resp domain.ExecutionRecord
	err := c.do(ctx, http.MethodPost, "api/pool/stake/retry", map[string]any{"pool_id": poolID}, &resp)
	return resp, err
}

// CompleteTrip closes out a pool's trip. A failed trip slashes the stakes.
func (c *Client) CompleteTrip(ctx context.Context, poolID string, success bool) (domain.TripOutcome, error) {
	var resp domain.TripOutcome
	err := c.do(ctx, http.MethodPost, "api/pool/complete", map[string]any{"pool_id": poolID, "success": success}, &resp)
	return resp, err
}

// Reset drops a pool.
func (c *Client) Reset(ctx context.Context, poolID string) error {
	return c.do(ctx, http.MethodPost, "api/pool/reset", map[string]any{"pool_id": poolID}, nil)
}

// Withdraw moves the wallet's escrow balance back to it.
func (c *Client) Withdraw(ctx context.Context) (domain.Withdrawal, error) {
	var resp domain.Withdrawal
	err := c.do(ctx, http.MethodPost, "api/withdraw", map[string]any{}, &resp)
	return resp, err
}

// Withdrawals lists the wallet's past withdrawals, newest first.
func (c *Client) Withdrawals(ctx context.Context) ([]domain.Withdrawal, error) {
	var resp struct {
		Withdrawals []domain.Withdrawal `json:"withdrawals"`
	}
	err := c.do(ctx, http.MethodGet, "api/withdrawals", nil, &resp)
	return resp.Withdrawals, err
}

// Fund uses the dev faucet to credit the wallet and approve the agent.
func (c *Client) Fund(ctx context.Context, amountUSD decimal.Decimal) (FundResult, error) {
	var resp FundResult
	err := c.do(ctx, http.MethodPost, "api/dev/fund", map[string]any{"amount_usd": amountUSD}, &resp)
	return resp, err
}

// Health calls the health endpoint. A degraded service is reported in the
// result rather than as an error.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var resp Health
	err := c.do(ctx, http.MethodGet, "health", nil, &resp)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusServiceUnavailable {
		return resp, nil
	}
	return resp, err
}

func (c *Client) query(poolID string) url.Values {
	q := url.Values{}
	if poolID != "" {
		q.Set("pool", poolID)
	}
	return q
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := strings.TrimRight(c.BaseURL, "/") + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Wallet != "" {
		req.Header.Set(identity.WalletHeaderName, c.Wallet)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(b))}
		var env struct {
			Error   string            `json:"error"`
			Kind    domain.ErrorKind  `json:"kind"`
			Details map[string]string `json:"details"`
		}
		if json.Unmarshal(b, &env) == nil && env.Error != "" {
			apiErr.Message, apiErr.Kind, apiErr.Details = env.Error, env.Kind, env.Details
		}
		if out != nil && resp.StatusCode == http.StatusServiceUnavailable {
			_ = json.Unmarshal(b, out)
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
