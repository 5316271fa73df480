package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/tripstake/internal/domain"
)

// RetryPolicy controls Publisher backoff.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy returns four attempts starting at 100ms, capped at 2s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 4, BaseDelay: 100 * time.Millisecond, MaxDelay: 2 * time.Second}
}

// Backoff returns the delay before retry attempt n (0-based).
func (p RetryPolicy) Backoff(n int) time.Duration {
	if n > 30 {
		n = 30
	}
	delay := p.BaseDelay * time.Duration(1<<n)
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

// Publisher wraps a Channel with caller-side retries. Only
// domain.ErrChannelUnavailable is retried.
type Publisher struct {
	ch     Channel
	policy RetryPolicy
	logger *slog.Logger
}

// NewPublisher creates a retrying publisher.
func NewPublisher(ch Channel, policy RetryPolicy, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	return &Publisher{ch: ch, policy: policy, logger: logger}
}

// Channel returns the underlying channel.
func (p *Publisher) Channel() Channel {
	return p.ch
}

// Publish appends msg, retrying transient failures with exponential backoff.
// A retried publish may duplicate msg if an earlier attempt actually landed;
// subscribers dedupe by message id.
func (p *Publisher) Publish(ctx context.Context, channelID string, msg domain.Message) (Position, error) {
	var lastErr error
	for attempt := 0; attempt < p.policy.MaxAttempts; attempt++ {
		pos, err := p.ch.Publish(ctx, channelID, msg)
		if err == nil {
			return pos, nil
		}
		if !errors.Is(err, domain.ErrChannelUnavailable) {
			return "", err
		}
		lastErr = err

		if attempt == p.policy.MaxAttempts-1 {
			break
		}
		delay := p.policy.Backoff(attempt)
		p.logger.Warn("Channel publish failed, retrying",
			"channel_id", channelID,
			"message_id", msg.ID,
			"type", msg.Type(),
			"attempt", attempt+1,
			"delay", delay,
			"error", err)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return "", fmt.Errorf("publish %s after %d attempts: %w", msg.Type(), p.policy.MaxAttempts, lastErr)
}
