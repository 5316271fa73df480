package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/tripstake/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rejection(requestID, reason string) domain.Message {
	return domain.NewMessage("validator", "coordinator", domain.Rejection{RequestID: requestID, Reason: reason})
}

// readN reads n messages from a subscription, giving up after a deadline.
func readN(ch Channel, channelID string, n int) ([]domain.Message, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var got []domain.Message
	for msg, err := range ch.Subscribe(ctx, channelID) {
		if err != nil {
			return got, err
		}
		got = append(got, msg)
		if len(got) == n {
			return got, nil
		}
	}
	return got, fmt.Errorf("subscription ended after %d of %d messages", len(got), n)
}

func collect(t *testing.T, ch Channel, channelID string, n int) []domain.Message {
	t.Helper()
	got, err := readN(ch, channelID, n)
	require.NoError(t, err)
	return got
}

func reasons(msgs []domain.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Payload.(domain.Rejection).Reason
	}
	return out
}

func TestMemoryReplaysHistoryToLateSubscribers(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	ch := NewMemory()
	id, err := ch.Create(ctx)
	require.NoError(t, err)

	for i := range 3 {
		pos, err := ch.Publish(ctx, id, rejection("r", fmt.Sprint(i)))
		require.NoError(t, err)
		assert.Equal(t, Position(fmt.Sprint(i)), pos)
	}

	got := collect(t, ch, id, 3)
	assert.Equal(t, []string{"0", "1", "2"}, reasons(got))
	assert.Equal(t, 3, ch.Len(id))
}

func TestMemorySubscribersSeeSameOrder(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	ch := NewMemory()
	id, err := ch.Create(ctx)
	require.NoError(t, err)

	const n = 50
	results := make([][]string, 3)
	errs := make([]error, 3)
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var msgs []domain.Message
			msgs, errs[i] = readN(ch, id, n)
			results[i] = reasons(msgs)
		}()
	}

	var pub sync.WaitGroup
	for i := range n {
		pub.Add(1)
		go func() {
			defer pub.Done()
			_, err := ch.Publish(ctx, id, rejection("r", fmt.Sprint(i)))
			assert.NoError(t, err)
		}()
	}
	pub.Wait()
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	require.Len(t, results[0], n)
	assert.Equal(t, results[0], results[1])
	assert.Equal(t, results[0], results[2])
}

func TestMemoryUnknownChannel(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	ch := NewMemory()

	_, err := ch.Publish(ctx, "missing", rejection("r", "x"))
	assert.ErrorIs(t, err, ErrChannelNotFound)

	for _, err := range ch.Subscribe(ctx, "missing") {
		assert.ErrorIs(t, err, ErrChannelNotFound)
	}
}

func TestMemoryEnsureIsIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	ch := NewMemory()
	ch.Ensure("shared")
	_, err := ch.Publish(ctx, "shared", rejection("r", "kept"))
	require.NoError(t, err)

	ch.Ensure("shared")
	assert.Equal(t, 1, ch.Len("shared"))
}

func TestMemorySubscribeStopsOnCancel(t *testing.T) {
	t.Parallel()

	ch := NewMemory()
	id, err := ch.Create(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		for range ch.Subscribe(ctx, id) {
		}
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("subscription did not stop after cancel")
	}
}

// flakyChannel fails the first n publishes with the given error.
type flakyChannel struct {
	*Memory
	mu       sync.Mutex
	failures int
	err      error
	calls    int
}

func (f *flakyChannel) Publish(ctx context.Context, channelID string, msg domain.Message) (Position, error) {
	f.mu.Lock()
	f.calls++
	fail := f.failures > 0
	if fail {
		f.failures--
	}
	f.mu.Unlock()
	if fail {
		return "", f.err
	}
	return f.Memory.Publish(ctx, channelID, msg)
}

func TestPublisherRetriesUnavailable(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	flaky := &flakyChannel{Memory: NewMemory(), failures: 2, err: fmt.Errorf("dial: %w", domain.ErrChannelUnavailable)}
	id, err := flaky.Create(ctx)
	require.NoError(t, err)

	pub := NewPublisher(flaky, RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}, nil)
	_, err = pub.Publish(ctx, id, rejection("r", "x"))
	require.NoError(t, err)
	assert.Equal(t, 3, flaky.calls)
	assert.Equal(t, 1, flaky.Len(id))
}

func TestPublisherGivesUpAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	flaky := &flakyChannel{Memory: NewMemory(), failures: 10, err: domain.ErrChannelUnavailable}
	pub := NewPublisher(flaky, RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond}, nil)

	_, err := pub.Publish(ctx, "any", rejection("r", "x"))
	assert.ErrorIs(t, err, domain.ErrChannelUnavailable)
	assert.Equal(t, 2, flaky.calls)
}

func TestPublisherDoesNotRetryOtherErrors(t *testing.T) {
	t.Parallel()

	flaky := &flakyChannel{Memory: NewMemory(), failures: 1, err: errors.New("encode failed")}
	pub := NewPublisher(flaky, RetryPolicy{MaxAttempts: 5, BaseDelay: time.Millisecond}, nil)

	_, err := pub.Publish(context.Background(), "any", rejection("r", "x"))
	assert.EqualError(t, err, "encode failed")
	assert.Equal(t, 1, flaky.calls)
}

func TestRetryPolicyBackoff(t *testing.T) {
	t.Parallel()

	p := RetryPolicy{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}
	assert.Equal(t, 100*time.Millisecond, p.Backoff(0))
	assert.Equal(t, 400*time.Millisecond, p.Backoff(2))
	assert.Equal(t, time.Second, p.Backoff(10))
}

func TestMemoryReleaseDrainsAttachedSubscribers(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ch := NewMemory()
	id, err := ch.Create(ctx)
	require.NoError(t, err)

	got := make(chan domain.Message)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for msg, err := range ch.Subscribe(ctx, id) {
			if err != nil {
				return
			}
			got <- msg
		}
	}()

	first := rejection("r", "first")
	_, err = ch.Publish(ctx, id, first)
	require.NoError(t, err)
	assert.Equal(t, first.ID, (<-got).ID)

	last := rejection("r", "last")
	_, err = ch.Publish(ctx, id, last)
	require.NoError(t, err)
	require.NoError(t, ch.Release(ctx, id))

	assert.Equal(t, last.ID, (<-got).ID)
	select {
	case <-done:
	case <-ctx.Done():
		t.Fatal("subscriber did not end after release")
	}

	assert.Zero(t, ch.Len(id))
	_, err = ch.Publish(ctx, id, rejection("r", "late"))
	assert.ErrorIs(t, err, ErrChannelNotFound)
	for _, err := range ch.Subscribe(ctx, id) {
		assert.ErrorIs(t, err, ErrChannelNotFound)
	}
	assert.NoError(t, ch.Release(ctx, id), "releasing twice is a no-op")
}
