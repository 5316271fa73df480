package channel

import (
	"context"
	"fmt"
	"iter"
	"strconv"
	"sync"

	"github.com/ashureev/tripstake/internal/domain"
	"github.com/google/uuid"
)

// Memory is an in-process Channel. History is retained until Release.
type Memory struct {
	mu       sync.Mutex
	channels map[string]*memoryLog
}

type memoryLog struct {
	messages []domain.Message
	released bool
	// notify is closed and replaced on every append to wake waiters.
	notify chan struct{}
}

// NewMemory creates an empty in-process channel registry.
func NewMemory() *Memory {
	return &Memory{channels: make(map[string]*memoryLog)}
}

var _ Channel = (*Memory)(nil)

// Create allocates a new channel.
func (m *Memory) Create(_ context.Context) (string, error) {
	id := uuid.NewString()
	m.mu.Lock()
	m.channels[id] = &memoryLog{notify: make(chan struct{})}
	m.mu.Unlock()
	return id, nil
}

// Ensure creates a channel with a fixed id if it does not exist yet.
func (m *Memory) Ensure(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.channels[id]; !ok {
		m.channels[id] = &memoryLog{notify: make(chan struct{})}
	}
}

// Publish appends msg and wakes subscribers.
func (m *Memory) Publish(ctx context.Context, channelID string, msg domain.Message) (Position, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	log, ok := m.channels[channelID]
	if !ok {
		return "", fmt.Errorf("publish to %s: %w", channelID, ErrChannelNotFound)
	}
	log.messages = append(log.messages, msg)
	close(log.notify)
	log.notify = make(chan struct{})
	return Position(strconv.Itoa(len(log.messages) - 1)), nil
}

// Subscribe replays history and then blocks for new appends. It ends
// once a released channel has been drained.
func (m *Memory) Subscribe(ctx context.Context, channelID string) iter.Seq2[domain.Message, error] {
	return func(yield func(domain.Message, error) bool) {
		m.mu.Lock()
		log, ok := m.channels[channelID]
		m.mu.Unlock()
		if !ok {
			yield(domain.Message{}, fmt.Errorf("subscribe to %s: %w", channelID, ErrChannelNotFound))
			return
		}

		next := 0
		for {
			batch, wait, released := m.readFrom(log, next)
			for _, msg := range batch {
				if !yield(msg, nil) {
					return
				}
			}
			next += len(batch)
			if len(batch) > 0 {
				continue
			}
			if released {
				return
			}

			select {
			case <-wait:
			case <-ctx.Done():
				return
			}
		}
	}
}

// Release drops channelID. Attached subscribers drain what was published
// and then end.
func (m *Memory) Release(_ context.Context, channelID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	log, ok := m.channels[channelID]
	if !ok {
		return nil
	}
	delete(m.channels, channelID)
	log.released = true
	close(log.notify)
	log.notify = make(chan struct{})
	return nil
}

// Len returns the number of retained messages on a channel.
func (m *Memory) Len(channelID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if log, ok := m.channels[channelID]; ok {
		return len(log.messages)
	}
	return 0
}

func (m *Memory) readFrom(log *memoryLog, from int) ([]domain.Message, <-chan struct{}, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if from >= len(log.messages) {
		return nil, log.notify, log.released
	}
	batch := make([]domain.Message, len(log.messages)-from)
	copy(batch, log.messages[from:])
	return batch, log.notify, log.released
}
