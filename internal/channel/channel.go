// Package channel provides the ordered, append-only message log agents
// use to exchange negotiation messages.
package channel

import (
	"context"
	"errors"
	"iter"

	"github.com/ashureev/tripstake/internal/domain"
)

// ErrChannelNotFound is returned when publishing to or subscribing to a
// channel that was never created.
var ErrChannelNotFound = errors.New("channel not found")

// Position is an opaque sequence position returned by Publish.
type Position string

// Channel is an externally ordered publish/subscribe log. Every subscriber
// observes messages in the same order.
//
// Implementations never retry internally: Publish returns an error wrapping
// domain.ErrChannelUnavailable when the log is unreachable and the caller
// decides whether to retry.
type Channel interface {
	// Create allocates a new channel and returns its id.
	Create(ctx context.Context) (string, error)

	// Publish appends msg to the channel.
	Publish(ctx context.Context, channelID string, msg domain.Message) (Position, error)

	// Subscribe replays the channel's retained history in order and then
	// follows new messages until ctx is done. Each call starts a fresh replay.
	Subscribe(ctx context.Context, channelID string) iter.Seq2[domain.Message, error]

	// Release tells the channel its conversation is over. Later Publish
	// and Subscribe calls may fail with ErrChannelNotFound; subscribers
	// already attached still see every message published before Release.
	Release(ctx context.Context, channelID string) error
}
