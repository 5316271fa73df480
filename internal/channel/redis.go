package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/ashureev/tripstake/internal/domain"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix  = "tripstake:a2a:"
	redisMsgField   = "msg"
	redisReadCount  = 100
	redisReadBlock  = time.Second
	redisMetaSuffix = ":meta"
)

// ReleasedRetention is how long Redis keeps a released conversation so
// attached subscribers can finish reading it.
const ReleasedRetention = 10 * time.Minute

// Redis is a Channel backed by Redis Streams. Stream entry ids give the
// total order and XREAD from id "0" replays the retained history.
type Redis struct {
	client *redis.Client
}

// RedisOptions configures the Redis connection.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// NewRedis creates a Redis Streams channel. No network I/O happens until
// the first call; use Ping to fail fast.
func NewRedis(opts RedisOptions) *Redis {
	return &Redis{client: redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})}
}

// NewRedisWithClient wraps an existing client.
func NewRedisWithClient(client *redis.Client) *Redis {
	return &Redis{client: client}
}

var _ Channel = (*Redis)(nil)

// Ping verifies Redis is reachable.
func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

// Close releases the connection pool.
func (r *Redis) Close() error {
	return r.client.Close()
}

// Create registers a new stream id.
func (r *Redis) Create(ctx context.Context) (string, error) {
	id := uuid.NewString()
	if err := r.Ensure(ctx, id); err != nil {
		return "", err
	}
	return id, nil
}

// Ensure registers a channel with a fixed id if it does not exist yet.
func (r *Redis) Ensure(ctx context.Context, id string) error {
	if err := r.client.SetNX(ctx, metaKey(id), time.Now().Unix(), 0).Err(); err != nil {
		return unavailable("create "+id, err)
	}
	return nil
}

// Publish appends msg with XADD and returns the stream entry id.
func (r *Redis) Publish(ctx context.Context, channelID string, msg domain.Message) (Position, error) {
	if err := r.exists(ctx, channelID); err != nil {
		return "", err
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("encode message %s: %w", msg.ID, err)
	}

	id, err := r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey(channelID),
		Values: map[string]any{redisMsgField: string(data)},
	}).Result()
	if err != nil {
		return "", unavailable("publish to "+channelID, err)
	}
	return Position(id), nil
}

// Subscribe reads the stream from the beginning and then blocks on XREAD
// for new entries until ctx is done.
func (r *Redis) Subscribe(ctx context.Context, channelID string) iter.Seq2[domain.Message, error] {
	return func(yield func(domain.Message, error) bool) {
		if err := r.exists(ctx, channelID); err != nil {
			yield(domain.Message{}, err)
			return
		}

		lastID := "0"
		key := streamKey(channelID)
		for ctx.Err() == nil {
			streams, err := r.client.XRead(ctx, &redis.XReadArgs{
				Streams: []string{key, lastID},
				Count:   redisReadCount,
				Block:   redisReadBlock,
			}).Result()
			if errors.Is(err, redis.Nil) {
				continue
			}
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				yield(domain.Message{}, unavailable("subscribe to "+channelID, err))
				return
			}

			for _, stream := range streams {
				for _, entry := range stream.Messages {
					lastID = entry.ID
					msg, err := decodeEntry(entry)
					if !yield(msg, err) {
						return
					}
				}
			}
		}
	}
}

// Release expires the channel's stream and metadata after
// ReleasedRetention.
func (r *Redis) Release(ctx context.Context, channelID string) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Expire(ctx, streamKey(channelID), ReleasedRetention)
		pipe.Expire(ctx, metaKey(channelID), ReleasedRetention)
		return nil
	})
	if err != nil {
		return unavailable("release "+channelID, err)
	}
	return nil
}

func (r *Redis) exists(ctx context.Context, channelID string) error {
	n, err := r.client.Exists(ctx, metaKey(channelID)).Result()
	if err != nil {
		return unavailable("lookup "+channelID, err)
	}
	if n == 0 {
		return fmt.Errorf("channel %s: %w", channelID, ErrChannelNotFound)
	}
	return nil
}

func decodeEntry(entry redis.XMessage) (domain.Message, error) {
	raw, ok := entry.Values[redisMsgField].(string)
	if !ok {
		return domain.Message{}, fmt.Errorf("stream entry %s has no %q field", entry.ID, redisMsgField)
	}
	var msg domain.Message
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		return domain.Message{}, fmt.Errorf("decode stream entry %s: %w", entry.ID, err)
	}
	return msg, nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("redis %s: %w: %w", op, domain.ErrChannelUnavailable, err)
}

func streamKey(id string) string { return redisKeyPrefix + id }
func metaKey(id string) string   { return redisKeyPrefix + id + redisMetaSuffix }
