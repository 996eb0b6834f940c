package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/copperline/foundry/internal/model"
)

const streamPrefix = "foundry:task:"

// RedisBridge fans output events out across scheduler nodes over Redis
// Streams, so a websocket held by one node can follow a task executing
// against another.
type RedisBridge struct {
	rdb    *redis.Client
	logger *zap.Logger
}

var _ Bridge = (*RedisBridge)(nil)

// NewRedisBridge connects a Redis-backed event bridge.
func NewRedisBridge(redisURL string, logger *zap.Logger) (*RedisBridge, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisBridge{rdb: rdb, logger: logger}, nil
}

// Publish appends an event to the task's stream.
func (b *RedisBridge) Publish(ctx context.Context, ev *model.OutputEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	stream := streamPrefix + ev.TaskID
	_, err = b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{
			"data": string(data),
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("publish to %s: %w", stream, err)
	}
	return nil
}

// Follow tails a task's stream from the beginning. Cancel the context
// to stop. Used by nodes that do not host the task's relay.
func (b *RedisBridge) Follow(ctx context.Context, taskID string) <-chan *model.OutputEvent {
	ch := make(chan *model.OutputEvent, 16)
	stream := streamPrefix + taskID

	go func() {
		defer close(ch)
		lastID := "0"

		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			results, err := b.rdb.XRead(ctx, &redis.XReadArgs{
				Streams: []string{stream, lastID},
				Count:   32,
				Block:   2 * time.Second,
			}).Result()

			if err != nil {
				if ctx.Err() != nil {
					return
				}
				continue
			}

			for _, r := range results {
				for _, msg := range r.Messages {
					lastID = msg.ID
					data, ok := msg.Values["data"].(string)
					if !ok {
						continue
					}
					var ev model.OutputEvent
					if json.Unmarshal([]byte(data), &ev) == nil {
						select {
						case ch <- &ev:
						case <-ctx.Done():
							return
						}
					}
				}
			}
		}
	}()

	return ch
}

// Close shuts down the Redis connection.
func (b *RedisBridge) Close() error {
	return b.rdb.Close()
}
