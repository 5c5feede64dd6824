package coord

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// PendingMessage is one buffered push line awaiting the user's reconnection.
type PendingMessage struct {
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
}

// EnqueuePending appends a formatted push line to the user's pending buffer,
// trims the buffer to the newest entries within the cap, and aligns the
// buffer's TTL with the resume token TTL.
func (s *Store) EnqueuePending(ctx context.Context, username, content string) error {
	data, err := json.Marshal(PendingMessage{
		Content:   content,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("marshal pending for %s: %w", username, err)
	}

	key := pendingKey(username)
	pipe := s.rdb.Pipeline()
	pipe.RPush(ctx, key, data)
	pipe.LTrim(ctx, key, -pendingCap, -1)
	pipe.Expire(ctx, key, s.tokenTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("enqueue pending for %s: %w", username, err)
	}
	return nil
}

// DrainPending atomically returns and deletes the user's pending buffer,
// oldest first. A second drain returns nothing.
func (s *Store) DrainPending(ctx context.Context, username string) ([]PendingMessage, error) {
	key := pendingKey(username)

	pipe := s.rdb.TxPipeline()
	listCmd := pipe.LRange(ctx, key, 0, -1)
	pipe.Del(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("drain pending for %s: %w", username, err)
	}

	raw := listCmd.Val()
	msgs := make([]PendingMessage, 0, len(raw))
	for _, item := range raw {
		var m PendingMessage
		if err := json.Unmarshal([]byte(item), &m); err != nil {
			continue
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

// Publish marshals v and publishes it on the channel, fire-and-forget.
func (s *Store) Publish(ctx context.Context, channel string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal envelope for %s: %w", channel, err)
	}
	if err := s.rdb.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", channel, err)
	}
	return nil
}

// Subscribe opens one subscription covering the given channels. The returned
// stream is single-consumer; close it to stop.
func (s *Store) Subscribe(ctx context.Context, channels ...string) *redis.PubSub {
	return s.rdb.Subscribe(ctx, channels...)
}
