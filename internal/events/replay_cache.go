package events

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ReplayCache is the fast path in front of ProcessedStore: a keyed entry
// with a TTL slightly above the webhook signature skew window. Entries are
// recorded only after an event is fully applied so a failed delivery stays
// retryable. A Redis outage degrades to the durable table, never to
// accepting replays.
type ReplayCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewReplayCache(client *redis.Client, ttl time.Duration) *ReplayCache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &ReplayCache{client: client, ttl: ttl}
}

// Contains reports whether the event was already processed, without
// recording anything.
func (c *ReplayCache) Contains(ctx context.Context, provider, eventID string) (bool, error) {
	n, err := c.client.Exists(ctx, replayKey(provider, eventID)).Result()
	if err != nil {
		return false, fmt.Errorf("events: replay cache: %w", err)
	}
	return n > 0, nil
}

// Record marks the event as processed for the TTL window. Call it only
// after the event's side effects have been applied.
func (c *ReplayCache) Record(ctx context.Context, provider, eventID string) error {
	if err := c.client.Set(ctx, replayKey(provider, eventID), 1, c.ttl).Err(); err != nil {
		return fmt.Errorf("events: replay cache: %w", err)
	}
	return nil
}

func replayKey(provider, eventID string) string {
	return fmt.Sprintf("webhook:seen:%s:%s", provider, eventID)
}
