package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// StatusCache is a TTL-bounded projection of a request's current status,
// keyed by correlation id. It is strictly derived data: absence or
// staleness is always safe to recompute from the store, and callers
// swallow every error it returns.
type StatusCache struct {
	client redis.UniversalClient
	ttl    time.Duration
}

type entry struct {
	CorrelationID string `json:"correlation_id"`
	Status        string `json:"status"`
}

// New builds a status cache with the given entry TTL.
func New(client redis.UniversalClient, ttl time.Duration) *StatusCache {
	return &StatusCache{client: client, ttl: ttl}
}

func cacheKey(correlationID string) string {
	return "cache:status:" + correlationID
}

// Get returns the cached status and whether the key was present.
func (c *StatusCache) Get(ctx context.Context, correlationID string) (string, bool, error) {
	raw, err := c.client.Get(ctx, cacheKey(correlationID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("cache get: %w", err)
	}
	var e entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		// Treat a corrupt entry as a miss; the store is authoritative.
		return "", false, nil
	}
	return e.Status, true, nil
}

// Set stores the status under the configured TTL.
func (c *StatusCache) Set(ctx context.Context, correlationID, status string) error {
	raw, err := json.Marshal(entry{CorrelationID: correlationID, Status: status})
	if err != nil {
		return fmt.Errorf("cache marshal: %w", err)
	}
	if err := c.client.Set(ctx, cacheKey(correlationID), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache set: %w", err)
	}
	return nil
}
