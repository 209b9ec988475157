package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Error wraps a Redis connectivity failure. The worker treats any *Error
// as transient and the API surfaces it as a retryable service error.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("queue: %s: %v", e.Op, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// Queue is a set of per-provider FIFO lists in Redis. Messages are
// pushed with LPUSH and consumed with BRPOP, so the right end of each
// list is the consumption front. Delivery is at-least-once: a message
// handed to a crashed consumer is gone from Redis but its request row
// remains, and retries re-insert the original payload.
type Queue struct {
	client     redis.UniversalClient
	retryFront bool
}

// New builds a queue on an already-constructed Redis client. retryFront
// selects whether Requeue inserts at the consumption front (priority
// over new work) or at the back.
func New(client redis.UniversalClient, retryFront bool) *Queue {
	return &Queue{client: client, retryFront: retryFront}
}

func queueKey(provider string) string {
	return "queue:" + provider
}

// Push appends a serialized message to the back of a provider's queue.
func (q *Queue) Push(ctx context.Context, provider string, payload []byte) error {
	if err := q.client.LPush(ctx, queueKey(provider), payload).Err(); err != nil {
		return &Error{Op: "lpush " + queueKey(provider), Err: err}
	}
	return nil
}

// BlockingPop waits up to timeout for a message on any of the given
// providers' queues and returns the provider it came from plus the raw
// payload. A zero timeout blocks indefinitely. Expiry returns
// ("", nil, nil) so the caller can re-check for shutdown.
func (q *Queue) BlockingPop(ctx context.Context, providers []string, timeout time.Duration) (string, []byte, error) {
	keys := make([]string, 0, len(providers))
	for _, p := range providers {
		keys = append(keys, queueKey(p))
	}
	res, err := q.client.BRPop(ctx, timeout, keys...).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil, nil
	}
	if err != nil {
		return "", nil, &Error{Op: "brpop", Err: err}
	}
	if len(res) != 2 {
		return "", nil, &Error{Op: "brpop", Err: fmt.Errorf("unexpected reply length %d", len(res))}
	}
	provider := res[0][len("queue:"):]
	return provider, []byte(res[1]), nil
}

// Requeue re-inserts a message after a transient failure, honoring the
// configured insertion side. Front insertion (RPUSH, the BRPOP end)
// gives the retry priority over newly arrived messages.
func (q *Queue) Requeue(ctx context.Context, provider string, payload []byte) error {
	key := queueKey(provider)
	var err error
	if q.retryFront {
		err = q.client.RPush(ctx, key, payload).Err()
	} else {
		err = q.client.LPush(ctx, key, payload).Err()
	}
	if err != nil {
		return &Error{Op: "requeue " + key, Err: err}
	}
	return nil
}

// Depth returns the number of messages waiting on a provider's queue.
func (q *Queue) Depth(ctx context.Context, provider string) (int64, error) {
	n, err := q.client.LLen(ctx, queueKey(provider)).Result()
	if err != nil {
		return 0, &Error{Op: "llen " + queueKey(provider), Err: err}
	}
	return n, nil
}

// Ping verifies queue reachability for readiness probes.
func (q *Queue) Ping(ctx context.Context) error {
	if err := q.client.Ping(ctx).Err(); err != nil {
		return &Error{Op: "ping", Err: err}
	}
	return nil
}
