// Package queue implements the per-recipient offline message queue backed
// by the registry's Redis store. Messages addressed to a disconnected
// client are parked here and drained in enqueue order on reconnect.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hydra-mesh/hydra-router/internal/umf"
)

// DefaultBase is the key prefix for the queue lists.
const DefaultBase = "hydra-router:message:queue"

// DefaultTTL is how long an untouched queue survives. Every touch refreshes it.
const DefaultTTL = 24 * time.Hour

// Queue is a FIFO queue per recipient id, with two lists per recipient:
// <base>:<id>:queued holds pending messages, <base>:<id>:processing holds
// in-flight ones awaiting Complete.
type Queue struct {
	client *redis.Client
	base   string
	ttl    time.Duration
}

// New creates a queue on the given Redis client. Empty base and zero ttl
// fall back to the defaults.
func New(client *redis.Client, base string, ttl time.Duration) *Queue {
	if base == "" {
		base = DefaultBase
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Queue{client: client, base: base, ttl: ttl}
}

func (q *Queue) queuedKey(id string) string     { return q.base + ":" + id + ":queued" }
func (q *Queue) processingKey(id string) string { return q.base + ":" + id + ":processing" }

// Enqueue appends a message to the recipient's pending list.
func (q *Queue) Enqueue(ctx context.Context, id string, msg *umf.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("queue enqueue encode: %w", err)
	}
	if err := q.client.RPush(ctx, q.queuedKey(id), data).Err(); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	q.touch(ctx, id)
	return nil
}

// Dequeue atomically moves the oldest pending message to the processing
// list and returns it along with its raw serialized form (needed to
// Complete it later). It returns a nil message when the queue is empty.
func (q *Queue) Dequeue(ctx context.Context, id string) (*umf.Message, string, error) {
	raw, err := q.client.LMove(ctx, q.queuedKey(id), q.processingKey(id), "LEFT", "RIGHT").Result()
	if err == redis.Nil {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("queue dequeue: %w", err)
	}
	q.touch(ctx, id)

	msg, err := umf.Unmarshal([]byte(raw))
	if err != nil {
		return nil, "", fmt.Errorf("queue dequeue decode: %w", err)
	}
	return msg, raw, nil
}

// Complete removes exactly one matching entry from the processing list.
func (q *Queue) Complete(ctx context.Context, id, raw string) error {
	if err := q.client.LRem(ctx, q.processingKey(id), 1, raw).Err(); err != nil {
		return fmt.Errorf("queue complete: %w", err)
	}
	q.touch(ctx, id)
	return nil
}

// PendingLen returns the number of pending messages for the recipient.
func (q *Queue) PendingLen(ctx context.Context, id string) (int64, error) {
	n, err := q.client.LLen(ctx, q.queuedKey(id)).Result()
	if err != nil {
		return 0, fmt.Errorf("queue len: %w", err)
	}
	return n, nil
}

// ProcessingLen returns the number of in-flight messages for the recipient.
func (q *Queue) ProcessingLen(ctx context.Context, id string) (int64, error) {
	n, err := q.client.LLen(ctx, q.processingKey(id)).Result()
	if err != nil {
		return 0, fmt.Errorf("queue len: %w", err)
	}
	return n, nil
}

// touch refreshes the TTL on both lists. Failures are ignored; the lists
// simply expire on the old schedule.
func (q *Queue) touch(ctx context.Context, id string) {
	q.client.Expire(ctx, q.queuedKey(id), q.ttl)
	q.client.Expire(ctx, q.processingKey(id), q.ttl)
}
