package taskqueue

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisQueue implements the Queue interface using a Redis sorted set.
//
// Members are gob-encoded tasks scored by their NotBefore time in Unix
// milliseconds, stored under:
//
//	<prefix>tasks
//
// A consumer owns a task once its ZREM succeeds, so several workers may poll
// the same key.
type RedisQueue struct {
	client       *redis.Client
	key          string
	pollInterval time.Duration
}

// Ensure RedisQueue implements Queue.
var _ Queue = (*RedisQueue)(nil)

// NewRedisQueue constructs a Redis-backed Queue.
// prefix is optional but recommended (e.g. "replayflow:").
func NewRedisQueue(client *redis.Client, prefix string) *RedisQueue {
	if prefix == "" {
		prefix = "replayflow:"
	}
	return &RedisQueue{
		client:       client,
		key:          prefix + "tasks",
		pollInterval: 50 * time.Millisecond,
	}
}

// Enqueue adds the task scored by its NotBefore time.
func (q *RedisQueue) Enqueue(ctx context.Context, t Task) error {
	// Identical tasks would collapse into one member without a unique id.
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = time.Now()
	}
	due := t.EnqueuedAt
	if !t.NotBefore.IsZero() {
		due = t.NotBefore
	}

	data, err := EncodeTask(t)
	if err != nil {
		return err
	}
	return q.client.ZAdd(ctx, q.key, redis.Z{
		Score:  float64(due.UnixMilli()),
		Member: data,
	}).Err()
}

// Dequeue polls until a due task is claimed or ctx is cancelled.
func (q *RedisQueue) Dequeue(ctx context.Context) (*Task, error) {
	for {
		task, err := q.claim(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}
		if task != nil {
			return task, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *RedisQueue) claim(ctx context.Context) (*Task, error) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	members, err := q.client.ZRangeByScore(ctx, q.key, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   now,
		Count: 8,
	}).Result()
	if err != nil {
		return nil, err
	}

	for _, m := range members {
		removed, err := q.client.ZRem(ctx, q.key, m).Result()
		if err != nil {
			return nil, err
		}
		if removed == 0 {
			// Another consumer got it first.
			continue
		}
		return DecodeTask([]byte(m))
	}
	return nil, nil
}

// Len returns the number of queued tasks, due or not.
func (q *RedisQueue) Len() int {
	n, err := q.client.ZCard(context.Background(), q.key).Result()
	if err != nil {
		slog.Warn("redis queue: len failed", "error", err)
		return 0
	}
	return int(n)
}
