package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresQueue implements Queue using a PostgreSQL table.
//
// Schema (created automatically if missing):
//
//	CREATE TABLE IF NOT EXISTS replay_tasks (
//	    id          BIGSERIAL PRIMARY KEY,
//	    type        TEXT NOT NULL,
//	    instance_id TEXT NOT NULL,
//	    payload     BYTEA NOT NULL,
//	    not_before  TIMESTAMPTZ NOT NULL
//	);
//
// Tasks are handed out in NotBefore order, then FIFO. Several consumers can
// share the table: a claim is SELECT ... FOR UPDATE SKIP LOCKED followed by a
// DELETE in the same transaction.
type PostgresQueue struct {
	pool         *pgxpool.Pool
	pollInterval time.Duration
}

// Ensure PostgresQueue implements Queue.
var _ Queue = (*PostgresQueue)(nil)

// NewPostgresQueue creates the required schema if needed and returns a Queue.
func NewPostgresQueue(ctx context.Context, pool *pgxpool.Pool) (*PostgresQueue, error) {
	q := &PostgresQueue{pool: pool, pollInterval: 50 * time.Millisecond}
	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS replay_tasks (
			id BIGSERIAL PRIMARY KEY,
			type TEXT NOT NULL,
			instance_id TEXT NOT NULL,
			payload BYTEA NOT NULL,
			not_before TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_replay_tasks_not_before ON replay_tasks(not_before, id);
	`)
	if err != nil {
		return nil, fmt.Errorf("init task schema: %w", err)
	}
	return q, nil
}

func (q *PostgresQueue) Enqueue(ctx context.Context, t Task) error {
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = time.Now()
	}
	notBefore := t.EnqueuedAt
	if !t.NotBefore.IsZero() {
		notBefore = t.NotBefore
	}

	data, err := EncodeTask(t)
	if err != nil {
		return err
	}
	_, err = q.pool.Exec(ctx, `
		INSERT INTO replay_tasks (type, instance_id, payload, not_before)
		VALUES ($1, $2, $3, $4)`,
		string(t.Type), t.InstanceID, data, notBefore.UTC(),
	)
	return err
}

// Dequeue blocks (with polling) until a due task is available or ctx is
// cancelled.
func (q *PostgresQueue) Dequeue(ctx context.Context) (*Task, error) {
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

func (q *PostgresQueue) claim(ctx context.Context) (*Task, error) {
	tx, err := q.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var (
		id      int64
		payload []byte
	)
	err = tx.QueryRow(ctx, `
		SELECT id, payload
		FROM replay_tasks
		WHERE not_before <= now()
		ORDER BY not_before, id
		LIMIT 1
		FOR UPDATE SKIP LOCKED`).Scan(&id, &payload)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	if _, err := tx.Exec(ctx, `DELETE FROM replay_tasks WHERE id = $1`, id); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return DecodeTask(payload)
}

// Len returns the number of queued tasks, due or not.
func (q *PostgresQueue) Len() int {
	var n int
	err := q.pool.QueryRow(context.Background(), `SELECT COUNT(*) FROM replay_tasks`).Scan(&n)
	if err != nil {
		slog.Warn("postgres queue: len failed", "error", err)
		return 0
	}
	return n
}
