package replayflow

import (
	"database/sql"

	"github.com/petrijr/replayflow/internal/taskqueue"
	workerpkg "github.com/petrijr/replayflow/pkg/worker"
)

// WorkerBundle wires together an Engine, a durable task queue, and a Worker
// that consumes tasks from that queue.
//
// For now, we only provide a SQLite-backed bundle.
type WorkerBundle struct {
	Engine   Engine
	Registry *Registry
	Worker   *workerpkg.Worker

	queue taskqueue.Queue
}

// NewSQLiteBundle constructs a durable Engine + Queue + Worker combo sharing
// the same SQLite database. Instances, histories and queued tasks are
// persisted in the provided *sql.DB.
//
// Typical usage:
//
//	db, _ := sql.Open("sqlite", "file:replayflow.db?_journal=WAL")
//	bundle, err := replayflow.NewSQLiteBundle(db, worker.Config{})
//	// register orchestrators on bundle.Registry, activities on bundle.Worker
//	// call replayflow.Recover(ctx, bundle.Engine), then run bundle.Worker
func NewSQLiteBundle(db *sql.DB, cfg workerpkg.Config) (*WorkerBundle, error) {
	q, err := taskqueue.NewSQLiteQueue(db)
	if err != nil {
		return nil, err
	}

	reg := NewRegistry()
	eng, err := NewSQLiteEngine(db, reg, q)
	if err != nil {
		return nil, err
	}

	return &WorkerBundle{
		Engine:   eng,
		Registry: reg,
		Worker:   workerpkg.NewWithConfig(eng, q, cfg),
		queue:    q,
	}, nil
}

// Pending returns the number of queued tasks.
func (b *WorkerBundle) Pending() int {
	return b.queue.Len()
}
