package replayflow

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/petrijr/replayflow/internal/engine"
	"github.com/petrijr/replayflow/internal/persistence"
	"github.com/petrijr/replayflow/internal/taskqueue"
	"github.com/petrijr/replayflow/pkg/api"
	"github.com/petrijr/replayflow/pkg/worker"
	"github.com/petrijr/replayflow/pkg/workflow"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	Engine               = api.Engine
	Instance             = api.Instance
	InstanceListOptions  = api.InstanceListOptions
	HistoryEvent         = api.HistoryEvent
	EventType            = api.EventType
	Status               = api.Status
	Payload              = api.Payload
	ActivityFunc         = api.ActivityFunc
	ActivityInfo         = api.ActivityInfo
	ActivityError        = api.ActivityError
	NonDeterminismError  = api.NonDeterminismError
	RetryPolicy          = api.RetryPolicy
	StartOption          = api.StartOption
	Observer             = api.Observer
	LoggingObserver      = api.LoggingObserver
	BasicMetrics         = api.BasicMetrics
	BasicMetricsSnapshot = api.BasicMetricsSnapshot
	CompositeObserver    = api.CompositeObserver
	NoopObserver         = api.NoopObserver
)

// Orchestration-side types from pkg/workflow.

type (
	Orchestrator         = workflow.Orchestrator
	OrchestrationContext = workflow.Context
	Task                 = workflow.Task
	Registry             = workflow.Registry
)

var (
	NewRegistry          = workflow.NewRegistry
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver
	WithInstanceID       = api.WithInstanceID
	NonRetryable         = api.NonRetryable
	ActivityInfoFrom     = api.ActivityInfoFromContext
)

// Re-export status values for convenience.

const (
	StatusPending    = api.StatusPending
	StatusRunning    = api.StatusRunning
	StatusSuspended  = api.StatusSuspended
	StatusCompleted  = api.StatusCompleted
	StatusFailed     = api.StatusFailed
	StatusTerminated = api.StatusTerminated
)

var (
	ErrDuplicateInstance    = api.ErrDuplicateInstance
	ErrInstanceNotFound     = api.ErrInstanceNotFound
	ErrInstanceTerminal     = api.ErrInstanceTerminal
	ErrInstanceNotTerminal  = api.ErrInstanceNotTerminal
	ErrOrchestratorNotFound = api.ErrOrchestratorNotFound
	ErrActivityNotFound     = api.ErrActivityNotFound
	ErrNonDeterminism       = api.ErrNonDeterminism
)

// Queue is the task transport between engines and workers.
type (
	Queue     = taskqueue.Queue
	QueueTask = taskqueue.Task
)

// Worker-side types from pkg/worker.
type (
	Worker         = worker.Worker
	WorkerConfig   = worker.Config
	ActivityOption = worker.ActivityOption
	RetryBuilder   = worker.RetryBuilder
)

var (
	NewWorker           = worker.New
	NewWorkerWithConfig = worker.NewWithConfig
	WithRetry           = worker.WithRetry
	Retry               = worker.Retry
)

// Queue constructors

// NewInMemoryQueue returns a process-local queue. sizeHint only
// preallocates; the queue never blocks Enqueue.
func NewInMemoryQueue(sizeHint int) Queue {
	return taskqueue.NewInMemoryQueue(sizeHint)
}

// NewSQLiteQueue returns a durable queue stored in db. It may share db with
// NewSQLiteEngine.
func NewSQLiteQueue(db *sql.DB) (Queue, error) {
	return taskqueue.NewSQLiteQueue(db)
}

// NewPostgresQueue returns a durable queue that several worker processes
// can consume from.
func NewPostgresQueue(ctx context.Context, pool *pgxpool.Pool) (Queue, error) {
	return taskqueue.NewPostgresQueue(ctx, pool)
}

// NewRedisQueue returns a queue kept in a Redis sorted set under prefix.
func NewRedisQueue(client *redis.Client, prefix string) Queue {
	return taskqueue.NewRedisQueue(client, prefix)
}

// DialAMQP connects to a RabbitMQ broker and declares the named queue.
func DialAMQP(url, queue string, prefetch int) (Queue, error) {
	return taskqueue.DialAMQP(url, queue, prefetch)
}

// EngineOption customizes an engine built by the constructors below.
type EngineOption func(*engine.Config)

// WithObserver reports engine lifecycle events to obs.
func WithObserver(obs Observer) EngineOption {
	return func(c *engine.Config) { c.Observer = obs }
}

// WithLogger sets the engine logger. Orchestrator loggers derive from it.
func WithLogger(logger *slog.Logger) EngineOption {
	return func(c *engine.Config) { c.Logger = logger }
}

func newEngine(store persistence.Store, reg *Registry, queue Queue, opts []EngineOption) Engine {
	cfg := engine.Config{
		Store:    store,
		Queue:    queue,
		Registry: reg,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return engine.NewEngineWithConfig(cfg)
}

// Engine constructors
// These wrap the internal/engine package; together with the queue
// constructors above, callers outside this module never need to import
// internal packages. Every engine needs the queue its workers consume from.

// NewInMemoryEngine returns an Engine whose instances and histories live in
// memory.
func NewInMemoryEngine(reg *Registry, queue Queue, opts ...EngineOption) Engine {
	return newEngine(persistence.NewInMemoryStore(), reg, queue, opts)
}

// NewInMemoryEngineWithObserver returns an in-memory Engine with the given Observer.
func NewInMemoryEngineWithObserver(reg *Registry, queue Queue, obs Observer) Engine {
	return NewInMemoryEngine(reg, queue, WithObserver(obs))
}

// NewSQLiteEngine returns an Engine that persists instances and histories
// in a SQLite database.
func NewSQLiteEngine(db *sql.DB, reg *Registry, queue Queue, opts ...EngineOption) (Engine, error) {
	store, err := persistence.NewSQLiteStore(db)
	if err != nil {
		return nil, err
	}
	return newEngine(store, reg, queue, opts), nil
}

// NewSQLiteEngineWithObserver returns a SQLite-backed Engine with the given Observer.
func NewSQLiteEngineWithObserver(db *sql.DB, reg *Registry, queue Queue, obs Observer) (Engine, error) {
	return NewSQLiteEngine(db, reg, queue, WithObserver(obs))
}

// NewPostgresEngine returns an Engine that persists instances and histories
// in PostgreSQL.
func NewPostgresEngine(ctx context.Context, pool *pgxpool.Pool, reg *Registry, queue Queue, opts ...EngineOption) (Engine, error) {
	store, err := persistence.NewPostgresStore(ctx, pool)
	if err != nil {
		return nil, err
	}
	return newEngine(store, reg, queue, opts), nil
}

// NewPostgresEngineWithObserver returns a Postgres-backed Engine with the given Observer.
func NewPostgresEngineWithObserver(ctx context.Context, pool *pgxpool.Pool, reg *Registry, queue Queue, obs Observer) (Engine, error) {
	return NewPostgresEngine(ctx, pool, reg, queue, WithObserver(obs))
}

// NewRedisEngine returns an Engine that persists instances and histories in
// Redis under the default key prefix.
func NewRedisEngine(client *redis.Client, reg *Registry, queue Queue, opts ...EngineOption) Engine {
	return newEngine(persistence.NewRedisStore(client, ""), reg, queue, opts)
}

// NewRedisEngineWithObserver returns a Redis-backed Engine with the given Observer.
func NewRedisEngineWithObserver(client *redis.Client, reg *Registry, queue Queue, obs Observer) Engine {
	return NewRedisEngine(client, reg, queue, WithObserver(obs))
}

// NewMongoEngine returns an Engine that persists instances and histories in
// MongoDB, using the "replayflow" database and "instances" collection.
func NewMongoEngine(ctx context.Context, client *mongo.Client, reg *Registry, queue Queue, opts ...EngineOption) (Engine, error) {
	store, err := persistence.NewMongoStore(ctx, client, "", "")
	if err != nil {
		return nil, err
	}
	return newEngine(store, reg, queue, opts), nil
}

// NewMongoEngineWithObserver returns a Mongo-backed Engine with the given Observer.
func NewMongoEngineWithObserver(ctx context.Context, client *mongo.Client, reg *Registry, queue Queue, obs Observer) (Engine, error) {
	return NewMongoEngine(ctx, client, reg, queue, WithObserver(obs))
}

// Convenience helpers that just forward to the underlying Engine.

// Start starts a registered orchestrator and returns the instance id.
func Start(ctx context.Context, eng Engine, name string, input any, opts ...StartOption) (string, error) {
	return eng.StartOrchestration(ctx, name, input, opts...)
}

// GetInstance fetches an instance by ID.
func GetInstance(ctx context.Context, eng Engine, id string) (*Instance, error) {
	return eng.GetInstance(ctx, id)
}

// ListInstances lists instances according to the given options.
func ListInstances(ctx context.Context, eng Engine, opts InstanceListOptions) ([]*Instance, error) {
	return eng.ListInstances(ctx, opts)
}

// Recover delegates to eng.Recover.
//
// It is typically called on process startup before starting any workers:
//
//	count, err := replayflow.Recover(ctx, engine)
func Recover(ctx context.Context, eng Engine) (int, error) {
	return eng.Recover(ctx)
}

// WaitForCompletion polls the instance every interval until it reaches a
// terminal status or ctx is done.
func WaitForCompletion(ctx context.Context, eng Engine, id string, interval time.Duration) (*Instance, error) {
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		inst, err := eng.GetInstance(ctx, id)
		if err != nil {
			return nil, err
		}
		if inst.Status.IsTerminal() {
			return inst, nil
		}
		select {
		case <-ctx.Done():
			return inst, ctx.Err()
		case <-ticker.C:
		}
	}
}
