// Package app assembles a store, queue, engine, worker and archiver from
// configuration.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	_ "modernc.org/sqlite"

	"github.com/petrijr/replayflow/internal/archive"
	"github.com/petrijr/replayflow/internal/config"
	"github.com/petrijr/replayflow/internal/engine"
	"github.com/petrijr/replayflow/internal/persistence"
	"github.com/petrijr/replayflow/internal/taskqueue"
	"github.com/petrijr/replayflow/internal/telemetry"
	"github.com/petrijr/replayflow/pkg/api"
	"github.com/petrijr/replayflow/pkg/worker"
	"github.com/petrijr/replayflow/pkg/workflow"
)

// RegisterFunc adds orchestrators to reg and activities to w.
type RegisterFunc func(reg *workflow.Registry, w *worker.Worker) error

// App is a fully wired engine process.
type App struct {
	Config   *config.Config
	Logger   *slog.Logger
	Registry *workflow.Registry
	Engine   api.Engine
	Queue    taskqueue.Queue
	Worker   *worker.Worker

	// Archiver is nil unless archiving is enabled.
	Archiver *archive.MinioArchiver

	Metrics  *telemetry.PrometheusObserver
	gatherer prometheus.Gatherer

	sqliteDBs map[string]*sql.DB
	pgPool    *pgxpool.Pool
	redisConn *redis.Client
	closers   []func() error
}

// Open builds an App from cfg. register, if not nil, runs before the
// engine is used.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger, register RegisterFunc) (_ *App, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{
		Config:    cfg,
		Logger:    logger,
		Registry:  workflow.NewRegistry(),
		sqliteDBs: make(map[string]*sql.DB),
	}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	store, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	a.Queue, err = a.openQueue(ctx)
	if err != nil {
		return nil, err
	}

	observers := []api.Observer{api.NewLoggingObserver(logger)}
	if cfg.Observability.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		a.Metrics = telemetry.NewPrometheusObserver(reg)
		a.gatherer = reg
		observers = append(observers, a.Metrics)
	}
	observer := api.NewCompositeObserver(observers...)

	var archiver engine.Archiver
	if cfg.Archive.Enabled {
		a.Archiver, err = archive.NewMinioArchiver(archive.Config{
			Endpoint:  cfg.Archive.Endpoint,
			AccessKey: cfg.Archive.AccessKey,
			SecretKey: cfg.Archive.SecretKey,
			Bucket:    cfg.Archive.Bucket,
			Region:    cfg.Archive.Region,
			UseSSL:    cfg.Archive.UseSSL,
			Prefix:    cfg.Archive.Prefix,
		})
		if err != nil {
			return nil, err
		}
		if err := a.Archiver.EnsureBucket(ctx); err != nil {
			return nil, err
		}
		archiver = a.Archiver
	}

	a.Engine = engine.NewEngineWithConfig(engine.Config{
		Store:    store,
		Queue:    a.Queue,
		Registry: a.Registry,
		Observer: observer,
		Logger:   logger,
		Archiver: archiver,
	})
	a.Worker = worker.NewWithConfig(a.Engine, a.Queue, worker.Config{
		Retry:           cfg.Worker.Retry.Policy(),
		ActivityTimeout: cfg.Worker.ActivityTimeout,
		Observer:        observer,
		Logger:          logger,
	})

	if register != nil {
		if err := register(a.Registry, a.Worker); err != nil {
			return nil, fmt.Errorf("register orchestrations: %w", err)
		}
	}

	logger.Info("replayflow ready",
		"store", cfg.Store.Driver,
		"queue", cfg.Queue.Driver,
		"archive", cfg.Archive.Enabled,
	)
	return a, nil
}

func (a *App) openStore(ctx context.Context) (persistence.Store, error) {
	cfg := a.Config.Store
	switch cfg.Driver {
	case config.DriverMemory:
		return persistence.NewInMemoryStore(), nil

	case config.DriverSQLite:
		db, err := a.sqlite(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return persistence.NewSQLiteStore(db)

	case config.DriverPostgres:
		pool, err := a.postgres(ctx)
		if err != nil {
			return nil, err
		}
		return persistence.NewPostgresStore(ctx, pool)

	case config.DriverRedis:
		client, err := a.redisClient(ctx)
		if err != nil {
			return nil, err
		}
		return persistence.NewRedisStore(client, cfg.RedisPrefix), nil

	case config.DriverMongo:
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			return nil, fmt.Errorf("connect mongo: %w", err)
		}
		a.closers = append(a.closers, func() error { return client.Disconnect(context.Background()) })
		if err := client.Ping(ctx, nil); err != nil {
			return nil, fmt.Errorf("ping mongo: %w", err)
		}
		return persistence.NewMongoStore(ctx, client, cfg.MongoDatabase, cfg.MongoCollection)
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
}

func (a *App) openQueue(ctx context.Context) (taskqueue.Queue, error) {
	cfg := a.Config.Queue
	switch cfg.Driver {
	case config.DriverMemory:
		return taskqueue.NewInMemoryQueue(cfg.Capacity), nil

	case config.DriverSQLite:
		db, err := a.sqlite(a.Config.QueueSQLitePath())
		if err != nil {
			return nil, err
		}
		return taskqueue.NewSQLiteQueue(db)

	case config.DriverPostgres:
		pool, err := a.postgres(ctx)
		if err != nil {
			return nil, err
		}
		return taskqueue.NewPostgresQueue(ctx, pool)

	case config.DriverRedis:
		client, err := a.redisClient(ctx)
		if err != nil {
			return nil, err
		}
		return taskqueue.NewRedisQueue(client, a.Config.Store.RedisPrefix), nil

	case config.DriverAMQP:
		q, err := taskqueue.DialAMQP(cfg.AMQPURL, cfg.AMQPQueue, cfg.AMQPPrefetch)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, q.Close)
		return q, nil
	}
	return nil, fmt.Errorf("unknown queue driver %q", cfg.Driver)
}

// sqlite opens path once and shares the handle between store and queue.
func (a *App) sqlite(path string) (*sql.DB, error) {
	if db, ok := a.sqliteDBs[path]; ok {
		return db, nil
	}
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	if path == ":memory:" {
		dsn = path
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// One connection keeps writers from tripping over each other.
	db.SetMaxOpenConns(1)
	a.sqliteDBs[path] = db
	a.closers = append(a.closers, db.Close)
	return db, nil
}

// postgres opens the pool once and shares it between store and queue.
func (a *App) postgres(ctx context.Context) (*pgxpool.Pool, error) {
	if a.pgPool != nil {
		return a.pgPool, nil
	}
	cfg := a.Config.Store
	pool, err := persistence.NewPostgresPool(ctx, cfg.PostgresDSN, cfg.PostgresMaxConns)
	if err != nil {
		return nil, err
	}
	a.pgPool = pool
	a.closers = append(a.closers, func() error { pool.Close(); return nil })
	return pool, nil
}

// redisClient connects once and shares the client between store and queue.
func (a *App) redisClient(ctx context.Context) (*redis.Client, error) {
	if a.redisConn != nil {
		return a.redisConn, nil
	}
	cfg := a.Config.Store
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	a.closers = append(a.closers, client.Close)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis %s: %w", cfg.RedisAddr, err)
	}
	a.redisConn = client
	return client, nil
}

// MetricsHandler serves the Prometheus registry, or 404 when metrics are
// disabled.
func (a *App) MetricsHandler() http.Handler {
	if a.gatherer == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(a.gatherer, promhttp.HandlerOpts{})
}

// Close releases every handle opened by Open, newest first.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
