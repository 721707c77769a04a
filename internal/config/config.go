// Package config loads and validates replayflow configuration from YAML files
// and environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/petrijr/replayflow/pkg/api"
	"github.com/petrijr/replayflow/pkg/worker"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
	DriverMongo    = "mongo"
	DriverAMQP     = "amqp"
)

// Config is the root configuration.
type Config struct {
	Store         StoreConfig         `yaml:"store"`
	Queue         QueueConfig         `yaml:"queue"`
	Worker        WorkerConfig        `yaml:"worker"`
	Archive       ArchiveConfig       `yaml:"archive"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// StoreConfig selects the instance and history backend.
type StoreConfig struct {
	Driver string `yaml:"driver"`

	SQLitePath string `yaml:"sqlite_path"`

	PostgresDSN      string `yaml:"postgres_dsn"`
	PostgresMaxConns int32  `yaml:"postgres_max_conns"`

	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	RedisPrefix   string `yaml:"redis_prefix"`

	MongoURI        string `yaml:"mongo_uri"`
	MongoDatabase   string `yaml:"mongo_database"`
	MongoCollection string `yaml:"mongo_collection"`
}

// QueueConfig selects the task transport between scheduler and workers.
type QueueConfig struct {
	Driver string `yaml:"driver"`

	// Capacity preallocates the in-memory queue. The queue grows past it.
	Capacity int `yaml:"capacity"`

	// SQLitePath defaults to store.sqlite_path.
	SQLitePath string `yaml:"sqlite_path"`

	// The postgres and redis queues use the connection settings of the
	// store section.

	AMQPURL      string `yaml:"amqp_url"`
	AMQPQueue    string `yaml:"amqp_queue"`
	AMQPPrefetch int    `yaml:"amqp_prefetch"`
}

// WorkerConfig describes the activity worker pool.
type WorkerConfig struct {
	Concurrency     int           `yaml:"concurrency"`
	ActivityTimeout time.Duration `yaml:"activity_timeout"`
	Retry           RetryConfig   `yaml:"retry"`
}

// RetryConfig is the default activity retry policy.
type RetryConfig struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	BackoffInitial    time.Duration `yaml:"backoff_initial"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	BackoffMax        time.Duration `yaml:"backoff_max"`
}

// Policy converts the config into an api.RetryPolicy.
func (r RetryConfig) Policy() api.RetryPolicy {
	return worker.Retry(r.MaxAttempts).
		Backoff(r.BackoffInitial, r.BackoffMultiplier, r.BackoffMax).
		Policy()
}

// ArchiveConfig describes where purged histories are archived.
type ArchiveConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	UseSSL    bool   `yaml:"use_ssl"`
	Prefix    string `yaml:"prefix"`
}

// ObservabilityConfig describes logging and metrics settings.
type ObservabilityConfig struct {
	LogLevel  string        `yaml:"log_level"`
	LogFormat string        `yaml:"log_format"`
	Metrics   MetricsConfig `yaml:"metrics"`
}

// MetricsConfig describes the Prometheus endpoint of the worker.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	Path    string `yaml:"path"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Store: StoreConfig{
			Driver:           DriverSQLite,
			SQLitePath:       "replayflow.db",
			PostgresMaxConns: 10,
			RedisAddr:        "localhost:6379",
			RedisPrefix:      "replayflow:",
			MongoURI:         "mongodb://localhost:27017",
			MongoDatabase:    "replayflow",
			MongoCollection:  "instances",
		},
		Queue: QueueConfig{
			Driver:       DriverSQLite,
			Capacity:     1024,
			AMQPQueue:    "replayflow.tasks",
			AMQPPrefetch: 16,
		},
		Worker: WorkerConfig{
			Concurrency: 4,
			Retry: RetryConfig{
				MaxAttempts:       3,
				BackoffInitial:    500 * time.Millisecond,
				BackoffMultiplier: 2.0,
				BackoffMax:        30 * time.Second,
			},
		},
		Archive: ArchiveConfig{
			Bucket: "replayflow-history",
			Prefix: "history/",
		},
		Observability: ObservabilityConfig{
			LogLevel:  "info",
			LogFormat: "text",
			Metrics: MetricsConfig{
				Enabled: true,
				Addr:    ":9090",
				Path:    "/metrics",
			},
		},
	}
}

// Load reads a YAML config file, applies environment variable overrides,
// and validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}
	return cfg, nil
}

// Validate checks that the selected drivers have what they need.
func (c *Config) Validate() error {
	var errs []string

	switch c.Store.Driver {
	case DriverMemory:
	case DriverSQLite:
		if c.Store.SQLitePath == "" {
			errs = append(errs, "store.sqlite_path is required for the sqlite driver")
		}
	case DriverPostgres:
		if c.Store.PostgresDSN == "" {
			errs = append(errs, "store.postgres_dsn is required for the postgres driver")
		}
	case DriverRedis:
		if c.Store.RedisAddr == "" {
			errs = append(errs, "store.redis_addr is required for the redis driver")
		}
	case DriverMongo:
		if c.Store.MongoURI == "" {
			errs = append(errs, "store.mongo_uri is required for the mongo driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q is not one of memory, sqlite, postgres, redis, mongo", c.Store.Driver))
	}

	switch c.Queue.Driver {
	case DriverMemory:
	case DriverSQLite:
		if c.Queue.SQLitePath == "" && c.Store.SQLitePath == "" {
			errs = append(errs, "queue.sqlite_path or store.sqlite_path is required for the sqlite queue")
		}
	case DriverPostgres:
		if c.Store.PostgresDSN == "" {
			errs = append(errs, "store.postgres_dsn is required for the postgres queue")
		}
	case DriverRedis:
		if c.Store.RedisAddr == "" {
			errs = append(errs, "store.redis_addr is required for the redis queue")
		}
	case DriverAMQP:
		if c.Queue.AMQPURL == "" {
			errs = append(errs, "queue.amqp_url is required for the amqp driver")
		}
		if c.Queue.AMQPQueue == "" {
			errs = append(errs, "queue.amqp_queue is required for the amqp driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("queue.driver %q is not one of memory, sqlite, postgres, redis, amqp", c.Queue.Driver))
	}

	if c.Worker.Concurrency < 1 {
		errs = append(errs, "worker.concurrency must be at least 1")
	}
	if c.Worker.Retry.MaxAttempts < 0 {
		errs = append(errs, "worker.retry.max_attempts must not be negative")
	}

	if c.Archive.Enabled {
		if c.Archive.Endpoint == "" {
			errs = append(errs, "archive.endpoint is required when archiving is enabled")
		}
		if c.Archive.Bucket == "" {
			errs = append(errs, "archive.bucket is required when archiving is enabled")
		}
	}

	switch strings.ToLower(c.Observability.LogFormat) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Sprintf("observability.log_format %q is not text or json", c.Observability.LogFormat))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// QueueSQLitePath returns the database file of the sqlite queue.
func (c *Config) QueueSQLitePath() string {
	if c.Queue.SQLitePath != "" {
		return c.Queue.SQLitePath
	}
	return c.Store.SQLitePath
}

// applyEnvOverrides reads REPLAYFLOW_* environment variables and overrides
// config values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	setString("REPLAYFLOW_STORE_DRIVER", &cfg.Store.Driver)
	setString("REPLAYFLOW_SQLITE_PATH", &cfg.Store.SQLitePath)
	setString("REPLAYFLOW_POSTGRES_DSN", &cfg.Store.PostgresDSN)
	setString("REPLAYFLOW_REDIS_ADDR", &cfg.Store.RedisAddr)
	setString("REPLAYFLOW_REDIS_PASSWORD", &cfg.Store.RedisPassword)
	setString("REPLAYFLOW_MONGO_URI", &cfg.Store.MongoURI)
	setString("REPLAYFLOW_QUEUE_DRIVER", &cfg.Queue.Driver)
	setString("REPLAYFLOW_AMQP_URL", &cfg.Queue.AMQPURL)
	setString("REPLAYFLOW_ARCHIVE_ENDPOINT", &cfg.Archive.Endpoint)
	setString("REPLAYFLOW_ARCHIVE_ACCESS_KEY", &cfg.Archive.AccessKey)
	setString("REPLAYFLOW_ARCHIVE_SECRET_KEY", &cfg.Archive.SecretKey)
	setString("REPLAYFLOW_LOG_LEVEL", &cfg.Observability.LogLevel)
	setString("REPLAYFLOW_LOG_FORMAT", &cfg.Observability.LogFormat)
	setString("REPLAYFLOW_METRICS_ADDR", &cfg.Observability.Metrics.Addr)

	if v := os.Getenv("REPLAYFLOW_WORKER_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Worker.Concurrency = n
		}
	}
	if v := os.Getenv("REPLAYFLOW_ARCHIVE_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Archive.Enabled = b
		}
	}
}
