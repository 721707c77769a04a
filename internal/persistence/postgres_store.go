package persistence

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/petrijr/replayflow/internal/history"
	"github.com/petrijr/replayflow/pkg/api"
)

// PostgresStore is a Store backed by PostgreSQL through a pgx pool.
//
// Appends lock the instance row (SELECT ... FOR UPDATE) so concurrent
// writers to one history are serialized by the database.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// Ensure PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore initializes the required schema and returns a new
// PostgresStore.
func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool) (*PostgresStore, error) {
	s := &PostgresStore{pool: pool}
	if err := s.initSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// NewPostgresPool opens and pings a pgx pool for dsn.
func NewPostgresPool(ctx context.Context, dsn string, maxConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	cfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("new pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return pool, nil
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS replay_instances (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			status TEXT NOT NULL,
			input BYTEA,
			output BYTEA,
			error TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);
		CREATE TABLE IF NOT EXISTS replay_history (
			instance_id TEXT NOT NULL REFERENCES replay_instances(id) ON DELETE CASCADE,
			seq BIGINT NOT NULL,
			type TEXT NOT NULL,
			at TIMESTAMPTZ NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			input BYTEA,
			output BYTEA,
			error TEXT NOT NULL DEFAULT '',
			scheduled_seq BIGINT NOT NULL DEFAULT 0,
			fire_at TIMESTAMPTZ,
			PRIMARY KEY (instance_id, seq)
		);
	`)
	if err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateInstance(ctx context.Context, inst *api.Instance, started api.HistoryEvent) error {
	if err := history.CheckNext(0, started); err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		INSERT INTO replay_instances (id, name, status, input, output, error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING
	`,
		inst.ID,
		inst.Name,
		string(inst.Status),
		nullablePayload(inst.Input),
		nullablePayload(inst.Output),
		inst.Error,
		inst.CreatedAt,
		inst.LastUpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert instance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return api.ErrDuplicateInstance
	}

	if err := insertPostgresEvents(ctx, tx, inst.ID, started); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) UpdateInstance(ctx context.Context, inst *api.Instance) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE replay_instances
		SET name       = $1,
		    status     = $2,
		    input      = $3,
		    output     = $4,
		    error      = $5,
		    updated_at = $6
		WHERE id = $7
	`,
		inst.Name,
		string(inst.Status),
		nullablePayload(inst.Input),
		nullablePayload(inst.Output),
		inst.Error,
		inst.LastUpdatedAt,
		inst.ID,
	)
	if err != nil {
		return fmt.Errorf("update instance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return api.ErrInstanceNotFound
	}
	return nil
}

const postgresInstanceColumns = `id, name, status, input, output, error, created_at, updated_at`

func scanPostgresInstance(row pgx.Row) (*api.Instance, error) {
	var inst api.Instance
	var statusStr string
	var input, output []byte

	if err := row.Scan(&inst.ID, &inst.Name, &statusStr, &input, &output, &inst.Error, &inst.CreatedAt, &inst.LastUpdatedAt); err != nil {
		return nil, err
	}
	inst.Status = api.Status(statusStr)
	if len(input) > 0 {
		inst.Input = api.Payload(input)
	}
	if len(output) > 0 {
		inst.Output = api.Payload(output)
	}
	inst.CreatedAt = inst.CreatedAt.UTC()
	inst.LastUpdatedAt = inst.LastUpdatedAt.UTC()
	return &inst, nil
}

func (s *PostgresStore) GetInstance(ctx context.Context, id string) (*api.Instance, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+postgresInstanceColumns+`
		FROM replay_instances
		WHERE id = $1
	`, id)

	inst, err := scanPostgresInstance(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, api.ErrInstanceNotFound
		}
		return nil, fmt.Errorf("get instance: %w", err)
	}
	return inst, nil
}

func (s *PostgresStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*api.Instance, error) {
	query := `
		SELECT ` + postgresInstanceColumns + `
		FROM replay_instances`
	var args []any
	var clauses []string

	if filter.Name != "" {
		clauses = append(clauses, fmt.Sprintf("name = $%d", len(args)+1))
		args = append(args, filter.Name)
	}
	if filter.Status != "" {
		clauses = append(clauses, fmt.Sprintf("status = $%d", len(args)+1))
		args = append(args, string(filter.Status))
	}

	if len(clauses) > 0 {
		query = query + " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at ASC"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	defer rows.Close()

	var instances []*api.Instance
	for rows.Next() {
		inst, err := scanPostgresInstance(rows)
		if err != nil {
			return nil, err
		}
		instances = append(instances, inst)
	}
	return instances, rows.Err()
}

func (s *PostgresStore) DeleteInstance(ctx context.Context, id string) error {
	// History rows go with the instance (ON DELETE CASCADE).
	tag, err := s.pool.Exec(ctx, `DELETE FROM replay_instances WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete instance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return api.ErrInstanceNotFound
	}
	return nil
}

func (s *PostgresStore) AppendEvents(ctx context.Context, instanceID string, events ...api.HistoryEvent) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var locked string
	err = tx.QueryRow(ctx, `SELECT id FROM replay_instances WHERE id = $1 FOR UPDATE`, instanceID).Scan(&locked)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return api.ErrInstanceNotFound
		}
		return fmt.Errorf("lock instance: %w", err)
	}

	var length int64
	if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM replay_history WHERE instance_id = $1`, instanceID).Scan(&length); err != nil {
		return fmt.Errorf("count history: %w", err)
	}
	if err := history.CheckNext(length, events...); err != nil {
		return err
	}

	if err := insertPostgresEvents(ctx, tx, instanceID, events...); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func insertPostgresEvents(ctx context.Context, tx pgx.Tx, instanceID string, events ...api.HistoryEvent) error {
	batch := &pgx.Batch{}
	for _, ev := range events {
		var fireAt *time.Time
		if !ev.FireAt.IsZero() {
			t := ev.FireAt
			fireAt = &t
		}
		batch.Queue(`
			INSERT INTO replay_history (instance_id, seq, type, at, name, input, output, error, scheduled_seq, fire_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		`,
			instanceID,
			ev.Seq,
			string(ev.Type),
			ev.Timestamp,
			ev.Name,
			nullablePayload(ev.Input),
			nullablePayload(ev.Output),
			ev.Error,
			ev.ScheduledSeq,
			fireAt,
		)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert events of %s: %w", instanceID, err)
	}
	return nil
}

func (s *PostgresStore) ReadHistory(ctx context.Context, instanceID string) ([]api.HistoryEvent, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM replay_instances WHERE id = $1)`, instanceID).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("check instance: %w", err)
	}
	if !exists {
		return nil, api.ErrInstanceNotFound
	}

	rows, err := s.pool.Query(ctx, `
		SELECT seq, type, at, name, input, output, error, scheduled_seq, fire_at
		FROM replay_history
		WHERE instance_id = $1
		ORDER BY seq ASC
	`, instanceID)
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}
	defer rows.Close()

	var out []api.HistoryEvent
	for rows.Next() {
		var (
			ev            api.HistoryEvent
			typ           string
			input, output []byte
			fireAt        *time.Time
		)
		if err := rows.Scan(&ev.Seq, &typ, &ev.Timestamp, &ev.Name, &input, &output, &ev.Error, &ev.ScheduledSeq, &fireAt); err != nil {
			return nil, err
		}
		ev.Type = api.EventType(typ)
		ev.Timestamp = ev.Timestamp.UTC()
		if fireAt != nil {
			ev.FireAt = fireAt.UTC()
		}
		if len(input) > 0 {
			ev.Input = api.Payload(input)
		}
		if len(output) > 0 {
			ev.Output = api.Payload(output)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
