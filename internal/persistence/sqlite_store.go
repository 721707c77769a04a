package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/petrijr/replayflow/internal/history"
	"github.com/petrijr/replayflow/pkg/api"
)

// SQLiteStore is a Store backed by SQLite.
//
// It expects an *sql.DB opened with the "sqlite" driver from
// modernc.org/sqlite, which this package registers.
type SQLiteStore struct {
	db *sql.DB
}

// Ensure SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore initializes the required schema in the given
// database and returns a new SQLiteStore.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS instances (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			status TEXT NOT NULL,
			input BLOB,
			output BLOB,
			error TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS history_events (
			instance_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			type TEXT NOT NULL,
			at INTEGER NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			input BLOB,
			output BLOB,
			error TEXT NOT NULL DEFAULT '',
			scheduled_seq INTEGER NOT NULL DEFAULT 0,
			fire_at INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (instance_id, seq)
		);
		CREATE INDEX IF NOT EXISTS idx_instances_name_status ON instances(name, status);
	`)
	return err
}

func (s *SQLiteStore) CreateInstance(ctx context.Context, inst *api.Instance, started api.HistoryEvent) error {
	if err := history.CheckNext(0, started); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM instances WHERE id = ?`, inst.ID).Scan(&exists)
	if err != nil {
		return err
	}
	if exists > 0 {
		return api.ErrDuplicateInstance
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO instances (id, name, status, input, output, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		inst.ID,
		inst.Name,
		string(inst.Status),
		nullablePayload(inst.Input),
		nullablePayload(inst.Output),
		inst.Error,
		unixNanos(inst.CreatedAt),
		unixNanos(inst.LastUpdatedAt),
	)
	if err != nil {
		if isSQLiteKeyConflict(err) {
			return api.ErrDuplicateInstance
		}
		return err
	}

	if err := insertSQLiteEvents(ctx, tx, inst.ID, started); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) UpdateInstance(ctx context.Context, inst *api.Instance) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE instances
		SET name = ?, status = ?, input = ?, output = ?, error = ?, updated_at = ?
		WHERE id = ?`,
		inst.Name,
		string(inst.Status),
		nullablePayload(inst.Input),
		nullablePayload(inst.Output),
		inst.Error,
		unixNanos(inst.LastUpdatedAt),
		inst.ID,
	)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return api.ErrInstanceNotFound
	}

	return nil
}

const sqliteInstanceColumns = `id, name, status, input, output, error, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(row rowScanner) (*api.Instance, error) {
	var inst api.Instance
	var statusStr string
	var input, output []byte
	var created, updated int64

	if err := row.Scan(&inst.ID, &inst.Name, &statusStr, &input, &output, &inst.Error, &created, &updated); err != nil {
		return nil, err
	}

	inst.Status = api.Status(statusStr)
	if len(input) > 0 {
		inst.Input = api.Payload(input)
	}
	if len(output) > 0 {
		inst.Output = api.Payload(output)
	}
	inst.CreatedAt = fromUnixNanos(created)
	inst.LastUpdatedAt = fromUnixNanos(updated)
	return &inst, nil
}

func (s *SQLiteStore) GetInstance(ctx context.Context, id string) (*api.Instance, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+sqliteInstanceColumns+`
		FROM instances
		WHERE id = ?`,
		id,
	)

	inst, err := scanInstance(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, api.ErrInstanceNotFound
		}
		return nil, err
	}
	return inst, nil
}

func (s *SQLiteStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*api.Instance, error) {
	query := `
		SELECT ` + sqliteInstanceColumns + `
		FROM instances`
	var args []any
	var clauses []string

	if filter.Name != "" {
		clauses = append(clauses, "name = ?")
		args = append(args, filter.Name)
	}
	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(filter.Status))
	}

	if len(clauses) > 0 {
		query = query + " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var instances []*api.Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		instances = append(instances, inst)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return instances, nil
}

func (s *SQLiteStore) DeleteInstance(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM instances WHERE id = ?`, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return api.ErrInstanceNotFound
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM history_events WHERE instance_id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) AppendEvents(ctx context.Context, instanceID string, events ...api.HistoryEvent) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM instances WHERE id = ?`, instanceID).Scan(&exists); err != nil {
		return err
	}
	if exists == 0 {
		return api.ErrInstanceNotFound
	}

	var length int64
	err = tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM history_events WHERE instance_id = ?`, instanceID).Scan(&length)
	if err != nil {
		return err
	}
	if err := history.CheckNext(length, events...); err != nil {
		return err
	}

	if err := insertSQLiteEvents(ctx, tx, instanceID, events...); err != nil {
		return err
	}
	return tx.Commit()
}

func insertSQLiteEvents(ctx context.Context, tx *sql.Tx, instanceID string, events ...api.HistoryEvent) error {
	for _, ev := range events {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO history_events (instance_id, seq, type, at, name, input, output, error, scheduled_seq, fire_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			instanceID,
			ev.Seq,
			string(ev.Type),
			unixNanos(ev.Timestamp),
			ev.Name,
			nullablePayload(ev.Input),
			nullablePayload(ev.Output),
			ev.Error,
			ev.ScheduledSeq,
			unixNanos(ev.FireAt),
		)
		if err != nil {
			// The primary key rejects a concurrent writer that won the race.
			if isSQLiteKeyConflict(err) {
				return fmt.Errorf("%w: seq %d of %s already written", api.ErrOutOfOrderWrite, ev.Seq, instanceID)
			}
			return fmt.Errorf("insert event %d of %s: %w", ev.Seq, instanceID, err)
		}
	}
	return nil
}

func isSQLiteKeyConflict(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() {
	case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT_UNIQUE:
		return true
	}
	return false
}

func (s *SQLiteStore) ReadHistory(ctx context.Context, instanceID string) ([]api.HistoryEvent, error) {
	var exists int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM instances WHERE id = ?`, instanceID).Scan(&exists); err != nil {
		return nil, err
	}
	if exists == 0 {
		return nil, api.ErrInstanceNotFound
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, type, at, name, input, output, error, scheduled_seq, fire_at
		FROM history_events
		WHERE instance_id = ?
		ORDER BY seq ASC`, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []api.HistoryEvent
	for rows.Next() {
		var (
			ev            api.HistoryEvent
			typ           string
			at, fireAt    int64
			input, output []byte
		)
		if err := rows.Scan(&ev.Seq, &typ, &at, &ev.Name, &input, &output, &ev.Error, &ev.ScheduledSeq, &fireAt); err != nil {
			return nil, err
		}
		ev.Type = api.EventType(typ)
		ev.Timestamp = fromUnixNanos(at)
		ev.FireAt = fromUnixNanos(fireAt)
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

func unixNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
