package taskqueue

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/petrijr/replayflow/pkg/api"
)

func newTestSQLiteQueue(t *testing.T) *SQLiteQueue {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("sql.Open failed: %v", err)
	}
	db.SetMaxOpenConns(1)

	t.Cleanup(func() {
		_ = db.Close()
	})

	q, err := NewSQLiteQueue(db)
	if err != nil {
		t.Fatalf("NewSQLiteQueue failed: %v", err)
	}
	return q
}

func TestSQLiteQueue_EnqueueDequeueFIFO(t *testing.T) {
	q := newTestSQLiteQueue(t)
	ctx := context.Background()

	tasks := []Task{
		{ID: "1", Type: TaskTypeActivity, InstanceID: "inst-1", Seq: 2, Name: "Hello", Input: api.Payload(`"Tokyo"`)},
		{ID: "2", Type: TaskTypeActivity, InstanceID: "inst-1", Seq: 3, Name: "Hello", Input: api.Payload(`"Seattle"`)},
		{ID: "3", Type: TaskTypeOrchestrate, InstanceID: "inst-2"},
	}
	for _, task := range tasks {
		if err := q.Enqueue(ctx, task); err != nil {
			t.Fatalf("Enqueue %s failed: %v", task.ID, err)
		}
	}

	if q.Len() != 3 {
		t.Fatalf("expected Len 3, got %d", q.Len())
	}

	for _, want := range tasks {
		got, err := q.Dequeue(ctx)
		if err != nil {
			t.Fatalf("Dequeue failed: %v", err)
		}
		if got.ID != want.ID || got.Type != want.Type || got.InstanceID != want.InstanceID || got.Seq != want.Seq {
			t.Fatalf("unexpected task: got %+v, want %+v", got, want)
		}
		if string(got.Input) != string(want.Input) {
			t.Fatalf("unexpected input: got %s, want %s", got.Input, want.Input)
		}
	}

	if q.Len() != 0 {
		t.Fatalf("expected Len 0 after dequeues, got %d", q.Len())
	}
}

func TestSQLiteQueue_NotBeforeIsHonored(t *testing.T) {
	q := newTestSQLiteQueue(t)
	ctx := context.Background()

	due := time.Now().Add(100 * time.Millisecond)
	if err := q.Enqueue(ctx, Task{ID: "timer", Type: TaskTypeTimer, NotBefore: due}); err != nil {
		t.Fatalf("Enqueue timer failed: %v", err)
	}
	if err := q.Enqueue(ctx, Task{ID: "now", Type: TaskTypeActivity}); err != nil {
		t.Fatalf("Enqueue now failed: %v", err)
	}

	first, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}
	if first.ID != "now" {
		t.Fatalf("expected due task first, got %q", first.ID)
	}

	dctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	second, err := q.Dequeue(dctx)
	if err != nil {
		t.Fatalf("Dequeue timer failed: %v", err)
	}
	if second.ID != "timer" || time.Now().Before(due) {
		t.Fatalf("timer task delivered early or wrong task: %+v", second)
	}
	if !second.NotBefore.Equal(due) {
		t.Fatalf("NotBefore not preserved: got %v, want %v", second.NotBefore, due)
	}
}

func TestSQLiteQueue_DequeueHonorsContextCancellation(t *testing.T) {
	q := newTestSQLiteQueue(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, err := q.Dequeue(ctx); err == nil {
		t.Fatalf("expected Dequeue to fail due to context cancellation")
	}
}

func TestSQLiteQueue_TasksSurviveReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	ctx := context.Background()

	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("sql.Open failed: %v", err)
	}
	q, err := NewSQLiteQueue(db)
	if err != nil {
		t.Fatalf("NewSQLiteQueue failed: %v", err)
	}
	if err := q.Enqueue(ctx, Task{ID: "persisted", Type: TaskTypeActivity, InstanceID: "inst-1", Seq: 2}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	_ = db.Close()

	db, err = sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("sql.Open failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	q, err = NewSQLiteQueue(db)
	if err != nil {
		t.Fatalf("NewSQLiteQueue failed: %v", err)
	}
	got, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}
	if got.ID != "persisted" || got.Seq != 2 {
		t.Fatalf("unexpected task after reopen: %+v", got)
	}
}
