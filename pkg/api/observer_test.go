package api

import (
	"context"
	"errors"
	"log/slog"
	"reflect"
	"sync"
	"testing"
	"time"
)

//
// Helpers
//

// testObserver is a simple Observer implementation used to verify fan-out behavior.
type testObserver struct {
	mu sync.Mutex

	starts     int
	completes  int
	fails      int
	terminates int
	passes     int

	activityStarts    int
	activityCompletes int

	lastFailErr      error
	lastReason       string
	lastPassCount    int
	lastActivityTask ActivityTask
	lastActivityErr  error
}

func (o *testObserver) OnInstanceStarted(ctx context.Context, inst *Instance) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.starts++
}

func (o *testObserver) OnInstanceCompleted(ctx context.Context, inst *Instance) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.completes++
}

func (o *testObserver) OnInstanceFailed(ctx context.Context, inst *Instance, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.fails++
	o.lastFailErr = err
}

func (o *testObserver) OnInstanceTerminated(ctx context.Context, inst *Instance, reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.terminates++
	o.lastReason = reason
}

func (o *testObserver) OnReplayPass(ctx context.Context, inst *Instance, scheduled int, d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.passes++
	o.lastPassCount = scheduled
}

func (o *testObserver) OnActivityStart(ctx context.Context, task ActivityTask, attempt int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.activityStarts++
}

func (o *testObserver) OnActivityCompleted(ctx context.Context, task ActivityTask, attempt int, err error, d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.activityCompletes++
	o.lastActivityTask = task
	o.lastActivityErr = err
}

// recordingHandler is a minimal slog.Handler that just records log records.
type recordingHandler struct {
	mu      sync.Mutex
	records []slog.Record
}

func (h *recordingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return true
}

func (h *recordingHandler) Handle(ctx context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, r.Clone())
	return nil
}

func (h *recordingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return h
}

func (h *recordingHandler) WithGroup(name string) slog.Handler {
	return h
}

func attrsToMap(r slog.Record) map[string]any {
	m := make(map[string]any)
	r.Attrs(func(a slog.Attr) bool {
		m[a.Key] = a.Value.Any()
		return true
	})
	return m
}

func newTestInstance() *Instance {
	return &Instance{
		ID:     "inst-123",
		Name:   "orch-test",
		Status: StatusSuspended,
	}
}

//
// NoopObserver
//

func TestNoopObserver_DoesNotPanic(t *testing.T) {
	ctx := context.Background()
	inst := newTestInstance()
	task := ActivityTask{InstanceID: inst.ID, Seq: 2, Name: "Hello"}
	var o Observer = NoopObserver{}

	o.OnInstanceStarted(ctx, inst)
	o.OnInstanceCompleted(ctx, inst)
	o.OnInstanceFailed(ctx, inst, errors.New("boom"))
	o.OnInstanceTerminated(ctx, inst, "stop")
	o.OnReplayPass(ctx, inst, 3, time.Millisecond)
	o.OnActivityStart(ctx, task, 1)
	o.OnActivityCompleted(ctx, task, 1, nil, time.Second)
}

//
// CompositeObserver
//

func TestNewCompositeObserver_EmptyReturnsNoop(t *testing.T) {
	o := NewCompositeObserver()
	if _, ok := o.(NoopObserver); !ok {
		t.Fatalf("expected NewCompositeObserver() to return NoopObserver, got %T", o)
	}
}

func TestNewCompositeObserver_SingleReturnsThatObserver(t *testing.T) {
	single := &testObserver{}
	o := NewCompositeObserver(single, nil) // include a nil to ensure it is filtered

	if got, ok := o.(*testObserver); !ok || got != single {
		t.Fatalf("expected the single non-nil observer to be returned, got %T (%p)", o, o)
	}
}

func TestCompositeObserver_ForwardsAllEvents(t *testing.T) {
	ctx := context.Background()
	inst := newTestInstance()
	task := ActivityTask{InstanceID: inst.ID, Seq: 4, Name: "BruteForce"}

	o1 := &testObserver{}
	o2 := &testObserver{}
	co, ok := NewCompositeObserver(o1, o2).(*CompositeObserver)
	if !ok {
		t.Fatalf("expected *CompositeObserver")
	}

	err := errors.New("activity failed")
	co.OnInstanceStarted(ctx, inst)
	co.OnInstanceCompleted(ctx, inst)
	co.OnInstanceFailed(ctx, inst, err)
	co.OnInstanceTerminated(ctx, inst, "operator request")
	co.OnReplayPass(ctx, inst, 5, time.Millisecond)
	co.OnActivityStart(ctx, task, 2)
	co.OnActivityCompleted(ctx, task, 2, err, time.Second)

	for i, o := range []*testObserver{o1, o2} {
		if o.starts != 1 || o.completes != 1 || o.fails != 1 || o.terminates != 1 || o.passes != 1 {
			t.Fatalf("observer %d: unexpected lifecycle counts: %+v", i, o)
		}
		if o.activityStarts != 1 || o.activityCompletes != 1 {
			t.Fatalf("observer %d: unexpected activity counts: %+v", i, o)
		}
		if !errors.Is(o.lastFailErr, err) || !errors.Is(o.lastActivityErr, err) {
			t.Fatalf("observer %d: errors not forwarded", i)
		}
		if o.lastReason != "operator request" || o.lastPassCount != 5 || !reflect.DeepEqual(o.lastActivityTask, task) {
			t.Fatalf("observer %d: arguments not forwarded: %+v", i, o)
		}
	}
}

//
// LoggingObserver
//

func TestLoggingObserver_LogsLifecycle(t *testing.T) {
	ctx := context.Background()
	h := &recordingHandler{}
	o := NewLoggingObserver(slog.New(h))
	inst := newTestInstance()

	o.OnInstanceStarted(ctx, inst)
	o.OnInstanceFailed(ctx, inst, errors.New("boom"))
	o.OnActivityCompleted(ctx, ActivityTask{InstanceID: inst.ID, Seq: 7, Name: "Hello"}, 3, errors.New("flaky"), time.Millisecond)

	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(h.records))
	}

	start := h.records[0]
	if start.Message != "instance_started" || start.Level != slog.LevelInfo {
		t.Fatalf("unexpected start record: %s/%v", start.Message, start.Level)
	}
	attrs := attrsToMap(start)
	if attrs["instance_id"] != "inst-123" || attrs["orchestrator"] != "orch-test" {
		t.Fatalf("unexpected start attrs: %v", attrs)
	}

	if h.records[1].Level != slog.LevelError {
		t.Fatalf("expected failure at error level, got %v", h.records[1].Level)
	}

	act := h.records[2]
	if act.Level != slog.LevelWarn {
		t.Fatalf("expected failed attempt at warn level, got %v", act.Level)
	}
	attrs = attrsToMap(act)
	if attrs["seq"] != int64(7) || attrs["attempt"] != int64(3) {
		t.Fatalf("unexpected activity attrs: %v", attrs)
	}
}

func TestNewLoggingObserver_NilUsesDefault(t *testing.T) {
	o := NewLoggingObserver(nil).(*LoggingObserver)
	if o.Logger == nil {
		t.Fatalf("expected default logger")
	}
}

//
// BasicMetrics
//

func TestBasicMetrics_Snapshot(t *testing.T) {
	ctx := context.Background()
	m := &BasicMetrics{}
	inst := newTestInstance()
	task := ActivityTask{InstanceID: inst.ID, Seq: 2, Name: "Hello"}

	for i := 0; i < 4; i++ {
		m.OnInstanceStarted(ctx, inst)
	}
	m.OnInstanceCompleted(ctx, inst)
	m.OnInstanceFailed(ctx, inst, errors.New("x"))
	m.OnInstanceTerminated(ctx, inst, "stop")
	m.OnReplayPass(ctx, inst, 1, 0)
	m.OnReplayPass(ctx, inst, 0, 0)

	m.OnActivityCompleted(ctx, task, 1, errors.New("flaky"), 5*time.Second)
	m.OnActivityCompleted(ctx, task, 2, nil, 2*time.Second)
	m.OnActivityCompleted(ctx, task, 1, nil, 4*time.Second)

	s := m.Snapshot()
	if s.InstancesStarted != 4 || s.InstancesCompleted != 1 || s.InstancesFailed != 1 || s.InstancesTerminated != 1 {
		t.Fatalf("unexpected instance counters: %+v", s)
	}
	if s.ActiveInstances != 1 {
		t.Fatalf("expected 1 active instance, got %d", s.ActiveInstances)
	}
	if s.ReplayPasses != 2 {
		t.Fatalf("expected 2 passes, got %d", s.ReplayPasses)
	}
	if s.ActivityAttempts != 3 || s.ActivityFailures != 1 || s.ActivitiesCompleted != 2 {
		t.Fatalf("unexpected activity counters: %+v", s)
	}
	if s.AvgActivityDuration != 3*time.Second {
		t.Fatalf("expected avg 3s, got %v", s.AvgActivityDuration)
	}
}
