package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/petrijr/replayflow/internal/persistence"
	"github.com/petrijr/replayflow/internal/taskqueue"
	"github.com/petrijr/replayflow/pkg/api"
	"github.com/petrijr/replayflow/pkg/worker"
	"github.com/petrijr/replayflow/pkg/workflow"
)

// fanOutThenReport schedules n Work calls, waits for all and then calls
// Report with the count.
func fanOutThenReport(ctx *workflowContext) (any, error) {
	var n int
	if err := ctx.GetInput(&n); err != nil {
		return nil, err
	}
	tasks := make([]*workflow.Task, 0, n)
	for i := 0; i < n; i++ {
		tasks = append(tasks, ctx.CallActivity("Work", i))
	}
	if err := ctx.WhenAll(tasks...); err != nil {
		return nil, err
	}
	return nil, ctx.CallActivity("Report", len(tasks)).Await(nil)
}

func TestFanOutRunsInParallel(t *testing.T) {
	const n = 5
	h := newHarness(t, Config{})
	h.orchestrator("fan", fanOutThenReport)

	// Every Work call blocks until all n have started, which only happens
	// when they were dispatched together.
	var started sync.WaitGroup
	started.Add(n)
	allStarted := make(chan struct{})
	go func() {
		started.Wait()
		close(allStarted)
	}()
	h.activity("Work", func(ctx context.Context, input api.Payload) (any, error) {
		started.Done()
		select {
		case <-allStarted:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	var reported atomic.Int64
	h.activity("Report", func(ctx context.Context, input api.Payload) (any, error) {
		var c int64
		if err := input.Decode(&c); err != nil {
			return nil, err
		}
		reported.Store(c)
		return nil, nil
	})

	stop := h.run(n + 2)
	defer stop()

	id := h.start("fan", n)
	h.waitStatus(id, api.StatusCompleted)

	if got := reported.Load(); got != n {
		t.Fatalf("Report saw %d, want %d", got, n)
	}
	events := h.history(id)
	assertContiguous(t, events)
	if c := countEvents(events, api.EventActivityCompleted, "Work"); c != n {
		t.Fatalf("expected %d Work results, got %d", n, c)
	}
}

// Recover cannot tell a claimed task from a queued one, so a task still in
// the queue runs twice; only its first result reaches the history.
func TestRecoverWithQueuedTaskRecordsOneResult(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	h.orchestrator("one", func(ctx *workflowContext) (any, error) {
		var s string
		err := ctx.CallActivity("Echo", "hi").Await(&s)
		return s, err
	})
	var runs atomic.Int64
	h.activity("Echo", func(ctx context.Context, input api.Payload) (any, error) {
		runs.Add(1)
		return "hi!", nil
	})

	id := h.start("one", nil)
	h.step()
	if got := h.queue.Len(); got != 1 {
		t.Fatalf("expected the activity task to be queued, Len %d", got)
	}

	if _, err := h.engine.Recover(ctx); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if got := h.queue.Len(); got != 3 {
		t.Fatalf("expected the activity twice plus a pass, Len %d", got)
	}
	h.drain()

	if got := runs.Load(); got != 2 {
		t.Fatalf("Echo ran %d times, want 2", got)
	}
	if inst := h.instance(id); inst.Status != api.StatusCompleted {
		t.Fatalf("expected %s, got %s (%s)", api.StatusCompleted, inst.Status, inst.Error)
	}
	events := h.history(id)
	assertContiguous(t, events)
	if c := countEvents(events, api.EventActivityCompleted, "Echo"); c != 1 {
		t.Fatalf("expected one recorded result, got %d", c)
	}
}

// A fan-out wider than the queue's size hint must not wedge a small pool
// whose workers enqueue while they consume.
func TestFanOutWiderThanQueueHint(t *testing.T) {
	const n = 10
	h := newHarness(t, Config{Queue: taskqueue.NewInMemoryQueue(4)})
	h.orchestrator("fan", fanOutThenReport)
	h.activity("Work", func(ctx context.Context, input api.Payload) (any, error) {
		return nil, nil
	})
	var reported atomic.Int64
	h.activity("Report", func(ctx context.Context, input api.Payload) (any, error) {
		var c int64
		if err := input.Decode(&c); err != nil {
			return nil, err
		}
		reported.Store(c)
		return nil, nil
	})

	stop := h.run(2)
	defer stop()

	id := h.start("fan", n)
	h.waitStatus(id, api.StatusCompleted)

	if got := reported.Load(); got != n {
		t.Fatalf("Report saw %d, want %d", got, n)
	}
	events := h.history(id)
	assertContiguous(t, events)
	if got := countEvents(events, api.EventActivityCompleted, "Work"); got != n {
		t.Fatalf("recorded %d Work results, want %d", got, n)
	}
}

func TestTerminateDuringFanOut(t *testing.T) {
	const n = 5
	h := newHarness(t, Config{})
	h.orchestrator("fan", fanOutThenReport)

	var started, finished atomic.Int64
	release := make(chan struct{})
	h.activity("Work", func(ctx context.Context, input api.Payload) (any, error) {
		started.Add(1)
		defer finished.Add(1)
		<-release
		return "done", nil
	})
	var reports atomic.Int64
	h.activity("Report", func(ctx context.Context, input api.Payload) (any, error) {
		reports.Add(1)
		return nil, nil
	})

	stop := h.run(n + 2)

	id := h.start("fan", n)
	deadline := time.Now().Add(10 * time.Second)
	for started.Load() < n {
		if time.Now().After(deadline) {
			t.Fatalf("only %d of %d activities started", started.Load(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := h.engine.Terminate(context.Background(), id, "operator request"); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	before := h.history(id)

	close(release)
	for finished.Load() < n || h.queue.Len() > 0 {
		if time.Now().After(deadline) {
			t.Fatalf("activities did not finish")
		}
		time.Sleep(5 * time.Millisecond)
	}
	stop()

	inst := h.instance(id)
	if inst.Status != api.StatusTerminated {
		t.Fatalf("expected %s, got %s", api.StatusTerminated, inst.Status)
	}
	if inst.Error != "operator request" {
		t.Fatalf("expected termination reason, got %q", inst.Error)
	}

	after := h.history(id)
	if len(after) != len(before) {
		t.Fatalf("history grew after termination: %d -> %d events", len(before), len(after))
	}
	last := after[len(after)-1]
	if last.Type != api.EventOrchestratorTerminated {
		t.Fatalf("expected termination marker last, got %s", last.Type)
	}
	if c := countEvents(after, api.EventActivityCompleted, "Work"); c != 0 {
		t.Fatalf("expected late results to be discarded, got %d", c)
	}
	if reports.Load() != 0 {
		t.Fatalf("Report must not run after termination")
	}

	if err := h.engine.Terminate(context.Background(), id, "again"); !errors.Is(err, api.ErrInstanceTerminal) {
		t.Fatalf("expected ErrInstanceTerminal on second terminate, got %v", err)
	}
}

func TestTerminatedInstanceGetsNoNewWork(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	h.orchestrator("fan", fanOutThenReport)

	var calls atomic.Int64
	h.activity("Work", func(ctx context.Context, input api.Payload) (any, error) {
		calls.Add(1)
		return nil, nil
	})

	id := h.start("fan", 3)
	h.step() // first pass schedules three Work tasks
	if err := h.engine.Terminate(ctx, id, "stop"); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	h.drain()

	if calls.Load() != 0 {
		t.Fatalf("expected queued activities to be skipped, %d ran", calls.Load())
	}
}

func TestDuplicateResultIsIgnored(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	h.orchestrator("one", func(ctx *workflowContext) (any, error) {
		var s string
		err := ctx.CallActivity("Echo", "x").Await(&s)
		return s, err
	})

	id := h.start("one", nil)
	h.step()

	events := h.history(id)
	if len(events) != 2 || events[1].Type != api.EventActivityScheduled {
		t.Fatalf("expected started + scheduled, got %+v", events)
	}

	out, _ := api.EncodePayload("first")
	if err := h.engine.ReportResult(ctx, id, 2, out, nil); err != nil {
		t.Fatalf("ReportResult: %v", err)
	}
	again, _ := api.EncodePayload("second")
	if err := h.engine.ReportResult(ctx, id, 2, again, nil); err != nil {
		t.Fatalf("duplicate ReportResult: %v", err)
	}
	if err := h.engine.ReportResult(ctx, id, 2, nil, errors.New("late failure")); err != nil {
		t.Fatalf("duplicate failing ReportResult: %v", err)
	}

	// Drop the queued activity task; only the passes remain relevant.
	for h.queue.Len() > 0 {
		dctx, cancel := context.WithTimeout(ctx, time.Second)
		task, err := h.queue.Dequeue(dctx)
		cancel()
		if err != nil {
			t.Fatalf("Dequeue: %v", err)
		}
		if task.Type == taskqueue.TaskTypeOrchestrate {
			if err := h.engine.RunPass(ctx, task.InstanceID); err != nil {
				t.Fatalf("RunPass: %v", err)
			}
		}
	}

	inst := h.instance(id)
	if inst.Status != api.StatusCompleted {
		t.Fatalf("expected %s, got %s", api.StatusCompleted, inst.Status)
	}
	var got string
	if err := inst.DecodeOutput(&got); err != nil {
		t.Fatalf("DecodeOutput: %v", err)
	}
	if got != "first" {
		t.Fatalf("expected first result to win, got %q", got)
	}
	if c := countEvents(h.history(id), api.EventActivityCompleted, ""); c != 1 {
		t.Fatalf("expected one completion event, got %d", c)
	}
}

func TestReportResultValidation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	h.orchestrator("one", func(ctx *workflowContext) (any, error) {
		return nil, ctx.CallActivity("Echo", "x").Await(nil)
	})

	if err := h.engine.ReportResult(ctx, "ghost", 2, nil, nil); err != nil {
		t.Fatalf("expected result for unknown instance to be discarded, got %v", err)
	}

	id := h.start("one", nil)
	h.step()

	if err := h.engine.ReportResult(ctx, id, 1, nil, nil); err == nil {
		t.Fatalf("expected error for result of a non-activity event")
	}
	if err := h.engine.ReportResult(ctx, id, 42, nil, nil); err == nil {
		t.Fatalf("expected error for result of a missing event")
	}
	if err := h.engine.ReportTimerFired(ctx, id, 2); err == nil {
		t.Fatalf("expected error for timer result of an activity event")
	}
}

func TestNonDeterminismFailsInstance(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})

	var city atomic.Value
	city.Store("Paris")
	h.orchestrator("fickle", func(ctx *workflowContext) (any, error) {
		var s string
		err := ctx.CallActivity("Hello", city.Load().(string)).Await(&s)
		return s, err
	})

	id := h.start("fickle", nil)
	h.step() // schedules Hello("Paris")

	city.Store("Tokyo")
	out, _ := api.EncodePayload("Hello Paris!")
	if err := h.engine.ReportResult(ctx, id, 2, out, nil); err != nil {
		t.Fatalf("ReportResult: %v", err)
	}
	if err := h.engine.RunPass(ctx, id); err != nil {
		t.Fatalf("RunPass: %v", err)
	}

	inst := h.instance(id)
	if inst.Status != api.StatusFailed {
		t.Fatalf("expected %s, got %s", api.StatusFailed, inst.Status)
	}
	if !strings.Contains(inst.Error, api.ErrNonDeterminism.Error()) {
		t.Fatalf("expected non-determinism error, got %q", inst.Error)
	}

	events := h.history(id)
	last := events[len(events)-1]
	if last.Type != api.EventOrchestratorCompleted || last.Error == "" {
		t.Fatalf("expected history closed with an error, got %+v", last)
	}
}

func TestMissingOrchestratorFailsInstance(t *testing.T) {
	ctx := context.Background()
	store := persistence.NewInMemoryStore()

	h1 := newHarness(t, Config{Store: store})
	h1.orchestrator("gone", func(ctx *workflowContext) (any, error) { return nil, nil })
	id := h1.start("gone", nil)

	// A process without the orchestrator registered picks up the instance.
	h2 := newHarness(t, Config{Store: store})
	if err := h2.engine.RunPass(ctx, id); err != nil {
		t.Fatalf("RunPass: %v", err)
	}

	inst := h2.instance(id)
	if inst.Status != api.StatusFailed {
		t.Fatalf("expected %s, got %s", api.StatusFailed, inst.Status)
	}
	if !strings.Contains(inst.Error, api.ErrOrchestratorNotFound.Error()) {
		t.Fatalf("unexpected error %q", inst.Error)
	}
}

func TestTimerRoundTrip(t *testing.T) {
	h := newHarness(t, Config{})
	h.orchestrator("sleepy", func(ctx *workflowContext) (any, error) {
		before := ctx.Now()
		if err := ctx.CreateTimer(30 * time.Millisecond).Await(nil); err != nil {
			return nil, err
		}
		return ctx.Now().Sub(before) >= 30*time.Millisecond, nil
	})

	begin := time.Now()
	id := h.start("sleepy", nil)
	h.drain()

	if elapsed := time.Since(begin); elapsed < 30*time.Millisecond {
		t.Fatalf("timer fired after %v", elapsed)
	}

	inst := h.instance(id)
	if inst.Status != api.StatusCompleted {
		t.Fatalf("expected %s, got %s (%s)", api.StatusCompleted, inst.Status, inst.Error)
	}
	var elapsedOK bool
	if err := inst.DecodeOutput(&elapsedOK); err != nil {
		t.Fatalf("DecodeOutput: %v", err)
	}
	if !elapsedOK {
		t.Fatalf("expected orchestration clock to advance past the timer")
	}

	events := h.history(id)
	if countEvents(events, api.EventTimerCreated, "") != 1 || countEvents(events, api.EventTimerFired, "") != 1 {
		t.Fatalf("expected one timer created and fired, got %+v", events)
	}
}

func TestRecoverResubmitsOutstandingWork(t *testing.T) {
	ctx := context.Background()
	store := persistence.NewInMemoryStore()

	// The first process schedules the activity and dies with its queue.
	h1 := newHarness(t, Config{Store: store})
	h1.orchestrator("one", func(ctx *workflowContext) (any, error) {
		var s string
		err := ctx.CallActivity("Echo", "hi").Await(&s)
		return s, err
	})
	id := h1.start("one", nil)
	h1.step()

	h2 := newHarness(t, Config{Store: store})
	h2.orchestrator("one", func(ctx *workflowContext) (any, error) {
		var s string
		err := ctx.CallActivity("Echo", "hi").Await(&s)
		return s, err
	})
	h2.activity("Echo", func(ctx context.Context, input api.Payload) (any, error) {
		var s string
		if err := input.Decode(&s); err != nil {
			return nil, err
		}
		return s + "!", nil
	})

	n, err := h2.engine.Recover(ctx)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 recovered instance, got %d", n)
	}
	h2.drain()

	inst := h2.instance(id)
	if inst.Status != api.StatusCompleted {
		t.Fatalf("expected %s, got %s (%s)", api.StatusCompleted, inst.Status, inst.Error)
	}
	var out string
	if err := inst.DecodeOutput(&out); err != nil {
		t.Fatalf("DecodeOutput: %v", err)
	}
	if out != "hi!" {
		t.Fatalf("unexpected output %q", out)
	}
	if c := countEvents(h2.history(id), api.EventActivityScheduled, "Echo"); c != 1 {
		t.Fatalf("recovery must not schedule the activity again, got %d", c)
	}
}

type fakeArchiver struct {
	mu       sync.Mutex
	archived map[string][]api.HistoryEvent
	err      error
}

func (a *fakeArchiver) Archive(ctx context.Context, inst *api.Instance, events []api.HistoryEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	if a.archived == nil {
		a.archived = make(map[string][]api.HistoryEvent)
	}
	a.archived[inst.ID] = events
	return nil
}

func TestPurge(t *testing.T) {
	ctx := context.Background()
	archiver := &fakeArchiver{}
	h := newHarness(t, Config{Archiver: archiver})
	h.orchestrator("one", func(ctx *workflowContext) (any, error) {
		return nil, ctx.CallActivity("Echo", "x").Await(nil)
	})
	h.activity("Echo", func(ctx context.Context, input api.Payload) (any, error) { return nil, nil })

	id := h.start("one", nil)
	h.step()

	if err := h.engine.Purge(ctx, id); !errors.Is(err, api.ErrInstanceNotTerminal) {
		t.Fatalf("expected ErrInstanceNotTerminal, got %v", err)
	}

	h.drain()
	want := len(h.history(id))

	if err := h.engine.Purge(ctx, id); err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if _, err := h.engine.GetInstance(ctx, id); !errors.Is(err, api.ErrInstanceNotFound) {
		t.Fatalf("expected purged instance to be gone, got %v", err)
	}
	if got := len(archiver.archived[id]); got != want {
		t.Fatalf("archived %d events, want %d", got, want)
	}
	if err := h.engine.Purge(ctx, id); !errors.Is(err, api.ErrInstanceNotFound) {
		t.Fatalf("expected ErrInstanceNotFound on second purge, got %v", err)
	}
}

func TestPurgeKeepsInstanceWhenArchiveFails(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{Archiver: &fakeArchiver{err: errors.New("bucket gone")}})
	h.orchestrator("noop", func(ctx *workflowContext) (any, error) { return nil, nil })

	id := h.start("noop", nil)
	h.drain()

	if err := h.engine.Purge(ctx, id); err == nil {
		t.Fatalf("expected archive error")
	}
	if inst := h.instance(id); inst.Status != api.StatusCompleted {
		t.Fatalf("expected instance to survive failed purge, got %s", inst.Status)
	}
}

func TestManyInstancesRunConcurrently(t *testing.T) {
	const instances = 20
	h := newHarness(t, Config{})
	h.orchestrator("fan", fanOutThenReport)
	h.activity("Work", func(ctx context.Context, input api.Payload) (any, error) {
		var i int
		if err := input.Decode(&i); err != nil {
			return nil, err
		}
		return fmt.Sprintf("item-%d", i), nil
	})
	h.activity("Report", func(ctx context.Context, input api.Payload) (any, error) { return nil, nil })

	stop := h.run(8)
	defer stop()

	ids := make([]string, 0, instances)
	for i := 0; i < instances; i++ {
		ids = append(ids, h.start("fan", 4))
	}
	for _, id := range ids {
		h.waitStatus(id, api.StatusCompleted)
		events := h.history(id)
		assertContiguous(t, events)
		if c := countEvents(events, api.EventActivityCompleted, "Work"); c != 4 {
			t.Fatalf("instance %s: expected 4 Work results, got %d", id, c)
		}
	}
}

func TestRetriedActivityRecordsOneResult(t *testing.T) {
	h := newHarness(t, Config{})
	h.orchestrator("one", func(ctx *workflowContext) (any, error) {
		var s string
		err := ctx.CallActivity("Flaky", nil).Await(&s)
		return s, err
	})

	var attempts atomic.Int64
	h.activity("Flaky", func(ctx context.Context, input api.Payload) (any, error) {
		if attempts.Add(1) < 3 {
			return nil, errors.New("transient")
		}
		return "ok", nil
	}, worker.WithRetry(api.RetryPolicy{MaxAttempts: 5, InitialBackoff: time.Millisecond}))

	id := h.start("one", nil)
	h.drain()

	if inst := h.instance(id); inst.Status != api.StatusCompleted {
		t.Fatalf("expected %s, got %s (%s)", api.StatusCompleted, inst.Status, inst.Error)
	}
	events := h.history(id)
	if countEvents(events, api.EventActivityCompleted, "Flaky") != 1 || countEvents(events, api.EventActivityFailed, "") != 0 {
		t.Fatalf("expected exactly one completion and no failures, got %+v", events)
	}
	if attempts.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts.Load())
	}
}
