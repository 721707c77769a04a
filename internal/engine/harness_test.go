package engine

import (
	"context"
	"testing"
	"time"

	"github.com/petrijr/replayflow/internal/persistence"
	"github.com/petrijr/replayflow/internal/taskqueue"
	"github.com/petrijr/replayflow/pkg/api"
	"github.com/petrijr/replayflow/pkg/worker"
	"github.com/petrijr/replayflow/pkg/workflow"
)

type workflowContext = workflow.Context

// harness wires an engine, an in-memory queue and a worker around one
// registry. Tests drive it either step by step (drain) or with Run.
type harness struct {
	t        *testing.T
	store    persistence.Store
	queue    *taskqueue.InMemoryQueue
	registry *workflow.Registry
	engine   *engineImpl
	worker   *worker.Worker
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()

	if cfg.Store == nil {
		cfg.Store = persistence.NewInMemoryStore()
	}
	queue, ok := cfg.Queue.(*taskqueue.InMemoryQueue)
	if !ok {
		queue = taskqueue.NewInMemoryQueue(1024)
	}
	cfg.Queue = queue
	if cfg.Registry == nil {
		cfg.Registry = workflow.NewRegistry()
	}

	eng := newEngine(cfg)
	return &harness{
		t:        t,
		store:    cfg.Store,
		queue:    queue,
		registry: cfg.Registry,
		engine:   eng,
		worker:   worker.New(eng, queue),
	}
}

func (h *harness) orchestrator(name string, fn workflow.Orchestrator) {
	h.t.Helper()
	if err := h.registry.Register(name, fn); err != nil {
		h.t.Fatalf("Register(%s): %v", name, err)
	}
}

func (h *harness) activity(name string, fn api.ActivityFunc, opts ...worker.ActivityOption) {
	h.t.Helper()
	if err := h.worker.RegisterActivity(name, fn, opts...); err != nil {
		h.t.Fatalf("RegisterActivity(%s): %v", name, err)
	}
}

func (h *harness) start(name string, input any, opts ...api.StartOption) string {
	h.t.Helper()
	id, err := h.engine.StartOrchestration(context.Background(), name, input, opts...)
	if err != nil {
		h.t.Fatalf("StartOrchestration(%s): %v", name, err)
	}
	return id
}

// step processes exactly one queued task.
func (h *harness) step() {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	processed, err := h.worker.ProcessOne(ctx)
	if err != nil {
		h.t.Fatalf("ProcessOne: %v", err)
	}
	if !processed {
		h.t.Fatalf("ProcessOne: no task processed")
	}
}

// drain processes tasks one at a time until the queue is empty.
func (h *harness) drain() {
	h.t.Helper()
	for i := 0; h.queue.Len() > 0; i++ {
		if i > 10000 {
			h.t.Fatalf("queue did not drain")
		}
		h.step()
	}
}

// run starts concurrency worker goroutines and returns a function that
// stops them and waits for them to exit.
func (h *harness) run(concurrency int) (stop func()) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.worker.Run(ctx, concurrency)
	}()
	return func() {
		cancel()
		<-done
	}
}

func (h *harness) instance(id string) *api.Instance {
	h.t.Helper()
	inst, err := h.engine.GetInstance(context.Background(), id)
	if err != nil {
		h.t.Fatalf("GetInstance(%s): %v", id, err)
	}
	return inst
}

func (h *harness) history(id string) []api.HistoryEvent {
	h.t.Helper()
	events, err := h.engine.GetHistory(context.Background(), id)
	if err != nil {
		h.t.Fatalf("GetHistory(%s): %v", id, err)
	}
	return events
}

// waitStatus polls until the instance reaches want.
func (h *harness) waitStatus(id string, want api.Status) *api.Instance {
	h.t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for {
		inst := h.instance(id)
		if inst.Status == want {
			return inst
		}
		if time.Now().After(deadline) {
			h.t.Fatalf("instance %s: status %s, want %s", id, inst.Status, want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func countEvents(events []api.HistoryEvent, typ api.EventType, name string) int {
	n := 0
	for _, ev := range events {
		if ev.Type == typ && (name == "" || ev.Name == name) {
			n++
		}
	}
	return n
}

func assertContiguous(t *testing.T, events []api.HistoryEvent) {
	t.Helper()
	for i, ev := range events {
		if ev.Seq != int64(i)+1 {
			t.Fatalf("event %d has seq %d", i, ev.Seq)
		}
	}
}
