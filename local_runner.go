package replayflow

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/petrijr/replayflow/internal/taskqueue"
	"github.com/petrijr/replayflow/pkg/worker"
)

// LocalRunner bundles an in-memory Engine, an in-memory task queue, and a Worker
// to provide a simple "local runner" for development and debugging.
//
// Typical usage:
//
//	runner := replayflow.NewLocalRunner()
//	_ = runner.RegisterOrchestrator("greet", greet)
//	_ = runner.RegisterActivity("Hello", hello)
//	_ = runner.StartWorkers(ctx, 2)
//	defer runner.Stop()
//	id, _ := replayflow.Start(ctx, runner.Engine, "greet", nil)
//	inst, _ := replayflow.WaitForCompletion(ctx, runner.Engine, id, 0)
type LocalRunner struct {
	// Engine is the in-memory engine used by this runner.
	Engine Engine

	// Registry holds the orchestrators Engine can run.
	Registry *Registry

	// Queue is the in-memory task queue used by the Worker.
	Queue Queue

	// Worker processes tasks from Queue using Engine.
	Worker *worker.Worker

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewLocalRunner constructs a LocalRunner backed by an in-memory engine,
// in-memory queue, and a Worker with default config.
//
// This is intended for local development, tests, and simple single-process
// deployments.
func NewLocalRunner() *LocalRunner {
	return NewLocalRunnerWithConfig(worker.Config{})
}

// NewLocalRunnerWithConfig is NewLocalRunner with a custom worker config.
func NewLocalRunnerWithConfig(cfg worker.Config) *LocalRunner {
	reg := NewRegistry()
	q := taskqueue.NewInMemoryQueue(1024)
	eng := NewInMemoryEngine(reg, q)

	return &LocalRunner{
		Engine:   eng,
		Registry: reg,
		Queue:    q,
		Worker:   worker.NewWithConfig(eng, q, cfg),
	}
}

// RegisterOrchestrator makes fn available to Engine under name.
func (r *LocalRunner) RegisterOrchestrator(name string, fn Orchestrator) error {
	return r.Registry.Register(name, fn)
}

// RegisterActivity makes fn available to Worker under name.
func (r *LocalRunner) RegisterActivity(name string, fn ActivityFunc, opts ...worker.ActivityOption) error {
	return r.Worker.RegisterActivity(name, fn, opts...)
}

// StartWorkers starts 'concurrency' worker goroutines that continuously call
// Worker.ProcessOne(ctx) until the context is cancelled via Stop.
//
// If StartWorkers is called more than once without Stop, it returns an error.
func (r *LocalRunner) StartWorkers(ctx context.Context, concurrency int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return errors.New("replayflow: LocalRunner already started")
	}

	if concurrency <= 0 {
		concurrency = 1
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.running = true

	r.wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func() {
			defer r.wg.Done()

			for {
				_, err := r.Worker.ProcessOne(ctx)
				if err == nil {
					continue
				}
				// For local runner we treat cancellation as a clean shutdown signal.
				if ctx.Err() != nil {
					return
				}
				// For other errors, log and keep going so a single bad task
				// doesn't kill the worker loop.
				slog.Error("replayflow: local runner worker error", "error", err)
			}
		}()
	}

	return nil
}

// Stop cancels all worker goroutines started by StartWorkers and waits
// for them to exit.
func (r *LocalRunner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	cancel := r.cancel
	r.running = false
	r.cancel = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
}
