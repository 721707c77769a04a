package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/petrijr/replayflow/internal/taskqueue"
	"github.com/petrijr/replayflow/pkg/api"
)

// Config controls retries, timeouts and reporting of a Worker.
type Config struct {
	// Retry is the default policy for activities registered without their
	// own. The zero value runs each activity once.
	Retry api.RetryPolicy

	// ActivityTimeout bounds each attempt. Zero means no timeout.
	ActivityTimeout time.Duration

	Observer api.Observer
	Logger   *slog.Logger
}

type activity struct {
	fn    api.ActivityFunc
	retry *api.RetryPolicy
}

// ActivityOption configures a registered activity.
type ActivityOption func(*activity)

// WithRetry overrides the worker's default retry policy for one activity.
func WithRetry(policy api.RetryPolicy) ActivityOption {
	return func(a *activity) {
		a.retry = &policy
	}
}

// Worker pulls tasks from a Queue and executes them using an Engine.
type Worker struct {
	engine api.Engine
	queue  taskqueue.Queue
	cfg    Config

	mu         sync.RWMutex
	activities map[string]activity
}

// New creates a new Worker with default config.
func New(engine api.Engine, queue taskqueue.Queue) *Worker {
	return NewWithConfig(engine, queue, Config{})
}

// NewWithConfig creates a new Worker with the given config.
func NewWithConfig(engine api.Engine, queue taskqueue.Queue, cfg Config) *Worker {
	if cfg.Observer == nil {
		cfg.Observer = api.NoopObserver{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Worker{
		engine:     engine,
		queue:      queue,
		cfg:        cfg,
		activities: make(map[string]activity),
	}
}

// RegisterActivity makes fn available under name.
func (w *Worker) RegisterActivity(name string, fn api.ActivityFunc, opts ...ActivityOption) error {
	if name == "" {
		return errors.New("activity name is required")
	}
	if fn == nil {
		return fmt.Errorf("activity %q has no function", name)
	}

	a := activity{fn: fn}
	for _, opt := range opts {
		opt(&a)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, exists := w.activities[name]; exists {
		return fmt.Errorf("activity %q already registered", name)
	}
	w.activities[name] = a
	return nil
}

func (w *Worker) lookup(name string) (activity, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	a, ok := w.activities[name]
	if !ok {
		return activity{}, fmt.Errorf("%w: %s", api.ErrActivityNotFound, name)
	}
	return a, nil
}

// Run processes tasks with concurrency goroutines until ctx is cancelled.
// Task errors are logged and do not stop the loop.
func (w *Worker) Run(ctx context.Context, concurrency int) {
	if concurrency <= 0 {
		concurrency = 1
	}

	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func() {
			defer wg.Done()

			var backoff time.Duration
			for {
				processed, err := w.ProcessOne(ctx)
				if err == nil {
					backoff = 0
					continue
				}
				if ctx.Err() != nil {
					return
				}
				if processed {
					backoff = 0
					w.cfg.Logger.Error("worker task failed", "error", err)
					continue
				}

				// The queue itself failed; retrying at once would spin.
				backoff = nextDequeueBackoff(backoff)
				w.cfg.Logger.Error("dequeue failed", "error", err, "retry_in", backoff)
				select {
				case <-ctx.Done():
					return
				case <-time.After(backoff):
				}
			}
		}()
	}
	wg.Wait()
}

const (
	minDequeueBackoff = 50 * time.Millisecond
	maxDequeueBackoff = 5 * time.Second
)

func nextDequeueBackoff(prev time.Duration) time.Duration {
	if prev <= 0 {
		return minDequeueBackoff
	}
	return min(2*prev, maxDequeueBackoff)
}

// ProcessOne pulls a single task from the queue and processes it.
// Returns (processed, error):
//   - processed == false: no task was obtained (ctx cancelled or the queue failed)
//   - processed == true: a task was processed; err indicates whether handling it succeeded.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	task, err := w.queue.Dequeue(ctx)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, nil
	}

	switch task.Type {
	case taskqueue.TaskTypeOrchestrate:
		return true, w.engine.RunPass(ctx, task.InstanceID)

	case taskqueue.TaskTypeTimer:
		if !task.Due(time.Now()) {
			// The queue released it early; put it back.
			return true, w.queue.Enqueue(ctx, *task)
		}
		return true, w.engine.ReportTimerFired(ctx, task.InstanceID, task.Seq)

	case taskqueue.TaskTypeActivity:
		return true, w.execute(ctx, task.ActivityTask())

	default:
		// Unknown task type; mark as processed but return an error so this isn't silently ignored.
		return true, errors.New("unknown task type: " + string(task.Type))
	}
}

// execute runs one activity to its terminal outcome and reports it.
// Intermediate failures are retried here and never reach the history.
func (w *Worker) execute(ctx context.Context, t api.ActivityTask) error {
	active, err := w.engine.IsActive(ctx, t.InstanceID)
	if err != nil {
		return err
	}
	if !active {
		w.cfg.Logger.Debug("skipping activity of inactive instance",
			"instance_id", t.InstanceID,
			"activity", t.Name,
			"seq", t.Seq,
		)
		return nil
	}

	a, err := w.lookup(t.Name)
	if err != nil {
		return w.engine.ReportResult(ctx, t.InstanceID, t.Seq, nil, err)
	}

	policy := w.cfg.Retry
	if a.retry != nil {
		policy = *a.retry
	}
	attempts := policy.Attempts()

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		out, err := w.attempt(ctx, a.fn, t, attempt)
		if err == nil {
			return w.engine.ReportResult(ctx, t.InstanceID, t.Seq, out, nil)
		}
		lastErr = err

		if policy.GivesUpOn(err) || attempt == attempts {
			break
		}

		if delay := policy.Delay(attempt); delay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		// Results of terminated instances are discarded anyway.
		if active, err := w.engine.IsActive(ctx, t.InstanceID); err == nil && !active {
			return nil
		}
	}

	return w.engine.ReportResult(ctx, t.InstanceID, t.Seq, nil, lastErr)
}

func (w *Worker) attempt(ctx context.Context, fn api.ActivityFunc, t api.ActivityTask, attempt int) (out api.Payload, err error) {
	actx := api.WithActivityInfo(ctx, api.ActivityInfo{
		InstanceID: t.InstanceID,
		Seq:        t.Seq,
		Name:       t.Name,
		Attempt:    attempt,
	})
	if w.cfg.ActivityTimeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(actx, w.cfg.ActivityTimeout)
		defer cancel()
	}

	w.cfg.Observer.OnActivityStart(ctx, t, attempt)
	start := time.Now()
	defer func() {
		w.cfg.Observer.OnActivityCompleted(ctx, t, attempt, err, time.Since(start))
	}()

	value, err := invoke(actx, fn, t.Input)
	if err != nil {
		return nil, err
	}

	out, err = api.EncodePayload(value)
	if err != nil {
		return nil, api.NonRetryable(fmt.Errorf("encode output of %s: %w", t.Name, err))
	}
	return out, nil
}

// invoke calls fn and turns a panic into an error.
func invoke(ctx context.Context, fn api.ActivityFunc, input api.Payload) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = fmt.Errorf("activity panic: %v", r)
		}
	}()
	return fn(ctx, input)
}
