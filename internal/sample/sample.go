// Package sample contains the demo orchestration: three chained Hello calls
// followed by a fan-out of BruteForce calls sized by Workload and joined
// before WorkCompleted.
package sample

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/petrijr/replayflow/pkg/api"
	"github.com/petrijr/replayflow/pkg/worker"
	"github.com/petrijr/replayflow/pkg/workflow"
)

const (
	OrchestratorName = "ChainingFanOut"

	ActivityHello         = "Hello"
	ActivityWorkload      = "Workload"
	ActivityBruteForce    = "BruteForce"
	ActivityWorkCompleted = "WorkCompleted"
)

// Cities are greeted in this order.
var Cities = []string{"Tokyo", "Seattle", "London"}

// Orchestrator greets Cities one after another, then fans out one
// BruteForce call per work item and reports the count once all are done.
// It returns the greetings.
func Orchestrator(ctx *workflow.Context) (any, error) {
	log := ctx.Logger()

	// A per-instance execution number, fixed on first use.
	var execution int64
	if err := ctx.SideEffect(func() any { return executions.Add(1) }, &execution); err != nil {
		return nil, err
	}

	outputs := make([]string, 0, len(Cities))
	for i, city := range Cities {
		log.Info("calling hello", "step", i+1, "city", city)
		var greeting string
		if err := ctx.CallActivity(ActivityHello, city).Await(&greeting); err != nil {
			return nil, err
		}
		outputs = append(outputs, greeting)
	}
	log.Info("chaining done", "execution", execution)

	var items int
	if err := ctx.CallActivity(ActivityWorkload, "Work Name").Await(&items); err != nil {
		return nil, err
	}

	tasks := make([]*workflow.Task, 0, items)
	for i := 0; i < items; i++ {
		tasks = append(tasks, ctx.CallActivity(ActivityBruteForce, fmt.Sprintf("Work Item %d", i)))
	}
	if err := ctx.WhenAll(tasks...); err != nil {
		return nil, err
	}

	if err := ctx.CallActivity(ActivityWorkCompleted, len(tasks)).Await(nil); err != nil {
		return nil, err
	}
	return outputs, nil
}

// executions hands out process-wide execution numbers. The orchestrator
// reads it only through SideEffect.
var executions atomic.Int64

// Options tunes the demo activities.
type Options struct {
	// MaxSleep bounds the random pause of Hello and BruteForce.
	MaxSleep time.Duration

	// WorkItems fixes the Workload result. Zero or less picks a random
	// count below 100.
	WorkItems int

	// OnWorkCompleted, if set, receives the count passed to WorkCompleted.
	OnWorkCompleted func(count int)

	Logger *slog.Logger
}

// Activities implements the demo activities.
type Activities struct {
	opts Options
}

// NewActivities returns the activities configured by opts.
func NewActivities(opts Options) *Activities {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Activities{opts: opts}
}

func (a *Activities) sleep(ctx context.Context) error {
	if a.opts.MaxSleep <= 0 {
		return nil
	}
	d := rand.N(a.opts.MaxSleep)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// Hello greets the city given as input.
func (a *Activities) Hello(ctx context.Context, input api.Payload) (any, error) {
	var city string
	if err := input.Decode(&city); err != nil {
		return nil, api.NonRetryable(err)
	}
	if err := a.sleep(ctx); err != nil {
		return nil, err
	}
	a.opts.Logger.Info("saying hello", "city", city)
	return fmt.Sprintf("Hello %s!", city), nil
}

// Workload returns the number of work items to fan out.
func (a *Activities) Workload(ctx context.Context, input api.Payload) (any, error) {
	n := a.opts.WorkItems
	if n <= 0 {
		n = rand.IntN(100)
	}
	a.opts.Logger.Info("adding work items", "count", n)
	return n, nil
}

// BruteForce pretends to process one work item.
func (a *Activities) BruteForce(ctx context.Context, input api.Payload) (any, error) {
	var item string
	if err := input.Decode(&item); err != nil {
		return nil, api.NonRetryable(err)
	}
	if err := a.sleep(ctx); err != nil {
		return nil, err
	}
	a.opts.Logger.Info("work item done", "item", item)
	return nil, nil
}

// WorkCompleted logs the number of processed items.
func (a *Activities) WorkCompleted(ctx context.Context, input api.Payload) (any, error) {
	var count int
	if err := input.Decode(&count); err != nil {
		return nil, api.NonRetryable(err)
	}
	a.opts.Logger.Info("completed work items", "count", count)
	if a.opts.OnWorkCompleted != nil {
		a.opts.OnWorkCompleted(count)
	}
	return nil, nil
}

// Register adds the orchestrator to reg and the activities to w.
func Register(reg *workflow.Registry, w *worker.Worker, opts Options) error {
	if err := reg.Register(OrchestratorName, Orchestrator); err != nil {
		return err
	}

	acts := NewActivities(opts)
	for name, fn := range map[string]api.ActivityFunc{
		ActivityHello:         acts.Hello,
		ActivityWorkload:      acts.Workload,
		ActivityWorkCompleted: acts.WorkCompleted,
	} {
		if err := w.RegisterActivity(name, fn); err != nil {
			return err
		}
	}
	return w.RegisterActivity(ActivityBruteForce, acts.BruteForce, BruteForceRetry.Option())
}

// BruteForceRetry retries a work item a few times with a short backoff.
// A cancelled worker gives up at once.
var BruteForceRetry = worker.Retry(4).
	Backoff(100*time.Millisecond, 2, 2*time.Second).
	GiveUpOn(context.Canceled)
