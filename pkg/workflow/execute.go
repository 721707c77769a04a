package workflow

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/petrijr/replayflow/internal/history"
	"github.com/petrijr/replayflow/pkg/api"
)

// Result is the outcome of one replay pass.
type Result struct {
	// NewEvents are the events the pass recorded, with sequence numbers
	// continuing the history it replayed. When Completed is true the last
	// one is the OrchestratorCompleted event.
	NewEvents []api.HistoryEvent

	// Completed is true when the orchestrator returned.
	Completed bool

	// Output is the encoded return value of a successful orchestrator.
	Output api.Payload

	// Err is the error the orchestrator returned (or panicked with).
	Err error

	// Fatal is set when the history cannot be replayed, e.g. on
	// non-determinism. NewEvents is empty in that case.
	Fatal error
}

// ActivityTasks returns the activities scheduled by the pass.
func (r *Result) ActivityTasks(instanceID string) []api.ActivityTask {
	var out []api.ActivityTask
	for _, ev := range r.NewEvents {
		if ev.Type != api.EventActivityScheduled {
			continue
		}
		out = append(out, api.ActivityTask{
			InstanceID: instanceID,
			Seq:        ev.Seq,
			Name:       ev.Name,
			Input:      ev.Input,
		})
	}
	return out
}

// Timers returns the TimerCreated events recorded by the pass.
func (r *Result) Timers() []api.HistoryEvent {
	var out []api.HistoryEvent
	for _, ev := range r.NewEvents {
		if ev.Type == api.EventTimerCreated {
			out = append(out, ev)
		}
	}
	return out
}

type executeOptions struct {
	clock  func() time.Time
	logger *slog.Logger
}

// ExecuteOption configures Execute.
type ExecuteOption func(*executeOptions)

// WithClock sets the clock used to timestamp new events.
func WithClock(clock func() time.Time) ExecuteOption {
	return func(o *executeOptions) {
		o.clock = clock
	}
}

// WithLogger sets the logger behind Context.Logger.
func WithLogger(logger *slog.Logger) ExecuteOption {
	return func(o *executeOptions) {
		o.logger = logger
	}
}

// Execute runs one replay pass of fn over events, the complete history of
// instanceID. The history must start with an OrchestratorStarted event and
// must not be closed.
func Execute(fn Orchestrator, instanceID string, events []api.HistoryEvent, opts ...ExecuteOption) *Result {
	o := executeOptions{
		clock:  time.Now,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(&o)
	}

	idx := history.NewIndex(events)
	if idx.Started == nil {
		return &Result{Fatal: fmt.Errorf("history of instance %s has no %s event", instanceID, api.EventOrchestratorStarted)}
	}
	if idx.Terminal != nil {
		return &Result{Fatal: fmt.Errorf("%w: history of instance %s is closed", api.ErrInstanceTerminal, instanceID)}
	}

	ctx := &Context{
		instanceID: instanceID,
		name:       idx.Started.Name,
		input:      idx.Started.Input,
		idx:        idx,
		nextSeq:    int64(len(events)) + 1,
		now:        idx.Started.Timestamp,
		clock:      o.clock,
		logger:     o.logger,
	}

	out, blocked, err := run(fn, ctx)

	if ctx.fatal != nil {
		return &Result{Fatal: ctx.fatal}
	}
	if blocked {
		return &Result{NewEvents: ctx.newEvents}
	}

	if ctx.callIndex < len(idx.Scheduled) {
		rec := idx.Scheduled[ctx.callIndex]
		return &Result{Fatal: &api.NonDeterminismError{
			Seq:      rec.Seq,
			Expected: describe(rec),
			Actual:   "orchestrator completion",
		}}
	}

	res := &Result{Completed: true, Err: err}
	if err == nil {
		res.Output, res.Err = api.EncodePayload(out)
		if res.Err != nil {
			res.Err = fmt.Errorf("encode orchestrator output: %w", res.Err)
		}
	}

	final := api.HistoryEvent{
		Seq:       ctx.nextSeq,
		Type:      api.EventOrchestratorCompleted,
		Timestamp: ctx.clock(),
	}
	if res.Err != nil {
		final.Error = res.Err.Error()
		res.Output = nil
	} else {
		final.Output = res.Output
	}
	res.NewEvents = append(ctx.newEvents, final)
	return res
}

// run invokes fn and converts the replay sentinels back into flags. Any
// other panic is reported as an orchestrator error.
func run(fn Orchestrator, ctx *Context) (out any, blocked bool, err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		if e, ok := r.(error); ok {
			switch {
			case errors.Is(e, errBlocked):
				blocked = true
				return
			case errors.Is(e, errDiverged):
				return
			}
		}
		out = nil
		err = fmt.Errorf("orchestrator panic: %v", r)
	}()

	out, err = fn(ctx)
	return out, false, err
}
