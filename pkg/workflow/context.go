package workflow

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/petrijr/replayflow/internal/history"
	"github.com/petrijr/replayflow/pkg/api"
)

// Context is handed to orchestrator functions. All interaction with the
// outside world goes through it so that every pass sees the same values.
//
// A Context is only valid for the duration of one pass and must not be
// shared with other goroutines.
type Context struct {
	instanceID string
	name       string
	input      api.Payload

	idx       *history.Index
	callIndex int
	nextSeq   int64
	newEvents []api.HistoryEvent

	now   time.Time
	clock func() time.Time

	logger *slog.Logger
	fatal  error
}

// InstanceID returns the id of the running instance.
func (c *Context) InstanceID() string { return c.instanceID }

// Name returns the orchestrator name the instance was started with.
func (c *Context) Name() string { return c.name }

// GetInput decodes the instance input into v.
func (c *Context) GetInput(v any) error {
	return c.input.Decode(v)
}

// IsReplaying reports whether the orchestrator is still re-executing code
// whose calls are already recorded in history.
func (c *Context) IsReplaying() bool {
	return c.callIndex < len(c.idx.Scheduled)
}

// Now returns the orchestration clock. It starts at the instance start time
// and advances to the timestamp of each result the orchestrator consumes,
// so it is identical on every replay.
func (c *Context) Now() time.Time { return c.now }

// Logger returns a logger that drops records while IsReplaying is true, so
// each message is emitted once per instance rather than once per pass.
func (c *Context) Logger() *slog.Logger {
	return slog.New(&replayHandler{inner: c.logger.Handler(), ctx: c})
}

// CallActivity schedules the named activity with input. The returned task
// resolves once the activity's terminal outcome is in history.
func (c *Context) CallActivity(name string, input any) *Task {
	payload, err := api.EncodePayload(input)
	if err != nil {
		return failedTask(c, fmt.Errorf("encode input of activity %s: %w", name, err))
	}
	ev := c.claim(api.HistoryEvent{Type: api.EventActivityScheduled, Name: name, Input: payload})
	return &Task{ctx: c, seq: ev.Seq, name: name, kind: ev.Type}
}

// CreateTimer schedules a durable timer that fires d after Now.
func (c *Context) CreateTimer(d time.Duration) *Task {
	ev := c.claim(api.HistoryEvent{Type: api.EventTimerCreated, FireAt: c.now.Add(d)})
	return &Task{ctx: c, seq: ev.Seq, kind: ev.Type}
}

// SideEffect runs fn once, records its result in history and decodes the
// recorded value into v on this and every later pass. Use it for values
// such as random numbers, generated ids or counters.
func (c *Context) SideEffect(fn func() any, v any) error {
	if c.callIndex < len(c.idx.Scheduled) {
		ev := c.claim(api.HistoryEvent{Type: api.EventSideEffectRecorded})
		return ev.Output.Decode(v)
	}
	out, err := api.EncodePayload(fn())
	if err != nil {
		return fmt.Errorf("encode side effect: %w", err)
	}
	ev := c.claim(api.HistoryEvent{Type: api.EventSideEffectRecorded, Output: out})
	return ev.Output.Decode(v)
}

// WhenAll waits until every task has a recorded result. It then returns the
// first failure in argument order, or nil.
func (c *Context) WhenAll(tasks ...*Task) error {
	pending := false
	for _, t := range tasks {
		if !t.resolve() {
			pending = true
		}
	}
	if pending {
		panic(errBlocked)
	}
	for _, t := range tasks {
		if t.err != nil {
			return t.err
		}
	}
	return nil
}

// claim assigns the next slot of the call sequence to want. On a replay hit
// it returns the recorded event; otherwise it records want as a new event.
func (c *Context) claim(want api.HistoryEvent) api.HistoryEvent {
	i := c.callIndex
	c.callIndex++

	if i < len(c.idx.Scheduled) {
		rec := c.idx.Scheduled[i]
		if !sameCall(rec, want) {
			c.fatal = &api.NonDeterminismError{
				Seq:      rec.Seq,
				Expected: describe(rec),
				Actual:   describe(want),
			}
			panic(errDiverged)
		}
		return rec
	}

	want.Seq = c.nextSeq
	want.Timestamp = c.clock()
	c.nextSeq++
	c.newEvents = append(c.newEvents, want)
	return want
}

func (c *Context) advance(t time.Time) {
	if t.After(c.now) {
		c.now = t
	}
}

func sameCall(rec, want api.HistoryEvent) bool {
	if rec.Type != want.Type {
		return false
	}
	if rec.Type == api.EventActivityScheduled {
		return rec.Name == want.Name && bytes.Equal(rec.Input, want.Input)
	}
	return true
}

func describe(ev api.HistoryEvent) string {
	switch ev.Type {
	case api.EventActivityScheduled:
		return fmt.Sprintf("activity %s(%s)", ev.Name, ev.Input)
	case api.EventTimerCreated:
		return "timer"
	case api.EventSideEffectRecorded:
		return "side effect"
	}
	return string(ev.Type)
}

// replayHandler suppresses records while the orchestrator is replaying.
type replayHandler struct {
	inner slog.Handler
	ctx   *Context
}

func (h *replayHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return !h.ctx.IsReplaying() && h.inner.Enabled(ctx, level)
}

func (h *replayHandler) Handle(ctx context.Context, r slog.Record) error {
	return h.inner.Handle(ctx, r)
}

func (h *replayHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &replayHandler{inner: h.inner.WithAttrs(attrs), ctx: h.ctx}
}

func (h *replayHandler) WithGroup(name string) slog.Handler {
	return &replayHandler{inner: h.inner.WithGroup(name), ctx: h.ctx}
}
