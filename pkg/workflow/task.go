package workflow

import (
	"errors"

	"github.com/petrijr/replayflow/pkg/api"
)

// errBlocked unwinds an orchestrator that awaits a result not yet in
// history. errDiverged unwinds one whose calls do not match history.
var (
	errBlocked  = errors.New("workflow: task blocked")
	errDiverged = errors.New("workflow: replay diverged")
)

// Task is a pending or completed call issued by an orchestrator.
type Task struct {
	ctx  *Context
	seq  int64
	name string
	kind api.EventType

	done   bool
	output api.Payload
	err    error
}

func failedTask(c *Context, err error) *Task {
	return &Task{ctx: c, done: true, err: err}
}

// Seq returns the history position of the event that scheduled the task.
func (t *Task) Seq() int64 { return t.seq }

// IsComplete reports whether the task's result is already in history.
func (t *Task) IsComplete() bool {
	return t.resolve()
}

// Await returns the task's result, decoding activity output into v (which
// may be nil). When the result is not in history yet, the pass suspends
// here and the orchestrator resumes from the top on the next pass.
//
// A failed activity yields an *api.ActivityError.
func (t *Task) Await(v any) error {
	if !t.resolve() {
		panic(errBlocked)
	}
	if t.err != nil {
		return t.err
	}
	return t.output.Decode(v)
}

func (t *Task) resolve() bool {
	if t.done {
		return true
	}
	res, ok := t.ctx.idx.Results[t.seq]
	if !ok {
		return false
	}

	t.done = true
	t.ctx.advance(res.Timestamp)

	switch res.Type {
	case api.EventActivityCompleted:
		t.output = res.Output
	case api.EventActivityFailed:
		t.err = &api.ActivityError{Name: t.name, Seq: t.seq, Message: res.Error}
	}
	return true
}
