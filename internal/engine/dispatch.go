package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/petrijr/replayflow/internal/history"
	"github.com/petrijr/replayflow/internal/taskqueue"
	"github.com/petrijr/replayflow/pkg/api"
)

// work is what a replay pass hands to the dispatcher once the instance
// lock is released.
type work struct {
	activities []api.ActivityTask
	timers     []api.HistoryEvent
	pass       bool
}

func (w work) empty() bool {
	return len(w.activities) == 0 && len(w.timers) == 0 && !w.pass
}

// dispatch submits w to the queue. It never waits for the work to run.
func (e *engineImpl) dispatch(ctx context.Context, instanceID string, w work) error {
	var errs []error
	for _, t := range w.activities {
		errs = append(errs, e.submit(ctx, t))
	}
	for _, ev := range w.timers {
		errs = append(errs, e.submitTimer(ctx, instanceID, ev))
	}
	if w.pass {
		errs = append(errs, e.enqueuePass(ctx, instanceID))
	}
	if err := errors.Join(errs...); err != nil {
		e.logger.Error("dispatch failed; Recover will resubmit",
			"instance_id", instanceID,
			"error", err,
		)
		return fmt.Errorf("dispatch work of %s: %w", instanceID, err)
	}
	return nil
}

// submit enqueues one activity invocation.
func (e *engineImpl) submit(ctx context.Context, t api.ActivityTask) error {
	return e.queue.Enqueue(ctx, taskqueue.Task{
		ID:         e.newID(),
		Type:       taskqueue.TaskTypeActivity,
		InstanceID: t.InstanceID,
		Seq:        t.Seq,
		Name:       t.Name,
		Input:      t.Input,
		EnqueuedAt: e.clock(),
	})
}

// submitTimer enqueues the task that fires the timer created by ev.
func (e *engineImpl) submitTimer(ctx context.Context, instanceID string, ev api.HistoryEvent) error {
	return e.queue.Enqueue(ctx, taskqueue.Task{
		ID:         e.newID(),
		Type:       taskqueue.TaskTypeTimer,
		InstanceID: instanceID,
		Seq:        ev.Seq,
		EnqueuedAt: e.clock(),
		NotBefore:  ev.FireAt,
	})
}

// enqueuePass requests a replay pass for the instance.
func (e *engineImpl) enqueuePass(ctx context.Context, instanceID string) error {
	return e.queue.Enqueue(ctx, taskqueue.Task{
		ID:         e.newID(),
		Type:       taskqueue.TaskTypeOrchestrate,
		InstanceID: instanceID,
		EnqueuedAt: e.clock(),
	})
}

// outstandingWork rebuilds the work for scheduling events that have no
// recorded result.
func outstandingWork(instanceID string, events []api.HistoryEvent) work {
	var w work
	for _, ev := range history.NewIndex(events).Outstanding() {
		switch ev.Type {
		case api.EventActivityScheduled:
			w.activities = append(w.activities, api.ActivityTask{
				InstanceID: instanceID,
				Seq:        ev.Seq,
				Name:       ev.Name,
				Input:      ev.Input,
			})
		case api.EventTimerCreated:
			w.timers = append(w.timers, ev)
		}
	}
	return w
}
