// Package taskqueue carries work between the scheduler and workers.
package taskqueue

import (
	"context"
	"time"

	"github.com/petrijr/replayflow/pkg/api"
)

// TaskType identifies what the worker should do.
type TaskType string

const (
	// TaskTypeActivity executes one scheduled activity.
	TaskTypeActivity TaskType = "activity"
	// TaskTypeTimer fires a durable timer once NotBefore has passed.
	TaskTypeTimer TaskType = "timer"
	// TaskTypeOrchestrate runs a replay pass for an instance.
	TaskTypeOrchestrate TaskType = "orchestrate"
)

// Task represents a unit of work for the worker.
type Task struct {
	ID   string
	Type TaskType

	InstanceID string

	// Seq is the history position of the scheduling event for activity and
	// timer tasks.
	Seq int64

	// Name and Input describe the activity call.
	Name  string
	Input api.Payload

	EnqueuedAt time.Time

	// NotBefore is the earliest time this task should be eligible
	// for processing. Zero value means "immediately" (i.e., at enqueue time).
	NotBefore time.Time
}

// Due reports whether the task may be processed at now.
func (t Task) Due(now time.Time) bool {
	return t.NotBefore.IsZero() || !t.NotBefore.After(now)
}

// ActivityTask returns the activity call carried by an activity task.
func (t Task) ActivityTask() api.ActivityTask {
	return api.ActivityTask{
		InstanceID: t.InstanceID,
		Seq:        t.Seq,
		Name:       t.Name,
		Input:      t.Input,
	}
}

// Queue is a simple async task queue interface.
//
// Dequeue only returns tasks that are due; tasks enqueued with a future
// NotBefore are held back by the implementation.
type Queue interface {
	// Enqueue adds a task to the queue. It should respect ctx for cancellation.
	Enqueue(ctx context.Context, t Task) error

	// Dequeue removes and returns the next task, blocking until one is available
	// or the context is cancelled.
	Dequeue(ctx context.Context) (*Task, error)

	// Len returns the approximate number of tasks queued.
	Len() int
}
