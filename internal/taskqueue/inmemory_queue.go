package taskqueue

import (
	"context"
	"sync"
	"time"
)

// InMemoryQueue is a FIFO Queue held in process memory. It is safe for
// concurrent use.
//
// Enqueue never blocks: workers enqueue follow-up work while processing a
// task, so a bounded buffer could park every consumer in Enqueue. Tasks
// with a future NotBefore wait on a timer and join the FIFO once due.
type InMemoryQueue struct {
	mu       sync.Mutex
	tasks    []Task
	deferred map[*time.Timer]struct{}

	// ready holds one token while tasks is non-empty.
	ready chan struct{}
}

// NewInMemoryQueue creates an empty queue. sizeHint preallocates room for
// that many tasks; the queue grows past it as needed.
func NewInMemoryQueue(sizeHint int) *InMemoryQueue {
	if sizeHint <= 0 {
		sizeHint = 1024
	}
	return &InMemoryQueue{
		tasks:    make([]Task, 0, sizeHint),
		deferred: make(map[*time.Timer]struct{}),
		ready:    make(chan struct{}, 1),
	}
}

// Ensure InMemoryQueue implements Queue.
var _ Queue = (*InMemoryQueue)(nil)

func (q *InMemoryQueue) Enqueue(ctx context.Context, t Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = time.Now()
	}

	if wait := time.Until(t.NotBefore); !t.NotBefore.IsZero() && wait > 0 {
		q.mu.Lock()
		defer q.mu.Unlock()

		var tmr *time.Timer
		tmr = time.AfterFunc(wait, func() {
			q.mu.Lock()
			defer q.mu.Unlock()
			delete(q.deferred, tmr)
			q.pushLocked(t)
		})
		q.deferred[tmr] = struct{}{}
		return nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.pushLocked(t)
	return nil
}

func (q *InMemoryQueue) pushLocked(t Task) {
	q.tasks = append(q.tasks, t)
	q.signalLocked()
}

// signalLocked leaves a token in ready when tasks remain. The send never
// blocks: a token already present means a consumer will look.
func (q *InMemoryQueue) signalLocked() {
	if len(q.tasks) == 0 {
		return
	}
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *InMemoryQueue) Dequeue(ctx context.Context) (*Task, error) {
	for {
		select {
		case <-q.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		q.mu.Lock()
		if len(q.tasks) == 0 {
			q.mu.Unlock()
			continue
		}
		t := q.tasks[0]
		q.tasks[0] = Task{}
		q.tasks = q.tasks[1:]
		q.signalLocked()
		q.mu.Unlock()
		return &t, nil
	}
}

// Len counts ready and deferred tasks.
func (q *InMemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks) + len(q.deferred)
}
