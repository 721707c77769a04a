// Package history implements the per-instance history log and the helpers
// every store backend uses to keep it append-only.
package history

import (
	"fmt"
	"sync"

	"github.com/petrijr/replayflow/pkg/api"
)

// CheckNext verifies that events can be appended to a log currently holding
// length events: the first must carry seq length+1 and the rest must follow
// without gaps.
func CheckNext(length int64, events ...api.HistoryEvent) error {
	want := length + 1
	for _, ev := range events {
		if ev.Seq != want {
			return fmt.Errorf("%w: got seq %d, want %d", api.ErrOutOfOrderWrite, ev.Seq, want)
		}
		want++
	}
	return nil
}

// Log is an in-memory, goroutine-safe history log.
type Log struct {
	mu     sync.RWMutex
	events []api.HistoryEvent
}

// NewLog returns an empty log.
func NewLog() *Log {
	return &Log{}
}

// Append adds ev to the end of the log. It fails with api.ErrOutOfOrderWrite
// unless ev.Seq is exactly Len()+1.
func (l *Log) Append(ev api.HistoryEvent) error {
	return l.AppendAll(ev)
}

// AppendAll appends events atomically: either all of them are added or,
// on a sequence error, none.
func (l *Log) AppendAll(events ...api.HistoryEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := CheckNext(int64(len(l.events)), events...); err != nil {
		return err
	}
	l.events = append(l.events, events...)
	return nil
}

// ReadAll returns a copy of the events in sequence order.
func (l *Log) ReadAll() []api.HistoryEvent {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]api.HistoryEvent, len(l.events))
	copy(out, l.events)
	return out
}

// Len returns the number of events in the log.
func (l *Log) Len() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return int64(len(l.events))
}
