package engine

import "sync"

// instanceLocks hands out one mutex per instance id. Entries are dropped
// once nobody holds or waits for them.
type instanceLocks struct {
	mu    sync.Mutex
	locks map[string]*instanceLock
}

type instanceLock struct {
	mu   sync.Mutex
	refs int
}

func newInstanceLocks() *instanceLocks {
	return &instanceLocks{locks: make(map[string]*instanceLock)}
}

// Lock blocks until the caller holds the lock for id and returns the
// matching unlock function.
func (l *instanceLocks) Lock(id string) (unlock func()) {
	l.mu.Lock()
	lk, ok := l.locks[id]
	if !ok {
		lk = &instanceLock{}
		l.locks[id] = lk
	}
	lk.refs++
	l.mu.Unlock()

	lk.mu.Lock()

	return func() {
		lk.mu.Unlock()

		l.mu.Lock()
		lk.refs--
		if lk.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}

// size returns the number of tracked ids.
func (l *instanceLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
