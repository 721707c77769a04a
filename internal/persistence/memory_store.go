package persistence

import (
	"context"
	"sort"
	"sync"

	"github.com/petrijr/replayflow/internal/history"
	"github.com/petrijr/replayflow/pkg/api"
)

// InMemoryStore is a simple, goroutine-safe implementation of
// InstanceStore and HistoryStore backed by maps.
type InMemoryStore struct {
	mu        sync.RWMutex
	instances map[string]*api.Instance
	histories map[string]*history.Log
}

// NewInMemoryStore creates a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		instances: make(map[string]*api.Instance),
		histories: make(map[string]*history.Log),
	}
}

// Ensure InMemoryStore implements the interfaces.
var _ Store = (*InMemoryStore)(nil)

func (s *InMemoryStore) CreateInstance(ctx context.Context, inst *api.Instance, started api.HistoryEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.instances[inst.ID]; ok {
		return api.ErrDuplicateInstance
	}

	log := history.NewLog()
	if err := log.Append(started); err != nil {
		return err
	}
	s.instances[inst.ID] = cloneInstance(inst)
	s.histories[inst.ID] = log
	return nil
}

func (s *InMemoryStore) UpdateInstance(ctx context.Context, inst *api.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.instances[inst.ID]; !ok {
		return api.ErrInstanceNotFound
	}

	s.instances[inst.ID] = cloneInstance(inst)
	return nil
}

func (s *InMemoryStore) GetInstance(ctx context.Context, id string) (*api.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, ok := s.instances[id]
	if !ok {
		return nil, api.ErrInstanceNotFound
	}

	return cloneInstance(inst), nil
}

func (s *InMemoryStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*api.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*api.Instance

	for _, inst := range s.instances {
		if !filter.Matches(inst) {
			continue
		}
		result = append(result, cloneInstance(inst))
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (s *InMemoryStore) DeleteInstance(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.instances[id]; !ok {
		return api.ErrInstanceNotFound
	}
	delete(s.instances, id)
	delete(s.histories, id)
	return nil
}

func (s *InMemoryStore) AppendEvents(ctx context.Context, instanceID string, events ...api.HistoryEvent) error {
	s.mu.RLock()
	log, ok := s.histories[instanceID]
	s.mu.RUnlock()

	if !ok {
		return api.ErrInstanceNotFound
	}
	return log.AppendAll(events...)
}

func (s *InMemoryStore) ReadHistory(ctx context.Context, instanceID string) ([]api.HistoryEvent, error) {
	s.mu.RLock()
	log, ok := s.histories[instanceID]
	s.mu.RUnlock()

	if !ok {
		return nil, api.ErrInstanceNotFound
	}
	return log.ReadAll(), nil
}
