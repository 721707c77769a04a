package persistence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/petrijr/replayflow/pkg/api"
)

var baseTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// StoreSuite runs the same contract checks against every Store backend.
type StoreSuite struct {
	suite.Suite
	newStore func() Store
	store    Store
	ctx      context.Context
}

func (s *StoreSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = s.newStore()
}

func newInstance(id, name string, offset int) (*api.Instance, api.HistoryEvent) {
	at := baseTime.Add(time.Duration(offset) * time.Second)
	inst := &api.Instance{
		ID:            id,
		Name:          name,
		Status:        api.StatusPending,
		Input:         api.Payload(`{"city":"Tokyo"}`),
		CreatedAt:     at,
		LastUpdatedAt: at,
	}
	started := api.HistoryEvent{
		Seq:       1,
		Type:      api.EventOrchestratorStarted,
		Timestamp: at,
		Name:      name,
		Input:     inst.Input,
	}
	return inst, started
}

func scheduled(seq int64, name string) api.HistoryEvent {
	return api.HistoryEvent{
		Seq:       seq,
		Type:      api.EventActivityScheduled,
		Timestamp: baseTime.Add(time.Duration(seq) * time.Second),
		Name:      name,
		Input:     api.Payload(`"Tokyo"`),
	}
}

func (s *StoreSuite) TestCreateAndGet() {
	inst, started := newInstance("inst-1", "chain", 0)
	s.Require().NoError(s.store.CreateInstance(s.ctx, inst, started))

	got, err := s.store.GetInstance(s.ctx, "inst-1")
	s.Require().NoError(err)
	s.Equal(inst.ID, got.ID)
	s.Equal(inst.Name, got.Name)
	s.Equal(api.StatusPending, got.Status)
	s.JSONEq(`{"city":"Tokyo"}`, string(got.Input))
	s.Empty(got.Output)
	s.True(inst.CreatedAt.Equal(got.CreatedAt))

	events, err := s.store.ReadHistory(s.ctx, "inst-1")
	s.Require().NoError(err)
	s.Require().Len(events, 1)
	s.Equal(api.EventOrchestratorStarted, events[0].Type)
	s.Equal(int64(1), events[0].Seq)
	s.True(started.Timestamp.Equal(events[0].Timestamp))
}

func (s *StoreSuite) TestCreateDuplicate() {
	inst, started := newInstance("dup", "chain", 0)
	s.Require().NoError(s.store.CreateInstance(s.ctx, inst, started))

	err := s.store.CreateInstance(s.ctx, inst, started)
	s.ErrorIs(err, api.ErrDuplicateInstance)

	events, err := s.store.ReadHistory(s.ctx, "dup")
	s.Require().NoError(err)
	s.Len(events, 1, "duplicate create must not touch the history")
}

func (s *StoreSuite) TestNotFound() {
	_, err := s.store.GetInstance(s.ctx, "missing")
	s.ErrorIs(err, api.ErrInstanceNotFound)

	_, err = s.store.ReadHistory(s.ctx, "missing")
	s.ErrorIs(err, api.ErrInstanceNotFound)

	err = s.store.AppendEvents(s.ctx, "missing", scheduled(2, "Hello"))
	s.ErrorIs(err, api.ErrInstanceNotFound)

	err = s.store.UpdateInstance(s.ctx, &api.Instance{ID: "missing", Name: "x", Status: api.StatusRunning})
	s.ErrorIs(err, api.ErrInstanceNotFound)

	err = s.store.DeleteInstance(s.ctx, "missing")
	s.ErrorIs(err, api.ErrInstanceNotFound)
}

func (s *StoreSuite) TestAppendEnforcesSequence() {
	inst, started := newInstance("seq", "chain", 0)
	s.Require().NoError(s.store.CreateInstance(s.ctx, inst, started))

	s.Require().NoError(s.store.AppendEvents(s.ctx, "seq", scheduled(2, "Hello")))

	completed := api.HistoryEvent{
		Seq:          3,
		Type:         api.EventActivityCompleted,
		Timestamp:    baseTime.Add(3 * time.Second),
		ScheduledSeq: 2,
		Output:       api.Payload(`"Hello Tokyo!"`),
	}
	timer := api.HistoryEvent{
		Seq:       4,
		Type:      api.EventTimerCreated,
		Timestamp: baseTime.Add(4 * time.Second),
		FireAt:    baseTime.Add(time.Hour),
	}
	s.Require().NoError(s.store.AppendEvents(s.ctx, "seq", completed, timer))

	// Gap, replay of an existing seq and a broken batch are all rejected.
	s.ErrorIs(s.store.AppendEvents(s.ctx, "seq", scheduled(6, "Hello")), api.ErrOutOfOrderWrite)
	s.ErrorIs(s.store.AppendEvents(s.ctx, "seq", scheduled(4, "Hello")), api.ErrOutOfOrderWrite)
	s.ErrorIs(s.store.AppendEvents(s.ctx, "seq", scheduled(5, "Hello"), scheduled(7, "Hello")), api.ErrOutOfOrderWrite)

	events, err := s.store.ReadHistory(s.ctx, "seq")
	s.Require().NoError(err)
	s.Require().Len(events, 4, "rejected batches must leave no partial writes")

	for i, ev := range events {
		s.Equal(int64(i+1), ev.Seq)
	}
	s.Equal(api.EventActivityCompleted, events[2].Type)
	s.Equal(int64(2), events[2].ScheduledSeq)
	s.JSONEq(`"Hello Tokyo!"`, string(events[2].Output))
	s.Equal("Hello", events[1].Name)
	s.JSONEq(`"Tokyo"`, string(events[1].Input))
	s.True(timer.FireAt.Equal(events[3].FireAt))
	s.True(events[1].FireAt.IsZero())
}

func (s *StoreSuite) TestUpdateAndList() {
	for i, tc := range []struct{ id, name string }{
		{"a-1", "wf-A"}, {"a-2", "wf-A"}, {"b-1", "wf-B"},
	} {
		inst, started := newInstance(tc.id, tc.name, i)
		s.Require().NoError(s.store.CreateInstance(s.ctx, inst, started))
	}

	done, err := s.store.GetInstance(s.ctx, "a-2")
	s.Require().NoError(err)
	done.Status = api.StatusCompleted
	done.Output = api.Payload(`["Hello Tokyo!"]`)
	done.LastUpdatedAt = baseTime.Add(time.Minute)
	s.Require().NoError(s.store.UpdateInstance(s.ctx, done))

	got, err := s.store.GetInstance(s.ctx, "a-2")
	s.Require().NoError(err)
	s.Equal(api.StatusCompleted, got.Status)
	s.JSONEq(`["Hello Tokyo!"]`, string(got.Output))
	s.True(done.LastUpdatedAt.Equal(got.LastUpdatedAt))

	all, err := s.store.ListInstances(s.ctx, InstanceFilter{})
	s.Require().NoError(err)
	s.Equal([]string{"a-1", "a-2", "b-1"}, ids(all))

	byName, err := s.store.ListInstances(s.ctx, InstanceFilter{Name: "wf-A"})
	s.Require().NoError(err)
	s.Equal([]string{"a-1", "a-2"}, ids(byName))

	pending, err := s.store.ListInstances(s.ctx, InstanceFilter{Status: api.StatusPending})
	s.Require().NoError(err)
	s.Equal([]string{"a-1", "b-1"}, ids(pending))

	both, err := s.store.ListInstances(s.ctx, InstanceFilter{Name: "wf-A", Status: api.StatusCompleted})
	s.Require().NoError(err)
	s.Equal([]string{"a-2"}, ids(both))
}

func (s *StoreSuite) TestDeleteRemovesHistory() {
	inst, started := newInstance("del", "chain", 0)
	s.Require().NoError(s.store.CreateInstance(s.ctx, inst, started))
	s.Require().NoError(s.store.AppendEvents(s.ctx, "del", scheduled(2, "Hello")))

	s.Require().NoError(s.store.DeleteInstance(s.ctx, "del"))

	_, err := s.store.GetInstance(s.ctx, "del")
	s.ErrorIs(err, api.ErrInstanceNotFound)
	_, err = s.store.ReadHistory(s.ctx, "del")
	s.ErrorIs(err, api.ErrInstanceNotFound)

	list, err := s.store.ListInstances(s.ctx, InstanceFilter{})
	s.Require().NoError(err)
	s.Empty(list)

	// The id can be reused with a fresh history.
	s.Require().NoError(s.store.CreateInstance(s.ctx, inst, started))
	events, err := s.store.ReadHistory(s.ctx, "del")
	s.Require().NoError(err)
	s.Len(events, 1)
}

func (s *StoreSuite) TestConcurrentAppendsStayContiguous() {
	inst, started := newInstance("race", "chain", 0)
	s.Require().NoError(s.store.CreateInstance(s.ctx, inst, started))

	const writers, perWriter = 4, 5
	var wg sync.WaitGroup
	errs := make(chan error, writers)

	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for n := 0; n < perWriter; {
				events, err := s.store.ReadHistory(s.ctx, "race")
				if err != nil {
					errs <- err
					return
				}
				ev := scheduled(int64(len(events))+1, fmt.Sprintf("w%d-%d", w, n))
				err = s.store.AppendEvents(s.ctx, "race", ev)
				if errors.Is(err, api.ErrOutOfOrderWrite) {
					continue
				}
				if err != nil {
					errs <- err
					return
				}
				n++
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		s.Require().NoError(err)
	}

	events, err := s.store.ReadHistory(s.ctx, "race")
	s.Require().NoError(err)
	s.Require().Len(events, 1+writers*perWriter)
	for i, ev := range events {
		s.Equal(int64(i+1), ev.Seq)
	}
}

func ids(list []*api.Instance) []string {
	out := make([]string, 0, len(list))
	for _, inst := range list {
		out = append(out, inst.ID)
	}
	return out
}
