package history

import "github.com/petrijr/replayflow/pkg/api"

// Index is a read-only view over a history that correlates scheduling
// events with their results.
type Index struct {
	// Scheduled lists scheduling events (activities, timers, side effects)
	// in the order the orchestrator issued them.
	Scheduled []api.HistoryEvent

	// Results maps a scheduling event's seq to the event that resolved it.
	Results map[int64]api.HistoryEvent

	// Started is the OrchestratorStarted event, if present.
	Started *api.HistoryEvent

	// Terminal is the closing event, if the history is closed.
	Terminal *api.HistoryEvent

	bySeq map[int64]api.HistoryEvent
}

// NewIndex builds an Index over events.
func NewIndex(events []api.HistoryEvent) *Index {
	idx := &Index{
		Results: make(map[int64]api.HistoryEvent),
		bySeq:   make(map[int64]api.HistoryEvent, len(events)),
	}
	for i := range events {
		ev := events[i]
		idx.bySeq[ev.Seq] = ev
		switch {
		case ev.Type == api.EventOrchestratorStarted:
			if idx.Started == nil {
				idx.Started = &ev
			}
		case ev.Type.IsScheduling():
			idx.Scheduled = append(idx.Scheduled, ev)
		case ev.Type.IsResult():
			// The first result wins; later duplicates are ignored.
			if _, ok := idx.Results[ev.ScheduledSeq]; !ok {
				idx.Results[ev.ScheduledSeq] = ev
			}
		case ev.Type.IsTerminal():
			idx.Terminal = &ev
		}
	}
	return idx
}

// Event returns the event recorded at seq.
func (idx *Index) Event(seq int64) (api.HistoryEvent, bool) {
	ev, ok := idx.bySeq[seq]
	return ev, ok
}

// Outstanding returns the activity and timer events that have no result yet.
func (idx *Index) Outstanding() []api.HistoryEvent {
	var out []api.HistoryEvent
	for _, ev := range idx.Scheduled {
		if ev.Type == api.EventSideEffectRecorded {
			continue
		}
		if _, done := idx.Results[ev.Seq]; !done {
			out = append(out, ev)
		}
	}
	return out
}
