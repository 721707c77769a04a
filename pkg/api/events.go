package api

import "time"

// EventType identifies an orchestration history event.
type EventType string

const (
	EventOrchestratorStarted    EventType = "orchestrator.started"
	EventActivityScheduled      EventType = "activity.scheduled"
	EventActivityCompleted      EventType = "activity.completed"
	EventActivityFailed         EventType = "activity.failed"
	EventTimerCreated           EventType = "timer.created"
	EventTimerFired             EventType = "timer.fired"
	EventSideEffectRecorded     EventType = "side_effect.recorded"
	EventOrchestratorCompleted  EventType = "orchestrator.completed"
	EventOrchestratorTerminated EventType = "orchestrator.terminated"
)

// IsScheduling reports whether events of this type occupy a slot in the
// orchestrator's logical call sequence.
func (t EventType) IsScheduling() bool {
	switch t {
	case EventActivityScheduled, EventTimerCreated, EventSideEffectRecorded:
		return true
	}
	return false
}

// IsResult reports whether events of this type resolve an earlier
// scheduling event referenced by ScheduledSeq.
func (t EventType) IsResult() bool {
	switch t {
	case EventActivityCompleted, EventActivityFailed, EventTimerFired:
		return true
	}
	return false
}

// IsTerminal reports whether the event closes the history.
func (t EventType) IsTerminal() bool {
	return t == EventOrchestratorCompleted || t == EventOrchestratorTerminated
}

// HistoryEvent is one immutable, ordered entry of an instance's history.
//
// Seq is 1-based and strictly increasing per instance; the event at Seq n
// is the n-th entry of the log. The remaining fields form the event payload
// and are populated according to Type:
//
//	OrchestratorStarted:    Name (orchestrator), Input
//	ActivityScheduled:      Name (activity), Input
//	ActivityCompleted:      ScheduledSeq, Output
//	ActivityFailed:         ScheduledSeq, Error
//	TimerCreated:           FireAt
//	TimerFired:             ScheduledSeq
//	SideEffectRecorded:     Output
//	OrchestratorCompleted:  Output or Error
//	OrchestratorTerminated: Error (reason)
type HistoryEvent struct {
	Seq       int64     `json:"seq"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	Name         string    `json:"name,omitempty"`
	Input        Payload   `json:"input,omitempty"`
	Output       Payload   `json:"output,omitempty"`
	Error        string    `json:"error,omitempty"`
	ScheduledSeq int64     `json:"scheduled_seq,omitempty"`
	FireAt       time.Time `json:"fire_at,omitzero"`
}
