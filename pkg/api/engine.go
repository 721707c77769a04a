package api

import "context"

// Engine is the orchestration scheduler API. Client-facing calls (start,
// status, terminate, purge) and dispatcher-facing calls (RunPass,
// ReportResult, ReportTimerFired) go through the same interface so any
// transport can sit between the scheduler and its workers.
type Engine interface {
	// StartOrchestration creates a PENDING instance of the named orchestrator,
	// records its OrchestratorStarted event and enqueues the first replay pass.
	StartOrchestration(ctx context.Context, name string, input any, opts ...StartOption) (string, error)

	// GetInstance returns the current status and result of an instance.
	// Returns ErrInstanceNotFound for unknown ids.
	GetInstance(ctx context.Context, id string) (*Instance, error)

	// GetHistory returns the ordered history of an instance.
	GetHistory(ctx context.Context, id string) ([]HistoryEvent, error)

	// ListInstances returns instances matching the given options.
	// If options are zero-valued, all instances are returned.
	ListInstances(ctx context.Context, opts InstanceListOptions) ([]*Instance, error)

	// Terminate appends a termination marker and moves the instance to
	// TERMINATED. Activities already in flight may finish but their results
	// are discarded.
	Terminate(ctx context.Context, id string, reason string) error

	// Purge removes a terminal instance and its history.
	Purge(ctx context.Context, id string) error

	// RunPass replays the instance's orchestrator against its history,
	// appends newly scheduled work and dispatches it. Passes for one instance
	// never overlap.
	RunPass(ctx context.Context, id string) error

	// ReportResult records the terminal outcome of the activity scheduled at
	// seq and enqueues a new replay pass. A nil actErr records
	// ActivityCompleted with output; otherwise ActivityFailed.
	ReportResult(ctx context.Context, id string, seq int64, output Payload, actErr error) error

	// ReportTimerFired records that the timer created at seq has expired.
	ReportTimerFired(ctx context.Context, id string, seq int64) error

	// IsActive reports whether the instance still accepts work. Workers call
	// it before executing a task so terminated instances get no new work.
	IsActive(ctx context.Context, id string) (bool, error)

	// Recover re-enqueues a replay pass for every non-terminal instance and
	// resubmits scheduled work that has no recorded result. It is intended
	// to run on process startup and returns the number of instances touched.
	Recover(ctx context.Context) (int, error)
}
