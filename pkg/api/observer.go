package api

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Observer receives callbacks from the engine and workers for logging and
// metrics.
//
// Implementations should be fast and non-blocking; heavy work should be done
// asynchronously so as not to delay replay passes or activity execution.
type Observer interface {
	// OnInstanceStarted is called once when an instance is created.
	OnInstanceStarted(ctx context.Context, inst *Instance)

	// OnInstanceCompleted is called when an instance reaches StatusCompleted.
	OnInstanceCompleted(ctx context.Context, inst *Instance)

	// OnInstanceFailed is called when an instance transitions to StatusFailed.
	OnInstanceFailed(ctx context.Context, inst *Instance, err error)

	// OnInstanceTerminated is called after an external termination.
	OnInstanceTerminated(ctx context.Context, inst *Instance, reason string)

	// OnReplayPass is called after every replay pass. scheduled is the number
	// of new activities and timers the pass dispatched.
	OnReplayPass(ctx context.Context, inst *Instance, scheduled int, duration time.Duration)

	// OnActivityStart is called before each attempt of an activity.
	OnActivityStart(ctx context.Context, task ActivityTask, attempt int)

	// OnActivityCompleted is called after each attempt, for both successes
	// and failures (err != nil).
	OnActivityCompleted(ctx context.Context, task ActivityTask, attempt int, err error, duration time.Duration)
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnInstanceStarted(ctx context.Context, inst *Instance)             {}
func (NoopObserver) OnInstanceCompleted(ctx context.Context, inst *Instance)           {}
func (NoopObserver) OnInstanceFailed(ctx context.Context, inst *Instance, err error)   {}
func (NoopObserver) OnInstanceTerminated(ctx context.Context, inst *Instance, r string) {}
func (NoopObserver) OnReplayPass(ctx context.Context, inst *Instance, n int, d time.Duration) {
}
func (NoopObserver) OnActivityStart(ctx context.Context, task ActivityTask, attempt int) {}
func (NoopObserver) OnActivityCompleted(ctx context.Context, task ActivityTask, attempt int, err error, d time.Duration) {
}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnInstanceStarted(ctx context.Context, inst *Instance) {
	for _, o := range c.observers {
		o.OnInstanceStarted(ctx, inst)
	}
}

func (c *CompositeObserver) OnInstanceCompleted(ctx context.Context, inst *Instance) {
	for _, o := range c.observers {
		o.OnInstanceCompleted(ctx, inst)
	}
}

func (c *CompositeObserver) OnInstanceFailed(ctx context.Context, inst *Instance, err error) {
	for _, o := range c.observers {
		o.OnInstanceFailed(ctx, inst, err)
	}
}

func (c *CompositeObserver) OnInstanceTerminated(ctx context.Context, inst *Instance, reason string) {
	for _, o := range c.observers {
		o.OnInstanceTerminated(ctx, inst, reason)
	}
}

func (c *CompositeObserver) OnReplayPass(ctx context.Context, inst *Instance, scheduled int, d time.Duration) {
	for _, o := range c.observers {
		o.OnReplayPass(ctx, inst, scheduled, d)
	}
}

func (c *CompositeObserver) OnActivityStart(ctx context.Context, task ActivityTask, attempt int) {
	for _, o := range c.observers {
		o.OnActivityStart(ctx, task, attempt)
	}
}

func (c *CompositeObserver) OnActivityCompleted(ctx context.Context, task ActivityTask, attempt int, err error, d time.Duration) {
	for _, o := range c.observers {
		o.OnActivityCompleted(ctx, task, attempt, err, d)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs instance and activity
// lifecycle events using the provided slog.Logger. If logger is nil,
// slog.Default() is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnInstanceStarted(ctx context.Context, inst *Instance) {
	o.Logger.InfoContext(ctx, "instance_started",
		slog.String("orchestrator", inst.Name),
		slog.String("instance_id", inst.ID),
	)
}

func (o *LoggingObserver) OnInstanceCompleted(ctx context.Context, inst *Instance) {
	o.Logger.InfoContext(ctx, "instance_completed",
		slog.String("orchestrator", inst.Name),
		slog.String("instance_id", inst.ID),
	)
}

func (o *LoggingObserver) OnInstanceFailed(ctx context.Context, inst *Instance, err error) {
	o.Logger.ErrorContext(ctx, "instance_failed",
		slog.String("orchestrator", inst.Name),
		slog.String("instance_id", inst.ID),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnInstanceTerminated(ctx context.Context, inst *Instance, reason string) {
	o.Logger.WarnContext(ctx, "instance_terminated",
		slog.String("orchestrator", inst.Name),
		slog.String("instance_id", inst.ID),
		slog.String("reason", reason),
	)
}

func (o *LoggingObserver) OnReplayPass(ctx context.Context, inst *Instance, scheduled int, d time.Duration) {
	o.Logger.DebugContext(ctx, "replay_pass",
		slog.String("orchestrator", inst.Name),
		slog.String("instance_id", inst.ID),
		slog.String("status", string(inst.Status)),
		slog.Int("scheduled", scheduled),
		slog.Duration("duration", d),
	)
}

func (o *LoggingObserver) OnActivityStart(ctx context.Context, task ActivityTask, attempt int) {
	o.Logger.DebugContext(ctx, "activity_start",
		slog.String("activity", task.Name),
		slog.String("instance_id", task.InstanceID),
		slog.Int64("seq", task.Seq),
		slog.Int("attempt", attempt),
	)
}

func (o *LoggingObserver) OnActivityCompleted(ctx context.Context, task ActivityTask, attempt int, err error, d time.Duration) {
	level := slog.LevelDebug
	if err != nil {
		level = slog.LevelWarn
	}
	o.Logger.Log(ctx, level, "activity_completed",
		slog.String("activity", task.Name),
		slog.String("instance_id", task.InstanceID),
		slog.Int64("seq", task.Seq),
		slog.Int("attempt", attempt),
		slog.Duration("duration", d),
		slog.Any("error", err),
	)
}

// BasicMetrics collects simple counters and aggregate activity durations.
// It implements Observer, and can be combined with LoggingObserver via
// NewCompositeObserver.
type BasicMetrics struct {
	NoopObserver

	instancesStarted    atomic.Int64
	instancesCompleted  atomic.Int64
	instancesFailed     atomic.Int64
	instancesTerminated atomic.Int64
	replayPasses        atomic.Int64
	activityAttempts    atomic.Int64
	activityFailures    atomic.Int64
	activitiesCompleted atomic.Int64
	totalActivityTime   atomic.Int64 // nanoseconds
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	InstancesStarted    int64
	InstancesCompleted  int64
	InstancesFailed     int64
	InstancesTerminated int64
	ActiveInstances     int64

	ReplayPasses int64

	ActivityAttempts    int64
	ActivityFailures    int64
	ActivitiesCompleted int64
	AvgActivityDuration time.Duration
}

func (m *BasicMetrics) OnInstanceStarted(ctx context.Context, inst *Instance) {
	m.instancesStarted.Add(1)
}

func (m *BasicMetrics) OnInstanceCompleted(ctx context.Context, inst *Instance) {
	m.instancesCompleted.Add(1)
}

func (m *BasicMetrics) OnInstanceFailed(ctx context.Context, inst *Instance, err error) {
	m.instancesFailed.Add(1)
}

func (m *BasicMetrics) OnInstanceTerminated(ctx context.Context, inst *Instance, reason string) {
	m.instancesTerminated.Add(1)
}

func (m *BasicMetrics) OnReplayPass(ctx context.Context, inst *Instance, scheduled int, d time.Duration) {
	m.replayPasses.Add(1)
}

func (m *BasicMetrics) OnActivityCompleted(ctx context.Context, task ActivityTask, attempt int, err error, d time.Duration) {
	m.activityAttempts.Add(1)
	if err != nil {
		m.activityFailures.Add(1)
		return
	}
	// Only successful attempts count towards the average duration.
	m.activitiesCompleted.Add(1)
	m.totalActivityTime.Add(d.Nanoseconds())
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	started := m.instancesStarted.Load()
	completed := m.instancesCompleted.Load()
	failed := m.instancesFailed.Load()
	terminated := m.instancesTerminated.Load()
	done := m.activitiesCompleted.Load()
	totalNs := m.totalActivityTime.Load()

	var avg time.Duration
	if done > 0 {
		avg = time.Duration(totalNs / done)
	}

	return BasicMetricsSnapshot{
		InstancesStarted:    started,
		InstancesCompleted:  completed,
		InstancesFailed:     failed,
		InstancesTerminated: terminated,
		ActiveInstances:     started - completed - failed - terminated,
		ReplayPasses:        m.replayPasses.Load(),
		ActivityAttempts:    m.activityAttempts.Load(),
		ActivityFailures:    m.activityFailures.Load(),
		ActivitiesCompleted: done,
		AvgActivityDuration: avg,
	}
}
