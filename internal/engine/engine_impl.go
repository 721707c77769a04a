package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/replayflow/internal/history"
	"github.com/petrijr/replayflow/internal/persistence"
	"github.com/petrijr/replayflow/internal/taskqueue"
	"github.com/petrijr/replayflow/pkg/api"
	"github.com/petrijr/replayflow/pkg/workflow"
)

// Archiver stores the history of an instance before it is purged.
type Archiver interface {
	Archive(ctx context.Context, inst *api.Instance, events []api.HistoryEvent) error
}

// engineImpl is the orchestration scheduler. All mutations of one instance
// (replay passes, completions, termination, purge) run under that
// instance's lock; queue submissions happen after the lock is released.
type engineImpl struct {
	store    persistence.Store
	queue    taskqueue.Queue
	registry *workflow.Registry
	observer api.Observer
	logger   *slog.Logger
	archiver Archiver
	clock    func() time.Time
	newID    func() string

	locks *instanceLocks
}

// Config describes how to construct an engine. Nil fields get in-memory
// or no-op defaults.
type Config struct {
	Store    persistence.Store
	Queue    taskqueue.Queue
	Registry *workflow.Registry
	Observer api.Observer
	Logger   *slog.Logger
	Archiver Archiver

	// Clock timestamps history events. Defaults to time.Now.
	Clock func() time.Time

	// NewID generates instance and task ids. Defaults to random UUIDs.
	NewID func() string
}

// Ensure engineImpl implements api.Engine.
var _ api.Engine = (*engineImpl)(nil)

// NewEngineWithConfig creates a new Engine using the given configuration.
func NewEngineWithConfig(cfg Config) api.Engine {
	return newEngine(cfg)
}

func newEngine(cfg Config) *engineImpl {
	e := &engineImpl{
		store:    cfg.Store,
		queue:    cfg.Queue,
		registry: cfg.Registry,
		observer: cfg.Observer,
		logger:   cfg.Logger,
		archiver: cfg.Archiver,
		clock:    cfg.Clock,
		newID:    cfg.NewID,
		locks:    newInstanceLocks(),
	}
	if e.store == nil {
		e.store = persistence.NewInMemoryStore()
	}
	if e.queue == nil {
		e.queue = taskqueue.NewInMemoryQueue(1024)
	}
	if e.registry == nil {
		e.registry = workflow.NewRegistry()
	}
	if e.observer == nil {
		e.observer = api.NoopObserver{}
	}
	if e.logger == nil {
		e.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if e.clock == nil {
		e.clock = func() time.Time { return time.Now().UTC() }
	}
	if e.newID == nil {
		e.newID = uuid.NewString
	}
	return e
}

// NewInMemoryEngine returns an engine with in-memory history and queue.
func NewInMemoryEngine(reg *workflow.Registry, queue taskqueue.Queue) api.Engine {
	return NewEngineWithConfig(Config{
		Store:    persistence.NewInMemoryStore(),
		Queue:    queue,
		Registry: reg,
	})
}

// NewSQLiteEngine returns an engine whose instances and histories live in db.
func NewSQLiteEngine(db *sql.DB, reg *workflow.Registry, queue taskqueue.Queue) (api.Engine, error) {
	store, err := persistence.NewSQLiteStore(db)
	if err != nil {
		return nil, err
	}
	return NewEngineWithConfig(Config{
		Store:    store,
		Queue:    queue,
		Registry: reg,
	}), nil
}

func (e *engineImpl) StartOrchestration(ctx context.Context, name string, input any, opts ...api.StartOption) (string, error) {
	if _, err := e.registry.Get(name); err != nil {
		return "", err
	}

	var o api.StartOptions
	for _, opt := range opts {
		opt(&o)
	}
	id := o.InstanceID
	if id == "" {
		id = e.newID()
	}

	payload, err := api.EncodePayload(input)
	if err != nil {
		return "", fmt.Errorf("encode input of %s: %w", name, err)
	}

	now := e.clock()
	inst := &api.Instance{
		ID:            id,
		Name:          name,
		Status:        api.StatusPending,
		Input:         payload,
		CreatedAt:     now,
		LastUpdatedAt: now,
	}
	started := api.HistoryEvent{
		Seq:       1,
		Type:      api.EventOrchestratorStarted,
		Timestamp: now,
		Name:      name,
		Input:     payload,
	}

	if err := e.store.CreateInstance(ctx, inst, started); err != nil {
		if errors.Is(err, api.ErrDuplicateInstance) {
			return "", fmt.Errorf("%w: %s", api.ErrDuplicateInstance, id)
		}
		return "", err
	}

	e.observer.OnInstanceStarted(ctx, inst)

	if err := e.enqueuePass(ctx, id); err != nil {
		return id, fmt.Errorf("enqueue first pass of %s: %w", id, err)
	}
	return id, nil
}

func (e *engineImpl) GetInstance(ctx context.Context, id string) (*api.Instance, error) {
	inst, err := e.store.GetInstance(ctx, id)
	if err != nil {
		return nil, wrapNotFound(err, id)
	}
	return inst, nil
}

func (e *engineImpl) GetHistory(ctx context.Context, id string) ([]api.HistoryEvent, error) {
	events, err := e.store.ReadHistory(ctx, id)
	if err != nil {
		return nil, wrapNotFound(err, id)
	}
	return events, nil
}

func (e *engineImpl) ListInstances(ctx context.Context, opts api.InstanceListOptions) ([]*api.Instance, error) {
	filter := persistence.InstanceFilter{
		Name:   opts.Name,
		Status: opts.Status,
	}
	return e.store.ListInstances(ctx, filter)
}

func (e *engineImpl) IsActive(ctx context.Context, id string) (bool, error) {
	inst, err := e.store.GetInstance(ctx, id)
	if err != nil {
		if errors.Is(err, api.ErrInstanceNotFound) {
			return false, nil
		}
		return false, err
	}
	return !inst.Status.IsTerminal(), nil
}

func (e *engineImpl) RunPass(ctx context.Context, id string) error {
	w, err := e.runPass(ctx, id)
	if err != nil {
		return err
	}
	if w.empty() {
		return nil
	}
	return e.dispatch(ctx, id, w)
}

func (e *engineImpl) runPass(ctx context.Context, id string) (work, error) {
	unlock := e.locks.Lock(id)
	defer unlock()

	inst, err := e.store.GetInstance(ctx, id)
	if err != nil {
		return work{}, wrapNotFound(err, id)
	}
	if inst.Status.IsTerminal() {
		// Stale trigger (e.g. a completion that raced with termination).
		return work{}, nil
	}

	events, err := e.store.ReadHistory(ctx, id)
	if err != nil {
		return work{}, err
	}

	fn, err := e.registry.Get(inst.Name)
	if err != nil {
		return work{}, e.fail(ctx, inst, err)
	}

	if inst.Status != api.StatusRunning {
		inst.Status = api.StatusRunning
		inst.LastUpdatedAt = e.clock()
		if err := e.store.UpdateInstance(ctx, inst); err != nil {
			return work{}, err
		}
	}

	begin := time.Now()
	res := workflow.Execute(fn, id, events,
		workflow.WithClock(e.clock),
		workflow.WithLogger(e.logger.With("instance_id", id, "orchestrator", inst.Name)),
	)
	if res.Fatal != nil {
		return work{}, e.fail(ctx, inst, res.Fatal)
	}

	if len(res.NewEvents) > 0 {
		if err := e.store.AppendEvents(ctx, id, res.NewEvents...); err != nil {
			if errors.Is(err, api.ErrOutOfOrderWrite) {
				if e.historyGrew(ctx, id, len(events)) {
					// Another process appended since ReadHistory. Its
					// events are part of the history now; replay them.
					e.logger.Info("history moved during replay pass; replaying again",
						"instance_id", id,
						"read_len", len(events),
					)
					return work{pass: true}, nil
				}
				return work{}, e.fail(ctx, inst, err)
			}
			return work{}, err
		}
	}

	w := work{
		activities: res.ActivityTasks(id),
		timers:     res.Timers(),
	}

	inst.LastUpdatedAt = e.clock()
	switch {
	case res.Completed && res.Err != nil:
		inst.Status = api.StatusFailed
		inst.Error = res.Err.Error()
	case res.Completed:
		inst.Status = api.StatusCompleted
		inst.Output = res.Output
	default:
		inst.Status = api.StatusSuspended
	}
	if err := e.store.UpdateInstance(ctx, inst); err != nil {
		return work{}, err
	}

	e.observer.OnReplayPass(ctx, inst, len(w.activities)+len(w.timers), time.Since(begin))
	switch inst.Status {
	case api.StatusCompleted:
		e.observer.OnInstanceCompleted(ctx, inst)
	case api.StatusFailed:
		e.observer.OnInstanceFailed(ctx, inst, res.Err)
	}
	return w, nil
}

// historyGrew reports whether the history of id is now longer than read.
func (e *engineImpl) historyGrew(ctx context.Context, id string, read int) bool {
	current, err := e.store.ReadHistory(ctx, id)
	return err == nil && len(current) > read
}

// fail closes the history with the error and marks the instance FAILED.
// It returns nil when the failure was recorded: the error belongs to the
// instance, not to the caller.
func (e *engineImpl) fail(ctx context.Context, inst *api.Instance, cause error) error {
	e.logger.Error("orchestration failed",
		"instance_id", inst.ID,
		"orchestrator", inst.Name,
		"error", cause,
	)

	_, err := e.appendNext(ctx, inst.ID, func(events []api.HistoryEvent) (*api.HistoryEvent, error) {
		if history.NewIndex(events).Terminal != nil {
			return nil, nil
		}
		return &api.HistoryEvent{
			Type:      api.EventOrchestratorCompleted,
			Timestamp: e.clock(),
			Error:     cause.Error(),
		}, nil
	})
	switch {
	case errors.Is(err, api.ErrOutOfOrderWrite):
		e.logger.Warn("could not close history of failed instance", "instance_id", inst.ID, "error", err)
	case err != nil:
		return err
	}

	inst.Status = api.StatusFailed
	inst.Error = cause.Error()
	inst.Output = nil
	inst.LastUpdatedAt = e.clock()
	if err := e.store.UpdateInstance(ctx, inst); err != nil {
		return err
	}

	e.observer.OnInstanceFailed(ctx, inst, cause)
	return nil
}

func (e *engineImpl) ReportResult(ctx context.Context, id string, seq int64, output api.Payload, actErr error) error {
	ev := api.HistoryEvent{
		Type:         api.EventActivityCompleted,
		ScheduledSeq: seq,
		Output:       output,
	}
	if actErr != nil {
		ev.Type = api.EventActivityFailed
		ev.Output = nil
		ev.Error = actErr.Error()
	}
	return e.recordResult(ctx, id, api.EventActivityScheduled, ev)
}

func (e *engineImpl) ReportTimerFired(ctx context.Context, id string, seq int64) error {
	return e.recordResult(ctx, id, api.EventTimerCreated, api.HistoryEvent{
		Type:         api.EventTimerFired,
		ScheduledSeq: seq,
	})
}

// recordResult appends ev as the result of the scheduling event at
// ev.ScheduledSeq and triggers a new pass. Results for closed or unknown
// instances and duplicate results are dropped.
func (e *engineImpl) recordResult(ctx context.Context, id string, want api.EventType, ev api.HistoryEvent) error {
	recorded, err := e.appendResult(ctx, id, want, ev)
	if err != nil || !recorded {
		return err
	}
	return e.dispatch(ctx, id, work{pass: true})
}

func (e *engineImpl) appendResult(ctx context.Context, id string, want api.EventType, ev api.HistoryEvent) (bool, error) {
	unlock := e.locks.Lock(id)
	defer unlock()

	inst, err := e.store.GetInstance(ctx, id)
	if err != nil {
		if errors.Is(err, api.ErrInstanceNotFound) {
			e.logger.Debug("discarding result for unknown instance", "instance_id", id, "seq", ev.ScheduledSeq)
			return false, nil
		}
		return false, err
	}
	if inst.Status.IsTerminal() {
		e.logger.Debug("discarding result for closed instance",
			"instance_id", id,
			"status", inst.Status,
			"seq", ev.ScheduledSeq,
		)
		return false, nil
	}

	recorded, err := e.appendNext(ctx, id, func(events []api.HistoryEvent) (*api.HistoryEvent, error) {
		idx := history.NewIndex(events)
		if idx.Terminal != nil {
			e.logger.Debug("discarding result for closed instance", "instance_id", id, "seq", ev.ScheduledSeq)
			return nil, nil
		}

		scheduled, ok := idx.Event(ev.ScheduledSeq)
		if !ok || scheduled.Type != want {
			return nil, fmt.Errorf("instance %s has no %s event at seq %d", id, want, ev.ScheduledSeq)
		}
		if _, done := idx.Results[ev.ScheduledSeq]; done {
			e.logger.Debug("ignoring duplicate result", "instance_id", id, "seq", ev.ScheduledSeq)
			return nil, nil
		}

		out := ev
		out.Timestamp = e.clock()
		if out.Type == api.EventActivityCompleted || out.Type == api.EventActivityFailed {
			out.Name = scheduled.Name
		}
		return &out, nil
	})
	if errors.Is(err, api.ErrInstanceNotFound) {
		e.logger.Debug("discarding result for purged instance", "instance_id", id, "seq", ev.ScheduledSeq)
		return false, nil
	}
	return recorded, err
}

// maxAppendAttempts bounds how often appendNext re-reads a history that
// another writer keeps extending.
const maxAppendAttempts = 8

// appendNext appends the event that next derives from the current history
// at seq len+1. When another writer takes that seq first, the store
// reports api.ErrOutOfOrderWrite and appendNext reads again. next returns
// nil to append nothing; appendNext then reports false.
func (e *engineImpl) appendNext(ctx context.Context, id string, next func([]api.HistoryEvent) (*api.HistoryEvent, error)) (bool, error) {
	for attempt := 1; ; attempt++ {
		events, err := e.store.ReadHistory(ctx, id)
		if err != nil {
			return false, wrapNotFound(err, id)
		}
		ev, err := next(events)
		if err != nil || ev == nil {
			return false, err
		}
		ev.Seq = int64(len(events)) + 1

		err = e.store.AppendEvents(ctx, id, *ev)
		if err == nil {
			return true, nil
		}
		if !errors.Is(err, api.ErrOutOfOrderWrite) || attempt == maxAppendAttempts {
			return false, err
		}
		e.logger.Debug("history moved under append; retrying",
			"instance_id", id,
			"event", ev.Type,
			"attempt", attempt,
		)
	}
}

func (e *engineImpl) Terminate(ctx context.Context, id string, reason string) error {
	unlock := e.locks.Lock(id)
	defer unlock()

	inst, err := e.store.GetInstance(ctx, id)
	if err != nil {
		return wrapNotFound(err, id)
	}
	if inst.Status.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", api.ErrInstanceTerminal, id, inst.Status)
	}

	_, err = e.appendNext(ctx, id, func(events []api.HistoryEvent) (*api.HistoryEvent, error) {
		if term := history.NewIndex(events).Terminal; term != nil {
			return nil, fmt.Errorf("%w: %s closed with %s", api.ErrInstanceTerminal, id, term.Type)
		}
		return &api.HistoryEvent{
			Type:      api.EventOrchestratorTerminated,
			Timestamp: e.clock(),
			Error:     reason,
		}, nil
	})
	if err != nil {
		return err
	}

	inst.Status = api.StatusTerminated
	inst.Error = reason
	inst.LastUpdatedAt = e.clock()
	if err := e.store.UpdateInstance(ctx, inst); err != nil {
		return err
	}

	e.observer.OnInstanceTerminated(ctx, inst, reason)
	return nil
}

func (e *engineImpl) Purge(ctx context.Context, id string) error {
	unlock := e.locks.Lock(id)
	defer unlock()

	inst, err := e.store.GetInstance(ctx, id)
	if err != nil {
		return wrapNotFound(err, id)
	}
	if !inst.Status.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", api.ErrInstanceNotTerminal, id, inst.Status)
	}

	if e.archiver != nil {
		events, err := e.store.ReadHistory(ctx, id)
		if err != nil {
			return err
		}
		if err := e.archiver.Archive(ctx, inst, events); err != nil {
			return fmt.Errorf("archive %s: %w", id, err)
		}
	}

	return e.store.DeleteInstance(ctx, id)
}

func (e *engineImpl) Recover(ctx context.Context) (int, error) {
	instances, err := e.store.ListInstances(ctx, persistence.InstanceFilter{})
	if err != nil {
		return 0, err
	}

	var (
		n    int
		errs []error
	)
	for _, inst := range instances {
		if inst.Status.IsTerminal() {
			continue
		}
		events, err := e.store.ReadHistory(ctx, inst.ID)
		if err != nil {
			errs = append(errs, err)
			continue
		}

		w := outstandingWork(inst.ID, events)
		w.pass = true
		if err := e.dispatch(ctx, inst.ID, w); err != nil {
			errs = append(errs, err)
			continue
		}
		n++
	}

	e.logger.Info("recovered instances", "count", n)
	return n, errors.Join(errs...)
}

func wrapNotFound(err error, id string) error {
	if errors.Is(err, api.ErrInstanceNotFound) {
		return fmt.Errorf("%w: %s", api.ErrInstanceNotFound, id)
	}
	return err
}
