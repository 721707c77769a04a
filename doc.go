// Package replayflow provides a durable, replay-based orchestration engine
// for Go.
//
// Orchestrations are plain Go functions that call activities, wait on timers
// and fan work out in parallel. Their progress is kept as an append-only
// history; after every result the engine re-runs the function from the top
// and answers completed calls from that history, so an orchestration survives
// process restarts without checkpointing its own state.
//
// # Core Concepts
//
//  1. Engine
//  2. Orchestrator
//  3. Activity
//  4. Worker
//  5. LocalRunner
//
// # Engine
//
// The Engine owns instances and their histories. It provides APIs to:
//   - start orchestrations
//   - read instance status, output and history
//   - terminate and purge instances
//   - recover unfinished instances after a restart
//
// Engines can be backed by different storage systems:
//
//   - In-memory (non-durable, best for tests)
//   - SQLite (embedded durability)
//   - Postgres
//   - Redis
//   - MongoDB
//
// Replay passes for one instance never overlap, and every history append is
// checked against the current length, so a history is always contiguous.
//
// # Orchestrator
//
// An Orchestrator receives an OrchestrationContext:
//
//	func chain(ctx *replayflow.OrchestrationContext) (any, error) {
//	    var a, b string
//	    if err := ctx.CallActivity("Hello", "Tokyo").Await(&a); err != nil {
//	        return nil, err
//	    }
//	    if err := ctx.CallActivity("Hello", "Seattle").Await(&b); err != nil {
//	        return nil, err
//	    }
//	    return []string{a, b}, nil
//	}
//
// Orchestrators must be deterministic: the same history must produce the same
// sequence of CallActivity, CreateTimer and SideEffect calls. Use ctx.Now for
// the current time, SideEffect for random or external values and ctx.Logger
// for logging that stays quiet while replaying. A call that does not match the
// recorded history fails the instance with a NonDeterminismError.
//
// Fan-out is a set of CallActivity calls followed by WhenAll:
//
//	tasks := make([]*replayflow.Task, n)
//	for i := range tasks {
//	    tasks[i] = ctx.CallActivity("Work", i)
//	}
//	if err := ctx.WhenAll(tasks...); err != nil {
//	    return nil, err
//	}
//
// # Activity
//
// An Activity is ordinary Go code that performs the side effects:
//
//	func hello(ctx context.Context, input replayflow.Payload) (any, error)
//
// Activities run at least once. A failed attempt is retried according to the
// worker's retry policy unless the error is wrapped with NonRetryable; the
// final failure reaches the orchestrator as an ActivityError.
//
// # Worker
//
// A Worker pulls tasks from a queue, runs activities, fires timers and
// triggers replay passes. Workers can run as goroutines next to the engine or
// as separate processes sharing a durable store and queue (see
// cmd/replayflow).
//
// Engine.Recover resubmits every activity and timer whose result is not in
// the history yet, because a task that a crashed worker had already claimed
// is gone from the queue. When the original task is still queued, for
// example in a durable queue after a clean restart, the activity runs
// twice. The first result is recorded and the second is dropped, so the
// history stays the same, but activities with outside effects should be
// idempotent.
//
// # LocalRunner
//
// LocalRunner bundles an in-memory engine, queue and worker into one
// process-local helper for development and tests. It is not crash-durable;
// WorkerBundle gives the same convenience on top of SQLite.
package replayflow
