// Package api contains the core types shared by the replayflow engine,
// its stores and its workers.
//
// Most users interact with the higher-level replayflow package, which
// re-exports selected types and helpers from this package. The api package
// is intended for custom integrations (new store backends, transports or
// observers) and for contributors extending the engine itself.
//
// # Concepts
//
// The package centers around a small set of concepts:
//
//   - Instances and their lifecycle Status
//   - History events, the append-only record every replay is driven by
//   - Activity tasks, the unit of work handed to workers
//   - Errors shared across components
//   - Observability hooks
//
// # Instances
//
// An Instance is one execution of a registered orchestrator. It moves
// through PENDING → RUNNING → SUSPENDED ⇄ RUNNING and ends in COMPLETED,
// FAILED or TERMINATED. Terminal instances are kept until they are purged.
//
// # History
//
// Every instance owns an ordered list of HistoryEvent values. Sequence
// numbers start at 1 and grow by exactly one per event; stores reject any
// other write with ErrOutOfOrderWrite. The history is the single source of
// truth: after a restart the engine rebuilds all in-memory state by
// replaying the orchestrator against it.
//
// Values carried by events (inputs, outputs, side effects) are stored as
// JSON Payload values.
//
// # Errors
//
// Client-facing errors (ErrDuplicateInstance, ErrInstanceNotFound) never
// affect the engine. ErrOutOfOrderWrite and ErrNonDeterminism are fatal to
// the instance they occur in and move it to FAILED. ActivityError is how an
// orchestrator observes an activity that failed after all retries.
//
// # Observability
//
// Observer receives instance, replay pass and activity callbacks.
// LoggingObserver logs them with log/slog, BasicMetrics keeps in-process
// counters, and CompositeObserver fans out to several observers.
package api
