// Package worker provides the activity dispatcher that drives replayflow
// orchestrations forward.
//
// Workers consume tasks from a task queue. There are three kinds:
//
//   - activity tasks run a registered activity and report its terminal
//     outcome through Engine.ReportResult
//   - timer tasks become due at the timer's fire time and are reported
//     through Engine.ReportTimerFired
//   - orchestrate tasks run a replay pass through Engine.RunPass
//
// # Retries
//
// A failing activity is retried according to its RetryPolicy, with
// exponential backoff between attempts. Only the final outcome is reported,
// so orchestrators never see individual attempts. Errors wrapped with
// api.NonRetryable end the attempts early. Panics inside activities are
// recovered and treated as failed attempts.
//
// Activities can inspect their invocation through api.ActivityInfoFromContext.
//
// # Cancellation
//
// Before executing an activity (and between retries) the worker asks the
// engine whether the instance is still active. Work for terminated or purged
// instances is skipped.
//
// # Concurrency
//
// Run starts a fixed number of goroutines that each process one task at a
// time. When all of them are busy, tasks wait in the queue. Multiple workers
// (in one process or several, with a shared durable queue) can consume the
// same queue.
package worker
