package api

import (
	"errors"
	"fmt"
)

var (
	// ErrOutOfOrderWrite is returned when an appended event's sequence number
	// is not exactly one greater than the current history length.
	ErrOutOfOrderWrite = errors.New("out of order history write")

	// ErrNonDeterminism is matched by every *NonDeterminismError.
	ErrNonDeterminism = errors.New("non-determinism detected")

	// ErrDuplicateInstance is returned when creating an instance whose id exists.
	ErrDuplicateInstance = errors.New("duplicate instance")

	// ErrInstanceNotFound is returned when an instance id is unknown.
	ErrInstanceNotFound = errors.New("instance not found")

	// ErrInstanceTerminal is returned for operations that require a
	// non-terminal instance (or vice versa, for Purge).
	ErrInstanceTerminal = errors.New("instance is in a terminal state")

	// ErrInstanceNotTerminal is returned when purging a live instance.
	ErrInstanceNotTerminal = errors.New("instance is not in a terminal state")

	// ErrOrchestratorNotFound is returned when no orchestrator is registered
	// under the requested name.
	ErrOrchestratorNotFound = errors.New("orchestrator not found")

	// ErrActivityNotFound is returned when no activity is registered under
	// the requested name.
	ErrActivityNotFound = errors.New("activity not found")
)

// NonDeterminismError describes where a replay diverged from history.
type NonDeterminismError struct {
	// Seq is the history position of the recorded event that did not match,
	// or 0 when the orchestrator issued a call with no recorded counterpart.
	Seq      int64
	Expected string
	Actual   string
}

func (e *NonDeterminismError) Error() string {
	return fmt.Sprintf("non-determinism detected at seq %d: history has %s, orchestrator issued %s",
		e.Seq, e.Expected, e.Actual)
}

func (e *NonDeterminismError) Is(target error) bool {
	return target == ErrNonDeterminism
}

// ActivityError is the terminal failure of an activity after the dispatcher
// exhausted its retries. Orchestrators observe it as an ordinary error from
// Task.Await and may handle or return it.
type ActivityError struct {
	Name    string
	Seq     int64
	Message string
}

func (e *ActivityError) Error() string {
	return fmt.Sprintf("activity %s (seq %d) failed: %s", e.Name, e.Seq, e.Message)
}

type nonRetryableError struct {
	err error
}

func (e *nonRetryableError) Error() string { return e.err.Error() }
func (e *nonRetryableError) Unwrap() error { return e.err }

// NonRetryable wraps err so the dispatcher reports it as terminal without
// spending the remaining attempts.
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &nonRetryableError{err: err}
}

// IsNonRetryable reports whether err was marked with NonRetryable.
func IsNonRetryable(err error) bool {
	var nr *nonRetryableError
	return errors.As(err, &nr)
}
