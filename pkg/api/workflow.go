package api

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Status represents the lifecycle state of an orchestration instance.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusRunning    Status = "RUNNING"
	StatusSuspended  Status = "SUSPENDED"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusTerminated Status = "TERMINATED"
)

// IsTerminal reports whether no further replay pass may run for the status.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTerminated:
		return true
	}
	return false
}

// Payload is a JSON-encoded value carried by history events and tasks.
// It marshals as raw JSON, like json.RawMessage.
type Payload []byte

// EncodePayload serializes v as JSON. A nil value yields a nil payload.
func EncodePayload(v any) (Payload, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case Payload:
		return x, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return Payload(data), nil
}

// Decode unmarshals the payload into v. An empty payload leaves v untouched.
func (p Payload) Decode(v any) error {
	if len(p) == 0 || v == nil {
		return nil
	}
	return json.Unmarshal(p, v)
}

func (p Payload) String() string {
	return string(p)
}

func (p Payload) MarshalJSON() ([]byte, error) {
	if len(p) == 0 {
		return []byte("null"), nil
	}
	return p, nil
}

func (p *Payload) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*p = nil
		return nil
	}
	*p = append((*p)[0:0], data...)
	return nil
}

// ActivityFunc implements an activity. It must tolerate being retried.
type ActivityFunc func(ctx context.Context, input Payload) (any, error)

// Instance is the durable record of one orchestration execution.
type Instance struct {
	ID     string
	Name   string
	Status Status

	// Input is the value the instance was started with.
	Input Payload

	// Output is set once the instance reaches StatusCompleted.
	Output Payload

	// Error holds the failure (or termination reason) for FAILED and
	// TERMINATED instances.
	Error string

	CreatedAt     time.Time
	LastUpdatedAt time.Time
}

// DecodeOutput unmarshals the instance output into v.
func (i *Instance) DecodeOutput(v any) error {
	return i.Output.Decode(v)
}

// ActivityTask is a single activity invocation produced by a replay pass.
// Seq is the sequence number of the ActivityScheduled event it belongs to.
type ActivityTask struct {
	InstanceID string
	Seq        int64
	Name       string
	Input      Payload
}

// RetryPolicy controls how the dispatcher retries a failing activity.
// MaxAttempts includes the first attempt. For example:
//
//	MaxAttempts = 1 => no retries (just the initial call)
//	MaxAttempts = 3 => initial call + up to 2 retries
//
// InitialBackoff is the delay before the first retry. Each later retry
// multiplies the delay by BackoffMultiplier (2.0 when <= 0), capped at
// MaxBackoff when MaxBackoff > 0.
//
// An error marked with NonRetryable, or matching one of NonRetryableErrors
// under errors.Is, ends the retries at once.
type RetryPolicy struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	BackoffMultiplier float64
	MaxBackoff        time.Duration

	NonRetryableErrors []error
}

// GivesUpOn reports whether err ends the retries.
func (p RetryPolicy) GivesUpOn(err error) bool {
	if IsNonRetryable(err) {
		return true
	}
	for _, target := range p.NonRetryableErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// Attempts returns the effective number of attempts (at least 1).
func (p RetryPolicy) Attempts() int {
	if p.MaxAttempts <= 0 {
		return 1
	}
	return p.MaxAttempts
}

// Delay returns the backoff to wait after the given failed attempt
// (1-based) before the next one.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if p.InitialBackoff <= 0 || attempt < 1 {
		return 0
	}
	multiplier := p.BackoffMultiplier
	if multiplier <= 0 {
		multiplier = 2.0
	}
	delay := float64(p.InitialBackoff)
	for i := 1; i < attempt; i++ {
		delay *= multiplier
		if p.MaxBackoff > 0 && time.Duration(delay) >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	d := time.Duration(delay)
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		d = p.MaxBackoff
	}
	return d
}

// InstanceListOptions controls how instances are listed.
// Zero values mean "no filter" for that field.
type InstanceListOptions struct {
	// Name, if non-empty, limits results to instances of the given orchestrator.
	Name string

	// Status, if non-empty, limits results to instances with the given status.
	Status Status
}

// StartOptions carries the optional settings of StartOrchestration.
type StartOptions struct {
	InstanceID string
}

// StartOption configures StartOrchestration.
type StartOption func(*StartOptions)

// WithInstanceID starts the orchestration under a caller-chosen id instead of
// a generated one. Starting twice with the same id fails with
// ErrDuplicateInstance.
func WithInstanceID(id string) StartOption {
	return func(o *StartOptions) {
		o.InstanceID = id
	}
}
