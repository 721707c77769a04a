package worker

import (
	"slices"
	"time"

	"github.com/petrijr/replayflow/pkg/api"
)

// RetryBuilder assembles the retry policy of an activity:
//
//	w.RegisterActivity("Charge", charge,
//		worker.Retry(5).
//			Backoff(100*time.Millisecond, 2, 5*time.Second).
//			GiveUpOn(ErrCardDeclined).
//			Option())
//
// Builders are values; every method returns a modified copy.
type RetryBuilder struct {
	policy api.RetryPolicy
}

// Retry starts a policy of at most maxAttempts attempts, the first one
// included. maxAttempts <= 0 means a single attempt. Without a backoff
// call the attempts run back to back.
func Retry(maxAttempts int) RetryBuilder {
	return RetryBuilder{policy: api.RetryPolicy{MaxAttempts: max(maxAttempts, 1)}}
}

// Backoff waits initial after the first failure and multiplies the wait
// by multiplier (2 when <= 0) after each further one, up to ceiling when
// ceiling > 0.
func (b RetryBuilder) Backoff(initial time.Duration, multiplier float64, ceiling time.Duration) RetryBuilder {
	if multiplier <= 0 {
		multiplier = 2
	}
	b.policy.InitialBackoff = initial
	b.policy.BackoffMultiplier = multiplier
	b.policy.MaxBackoff = ceiling
	return b
}

// Constant waits delay between every two attempts.
func (b RetryBuilder) Constant(delay time.Duration) RetryBuilder {
	return b.Backoff(delay, 1, 0)
}

// NoDelay retries immediately.
func (b RetryBuilder) NoDelay() RetryBuilder {
	b.policy.InitialBackoff = 0
	b.policy.BackoffMultiplier = 0
	b.policy.MaxBackoff = 0
	return b
}

// GiveUpOn stops retrying once an attempt fails with an error matching
// one of errs under errors.Is. The failure is reported as is.
func (b RetryBuilder) GiveUpOn(errs ...error) RetryBuilder {
	b.policy.NonRetryableErrors = append(slices.Clone(b.policy.NonRetryableErrors), errs...)
	return b
}

// Policy returns the assembled policy, for Config.Retry.
func (b RetryBuilder) Policy() api.RetryPolicy {
	p := b.policy
	p.NonRetryableErrors = slices.Clone(p.NonRetryableErrors)
	return p
}

// Option returns the policy as a RegisterActivity option.
func (b RetryBuilder) Option() ActivityOption {
	return WithRetry(b.Policy())
}
