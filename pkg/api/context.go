package api

import "context"

// ActivityInfo describes the activity invocation a context belongs to.
type ActivityInfo struct {
	InstanceID string
	Seq        int64
	Name       string
	// Attempt is 1 for the first execution and grows with each retry.
	Attempt int
}

type activityInfoKey struct{}

// WithActivityInfo attaches info to ctx. Used by workers before invoking an
// activity.
func WithActivityInfo(ctx context.Context, info ActivityInfo) context.Context {
	return context.WithValue(ctx, activityInfoKey{}, info)
}

// ActivityInfoFromContext returns the ActivityInfo attached by the worker.
func ActivityInfoFromContext(ctx context.Context) (ActivityInfo, bool) {
	info, ok := ctx.Value(activityInfoKey{}).(ActivityInfo)
	return info, ok
}
