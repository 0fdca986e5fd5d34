package observe

import (
	"context"

	"github.com/aponysus/rerun/policy"
)

type attemptInfoKey struct{}

// AttemptInfo is per-attempt metadata attached to the attempt context, so the
// attempt primitive can tag its output or widen timeouts on reruns.
type AttemptInfo struct {
	Identity policy.TestIdentity
	Attempt  int // 1-based
	MaxRuns  int // 1 for tests that are not flagged
	Flagged  bool
}

// IsRerun reports whether this is not the first attempt.
func (i AttemptInfo) IsRerun() bool { return i.Attempt > 1 }

// WithAttemptInfo returns a context derived from ctx that carries info.
func WithAttemptInfo(ctx context.Context, info AttemptInfo) context.Context {
	return context.WithValue(ctx, attemptInfoKey{}, info)
}

// AttemptFromContext returns the AttemptInfo from ctx, if present.
func AttemptFromContext(ctx context.Context) (AttemptInfo, bool) {
	info, ok := ctx.Value(attemptInfoKey{}).(AttemptInfo)
	return info, ok
}
