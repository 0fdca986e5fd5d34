package circuit

import "context"

// State represents the state of a circuit breaker.
type State int

const (
	StateClosed   State = iota // Reruns allowed.
	StateOpen                  // Reruns denied; flagged tests run once.
	StateHalfOpen              // One probe test may rerun.
)

const (
	ReasonCircuitOpen               = "circuit_open"
	ReasonCircuitHalfOpenProbeLimit = "circuit_half_open_probe_limit"
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Decision represents the result of checking a circuit breaker.
type Decision struct {
	Allowed bool
	State   State
	Reason  string
}

// CircuitBreaker stops rerunning flaky tests when they keep exhausting their
// budget, which usually means something systemic (a dead database, a broken
// build) rather than flakiness.
//
// Allow is asked once per test, before its first rerun. RecordSuccess is
// called when a flagged test reaches its pass quota and RecordFailure when it
// exhausts max_runs without doing so.
type CircuitBreaker interface {
	Allow(ctx context.Context) Decision
	RecordSuccess(ctx context.Context)
	RecordFailure(ctx context.Context)
	State() State
}
