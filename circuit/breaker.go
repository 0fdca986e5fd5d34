package circuit

import (
	"context"
	"sync"
	"time"
)

// ExhaustionBreaker opens after threshold consecutive flagged tests exhaust
// their budget. After cooldown it lets a single probe test rerun; the probe
// reaching its quota closes the breaker, exhausting again reopens it.
type ExhaustionBreaker struct {
	mu sync.Mutex

	state State

	threshold int
	cooldown  time.Duration
	maxProbes int

	consecutive      int
	openTime         time.Time
	probesSent       int
	probesSuccessful int
	probesRequired   int

	nowFn func() time.Time
}

// NewExhaustionBreaker creates a breaker. Non-positive values select the
// defaults: 5 exhausted tests, 30s cooldown.
func NewExhaustionBreaker(threshold int, cooldown time.Duration) *ExhaustionBreaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &ExhaustionBreaker{
		state:          StateClosed,
		threshold:      threshold,
		cooldown:       cooldown,
		maxProbes:      1,
		probesRequired: 1,
	}
}

func (cb *ExhaustionBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.updateStateLocked()
}

func (cb *ExhaustionBreaker) Allow(ctx context.Context) Decision {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.updateStateLocked() {
	case StateOpen:
		return Decision{Allowed: false, State: StateOpen, Reason: ReasonCircuitOpen}
	case StateHalfOpen:
		if cb.probesSent >= cb.maxProbes {
			return Decision{Allowed: false, State: StateHalfOpen, Reason: ReasonCircuitHalfOpenProbeLimit}
		}
		cb.probesSent++
		return Decision{Allowed: true, State: StateHalfOpen}
	default:
		return Decision{Allowed: true, State: StateClosed}
	}
}

func (cb *ExhaustionBreaker) RecordSuccess(ctx context.Context) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.updateStateLocked() {
	case StateClosed:
		cb.consecutive = 0
	case StateHalfOpen:
		cb.probesSuccessful++
		if cb.probesSuccessful >= cb.probesRequired {
			cb.transitionTo(StateClosed)
		} else {
			cb.probesSent--
		}
	}
}

func (cb *ExhaustionBreaker) RecordFailure(ctx context.Context) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.updateStateLocked() {
	case StateClosed:
		cb.consecutive++
		if cb.consecutive >= cb.threshold {
			cb.transitionTo(StateOpen)
		}
	case StateHalfOpen:
		cb.transitionTo(StateOpen)
	}
}

func (cb *ExhaustionBreaker) updateStateLocked() State {
	if cb.state == StateOpen && cb.now().Sub(cb.openTime) >= cb.cooldown {
		cb.transitionTo(StateHalfOpen)
	}
	return cb.state
}

func (cb *ExhaustionBreaker) transitionTo(next State) {
	cb.state = next
	switch next {
	case StateClosed:
		cb.consecutive = 0
		cb.probesSent = 0
		cb.probesSuccessful = 0
	case StateOpen:
		cb.openTime = cb.now()
		cb.consecutive = 0
	case StateHalfOpen:
		cb.probesSent = 0
		cb.probesSuccessful = 0
	}
}

func (cb *ExhaustionBreaker) now() time.Time {
	if cb.nowFn != nil {
		return cb.nowFn()
	}
	return time.Now()
}

// SetClock overrides the breaker clock, primarily for tests.
func (cb *ExhaustionBreaker) SetClock(f func() time.Time) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.nowFn = f
}
