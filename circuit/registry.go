package circuit

import (
	"sync"
	"time"

	"github.com/aponysus/rerun/policy"
)

// Registry keeps one breaker per test scope, so a package whose tests all
// exhaust (say, its fixture database is down) stops rerunning without
// affecting other packages.
type Registry struct {
	mu        sync.RWMutex
	breakers  map[string]CircuitBreaker
	threshold int
	cooldown  time.Duration
	nowFn     func() time.Time
}

// NewRegistry creates a registry whose breakers use threshold and cooldown.
func NewRegistry(threshold int, cooldown time.Duration) *Registry {
	return &Registry{
		breakers:  make(map[string]CircuitBreaker),
		threshold: threshold,
		cooldown:  cooldown,
	}
}

// For returns the breaker for id's scope, creating it on first use.
func (r *Registry) For(id policy.TestIdentity) CircuitBreaker {
	if r == nil {
		return nil
	}
	scope := id.Scope

	r.mu.RLock()
	cb, ok := r.breakers[scope]
	r.mu.RUnlock()
	if ok {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[scope]; ok {
		return cb
	}
	b := NewExhaustionBreaker(r.threshold, r.cooldown)
	if r.nowFn != nil {
		b.nowFn = r.nowFn
	}
	r.breakers[scope] = b
	return b
}

// Open returns the scopes whose breaker is currently open.
func (r *Registry) Open() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for scope, cb := range r.breakers {
		if cb.State() == StateOpen {
			out = append(out, scope)
		}
	}
	return out
}
