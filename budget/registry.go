package budget

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/aponysus/rerun/internal"
	"github.com/aponysus/rerun/policy"
)

// Registry is a thread-safe scope -> Budget map. It is itself a Budget: a
// rerun is charged to the budget registered for the longest scope prefix of
// the test, or to the fallback when none matches.
type Registry struct {
	mu       sync.RWMutex
	m        map[string]Budget
	fallback Budget
}

// NewRegistry returns a registry that charges unmatched tests to fallback.
// A nil fallback allows them.
func NewRegistry(fallback Budget) *Registry {
	if internal.IsTypedNil(fallback) {
		fallback = UnlimitedBudget{}
	}
	return &Registry{m: make(map[string]Budget), fallback: fallback}
}

// Register registers a budget for scope.
// It returns an error if the registry is nil, the scope is empty, or the budget is nil/typed-nil.
func (r *Registry) Register(scope string, b Budget) error {
	if r == nil {
		return errors.New("registry is nil")
	}
	scope = strings.TrimSpace(scope)
	if scope == "" {
		return errors.New("budget scope cannot be empty")
	}
	if internal.IsTypedNil(b) {
		return errors.New("budget cannot be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.m == nil {
		r.m = make(map[string]Budget)
	}
	r.m[scope] = b
	return nil
}

// MustRegister registers a budget and panics on error.
func (r *Registry) MustRegister(scope string, b Budget) {
	if err := r.Register(scope, b); err != nil {
		panic("budget.Registry.MustRegister: " + err.Error())
	}
}

// Get returns the budget registered for exactly scope.
func (r *Registry) Get(scope string) (Budget, bool) {
	if r == nil {
		return nil, false
	}
	scope = strings.TrimSpace(scope)
	if scope == "" {
		return nil, false
	}
	r.mu.RLock()
	b, ok := r.m[scope]
	r.mu.RUnlock()
	return b, ok && b != nil
}

// For returns the budget that governs id.
func (r *Registry) For(id policy.TestIdentity) Budget {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best Budget
	bestLen := -1
	for scope, b := range r.m {
		if !scopeCovers(scope, id.Scope) || len(scope) <= bestLen {
			continue
		}
		best, bestLen = b, len(scope)
	}
	if best == nil {
		return r.fallback
	}
	return best
}

func (r *Registry) AllowRerun(ctx context.Context, id policy.TestIdentity, attempt int) Decision {
	b := r.For(id)
	if b == nil {
		return Decision{Allowed: false, Reason: ReasonBudgetNil}
	}
	return b.AllowRerun(ctx, id, attempt)
}

// scopeCovers reports whether prefix names scope or one of its parents.
func scopeCovers(prefix, scope string) bool {
	if !strings.HasPrefix(scope, prefix) {
		return false
	}
	if len(scope) == len(prefix) {
		return true
	}
	switch scope[len(prefix)] {
	case '/', '.', ':':
		return true
	}
	return false
}
