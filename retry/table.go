package retry

import (
	"errors"
	"fmt"
	"sync"

	"github.com/aponysus/rerun/controlplane"
	"github.com/aponysus/rerun/policy"
)

// ErrTestInFlight is returned when a test is started while an attempt loop
// for the same identity is still live.
var ErrTestInFlight = errors.New("rerun: test already running")

// StateTable is the side-table that maps a test identity to its live retry
// state, plus the resolution made the first time the identity was seen.
//
// One table serves one test run. It is safe for hosts that run different
// tests in parallel; each State is still owned by a single attempt loop.
type StateTable struct {
	mu       sync.Mutex
	live     map[policy.TestIdentity]*State
	resolved map[policy.TestIdentity]controlplane.Resolution
}

// NewStateTable returns an empty table.
func NewStateTable() *StateTable {
	return &StateTable{
		live:     make(map[policy.TestIdentity]*State),
		resolved: make(map[policy.TestIdentity]controlplane.Resolution),
	}
}

// Resolve returns the resolution recorded for id, calling resolve the first
// time only. Later store updates do not change it for the rest of the run.
func (t *StateTable) Resolve(id policy.TestIdentity, resolve func(policy.TestIdentity) controlplane.Resolution) controlplane.Resolution {
	t.mu.Lock()
	defer t.mu.Unlock()
	if res, ok := t.resolved[id]; ok {
		return res
	}
	res := resolve(id)
	t.resolved[id] = res
	return res
}

// Acquire creates the live state for id. It fails with ErrTestInFlight if a
// state for id already exists.
func (t *StateTable) Acquire(id policy.TestIdentity, pol policy.FlakyPolicy) (*State, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.live[id]; ok {
		return nil, fmt.Errorf("%w: %s", ErrTestInFlight, id)
	}
	st := NewState(id, pol)
	t.live[id] = st
	return st, nil
}

// Release destroys the live state for id.
func (t *StateTable) Release(id policy.TestIdentity) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.live, id)
}

// Live returns the live state for id, if any.
func (t *StateTable) Live(id policy.TestIdentity) (*State, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.live[id]
	return st, ok
}

// Len returns the number of live states.
func (t *StateTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.live)
}
