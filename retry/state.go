package retry

import (
	"github.com/aponysus/rerun/classify"
	"github.com/aponysus/rerun/policy"
)

// State is the per-test retry record of a flagged test.
//
// A State is owned by the executor for one test's attempt loop and is only
// touched between attempts; it needs no locking as long as attempts of the
// same test stay sequential, which the StateTable enforces.
type State struct {
	Identity policy.TestIdentity
	Policy   policy.FlakyPolicy

	Runs   int
	Passes int

	// Failures holds every failed attempt, oldest first. Records are never
	// overwritten.
	Failures []classify.FailureRecord
}

// NewState returns a fresh state for id with pol fixed for its lifetime.
func NewState(id policy.TestIdentity, pol policy.FlakyPolicy) *State {
	return &State{Identity: id, Policy: pol}
}

// QuotaMet reports whether the test has reached min_passes.
func (s *State) QuotaMet() bool {
	return s.Passes >= s.Policy.MinPasses
}

// Exhausted reports whether the test has used all of max_runs.
func (s *State) Exhausted() bool {
	return s.Runs >= s.Policy.MaxRuns
}

// LastFailure returns the most recent failure record, if any.
func (s *State) LastFailure() (classify.FailureRecord, bool) {
	if len(s.Failures) == 0 {
		return classify.FailureRecord{}, false
	}
	return s.Failures[len(s.Failures)-1], true
}
