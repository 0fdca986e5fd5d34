package retry

import (
	"errors"
	"fmt"

	"github.com/aponysus/rerun/classify"
	"github.com/aponysus/rerun/policy"
)

// ErrInterrupted is returned when the run context was cancelled during a
// test's attempt loop. The attempt in flight is never retried.
var ErrInterrupted = errors.New("rerun: interrupted")

// SetupError reports an attempt that could not produce a usable report. Setup
// failures are never rerun.
type SetupError struct {
	Identity policy.TestIdentity
	Attempt  int
	Failure  classify.FailureRecord
	Err      error
}

func (e *SetupError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("rerun: setup failed for %s on attempt %d: %v", e.Identity, e.Attempt, e.Err)
	}
	return fmt.Sprintf("rerun: setup failed for %s on attempt %d: %s", e.Identity, e.Attempt, e.Failure.Summary())
}

func (e *SetupError) Unwrap() error {
	return e.Err
}

// PanicError is a panic recovered from the attempt primitive, the classifier
// or a budget.
type PanicError struct {
	Component string
	Identity  policy.TestIdentity
	Value     any
	Stack     []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("rerun: panic in %s for %s: %v", e.Component, e.Identity, e.Value)
}
