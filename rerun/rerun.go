// Package rerun runs in-process checks through the flaky-test rerun protocol.
//
// The go test adapter in package gotest reruns whole test processes; this
// package is for hosts that own the attempt themselves, such as an
// integration harness or a background job, and want the same policy
// store, observers and verdicts.
package rerun

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aponysus/rerun/classify"
	"github.com/aponysus/rerun/policy"
	"github.com/aponysus/rerun/retry"
)

// Identity is the key a check is flagged and tracked under.
type Identity = policy.TestIdentity

// ParseIdentity parses "scope.Name" or "scope::Name".
func ParseIdentity(s string) Identity { return policy.ParseIdentity(s) }

// Operation is one attempt of a check. A nil error is a pass.
type Operation func(ctx context.Context) error

// ErrSkip marks an attempt skipped when returned, or wrapped, by an Operation.
var ErrSkip = errors.New("rerun: skipped")

type setupError struct{ err error }

func (e setupError) Error() string { return "setup: " + e.err.Error() }
func (e setupError) Unwrap() error { return e.err }

// Setup marks err as a failure to set the check up. Setup failures are
// reported immediately and never rerun.
func Setup(err error) error {
	if err == nil {
		return nil
	}
	return setupError{err: err}
}

// Do runs op as the check named name.
func Do(ctx context.Context, exec *retry.Executor, name string, op Operation) (retry.Verdict, error) {
	return exec.Run(ctx, ParseIdentity(name), Attempt(op))
}

// Attempt adapts op to the executor's attempt primitive.
func Attempt(op Operation) retry.AttemptFunc {
	return func(ctx context.Context, _ policy.TestIdentity) (*classify.Report, error) {
		start := time.Now()
		err := op(ctx)
		rep := &classify.Report{Phase: classify.PhaseCall, Duration: time.Since(start)}

		var se setupError
		switch {
		case err == nil:
			rep.Status = classify.StatusPassed
		case errors.Is(err, ErrSkip):
			rep.Status = classify.StatusSkipped
			rep.SkipReason = err.Error()
		case errors.As(err, &se):
			rep.Status = classify.StatusFailed
			rep.Phase = classify.PhaseSetup
			rep.ErrKind = kindOf(se.err)
			rep.Message = se.err.Error()
		default:
			rep.Status = classify.StatusFailed
			rep.ErrKind = kindOf(err)
			rep.Message = err.Error()
		}
		return rep, nil
	}
}

// kindOf names an error by its dynamic type. Plain and fmt-wrapped errors
// are "error".
func kindOf(err error) string {
	switch kind := fmt.Sprintf("%T", err); kind {
	case "*errors.errorString", "*fmt.wrapError", "*fmt.wrapErrors":
		return "error"
	default:
		return kind
	}
}
