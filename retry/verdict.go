package retry

import (
	"github.com/aponysus/rerun/classify"
	"github.com/aponysus/rerun/observe"
	"github.com/aponysus/rerun/policy"
)

// Verdict is the final, user-facing result of one test.
type Verdict struct {
	Identity policy.TestIdentity

	// Flagged reports whether the test was flagged flaky. Handled mirrors it:
	// a handled verdict came out of the rerun protocol, an unhandled one is a
	// single attempt the host should report with its default behaviour.
	Flagged bool
	Handled bool

	Policy policy.FlakyPolicy
	Source policy.Source

	// Outcome is the authoritative result. For a flagged test that failed it
	// carries the last failure; earlier ones are in Failures.
	Outcome classify.Outcome

	Attempts int
	Passes   int
	Failures []classify.FailureRecord

	// Report is the host report backing Outcome: the last failing attempt's
	// report for failures, the last attempt's otherwise.
	Report *classify.Report

	Interrupted bool
	Timeline    observe.Timeline
}

func (v Verdict) Passed() bool  { return v.Outcome.IsPass() }
func (v Verdict) Skipped() bool { return v.Outcome.IsSkip() }
func (v Verdict) Failed() bool  { return v.Outcome.IsFailure() }

// Flaky reports whether the test both failed and passed during this run.
func (v Verdict) Flaky() bool { return v.Timeline.Flaky() }

// Rerun reports whether the test ran more than once.
func (v Verdict) Rerun() bool { return v.Attempts > 1 }
