package observe

import (
	"context"
	"time"

	"github.com/aponysus/rerun/classify"
	"github.com/aponysus/rerun/controlplane"
	"github.com/aponysus/rerun/policy"
)

// Standard AttemptRecord.Decision strings.
const (
	DecisionNotFlagged      = "not_flagged"
	DecisionRerun           = "rerun"
	DecisionQuotaMet        = "quota_met"
	DecisionBudgetExhausted = "budget_exhausted"
	DecisionSkipped         = "skipped"
	DecisionSetupFailed     = "setup_failed"
	DecisionInterrupted     = "interrupted"
)

// AttemptRecord describes a single attempt of a test.
type AttemptRecord struct {
	Attempt   int
	StartTime time.Time
	EndTime   time.Time

	Outcome classify.Outcome

	// Err is the error returned by the attempt primitive, if any.
	Err error

	// Provisional is true when a rerun followed this attempt; the last record
	// of a timeline is the authoritative one.
	Provisional bool

	// Decision is the engine's verdict after this attempt: DecisionRerun, or
	// why the loop stopped. A denied rerun carries the budget or breaker
	// reason instead.
	Decision string
}

// Duration returns the wall time of the attempt.
func (r AttemptRecord) Duration() time.Duration {
	return r.EndTime.Sub(r.StartTime)
}

// Timeline is the structured record of one test and all of its attempts.
type Timeline struct {
	Identity policy.TestIdentity
	Flagged  bool
	Policy   policy.FlakyPolicy
	Source   policy.Source
	Start    time.Time
	End      time.Time

	// Attributes holds test-level metadata (match, denial reasons, session).
	Attributes map[string]string

	Attempts []AttemptRecord

	// Final is the authoritative outcome reported for the test.
	Final    classify.Outcome
	FinalErr error
}

// Passes counts passing attempts.
func (tl Timeline) Passes() int {
	n := 0
	for _, a := range tl.Attempts {
		if a.Outcome.IsPass() {
			n++
		}
	}
	return n
}

// Failures returns the failure records of every failed attempt, in order.
func (tl Timeline) Failures() []classify.FailureRecord {
	var out []classify.FailureRecord
	for _, a := range tl.Attempts {
		if a.Outcome.Failure != nil {
			out = append(out, *a.Outcome.Failure)
		}
	}
	return out
}

// Flaky reports whether a flagged test both failed and passed in this run.
func (tl Timeline) Flaky() bool {
	if !tl.Flagged {
		return false
	}
	var passed, failed bool
	for _, a := range tl.Attempts {
		passed = passed || a.Outcome.IsPass()
		failed = failed || a.Outcome.Kind == classify.OutcomeFailed
	}
	return passed && failed
}

// Observer receives lifecycle callbacks for a single test.
//
// Callbacks run synchronously on the test's goroutine between attempts.
type Observer interface {
	OnStart(ctx context.Context, id policy.TestIdentity, res controlplane.Resolution)
	OnAttempt(ctx context.Context, id policy.TestIdentity, rec AttemptRecord)
	OnVerdict(ctx context.Context, id policy.TestIdentity, tl Timeline)
}

// ReportMode controls which attempts are handed to observers.
type ReportMode int

const (
	// ReportAll emits every attempt, provisional ones included.
	ReportAll ReportMode = iota
	// ReportFinal emits only the authoritative attempt of each test. The
	// Timeline passed to OnVerdict still holds every attempt.
	ReportFinal
)

func (m ReportMode) String() string {
	switch m {
	case ReportAll:
		return "all"
	case ReportFinal:
		return "final"
	default:
		return "unknown"
	}
}

// ParseReportMode parses "all" or "final". The empty string is ReportAll.
func ParseReportMode(s string) (ReportMode, bool) {
	switch s {
	case "", "all":
		return ReportAll, true
	case "final":
		return ReportFinal, true
	default:
		return ReportAll, false
	}
}

// Emits reports whether rec is delivered to observers under m.
func (m ReportMode) Emits(rec AttemptRecord) bool {
	return m != ReportFinal || !rec.Provisional
}
