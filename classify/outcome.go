package classify

// OutcomeKind describes the result of a single attempt.
type OutcomeKind int

const (
	OutcomeUnknown OutcomeKind = iota
	OutcomePassed
	OutcomeFailed
	OutcomeSkipped
	// OutcomeSetupFailed means the attempt never reached the test body. It is
	// surfaced as a hard failure and never rerun.
	OutcomeSetupFailed
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomePassed:
		return "passed"
	case OutcomeFailed:
		return "failed"
	case OutcomeSkipped:
		return "skipped"
	case OutcomeSetupFailed:
		return "setup_failed"
	default:
		return "unknown"
	}
}

// Outcome is the classification of one attempt: Passed, Failed(FailureRecord)
// or Skipped.
type Outcome struct {
	Kind    OutcomeKind
	Failure *FailureRecord
	Reason  string
}

// Passed returns a passing outcome.
func Passed() Outcome { return Outcome{Kind: OutcomePassed, Reason: "passed"} }

// Failed returns a failing outcome carrying rec.
func Failed(rec FailureRecord) Outcome {
	return Outcome{Kind: OutcomeFailed, Failure: &rec, Reason: "failed"}
}

// Skipped returns a skip outcome.
func Skipped(reason string) Outcome {
	if reason == "" {
		reason = "skipped"
	}
	return Outcome{Kind: OutcomeSkipped, Reason: reason}
}

func (o Outcome) IsPass() bool { return o.Kind == OutcomePassed }
func (o Outcome) IsSkip() bool { return o.Kind == OutcomeSkipped }

// IsFailure reports whether the outcome counts against the test.
func (o Outcome) IsFailure() bool {
	return o.Kind == OutcomeFailed || o.Kind == OutcomeSetupFailed || o.Kind == OutcomeUnknown
}
