package classify

import (
	"fmt"
	"strings"
	"time"
)

// Status is the host runner's own classification of an attempt.
type Status string

const (
	StatusPassed  Status = "passed"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

// ParseStatus normalizes the spellings host runners use.
func ParseStatus(s string) (Status, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "passed", "pass", "ok", "success":
		return StatusPassed, nil
	case "failed", "fail", "failure", "error":
		return StatusFailed, nil
	case "skipped", "skip":
		return StatusSkipped, nil
	default:
		return "", fmt.Errorf("invalid attempt status: %q", s)
	}
}

// Phase is the part of an attempt that produced the report.
type Phase string

const (
	PhaseSetup    Phase = "setup"
	PhaseCall     Phase = "call"
	PhaseTeardown Phase = "teardown"
)

// Report is what the host's "execute one attempt" primitive returns.
type Report struct {
	Status Status
	Phase  Phase

	// Failure details, set when Status is failed.
	ErrKind string
	Message string
	Trace   string

	SkipReason string
	Duration   time.Duration

	// Output is the captured test output, kept for diagnostics only.
	Output string
}

// Failure builds the FailureRecord for a failed report.
func (r *Report) Failure() FailureRecord {
	if r == nil {
		return NewFailureRecord("setup", "no report produced", "")
	}
	kind := r.ErrKind
	if kind == "" {
		kind = "failure"
	}
	return NewFailureRecord(kind, r.Message, r.Trace)
}
