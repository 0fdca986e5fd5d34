package retry

import "github.com/aponysus/rerun/classify"

// OnSuccess records a passing attempt and reports whether the test should be
// rerun: true while passes is still below min_passes and runs has not reached
// max_runs.
//
// It is only called for flagged tests; a test that is not flagged runs once
// and never reaches the engine.
func OnSuccess(s *State) bool {
	s.Runs++
	s.Passes++
	return s.Passes < s.Policy.MinPasses && s.Runs < s.Policy.MaxRuns
}

// OnFailure records a failed or skipped attempt and reports whether the test
// should be rerun.
//
// A skip is terminal regardless of budget and adds no failure record. A
// failure is appended to the state's history; the test is rerun until runs
// reaches max_runs. Reruns stop as soon as the quota is met, so OnFailure is
// never asked to continue a test that has already passed enough.
func OnFailure(s *State, out classify.Outcome) bool {
	s.Runs++
	if out.IsSkip() {
		return false
	}

	rec := classify.FailureRecord{Kind: "failure"}
	if out.Failure != nil {
		rec = *out.Failure
	}
	rec.Attempt = s.Runs
	s.Failures = append(s.Failures, rec)

	return s.Runs < s.Policy.MaxRuns
}
