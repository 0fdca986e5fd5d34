package classify

// Classifier turns a host report into an Outcome.
type Classifier interface {
	Classify(rep *Report) Outcome
}

// ClassifierFunc adapts a function to Classifier.
type ClassifierFunc func(rep *Report) Outcome

func (f ClassifierFunc) Classify(rep *Report) Outcome { return f(rep) }

// DefaultClassifier maps report statuses one to one. Failures raised while
// setting the test up are classified as OutcomeSetupFailed.
type DefaultClassifier struct{}

func (DefaultClassifier) Classify(rep *Report) Outcome {
	if rep == nil {
		rec := rep.Failure()
		return Outcome{Kind: OutcomeSetupFailed, Failure: &rec, Reason: "no_report"}
	}

	switch rep.Status {
	case StatusPassed:
		return Passed()
	case StatusSkipped:
		return Skipped(rep.SkipReason)
	case StatusFailed:
		rec := rep.Failure()
		if rep.Phase == PhaseSetup {
			return Outcome{Kind: OutcomeSetupFailed, Failure: &rec, Reason: "setup_failed"}
		}
		return Outcome{Kind: OutcomeFailed, Failure: &rec, Reason: "failed"}
	default:
		rec := NewFailureRecord("unknown_status", string(rep.Status), "")
		return Outcome{Kind: OutcomeUnknown, Failure: &rec, Reason: "unknown_status"}
	}
}
