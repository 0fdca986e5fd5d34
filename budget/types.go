package budget

import (
	"context"

	"github.com/aponysus/rerun/policy"
)

// Standard Decision.Reason strings.
const (
	ReasonAllowed       = "allowed"
	ReasonNoBudget      = "no_budget"
	ReasonBudgetNil     = "budget_nil"
	ReasonBudgetDenied  = "budget_denied"
	ReasonPanicInBudget = "panic_in_budget"
)

// Decision is the result of a budget check.
type Decision struct {
	Allowed bool
	Reason  string
}

// Budget caps reruns across a whole test session, on top of each test's own
// max_runs. It is consulted before every rerun, never before a first attempt.
//
// attempt is the 1-based number of the attempt about to run, so the first
// rerun of a test asks with attempt=2.
type Budget interface {
	AllowRerun(ctx context.Context, id policy.TestIdentity, attempt int) Decision
}
