package retry

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/aponysus/rerun/budget"
	"github.com/aponysus/rerun/circuit"
	"github.com/aponysus/rerun/classify"
	"github.com/aponysus/rerun/controlplane"
	"github.com/aponysus/rerun/observe"
	"github.com/aponysus/rerun/policy"
)

// AttemptFunc is the host runner's "execute one attempt" primitive. It runs
// the test once and returns its report.
//
// Returning a nil report means the attempt never got far enough to produce
// one; the executor treats that as a setup failure. A non-nil error alongside
// a report is recorded but the report is what gets classified.
type AttemptFunc func(ctx context.Context, id policy.TestIdentity) (*classify.Report, error)

// Executor runs tests through the rerun protocol.
type Executor struct {
	store         *controlplane.Store
	table         *StateTable
	observer      observe.Observer
	clock         func() time.Time
	classifier    classify.Classifier
	budget        budget.Budget
	breaker       circuit.CircuitBreaker
	breakers      *circuit.Registry
	reportMode    observe.ReportMode
	recoverPanics bool
	logger        *slog.Logger
}

// ExecutorOptions configures an Executor.
type ExecutorOptions struct {
	// Store decides which tests are flagged. A nil store flags nothing.
	Store *controlplane.Store

	// Table is the per-run side-table. NewExecutor creates one when nil.
	Table *StateTable

	Observer   observe.Observer
	Clock      func() time.Time
	Classifier classify.Classifier

	// Budget caps reruns across the session. Nil means unlimited.
	Budget budget.Budget

	// Breaker, or Breakers for one breaker per test scope, stops reruns when
	// flagged tests keep exhausting. Breakers wins when both are set.
	Breaker  circuit.CircuitBreaker
	Breakers *circuit.Registry

	ReportMode    observe.ReportMode
	RecoverPanics bool
	Logger        *slog.Logger
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*ExecutorOptions)

// WithStore sets the flaky policy store.
func WithStore(s *controlplane.Store) ExecutorOption {
	return func(o *ExecutorOptions) { o.Store = s }
}

// WithStateTable sets the side-table, for hosts that share one across executors.
func WithStateTable(t *StateTable) ExecutorOption {
	return func(o *ExecutorOptions) { o.Table = t }
}

// WithObserver sets the observer.
func WithObserver(obs observe.Observer) ExecutorOption {
	return func(o *ExecutorOptions) { o.Observer = obs }
}

// WithClock sets the clock function.
func WithClock(f func() time.Time) ExecutorOption {
	return func(o *ExecutorOptions) { o.Clock = f }
}

// WithClassifier sets the report classifier.
func WithClassifier(c classify.Classifier) ExecutorOption {
	return func(o *ExecutorOptions) { o.Classifier = c }
}

// WithBudget sets the session rerun budget.
func WithBudget(b budget.Budget) ExecutorOption {
	return func(o *ExecutorOptions) { o.Budget = b }
}

// WithBreaker sets a single breaker shared by every test.
func WithBreaker(cb circuit.CircuitBreaker) ExecutorOption {
	return func(o *ExecutorOptions) { o.Breaker = cb }
}

// WithBreakerRegistry sets per-scope breakers.
func WithBreakerRegistry(r *circuit.Registry) ExecutorOption {
	return func(o *ExecutorOptions) { o.Breakers = r }
}

// WithReportMode sets which attempts reach the observer.
func WithReportMode(m observe.ReportMode) ExecutorOption {
	return func(o *ExecutorOptions) { o.ReportMode = m }
}

// WithRecoverPanics sets whether to capture panics in the attempt primitive,
// classifier and budget and report them as setup failures.
func WithRecoverPanics(recover bool) ExecutorOption {
	return func(o *ExecutorOptions) { o.RecoverPanics = recover }
}

// WithLogger sets the executor logger.
func WithLogger(l *slog.Logger) ExecutorOption {
	return func(o *ExecutorOptions) { o.Logger = l }
}

// NewExecutor creates an Executor.
func NewExecutor(opts ...ExecutorOption) *Executor {
	var o ExecutorOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return NewExecutorFromOptions(o)
}

// NewExecutorFromOptions creates an Executor from a config struct.
func NewExecutorFromOptions(opts ExecutorOptions) *Executor {
	e := &Executor{
		store:         opts.Store,
		table:         opts.Table,
		observer:      opts.Observer,
		clock:         opts.Clock,
		classifier:    opts.Classifier,
		budget:        opts.Budget,
		breaker:       opts.Breaker,
		breakers:      opts.Breakers,
		reportMode:    opts.ReportMode,
		recoverPanics: opts.RecoverPanics,
		logger:        opts.Logger,
	}
	if e.table == nil {
		e.table = NewStateTable()
	}
	if e.observer == nil {
		e.observer = observe.NoopObserver{}
	}
	if e.clock == nil {
		e.clock = time.Now
	}
	if e.classifier == nil {
		e.classifier = classify.DefaultClassifier{}
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e
}

// Table returns the executor's side-table.
func (e *Executor) Table() *StateTable { return e.table }

// Wrap composes the rerun protocol around fn, returning the per-test entry
// point a host runner calls in place of its own single-attempt hook.
func (e *Executor) Wrap(fn AttemptFunc) func(ctx context.Context, id policy.TestIdentity) (Verdict, error) {
	return func(ctx context.Context, id policy.TestIdentity) (Verdict, error) {
		return e.Run(ctx, id, fn)
	}
}

// run is the in-flight bookkeeping of one Run call.
type run struct {
	e   *Executor
	id  policy.TestIdentity
	res controlplane.Resolution
	st  *State
	tl  observe.Timeline

	lastReport   *classify.Report
	failedReport *classify.Report
	breaker      circuit.CircuitBreaker
	breakerAsked bool
}

// Run executes id through the rerun protocol: resolve the policy once, run
// attempts via fn, feed each outcome to the engine, and stop on the first
// stop decision.
//
// Tests that are not flagged run exactly once and come back with Handled set
// to false. A setup failure ends the loop with a *SetupError. A cancelled ctx
// stops the rerun that would follow the attempt in flight, with an error
// wrapping ErrInterrupted; an attempt that settles the test keeps its
// verdict. In every case the returned Verdict describes what ran.
func (e *Executor) Run(ctx context.Context, id policy.TestIdentity, fn AttemptFunc) (Verdict, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if e == nil {
		e = NewExecutor()
	}

	res := e.table.Resolve(id, e.store.Resolve)
	r := &run{
		e:   e,
		id:  id,
		res: res,
		tl: observe.Timeline{
			Identity:   id,
			Flagged:    res.Flagged,
			Policy:     res.Policy,
			Source:     res.Source,
			Start:      e.clock(),
			Attributes: make(map[string]string),
		},
	}
	if res.Match != "" {
		r.tl.Attributes["match"] = res.Match
	}
	e.observer.OnStart(ctx, id, res)

	if err := ctx.Err(); err != nil {
		r.tl.Attributes["interrupted"] = "true"
		return r.finish(ctx, classify.Outcome{}, fmt.Errorf("%w: %w", ErrInterrupted, err))
	}

	if res.Flagged {
		st, err := e.table.Acquire(id, res.Policy)
		if err != nil {
			return r.finish(ctx, classify.Outcome{}, err)
		}
		defer e.table.Release(id)
		r.st = st
		r.tl.Attempts = make([]observe.AttemptRecord, 0, res.Policy.MaxRuns)
	}

	for attempt := 1; ; attempt++ {
		rec, rep, setupErr := r.attempt(ctx, attempt, fn)
		r.lastReport = rep

		if setupErr != nil {
			// An attempt cut short by cancellation usually leaves no report.
			if err := ctx.Err(); err != nil {
				rec.Decision = observe.DecisionInterrupted
				r.record(ctx, rec)
				r.tl.Attributes["interrupted"] = "true"
				return r.finish(ctx, rec.Outcome, fmt.Errorf("%w: %w", ErrInterrupted, err))
			}
			rec.Decision = observe.DecisionSetupFailed
			r.record(ctx, rec)
			return r.finish(ctx, rec.Outcome, setupErr)
		}

		if !res.Flagged {
			// A completed attempt stands even if the run was cancelled meanwhile.
			rec.Decision = observe.DecisionNotFlagged
			r.record(ctx, rec)
			return r.finish(ctx, rec.Outcome, nil)
		}

		var cont bool
		if rec.Outcome.IsPass() {
			cont = OnSuccess(r.st)
		} else {
			cont = OnFailure(r.st, rec.Outcome)
			if !rec.Outcome.IsSkip() {
				r.failedReport = rep
			}
		}

		if !cont {
			rec.Decision = r.stopReason(rec.Outcome)
			r.record(ctx, rec)
			r.settleBreaker(ctx, rec.Decision)
			return r.finish(ctx, r.final(), nil)
		}

		// Only a rerun is cut short by cancellation.
		if err := ctx.Err(); err != nil {
			rec.Decision = observe.DecisionInterrupted
			r.record(ctx, rec)
			r.tl.Attributes["interrupted"] = "true"
			return r.finish(ctx, r.final(), fmt.Errorf("%w: %w", ErrInterrupted, err))
		}

		if reason, ok := r.allowRerun(ctx, attempt+1); !ok {
			rec.Decision = reason
			r.record(ctx, rec)
			r.tl.Attributes["rerun_denied"] = reason
			e.logger.InfoContext(ctx, "rerun denied", "test", id.String(), "attempt", attempt, "reason", reason)
			return r.finish(ctx, r.final(), nil)
		}

		rec.Decision = observe.DecisionRerun
		rec.Provisional = true
		r.record(ctx, rec)
	}
}

// attempt runs one attempt and classifies it. The returned error is non-nil
// only for setup failures.
func (r *run) attempt(ctx context.Context, attempt int, fn AttemptFunc) (observe.AttemptRecord, *classify.Report, error) {
	e := r.e
	maxRuns := 1
	if r.res.Flagged {
		maxRuns = r.res.Policy.MaxRuns
	}
	attemptCtx := observe.WithAttemptInfo(ctx, observe.AttemptInfo{
		Identity: r.id,
		Attempt:  attempt,
		MaxRuns:  maxRuns,
		Flagged:  r.res.Flagged,
	})

	rec := observe.AttemptRecord{Attempt: attempt, StartTime: e.clock()}
	rep, opErr := e.invoke(attemptCtx, r.id, fn)
	rec.EndTime = e.clock()
	rec.Err = opErr

	if pe, ok := opErr.(*PanicError); ok {
		fr := classify.NewFailureRecord("panic", fmt.Sprint(pe.Value), string(pe.Stack))
		fr.Attempt = attempt
		rec.Outcome = classify.Outcome{Kind: classify.OutcomeSetupFailed, Failure: &fr, Reason: "panic"}
		return rec, nil, &SetupError{Identity: r.id, Attempt: attempt, Failure: fr, Err: pe}
	}

	out, clsErr := e.classify(r.id, rep)
	if clsErr != nil {
		fr := classify.NewFailureRecord("panic", fmt.Sprint(clsErr.Value), string(clsErr.Stack))
		fr.Attempt = attempt
		rec.Outcome = classify.Outcome{Kind: classify.OutcomeSetupFailed, Failure: &fr, Reason: "panic_in_classifier"}
		return rec, rep, &SetupError{Identity: r.id, Attempt: attempt, Failure: fr, Err: clsErr}
	}
	if out.Failure != nil {
		fr := *out.Failure
		fr.Attempt = attempt
		out.Failure = &fr
	}
	rec.Outcome = out

	if rep == nil || out.Kind == classify.OutcomeSetupFailed {
		var fr classify.FailureRecord
		if out.Failure != nil {
			fr = *out.Failure
		}
		return rec, rep, &SetupError{Identity: r.id, Attempt: attempt, Failure: fr, Err: opErr}
	}
	return rec, rep, nil
}

func (e *Executor) invoke(ctx context.Context, id policy.TestIdentity, fn AttemptFunc) (rep *classify.Report, err error) {
	if e.recoverPanics {
		defer func() {
			if v := recover(); v != nil {
				rep = nil
				err = &PanicError{Component: "attempt", Identity: id, Value: v, Stack: debug.Stack()}
			}
		}()
	}
	return fn(ctx, id)
}

func (e *Executor) classify(id policy.TestIdentity, rep *classify.Report) (out classify.Outcome, perr *PanicError) {
	if e.recoverPanics {
		defer func() {
			if v := recover(); v != nil {
				perr = &PanicError{Component: "classifier", Identity: id, Value: v, Stack: debug.Stack()}
			}
		}()
	}
	out = e.classifier.Classify(rep)
	if out.Kind == classify.OutcomeUnknown && out.Failure == nil {
		fr := classify.NewFailureRecord("unknown_outcome", out.Reason, "")
		out.Failure = &fr
	}
	return out, nil
}

// allowRerun consults the breaker (once per test) and the budget (once per
// rerun). It returns the denial reason when the rerun may not happen.
func (r *run) allowRerun(ctx context.Context, attempt int) (string, bool) {
	e := r.e
	if !r.breakerAsked {
		r.breakerAsked = true
		r.breaker = e.breakerFor(r.id)
		if r.breaker != nil {
			d := r.breaker.Allow(ctx)
			if !d.Allowed {
				r.tl.Attributes["breaker_state"] = d.State.String()
				return d.Reason, false
			}
			if d.State == circuit.StateHalfOpen {
				r.tl.Attributes["breaker_probe"] = "true"
			}
		}
	}

	if e.budget == nil {
		return "", true
	}
	d := e.allowBudget(ctx, r.id, attempt)
	if !d.Allowed {
		if d.Reason == "" {
			d.Reason = budget.ReasonBudgetDenied
		}
		return d.Reason, false
	}
	return "", true
}

func (e *Executor) allowBudget(ctx context.Context, id policy.TestIdentity, attempt int) (d budget.Decision) {
	if e.recoverPanics {
		defer func() {
			if v := recover(); v != nil {
				e.logger.ErrorContext(ctx, "panic in rerun budget", "test", id.String(), "panic", v)
				d = budget.Decision{Allowed: false, Reason: budget.ReasonPanicInBudget}
			}
		}()
	}
	return e.budget.AllowRerun(ctx, id, attempt)
}

func (e *Executor) breakerFor(id policy.TestIdentity) circuit.CircuitBreaker {
	if e.breakers != nil {
		return e.breakers.For(id)
	}
	return e.breaker
}

// settleBreaker reports a finished flagged test to its breaker. Only tests
// that ran their loop to completion count: reaching the quota is a success,
// using every run without it is a failure.
func (r *run) settleBreaker(ctx context.Context, decision string) {
	cb := r.breaker
	if !r.breakerAsked {
		cb = r.e.breakerFor(r.id)
	}
	if cb == nil {
		return
	}
	switch decision {
	case observe.DecisionQuotaMet:
		cb.RecordSuccess(ctx)
	case observe.DecisionBudgetExhausted:
		cb.RecordFailure(ctx)
	}
}

func (r *run) stopReason(out classify.Outcome) string {
	switch {
	case out.IsSkip():
		return observe.DecisionSkipped
	case r.st.QuotaMet():
		return observe.DecisionQuotaMet
	default:
		return observe.DecisionBudgetExhausted
	}
}

// final computes the authoritative outcome of a flagged test from its state:
// passed once the quota is met, skipped if the loop ended on a skip, and
// otherwise the most recent failure.
func (r *run) final() classify.Outcome {
	st := r.st
	if st.QuotaMet() {
		return classify.Passed()
	}
	if n := len(r.tl.Attempts); n > 0 && r.tl.Attempts[n-1].Outcome.IsSkip() {
		return r.tl.Attempts[n-1].Outcome
	}
	if fr, ok := st.LastFailure(); ok {
		return classify.Failed(fr)
	}
	fr := classify.NewFailureRecord("quota_not_met",
		fmt.Sprintf("%d of %d required passes", st.Passes, st.Policy.MinPasses), "")
	fr.Attempt = st.Runs
	return classify.Failed(fr)
}

func (r *run) record(ctx context.Context, rec observe.AttemptRecord) {
	r.tl.Attempts = append(r.tl.Attempts, rec)
	if r.e.reportMode.Emits(rec) {
		r.e.observer.OnAttempt(ctx, r.id, rec)
	}
}

func (r *run) finish(ctx context.Context, final classify.Outcome, err error) (Verdict, error) {
	r.tl.End = r.e.clock()
	r.tl.Final = final
	r.tl.FinalErr = err
	r.e.observer.OnVerdict(ctx, r.id, r.tl)

	v := Verdict{
		Identity: r.id,
		Flagged:  r.res.Flagged,
		Handled:  r.res.Flagged,
		Policy:   r.res.Policy,
		Source:   r.res.Source,
		Outcome:  final,
		Attempts: len(r.tl.Attempts),
		Passes:   r.tl.Passes(),
		Failures: r.tl.Failures(),
		Timeline: r.tl,
		Report:   r.lastReport,
	}
	if final.IsFailure() && r.failedReport != nil {
		v.Report = r.failedReport
	}
	v.Interrupted = r.tl.Attributes["interrupted"] == "true"
	return v, err
}
