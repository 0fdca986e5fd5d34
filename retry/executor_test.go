package retry

import (
	"context"
	"errors"
	"testing"

	"github.com/aponysus/rerun/budget"
	"github.com/aponysus/rerun/circuit"
	"github.com/aponysus/rerun/classify"
	"github.com/aponysus/rerun/controlplane"
	"github.com/aponysus/rerun/observe"
	"github.com/aponysus/rerun/policy"
)

func TestExecutor_NotFlaggedRunsOnce(t *testing.T) {
	for _, step := range []string{P, F, S} {
		t.Run(step, func(t *testing.T) {
			exec := newTestExecutor(storeWith(t))
			fn, calls := scripted(t, step, P, P)

			v, err := exec.Run(context.Background(), testID, fn)
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if *calls != 1 || v.Attempts != 1 {
				t.Fatalf("calls=%d attempts=%d, want 1", *calls, v.Attempts)
			}
			if v.Flagged || v.Handled {
				t.Fatalf("flagged=%v handled=%v, want false", v.Flagged, v.Handled)
			}
			if v.Timeline.Attempts[0].Decision != observe.DecisionNotFlagged {
				t.Fatalf("decision=%q", v.Timeline.Attempts[0].Decision)
			}
		})
	}
}

func TestExecutor_NilStoreFlagsNothing(t *testing.T) {
	exec := NewExecutor(WithLogger(quietLogger()))
	fn, calls := scripted(t, F)
	v, err := exec.Run(context.Background(), testID, fn)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if *calls != 1 || !v.Failed() || v.Handled {
		t.Fatalf("calls=%d verdict=%+v", *calls, v.Outcome)
	}
}

func TestExecutor_Sequences(t *testing.T) {
	cases := []struct {
		name     string
		pol      policy.FlakyPolicy
		steps    []string
		attempts int
		want     classify.OutcomeKind
		failures int
	}{
		{name: "fail_pass", pol: policy.Default(), steps: []string{F, P}, attempts: 2, want: classify.OutcomePassed, failures: 1},
		{name: "fail_fail", pol: policy.Default(), steps: []string{F, F}, attempts: 2, want: classify.OutcomeFailed, failures: 2},
		{name: "pass_first", pol: policy.Default(), steps: []string{P}, attempts: 1, want: classify.OutcomePassed},
		{name: "quota_met_early", pol: policy.MustNew(policy.MaxRuns(5), policy.MinPasses(2)), steps: []string{F, P, P}, attempts: 3, want: classify.OutcomePassed, failures: 1},
		{name: "skip_stops", pol: policy.MustNew(policy.MaxRuns(3), policy.MinPasses(1)), steps: []string{S}, attempts: 1, want: classify.OutcomeSkipped},
		{name: "late_pass_not_enough", pol: policy.MustNew(policy.MaxRuns(3), policy.MinPasses(2)), steps: []string{F, F, P}, attempts: 3, want: classify.OutcomeFailed, failures: 2},
		{name: "zero_tolerance", pol: policy.MustNew(policy.MaxRuns(2), policy.MinPasses(2)), steps: []string{P, F}, attempts: 2, want: classify.OutcomeFailed, failures: 1},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			exec := newTestExecutor(flaggedStore(t, tc.pol))
			fn, calls := scripted(t, tc.steps...)

			v, err := exec.Run(context.Background(), testID, fn)
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if int(*calls) != tc.attempts || v.Attempts != tc.attempts {
				t.Fatalf("calls=%d attempts=%d, want %d", *calls, v.Attempts, tc.attempts)
			}
			if v.Outcome.Kind != tc.want {
				t.Fatalf("verdict=%v, want %v", v.Outcome.Kind, tc.want)
			}
			if len(v.Failures) != tc.failures {
				t.Fatalf("failures=%d, want %d", len(v.Failures), tc.failures)
			}
			if !v.Flagged || !v.Handled {
				t.Fatalf("flagged=%v handled=%v, want true", v.Flagged, v.Handled)
			}
			if v.Policy != tc.pol {
				t.Fatalf("policy=%+v, want %+v", v.Policy, tc.pol)
			}
			if exec.Table().Len() != 0 {
				t.Fatalf("state not released")
			}
		})
	}
}

func TestExecutor_FinalFailureIsLastAttempt(t *testing.T) {
	exec := newTestExecutor(flaggedStore(t, policy.MustNew(policy.MaxRuns(3), policy.MinPasses(2))))
	fn, _ := scripted(t, F, F, P)

	v, err := exec.Run(context.Background(), testID, fn)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if v.Outcome.Failure == nil || v.Outcome.Failure.Message != "attempt 2" {
		t.Fatalf("final failure=%+v, want attempt 2", v.Outcome.Failure)
	}
	if v.Failures[0].Message != "attempt 1" || v.Failures[0].Attempt != 1 {
		t.Fatalf("failures[0]=%+v", v.Failures[0])
	}
	if v.Report == nil || v.Report.Message != "attempt 2" {
		t.Fatalf("report=%+v, want the last failing report", v.Report)
	}
	last := v.Timeline.Attempts[len(v.Timeline.Attempts)-1]
	if last.Decision != observe.DecisionBudgetExhausted || last.Provisional {
		t.Fatalf("last attempt=%+v", last)
	}
}

func TestExecutor_SetupFailureNotRerun(t *testing.T) {
	for _, step := range []string{X, N} {
		t.Run(step, func(t *testing.T) {
			exec := newTestExecutor(flaggedStore(t, policy.MustNew(policy.MaxRuns(4))))
			fn, calls := scripted(t, step, P)

			v, err := exec.Run(context.Background(), testID, fn)
			var setupErr *SetupError
			if !errors.As(err, &setupErr) {
				t.Fatalf("got %v, want *SetupError", err)
			}
			if setupErr.Attempt != 1 {
				t.Fatalf("setup error attempt=%d, want 1", setupErr.Attempt)
			}
			if *calls != 1 || v.Attempts != 1 {
				t.Fatalf("calls=%d attempts=%d, want 1", *calls, v.Attempts)
			}
			if v.Outcome.Kind != classify.OutcomeSetupFailed || !v.Failed() {
				t.Fatalf("verdict=%v, want setup_failed", v.Outcome.Kind)
			}
			if exec.Table().Len() != 0 {
				t.Fatalf("state not released")
			}
		})
	}
}

func TestExecutor_PrimitiveErrorWithoutReport(t *testing.T) {
	exec := newTestExecutor(flaggedStore(t, policy.Default()))
	boom := errors.New("exec: go: not found")
	calls := 0
	_, err := exec.Run(context.Background(), testID, func(context.Context, policy.TestIdentity) (*classify.Report, error) {
		calls++
		return nil, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("got %v, want wrapped primitive error", err)
	}
	if calls != 1 {
		t.Fatalf("calls=%d, want 1", calls)
	}
}

func TestExecutor_InterruptedAttemptNotRerun(t *testing.T) {
	exec := newTestExecutor(flaggedStore(t, policy.MustNew(policy.MaxRuns(5))))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	calls := 0
	v, err := exec.Run(ctx, testID, func(ctx context.Context, id policy.TestIdentity) (*classify.Report, error) {
		calls++
		cancel()
		return &classify.Report{Status: classify.StatusFailed, ErrKind: "signal", Message: "interrupt"}, nil
	})
	if !errors.Is(err, ErrInterrupted) || !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want ErrInterrupted wrapping context.Canceled", err)
	}
	if calls != 1 || !v.Interrupted {
		t.Fatalf("calls=%d interrupted=%v", calls, v.Interrupted)
	}
	if v.Timeline.Attempts[0].Decision != observe.DecisionInterrupted {
		t.Fatalf("decision=%q", v.Timeline.Attempts[0].Decision)
	}
}

func TestExecutor_CancelDuringDecidingAttemptKeepsVerdict(t *testing.T) {
	cases := []struct {
		name  string
		store func(t *testing.T) *controlplane.Store
		steps []string
		want  classify.OutcomeKind
	}{
		{name: "quota_met", store: func(t *testing.T) *controlplane.Store { return flaggedStore(t, policy.Default()) },
			steps: []string{F, P}, want: classify.OutcomePassed},
		{name: "max_runs_used", store: func(t *testing.T) *controlplane.Store { return flaggedStore(t, policy.Default()) },
			steps: []string{F, F}, want: classify.OutcomeFailed},
		{name: "not_flagged_pass", store: func(t *testing.T) *controlplane.Store { return storeWith(t) },
			steps: []string{P}, want: classify.OutcomePassed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			exec := newTestExecutor(tc.store(t))
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			calls := 0
			v, err := exec.Run(ctx, testID, func(ctx context.Context, id policy.TestIdentity) (*classify.Report, error) {
				calls++
				if calls == len(tc.steps) {
					cancel()
				}
				return report(tc.steps[calls-1], calls), nil
			})
			if err != nil {
				t.Fatalf("Run: %v, want the completed verdict", err)
			}
			if v.Interrupted || v.Outcome.Kind != tc.want || calls != len(tc.steps) {
				t.Fatalf("interrupted=%v outcome=%v calls=%d", v.Interrupted, v.Outcome.Kind, calls)
			}
		})
	}
}

func TestExecutor_InterruptedWithoutReport(t *testing.T) {
	exec := newTestExecutor(flaggedStore(t, policy.Default()))
	ctx, cancel := context.WithCancel(context.Background())

	_, err := exec.Run(ctx, testID, func(ctx context.Context, id policy.TestIdentity) (*classify.Report, error) {
		cancel()
		return nil, ctx.Err()
	})
	if !errors.Is(err, ErrInterrupted) {
		t.Fatalf("got %v, want ErrInterrupted", err)
	}
	var setupErr *SetupError
	if errors.As(err, &setupErr) {
		t.Fatalf("cancellation must not be reported as a setup failure")
	}
}

func TestExecutor_CancelledBeforeStart(t *testing.T) {
	exec := newTestExecutor(flaggedStore(t, policy.Default()))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	fn, calls := scripted(t)
	v, err := exec.Run(ctx, testID, fn)
	if !errors.Is(err, ErrInterrupted) {
		t.Fatalf("got %v, want ErrInterrupted", err)
	}
	if *calls != 0 || v.Attempts != 0 {
		t.Fatalf("calls=%d attempts=%d, want 0", *calls, v.Attempts)
	}
}

func TestExecutor_PolicyFixedAtFirstResolution(t *testing.T) {
	store := storeWith(t, controlplane.WithEntries(policy.Entry{
		TestName:  testID.Name,
		ClassName: "acme/store",
		MaxRuns:   policy.Int(3),
	}))
	exec := newTestExecutor(store)

	calls := 0
	v, err := exec.Run(context.Background(), testID, func(ctx context.Context, id policy.TestIdentity) (*classify.Report, error) {
		calls++
		if calls == 1 {
			// The remote list is replaced mid-sequence.
			if err := store.Update([]policy.Entry{{TestName: id.Name, MaxRuns: policy.Int(5)}}); err != nil {
				t.Errorf("Update: %v", err)
			}
		}
		return report(F, calls), nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if calls != 3 || v.Policy.MaxRuns != 3 {
		t.Fatalf("calls=%d policy=%+v, want 3 attempts under max_runs=3", calls, v.Policy)
	}

	// Same run, same identity: still the first resolution.
	fn, _ := scripted(t, F, F, F)
	v, _ = exec.Run(context.Background(), testID, fn)
	if v.Policy.MaxRuns != 3 {
		t.Fatalf("re-resolved policy=%+v, want max_runs=3", v.Policy)
	}
}

func TestExecutor_RemoteFailureMeansNotFlagged(t *testing.T) {
	store := storeWith(t, controlplane.WithEntries(policy.Entry{TestName: testID.Name}))
	provider := controlplane.NewRemoteProvider(nil, controlplane.WithLogger(quietLogger()))
	if err := provider.LoadInto(context.Background(), store, controlplane.Query{}); err == nil {
		t.Fatalf("expected lookup error without a source")
	}

	exec := newTestExecutor(store)
	fn, calls := scripted(t, F)
	v, err := exec.Run(context.Background(), testID, fn)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if v.Flagged || *calls != 1 {
		t.Fatalf("flagged=%v calls=%d, want single unflagged attempt", v.Flagged, *calls)
	}
}

func TestExecutor_BudgetDenialFinalizes(t *testing.T) {
	b := budget.NewFixedBudget(1)
	exec := newTestExecutor(flaggedStore(t, policy.MustNew(policy.MaxRuns(5))), WithBudget(b))

	fn, calls := scripted(t, F, F)
	v, err := exec.Run(context.Background(), testID, fn)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if *calls != 2 {
		t.Fatalf("calls=%d, want 2 (one rerun granted)", *calls)
	}
	if !v.Failed() || v.Outcome.Failure.Message != "attempt 2" {
		t.Fatalf("verdict=%+v", v.Outcome)
	}
	if v.Timeline.Attributes["rerun_denied"] != budget.ReasonBudgetDenied {
		t.Fatalf("attributes=%v", v.Timeline.Attributes)
	}
	if v.Timeline.Attempts[1].Provisional {
		t.Fatalf("denied attempt must be authoritative")
	}
}

type panicBudget struct{}

func (panicBudget) AllowRerun(context.Context, policy.TestIdentity, int) budget.Decision {
	panic("budget exploded")
}

func TestExecutor_BudgetPanicDeniesRerun(t *testing.T) {
	exec := newTestExecutor(flaggedStore(t, policy.Default()), WithBudget(panicBudget{}), WithRecoverPanics(true))
	fn, calls := scripted(t, F)
	v, err := exec.Run(context.Background(), testID, fn)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if *calls != 1 || v.Timeline.Attributes["rerun_denied"] != budget.ReasonPanicInBudget {
		t.Fatalf("calls=%d attributes=%v", *calls, v.Timeline.Attributes)
	}
}

func TestExecutor_BreakerStopsReruns(t *testing.T) {
	cb := circuit.NewExhaustionBreaker(1, 0)
	store := storeWith(t, controlplane.WithMarkers(policy.Marker{Pattern: "github.com/acme/store.*"}))
	exec := newTestExecutor(store, WithBreaker(cb))

	first, _ := scripted(t, F, F)
	if v, _ := exec.Run(context.Background(), testID, first); v.Attempts != 2 {
		t.Fatalf("first test attempts=%d, want 2", v.Attempts)
	}
	if cb.State() != circuit.StateOpen {
		t.Fatalf("breaker state=%v, want open", cb.State())
	}

	other := policy.TestIdentity{Scope: testID.Scope, Name: "TestRefund"}
	second, calls := scripted(t, F, P)
	v, err := exec.Run(context.Background(), other, second)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if *calls != 1 || !v.Failed() {
		t.Fatalf("calls=%d verdict=%v, want a single failed attempt", *calls, v.Outcome.Kind)
	}
	if v.Timeline.Attributes["rerun_denied"] != circuit.ReasonCircuitOpen {
		t.Fatalf("attributes=%v", v.Timeline.Attributes)
	}
}

func TestExecutor_BreakerRegistryIsPerScope(t *testing.T) {
	reg := circuit.NewRegistry(1, 0)
	store := storeWith(t, controlplane.WithMarkers(policy.Marker{Pattern: "**/*.Test*"}))
	exec := newTestExecutor(store, WithBreakerRegistry(reg))

	fn, _ := scripted(t, F, F)
	exec.Run(context.Background(), testID, fn)

	elsewhere := policy.TestIdentity{Scope: "github.com/acme/api", Name: "TestDial"}
	fn, calls := scripted(t, F, P)
	v, _ := exec.Run(context.Background(), elsewhere, fn)
	if *calls != 2 || !v.Passed() {
		t.Fatalf("calls=%d verdict=%v, want rerun in an unaffected scope", *calls, v.Outcome.Kind)
	}
}

func TestExecutor_NestedRunOfSameTest(t *testing.T) {
	exec := newTestExecutor(flaggedStore(t, policy.Default()))
	var inner error
	_, err := exec.Run(context.Background(), testID, func(ctx context.Context, id policy.TestIdentity) (*classify.Report, error) {
		_, inner = exec.Run(ctx, id, func(context.Context, policy.TestIdentity) (*classify.Report, error) {
			return report(P, 1), nil
		})
		return report(P, 1), nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !errors.Is(inner, ErrTestInFlight) {
		t.Fatalf("inner run: got %v, want ErrTestInFlight", inner)
	}
}

func TestExecutor_AttemptInfoInContext(t *testing.T) {
	exec := newTestExecutor(flaggedStore(t, policy.MustNew(policy.MaxRuns(3))))
	var seen []observe.AttemptInfo
	exec.Run(context.Background(), testID, func(ctx context.Context, id policy.TestIdentity) (*classify.Report, error) {
		info, ok := observe.AttemptFromContext(ctx)
		if !ok {
			t.Fatalf("missing attempt info")
		}
		seen = append(seen, info)
		return report(F, info.Attempt), nil
	})
	if len(seen) != 3 {
		t.Fatalf("attempts=%d, want 3", len(seen))
	}
	for i, info := range seen {
		if info.Attempt != i+1 || info.MaxRuns != 3 || !info.Flagged || info.Identity != testID {
			t.Fatalf("attempt %d info=%+v", i+1, info)
		}
	}
}

func TestExecutor_Wrap(t *testing.T) {
	exec := newTestExecutor(flaggedStore(t, policy.Default()))
	fn, calls := scripted(t, F, P)
	protocol := exec.Wrap(fn)

	v, err := protocol(context.Background(), testID)
	if err != nil || !v.Passed() || *calls != 2 {
		t.Fatalf("err=%v verdict=%v calls=%d", err, v.Outcome.Kind, *calls)
	}
	if !v.Flaky() || !v.Rerun() {
		t.Fatalf("expected flaky rerun verdict")
	}
}

func TestExecutor_ReportModes(t *testing.T) {
	cases := []struct {
		mode     observe.ReportMode
		emitted  int
		provFlag bool
	}{
		{mode: observe.ReportAll, emitted: 2, provFlag: true},
		{mode: observe.ReportFinal, emitted: 1},
	}
	for _, tc := range cases {
		t.Run(tc.mode.String(), func(t *testing.T) {
			obs := &recordingObserver{}
			exec := newTestExecutor(flaggedStore(t, policy.Default()), WithObserver(obs), WithReportMode(tc.mode))
			fn, _ := scripted(t, F, P)

			if _, err := exec.Run(context.Background(), testID, fn); err != nil {
				t.Fatalf("Run: %v", err)
			}
			if len(obs.starts) != 1 || !obs.starts[0].Flagged {
				t.Fatalf("starts=%+v", obs.starts)
			}
			if len(obs.attempts) != tc.emitted {
				t.Fatalf("emitted=%d, want %d", len(obs.attempts), tc.emitted)
			}
			if obs.attempts[0].Provisional != tc.provFlag {
				t.Fatalf("first emitted provisional=%v, want %v", obs.attempts[0].Provisional, tc.provFlag)
			}
			last := obs.attempts[len(obs.attempts)-1]
			if last.Provisional || last.Decision != observe.DecisionQuotaMet {
				t.Fatalf("last emitted=%+v", last)
			}
			if len(obs.verdicts) != 1 || len(obs.verdicts[0].Attempts) != 2 {
				t.Fatalf("verdict timeline must keep every attempt")
			}
			if !obs.verdicts[0].Final.IsPass() {
				t.Fatalf("final=%v, want passed", obs.verdicts[0].Final.Kind)
			}
		})
	}
}

func TestExecutor_TimelineMatchAttribute(t *testing.T) {
	exec := newTestExecutor(flaggedStore(t, policy.Default()))
	fn, _ := scripted(t, P)
	v, _ := exec.Run(context.Background(), testID, fn)
	if v.Source != policy.SourceMarker || v.Timeline.Attributes["match"] != testID.String() {
		t.Fatalf("source=%q attributes=%v", v.Source, v.Timeline.Attributes)
	}
	if v.Timeline.End.Before(v.Timeline.Start) {
		t.Fatalf("timeline ends before it starts")
	}
}

func TestExecutor_RecoversAttemptPanic(t *testing.T) {
	exec := newTestExecutor(flaggedStore(t, policy.Default()), WithRecoverPanics(true))
	calls := 0
	v, err := exec.Run(context.Background(), testID, func(context.Context, policy.TestIdentity) (*classify.Report, error) {
		calls++
		panic("fixture exploded")
	})

	var setupErr *SetupError
	if !errors.As(err, &setupErr) {
		t.Fatalf("got %v, want *SetupError", err)
	}
	var pe *PanicError
	if !errors.As(err, &pe) || pe.Component != "attempt" {
		t.Fatalf("got %v, want PanicError from the attempt", err)
	}
	if calls != 1 || v.Outcome.Kind != classify.OutcomeSetupFailed {
		t.Fatalf("calls=%d verdict=%v", calls, v.Outcome.Kind)
	}
	if exec.Table().Len() != 0 {
		t.Fatalf("state not released after panic")
	}
}

func TestExecutor_RecoversClassifierPanic(t *testing.T) {
	cls := classify.ClassifierFunc(func(*classify.Report) classify.Outcome { panic("bad classifier") })
	exec := newTestExecutor(flaggedStore(t, policy.Default()), WithClassifier(cls), WithRecoverPanics(true))
	fn, calls := scripted(t, F)

	_, err := exec.Run(context.Background(), testID, fn)
	var pe *PanicError
	if !errors.As(err, &pe) || pe.Component != "classifier" {
		t.Fatalf("got %v, want PanicError from the classifier", err)
	}
	if *calls != 1 {
		t.Fatalf("calls=%d, want 1", *calls)
	}
}

func TestExecutor_UnknownStatusCountsAsFailure(t *testing.T) {
	exec := newTestExecutor(flaggedStore(t, policy.Default()))
	calls := 0
	v, err := exec.Run(context.Background(), testID, func(context.Context, policy.TestIdentity) (*classify.Report, error) {
		calls++
		if calls == 1 {
			return &classify.Report{Status: "xfail"}, nil
		}
		return report(P, calls), nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if calls != 2 || !v.Passed() {
		t.Fatalf("calls=%d verdict=%v, want rerun then pass", calls, v.Outcome.Kind)
	}
	if len(v.Failures) != 1 || v.Failures[0].Kind != "unknown_status" {
		t.Fatalf("failures=%+v", v.Failures)
	}
}

func TestExecutor_ConcurrentDistinctTests(t *testing.T) {
	store := storeWith(t, controlplane.WithMarkers(policy.Marker{Pattern: "**/*.Test*"}))
	exec := newTestExecutor(store, WithClock(nil))

	const n = 16
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		id := policy.TestIdentity{Scope: testID.Scope, Name: "TestShard" + string(rune('A'+i))}
		go func() {
			fn := func(ctx context.Context, id policy.TestIdentity) (*classify.Report, error) {
				info, _ := observe.AttemptFromContext(ctx)
				if info.Attempt == 1 {
					return report(F, 1), nil
				}
				return report(P, info.Attempt), nil
			}
			v, err := exec.Run(context.Background(), id, fn)
			if err == nil && !v.Passed() {
				err = errors.New(id.String() + " did not pass")
			}
			errs <- err
		}()
	}
	for i := 0; i < n; i++ {
		if err := <-errs; err != nil {
			t.Fatal(err)
		}
	}
	if exec.Table().Len() != 0 {
		t.Fatalf("live states left: %d", exec.Table().Len())
	}
}
