package retry

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aponysus/rerun/classify"
	"github.com/aponysus/rerun/controlplane"
	"github.com/aponysus/rerun/observe"
	"github.com/aponysus/rerun/policy"
)

const (
	P = "pass"
	F = "fail"
	S = "skip"
	X = "setup" // setup-phase failure
	N = "none"  // no report at all
)

var testID = policy.TestIdentity{Scope: "github.com/acme/store", Name: "TestCheckout"}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scripted returns an AttemptFunc that plays steps in order and counts calls.
// Running past the end of the script fails the test.
func scripted(t *testing.T, steps ...string) (AttemptFunc, *int32) {
	t.Helper()
	var calls int32
	fn := func(ctx context.Context, id policy.TestIdentity) (*classify.Report, error) {
		n := int(atomic.AddInt32(&calls, 1))
		if n > len(steps) {
			t.Errorf("unexpected attempt %d for %s (script has %d)", n, id, len(steps))
			return &classify.Report{Status: classify.StatusFailed, ErrKind: "script", Message: "exhausted"}, nil
		}
		return report(steps[n-1], n), nil
	}
	return fn, &calls
}

func report(step string, n int) *classify.Report {
	switch step {
	case P:
		return &classify.Report{Status: classify.StatusPassed, Phase: classify.PhaseCall}
	case S:
		return &classify.Report{Status: classify.StatusSkipped, SkipReason: "needs docker"}
	case X:
		return &classify.Report{Status: classify.StatusFailed, Phase: classify.PhaseSetup, ErrKind: "fixture", Message: "db down"}
	case N:
		return nil
	default:
		return &classify.Report{
			Status:  classify.StatusFailed,
			Phase:   classify.PhaseCall,
			ErrKind: "AssertionError",
			Message: "attempt " + string(rune('0'+n)),
		}
	}
}

func storeWith(t *testing.T, opts ...controlplane.StoreOption) *controlplane.Store {
	t.Helper()
	opts = append([]controlplane.StoreOption{controlplane.WithStoreLogger(quietLogger())}, opts...)
	s, err := controlplane.NewStore(policy.Default(), opts...)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

// flaggedStore flags testID with pol via a marker.
func flaggedStore(t *testing.T, pol policy.FlakyPolicy) *controlplane.Store {
	t.Helper()
	return storeWith(t, controlplane.WithMarkers(policy.Marker{
		Pattern:   testID.String(),
		MaxRuns:   policy.Int(pol.MaxRuns),
		MinPasses: policy.Int(pol.MinPasses),
	}))
}

func newTestExecutor(store *controlplane.Store, opts ...ExecutorOption) *Executor {
	base := []ExecutorOption{
		WithStore(store),
		WithLogger(quietLogger()),
		WithClock(stepClock(time.Unix(0, 0), time.Millisecond)),
	}
	return NewExecutor(append(base, opts...)...)
}

// stepClock returns a clock that advances by step on every call.
func stepClock(start time.Time, step time.Duration) func() time.Time {
	now := start
	return func() time.Time {
		now = now.Add(step)
		return now
	}
}

type recordingObserver struct {
	starts   []controlplane.Resolution
	attempts []observe.AttemptRecord
	verdicts []observe.Timeline
}

func (r *recordingObserver) OnStart(_ context.Context, _ policy.TestIdentity, res controlplane.Resolution) {
	r.starts = append(r.starts, res)
}

func (r *recordingObserver) OnAttempt(_ context.Context, _ policy.TestIdentity, rec observe.AttemptRecord) {
	r.attempts = append(r.attempts, rec)
}

func (r *recordingObserver) OnVerdict(_ context.Context, _ policy.TestIdentity, tl observe.Timeline) {
	r.verdicts = append(r.verdicts, tl)
}
