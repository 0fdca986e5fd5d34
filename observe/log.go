package observe

import (
	"context"
	"log/slog"

	"github.com/aponysus/rerun/classify"
	"github.com/aponysus/rerun/controlplane"
	"github.com/aponysus/rerun/policy"
)

// LogObserver writes structured logs for flagged tests. Tests that are not
// flagged are logged at debug level only.
type LogObserver struct {
	Logger *slog.Logger
}

// NewLogObserver returns a LogObserver writing to l, or to slog.Default when
// l is nil.
func NewLogObserver(l *slog.Logger) *LogObserver {
	return &LogObserver{Logger: l}
}

func (o *LogObserver) logger() *slog.Logger {
	if o == nil || o.Logger == nil {
		return slog.Default()
	}
	return o.Logger
}

func (o *LogObserver) OnStart(ctx context.Context, id policy.TestIdentity, res controlplane.Resolution) {
	if !res.Flagged {
		return
	}
	o.logger().DebugContext(ctx, "flaky test starting",
		"test", id.String(),
		"source", string(res.Source),
		"match", res.Match,
		"max_runs", res.Policy.MaxRuns,
		"min_passes", res.Policy.MinPasses,
	)
}

func (o *LogObserver) OnAttempt(ctx context.Context, id policy.TestIdentity, rec AttemptRecord) {
	attrs := []any{
		"test", id.String(),
		"attempt", rec.Attempt,
		"outcome", rec.Outcome.Kind.String(),
		"duration", rec.Duration(),
		"decision", rec.Decision,
	}
	if rec.Outcome.Failure != nil {
		attrs = append(attrs, "failure", rec.Outcome.Failure.Summary(), "fingerprint", rec.Outcome.Failure.Fingerprint)
	}

	l := o.logger()
	switch {
	case rec.Decision == DecisionNotFlagged:
		l.DebugContext(ctx, "test attempt", attrs...)
	case rec.Provisional:
		l.InfoContext(ctx, "flaky test attempt failed, rerunning", attrs...)
	default:
		l.InfoContext(ctx, "flaky test attempt", attrs...)
	}
}

func (o *LogObserver) OnVerdict(ctx context.Context, id policy.TestIdentity, tl Timeline) {
	if !tl.Flagged {
		return
	}
	attrs := []any{
		"test", id.String(),
		"verdict", tl.Final.Kind.String(),
		"attempts", len(tl.Attempts),
		"passes", tl.Passes(),
		"duration", tl.End.Sub(tl.Start),
	}

	l := o.logger()
	switch {
	case tl.Final.Kind == classify.OutcomePassed && tl.Flaky():
		l.WarnContext(ctx, "flaky test passed after rerun", attrs...)
	case tl.Final.IsFailure():
		failures := tl.Failures()
		attrs = append(attrs, "failures", len(failures))
		if tl.FinalErr != nil {
			attrs = append(attrs, "error", tl.FinalErr)
		}
		l.ErrorContext(ctx, "flaky test failed", attrs...)
	default:
		l.DebugContext(ctx, "flaky test finished", attrs...)
	}
}
