// Package tracing records each test as an OpenTelemetry span with one event
// per attempt.
package tracing

import (
	"context"
	"io"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/aponysus/rerun/controlplane"
	"github.com/aponysus/rerun/observe"
	"github.com/aponysus/rerun/policy"
)

// SpanName is the name of the per-test span.
const SpanName = "rerun.test"

// Observer opens a span in OnStart and ends it in OnVerdict. Attempt events
// are added from the timeline so that provisional attempts appear even when
// the executor reports final attempts only.
type Observer struct {
	observe.BaseObserver

	tracer trace.Tracer

	mu    sync.Mutex
	spans map[policy.TestIdentity]trace.Span
}

// New returns an Observer that starts spans on tracer.
func New(tracer trace.Tracer) *Observer {
	return &Observer{
		tracer: tracer,
		spans:  make(map[policy.TestIdentity]trace.Span),
	}
}

func (o *Observer) OnStart(ctx context.Context, id policy.TestIdentity, res controlplane.Resolution) {
	_, span := o.tracer.Start(ctx, SpanName,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("test.scope", id.Scope),
			attribute.String("test.name", id.Name),
			attribute.Bool("rerun.flagged", res.Flagged),
			attribute.String("rerun.source", string(res.Source)),
			attribute.Int("rerun.max_runs", res.Policy.MaxRuns),
			attribute.Int("rerun.min_passes", res.Policy.MinPasses),
		))

	o.mu.Lock()
	if prev, ok := o.spans[id]; ok {
		prev.End()
	}
	o.spans[id] = span
	o.mu.Unlock()
}

func (o *Observer) OnVerdict(ctx context.Context, id policy.TestIdentity, tl observe.Timeline) {
	o.mu.Lock()
	span, ok := o.spans[id]
	delete(o.spans, id)
	o.mu.Unlock()
	if !ok {
		_, span = o.tracer.Start(ctx, SpanName, trace.WithTimestamp(tl.Start))
	}

	for _, a := range tl.Attempts {
		attrs := []attribute.KeyValue{
			attribute.Int("attempt", a.Attempt),
			attribute.String("outcome", a.Outcome.Kind.String()),
			attribute.String("decision", a.Decision),
			attribute.Bool("provisional", a.Provisional),
		}
		if f := a.Outcome.Failure; f != nil {
			attrs = append(attrs,
				attribute.String("failure.kind", f.Kind),
				attribute.String("failure.fingerprint", f.Fingerprint))
		}
		opts := []trace.EventOption{trace.WithAttributes(attrs...)}
		if !a.EndTime.IsZero() {
			opts = append(opts, trace.WithTimestamp(a.EndTime))
		}
		span.AddEvent("attempt", opts...)
	}

	span.SetAttributes(
		attribute.Int("rerun.attempts", len(tl.Attempts)),
		attribute.Int("rerun.passes", tl.Passes()),
		attribute.String("rerun.verdict", tl.Final.Kind.String()),
		attribute.Bool("rerun.flaky", tl.Flaky()),
	)
	for k, v := range tl.Attributes {
		span.SetAttributes(attribute.String("rerun."+k, v))
	}

	switch {
	case tl.FinalErr != nil:
		span.RecordError(tl.FinalErr)
		span.SetStatus(codes.Error, tl.FinalErr.Error())
	case tl.Final.IsFailure():
		msg := "test failed"
		if tl.Final.Failure != nil {
			msg = tl.Final.Failure.Summary()
		}
		span.SetStatus(codes.Error, msg)
	default:
		span.SetStatus(codes.Ok, "")
	}

	var endOpts []trace.SpanEndOption
	if !tl.End.IsZero() {
		endOpts = append(endOpts, trace.WithTimestamp(tl.End))
	}
	span.End(endOpts...)
}

// NewStdoutProvider returns a tracer provider that writes finished spans to w
// as JSON. Callers must Shutdown it to flush.
func NewStdoutProvider(w io.Writer, pretty bool) (*sdktrace.TracerProvider, error) {
	opts := []stdouttrace.Option{stdouttrace.WithWriter(w)}
	if pretty {
		opts = append(opts, stdouttrace.WithPrettyPrint())
	}
	exp, err := stdouttrace.New(opts...)
	if err != nil {
		return nil, err
	}
	return sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp)), nil
}
