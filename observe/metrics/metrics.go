// Package metrics exports rerun activity as Prometheus metrics.
package metrics

import (
	"context"
	"errors"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/aponysus/rerun/observe"
	"github.com/aponysus/rerun/policy"
)

// Observer counts attempts and verdicts. Register it once per registry.
type Observer struct {
	observe.BaseObserver

	attempts        *prometheus.CounterVec
	attemptDuration *prometheus.HistogramVec
	verdicts        *prometheus.CounterVec
	denied          *prometheus.CounterVec
	attemptsPerTest prometheus.Histogram
}

// New creates an Observer and registers its collectors with reg. A nil reg
// uses prometheus.DefaultRegisterer.
func New(reg prometheus.Registerer) (*Observer, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	o := &Observer{
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rerun",
			Name:      "attempts_total",
			Help:      "Test attempts by outcome. Provisional attempts were followed by a rerun.",
		}, []string{"outcome", "provisional"}),
		attemptDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "rerun",
			Name:      "attempt_duration_seconds",
			Help:      "Wall time of a single test attempt.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 4, 10),
		}, []string{"outcome"}),
		verdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rerun",
			Name:      "verdicts_total",
			Help:      "Final test results.",
		}, []string{"verdict", "flagged"}),
		denied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rerun",
			Name:      "reruns_denied_total",
			Help:      "Reruns refused by the session budget or the breaker.",
		}, []string{"reason"}),
		attemptsPerTest: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "rerun",
			Name:      "attempts_per_test",
			Help:      "Attempts used by each flagged test.",
			Buckets:   prometheus.LinearBuckets(1, 1, 10),
		}),
	}

	for _, c := range []prometheus.Collector{o.attempts, o.attemptDuration, o.verdicts, o.denied, o.attemptsPerTest} {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				return nil, errors.New("metrics: collectors already registered")
			}
			return nil, err
		}
	}
	return o, nil
}

// MustNew is New that panics on error.
func MustNew(reg prometheus.Registerer) *Observer {
	o, err := New(reg)
	if err != nil {
		panic(err)
	}
	return o
}

func (o *Observer) OnAttempt(_ context.Context, _ policy.TestIdentity, rec observe.AttemptRecord) {
	outcome := rec.Outcome.Kind.String()
	o.attempts.WithLabelValues(outcome, strconv.FormatBool(rec.Provisional)).Inc()
	if d := rec.Duration(); d > 0 {
		o.attemptDuration.WithLabelValues(outcome).Observe(d.Seconds())
	}
}

func (o *Observer) OnVerdict(_ context.Context, _ policy.TestIdentity, tl observe.Timeline) {
	verdict := tl.Final.Kind.String()
	if tl.Flaky() && tl.Final.IsPass() {
		verdict = "flaky"
	}
	o.verdicts.WithLabelValues(verdict, strconv.FormatBool(tl.Flagged)).Inc()

	if reason := tl.Attributes["rerun_denied"]; reason != "" {
		o.denied.WithLabelValues(reason).Inc()
	}
	if tl.Flagged && len(tl.Attempts) > 0 {
		o.attemptsPerTest.Observe(float64(len(tl.Attempts)))
	}
}

// WriteTextfile writes every metric gathered from g to path in the text
// exposition format, for the node_exporter textfile collector.
func WriteTextfile(path string, g prometheus.Gatherer) error {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	return prometheus.WriteToTextfile(path, g)
}
