package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/aponysus/rerun/ci"
	"github.com/aponysus/rerun/config"
	"github.com/aponysus/rerun/controlplane"
	"github.com/aponysus/rerun/history"
	"github.com/aponysus/rerun/observe"
	"github.com/aponysus/rerun/observe/metrics"
	"github.com/aponysus/rerun/observe/tracing"
	"github.com/aponysus/rerun/policy"
	"github.com/aponysus/rerun/retry"
)

// session is everything one `rerun run` builds from the configuration.
type session struct {
	cfg    *config.Config
	logger *slog.Logger
	env    ci.Env

	store    *controlplane.Store
	exec     *retry.Executor
	history  *history.Store
	registry *prometheus.Registry
	tracer   *sdktrace.TracerProvider
}

type sessionOptions struct {
	markers    []policy.Marker
	reportMode string
	getenv     func(string) string
	traceOut   io.Writer
}

// newStore builds the run's policy store from the configured defaults and
// markers plus any extra markers.
func newStore(cfg *config.Config, logger *slog.Logger, extra []policy.Marker) (*controlplane.Store, error) {
	def, err := cfg.Policy()
	if err != nil {
		return nil, err
	}
	markers := append(append([]policy.Marker{}, cfg.Markers...), extra...)
	return controlplane.NewStore(def,
		controlplane.WithMarkers(markers...),
		controlplane.WithStoreLogger(logger))
}

func newSession(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts sessionOptions) (*session, error) {
	if opts.getenv == nil {
		opts.getenv = os.Getenv
	}
	if opts.traceOut == nil {
		opts.traceOut = os.Stdout
	}

	s := &session{cfg: cfg, logger: logger}
	s.env = cfg.ApplyCI(ci.DetectFrom(opts.getenv), opts.getenv)

	store, err := newStore(cfg, logger, opts.markers)
	if err != nil {
		return nil, err
	}
	s.store = store
	loadRemote(ctx, cfg, s.env, store, logger)

	observers := []observe.Observer{observe.NewLogObserver(logger)}

	if cfg.HistoryEnabled() {
		h, err := history.Open(ctx, cfg.History, history.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		s.history = h
		observers = append(observers, h)
	}
	if cfg.Metrics.Textfile != "" {
		s.registry = prometheus.NewRegistry()
		m, err := metrics.New(s.registry)
		if err != nil {
			s.close(ctx)
			return nil, err
		}
		observers = append(observers, m)
	}
	if cfg.Tracing.Stdout {
		tp, err := tracing.NewStdoutProvider(opts.traceOut, cfg.Tracing.Pretty)
		if err != nil {
			s.close(ctx)
			return nil, err
		}
		s.tracer = tp
		observers = append(observers, tracing.New(tp.Tracer("github.com/aponysus/rerun")))
	}

	mode := cfg.ReportMode()
	if opts.reportMode != "" {
		m, ok := observe.ParseReportMode(opts.reportMode)
		if !ok {
			s.close(ctx)
			return nil, usageError("unknown report mode %q", opts.reportMode)
		}
		mode = m
	}

	breaker, breakers := cfg.Breakers()
	s.exec = retry.NewExecutor(
		retry.WithStore(store),
		retry.WithObserver(observe.Multi(observers...)),
		retry.WithBudget(cfg.RerunBudget()),
		retry.WithBreaker(breaker),
		retry.WithBreakerRegistry(breakers),
		retry.WithReportMode(mode),
		retry.WithRecoverPanics(true),
		retry.WithLogger(logger),
	)
	return s, nil
}

// loadRemote installs the flaky-test service's entries in store. A failed
// lookup is logged and the run continues with markers only.
func loadRemote(ctx context.Context, cfg *config.Config, env ci.Env, store *controlplane.Store, logger *slog.Logger) {
	if !cfg.Remote.Enabled {
		return
	}
	if env.Query.RepoName == "" {
		logger.Warn("remote flaky tests enabled but no repository detected; set remote.repo_name")
		return
	}
	src := controlplane.NewHTTPSource(env.APIURL, env.APIToken, cfg.Remote.Timeout)
	provider := controlplane.NewRemoteProvider(src,
		controlplane.WithCacheTTL(cfg.Remote.CacheTTL),
		controlplane.WithLogger(logger))
	_ = provider.LoadInto(ctx, store, env.Query)
}

// close flushes and releases everything the session opened.
func (s *session) close(ctx context.Context) error {
	var errs []error
	if s.registry != nil {
		if err := metrics.WriteTextfile(s.cfg.Metrics.Textfile, s.registry); err != nil {
			errs = append(errs, err)
		}
	}
	if s.tracer != nil {
		if err := s.tracer.Shutdown(context.WithoutCancel(ctx)); err != nil {
			errs = append(errs, err)
		}
	}
	if s.history != nil {
		if err := s.history.Err(); err != nil {
			s.logger.Warn("some history writes failed", "error", err)
		}
		if err := s.history.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
