package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"regexp"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/aponysus/rerun/gotest"
	"github.com/aponysus/rerun/policy"
	"github.com/aponysus/rerun/retry"
)

// newRunner builds the go test runner. Tests replace it.
var newRunner = func(dir string, flags []string) *gotest.Runner {
	return gotest.NewRunner(dir, flags...)
}

type runOptions struct {
	flaky      []string
	maxRuns    int
	minPasses  int
	filter     string
	parallel   int
	goFlags    []string
	dir        string
	reportMode string
}

func newRunCmd(g *globalOptions) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run [packages]",
		Short: "Run tests, rerunning flagged ones",
		Example: `  rerun run ./...
  rerun run --flaky 'example.com/app/**/*.TestRace*' --max-runs 5 ./app/...`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTests(cmd, g, opts, args)
		},
	}
	f := cmd.Flags()
	f.StringArrayVar(&opts.flaky, "flaky", nil, "flag tests matching this glob over pkg.TestName (repeatable)")
	f.IntVar(&opts.maxRuns, "max-runs", 0, "max_runs for tests flagged by --flaky")
	f.IntVar(&opts.minPasses, "min-passes", 0, "min_passes for tests flagged by --flaky")
	f.StringVar(&opts.filter, "run", "", "only run tests whose pkg.TestName matches this regexp")
	f.IntVarP(&opts.parallel, "parallel", "p", 1, "tests to run concurrently")
	f.StringArrayVar(&opts.goFlags, "go-flag", nil, "extra flag for go test, e.g. -race (repeatable)")
	f.StringVar(&opts.dir, "dir", "", "module directory (default: current directory)")
	f.StringVar(&opts.reportMode, "report", "", "override report.mode (all, final)")
	return cmd
}

// markers turns the --flaky flags into markers.
func (o *runOptions) markers() []policy.Marker {
	out := make([]policy.Marker, 0, len(o.flaky))
	for _, p := range o.flaky {
		m := policy.Marker{Pattern: p}
		if o.maxRuns > 0 {
			m.MaxRuns = policy.Int(o.maxRuns)
		}
		if o.minPasses > 0 {
			m.MinPasses = policy.Int(o.minPasses)
		}
		out = append(out, m)
	}
	return out
}

func runTests(cmd *cobra.Command, g *globalOptions, opts *runOptions, pkgs []string) error {
	if opts.parallel < 1 {
		return usageError("--parallel must be at least 1")
	}
	var filter *regexp.Regexp
	if opts.filter != "" {
		re, err := regexp.Compile(opts.filter)
		if err != nil {
			return usageError("--run: %v", err)
		}
		filter = re
	}

	cfg, logger, err := g.load(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sess, err := newSession(ctx, cfg, logger, sessionOptions{
		markers:    opts.markers(),
		reportMode: opts.reportMode,
		traceOut:   cmd.ErrOrStderr(),
	})
	if err != nil {
		if _, ok := err.(*exitError); ok {
			return err
		}
		return &exitError{code: 2, msg: err.Error()}
	}
	defer func() {
		if err := sess.close(ctx); err != nil {
			logger.Warn("closing session", "error", err)
		}
	}()

	runner := newRunner(opts.dir, opts.goFlags)
	runner.Logger = logger

	tests, err := runner.List(ctx, pkgs...)
	if err != nil {
		return &exitError{code: 2, msg: err.Error()}
	}
	if filter != nil {
		kept := tests[:0]
		for _, id := range tests {
			if filter.MatchString(id.String()) {
				kept = append(kept, id)
			}
		}
		tests = kept
	}
	logger.Info("running tests", "count", len(tests), "parallel", opts.parallel,
		"ci", string(sess.env.Provider), "flagged_remote", sess.store.Len())

	results := runAll(ctx, sess.exec, runner, tests, opts.parallel)

	sum := summarize(results)
	sum.Write(cmd.OutOrStdout())

	switch {
	case ctx.Err() != nil || sum.Interrupted > 0:
		return &exitError{code: 130, msg: "interrupted"}
	case sum.Failed > 0:
		return &exitError{code: 1}
	}
	return nil
}

// result is one test's verdict and the executor error, if any.
type result struct {
	Verdict retry.Verdict
	Err     error
}

// runAll runs tests through exec with at most parallel in flight. Results keep
// the order of tests. Tests not started before ctx is cancelled are absent.
func runAll(ctx context.Context, exec *retry.Executor, runner *gotest.Runner, tests []policy.TestIdentity, parallel int) []result {
	results := make([]result, len(tests))
	started := make([]bool, len(tests))
	sem := make(chan struct{}, parallel)
	var wg sync.WaitGroup

	for i, id := range tests {
		select {
		case <-ctx.Done():
		case sem <- struct{}{}:
		}
		if ctx.Err() != nil {
			break
		}
		started[i] = true
		wg.Add(1)
		go func(i int, id policy.TestIdentity) {
			defer wg.Done()
			defer func() { <-sem }()
			v, err := exec.Run(ctx, id, runner.Attempt)
			results[i] = result{Verdict: v, Err: err}
		}(i, id)
	}
	wg.Wait()

	out := results[:0]
	for i, r := range results {
		if started[i] {
			out = append(out, r)
		}
	}
	return out
}

// errorText renders an executor error for the summary.
func errorText(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, retry.ErrInterrupted) {
		return "interrupted"
	}
	return fmt.Sprint(err)
}
