package gotest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"regexp"
	"sort"
	"strings"

	"github.com/aponysus/rerun/classify"
	"github.com/aponysus/rerun/policy"
)

// Runner runs Go tests. Each Attempt is a separate `go test` process so that
// package-level state does not leak between reruns.
type Runner struct {
	// GoBin is the go command. Default "go".
	GoBin string
	// Dir is the module directory tests run in.
	Dir string
	// Flags are passed to `go test` before the package, e.g. "-race".
	Flags []string
	// Env is appended to the process environment.
	Env []string

	Logger *slog.Logger

	// Exec replaces running GoBin, for callers that sandbox or record the
	// invocation. It receives the arguments that follow the go command.
	Exec func(ctx context.Context, args ...string) (stdout, stderr []byte, err error)
}

// NewRunner returns a Runner for the module in dir.
func NewRunner(dir string, flags ...string) *Runner {
	return &Runner{GoBin: "go", Dir: dir, Flags: flags}
}

func (r *Runner) logger() *slog.Logger {
	if r.Logger == nil {
		return slog.Default()
	}
	return r.Logger
}

func (r *Runner) exec(ctx context.Context, args ...string) ([]byte, []byte, error) {
	if r.Exec != nil {
		return r.Exec(ctx, args...)
	}
	bin := r.GoBin
	if bin == "" {
		bin = "go"
	}
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Dir = r.Dir
	if len(r.Env) > 0 {
		cmd.Env = append(os.Environ(), r.Env...)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

// RunPattern returns the -run expression selecting exactly name, with each
// subtest level anchored separately.
func RunPattern(name string) string {
	parts := strings.Split(name, "/")
	for i, p := range parts {
		parts[i] = "^" + regexp.QuoteMeta(p) + "$"
	}
	return strings.Join(parts, "/")
}

// Attempt runs id once. id.Scope is the package import path and id.Name the
// test name as `go test` reports it.
//
// A build failure, or any run that ends without a result for the test,
// returns a nil report and an error describing what happened.
func (r *Runner) Attempt(ctx context.Context, id policy.TestIdentity) (*classify.Report, error) {
	args := []string{"test", "-json", "-count=1", "-run", RunPattern(id.Name)}
	args = append(args, r.Flags...)
	args = append(args, id.Scope)

	stdout, stderr, runErr := r.exec(ctx, args...)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	events, other, err := ParseEvents(bytes.NewReader(stdout))
	if err != nil {
		return nil, fmt.Errorf("gotest: read output: %w", err)
	}
	rep := Fold(events, id.Scope, id.Name)
	if rep != nil {
		return rep, nil
	}

	detail := packageOutput(events, id.Scope)
	if detail == "" {
		detail = strings.TrimSpace(string(stderr))
	}
	if detail == "" {
		detail = strings.Join(other, "\n")
	}
	if runErr == nil {
		runErr = errors.New("no result reported")
	}
	return nil, fmt.Errorf("gotest: %s: %w: %s", id, runErr, snippet(detail))
}

// packageOutput collects the package-level and build output of pkg.
func packageOutput(events []Event, pkg string) string {
	var b strings.Builder
	for _, ev := range events {
		switch {
		case ev.Action == "build-output":
			b.WriteString(ev.Output)
		case ev.Action == "output" && ev.Test == "" && ev.Package == pkg:
			b.WriteString(ev.Output)
		}
	}
	return strings.TrimSpace(b.String())
}

func snippet(s string) string {
	if len(s) > 500 {
		return s[:500] + "..."
	}
	return s
}

var listable = []string{"Test", "Example", "Fuzz"}

// List returns the top-level tests, examples and fuzz targets in pkgs, sorted
// by package then name.
func (r *Runner) List(ctx context.Context, pkgs ...string) ([]policy.TestIdentity, error) {
	if len(pkgs) == 0 {
		pkgs = []string{"./..."}
	}
	args := append([]string{"test", "-json", "-list", "."}, r.Flags...)
	args = append(args, pkgs...)

	stdout, stderr, runErr := r.exec(ctx, args...)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	events, _, err := ParseEvents(bytes.NewReader(stdout))
	if err != nil {
		return nil, fmt.Errorf("gotest: read list output: %w", err)
	}

	var out []policy.TestIdentity
	failed := map[string]bool{}
	for _, ev := range events {
		switch ev.Action {
		case "fail":
			if ev.Test == "" {
				failed[ev.Package] = true
			}
		case "output":
			if ev.Test != "" {
				continue
			}
			name := strings.TrimSpace(ev.Output)
			if isListed(name) {
				out = append(out, policy.TestIdentity{Scope: ev.Package, Name: name})
			}
		}
	}
	for pkg := range failed {
		r.logger().WarnContext(ctx, "listing tests failed", "package", pkg)
	}
	if len(out) == 0 && runErr != nil {
		return nil, fmt.Errorf("gotest: list: %w: %s", runErr, snippet(strings.TrimSpace(string(stderr))))
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Scope != out[j].Scope {
			return out[i].Scope < out[j].Scope
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func isListed(name string) bool {
	if name == "" || strings.ContainsAny(name, " \t") {
		return false
	}
	for _, p := range listable {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}
