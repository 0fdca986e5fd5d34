package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aponysus/rerun/classify"
	"github.com/aponysus/rerun/gotest"
	"github.com/aponysus/rerun/policy"
	"github.com/aponysus/rerun/retry"
)

const fakePkg = "example.com/app"

// fakeGo answers `go test -json -list` with the tests in script and each
// `go test -run` with the next status scripted for that test.
type fakeGo struct {
	mu     sync.Mutex
	tests  []string
	script map[string][]string
	calls  map[string]int
}

func newFakeGo(script map[string][]string, tests ...string) *fakeGo {
	return &fakeGo{tests: tests, script: script, calls: map[string]int{}}
}

func (f *fakeGo) exec(_ context.Context, args ...string) ([]byte, []byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	emit := func(ev gotest.Event) {
		ev.Package = fakePkg
		_ = enc.Encode(ev)
	}

	for i, a := range args {
		if a == "-list" {
			for _, name := range f.tests {
				emit(gotest.Event{Action: "output", Output: name + "\n"})
			}
			emit(gotest.Event{Action: "pass"})
			return buf.Bytes(), nil, nil
		}
		if a == "-run" {
			name := strings.Trim(args[i+1], "^$")
			f.mu.Lock()
			n := f.calls[name]
			f.calls[name]++
			statuses := f.script[name]
			f.mu.Unlock()

			status := "pass"
			if n < len(statuses) {
				status = statuses[n]
			} else if len(statuses) > 0 {
				status = statuses[len(statuses)-1]
			}
			emit(gotest.Event{Action: "run", Test: name})
			if status == "fail" {
				emit(gotest.Event{Action: "output", Test: name, Output: "    app_test.go:10: boom\n"})
				emit(gotest.Event{Action: "output", Test: name, Output: "--- FAIL: " + name + " (0.00s)\n"})
			}
			emit(gotest.Event{Action: status, Test: name})
			if status == "fail" {
				return buf.Bytes(), nil, errors.New("exit status 1")
			}
			return buf.Bytes(), nil, nil
		}
	}
	return nil, []byte("unexpected invocation"), errors.New("exit status 2")
}

func (f *fakeGo) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func withFakeGo(t *testing.T, f *fakeGo) {
	t.Helper()
	prev := newRunner
	newRunner = func(dir string, flags []string) *gotest.Runner {
		r := gotest.NewRunner(dir, flags...)
		r.Exec = f.exec
		return r
	}
	t.Cleanup(func() { newRunner = prev })
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cfg := filepath.Join(t.TempDir(), "missing.yaml")
	cmd.SetArgs(append([]string{"--config", cfg}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func exitCode(err error) int {
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	if err != nil {
		return -1
	}
	return 0
}

func TestRun_FlakyTestPassesOnRerun(t *testing.T) {
	f := newFakeGo(map[string][]string{"TestFlaky": {"fail", "pass"}}, "TestFlaky", "TestStable")
	withFakeGo(t, f)

	out, err := execute(t, "run", "--flaky", fakePkg+".TestFlaky", fakePkg)
	require.NoError(t, err)

	assert.Equal(t, 2, f.count("TestFlaky"))
	assert.Equal(t, 1, f.count("TestStable"))
	assert.Contains(t, out, "FLAKY "+fakePkg+".TestFlaky (1/1 passes in 2 runs)")
	assert.Contains(t, out, "attempt 1: ")
	assert.Contains(t, out, "2 tests, 2 passed, 0 failed, 1 flaky, 1 rerun")
}

func TestRun_UnflaggedFailureIsNotRerun(t *testing.T) {
	f := newFakeGo(map[string][]string{"TestBroken": {"fail", "pass"}}, "TestBroken")
	withFakeGo(t, f)

	out, err := execute(t, "run", fakePkg)
	assert.Equal(t, 1, exitCode(err))
	assert.Equal(t, 1, f.count("TestBroken"))
	assert.Contains(t, out, "FAIL  "+fakePkg+".TestBroken\n")
	assert.Contains(t, out, "1 tests, 0 passed, 1 failed")
}

func TestRun_FlaggedExhaustsMaxRuns(t *testing.T) {
	f := newFakeGo(map[string][]string{"TestBad": {"fail"}}, "TestBad")
	withFakeGo(t, f)

	out, err := execute(t, "run", "--flaky", "**/*.TestBad", "--max-runs", "3", fakePkg)
	assert.Equal(t, 1, exitCode(err))
	assert.Equal(t, 3, f.count("TestBad"))
	assert.Contains(t, out, "(0/1 passes in 3 runs)")
	assert.Equal(t, 3, strings.Count(out, "    attempt "))
}

func TestRun_FilterAndParallel(t *testing.T) {
	f := newFakeGo(nil, "TestA", "TestB", "TestC", "TestD")
	withFakeGo(t, f)

	out, err := execute(t, "run", "--run", `\.Test[ABC]$`, "-p", "3", fakePkg)
	require.NoError(t, err)
	assert.Equal(t, 0, f.count("TestD"))
	assert.Contains(t, out, "3 tests, 3 passed, 0 failed")
}

func TestRun_UsageErrors(t *testing.T) {
	withFakeGo(t, newFakeGo(nil))

	_, err := execute(t, "run", "-p", "0")
	assert.Equal(t, 2, exitCode(err))

	_, err = execute(t, "run", "--run", "(")
	assert.Equal(t, 2, exitCode(err))

	_, err = execute(t, "run", "--report", "sometimes", fakePkg)
	assert.Equal(t, 2, exitCode(err))
}

func TestRun_WritesMetricsTextfile(t *testing.T) {
	f := newFakeGo(map[string][]string{"TestFlaky": {"fail", "pass"}}, "TestFlaky")
	withFakeGo(t, f)

	dir := t.TempDir()
	prom := filepath.Join(dir, "rerun.prom")
	cfgPath := filepath.Join(dir, "rerun.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("markers:\n  - pattern: \"**/*.TestFlaky\"\nmetrics:\n  textfile: "+prom+"\n"), 0o644))

	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--config", cfgPath, "run", fakePkg})
	require.NoError(t, cmd.ExecuteContext(context.Background()))

	data, err := os.ReadFile(prom)
	require.NoError(t, err)
	assert.Contains(t, string(data), `rerun_verdicts_total{flagged="true",verdict="flaky"} 1`)
}

func TestList_ShowsPolicies(t *testing.T) {
	withFakeGo(t, newFakeGo(nil, "TestA", "TestB"))

	out, err := execute(t, "list", "--flaky", "**/*.TestB", fakePkg)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[1], fakePkg+".TestA")
	assert.Contains(t, lines[1], "no")
	assert.Contains(t, lines[2], "yes")
	assert.Contains(t, lines[2], "marker")

	out, err = execute(t, "list", "--flagged", "--flaky", "**/*.TestB", fakePkg)
	require.NoError(t, err)
	assert.NotContains(t, out, ".TestA")
}

func TestHistory_RequiresStore(t *testing.T) {
	_, err := execute(t, "history", fakePkg+".TestA")
	assert.Equal(t, 2, exitCode(err))
}

func TestHistory_ShowsRecordedRuns(t *testing.T) {
	f := newFakeGo(map[string][]string{"TestFlaky": {"fail", "pass"}}, "TestFlaky")
	withFakeGo(t, f)

	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "rerun.yaml")
	db := filepath.Join(dir, "history.db")
	require.NoError(t, os.WriteFile(cfgPath, []byte("markers:\n  - pattern: \"**/*.TestFlaky\"\nhistory:\n  dsn: "+db+"\n"), 0o644))

	run := func(args ...string) string {
		cmd := newRootCmd()
		var out bytes.Buffer
		cmd.SetOut(&out)
		cmd.SetErr(&bytes.Buffer{})
		cmd.SetArgs(append([]string{"--config", cfgPath}, args...))
		require.NoError(t, cmd.ExecuteContext(context.Background()))
		return out.String()
	}
	run("run", fakePkg)
	out := run("history", fakePkg+".TestFlaky")
	assert.Contains(t, out, "flaky in 1 of 1 runs")
	assert.Contains(t, out, "passed")
}

func TestServe_RequiresEntries(t *testing.T) {
	_, err := execute(t, "serve")
	assert.Equal(t, 2, exitCode(err))
}

func TestSummary(t *testing.T) {
	id := func(name string) policy.TestIdentity { return policy.TestIdentity{Scope: fakePkg, Name: name} }
	fail := classify.NewFailureRecord("assertion", "want 1\ngot 2", "")
	fail.Attempt = 1
	last := fail
	last.Attempt = 2
	lastReport := &classify.Report{
		Status: classify.StatusFailed,
		Trace:  "=== RUN   TestBad\n    bad_test.go:5: boom\n    bad_test.go:6: got 3 want 4\n--- FAIL: TestBad (0.00s)",
	}

	results := []result{
		{Verdict: retry.Verdict{Identity: id("TestOK"), Outcome: classify.Passed(), Attempts: 1, Passes: 1}},
		{Verdict: retry.Verdict{Identity: id("TestSkip"), Outcome: classify.Skipped("no db"), Attempts: 1}},
		{Verdict: retry.Verdict{
			Identity: id("TestBad"), Flagged: true, Policy: policy.Default(),
			Outcome: classify.Failed(last), Attempts: 2, Failures: []classify.FailureRecord{fail, last},
			Report: lastReport,
		}},
		{Verdict: retry.Verdict{Identity: id("TestNested")}, Err: errors.New("rerun: test already running")},
		{Verdict: retry.Verdict{Identity: id("TestStopped"), Interrupted: true, Attempts: 1}},
	}
	s := summarize(results)
	assert.Equal(t, 5, s.Total)
	assert.Equal(t, 1, s.Passed)
	assert.Equal(t, 1, s.Skipped)
	assert.Equal(t, 2, s.Failed)
	assert.Equal(t, 1, s.Interrupted)
	assert.Equal(t, 1, s.Rerun)

	var buf bytes.Buffer
	s.Write(&buf)
	out := buf.String()
	assert.Contains(t, out, "FAIL  "+fakePkg+".TestBad (0/1 passes in 2 runs)\n")
	assert.Contains(t, out, "    attempt 1: assertion: want 1 ...\n")
	assert.Contains(t, out, "    attempt 2: assertion: want 1 ...\n    output of attempt 2:\n")
	assert.Contains(t, out, "        bad_test.go:6: got 3 want 4\n")
	assert.Contains(t, out, "        --- FAIL: TestBad (0.00s)\n")
	assert.Contains(t, out, "FAIL  "+fakePkg+".TestNested\n    rerun: test already running\n")
	assert.True(t, strings.HasSuffix(out, "5 tests, 1 passed, 2 failed, 1 skipped, 1 rerun, 1 interrupted\n"))
}
