// Package gotest runs Go tests one attempt at a time through `go test -json`.
package gotest

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/aponysus/rerun/classify"
)

// Event is one line of `go test -json` output.
type Event struct {
	Time    time.Time `json:"Time"`
	Action  string    `json:"Action"`
	Package string    `json:"Package"`
	Test    string    `json:"Test,omitempty"`
	Elapsed float64   `json:"Elapsed,omitempty"`
	Output  string    `json:"Output,omitempty"`

	// Build events carry ImportPath instead of Package.
	ImportPath  string `json:"ImportPath,omitempty"`
	FailedBuild string `json:"FailedBuild,omitempty"`
}

// ParseEvents decodes a test2json stream. Lines that are not JSON objects,
// such as build errors printed before the first event, are returned
// separately.
func ParseEvents(r io.Reader) (events []Event, other []string, err error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16<<20)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		if line[0] != '{' {
			other = append(other, string(line))
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			other = append(other, string(line))
			continue
		}
		events = append(events, ev)
	}
	return events, other, sc.Err()
}

// fileLine matches t.Log / t.Error prefixes such as "    store_test.go:42: ".
var fileLine = regexp.MustCompile(`^\s*\S+\.go:\d+: `)

// Fold reduces the events of one test into a report. It returns nil when the
// test never started, or when it has no terminal action and its package did
// not fail.
//
// A test that started but has no terminal action while its package failed
// took the test binary down with it: a -timeout expiry, a panic on another
// goroutine, a fatal runtime error or os.Exit. Its report is a failure with
// the package output as the trace.
func Fold(events []Event, pkg, test string) *classify.Report {
	var (
		out, pkgOut strings.Builder
		action      string
		started     bool
		pkgFailed   bool
		pkgElapsed  float64
		rep         classify.Report
	)
	for _, ev := range events {
		if pkg != "" && ev.Package != pkg {
			continue
		}
		if ev.Test == "" {
			switch ev.Action {
			case "output":
				pkgOut.WriteString(ev.Output)
			case "fail":
				pkgFailed = ev.FailedBuild == ""
				pkgElapsed = ev.Elapsed
			}
			continue
		}
		if ev.Test != test {
			continue
		}
		switch ev.Action {
		case "run":
			started = true
		case "output":
			started = true
			out.WriteString(ev.Output)
		case "pass", "fail", "skip":
			action = ev.Action
			rep.Duration = time.Duration(ev.Elapsed * float64(time.Second))
		}
	}

	output := out.String()
	rep.Output = output
	rep.Phase = classify.PhaseCall
	switch action {
	case "pass":
		rep.Status = classify.StatusPassed
	case "skip":
		rep.Status = classify.StatusSkipped
		rep.SkipReason = firstLogLine(output)
	case "fail":
		rep.Status = classify.StatusFailed
		rep.ErrKind, rep.Message = failureSummary(output)
		rep.Trace = strings.TrimRight(output, "\n")
	default:
		if !started || !pkgFailed {
			return nil
		}
		all := output + pkgOut.String()
		rep.Output = all
		rep.Status = classify.StatusFailed
		rep.Duration = time.Duration(pkgElapsed * float64(time.Second))
		rep.ErrKind, rep.Message = crashSummary(all)
		rep.Trace = strings.TrimRight(all, "\n")
	}
	return &rep
}

// crashSummary describes a test binary that died while the test ran.
func crashSummary(output string) (kind, message string) {
	lines := strings.Split(output, "\n")
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if i := strings.Index(trimmed, "test timed out after"); i >= 0 {
			return "timeout", trimmed[i:]
		}
	}
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "fatal error: ") {
			return "crash", strings.TrimPrefix(trimmed, "fatal error: ")
		}
	}
	if kind, msg := failureSummary(output); kind == "panic" {
		return kind, msg
	}
	return "crash", "test binary exited without reporting a result"
}

func firstLogLine(output string) string {
	for _, line := range strings.Split(output, "\n") {
		if loc := fileLine.FindStringIndex(line); loc != nil {
			return strings.TrimSpace(line[loc[1]:])
		}
	}
	return ""
}

func failureSummary(output string) (kind, message string) {
	lines := strings.Split(output, "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "panic: ") {
			msg := strings.TrimPrefix(trimmed, "panic: ")
			// "panic: ... [recovered]" is followed by the real value.
			if strings.HasSuffix(msg, "[recovered]") && i+1 < len(lines) {
				msg = strings.TrimSpace(lines[i+1])
			}
			if strings.HasPrefix(msg, "test timed out after") {
				return "timeout", msg
			}
			return "panic", msg
		}
	}
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "test timed out after") {
			return "timeout", trimmed
		}
	}
	if msg := firstLogLine(output); msg != "" {
		return "test_failure", msg
	}
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "--- FAIL:") {
			return "test_failure", trimmed
		}
	}
	return "test_failure", "test failed"
}
