package main

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aponysus/rerun/retry"
)

// summary totals a run's verdicts.
type summary struct {
	Total       int
	Passed      int
	Failed      int
	Skipped     int
	Flaky       int
	Rerun       int
	Interrupted int

	failures []result
	flaky    []result
}

func summarize(results []result) summary {
	var s summary
	for _, r := range results {
		s.Total++
		v := r.Verdict
		if v.Rerun() {
			s.Rerun++
		}
		switch {
		case v.Interrupted || errors.Is(r.Err, retry.ErrInterrupted):
			s.Interrupted++
		case r.Err != nil && v.Attempts == 0:
			s.Failed++
			s.failures = append(s.failures, r)
		case v.Failed():
			s.Failed++
			s.failures = append(s.failures, r)
		case v.Skipped():
			s.Skipped++
		case v.Passed():
			s.Passed++
			if v.Flaky() {
				s.Flaky++
				s.flaky = append(s.flaky, r)
			}
		}
	}
	return s
}

// Write prints flaky passes, then failures with every accumulated failure
// record, then the totals line.
func (s summary) Write(w io.Writer) {
	for _, r := range s.flaky {
		v := r.Verdict
		fmt.Fprintf(w, "FLAKY %s (%d/%d passes in %d runs)\n",
			v.Identity, v.Passes, v.Policy.MinPasses, v.Attempts)
		writeFailures(w, r)
	}
	for _, r := range s.failures {
		v := r.Verdict
		if v.Attempts == 0 {
			fmt.Fprintf(w, "FAIL  %s\n", v.Identity)
		} else if v.Flagged {
			fmt.Fprintf(w, "FAIL  %s (%d/%d passes in %d runs)\n",
				v.Identity, v.Passes, v.Policy.MinPasses, v.Attempts)
		} else {
			fmt.Fprintf(w, "FAIL  %s\n", v.Identity)
		}
		writeFailures(w, r)
		writeTrace(w, r)
	}

	parts := []string{
		fmt.Sprintf("%d tests", s.Total),
		fmt.Sprintf("%d passed", s.Passed),
		fmt.Sprintf("%d failed", s.Failed),
	}
	if s.Skipped > 0 {
		parts = append(parts, fmt.Sprintf("%d skipped", s.Skipped))
	}
	if s.Flaky > 0 {
		parts = append(parts, fmt.Sprintf("%d flaky", s.Flaky))
	}
	if s.Rerun > 0 {
		parts = append(parts, fmt.Sprintf("%d rerun", s.Rerun))
	}
	if s.Interrupted > 0 {
		parts = append(parts, fmt.Sprintf("%d interrupted", s.Interrupted))
	}
	fmt.Fprintln(w, strings.Join(parts, ", "))
}

func writeFailures(w io.Writer, r result) {
	failures := r.Verdict.Failures
	for _, f := range failures {
		fmt.Fprintf(w, "    attempt %d: %s\n", f.Attempt, oneLine(f.Summary()))
	}
	if len(failures) == 0 && r.Err != nil {
		fmt.Fprintf(w, "    %s\n", oneLine(errorText(r.Err)))
	}
}

// writeTrace prints the full output of the final failing attempt.
func writeTrace(w io.Writer, r result) {
	rep := r.Verdict.Report
	if rep == nil {
		return
	}
	trace := strings.TrimRight(rep.Trace, "\n")
	if trace == "" {
		trace = strings.TrimRight(rep.Output, "\n")
	}
	if trace == "" {
		return
	}
	if f := r.Verdict.Outcome.Failure; f != nil {
		fmt.Fprintf(w, "    output of attempt %d:\n", f.Attempt)
	} else {
		fmt.Fprintln(w, "    output:")
	}
	for _, line := range strings.Split(trace, "\n") {
		fmt.Fprintf(w, "        %s\n", line)
	}
}

func oneLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i] + " ..."
	}
	return s
}
