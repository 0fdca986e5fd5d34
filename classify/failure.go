package classify

import (
	"encoding/hex"
	"strings"

	"github.com/zeebo/blake3"
)

// FailureRecord is what one failed attempt left behind. Records accumulate
// across reruns and are never overwritten.
type FailureRecord struct {
	Attempt int    `json:"attempt"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Trace   string `json:"trace,omitempty"`

	// Fingerprint groups identical failures across attempts and runs.
	Fingerprint string `json:"fingerprint"`
}

// NewFailureRecord builds a record and computes its fingerprint.
func NewFailureRecord(kind, message, trace string) FailureRecord {
	rec := FailureRecord{
		Kind:    strings.TrimSpace(kind),
		Message: strings.TrimSpace(message),
		Trace:   trace,
	}
	rec.Fingerprint = Fingerprint(rec.Kind, rec.Message, rec.Trace)
	return rec
}

// Fingerprint is a short blake3 digest over kind, message and trace.
func Fingerprint(kind, message, trace string) string {
	h := blake3.New()
	for _, part := range []string{kind, message, normalizeTrace(trace)} {
		_, _ = h.Write([]byte(part))
		_, _ = h.Write([]byte{0})
	}
	sum := h.Sum(nil)
	return hex.EncodeToString(sum[:12])
}

// normalizeTrace drops blank lines and trailing whitespace so that reflowed
// output from the same failure hashes identically.
func normalizeTrace(trace string) string {
	if trace == "" {
		return ""
	}
	lines := strings.Split(trace, "\n")
	out := lines[:0]
	for _, line := range lines {
		line = strings.TrimRight(line, " \t\r")
		if line == "" {
			continue
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}

// Summary is the one-line form used in logs.
func (r FailureRecord) Summary() string {
	switch {
	case r.Kind != "" && r.Message != "":
		return r.Kind + ": " + r.Message
	case r.Message != "":
		return r.Message
	case r.Kind != "":
		return r.Kind
	default:
		return "failure"
	}
}
