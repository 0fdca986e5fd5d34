package policy

import "strings"

// Process-wide defaults: allow one retry, any single pass is enough.
const (
	DefaultMaxRuns   = 2
	DefaultMinPasses = 1
)

// FlakyPolicy holds the rerun thresholds for one flaky test.
type FlakyPolicy struct {
	MaxRuns   int `json:"max_runs" yaml:"max_runs"`
	MinPasses int `json:"min_passes" yaml:"min_passes"`
}

// Default returns the process-wide default policy.
func Default() FlakyPolicy {
	return FlakyPolicy{MaxRuns: DefaultMaxRuns, MinPasses: DefaultMinPasses}
}

// Validate checks min_passes >= 1 and max_runs >= min_passes.
func (p FlakyPolicy) Validate() error {
	if p.MinPasses <= 0 {
		return &ConfigError{Field: "min_passes", Value: p.MinPasses, Reason: "must be positive"}
	}
	if p.MaxRuns < p.MinPasses {
		return &ConfigError{Field: "max_runs", Value: p.MaxRuns, Reason: "must not be less than min_passes"}
	}
	return nil
}

// Option configures a FlakyPolicy in New.
type Option func(*FlakyPolicy)

// MaxRuns sets the attempt budget.
func MaxRuns(n int) Option {
	return func(p *FlakyPolicy) { p.MaxRuns = n }
}

// MinPasses sets the pass quota.
func MinPasses(n int) Option {
	return func(p *FlakyPolicy) { p.MinPasses = n }
}

// New builds a validated policy. Options setting a field to zero leave the
// default in place; negative values and max_runs < min_passes fail with a
// *ConfigError.
func New(opts ...Option) (FlakyPolicy, error) {
	return Default().With(opts...)
}

// With applies opts on top of p and validates the result.
func (p FlakyPolicy) With(opts ...Option) (FlakyPolicy, error) {
	next := p
	for _, opt := range opts {
		if opt != nil {
			opt(&next)
		}
	}
	if next.MaxRuns == 0 {
		next.MaxRuns = p.MaxRuns
	}
	if next.MinPasses == 0 {
		next.MinPasses = p.MinPasses
	}
	if err := next.Validate(); err != nil {
		return FlakyPolicy{}, err
	}
	return next, nil
}

// MustNew is New for static configuration; it panics on an invalid policy.
func MustNew(opts ...Option) FlakyPolicy {
	p, err := New(opts...)
	if err != nil {
		panic(err)
	}
	return p
}

// Source records where a resolved policy came from.
type Source string

const (
	SourceNone   Source = "none"
	SourceMarker Source = "marker"
	SourceRemote Source = "remote"
)

// Entry is one record supplied by the remote flaky-test service.
//
// ClassName is matched by containment against the local scope, which tolerates
// partially-qualified identifiers from the remote side.
type Entry struct {
	TestName  string `json:"test_name" yaml:"test_name"`
	ClassName string `json:"class_name" yaml:"class_name"`
	MinPasses *int   `json:"min_passes,omitempty" yaml:"min_passes,omitempty"`
	MaxRuns   *int   `json:"max_runs,omitempty" yaml:"max_runs,omitempty"`
}

// Matches reports whether the entry names id: the leaf names must be equal and
// ClassName must be a substring of (or equal to) the scope. An empty ClassName
// matches any scope.
func (e Entry) Matches(id TestIdentity) bool {
	if e.TestName == "" || e.TestName != id.BaseName() {
		return false
	}
	return strings.Contains(id.Scope, e.ClassName)
}

// Apply overlays the entry's overrides on base. Absent and zero overrides fall
// back to base.
func (e Entry) Apply(base FlakyPolicy) (FlakyPolicy, error) {
	return base.With(overrides(e.MaxRuns, e.MinPasses)...)
}

// Marker flags tests statically by glob pattern over the qualified identity,
// with optional per-marker thresholds.
type Marker struct {
	Pattern   string `json:"pattern" yaml:"pattern"`
	MaxRuns   *int   `json:"max_runs,omitempty" yaml:"max_runs,omitempty"`
	MinPasses *int   `json:"min_passes,omitempty" yaml:"min_passes,omitempty"`
}

// Apply overlays the marker's overrides on base.
func (m Marker) Apply(base FlakyPolicy) (FlakyPolicy, error) {
	return base.With(overrides(m.MaxRuns, m.MinPasses)...)
}

func overrides(maxRuns, minPasses *int) []Option {
	var opts []Option
	if maxRuns != nil {
		opts = append(opts, MaxRuns(*maxRuns))
	}
	if minPasses != nil {
		opts = append(opts, MinPasses(*minPasses))
	}
	return opts
}

// Int returns a pointer to n, for building entries and markers in code.
func Int(n int) *int { return &n }
