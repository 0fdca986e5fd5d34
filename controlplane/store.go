package controlplane

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/aponysus/rerun/policy"
)

// Resolution is the result of resolving a test against the Store.
type Resolution struct {
	Identity policy.TestIdentity
	Flagged  bool
	Policy   policy.FlakyPolicy
	Source   policy.Source

	// Match names what flagged the test: the marker pattern or the remote
	// entry's class qualifier.
	Match string
}

// Store holds the flaky policies for one test run: static markers, remote
// entries keyed by test name, and the run's default policy.
//
// A Store is built per run and passed to the executor; there is no package
// level store.
type Store struct {
	mu       sync.RWMutex
	defaults policy.FlakyPolicy
	markers  []policy.Marker
	entries  map[string][]policy.Entry
	logger   *slog.Logger
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithMarkers adds static markers.
func WithMarkers(markers ...policy.Marker) StoreOption {
	return func(s *Store) {
		s.markers = append(s.markers, markers...)
	}
}

// WithEntries seeds the store with remote entries.
func WithEntries(entries ...policy.Entry) StoreOption {
	return func(s *Store) {
		for _, e := range entries {
			s.entries[e.TestName] = append(s.entries[e.TestName], e)
		}
	}
}

// WithStoreLogger sets the logger used for rejected entries.
func WithStoreLogger(l *slog.Logger) StoreOption {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewStore builds a store around defaults. An invalid default, a malformed
// marker pattern, or a marker or seeded entry whose overrides produce an
// invalid policy fails construction.
func NewStore(defaults policy.FlakyPolicy, opts ...StoreOption) (*Store, error) {
	if err := defaults.Validate(); err != nil {
		return nil, err
	}
	s := &Store{
		defaults: defaults,
		entries:  make(map[string][]policy.Entry),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	for _, m := range s.markers {
		if !doublestar.ValidatePattern(m.Pattern) {
			return nil, fmt.Errorf("rerun: invalid marker pattern %q", m.Pattern)
		}
		if _, err := m.Apply(defaults); err != nil {
			return nil, fmt.Errorf("marker %q: %w", m.Pattern, err)
		}
	}
	for name, list := range s.entries {
		for _, e := range list {
			if _, err := e.Apply(defaults); err != nil {
				return nil, fmt.Errorf("entry %q: %w", name, err)
			}
		}
	}
	return s, nil
}

// Defaults returns the store's default policy.
func (s *Store) Defaults() policy.FlakyPolicy {
	return s.defaults
}

// Update replaces the remote entries. Entries without a test name are ignored;
// entries whose overrides are invalid are dropped, and their errors are
// returned joined. Valid entries are loaded either way.
//
// States already created keep the policy resolved when they were created.
func (s *Store) Update(entries []policy.Entry) error {
	next := make(map[string][]policy.Entry, len(entries))
	var errs []error
	for _, e := range entries {
		e.TestName = strings.TrimSpace(e.TestName)
		if e.TestName == "" {
			continue
		}
		if _, err := e.Apply(s.defaults); err != nil {
			s.logger.Warn("dropping flaky test entry", "test_name", e.TestName, "class_name", e.ClassName, "error", err)
			errs = append(errs, fmt.Errorf("entry %q: %w", e.TestName, err))
			continue
		}
		next[e.TestName] = append(next[e.TestName], e)
	}

	s.mu.Lock()
	s.entries = next
	s.mu.Unlock()

	return errors.Join(errs...)
}

// Len returns the number of remote entries loaded.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, list := range s.entries {
		n += len(list)
	}
	return n
}

// Resolve decides whether id is flagged flaky and with which policy.
//
// Remote entry overrides apply over the defaults, and marker overrides apply
// over that. The first matching marker and the first matching entry win.
func (s *Store) Resolve(id policy.TestIdentity) Resolution {
	if s == nil {
		return Resolution{Identity: id, Policy: policy.Default(), Source: policy.SourceNone}
	}
	res := Resolution{Identity: id, Policy: s.defaults, Source: policy.SourceNone}

	s.mu.RLock()
	entries := s.entries[id.BaseName()]
	s.mu.RUnlock()

	for _, e := range entries {
		if !e.Matches(id) {
			continue
		}
		// Entries are validated on load.
		pol, _ := e.Apply(s.defaults)
		res.Flagged = true
		res.Policy = pol
		res.Source = policy.SourceRemote
		res.Match = e.ClassName
		break
	}

	if m, ok := s.matchMarker(id); ok {
		pol, err := m.Apply(res.Policy)
		if err != nil {
			// The marker conflicts with the remote override; the marker alone
			// was validated against the defaults.
			s.logger.Warn("marker conflicts with remote entry", "test", id.String(), "pattern", m.Pattern, "error", err)
			pol, _ = m.Apply(s.defaults)
		}
		res.Flagged = true
		res.Policy = pol
		res.Source = policy.SourceMarker
		res.Match = m.Pattern
	}
	return res
}

// Lookup returns the policy for id if it is flagged.
func (s *Store) Lookup(id policy.TestIdentity) (policy.FlakyPolicy, bool) {
	res := s.Resolve(id)
	return res.Policy, res.Flagged
}

// IsFlagged reports whether id is flagged flaky.
func (s *Store) IsFlagged(id policy.TestIdentity) bool {
	return s.Resolve(id).Flagged
}

// matchMarker matches markers against the full identity and against the
// identity with its parametrization suffix stripped, so "pkg.TestX" marks
// every "pkg.TestX/..." subtest.
func (s *Store) matchMarker(id policy.TestIdentity) (policy.Marker, bool) {
	full := id.String()
	base := policy.TestIdentity{Scope: id.Scope, Name: id.BaseName()}.String()
	for _, m := range s.markers {
		if ok, _ := doublestar.Match(m.Pattern, full); ok {
			return m, true
		}
		if base != full {
			if ok, _ := doublestar.Match(m.Pattern, base); ok {
				return m, true
			}
		}
	}
	return policy.Marker{}, false
}
