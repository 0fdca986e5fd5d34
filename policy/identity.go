package policy

import "strings"

// TestIdentity is the stable key for a test: an owning scope (package, module or
// class path) and a leaf name.
//
// Name keeps any parametrization suffix ("TestParse/empty_input", "test_x[a-b]")
// so that each concrete instance gets its own retry state; BaseName strips it
// for policy matching.
type TestIdentity struct {
	Scope string
	Name  string
}

// ParseIdentity parses an identity string into a TestIdentity.
//
// Two forms are accepted:
//   - "scope::Name", split at the last "::" (pytest node ids, and Go subtests whose
//     names contain dots: "github.com/acme/store::TestParse/v1.2").
//   - "scope.Name", split at the last '.' before any '[' parameter suffix.
//
// A string with no separator yields a scope-less identity.
func ParseIdentity(s string) TestIdentity {
	s = strings.TrimSpace(s)
	if s == "" {
		return TestIdentity{}
	}

	if i := strings.LastIndex(s, "::"); i >= 0 {
		return TestIdentity{
			Scope: strings.TrimSpace(s[:i]),
			Name:  strings.TrimSpace(s[i+2:]),
		}
	}

	head := s
	if i := strings.IndexByte(s, '['); i >= 0 {
		head = s[:i]
	}
	j := strings.LastIndex(head, ".")
	if j <= 0 || j == len(s)-1 {
		return TestIdentity{Name: s}
	}
	return TestIdentity{
		Scope: strings.TrimSpace(s[:j]),
		Name:  strings.TrimSpace(s[j+1:]),
	}
}

// BaseName returns Name with any parametrization suffix removed.
func (id TestIdentity) BaseName() string {
	name := id.Name
	if i := strings.IndexByte(name, '['); i >= 0 {
		name = name[:i]
	}
	if i := strings.IndexByte(name, '/'); i >= 0 {
		name = name[:i]
	}
	return name
}

// IsParametrized reports whether Name carries a parametrization suffix.
func (id TestIdentity) IsParametrized() bool {
	return id.BaseName() != id.Name
}

// String returns the qualified "scope.Name" form used for reporting.
func (id TestIdentity) String() string {
	switch {
	case id.Scope == "":
		return id.Name
	case id.Name == "":
		return id.Scope
	default:
		return id.Scope + "." + id.Name
	}
}

// IsZero reports whether id carries neither scope nor name.
func (id TestIdentity) IsZero() bool {
	return id.Scope == "" && id.Name == ""
}
