package policy

import (
	"errors"
	"fmt"
)

// ErrInvalidPolicy is matched by every *ConfigError via errors.Is.
var ErrInvalidPolicy = errors.New("rerun: invalid flaky policy")

// ConfigError indicates a flaky policy that violates min_passes >= 1 and
// max_runs >= min_passes. It is raised when the policy is built and is never
// recovered by falling back to defaults.
type ConfigError struct {
	Field  string
	Value  int
	Reason string
}

func (e *ConfigError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("rerun: invalid flaky policy: %s=%d: %s", e.Field, e.Value, e.Reason)
}

func (e *ConfigError) Is(target error) bool {
	return target == ErrInvalidPolicy
}
