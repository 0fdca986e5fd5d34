package observe

import (
	"context"

	"github.com/aponysus/rerun/controlplane"
	"github.com/aponysus/rerun/policy"
)

// NoopObserver implements Observer with no-op methods.
type NoopObserver struct{}

func (NoopObserver) OnStart(context.Context, policy.TestIdentity, controlplane.Resolution) {}
func (NoopObserver) OnAttempt(context.Context, policy.TestIdentity, AttemptRecord)         {}
func (NoopObserver) OnVerdict(context.Context, policy.TestIdentity, Timeline)              {}
