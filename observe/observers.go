package observe

import (
	"context"

	"github.com/aponysus/rerun/controlplane"
	"github.com/aponysus/rerun/policy"
)

// BaseObserver implements Observer with no-op methods.
//
// Users can embed BaseObserver to implement only the callbacks they need.
type BaseObserver struct{}

func (BaseObserver) OnStart(context.Context, policy.TestIdentity, controlplane.Resolution) {}
func (BaseObserver) OnAttempt(context.Context, policy.TestIdentity, AttemptRecord)         {}
func (BaseObserver) OnVerdict(context.Context, policy.TestIdentity, Timeline)              {}

// MultiObserver fans out events to multiple observers.
type MultiObserver struct {
	Observers []Observer
}

func (m MultiObserver) OnStart(ctx context.Context, id policy.TestIdentity, res controlplane.Resolution) {
	for _, o := range m.Observers {
		if o != nil {
			o.OnStart(ctx, id, res)
		}
	}
}

func (m MultiObserver) OnAttempt(ctx context.Context, id policy.TestIdentity, rec AttemptRecord) {
	for _, o := range m.Observers {
		if o != nil {
			o.OnAttempt(ctx, id, rec)
		}
	}
}

func (m MultiObserver) OnVerdict(ctx context.Context, id policy.TestIdentity, tl Timeline) {
	for _, o := range m.Observers {
		if o != nil {
			o.OnVerdict(ctx, id, tl)
		}
	}
}

// Multi returns a MultiObserver over the non-nil observers, or NoopObserver
// when there are none.
func Multi(observers ...Observer) Observer {
	var out []Observer
	for _, o := range observers {
		if o != nil {
			out = append(out, o)
		}
	}
	switch len(out) {
	case 0:
		return NoopObserver{}
	case 1:
		return out[0]
	default:
		return MultiObserver{Observers: out}
	}
}
