package budget

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/aponysus/rerun/policy"
)

// UnlimitedBudget allows every rerun.
type UnlimitedBudget struct{}

func (UnlimitedBudget) AllowRerun(context.Context, policy.TestIdentity, int) Decision {
	return Decision{Allowed: true, Reason: ReasonAllowed}
}

// FixedBudget allows at most n reruns over its lifetime.
type FixedBudget struct {
	mu   sync.Mutex
	max  int
	used int
}

// NewFixedBudget returns a budget of n reruns. A negative n is treated as 0.
func NewFixedBudget(n int) *FixedBudget {
	if n < 0 {
		n = 0
	}
	return &FixedBudget{max: n}
}

func (b *FixedBudget) AllowRerun(context.Context, policy.TestIdentity, int) Decision {
	if b == nil {
		return Decision{Allowed: false, Reason: ReasonBudgetNil}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.used >= b.max {
		return Decision{Allowed: false, Reason: ReasonBudgetDenied}
	}
	b.used++
	return Decision{Allowed: true, Reason: ReasonAllowed}
}

// Used returns the number of reruns granted so far.
func (b *FixedBudget) Used() int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.used
}

// Remaining returns the number of reruns still available.
func (b *FixedBudget) Remaining() int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.max - b.used
}

// TokenBucketBudget rate-limits reruns for long-lived sessions (watch mode,
// soak runs). It starts full and refills at refillPerSecond tokens/second;
// each rerun consumes one token.
type TokenBucketBudget struct {
	mu sync.Mutex

	capacity        float64
	refillPerSecond float64

	tokens float64
	last   time.Time
	nowFn  func() time.Time
}

func NewTokenBucketBudget(capacity int, refillPerSecond float64) *TokenBucketBudget {
	if capacity < 0 {
		capacity = 0
	}
	if refillPerSecond < 0 || math.IsNaN(refillPerSecond) || math.IsInf(refillPerSecond, 0) {
		refillPerSecond = 0
	}
	return &TokenBucketBudget{
		capacity:        float64(capacity),
		refillPerSecond: refillPerSecond,
		tokens:          float64(capacity),
		last:            time.Now(),
	}
}

func (b *TokenBucketBudget) AllowRerun(context.Context, policy.TestIdentity, int) Decision {
	if b == nil {
		return Decision{Allowed: false, Reason: ReasonBudgetNil}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if b.last.IsZero() {
		b.tokens = b.capacity
	} else if b.refillPerSecond > 0 && now.After(b.last) {
		b.tokens += now.Sub(b.last).Seconds() * b.refillPerSecond
		if b.tokens > b.capacity {
			b.tokens = b.capacity
		}
	}
	// Advance on skew too.
	b.last = now

	if b.tokens >= 1 {
		b.tokens--
		return Decision{Allowed: true, Reason: ReasonAllowed}
	}
	return Decision{Allowed: false, Reason: ReasonBudgetDenied}
}

func (b *TokenBucketBudget) now() time.Time {
	if b.nowFn != nil {
		return b.nowFn()
	}
	return time.Now()
}
