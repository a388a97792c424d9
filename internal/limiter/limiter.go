// Package limiter enforces per-source request cadence and concurrency
// ceilings for all connector traffic.
package limiter

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ppiankov/tributary/internal/ingesterr"
	"github.com/ppiankov/tributary/internal/model"
	"golang.org/x/time/rate"
)

// ErrRateLimitExceeded is returned when a token cannot be acquired
// within the policy's max wait.
var ErrRateLimitExceeded = errors.New("rate limit wait exceeded deadline")

// sourceLimiter pairs a token bucket with an in-flight slot semaphore.
// The bucket bounds call rate, the semaphore bounds simultaneous
// requests regardless of bucket state.
type sourceLimiter struct {
	bucket *rate.Limiter
	slots  chan struct{}
	policy model.RatePolicy
}

// Limiter hands out request tokens per source
type Limiter struct {
	sources map[string]*sourceLimiter
	mu      sync.RWMutex
	def     model.RatePolicy
}

// New creates a limiter using def for sources without an explicit policy
func New(def model.RatePolicy) *Limiter {
	if def.Burst <= 0 {
		def.Burst = 1
	}
	if def.MaxConcurrent <= 0 {
		def.MaxConcurrent = 1
	}
	return &Limiter{
		sources: make(map[string]*sourceLimiter),
		def:     def,
	}
}

// Configure installs a per-source policy, replacing any existing one
func (l *Limiter) Configure(sourceID string, policy model.RatePolicy) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sources[sourceID] = newSourceLimiter(policy, l.def)
}

// Acquire blocks until a token and an in-flight slot are available, up
// to the policy's max wait. The returned release function must be called
// when the request completes, success or failure. Permits are not
// returned early on error, which keeps retries from stampeding.
func (l *Limiter) Acquire(ctx context.Context, sourceID string) (release func(), err error) {
	sl := l.get(sourceID)

	waitCtx := ctx
	if sl.policy.MaxWait > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, sl.policy.MaxWait)
		defer cancel()
	}

	// Slot first so a saturated source never drains the bucket while
	// its requests queue.
	select {
	case sl.slots <- struct{}{}:
	case <-waitCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ingesterr.ResourceExhausted("acquire slot", ErrRateLimitExceeded)
	}

	if err := sl.bucket.Wait(waitCtx); err != nil {
		<-sl.slots
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ingesterr.ResourceExhausted("acquire token", ErrRateLimitExceeded)
	}

	var once sync.Once
	return func() {
		once.Do(func() { <-sl.slots })
	}, nil
}

// Allow reports whether a request would be admitted right now without
// consuming a slot
func (l *Limiter) Allow(sourceID string) bool {
	sl := l.get(sourceID)
	if len(sl.slots) >= cap(sl.slots) {
		return false
	}
	return sl.bucket.Allow()
}

// InFlight returns the number of outstanding requests for a source
func (l *Limiter) InFlight(sourceID string) int {
	return len(l.get(sourceID).slots)
}

// get returns the limiter for a source, creating one from the default
// policy on first use
func (l *Limiter) get(sourceID string) *sourceLimiter {
	l.mu.RLock()
	sl, exists := l.sources[sourceID]
	l.mu.RUnlock()

	if exists {
		return sl
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// Double-check after acquiring write lock
	if sl, exists := l.sources[sourceID]; exists {
		return sl
	}

	sl = newSourceLimiter(l.def, l.def)
	l.sources[sourceID] = sl
	return sl
}

func newSourceLimiter(policy, def model.RatePolicy) *sourceLimiter {
	if policy.RequestsPerSecond <= 0 {
		policy.RequestsPerSecond = def.RequestsPerSecond
	}
	if policy.Burst <= 0 {
		policy.Burst = def.Burst
	}
	if policy.MaxConcurrent <= 0 {
		policy.MaxConcurrent = def.MaxConcurrent
	}
	if policy.MaxWait <= 0 {
		policy.MaxWait = def.MaxWait
	}
	return &sourceLimiter{
		bucket: rate.NewLimiter(rate.Limit(policy.RequestsPerSecond), policy.Burst),
		slots:  make(chan struct{}, policy.MaxConcurrent),
		policy: policy,
	}
}

// WaitWithDelay acquires a token and then sleeps an additional politeness
// delay before returning the release function
func (l *Limiter) WaitWithDelay(ctx context.Context, sourceID string, delay time.Duration) (func(), error) {
	release, err := l.Acquire(ctx, sourceID)
	if err != nil {
		return nil, err
	}

	if delay > 0 {
		select {
		case <-ctx.Done():
			release()
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	return release, nil
}
