package limiter

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/toolink/floodgate/store"
)

// DynamicLimiter rate limits keys whose capacity and period are given per call.
//
// The parameters only apply when a key's window is created; later calls with
// different values do not alter an existing window. Every period must be
// positive and no longer than the limiter's max period, otherwise the call
// panics with an error wrapping ErrPeriodExceedsMax: the store could evict a
// window that is still running.
type DynamicLimiter struct {
	*maintainer
}

// NewDynamic creates a limiter accepting periods up to maxPeriod.
// Call Start, or Cycle periodically, to keep memory bounded.
func NewDynamic(maxPeriod time.Duration, opts ...Option) (*DynamicLimiter, error) {
	cfg := defaultOptions()
	for _, opt := range opts {
		opt(&cfg)
	}

	m, err := newMaintainer(maxPeriod, cfg)
	if err != nil {
		return nil, err
	}
	return &DynamicLimiter{maintainer: m}, nil
}

// MaxPeriod returns the longest period a call may use.
func (l *DynamicLimiter) MaxPeriod() time.Duration { return l.period }

func (l *DynamicLimiter) handle(key string, capacity uint64, period time.Duration) *store.Handle {
	if period <= 0 || period > l.period {
		err := fmt.Errorf("%w: %v not in (0, %v]", ErrPeriodExceedsMax, period, l.period)
		log.Error().Err(err).Str("key", key).Dur("period", period).Dur("max_period", l.period).Msg("dynamic limiter called with invalid period")
		panic(err)
	}
	return l.store.GetOrCreate(key, capacity, period)
}

// Tokens returns the triggers key has left in its current window.
func (l *DynamicLimiter) Tokens(key string, capacity uint64, period time.Duration) uint64 {
	h := l.handle(key, capacity, period)
	defer h.Release()
	return h.Window().Tokens(l.store.Now())
}

// NextReset returns the time until key's current window ends.
func (l *DynamicLimiter) NextReset(key string, capacity uint64, period time.Duration) time.Duration {
	h := l.handle(key, capacity, period)
	defer h.Release()
	return h.Window().NextReset(l.store.Now())
}

// RetryAfter reports whether key has to wait before triggering, and for how long.
func (l *DynamicLimiter) RetryAfter(key string, capacity uint64, period time.Duration) (time.Duration, bool) {
	h := l.handle(key, capacity, period)
	defer h.Release()
	return h.Window().RetryAfter(l.store.Now())
}

// CanTrigger reports whether a trigger for key would currently succeed.
func (l *DynamicLimiter) CanTrigger(key string, capacity uint64, period time.Duration) bool {
	h := l.handle(key, capacity, period)
	defer h.Release()
	return h.Window().CanTrigger(l.store.Now())
}

// Trigger consumes one of key's tokens. When limited is true nothing was
// consumed and wait is the time until key's window resets.
func (l *DynamicLimiter) Trigger(key string, capacity uint64, period time.Duration) (wait time.Duration, limited bool) {
	h := l.handle(key, capacity, period)
	defer h.Release()
	return h.Window().Trigger(l.store.Now())
}

// Reset refills key's window starting now.
func (l *DynamicLimiter) Reset(key string, capacity uint64, period time.Duration) {
	h := l.handle(key, capacity, period)
	defer h.Release()
	h.Window().Reset(l.store.Now())
}
