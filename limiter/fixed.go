package limiter

import (
	"time"

	"github.com/toolink/floodgate/store"
)

// FixedLimiter rate limits keys that all share one capacity and period.
type FixedLimiter struct {
	*maintainer

	capacity uint64
}

// NewFixed creates a limiter allowing capacity triggers per period for every key.
// Call Start, or Cycle periodically, to keep memory bounded.
func NewFixed(capacity uint64, period time.Duration, opts ...Option) (*FixedLimiter, error) {
	cfg := defaultOptions()
	for _, opt := range opts {
		opt(&cfg)
	}

	m, err := newMaintainer(period, cfg)
	if err != nil {
		return nil, err
	}

	return &FixedLimiter{
		maintainer: m,
		capacity:   capacity,
	}, nil
}

// Capacity returns the triggers allowed per period.
func (l *FixedLimiter) Capacity() uint64 { return l.capacity }

// Period returns the window length.
func (l *FixedLimiter) Period() time.Duration { return l.period }

func (l *FixedLimiter) handle(key string) *store.Handle {
	return l.store.GetOrCreate(key, l.capacity, l.period)
}

// Tokens returns the triggers key has left in its current window.
func (l *FixedLimiter) Tokens(key string) uint64 {
	h := l.handle(key)
	defer h.Release()
	return h.Window().Tokens(l.store.Now())
}

// NextReset returns the time until key's current window ends.
func (l *FixedLimiter) NextReset(key string) time.Duration {
	h := l.handle(key)
	defer h.Release()
	return h.Window().NextReset(l.store.Now())
}

// RetryAfter reports whether key has to wait before triggering, and for how long.
func (l *FixedLimiter) RetryAfter(key string) (time.Duration, bool) {
	h := l.handle(key)
	defer h.Release()
	return h.Window().RetryAfter(l.store.Now())
}

// CanTrigger reports whether a trigger for key would currently succeed.
func (l *FixedLimiter) CanTrigger(key string) bool {
	h := l.handle(key)
	defer h.Release()
	return h.Window().CanTrigger(l.store.Now())
}

// Trigger consumes one of key's tokens. When limited is true nothing was
// consumed and wait is the time until key's window resets.
func (l *FixedLimiter) Trigger(key string) (wait time.Duration, limited bool) {
	h := l.handle(key)
	defer h.Release()
	return h.Window().Trigger(l.store.Now())
}

// Reset refills key's window starting now.
func (l *FixedLimiter) Reset(key string) {
	h := l.handle(key)
	defer h.Release()
	h.Window().Reset(l.store.Now())
}
