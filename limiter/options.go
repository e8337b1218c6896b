package limiter

import (
	"time"

	"github.com/toolink/floodgate/clock"
	"github.com/toolink/floodgate/store"
)

type options struct {
	clock       clock.Clock
	cyclePeriod time.Duration // 0 means the limiter's (max) period
	shards      int
}

func defaultOptions() options {
	return options{
		clock:  clock.RealClockProvider(),
		shards: store.DefaultShards,
	}
}

// Option configures a FixedLimiter, DynamicLimiter or RateLimiter.
type Option func(*options)

// WithClock sets the time source used for every window operation.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithCyclePeriod sets how often idle keys may be evicted. It must not be
// shorter than the limiter's period. Defaults to that period.
func WithCyclePeriod(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.cyclePeriod = d
		}
	}
}

// WithShards sets the number of lock shards in the backing store.
func WithShards(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.shards = n
		}
	}
}

func (o options) storeOptions(cyclePeriod time.Duration) []store.Option {
	return []store.Option{
		store.WithClock(o.clock),
		store.WithCyclePeriod(cyclePeriod),
		store.WithShards(o.shards),
	}
}
