package store

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/toolink/floodgate/clock"
)

const (
	// DefaultCyclePeriod is the store cycle period when WithCyclePeriod is not given.
	DefaultCyclePeriod = time.Minute
	// DefaultShards is the number of shards per generation.
	DefaultShards = 32
)

// --- Store Options ---

type options struct {
	cyclePeriod time.Duration // minimum time between two cycles
	clock       clock.Clock
	shards      int // rounded up to a power of two
}

func defaultOptions() options {
	return options{
		cyclePeriod: DefaultCyclePeriod,
		clock:       clock.RealClockProvider(),
		shards:      DefaultShards,
	}
}

// Option configures a Store.
type Option func(*options)

// WithCyclePeriod sets the minimum interval between cycles. It must be at
// least as long as the longest window period held by the store, otherwise
// live windows get evicted before they expire.
func WithCyclePeriod(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.cyclePeriod = d
		} else {
			log.Warn().Dur("invalid_cycle_period", d).Msg("ignoring non-positive cycle period option")
		}
	}
}

// WithClock sets the time source. Defaults to the wall clock.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithShards sets the number of lock shards per generation.
// The value is rounded up to the next power of two.
func WithShards(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.shards = n
		}
	}
}

// --- Reaper Options ---

type reaperOptions struct {
	interval time.Duration // 0 means the store's cycle period
}

// ReaperOption configures a Reaper.
type ReaperOption func(*reaperOptions)

// WithInterval sets how long the reaper sleeps between cycles.
// Defaults to the store's cycle period.
func WithInterval(d time.Duration) ReaperOption {
	return func(o *reaperOptions) {
		if d > 0 {
			o.interval = d
		} else {
			log.Warn().Dur("invalid_interval", d).Msg("ignoring non-positive reaper interval option")
		}
	}
}

func nextPowerOfTwo(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}
