package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrReaperRunning is returned by Start when the reaper is already running.
var ErrReaperRunning = errors.New("store: reaper already running")

// Reaper cycles a store in the background. Without one (or manual calls to
// Store.Cycle) the store never forgets a key.
type Reaper struct {
	store    *Store
	interval time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{} // nil before the first Start, closed once the loop exits

	cycles atomic.Uint64
}

// NewReaper creates a stopped reaper for s.
func NewReaper(s *Store, opts ...ReaperOption) *Reaper {
	cfg := reaperOptions{}
	for _, opt := range opts {
		opt(&cfg)
	}

	interval := cfg.interval
	if interval == 0 {
		interval = s.CyclePeriod()
	}
	if interval < s.CyclePeriod() {
		// every pass would be refused by the store
		log.Warn().
			Str("store_id", s.ID()).
			Dur("configured_interval", interval).
			Dur("cycle_period", s.CyclePeriod()).
			Msg("reaper interval shorter than store cycle period, adjusted")
		interval = s.CyclePeriod()
	}

	return &Reaper{
		store:    s,
		interval: interval,
	}
}

// Interval returns the time slept between cycles.
func (r *Reaper) Interval() time.Duration { return r.interval }

// Cycles returns how many cycles this reaper has completed.
func (r *Reaper) Cycles() uint64 { return r.cycles.Load() }

// Running reports whether the background loop is alive. It turns false once
// the loop has exited, whether through Stop, Shutdown or the parent context.
func (r *Reaper) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runningLocked()
}

func (r *Reaper) runningLocked() bool {
	if r.done == nil {
		return false
	}
	select {
	case <-r.done:
		return false
	default:
		return true
	}
}

// Start launches the background loop. It runs until Stop or Shutdown is
// called or ctx is done; after that the reaper can be started again.
func (r *Reaper) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.runningLocked() {
		return ErrReaperRunning
	}
	if r.cancel != nil {
		// the previous loop may have exited through its parent context
		r.cancel()
	}

	loopCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})

	go r.run(loopCtx, r.done)

	log.Info().Str("store_id", r.store.ID()).Dur("interval", r.interval).Msg("reaper started")
	return nil
}

func (r *Reaper) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	// reset after every pass, so consecutive cycles are never closer than interval
	timer := time.NewTimer(r.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("store_id", r.store.ID()).Msg("reaper loop exiting")
			return
		case <-timer.C:
			now := r.store.Now()
			if r.store.ShouldCycle(now) && r.store.Cycle(now) {
				r.cycles.Add(1)
			} else {
				log.Warn().Str("store_id", r.store.ID()).Msg("reaper attempted to cycle the store too soon")
			}
			timer.Reset(r.interval)
		}
	}
}

// Stop cancels the loop and waits for it to exit.
func (r *Reaper) Stop() {
	_ = r.Shutdown(context.Background())
}

// Shutdown cancels the loop and waits for it to exit or for ctx to be done.
// Calling it on a stopped reaper is a no-op. After a timeout the reaper keeps
// reporting itself running, and refuses Start, until the loop has exited.
func (r *Reaper) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if !r.runningLocked() {
		r.mu.Unlock()
		return nil
	}
	r.cancel()
	done := r.done
	r.mu.Unlock()

	select {
	case <-done:
		log.Info().Str("store_id", r.store.ID()).Uint64("cycles", r.cycles.Load()).Msg("reaper stopped")
		return nil
	case <-ctx.Done():
		log.Error().Err(ctx.Err()).Str("store_id", r.store.ID()).Msg("reaper shutdown timed out")
		return fmt.Errorf("reaper shutdown timed out: %w", ctx.Err())
	}
}
