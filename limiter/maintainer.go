package limiter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/toolink/floodgate/store"
)

// maintainer owns a store and its reaper. Both facades embed it.
type maintainer struct {
	store  *store.Store
	period time.Duration // longest window period the store may hold

	mu     sync.Mutex
	reaper *store.Reaper
}

func newMaintainer(period time.Duration, cfg options) (*maintainer, error) {
	if period <= 0 {
		return nil, fmt.Errorf("%w: got %v", ErrInvalidPeriod, period)
	}

	cyclePeriod := cfg.cyclePeriod
	if cyclePeriod == 0 {
		cyclePeriod = period
	}
	if cyclePeriod < period {
		return nil, fmt.Errorf("%w: cycle period %v, period %v", ErrCyclePeriodTooShort, cyclePeriod, period)
	}

	return &maintainer{
		store:  store.New(cfg.storeOptions(cyclePeriod)...),
		period: period,
	}, nil
}

// Store returns the backing store.
func (m *maintainer) Store() *store.Store {
	return m.store
}

// Cycle evicts idle keys now. Returns false when the last cycle was less than
// a cycle period ago. Use it instead of Start to drive eviction manually.
func (m *maintainer) Cycle() bool {
	return m.store.Cycle(m.store.Now())
}

// Start launches the background reaper; without it, or periodic calls to
// Cycle, memory grows with every new key. interval 0 uses the store's cycle
// period; a non-zero interval must not be shorter than it. A reaper whose
// context was cancelled can be started again.
func (m *maintainer) Start(ctx context.Context, interval time.Duration) error {
	if cyclePeriod := m.store.CyclePeriod(); interval != 0 && interval < cyclePeriod {
		return fmt.Errorf("%w: interval %v, cycle period %v", ErrCyclePeriodTooShort, interval, cyclePeriod)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.reaper != nil && m.reaper.Running() {
		log.Warn().Str("store_id", m.store.ID()).Msg("start called while the reaper is running")
		return store.ErrReaperRunning
	}

	var opts []store.ReaperOption
	if interval > 0 {
		opts = append(opts, store.WithInterval(interval))
	}
	r := store.NewReaper(m.store, opts...)
	if err := r.Start(ctx); err != nil {
		return err
	}
	m.reaper = r
	return nil
}

// Shutdown stops the background reaper, waiting at most until ctx is done.
// Start keeps returning store.ErrReaperRunning until a timed out loop exits.
func (m *maintainer) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	r := m.reaper
	m.mu.Unlock()

	if r == nil {
		return nil
	}
	return r.Shutdown(ctx)
}
