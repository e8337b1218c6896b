// Package store keeps the per-key windows in a concurrent map that evicts
// idle keys by generation instead of per-key timers.
//
// Entries live in one of two generations. Lookups promote entries found in the
// standby generation into the active one; a cycle drops whatever is still in
// standby and swaps the two. A key untouched for two consecutive cycles is
// therefore gone, and a key touched at least once between cycles survives.
// The exception is a lookup racing a flip: it may read the old active index
// and leave the entry unpromoted, so that key can be evicted one cycle early.
package store

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/toolink/floodgate/clock"
	"github.com/toolink/floodgate/window"
)

// entry owns one key's window. Its mutex is what a Handle holds.
type entry struct {
	mu     sync.Mutex
	window *window.Window
}

type shard struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// generation is one of the two key spaces, split into shards.
type generation struct {
	shards []shard
}

func newGeneration(n int) *generation {
	g := &generation{shards: make([]shard, n)}
	for i := range g.shards {
		g.shards[i].entries = make(map[string]*entry)
	}
	return g
}

// clear drops every entry, one shard at a time, and returns how many were dropped.
func (g *generation) clear() int {
	dropped := 0
	for i := range g.shards {
		sh := &g.shards[i]
		sh.mu.Lock()
		dropped += len(sh.entries)
		// a fresh map lets the runtime reclaim buckets grown by a traffic spike
		sh.entries = make(map[string]*entry)
		sh.mu.Unlock()
	}
	return dropped
}

func (g *generation) len() int {
	n := 0
	for i := range g.shards {
		sh := &g.shards[i]
		sh.mu.RLock()
		n += len(sh.entries)
		sh.mu.RUnlock()
	}
	return n
}

// Store maps keys to windows across two generations.
type Store struct {
	id          string
	clock       clock.Clock
	cyclePeriod time.Duration
	mask        uint64

	generations [2]*generation
	active      atomic.Uint32 // index into generations

	cycleMu   sync.Mutex                // serialises Cycle
	lastCycle atomic.Pointer[time.Time] // time of the last cycle

	log zerolog.Logger
}

// New creates an empty store.
func New(opts ...Option) *Store {
	cfg := defaultOptions()
	for _, opt := range opts {
		opt(&cfg)
	}
	shards := nextPowerOfTwo(cfg.shards)

	s := &Store{
		id:          uuid.NewString(),
		clock:       cfg.clock,
		cyclePeriod: cfg.cyclePeriod,
		mask:        uint64(shards - 1),
		generations: [2]*generation{newGeneration(shards), newGeneration(shards)},
	}
	created := s.clock.Now()
	s.lastCycle.Store(&created)
	s.log = log.With().Str("store_id", s.id).Logger()

	s.log.Debug().Dur("cycle_period", s.cyclePeriod).Int("shards", shards).Msg("store created")
	return s
}

// ID returns the store's unique identifier, as used in its log lines.
func (s *Store) ID() string { return s.id }

// Now reads the store's clock.
func (s *Store) Now() time.Time { return s.clock.Now() }

// CyclePeriod returns the minimum interval between cycles.
func (s *Store) CyclePeriod() time.Duration { return s.cyclePeriod }

// Handle is exclusive access to one key's window. It must be released, and
// should be held only for the duration of a single window operation.
type Handle struct {
	e *entry
}

// Window returns the key's window. Only valid until Release.
func (h *Handle) Window() *window.Window {
	return h.e.window
}

// Release gives up the handle. Calling it more than once is a no-op.
func (h *Handle) Release() {
	if h.e == nil {
		return
	}
	e := h.e
	h.e = nil
	e.mu.Unlock()
}

// GetOrCreate returns a locked handle to key's window, creating the window
// with capacity and period if the key is unknown. The parameters of an
// existing window are never changed.
func (s *Store) GetOrCreate(key string, capacity uint64, period time.Duration) *Handle {
	idx := s.shardIndex(key)

	// common case: the key is already active
	sh := &s.generations[s.active.Load()].shards[idx]
	sh.mu.RLock()
	e, ok := sh.entries[key]
	sh.mu.RUnlock()

	if !ok {
		e = s.promoteOrCreate(key, idx, capacity, period)
	}

	e.mu.Lock()
	return &Handle{e: e}
}

// Do runs fn with exclusive access to key's window and releases it afterwards,
// including when fn panics.
func (s *Store) Do(key string, capacity uint64, period time.Duration, fn func(w *window.Window)) {
	h := s.GetOrCreate(key, capacity, period)
	defer h.Release()
	fn(h.Window())
}

// promoteOrCreate is the slow path of GetOrCreate. It locks the key's shard in
// both generations, always generation 0 first, so lookups racing a cycle flip
// cannot deadlock and cannot both create the same key.
func (s *Store) promoteOrCreate(key string, idx uint64, capacity uint64, period time.Duration) *entry {
	first, second := &s.generations[0].shards[idx], &s.generations[1].shards[idx]
	first.mu.Lock()
	defer first.mu.Unlock()
	second.mu.Lock()
	defer second.mu.Unlock()

	active, standby := first, second
	if s.active.Load() == 1 {
		active, standby = second, first
	}

	// another caller may have got here first
	if e, ok := active.entries[key]; ok {
		return e
	}

	if e, ok := standby.entries[key]; ok {
		delete(standby.entries, key)
		active.entries[key] = e
		s.log.Trace().Str("key", key).Msg("entry promoted from standby")
		return e
	}

	e := &entry{window: window.New(capacity, period, s.clock.Now())}
	active.entries[key] = e
	s.log.Trace().Str("key", key).Uint64("capacity", capacity).Dur("period", period).Msg("entry created")
	return e
}

func (s *Store) shardIndex(key string) uint64 {
	return xxhash.Sum64String(key) & s.mask
}

// ShouldCycle reports whether at least a cycle period has passed since the
// last cycle. A clock that went backwards counts as no time having passed.
func (s *Store) ShouldCycle(now time.Time) bool {
	elapsed := now.Sub(*s.lastCycle.Load())
	if elapsed < 0 {
		elapsed = 0
	}
	return elapsed >= s.cyclePeriod
}

// Cycle evicts every entry left in the standby generation and makes the
// emptied generation active. It returns false, changing nothing, when called
// again within the cycle period.
func (s *Store) Cycle(now time.Time) bool {
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()

	if !s.ShouldCycle(now) {
		s.log.Debug().Time("last_cycle", *s.lastCycle.Load()).Msg("cycle skipped, called too soon")
		return false
	}

	start := time.Now()
	current := s.active.Load()
	next := current ^ 1

	// standby holds only keys untouched since the previous cycle; lookups never
	// insert into it, so once cleared it stays empty until it becomes active
	evicted := s.generations[next].clear()
	s.active.Store(next)
	s.lastCycle.Store(&now)

	s.log.Debug().Int("evicted", evicted).Uint32("active", next).Dur("duration", time.Since(start)).Msg("store cycled")
	return true
}

// Len returns the number of keys held across both generations.
func (s *Store) Len() int {
	return s.generations[0].len() + s.generations[1].len()
}
