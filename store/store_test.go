package store

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/toolink/floodgate/clock"
	"github.com/toolink/floodgate/window"
)

var t0 = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(cyclePeriod time.Duration) (*Store, *clock.Manual) {
	c := clock.NewManual(t0)
	return New(WithClock(c), WithCyclePeriod(cyclePeriod), WithShards(4)), c
}

func trigger(s *Store, key string, now time.Time) bool {
	h := s.GetOrCreate(key, 5, time.Second)
	defer h.Release()
	_, limited := h.Window().Trigger(now)
	return !limited
}

func tokens(s *Store, key string, now time.Time) uint64 {
	h := s.GetOrCreate(key, 5, time.Second)
	defer h.Release()
	return h.Window().Tokens(now)
}

func TestStore_StatePersistsAcrossLookups(t *testing.T) {
	s, c := newTestStore(time.Minute)
	now := c.Now()

	if !trigger(s, "user_1", now) {
		t.Fatal("first trigger should pass")
	}
	if got := tokens(s, "user_1", now); got != 4 {
		t.Fatalf("expected 4 tokens on second lookup, got %d", got)
	}
	if got := s.Len(); got != 1 {
		t.Fatalf("expected 1 entry, got %d", got)
	}
}

func TestStore_ExistingWindowKeepsParameters(t *testing.T) {
	s, c := newTestStore(time.Minute)

	h := s.GetOrCreate("k", 3, time.Second)
	h.Release()

	h = s.GetOrCreate("k", 100, time.Hour)
	defer h.Release()
	if h.Window().Capacity() != 3 || h.Window().Period() != time.Second {
		t.Fatalf("existing window changed: capacity=%d period=%v", h.Window().Capacity(), h.Window().Period())
	}
	if got := h.Window().Tokens(c.Now()); got != 3 {
		t.Fatalf("expected 3 tokens, got %d", got)
	}
}

func TestStore_KeysAreIndependent(t *testing.T) {
	s, c := newTestStore(time.Minute)
	now := c.Now()

	for i := 0; i < 5; i++ {
		trigger(s, "a", now)
	}
	if trigger(s, "a", now) {
		t.Fatal("key a should be exhausted")
	}
	if !trigger(s, "b", now) {
		t.Fatal("key b should be unaffected by key a")
	}
}

func TestStore_UntouchedKeyEvictedAfterTwoCycles(t *testing.T) {
	s, c := newTestStore(5 * time.Second)

	trigger(s, "idle", c.Now())

	if !s.Cycle(c.Advance(5 * time.Second)) {
		t.Fatal("first cycle should run")
	}
	if got := s.Len(); got != 1 {
		t.Fatalf("key should survive one cycle, store has %d entries", got)
	}
	if !s.Cycle(c.Advance(5 * time.Second)) {
		t.Fatal("second cycle should run")
	}
	if got := s.Len(); got != 0 {
		t.Fatalf("key should be evicted after two cycles, store has %d entries", got)
	}

	// a fresh window, even though its first period has not elapsed from its point of view
	if got := tokens(s, "idle", c.Now()); got != 5 {
		t.Fatalf("expected full capacity after eviction, got %d", got)
	}
}

func TestStore_TouchedKeyMigratesWithTokens(t *testing.T) {
	s, c := newTestStore(5 * time.Second)

	h := s.GetOrCreate("busy", 5, time.Hour)
	h.Window().Trigger(c.Now())
	h.Window().Trigger(c.Now())
	h.Release()

	for i := 0; i < 4; i++ {
		if !s.Cycle(c.Advance(5 * time.Second)) {
			t.Fatalf("cycle %d should run", i)
		}
		h := s.GetOrCreate("busy", 5, time.Hour)
		got := h.Window().Tokens(c.Now())
		h.Release()
		if got != 3 {
			t.Fatalf("cycle %d: expected 3 tokens to survive migration, got %d", i, got)
		}
	}
}

func TestStore_ScenarioB(t *testing.T) {
	s, c := newTestStore(5 * time.Second)
	const capacity, period = 10, 4 * time.Second

	get := func() uint64 {
		h := s.GetOrCreate("a", capacity, period)
		defer h.Release()
		return h.Window().Tokens(c.Now())
	}
	use := func() {
		h := s.GetOrCreate("a", capacity, period)
		defer h.Release()
		h.Window().Trigger(c.Now())
	}

	// t0: created in active
	use()

	// t5: "a" demoted to standby, active empty
	if !s.Cycle(c.Advance(5 * time.Second)) {
		t.Fatal("cycle at t5 should run")
	}
	if got := s.generations[s.active.Load()].len(); got != 0 {
		t.Fatalf("expected empty active generation, got %d entries", got)
	}

	// t6: lookup migrates it back, tokens preserved within its own window
	c.Advance(time.Second)
	use()
	if got := s.generations[s.active.Load()].len(); got != 1 {
		t.Fatalf("expected \"a\" to be active again, got %d active entries", got)
	}
	// t6 is past the first 4s window, so the trigger at t6 opened a new one
	if got := get(); got != capacity-1 {
		t.Fatalf("expected %d tokens, got %d", capacity-1, got)
	}

	// t10: swap again, "a" survives in standby
	if !s.Cycle(c.Advance(4 * time.Second)) {
		t.Fatal("cycle at t10 should run")
	}
	if got := s.Len(); got != 1 {
		t.Fatalf("expected \"a\" to survive the t10 cycle, got %d entries", got)
	}

	// t15: no access since t6, evicted
	if !s.Cycle(c.Advance(5 * time.Second)) {
		t.Fatal("cycle at t15 should run")
	}
	if got := s.Len(); got != 0 {
		t.Fatalf("expected \"a\" evicted at t15, got %d entries", got)
	}

	// t16: brand-new window
	c.Advance(time.Second)
	h := s.GetOrCreate("a", capacity, period)
	defer h.Release()
	if !h.Window().Anchor().Equal(c.Now()) {
		t.Fatalf("expected a window anchored at t16, got %v", h.Window().Anchor())
	}
	if got := h.Window().Tokens(c.Now()); got != capacity {
		t.Fatalf("expected %d tokens, got %d", capacity, got)
	}
}

func TestStore_CycleTooSoon(t *testing.T) {
	s, c := newTestStore(5 * time.Second)
	trigger(s, "k", c.Now())

	if s.ShouldCycle(c.Advance(4 * time.Second)) {
		t.Fatal("should not cycle before the cycle period")
	}
	if s.Cycle(c.Now()) {
		t.Fatal("cycle within the period must be a no-op")
	}

	if !s.ShouldCycle(c.Advance(time.Second)) {
		t.Fatal("should cycle once the period has elapsed")
	}
	if !s.Cycle(c.Now()) {
		t.Fatal("cycle should run")
	}
	if s.Cycle(c.Now()) {
		t.Fatal("immediate second cycle must be a no-op")
	}
	if got := s.Len(); got != 1 {
		t.Fatalf("refused cycles must not evict, got %d entries", got)
	}
}

func TestStore_CycleClockRegression(t *testing.T) {
	s, c := newTestStore(5 * time.Second)

	if s.ShouldCycle(c.Advance(-time.Hour)) {
		t.Fatal("a clock that went backwards must not trigger a cycle")
	}
	if s.Cycle(c.Now()) {
		t.Fatal("cycle must be refused under clock regression")
	}
}

func TestStore_HandleReleaseIsIdempotent(t *testing.T) {
	s, _ := newTestStore(time.Minute)

	h := s.GetOrCreate("k", 1, time.Second)
	h.Release()
	h.Release()

	done := make(chan struct{})
	go func() {
		defer close(done)
		h := s.GetOrCreate("k", 1, time.Second)
		h.Release()
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("key still locked after release")
	}
}

func TestStore_DoReleasesOnPanic(t *testing.T) {
	s, c := newTestStore(time.Minute)

	func() {
		defer func() { _ = recover() }()
		s.Do("k", 2, time.Second, func(w *window.Window) {
			w.Trigger(c.Now())
			panic("boom")
		})
	}()

	var got uint64
	s.Do("k", 2, time.Second, func(w *window.Window) {
		got = w.Tokens(c.Now())
	})
	if got != 1 {
		t.Fatalf("expected 1 token, got %d", got)
	}
}

func TestStore_ConcurrentTriggersNeverExceedCapacity(t *testing.T) {
	s, c := newTestStore(time.Minute)
	const capacity = 100
	const workers = 16
	const perWorker = 50

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				h := s.GetOrCreate("hot", capacity, time.Hour)
				if _, limited := h.Window().Trigger(c.Now()); !limited {
					allowed.Add(1)
				}
				h.Release()
			}
		}()
	}
	wg.Wait()

	if got := allowed.Load(); got != capacity {
		t.Fatalf("expected exactly %d allowed triggers, got %d", capacity, got)
	}
	if got := tokens(s, "hot", c.Now()); got != 0 {
		t.Fatalf("expected 0 tokens left, got %d", got)
	}
}

func TestStore_ConcurrentLookupsAndCycles(t *testing.T) {
	s, c := newTestStore(time.Millisecond)
	const keys = 64

	stop := make(chan struct{})
	var cycler sync.WaitGroup
	cycler.Add(1)
	go func() {
		defer cycler.Done()
		for {
			select {
			case <-stop:
				return
			default:
				s.Cycle(c.Advance(time.Millisecond))
			}
		}
	}()

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				key := fmt.Sprintf("key-%d", (i+w)%keys)
				h := s.GetOrCreate(key, 10, time.Millisecond)
				h.Window().Trigger(c.Now())
				if got := h.Window().Tokens(c.Now()); got > 10 {
					t.Errorf("tokens out of range for %s: %d", key, got)
				}
				h.Release()
			}
		}(w)
	}
	wg.Wait()
	close(stop)
	cycler.Wait()

	if got := s.Len(); got > keys {
		t.Fatalf("key duplicated across generations: %d entries for %d keys", got, keys)
	}
}

func TestNextPowerOfTwo(t *testing.T) {
	cases := map[int]int{1: 1, 2: 2, 3: 4, 31: 32, 32: 32, 33: 64}
	for in, want := range cases {
		if got := nextPowerOfTwo(in); got != want {
			t.Errorf("nextPowerOfTwo(%d) = %d, want %d", in, got, want)
		}
	}
}
