// Package window implements the jumping window: a fixed-capacity allowance
// whose period starts whenever the window is first observed expired, not on
// a calendar grid.
//
// A Window is not safe for concurrent use. The store hands out exclusive
// handles to serialise access to a key's window.
package window

import "time"

// Window tracks the remaining triggers of one key within its current period.
type Window struct {
	capacity uint64
	period   time.Duration

	anchor time.Time
	tokens uint64
}

// New creates a full window anchored at now.
func New(capacity uint64, period time.Duration, now time.Time) *Window {
	return &Window{
		capacity: capacity,
		period:   period,
		anchor:   now,
		tokens:   capacity,
	}
}

// Capacity returns the number of triggers allowed per period.
func (w *Window) Capacity() uint64 { return w.capacity }

// Period returns the window length.
func (w *Window) Period() time.Duration { return w.period }

// Anchor returns the start of the current window.
func (w *Window) Anchor() time.Time { return w.anchor }

// elapsed is the time since the anchor. A clock that went backwards counts as
// no time having passed.
func (w *Window) elapsed(now time.Time) time.Duration {
	d := now.Sub(w.anchor)
	if d < 0 {
		return 0
	}
	return d
}

// Tokens returns the triggers left in the window, reanchoring first if the
// current window has expired.
func (w *Window) Tokens(now time.Time) uint64 {
	if w.elapsed(now) > w.period {
		w.Reset(now)
	}
	return w.tokens
}

// NextReset returns how long until the current window ends. It is zero once
// the window has expired, even if nothing has reanchored it yet.
func (w *Window) NextReset(now time.Time) time.Duration {
	elapsed := w.elapsed(now)
	if elapsed >= w.period {
		return 0
	}
	return w.period - elapsed
}

// RetryAfter reports whether the caller has to wait, and for how long.
func (w *Window) RetryAfter(now time.Time) (time.Duration, bool) {
	if w.Tokens(now) == 0 {
		return w.NextReset(now), true
	}
	return 0, false
}

// CanTrigger reports whether a trigger would currently succeed.
func (w *Window) CanTrigger(now time.Time) bool {
	return w.Tokens(now) != 0
}

// Trigger consumes one token. When none is left the window is untouched and
// the wait until the next reset is returned with limited set to true.
func (w *Window) Trigger(now time.Time) (wait time.Duration, limited bool) {
	if w.Tokens(now) == 0 {
		return w.NextReset(now), true
	}
	w.tokens--
	return 0, false
}

// Reset refills the window and anchors it at now. The anchor never moves
// backwards, so a regressed now keeps the current anchor.
func (w *Window) Reset(now time.Time) {
	w.tokens = w.capacity
	if now.After(w.anchor) {
		w.anchor = now
	}
}
