// Package clock provides slot sources for deadline comparisons. Slots are
// monotonically non-decreasing counters; nothing in the engine converts them
// back to wall time.
package clock

import (
	"sync"
	"sync/atomic"
	"time"
)

// Manual is an externally advanced slot counter. The zero value starts at
// slot 0 and is safe for concurrent use.
type Manual struct {
	slot atomic.Uint64
}

// NewManual returns a manual clock positioned at start.
func NewManual(start uint64) *Manual {
	m := &Manual{}
	m.slot.Store(start)
	return m
}

// CurrentSlot returns the current slot.
func (m *Manual) CurrentSlot() uint64 { return m.slot.Load() }

// Advance moves the clock forward by n slots and returns the new slot.
func (m *Manual) Advance(n uint64) uint64 { return m.slot.Add(n) }

// Set moves the clock to slot. Attempts to move backwards are ignored so the
// counter stays monotonic.
func (m *Manual) Set(slot uint64) {
	for {
		current := m.slot.Load()
		if slot <= current {
			return
		}
		if m.slot.CompareAndSwap(current, slot) {
			return
		}
	}
}

// Wall derives slots from wall-clock time: slot = (now - genesis) / duration.
// Readings never go backwards even if the system clock does.
type Wall struct {
	genesis  time.Time
	duration time.Duration
	now      func() time.Time

	mu   sync.Mutex
	last uint64
}

// NewWall constructs a wall-clock slot source. A non-positive duration falls
// back to one second per slot.
func NewWall(genesis time.Time, duration time.Duration) *Wall {
	if duration <= 0 {
		duration = time.Second
	}
	return &Wall{genesis: genesis, duration: duration, now: time.Now}
}

// SetNowFunc overrides the time source. Primarily intended for tests.
func (w *Wall) SetNowFunc(now func() time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if now == nil {
		now = time.Now
	}
	w.now = now
}

// CurrentSlot returns the slot for the current wall time.
func (w *Wall) CurrentSlot() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	elapsed := w.now().Sub(w.genesis)
	var slot uint64
	if elapsed > 0 {
		slot = uint64(elapsed / w.duration)
	}
	if slot < w.last {
		return w.last
	}
	w.last = slot
	return slot
}

// SlotDuration reports the configured slot length.
func (w *Wall) SlotDuration() time.Duration { return w.duration }
