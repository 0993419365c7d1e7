package clock

import (
	"testing"
	"time"
)

func TestManualIsMonotonic(t *testing.T) {
	c := NewManual(10)
	if got := c.CurrentSlot(); got != 10 {
		t.Fatalf("expected slot 10, got %d", got)
	}
	if got := c.Advance(5); got != 15 {
		t.Fatalf("expected slot 15 after advance, got %d", got)
	}
	c.Set(12)
	if got := c.CurrentSlot(); got != 15 {
		t.Fatalf("set must not move backwards, got %d", got)
	}
	c.Set(40)
	if got := c.CurrentSlot(); got != 40 {
		t.Fatalf("expected slot 40, got %d", got)
	}
}

func TestWallSlots(t *testing.T) {
	genesis := time.Unix(1_700_000_000, 0)
	w := NewWall(genesis, 2*time.Second)
	now := genesis.Add(-time.Minute)
	w.SetNowFunc(func() time.Time { return now })
	if got := w.CurrentSlot(); got != 0 {
		t.Fatalf("pre-genesis should report slot 0, got %d", got)
	}
	now = genesis.Add(9 * time.Second)
	if got := w.CurrentSlot(); got != 4 {
		t.Fatalf("expected slot 4, got %d", got)
	}
	now = genesis.Add(3 * time.Second)
	if got := w.CurrentSlot(); got != 4 {
		t.Fatalf("clock regression must not lower the slot, got %d", got)
	}
}

func TestWallDefaultsDuration(t *testing.T) {
	w := NewWall(time.Unix(0, 0), 0)
	if w.SlotDuration() != time.Second {
		t.Fatalf("expected 1s fallback, got %s", w.SlotDuration())
	}
}
