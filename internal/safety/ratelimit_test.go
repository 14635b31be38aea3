package safety

import (
	"testing"
	"time"
)

func TestRateWindowSlides(t *testing.T) {
	w := NewRateWindow(3, time.Minute)
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		if !w.Allow(base.Add(time.Duration(i) * time.Second)) {
			t.Fatalf("event %d should be allowed", i)
		}
	}
	if w.Allow(base.Add(3 * time.Second)) {
		t.Fatal("4th event inside window should be denied")
	}

	// 61s after the first event only two remain inside the window
	if !w.Allow(base.Add(61 * time.Second)) {
		t.Fatal("event after window slide should be allowed")
	}
	if w.Len() != 3 {
		t.Errorf("expected 3 events in window, got %d", w.Len())
	}
}

func TestRateWindowBoundaryEventKept(t *testing.T) {
	w := NewRateWindow(1, time.Minute)
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	if !w.Allow(base) {
		t.Fatal("first event should pass")
	}
	// An event aged exactly one window is still inside it
	if w.Allow(base.Add(time.Minute)) {
		t.Fatal("event at the exact window boundary should still count against the limit")
	}
	if !w.Allow(base.Add(time.Minute + time.Nanosecond)) {
		t.Fatal("event strictly older than the window should have aged out")
	}
}

func TestRateWindowDenialDoesNotRecord(t *testing.T) {
	w := NewRateWindow(1, time.Minute)
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	if !w.Allow(base) {
		t.Fatal("first event should pass")
	}
	for i := 1; i <= 30; i++ {
		if w.Allow(base.Add(time.Duration(i) * time.Second)) {
			t.Fatalf("event at +%ds should be denied", i)
		}
	}
	if !w.Allow(base.Add(61 * time.Second)) {
		t.Fatal("window never recovered; denials must not be recorded")
	}
}
