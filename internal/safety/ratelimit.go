package safety

import "time"

// RateWindow is a sliding-window rate limiter. It is not safe for
// concurrent use on its own; the governor serializes access.
type RateWindow struct {
	limit  int
	window time.Duration
	events []time.Time
}

// NewRateWindow builds a limiter allowing limit events per window.
func NewRateWindow(limit int, window time.Duration) *RateWindow {
	return &RateWindow{
		limit:  limit,
		window: window,
		events: make([]time.Time, 0, limit),
	}
}

// Allow prunes events older than the window, then checks and records in
// one step. It returns false without recording when the window is full.
func (r *RateWindow) Allow(now time.Time) bool {
	cutoff := now.Add(-r.window)
	kept := r.events[:0]
	for _, t := range r.events {
		// Only events strictly older than the window age out
		if !t.Before(cutoff) {
			kept = append(kept, t)
		}
	}
	r.events = kept

	if len(r.events) >= r.limit {
		return false
	}
	r.events = append(r.events, now)
	return true
}

// Len returns the number of events currently inside the window as of the
// last Allow call.
func (r *RateWindow) Len() int {
	return len(r.events)
}
