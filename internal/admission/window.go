package admission

import (
	"sync"
	"time"
)

// Window is a fixed-window counter. The window opens on the first hit
// after the previous one expired and admits at most Limit hits until it
// closes.
type Window struct {
	mu     sync.Mutex
	period time.Duration
	limit  int
	start  time.Time
	count  int
}

func NewWindow(period time.Duration, limit int) *Window {
	return &Window{period: period, limit: limit}
}

// Hit counts one request if it fits under the ceiling. A rejected hit is
// not counted, so Count never exceeds Limit. retryAfter is the time left
// until the window resets.
func (w *Window) Hit(now time.Time) (ok bool, retryAfter time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.start.IsZero() || !now.Before(w.start.Add(w.period)) {
		w.start = now
		w.count = 0
	}
	if w.count >= w.limit {
		return false, w.start.Add(w.period).Sub(now)
	}
	w.count++
	return true, 0
}

// expired reports whether the window has fully elapsed at now.
func (w *Window) expired(now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.start.IsZero() || !now.Before(w.start.Add(w.period))
}

// Reconfigure changes the period and ceiling without resetting the count.
func (w *Window) Reconfigure(period time.Duration, limit int) {
	w.mu.Lock()
	w.period = period
	w.limit = limit
	w.mu.Unlock()
}

// State is a point-in-time view of a window.
type State struct {
	Period time.Duration `json:"period"`
	Limit  int           `json:"limit"`
	Count  int           `json:"count"`
	Start  time.Time     `json:"start"`
}

func (w *Window) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return State{Period: w.period, Limit: w.limit, Count: w.count, Start: w.start}
}
