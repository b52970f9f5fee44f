package eventbus

import (
	"context"
	"slices"
	"sync"
)

// History keeps the most recent events of the selected types in a ring.
type History struct {
	mu    sync.Mutex
	max   int
	types map[string]struct{}
	items []Event
}

// NewHistory keeps up to size events. With no types every event is kept.
func NewHistory(size int, types ...string) *History {
	if size <= 0 {
		size = 50
	}
	h := &History{max: size, types: make(map[string]struct{}, len(types))}
	for _, t := range types {
		h.types[t] = struct{}{}
	}
	return h
}

// Record appends e if its type is tracked.
func (h *History) Record(e Event) {
	if len(h.types) > 0 {
		if _, ok := h.types[e.Type]; !ok {
			return
		}
	}
	h.mu.Lock()
	h.items = append(h.items, e)
	if over := len(h.items) - h.max; over > 0 {
		h.items = slices.Delete(h.items, 0, over)
	}
	h.mu.Unlock()
}

// Recent returns up to n events, newest first. n <= 0 returns all.
func (h *History) Recent(n int) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	if n <= 0 || n > len(h.items) {
		n = len(h.items)
	}
	out := make([]Event, 0, n)
	for i := len(h.items) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, h.items[i])
	}
	return out
}

// Follow records events from bus until ctx is done.
func (h *History) Follow(ctx context.Context, bus Bus) error {
	ch, unsub := bus.Subscribe(h.max)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			h.Record(e)
		}
	}
}
