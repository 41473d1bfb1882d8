package stream

import "sync"

// DefaultHistorySize bounds the broadcast history when none is configured.
const DefaultHistorySize = 1000

// History is a fixed-size ring of the most recent events.
type History struct {
	mu    sync.Mutex
	buf   []Event
	start int
	n     int
}

// NewHistory creates a ring holding up to bound events. A bound below one
// uses DefaultHistorySize.
func NewHistory(bound int) *History {
	if bound < 1 {
		bound = DefaultHistorySize
	}
	return &History{buf: make([]Event, bound)}
}

// Append adds ev, dropping the oldest event when full.
func (h *History) Append(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.n < len(h.buf) {
		h.buf[(h.start+h.n)%len(h.buf)] = ev
		h.n++
		return
	}
	h.buf[h.start] = ev
	h.start = (h.start + 1) % len(h.buf)
}

// Recent returns up to n of the newest events, oldest first.
func (h *History) Recent(n int) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	if n > h.n {
		n = h.n
	}
	if n <= 0 {
		return []Event{}
	}
	out := make([]Event, n)
	first := h.start + h.n - n
	for i := range out {
		out[i] = h.buf[(first+i)%len(h.buf)]
	}
	return out
}

// Len returns the number of stored events.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.n
}

// Cap returns the ring bound.
func (h *History) Cap() int {
	return len(h.buf)
}
