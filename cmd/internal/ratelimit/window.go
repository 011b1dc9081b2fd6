package ratelimit

import "time"

// slidingWindow counts events in (now-window, now]. Timestamps are kept in a
// ring of limit slots, oldest at head, so pruning only looks at the front. It is
// not safe for concurrent use; Limiter guards it.
type slidingWindow struct {
	events []time.Time
	head   int
	n      int
	limit  int
	window time.Duration
}

func newSlidingWindow(limit int, window time.Duration) *slidingWindow {
	if limit < 0 {
		limit = 0
	}
	return &slidingWindow{
		events: make([]time.Time, limit),
		limit:  limit,
		window: window,
	}
}

// prune drops timestamps that fell out of the window. Events are recorded in
// time order, so it stops at the first one still inside.
func (w *slidingWindow) prune(now time.Time) {
	cut := now.Add(-w.window)
	for w.n > 0 && !w.events[w.head].After(cut) {
		w.events[w.head] = time.Time{}
		w.head = (w.head + 1) % w.limit
		w.n--
	}
}

func (w *slidingWindow) hasRoom() bool { return w.n < w.limit }

// record appends now. Callers check hasRoom first.
func (w *slidingWindow) record(now time.Time) {
	if !w.hasRoom() {
		return
	}
	w.events[(w.head+w.n)%w.limit] = now
	w.n++
}

func (w *slidingWindow) len() int { return w.n }

func (w *slidingWindow) remaining() int {
	n := w.limit - w.n
	if n < 0 {
		return 0
	}
	return n
}
