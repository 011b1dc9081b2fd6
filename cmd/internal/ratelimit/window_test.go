package ratelimit

import (
	"testing"
	"time"
)

func TestSlidingWindow_WrapsAroundRing(t *testing.T) {
	t.Parallel()

	w := newSlidingWindow(3, 10*time.Second)

	// One event per 4s: at most three fit in any 10s window, and the ring wraps
	// many times over.
	for i := 0; i < 50; i++ {
		now := t0.Add(time.Duration(i) * 4 * time.Second)
		w.prune(now)
		if !w.hasRoom() {
			t.Fatalf("step %d: window full with %d events", i, w.len())
		}
		w.record(now)
		if want := min(i+1, 3); w.len() != want {
			t.Fatalf("step %d: len=%d want=%d", i, w.len(), want)
		}
	}

	last := t0.Add(49 * 4 * time.Second)
	w.prune(last.Add(10 * time.Second))
	if w.len() != 0 || w.remaining() != 3 {
		t.Fatalf("after full slide len=%d remaining=%d want=0/3", w.len(), w.remaining())
	}
}

func TestSlidingWindow_FullRejectsRecord(t *testing.T) {
	t.Parallel()

	w := newSlidingWindow(2, time.Minute)
	w.record(t0)
	w.record(t0)
	w.record(t0)
	if w.len() != 2 || w.hasRoom() {
		t.Fatalf("len=%d hasRoom=%v want=2/false", w.len(), w.hasRoom())
	}

	w.prune(t0.Add(time.Minute))
	if w.len() != 0 {
		t.Fatalf("len=%d want=0 once the minute passed", w.len())
	}
}
