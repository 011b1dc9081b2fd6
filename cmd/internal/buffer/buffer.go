// Package buffer holds per-user pending messages between admission and drain.
package buffer

import (
	"context"
	"sync"
	"time"
)

// DefaultCapacity is used when a non-positive capacity is supplied.
const DefaultCapacity = 50

// Item is one admitted inbound message. It is never mutated after construction.
type Item struct {
	ID        string
	Content   string
	ArrivedAt time.Time
}

// Buffer is an insertion-ordered, capacity-bounded queue of items for one user.
//
// A Buffer is cleared by Drain but never destroyed by it; the owning Registry
// keeps the handle alive until Evict.
type Buffer struct {
	userID   string
	capacity int

	mu           sync.Mutex
	items        []Item
	lastActivity time.Time

	// space is closed and replaced whenever room is freed, waking AddWait callers.
	space chan struct{}
}

// New constructs an empty Buffer.
func New(userID string, capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{
		userID:   userID,
		capacity: capacity,
		items:    make([]Item, 0, capacity),
		space:    make(chan struct{}),
	}
}

// UserID returns the owner of this buffer.
func (b *Buffer) UserID() string { return b.userID }

// Capacity returns the maximum number of pending items.
func (b *Buffer) Capacity() int { return b.capacity }

// Add appends item if there is room and reports whether it was accepted.
func (b *Buffer) Add(item Item) bool {
	if b == nil {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.addLocked(item)
}

func (b *Buffer) addLocked(item Item) bool {
	if len(b.items) >= b.capacity {
		return false
	}
	b.items = append(b.items, item)
	b.lastActivity = item.ArrivedAt
	if b.lastActivity.IsZero() {
		b.lastActivity = time.Now()
	}
	return true
}

// AddWait appends item, waiting up to timeout for room when the buffer is full.
// It returns false when the timeout elapses or ctx is done first.
func (b *Buffer) AddWait(ctx context.Context, item Item, timeout time.Duration) bool {
	if b == nil {
		return false
	}

	var deadline <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}

	for {
		b.mu.Lock()
		if b.addLocked(item) {
			b.mu.Unlock()
			return true
		}
		wait := b.space
		b.mu.Unlock()

		if deadline == nil {
			return false
		}

		select {
		case <-wait:
		case <-deadline:
			return false
		case <-ctx.Done():
			return false
		}
	}
}

// RemoveOldest evicts and returns the head item.
func (b *Buffer) RemoveOldest() (Item, bool) {
	if b == nil {
		return Item{}, false
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.items) == 0 {
		return Item{}, false
	}
	head := b.items[0]
	b.items[0] = Item{}
	b.items = b.items[1:]
	b.signalSpaceLocked()
	return head, true
}

// EvictAndAdd removes the oldest item and appends item in one critical section.
// The evicted item is returned when the buffer was full.
func (b *Buffer) EvictAndAdd(item Item) (Item, bool) {
	if b == nil {
		return Item{}, false
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	var (
		evicted Item
		did     bool
	)
	if len(b.items) >= b.capacity && len(b.items) > 0 {
		evicted = b.items[0]
		b.items[0] = Item{}
		b.items = b.items[1:]
		did = true
	}
	b.addLocked(item)
	return evicted, did
}

// Drain removes and returns all pending items in arrival order.
func (b *Buffer) Drain() []Item {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.drainLocked()
}

func (b *Buffer) drainLocked() []Item {
	if len(b.items) == 0 {
		return nil
	}
	out := b.items
	b.items = make([]Item, 0, b.capacity)
	b.signalSpaceLocked()
	return out
}

// SwapDrain drains the current contents and leaves item as the sole occupant.
// No observer can see the buffer between the two steps.
func (b *Buffer) SwapDrain(item Item) []Item {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	out := b.drainLocked()
	b.addLocked(item)
	return out
}

// Size returns the number of pending items.
func (b *Buffer) Size() int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

// IsEmpty reports whether nothing is pending.
func (b *Buffer) IsEmpty() bool { return b.Size() == 0 }

// IsFull reports whether the buffer is at capacity.
func (b *Buffer) IsFull() bool {
	if b == nil {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items) >= b.capacity
}

// LastActivity returns the arrival time of the most recently added item.
func (b *Buffer) LastActivity() time.Time {
	if b == nil {
		return time.Time{}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastActivity
}

func (b *Buffer) signalSpaceLocked() {
	close(b.space)
	b.space = make(chan struct{})
}
