package buffer

import "sync"

// Registry owns one Buffer per user and hands out stable handles.
//
// Lookups never take a registry-wide lock; creation races resolve to a single
// winner via LoadOrStore.
type Registry struct {
	capacity int
	buffers  sync.Map // userID -> *Buffer
}

// Stats is a point-in-time view over all buffers.
type Stats struct {
	ActiveUsers     int
	PendingMessages int
}

// NewRegistry constructs a Registry whose buffers hold at most capacity items.
func NewRegistry(capacity int) *Registry {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Registry{capacity: capacity}
}

// GetOrCreate returns the user's buffer, creating it on first use.
func (r *Registry) GetOrCreate(userID string) *Buffer {
	if v, ok := r.buffers.Load(userID); ok {
		return v.(*Buffer)
	}
	v, _ := r.buffers.LoadOrStore(userID, New(userID, r.capacity))
	return v.(*Buffer)
}

// Get returns the user's buffer if one exists.
func (r *Registry) Get(userID string) (*Buffer, bool) {
	v, ok := r.buffers.Load(userID)
	if !ok {
		return nil, false
	}
	return v.(*Buffer), true
}

// Evict forgets the user's buffer. Pending items are returned to the caller.
func (r *Registry) Evict(userID string) []Item {
	v, ok := r.buffers.LoadAndDelete(userID)
	if !ok {
		return nil
	}
	return v.(*Buffer).Drain()
}

// Range calls fn for every buffer until fn returns false.
func (r *Registry) Range(fn func(userID string, b *Buffer) bool) {
	r.buffers.Range(func(k, v any) bool {
		return fn(k.(string), v.(*Buffer))
	})
}

// Stats counts users with pending items and the total number of pending items.
func (r *Registry) Stats() Stats {
	var s Stats
	r.Range(func(_ string, b *Buffer) bool {
		n := b.Size()
		if n > 0 {
			s.ActiveUsers++
			s.PendingMessages += n
		}
		return true
	})
	return s
}
