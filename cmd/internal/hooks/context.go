// Package hooks runs user-supplied logic around batch processing.
//
// Pre hooks may veto a batch by returning an InterruptedError; post hooks run
// after a successful processor call and cannot undo it.
package hooks

import (
	"sync"
	"time"

	"batchd/cmd/internal/buffer"
)

// Metadata keys written by the batching service.
const (
	MetaReply       = "reply"
	MetaDrainReason = "drain_reason"
)

// BatchContext describes one processing attempt of one batch.
//
// Metadata is scoped to the attempt. ForRetry derives the next attempt's
// context and copies the metadata forward explicitly.
type BatchContext struct {
	UserID     string
	BatchID    string
	Items      []buffer.Item
	BatchStart time.Time
	RetryCount int

	mu   sync.RWMutex
	meta map[string]any
}

// NewBatchContext builds the context for the first attempt. items is copied.
func NewBatchContext(userID, batchID string, items []buffer.Item, start time.Time) *BatchContext {
	cp := make([]buffer.Item, len(items))
	copy(cp, items)
	if start.IsZero() {
		start = time.Now()
	}
	return &BatchContext{
		UserID:     userID,
		BatchID:    batchID,
		Items:      cp,
		BatchStart: start,
		meta:       make(map[string]any),
	}
}

// ForRetry returns a context for attempt retryCount of the same batch.
// Items and batch start are shared; metadata is copied.
func ForRetry(orig *BatchContext, retryCount int) *BatchContext {
	next := &BatchContext{
		UserID:     orig.UserID,
		BatchID:    orig.BatchID,
		Items:      orig.Items,
		BatchStart: orig.BatchStart,
		RetryCount: retryCount,
		meta:       orig.Metadata(),
	}
	return next
}

// Put stores a metadata value.
func (c *BatchContext) Put(key string, v any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.meta == nil {
		c.meta = make(map[string]any)
	}
	c.meta[key] = v
}

// Get returns a metadata value.
func (c *BatchContext) Get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.meta[key]
	return v, ok
}

// Has reports whether key is set.
func (c *BatchContext) Has(key string) bool {
	_, ok := c.Get(key)
	return ok
}

// Metadata returns a copy of all metadata.
func (c *BatchContext) Metadata() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]any, len(c.meta))
	for k, v := range c.meta {
		out[k] = v
	}
	return out
}

// GetAs returns the metadata value for key when it has type T.
func GetAs[T any](c *BatchContext, key string) (T, bool) {
	var zero T
	v, ok := c.Get(key)
	if !ok {
		return zero, false
	}
	t, ok := v.(T)
	if !ok {
		return zero, false
	}
	return t, true
}

// BatchSize is the number of items in the batch.
func (c *BatchContext) BatchSize() int { return len(c.Items) }

// IsRetry reports whether this is not the first attempt.
func (c *BatchContext) IsRetry() bool { return c.RetryCount > 0 }

// IsFirstAttempt is the inverse of IsRetry.
func (c *BatchContext) IsFirstAttempt() bool { return c.RetryCount == 0 }

// Elapsed is the time since the batch was drained.
func (c *BatchContext) Elapsed() time.Duration { return time.Since(c.BatchStart) }

// First returns the oldest item.
func (c *BatchContext) First() (buffer.Item, bool) {
	if len(c.Items) == 0 {
		return buffer.Item{}, false
	}
	return c.Items[0], true
}

// Last returns the newest item.
func (c *BatchContext) Last() (buffer.Item, bool) {
	if len(c.Items) == 0 {
		return buffer.Item{}, false
	}
	return c.Items[len(c.Items)-1], true
}
