package realtime

import (
	"sync"

	v1 "batchd/shared/contracts/realtime/v1"
)

// Client represents one connected websocket session.
//
// Send is never closed by the server so concurrent notifiers cannot panic.
// done signals goroutines to stop. Close is idempotent.
type Client struct {
	SessionID string
	Send      chan v1.Envelope

	mu     sync.RWMutex
	userID string

	done      chan struct{}
	closeOnce sync.Once
}

// NewClient constructs a Client with a bounded send queue.
func NewClient(sessionID string, sendQueueSize int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = 64
	}
	return &Client{
		SessionID: sessionID,
		Send:      make(chan v1.Envelope, sendQueueSize),
		done:      make(chan struct{}),
	}
}

// UserID returns the user bound by hello, or "".
func (c *Client) UserID() string {
	if c == nil {
		return ""
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

// bind sets the user once. It reports false if a different user is already bound.
func (c *Client) bind(userID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.userID != "" && c.userID != userID {
		return false
	}
	c.userID = userID
	return true
}

// Done returns a channel that is closed when the client is shutting down.
func (c *Client) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Close signals the client goroutines to stop (idempotent).
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// offer enqueues env without blocking.
func (c *Client) offer(env v1.Envelope) bool {
	select {
	case <-c.Done():
		return false
	default:
	}
	select {
	case <-c.Done():
		return false
	case c.Send <- env:
		return true
	default:
		return false
	}
}
