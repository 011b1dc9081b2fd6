package batching

import (
	"errors"
	"fmt"

	"batchd/cmd/internal/backpressure"
)

// Public, stable errors for callers of Receive.
var (
	ErrInvalidConfig     = errors.New("batching: invalid config")
	ErrInvalidMessage    = errors.New("batching: invalid message")
	ErrDuplicate         = errors.New("batching: duplicate message")
	ErrAdmissionRejected = errors.New("batching: rate limit exceeded")
	ErrBufferFull        = errors.New("batching: buffer full")
	ErrShuttingDown      = errors.New("batching: shutting down")
	ErrSchedulingFailed  = errors.New("batching: scheduling failed")
	ErrProcessingFailed  = errors.New("batching: processing failed")
)

// BufferFullError reports a message refused by the backpressure strategy.
type BufferFullError struct {
	UserID   string
	Strategy backpressure.Strategy
	// Notified is true when the user was told about the rejection.
	Notified bool
	// TimedOut is true when BLOCK_UNTIL_SPACE gave up waiting.
	TimedOut bool
}

func (e *BufferFullError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.TimedOut {
		return fmt.Sprintf("batching: buffer full for %s (strategy=%s, timed out)", e.UserID, e.Strategy)
	}
	return fmt.Sprintf("batching: buffer full for %s (strategy=%s)", e.UserID, e.Strategy)
}

func (e *BufferFullError) Unwrap() error { return ErrBufferFull }

// ProcessingFailedError describes a batch that exhausted its retries.
type ProcessingFailedError struct {
	UserID   string
	BatchID  string
	Attempts int
	Err      error
}

func (e *ProcessingFailedError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("batching: batch %s for %s failed after %d attempts: %v", e.BatchID, e.UserID, e.Attempts, e.Err)
}

func (e *ProcessingFailedError) Unwrap() []error { return []error{ErrProcessingFailed, e.Err} }

// IsAdmissionRejected reports whether err is a rate-limit rejection.
func IsAdmissionRejected(err error) bool { return errors.Is(err, ErrAdmissionRejected) }

// IsBufferFull reports whether err is a backpressure rejection.
func IsBufferFull(err error) bool { return errors.Is(err, ErrBufferFull) }

// IsDuplicate reports whether err flags an already-seen message.
func IsDuplicate(err error) bool { return errors.Is(err, ErrDuplicate) }
