package hooks

import (
	"errors"
	"fmt"
)

// ErrInterrupted marks a batch deliberately stopped by a pre hook.
var ErrInterrupted = errors.New("hooks: interrupted")

// InterruptedError carries why a pre hook stopped a batch. It is not a failure:
// the batch is neither retried nor dead-lettered.
type InterruptedError struct {
	Reason string
	Code   string
}

func (e *InterruptedError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Code != "" {
		return fmt.Sprintf("hooks: interrupted (%s): %s", e.Code, e.Reason)
	}
	return "hooks: interrupted: " + e.Reason
}

func (e *InterruptedError) Unwrap() error { return ErrInterrupted }

// Interrupt builds an InterruptedError for a hook to return.
func Interrupt(reason, code string) error {
	return &InterruptedError{Reason: reason, Code: code}
}

// AsInterrupted extracts the InterruptedError from err, if any.
func AsInterrupted(err error) (*InterruptedError, bool) {
	var ie *InterruptedError
	if errors.As(err, &ie) {
		return ie, true
	}
	return nil, false
}

// IsInterrupted reports whether err signals a deliberate stop.
func IsInterrupted(err error) bool { return errors.Is(err, ErrInterrupted) }
