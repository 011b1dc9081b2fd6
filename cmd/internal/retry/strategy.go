// Package retry describes how failed batches are retried, dead-lettered and
// reported to users.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"batchd/cmd/internal/buffer"
)

// DefaultNotification is sent to a user whose batch could not be processed.
const DefaultNotification = "Sorry, I couldn't process your message. Please try again later."

// ErrInvalidStrategy is returned by Strategy.Validate.
var ErrInvalidStrategy = errors.New("retry: invalid strategy")

// Failure describes a batch that exhausted its retries.
type Failure struct {
	UserID   string
	BatchID  string
	Items    []buffer.Item
	Attempts int
	Err      error
	FailedAt time.Time
}

// DeadLetterFunc receives batches that exhausted their retries. A nil error
// means the batch is considered handled.
type DeadLetterFunc func(ctx context.Context, f Failure) error

// Strategy is the per-service error handling policy.
type Strategy struct {
	// MaxRetries is the number of attempts after the first one.
	MaxRetries int `yaml:"max_retries"`
	// BaseDelay is the wait before the first retry.
	BaseDelay time.Duration `yaml:"base_delay"`
	// Multiplier grows the wait on every further retry. 1 keeps it constant;
	// zero is treated as 1.
	Multiplier float64 `yaml:"multiplier"`
	// MaxDelay caps a single wait. Zero means uncapped.
	MaxDelay time.Duration `yaml:"max_delay"`
	// NotifyUser sends NotificationMessage once retries are exhausted.
	NotifyUser bool `yaml:"notify_user"`
	// NotificationMessage overrides DefaultNotification.
	NotificationMessage string `yaml:"notification_message"`

	// DeadLetter receives exhausted batches when set.
	DeadLetter DeadLetterFunc `yaml:"-"`
}

// DefaultMultiplier doubles the wait per retry.
const DefaultMultiplier = 2.0

// Defaults retries three times at 2s, 4s and 8s and notifies the user.
func Defaults() Strategy {
	return Strategy{
		MaxRetries: 3,
		BaseDelay:  2 * time.Second,
		Multiplier: DefaultMultiplier,
		NotifyUser: true,
	}
}

// NoRetry fails on the first error and notifies the user.
func NoRetry() Strategy {
	return Strategy{NotifyUser: true}
}

// Validate checks the strategy bounds.
func (s Strategy) Validate() error {
	switch {
	case s.MaxRetries < 0:
		return fmt.Errorf("%w: max_retries=%d", ErrInvalidStrategy, s.MaxRetries)
	case s.BaseDelay < 0:
		return fmt.Errorf("%w: base_delay=%s", ErrInvalidStrategy, s.BaseDelay)
	case s.MaxDelay < 0:
		return fmt.Errorf("%w: max_delay=%s", ErrInvalidStrategy, s.MaxDelay)
	case s.Multiplier != 0 && (s.Multiplier < 1 || math.IsNaN(s.Multiplier) || math.IsInf(s.Multiplier, 0)):
		return fmt.Errorf("%w: multiplier=%g must be >= 1", ErrInvalidStrategy, s.Multiplier)
	}
	return nil
}

// CalculateDelay returns BaseDelay * Multiplier^(attempt-1), the wait before
// retry number attempt (1-based), capped at MaxDelay. attempt <= 0 yields zero.
func (s Strategy) CalculateDelay(attempt int) time.Duration {
	if attempt <= 0 || s.BaseDelay <= 0 {
		return 0
	}
	m := s.Multiplier
	if m <= 1 {
		return s.capped(s.BaseDelay)
	}

	factor := math.Pow(m, float64(attempt-1))
	d := float64(s.BaseDelay) * factor
	if d >= float64(math.MaxInt64) {
		return s.capped(time.Duration(math.MaxInt64))
	}
	return s.capped(time.Duration(d))
}

func (s Strategy) capped(d time.Duration) time.Duration {
	if s.MaxDelay > 0 && d > s.MaxDelay {
		return s.MaxDelay
	}
	return d
}

// HasDeadLetter reports whether exhausted batches go to a dead-letter sink.
func (s Strategy) HasDeadLetter() bool { return s.DeadLetter != nil }

// Notification returns the text sent to users on final failure.
func (s Strategy) Notification() string {
	if s.NotificationMessage != "" {
		return s.NotificationMessage
	}
	return DefaultNotification
}

// ShouldRetry reports whether another attempt is allowed after retryCount
// retries have already happened and the last attempt failed with err.
func (s Strategy) ShouldRetry(retryCount int, err error) bool {
	if err == nil || IsPermanent(err) {
		return false
	}
	return retryCount < s.MaxRetries
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
