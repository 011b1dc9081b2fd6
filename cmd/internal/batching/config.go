package batching

import (
	"fmt"
	"time"

	"batchd/cmd/internal/backpressure"
	"batchd/cmd/internal/ratelimit"
	"batchd/cmd/internal/retry"
)

// DefaultRejectNotification is sent for REJECT_WITH_NOTIFICATION overflows.
const DefaultRejectNotification = "You're sending messages too quickly. Please wait a moment before sending more."

// Config controls batching for every user of a Service.
type Config struct {
	// AdaptiveTimeout is the absolute ceiling of a flush window.
	AdaptiveTimeout time.Duration `yaml:"adaptive_timeout"`
	// SilenceThreshold is the quiet period that closes a window early.
	SilenceThreshold time.Duration `yaml:"silence_threshold"`
	// MaxBufferSize is the per-user pending message capacity.
	MaxBufferSize int `yaml:"max_buffer_size"`

	RateLimit    ratelimit.Config      `yaml:"rate_limit"`
	Backpressure backpressure.Strategy `yaml:"backpressure"`
	// BlockTimeout bounds the wait of BLOCK_UNTIL_SPACE.
	BlockTimeout time.Duration `yaml:"block_timeout"`

	ErrorHandling retry.Strategy `yaml:"error_handling"`
	// AttemptTimeout bounds a single processor call. Zero disables it.
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`

	// HistoryMaxMessages and HistoryMaxAge select the context passed to the processor.
	HistoryMaxMessages int           `yaml:"history_max_messages"`
	HistoryMaxAge      time.Duration `yaml:"history_max_age"`

	// SingleFlight serializes batches per user. When false, a user's batches
	// may overlap.
	SingleFlight bool `yaml:"single_flight"`

	// RejectNotification overrides DefaultRejectNotification.
	RejectNotification string `yaml:"reject_notification"`
	// RateLimitNotification is sent on rate-limit rejection when non-empty.
	RateLimitNotification string `yaml:"rate_limit_notification"`
}

// DefaultConfig returns the stock configuration.
func DefaultConfig() Config {
	return Config{
		AdaptiveTimeout:    5 * time.Second,
		SilenceThreshold:   2 * time.Second,
		MaxBufferSize:      50,
		RateLimit:          ratelimit.Lenient(),
		Backpressure:       backpressure.DropOldest,
		BlockTimeout:       5 * time.Second,
		ErrorHandling:      retry.Defaults(),
		AttemptTimeout:     60 * time.Second,
		HistoryMaxMessages: 20,
		HistoryMaxAge:      24 * time.Hour,
		SingleFlight:       true,
	}
}

// Validate checks the configuration. Errors wrap ErrInvalidConfig.
func (c Config) Validate() error {
	switch {
	case c.AdaptiveTimeout <= 0:
		return fmt.Errorf("%w: adaptive_timeout must be > 0", ErrInvalidConfig)
	case c.SilenceThreshold < 0:
		return fmt.Errorf("%w: silence_threshold must be >= 0", ErrInvalidConfig)
	case c.SilenceThreshold > c.AdaptiveTimeout:
		return fmt.Errorf("%w: silence_threshold (%s) must not exceed adaptive_timeout (%s)", ErrInvalidConfig, c.SilenceThreshold, c.AdaptiveTimeout)
	case c.MaxBufferSize <= 0:
		return fmt.Errorf("%w: max_buffer_size must be > 0", ErrInvalidConfig)
	case !c.Backpressure.Valid():
		return fmt.Errorf("%w: unknown backpressure strategy %v", ErrInvalidConfig, c.Backpressure)
	case c.Backpressure == backpressure.BlockUntilSpace && c.BlockTimeout <= 0:
		return fmt.Errorf("%w: block_timeout must be > 0 for block_until_space", ErrInvalidConfig)
	case c.AttemptTimeout < 0:
		return fmt.Errorf("%w: attempt_timeout must be >= 0", ErrInvalidConfig)
	case c.HistoryMaxMessages < 0:
		return fmt.Errorf("%w: history_max_messages must be >= 0", ErrInvalidConfig)
	}
	if err := c.RateLimit.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := c.ErrorHandling.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

func (c Config) rejectNotification() string {
	if c.RejectNotification != "" {
		return c.RejectNotification
	}
	return DefaultRejectNotification
}
