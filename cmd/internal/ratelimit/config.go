// Package ratelimit implements per-user hybrid admission control: a token bucket
// for sustained rate and a sliding window for short bursts. Both must agree
// before an event is admitted.
package ratelimit

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidConfig is returned by Config.Validate.
var ErrInvalidConfig = errors.New("ratelimit: invalid config")

// Config describes one hybrid limiter.
type Config struct {
	// TokensPerMinute is the continuous bucket refill rate.
	TokensPerMinute int `yaml:"tokens_per_minute"`
	// BucketCapacity is the maximum number of stored tokens (burst size).
	BucketCapacity int `yaml:"bucket_capacity"`
	// MaxMessagesInWindow is the sliding-window limit.
	MaxMessagesInWindow int `yaml:"max_messages_in_window"`
	// Window is the sliding-window length.
	Window time.Duration `yaml:"window"`
	// Disabled admits every event without touching limiter state.
	Disabled bool `yaml:"disabled"`
}

// Lenient allows casual chatting with short bursts.
func Lenient() Config {
	return Config{TokensPerMinute: 20, BucketCapacity: 30, MaxMessagesInWindow: 10, Window: 30 * time.Second}
}

// Strict is tuned for abuse-prone entry points.
func Strict() Config {
	return Config{TokensPerMinute: 10, BucketCapacity: 15, MaxMessagesInWindow: 5, Window: 10 * time.Second}
}

// Permissive is for trusted or high-volume users.
func Permissive() Config {
	return Config{TokensPerMinute: 60, BucketCapacity: 100, MaxMessagesInWindow: 30, Window: time.Minute}
}

// Disabled turns admission control off.
func Disabled() Config {
	return Config{Disabled: true}
}

// Preset resolves a named preset ("lenient", "strict", "permissive", "disabled").
func Preset(name string) (Config, bool) {
	switch name {
	case "lenient":
		return Lenient(), true
	case "strict":
		return Strict(), true
	case "permissive":
		return Permissive(), true
	case "disabled", "off", "none":
		return Disabled(), true
	default:
		return Config{}, false
	}
}

// Validate checks bounds. A disabled config is always valid.
func (c Config) Validate() error {
	if c.Disabled {
		return nil
	}
	switch {
	case c.TokensPerMinute < 1 || c.TokensPerMinute > 10000:
		return fmt.Errorf("%w: tokens_per_minute=%d (want 1..10000)", ErrInvalidConfig, c.TokensPerMinute)
	case c.BucketCapacity < 1 || c.BucketCapacity > 1000:
		return fmt.Errorf("%w: bucket_capacity=%d (want 1..1000)", ErrInvalidConfig, c.BucketCapacity)
	case c.MaxMessagesInWindow < 1 || c.MaxMessagesInWindow > 10000:
		return fmt.Errorf("%w: max_messages_in_window=%d (want 1..10000)", ErrInvalidConfig, c.MaxMessagesInWindow)
	case c.Window <= 0:
		return fmt.Errorf("%w: window=%s (want > 0)", ErrInvalidConfig, c.Window)
	}
	return nil
}
