package ratelimit

import (
	"sync"
	"time"
)

// Registry lazily creates one Limiter per user from a shared Config.
type Registry struct {
	cfg      Config
	limiters sync.Map // userID -> *Limiter
	now      func() time.Time
}

// NewRegistry constructs a Registry.
func NewRegistry(cfg Config) *Registry {
	return &Registry{cfg: cfg, now: time.Now}
}

// Config returns the per-user limiter configuration.
func (r *Registry) Config() Config { return r.cfg }

// For returns the user's limiter, creating it on first use.
func (r *Registry) For(userID string) *Limiter {
	if v, ok := r.limiters.Load(userID); ok {
		return v.(*Limiter)
	}
	v, _ := r.limiters.LoadOrStore(userID, NewLimiter(r.cfg))
	return v.(*Limiter)
}

// TryAcquire admits or rejects one event for userID at the current time.
func (r *Registry) TryAcquire(userID string) bool {
	return r.TryAcquireAt(userID, r.now())
}

// TryAcquireAt admits or rejects one event for userID at now.
func (r *Registry) TryAcquireAt(userID string, now time.Time) bool {
	if r.cfg.Disabled {
		return true
	}
	return r.For(userID).AllowAt(now)
}

// Remaining reports the user's remaining allowance at the current time.
func (r *Registry) Remaining(userID string) Remaining {
	return r.For(userID).RemainingAt(r.now())
}

// Evict drops the user's limiter state.
func (r *Registry) Evict(userID string) {
	r.limiters.Delete(userID)
}
