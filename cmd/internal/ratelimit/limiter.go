package ratelimit

import (
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter is one user's hybrid limiter.
//
// Check and commit happen under the same mutex: a rejected event leaves both
// the bucket and the window exactly as they were.
type Limiter struct {
	cfg Config

	mu     sync.Mutex
	bucket *rate.Limiter
	window *slidingWindow
}

// NewLimiter builds a Limiter from cfg. The bucket starts full.
func NewLimiter(cfg Config) *Limiter {
	l := &Limiter{cfg: cfg}
	if cfg.Disabled {
		return l
	}
	perSecond := rate.Limit(float64(cfg.TokensPerMinute) / 60.0)
	l.bucket = rate.NewLimiter(perSecond, cfg.BucketCapacity)
	l.window = newSlidingWindow(cfg.MaxMessagesInWindow, cfg.Window)
	return l
}

// Allow reports whether an event happening now is admitted.
func (l *Limiter) Allow() bool { return l.AllowAt(time.Now()) }

// AllowAt reports whether an event at now is admitted, consuming one token and
// one window slot only when both checks pass.
func (l *Limiter) AllowAt(now time.Time) bool {
	if l == nil || l.cfg.Disabled {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.window.prune(now)
	if !l.window.hasRoom() {
		return false
	}
	if l.bucket.TokensAt(now) < 1 {
		return false
	}
	if !l.bucket.AllowN(now, 1) {
		return false
	}
	l.window.record(now)
	return true
}

// Remaining is a snapshot of what is still available at now.
type Remaining struct {
	Tokens       int
	WindowEvents int
}

// RemainingAt reports whole tokens and window slots left at now.
func (l *Limiter) RemainingAt(now time.Time) Remaining {
	if l == nil || l.cfg.Disabled {
		return Remaining{Tokens: math.MaxInt, WindowEvents: math.MaxInt}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.window.prune(now)
	return Remaining{
		Tokens:       int(math.Floor(l.bucket.TokensAt(now))),
		WindowEvents: l.window.remaining(),
	}
}
