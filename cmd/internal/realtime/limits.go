package realtime

import (
	"time"

	"golang.org/x/time/rate"
)

// Security/performance limits.
const (
	// Max bytes per websocket frame read (hard limit).
	maxFrameBytes = 64 << 10 // 64 KiB

	// Max bytes of a webhook request body.
	maxWebhookBytes = 256 << 10 // 256 KiB

	// Max message text length (runes).
	maxMessageChars = 4096
)

const (
	// Heartbeat defaults (can be overridden by env in ws_gateway.go).
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Per-connection frame limits (events per window).
	rateLimitEvents = 120
	rateLimitWindow = 10 * time.Second
)

// newConnLimiter allows events per window with a burst of events.
func newConnLimiter(events int, window time.Duration) *rate.Limiter {
	if events <= 0 {
		events = rateLimitEvents
	}
	if window <= 0 {
		window = rateLimitWindow
	}
	return rate.NewLimiter(rate.Every(window/time.Duration(events)), events)
}
