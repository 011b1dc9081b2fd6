// Package history keeps a bounded per-user conversation log that is fed back
// to the processor as context for the next batch.
package history

import (
	"context"
	"errors"
	"sort"
	"time"
)

// Role identifies who produced an entry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// DefaultMaxPerUser is the per-user entry cap when none is configured.
const DefaultMaxPerUser = 100

// DefaultMaxAge is the default age window for GetHistory callers.
const DefaultMaxAge = 24 * time.Hour

// ErrMissingUser is returned when userID is empty.
var ErrMissingUser = errors.New("history: missing user id")

// Entry is one logged message.
type Entry struct {
	Role      Role
	Content   string
	Timestamp time.Time
}

// Store persists conversation history.
//
// Requirements:
//   - Per-user insertion order is preserved.
//   - Each user's log is capped; the oldest entries are evicted first.
//   - GetHistory applies the age filter first, then keeps the most recent
//     maxCount entries, returned oldest first. maxCount <= 0 yields nothing;
//     maxAge <= 0 disables the age filter.
type Store interface {
	AddMessage(ctx context.Context, userID string, e Entry) error
	AddMessages(ctx context.Context, userID string, es []Entry) error
	GetHistory(ctx context.Context, userID string, maxCount int, maxAge time.Duration) ([]Entry, error)
	Count(ctx context.Context, userID string) (int, error)
	ClearHistory(ctx context.Context, userID string) error
	ClearAll(ctx context.Context) error
	CleanupExpired(ctx context.Context, maxAge time.Duration) (int, error)
	Close() error
}

// window applies the GetHistory filtering rules. The result is ordered by
// timestamp, oldest first; ties keep insertion order.
func window(entries []Entry, now time.Time, maxCount int, maxAge time.Duration) []Entry {
	if maxCount <= 0 || len(entries) == 0 {
		return []Entry{}
	}

	out := make([]Entry, 0, len(entries))
	cut := now.Add(-maxAge)
	for _, e := range entries {
		if maxAge > 0 && e.Timestamp.Before(cut) {
			continue
		}
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })

	if len(out) > maxCount {
		out = out[len(out)-maxCount:]
	}
	return out
}
