package history

import (
	"context"
	"sync"
	"time"
)

// InMemoryStore keeps history in process memory. Each user has an
// independently locked log; there is no store-wide lock.
type InMemoryStore struct {
	maxPerUser int
	now        func() time.Time

	users sync.Map // userID -> *userLog
}

type userLog struct {
	mu      sync.RWMutex
	entries []Entry
	// dead is set under mu once cleanup unlinked the log; writers that still
	// hold it look the user up again.
	dead bool
}

// MemoryOption configures InMemoryStore.
type MemoryOption func(*InMemoryStore)

// WithMaxPerUser sets the per-user cap.
func WithMaxPerUser(n int) MemoryOption {
	return func(s *InMemoryStore) {
		if n > 0 {
			s.maxPerUser = n
		}
	}
}

// WithClock overrides the time source used for defaults and age checks.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *InMemoryStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewInMemoryStore constructs an InMemoryStore.
func NewInMemoryStore(opts ...MemoryOption) *InMemoryStore {
	s := &InMemoryStore{
		maxPerUser: DefaultMaxPerUser,
		now:        time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Close is a no-op.
func (s *InMemoryStore) Close() error { return nil }

func (s *InMemoryStore) log(userID string) *userLog {
	if v, ok := s.users.Load(userID); ok {
		return v.(*userLog)
	}
	v, _ := s.users.LoadOrStore(userID, &userLog{})
	return v.(*userLog)
}

// AddMessage appends one entry.
func (s *InMemoryStore) AddMessage(ctx context.Context, userID string, e Entry) error {
	return s.AddMessages(ctx, userID, []Entry{e})
}

// AddMessages appends entries in order, evicting the oldest beyond the cap.
func (s *InMemoryStore) AddMessages(ctx context.Context, userID string, es []Entry) error {
	if userID == "" {
		return ErrMissingUser
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(es) == 0 {
		return nil
	}

	now := s.now()
	for {
		l := s.log(userID)
		l.mu.Lock()
		if l.dead {
			l.mu.Unlock()
			continue
		}
		s.appendLocked(l, es, now)
		l.mu.Unlock()
		return nil
	}
}

// appendLocked appends es and trims the oldest entries beyond the cap. The
// front is resliced away; append reallocates once the spare capacity runs
// out, copying only the kept window. l.mu must be held.
func (s *InMemoryStore) appendLocked(l *userLog, es []Entry, now time.Time) {
	for _, e := range es {
		if e.Timestamp.IsZero() {
			e.Timestamp = now
		}
		l.entries = append(l.entries, e)
	}
	if over := len(l.entries) - s.maxPerUser; over > 0 {
		clear(l.entries[:over])
		l.entries = l.entries[over:]
	}
}

// GetHistory returns the filtered window for userID.
func (s *InMemoryStore) GetHistory(ctx context.Context, userID string, maxCount int, maxAge time.Duration) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v, ok := s.users.Load(userID)
	if !ok {
		return []Entry{}, nil
	}
	l := v.(*userLog)

	l.mu.RLock()
	defer l.mu.RUnlock()
	return window(l.entries, s.now(), maxCount, maxAge), nil
}

// Count returns the number of stored entries for userID.
func (s *InMemoryStore) Count(ctx context.Context, userID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	v, ok := s.users.Load(userID)
	if !ok {
		return 0, nil
	}
	l := v.(*userLog)
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries), nil
}

// ClearHistory forgets userID's log.
func (s *InMemoryStore) ClearHistory(ctx context.Context, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.users.Delete(userID)
	return nil
}

// ClearAll forgets every log.
func (s *InMemoryStore) ClearAll(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.users.Range(func(k, _ any) bool {
		s.users.Delete(k)
		return true
	})
	return nil
}

// CleanupExpired removes entries older than maxAge and drops users left empty.
// It returns the number of removed entries.
func (s *InMemoryStore) CleanupExpired(ctx context.Context, maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		return 0, nil
	}
	cut := s.now().Add(-maxAge)
	removed := 0

	s.users.Range(func(k, v any) bool {
		if ctx.Err() != nil {
			return false
		}
		l := v.(*userLog)

		l.mu.Lock()
		kept := l.entries[:0]
		for _, e := range l.entries {
			if e.Timestamp.Before(cut) {
				removed++
				continue
			}
			kept = append(kept, e)
		}
		clear(l.entries[len(kept):])
		l.entries = kept
		if len(kept) == 0 {
			l.dead = true
			s.users.CompareAndDelete(k, l)
		}
		l.mu.Unlock()
		return true
	})
	return removed, ctx.Err()
}

// HasHistory reports whether userID has any stored entries.
func (s *InMemoryStore) HasHistory(userID string) bool {
	n, _ := s.Count(context.Background(), userID)
	return n > 0
}
