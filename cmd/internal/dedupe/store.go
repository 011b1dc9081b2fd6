// Package dedupe remembers which inbound message ids were already accepted so
// redelivered messages are dropped before admission.
package dedupe

import (
	"context"
	"errors"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultMaxPerUser bounds the remembered ids per user.
const DefaultMaxPerUser = 5000

// ErrMissingID is returned for empty user or message ids.
var ErrMissingID = errors.New("dedupe: missing id")

// Store checks and records processed message ids.
type Store interface {
	HasProcessed(ctx context.Context, userID, msgID string) (bool, error)
	MarkProcessed(ctx context.Context, userID, msgID string) error
}

// Marker is implemented by stores that can check and record in one step.
// Admission claims an id with MarkIfNew and releases it with Unmark when the
// message is refused after all.
type Marker interface {
	// MarkIfNew records msgID and reports whether it was not seen before.
	MarkIfNew(ctx context.Context, userID, msgID string) (bool, error)
	// Unmark forgets msgID. Forgetting an unknown id is not an error.
	Unmark(ctx context.Context, userID, msgID string) error
}

// LRUStore keeps the most recent ids per user in memory.
type LRUStore struct {
	maxPerUser int
	users      sync.Map // userID -> *lru.Cache[string, struct{}]
}

// NewLRUStore constructs an LRUStore. maxPerUser <= 0 uses DefaultMaxPerUser.
func NewLRUStore(maxPerUser int) *LRUStore {
	if maxPerUser <= 0 {
		maxPerUser = DefaultMaxPerUser
	}
	return &LRUStore{maxPerUser: maxPerUser}
}

func (s *LRUStore) cache(userID string) *lru.Cache[string, struct{}] {
	if v, ok := s.users.Load(userID); ok {
		return v.(*lru.Cache[string, struct{}])
	}
	c, err := lru.New[string, struct{}](s.maxPerUser)
	if err != nil {
		// Only fails for a non-positive size, which NewLRUStore rules out.
		panic(err)
	}
	v, _ := s.users.LoadOrStore(userID, c)
	return v.(*lru.Cache[string, struct{}])
}

// HasProcessed reports whether msgID was recorded for userID.
func (s *LRUStore) HasProcessed(_ context.Context, userID, msgID string) (bool, error) {
	if userID == "" || msgID == "" {
		return false, ErrMissingID
	}
	v, ok := s.users.Load(userID)
	if !ok {
		return false, nil
	}
	return v.(*lru.Cache[string, struct{}]).Contains(msgID), nil
}

// MarkProcessed records msgID for userID.
func (s *LRUStore) MarkProcessed(_ context.Context, userID, msgID string) error {
	if userID == "" || msgID == "" {
		return ErrMissingID
	}
	s.cache(userID).Add(msgID, struct{}{})
	return nil
}

// MarkIfNew records msgID and reports whether it was new.
func (s *LRUStore) MarkIfNew(_ context.Context, userID, msgID string) (bool, error) {
	if userID == "" || msgID == "" {
		return false, ErrMissingID
	}
	ok, _ := s.cache(userID).ContainsOrAdd(msgID, struct{}{})
	return !ok, nil
}

// Unmark forgets msgID for userID.
func (s *LRUStore) Unmark(_ context.Context, userID, msgID string) error {
	if userID == "" || msgID == "" {
		return ErrMissingID
	}
	if v, ok := s.users.Load(userID); ok {
		v.(*lru.Cache[string, struct{}]).Remove(msgID)
	}
	return nil
}

// Len returns the number of remembered ids for userID.
func (s *LRUStore) Len(userID string) int {
	v, ok := s.users.Load(userID)
	if !ok {
		return 0
	}
	return v.(*lru.Cache[string, struct{}]).Len()
}

// Forget drops everything remembered for userID.
func (s *LRUStore) Forget(userID string) {
	s.users.Delete(userID)
}
