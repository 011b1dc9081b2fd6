// Package backpressure decides what happens to a message that arrives while
// its user's buffer is full.
package backpressure

import (
	"fmt"
	"strings"
)

// Strategy is the overflow policy configured for all users.
type Strategy uint8

const (
	// DropNew discards the incoming message.
	DropNew Strategy = iota + 1
	// DropOldest evicts the head of the buffer to make room.
	DropOldest
	// RejectWithNotification discards the incoming message and tells the user.
	RejectWithNotification
	// BlockUntilSpace waits (bounded) for a drain to free room.
	BlockUntilSpace
	// FlushAndAccept dispatches the current contents as a batch right away,
	// then accepts the incoming message into the emptied buffer.
	FlushAndAccept
)

var names = map[Strategy]string{
	DropNew:                "drop_new",
	DropOldest:             "drop_oldest",
	RejectWithNotification: "reject_with_notification",
	BlockUntilSpace:        "block_until_space",
	FlushAndAccept:         "flush_and_accept",
}

func (s Strategy) String() string {
	if n, ok := names[s]; ok {
		return n
	}
	return fmt.Sprintf("strategy(%d)", uint8(s))
}

// Valid reports whether s is one of the defined strategies.
func (s Strategy) Valid() bool {
	_, ok := names[s]
	return ok
}

// ParseStrategy accepts snake_case or SCREAMING_CASE names.
func ParseStrategy(raw string) (Strategy, error) {
	key := strings.ToLower(strings.TrimSpace(raw))
	key = strings.ReplaceAll(key, "-", "_")
	for s, n := range names {
		if n == key {
			return s, nil
		}
	}
	return 0, fmt.Errorf("backpressure: unknown strategy %q", raw)
}

// MarshalText implements encoding.TextMarshaler.
func (s Strategy) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("backpressure: invalid strategy %d", uint8(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Strategy) UnmarshalText(b []byte) error {
	v, err := ParseStrategy(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// CanLoseMessages reports whether the strategy may discard a message.
func (s Strategy) CanLoseMessages() bool {
	switch s {
	case DropNew, DropOldest, RejectWithNotification:
		return true
	case BlockUntilSpace:
		// A timed-out wait rejects the message.
		return true
	default:
		return false
	}
}

// CanBlock reports whether the strategy may hold the caller.
func (s Strategy) CanBlock() bool { return s == BlockUntilSpace }

// Description is a human-readable summary for config dumps.
func (s Strategy) Description() string {
	switch s {
	case DropNew:
		return "Drop the incoming message when the buffer is full"
	case DropOldest:
		return "Evict the oldest buffered message to make room"
	case RejectWithNotification:
		return "Reject the incoming message and notify the user"
	case BlockUntilSpace:
		return "Wait for the buffer to drain, up to a timeout"
	case FlushAndAccept:
		return "Process the buffered messages now and accept the new one"
	default:
		return "Unknown strategy"
	}
}
