package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"batchd/cmd/internal/batching"
	"batchd/cmd/internal/ids"
	v1 "batchd/shared/contracts/realtime/v1"
)

type userSessions struct {
	mu      sync.RWMutex
	clients map[string]*Client // sessionID -> client
}

// Hub tracks connected sessions per user and pushes notifications to them.
// It implements batching.Notifier.
type Hub struct {
	log      *slog.Logger
	fallback batching.Notifier

	users sync.Map // userID -> *userSessions
}

// NewHub constructs a Hub. Notifications for users with no live session go to
// fallback when it is non-nil.
func NewHub(log *slog.Logger, fallback batching.Notifier) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{log: log, fallback: fallback}
}

func (h *Hub) sessions(userID string) *userSessions {
	if v, ok := h.users.Load(userID); ok {
		return v.(*userSessions)
	}
	v, _ := h.users.LoadOrStore(userID, &userSessions{clients: make(map[string]*Client)})
	return v.(*userSessions)
}

// Attach registers c under its bound user.
func (h *Hub) Attach(c *Client) {
	userID := c.UserID()
	if userID == "" {
		return
	}
	us := h.sessions(userID)
	us.mu.Lock()
	us.clients[c.SessionID] = c
	us.mu.Unlock()
}

// Detach removes c. It is safe to call for clients that never attached.
func (h *Hub) Detach(c *Client) {
	userID := c.UserID()
	if userID == "" {
		return
	}
	v, ok := h.users.Load(userID)
	if !ok {
		return
	}
	us := v.(*userSessions)
	us.mu.Lock()
	delete(us.clients, c.SessionID)
	us.mu.Unlock()
}

// Sessions returns the number of live sessions for userID.
func (h *Hub) Sessions(userID string) int {
	v, ok := h.users.Load(userID)
	if !ok {
		return 0
	}
	us := v.(*userSessions)
	us.mu.RLock()
	defer us.mu.RUnlock()
	return len(us.clients)
}

// Notify pushes text to every live session of userID. Full send queues are
// skipped rather than blocking the caller.
func (h *Hub) Notify(ctx context.Context, userID, text string) error {
	now := time.Now().UTC()
	payload, _ := json.Marshal(v1.NotifyPayload{Text: text})
	env := newEnvelope(v1.TypeNotify, payload, now)

	delivered, dropped := 0, 0
	if v, ok := h.users.Load(userID); ok {
		us := v.(*userSessions)
		us.mu.RLock()
		for _, c := range us.clients {
			if c.offer(env) {
				delivered++
			} else {
				dropped++
			}
		}
		us.mu.RUnlock()
	}

	if dropped > 0 {
		h.log.WarnContext(ctx, "hub.notify.drop", "user_id", userID, "dropped", dropped)
	}
	if delivered == 0 && h.fallback != nil {
		return h.fallback.Notify(ctx, userID, text)
	}
	return nil
}

func newEnvelope(typ string, payload json.RawMessage, ts time.Time) v1.Envelope {
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      ids.New(ts),
		TS:      ts,
		Payload: payload,
	}
}
