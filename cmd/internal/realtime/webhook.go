package realtime

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"batchd/cmd/internal/batching"
	"batchd/cmd/security/signature"
)

// WebhookMessage is one inbound message in a webhook delivery.
type WebhookMessage struct {
	UserID    string    `json:"user_id"`
	MessageID string    `json:"message_id"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp,omitzero"`
}

// WebhookRequest accepts either a single message or a "messages" array.
type WebhookRequest struct {
	WebhookMessage
	Messages []WebhookMessage `json:"messages,omitempty"`
}

// WebhookResult reports the outcome of one message.
type WebhookResult struct {
	MessageID string `json:"message_id,omitempty"`
	Status    string `json:"status"`
	Action    string `json:"action,omitempty"`
	EvictedID string `json:"evicted_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

// WebhookResponse is the JSON body of every webhook answer.
type WebhookResponse struct {
	Results []WebhookResult `json:"results"`
}

// WebhookHandler feeds signed HTTP deliveries into the batching service.
//
// A delivery with one message maps its outcome to the status code: 202
// accepted, 200 duplicate, 400 invalid, 429 throttled, 503 shutting down.
// Multi-message deliveries always answer 202 with per-message results.
type WebhookHandler struct {
	log      *slog.Logger
	svc      Receiver
	verifier *signature.Verifier
}

// NewWebhookHandler constructs a WebhookHandler. A nil verifier disables
// signature checks.
func NewWebhookHandler(log *slog.Logger, svc Receiver, verifier *signature.Verifier) *WebhookHandler {
	if log == nil {
		log = slog.Default()
	}
	return &WebhookHandler{log: log, svc: svc, verifier: verifier}
}

func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBytes+1))
	if err != nil {
		http.Error(w, "read failed", http.StatusBadRequest)
		return
	}
	if len(body) > maxWebhookBytes {
		http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
		return
	}

	if err := h.verifier.Verify(r.Header.Get(signature.Header), body); err != nil {
		h.log.Info("webhook.reject.signature", "err", err, "remote", r.RemoteAddr)
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	var req WebhookRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}

	msgs := req.Messages
	if len(msgs) == 0 {
		msgs = []WebhookMessage{req.WebhookMessage}
	}

	results := make([]WebhookResult, 0, len(msgs))
	for _, m := range msgs {
		results = append(results, h.receive(r, m))
	}

	status := http.StatusAccepted
	if len(results) == 1 {
		status = statusFor(results[0].Status)
	}
	writeJSON(w, status, WebhookResponse{Results: results})
}

func (h *WebhookHandler) receive(r *http.Request, m WebhookMessage) WebhookResult {
	res := WebhookResult{MessageID: m.MessageID}

	text := strings.TrimSpace(m.Content)
	switch {
	case strings.TrimSpace(m.UserID) == "":
		res.Status, res.Error = "invalid", "missing user_id"
		return res
	case text == "":
		res.Status, res.Error = "invalid", "empty content"
		return res
	case len([]rune(text)) > maxMessageChars:
		res.Status, res.Error = "invalid", "content too long"
		return res
	}

	rcpt, err := h.svc.Receive(r.Context(), batching.Inbound{
		UserID:     m.UserID,
		MessageID:  m.MessageID,
		Content:    text,
		ReceivedAt: m.Timestamp,
	})
	if err != nil {
		res.Status, res.Error = webhookStatus(err), err.Error()
		return res
	}

	res.MessageID = rcpt.MessageID
	res.Status = "accepted"
	res.Action = rcpt.Action.String()
	res.EvictedID = rcpt.EvictedID
	return res
}

func webhookStatus(err error) string {
	switch {
	case errors.Is(err, batching.ErrDuplicate):
		return "duplicate"
	case errors.Is(err, batching.ErrAdmissionRejected):
		return "rate_limited"
	case errors.Is(err, batching.ErrBufferFull):
		return "buffer_full"
	case errors.Is(err, batching.ErrShuttingDown):
		return "unavailable"
	case errors.Is(err, batching.ErrInvalidMessage):
		return "invalid"
	default:
		return "error"
	}
}

func statusFor(result string) int {
	switch result {
	case "accepted":
		return http.StatusAccepted
	case "duplicate":
		return http.StatusOK
	case "invalid":
		return http.StatusBadRequest
	case "rate_limited", "buffer_full":
		return http.StatusTooManyRequests
	case "unavailable":
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
