// Package v1 defines the batchd realtime protocol v1 contract.
//
// It is shared between server and clients to keep the wire protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol is negotiated during the websocket handshake.
const Subprotocol = "batchd.realtime.v1"

// Type constants (wire-stable).
const (
	// TypeHello binds the session to a user (client -> server).
	TypeHello = "hello"
	// TypeHelloAck acknowledges the handshake (server -> client).
	TypeHelloAck = "hello_ack"

	// TypeMessageSend submits one message for batching (client -> server).
	TypeMessageSend = "message_send"
	// TypeMessageAck reports how the message was buffered (server -> client).
	TypeMessageAck = "message_ack"

	// TypeBatchFlush asks for the pending batch to be processed now (client -> server).
	TypeBatchFlush = "batch_flush"
	// TypeBatchFlushAck answers a flush request (server -> client).
	TypeBatchFlushAck = "batch_flush_ack"

	// TypeHistoryFetch requests recent conversation history (client -> server).
	TypeHistoryFetch = "history_fetch"
	// TypeHistoryChunk returns history entries, oldest first (server -> client).
	TypeHistoryChunk = "history_chunk"

	// TypeNotify carries a processor reply or a service notice (server -> client).
	TypeNotify = "notify"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeHello,
		TypeHelloAck,
		TypeMessageSend,
		TypeMessageAck,
		TypeBatchFlush,
		TypeBatchFlushAck,
		TypeHistoryFetch,
		TypeHistoryChunk,
		TypeNotify,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Payloads ----

// HelloPayload binds the connection to UserID. Signature is required when the
// server has a shared secret: "sha256=" + hex(HMAC-SHA256(user_id)).
type HelloPayload struct {
	UserID    string `json:"user_id"`
	Signature string `json:"signature,omitempty"`
}

// HelloAckPayload carries the server-assigned session id.
type HelloAckPayload struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
}

// MessageSendPayload submits one message.
type MessageSendPayload struct {
	ClientMsgID string `json:"client_msg_id"`
	Text        string `json:"text"`
}

// MessageAckPayload reports the admission outcome of a message.
type MessageAckPayload struct {
	ClientMsgID  string `json:"client_msg_id"`
	Action       string `json:"action"`
	EvictedID    string `json:"evicted_id,omitempty"`
	FlushedBatch string `json:"flushed_batch,omitempty"`
}

// BatchFlushPayload requests an immediate flush. It has no fields.
type BatchFlushPayload struct{}

// BatchFlushAckPayload reports whether anything was pending.
type BatchFlushAckPayload struct {
	BatchID string `json:"batch_id,omitempty"`
	Flushed bool   `json:"flushed"`
}

// HistoryFetchPayload requests at most Limit recent entries.
type HistoryFetchPayload struct {
	Limit int `json:"limit,omitempty"`
}

// HistoryEntry is one conversation turn.
type HistoryEntry struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// HistoryChunkPayload returns history entries, oldest first.
type HistoryChunkPayload struct {
	Entries []HistoryEntry `json:"entries"`
}

// NotifyPayload is text pushed to the user.
type NotifyPayload struct {
	Text string `json:"text"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
