package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"batchd/cmd/internal/batching"
	"batchd/cmd/internal/history"
	"batchd/cmd/security/signature"
	v1 "batchd/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

type wsFixture struct {
	hub  *Hub
	recv *fakeReceiver
	hist *history.InMemoryStore
	srv  *httptest.Server
}

func newWSFixture(t *testing.T, verifier *signature.Verifier) *wsFixture {
	t.Helper()
	t.Setenv("BATCHD_WS_ORIGIN_REQUIRED", "false")

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := &wsFixture{
		hub:  NewHub(log, nil),
		recv: newFakeReceiver(),
		hist: history.NewInMemoryStore(),
	}
	gw := NewWSGateway(log, f.hub, f.recv, f.hist, verifier)

	mux := http.NewServeMux()
	mux.Handle("/ws", gw)
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func dialWS(t *testing.T, baseHTTPURL string, origin string) (*websocket.Conn, *http.Response, error) {
	t.Helper()

	u, err := url.Parse(baseHTTPURL)
	if err != nil {
		t.Fatalf("url.Parse: %v", err)
	}
	u.Scheme = "ws"
	u.Path = "/ws"

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		Subprotocols: []string{wsSubprotocolV1},
		HTTPHeader:   h,
	})
}

func mustDial(t *testing.T, baseHTTPURL string) *websocket.Conn {
	t.Helper()
	conn, resp, err := dialWS(t, baseHTTPURL, "")
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") })
	return conn
}

func writeEnvelopeWS(t *testing.T, conn *websocket.Conn, typ string, payload any) {
	t.Helper()
	env := v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      fmt.Sprintf("%s-%d", typ, time.Now().UnixNano()),
		TS:      time.Now().UTC(),
		Payload: mustJSONRaw(t, payload),
	}
	b, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		t.Fatalf("conn.Write: %v", err)
	}
}

func readUntilType(t *testing.T, conn *websocket.Conn, typ string, maxReads int) v1.Envelope {
	t.Helper()
	if maxReads <= 0 {
		maxReads = 1
	}
	for i := 0; i < maxReads; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, b, err := conn.Read(ctx)
		cancel()
		if err != nil {
			t.Fatalf("conn.Read: %v", err)
		}
		var env v1.Envelope
		if err := json.Unmarshal(b, &env); err != nil {
			t.Fatalf("unmarshal envelope: %v", err)
		}
		if env.Type == typ {
			return env
		}
	}
	t.Fatalf("did not receive envelope type %q", typ)
	return v1.Envelope{}
}

func mustJSONRaw(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("json.Marshal: %v", err)
	}
	return b
}

func decodePayload[T any](t *testing.T, env v1.Envelope) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(env.Payload, &out); err != nil {
		t.Fatalf("decode %s payload: %v", env.Type, err)
	}
	return out
}

func TestWSGateway_SendBeforeHelloRejected(t *testing.T) {
	f := newWSFixture(t, nil)
	conn := mustDial(t, f.srv.URL)

	writeEnvelopeWS(t, conn, v1.TypeMessageSend, v1.MessageSendPayload{ClientMsgID: "c1", Text: "hi"})
	errEnv := readUntilType(t, conn, v1.TypeError, 2)
	if p := decodePayload[v1.ErrorPayload](t, errEnv); p.Code != "not_ready" {
		t.Fatalf("code=%q want=not_ready", p.Code)
	}
	if got := len(f.recv.snapshot()); got != 0 {
		t.Fatalf("received=%d want=0", got)
	}
}

func TestWSGateway_HelloSendFlushAndNotify(t *testing.T) {
	f := newWSFixture(t, nil)
	conn := mustDial(t, f.srv.URL)

	writeEnvelopeWS(t, conn, v1.TypeHello, v1.HelloPayload{UserID: "u1"})
	ack := decodePayload[v1.HelloAckPayload](t, readUntilType(t, conn, v1.TypeHelloAck, 2))
	if ack.UserID != "u1" || ack.SessionID == "" {
		t.Fatalf("hello ack=%+v", ack)
	}

	writeEnvelopeWS(t, conn, v1.TypeMessageSend, v1.MessageSendPayload{ClientMsgID: "c1", Text: "  hello there  "})
	msgAck := decodePayload[v1.MessageAckPayload](t, readUntilType(t, conn, v1.TypeMessageAck, 2))
	if msgAck.ClientMsgID != "c1" || msgAck.Action != "admit" {
		t.Fatalf("message ack=%+v", msgAck)
	}
	got := f.recv.snapshot()
	if len(got) != 1 || got[0].UserID != "u1" || got[0].Content != "hello there" {
		t.Fatalf("received=%+v", got)
	}

	writeEnvelopeWS(t, conn, v1.TypeBatchFlush, v1.BatchFlushPayload{})
	flush := decodePayload[v1.BatchFlushAckPayload](t, readUntilType(t, conn, v1.TypeBatchFlushAck, 2))
	if !flush.Flushed || flush.BatchID != "batch-u1" {
		t.Fatalf("flush ack=%+v", flush)
	}

	if err := f.hub.Notify(context.Background(), "u1", "reply text"); err != nil {
		t.Fatalf("notify: %v", err)
	}
	note := decodePayload[v1.NotifyPayload](t, readUntilType(t, conn, v1.TypeNotify, 2))
	if note.Text != "reply text" {
		t.Fatalf("notify=%q", note.Text)
	}
}

func TestWSGateway_ServiceErrorsMapToCodes(t *testing.T) {
	f := newWSFixture(t, nil)
	f.recv.errs["dup"] = batching.ErrDuplicate
	f.recv.errs["limited"] = batching.ErrAdmissionRejected
	f.recv.errs["full"] = &batching.BufferFullError{UserID: "u1"}

	conn := mustDial(t, f.srv.URL)
	writeEnvelopeWS(t, conn, v1.TypeHello, v1.HelloPayload{UserID: "u1"})
	readUntilType(t, conn, v1.TypeHelloAck, 2)

	for id, want := range map[string]string{"dup": "duplicate", "limited": "rate_limited", "full": "buffer_full"} {
		writeEnvelopeWS(t, conn, v1.TypeMessageSend, v1.MessageSendPayload{ClientMsgID: id, Text: "x"})
		p := decodePayload[v1.ErrorPayload](t, readUntilType(t, conn, v1.TypeError, 2))
		if p.Code != want {
			t.Fatalf("%s: code=%q want=%q", id, p.Code, want)
		}
	}

	writeEnvelopeWS(t, conn, v1.TypeMessageSend, v1.MessageSendPayload{ClientMsgID: "long", Text: strings.Repeat("a", maxMessageChars+1)})
	if p := decodePayload[v1.ErrorPayload](t, readUntilType(t, conn, v1.TypeError, 2)); p.Code != "too_long" {
		t.Fatalf("code=%q want=too_long", p.Code)
	}
}

func TestWSGateway_HistoryFetch(t *testing.T) {
	f := newWSFixture(t, nil)
	now := time.Now().UTC()
	if err := f.hist.AddMessages(context.Background(), "u1", []history.Entry{
		{Role: history.RoleUser, Content: "q", Timestamp: now.Add(-2 * time.Minute)},
		{Role: history.RoleAssistant, Content: "a", Timestamp: now.Add(-time.Minute)},
	}); err != nil {
		t.Fatalf("seed history: %v", err)
	}

	conn := mustDial(t, f.srv.URL)
	writeEnvelopeWS(t, conn, v1.TypeHello, v1.HelloPayload{UserID: "u1"})
	readUntilType(t, conn, v1.TypeHelloAck, 2)

	writeEnvelopeWS(t, conn, v1.TypeHistoryFetch, v1.HistoryFetchPayload{Limit: 10})
	chunk := decodePayload[v1.HistoryChunkPayload](t, readUntilType(t, conn, v1.TypeHistoryChunk, 2))
	if len(chunk.Entries) != 2 || chunk.Entries[0].Content != "q" || chunk.Entries[1].Role != "assistant" {
		t.Fatalf("entries=%+v", chunk.Entries)
	}
}

func TestWSGateway_SignedHello(t *testing.T) {
	v, err := signature.NewVerifier("ws-hello-shared-secret", signature.MinSecretBytes)
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}
	f := newWSFixture(t, v)

	good := mustDial(t, f.srv.URL)
	writeEnvelopeWS(t, good, v1.TypeHello, v1.HelloPayload{UserID: "u1", Signature: v.Sign([]byte("u1"))})
	readUntilType(t, good, v1.TypeHelloAck, 2)

	bad := mustDial(t, f.srv.URL)
	writeEnvelopeWS(t, bad, v1.TypeHello, v1.HelloPayload{UserID: "u1", Signature: v.Sign([]byte("u2"))})

	// The error frame races the policy close; either proves the rejection.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		_, b, err := bad.Read(ctx)
		if err != nil {
			if got := websocket.CloseStatus(err); got != websocket.StatusPolicyViolation {
				t.Fatalf("close status=%v want=%v (err=%v)", got, websocket.StatusPolicyViolation, err)
			}
			break
		}
		var env v1.Envelope
		if err := json.Unmarshal(b, &env); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if env.Type == v1.TypeHelloAck {
			t.Fatalf("bad signature was acknowledged")
		}
		if env.Type == v1.TypeError {
			if p := decodePayload[v1.ErrorPayload](t, env); p.Code != "hello_failed" {
				t.Fatalf("code=%q want=hello_failed", p.Code)
			}
			break
		}
	}
	if f.hub.Sessions("u1") != 1 {
		t.Fatalf("sessions=%d want=1", f.hub.Sessions("u1"))
	}
}

func TestWSGateway_OriginRequiredRejectsMissingOrigin(t *testing.T) {
	t.Setenv("BATCHD_WS_ORIGIN_REQUIRED", "true")
	t.Setenv("BATCHD_WS_ALLOWED_ORIGINS", "http://localhost")

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	gw := NewWSGateway(log, nil, newFakeReceiver(), nil, nil)
	srv := httptest.NewServer(gw)
	defer srv.Close()

	_, resp, err := dialWS(t, srv.URL, "")
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err == nil {
		t.Fatalf("expected handshake failure")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got resp=%v err=%v", resp, err)
	}

	_, resp, err = dialWS(t, srv.URL, "http://evil.example")
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err == nil || resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for foreign origin, err=%v", err)
	}
}

func TestDeriveOriginPatterns(t *testing.T) {
	t.Parallel()

	got := deriveOriginPatternsFromAllowedOrigins([]string{"http://localhost:3000", "https://App.example.com", "*", "http://localhost"})
	want := []string{"app.example.com", "localhost"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("patterns=%v want=%v", got, want)
	}
}
