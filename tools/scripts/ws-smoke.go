// Package main provides a CI-friendly WebSocket smoke test for batchd realtime.
//
// It validates:
//   - handshake + subprotocol selection
//   - hello/ack session establishment (signed when -secret is set)
//   - send -> ack for a burst of messages
//   - the burst is delivered as one batch reply to every session of the user
//   - explicit batch_flush
//   - duplicate rejection by client_msg_id
//   - history fetch
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"batchd/cmd/security/signature"
	v1 "batchd/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

const (
	maxReadBytes = 1 << 20 // 1MiB
)

type smokeClient struct {
	name      string
	conn      *websocket.Conn
	sessionID string

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		wsURL   = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		userID  = flag.String("user", fmt.Sprintf("smoke-%d", time.Now().UnixNano()), "User ID to bind")
		secret  = flag.String("secret", os.Getenv(signature.SecretEnvKey), "Shared secret for the hello signature")
		burst   = flag.Int("burst", 3, "Messages sent before waiting for the batch reply")
		timeout = flag.Duration("timeout", 15*time.Second, "Per-step timeout (must exceed the adaptive window)")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}
	if *burst <= 0 {
		fatalf("invalid -burst: %d", *burst)
	}

	sig := ""
	if strings.TrimSpace(*secret) != "" {
		sig = signature.Sign([]byte(*userID), []byte(*secret))
	}

	root := context.Background()

	a := mustConnect(root, "A", *wsURL, *origin, *userID, sig, *timeout)
	defer closeWS(a.conn)

	b := mustConnect(root, "B", *wsURL, *origin, *userID, sig, *timeout)
	defer closeWS(b.conn)

	if *verbose {
		fmt.Printf("connected: A=%s B=%s user=%q origin=%q\n", a.sessionID, b.sessionID, *userID, *origin)
	}

	prefix := fmt.Sprintf("cmsg-%d", time.Now().UnixNano())
	for i := 0; i < *burst; i++ {
		mustSendAndAssertAck(root, a, fmt.Sprintf("%s-%d", prefix, i), fmt.Sprintf("burst %d", i), *timeout)
	}

	want := fmt.Sprintf("received %d", *burst)
	replyA := mustReadNotify(root, a, *timeout)
	replyB := mustReadNotify(root, b, *timeout)
	if !strings.Contains(replyA, want) || replyA != replyB {
		fatalf("batch reply mismatch: A=%q B=%q want substring %q", replyA, replyB, want)
	}
	if *verbose {
		fmt.Printf("batch reply: %q\n", replyA)
	}

	mustSendAndAssertAck(root, a, prefix+"-flush", "flush me", *timeout)
	mustFlush(root, a, *timeout)
	if got := mustReadNotify(root, a, *timeout); !strings.Contains(got, "flush me") {
		fatalf("flush reply mismatch: %q", got)
	}
	_ = mustReadNotify(root, b, *timeout)

	mustSendDuplicate(root, a, prefix+"-0", *timeout)

	n := mustHistoryFetch(root, b, 50, *timeout)
	if n < 2 {
		fatalf("history: got %d entries, want >= 2", n)
	}

	fmt.Printf("OK: A=%s B=%s user=%s history=%d\n", a.sessionID, b.sessionID, *userID, n)
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustConnect(parent context.Context, name, wsURL, origin, userID, sig string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	if err != nil {
		fatalf("connect %s: %v", name, err)
	}

	assertSubprotocol(resp, v1.Subprotocol)

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:  name,
		conn:  conn,
		inbox: make(chan v1.Envelope, 512),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()

	c.mustWrite(parent, v1.TypeHello, v1.HelloPayload{UserID: userID, Signature: sig}, stepTimeout)

	ack := c.mustReadUntilType(parent, v1.TypeHelloAck, stepTimeout, nil)

	var p v1.HelloAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal hello_ack payload (%s): %v", name, err)
	}
	if strings.TrimSpace(p.SessionID) == "" {
		fatalf("hello_ack missing session_id (%s)", name)
	}
	if p.UserID != userID {
		fatalf("hello_ack user mismatch (%s): got=%q want=%q", name, p.UserID, userID)
	}
	c.sessionID = p.SessionID

	return c
}

func assertSubprotocol(resp *http.Response, want string) {
	if resp == nil {
		return
	}
	got := strings.TrimSpace(resp.Header.Get("Sec-WebSocket-Protocol"))
	if got == "" {
		return
	}
	if got != want {
		fatalf("subprotocol mismatch: got=%q want=%q", got, want)
	}
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				select {
				case c.errCh <- err:
				default:
				}
				return
			}

			if mt != websocket.MessageText && mt != websocket.MessageBinary {
				select {
				case c.errCh <- fmt.Errorf("unsupported message type: %v", mt):
				default:
				}
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad json: %w", err):
				default:
				}
				return
			}
			if err := env.Validate(); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad envelope: %w", err):
				default:
				}
				return
			}

			select {
			case c.inbox <- env:
			default:
				select {
				case c.errCh <- errors.New("inbox overflow: consumer too slow"):
				default:
				}
				return
			}
		}
	}()
}

func (c *smokeClient) mustWrite(parent context.Context, typ string, payload any, stepTimeout time.Duration) {
	env := v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      fmt.Sprintf("%s-%s-%d", c.name, typ, time.Now().UnixNano()),
		TS:      time.Now().UTC(),
		Payload: mustJSON(payload),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)
}

func mustSendAndAssertAck(parent context.Context, c *smokeClient, clientMsgID, text string, stepTimeout time.Duration) {
	c.mustWrite(parent, v1.TypeMessageSend, v1.MessageSendPayload{ClientMsgID: clientMsgID, Text: text}, stepTimeout)

	skip := map[string]struct{}{v1.TypeNotify: {}}
	ack := c.mustReadUntilType(parent, v1.TypeMessageAck, stepTimeout, skip)

	var p v1.MessageAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal message_ack payload: %v", err)
	}
	if p.ClientMsgID != clientMsgID {
		fatalf("message_ack client_msg_id mismatch: got=%q want=%q", p.ClientMsgID, clientMsgID)
	}
}

func mustReadNotify(parent context.Context, c *smokeClient, stepTimeout time.Duration) string {
	env := c.mustReadUntilType(parent, v1.TypeNotify, stepTimeout, nil)

	var p v1.NotifyPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal notify payload (%s): %v", c.name, err)
	}
	return p.Text
}

func mustFlush(parent context.Context, c *smokeClient, stepTimeout time.Duration) {
	c.mustWrite(parent, v1.TypeBatchFlush, v1.BatchFlushPayload{}, stepTimeout)

	skip := map[string]struct{}{v1.TypeNotify: {}}
	env := c.mustReadUntilType(parent, v1.TypeBatchFlushAck, stepTimeout, skip)

	var p v1.BatchFlushAckPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal batch_flush_ack payload: %v", err)
	}
	if !p.Flushed || p.BatchID == "" {
		fatalf("batch_flush_ack: nothing flushed: %+v", p)
	}
}

func mustSendDuplicate(parent context.Context, c *smokeClient, clientMsgID string, stepTimeout time.Duration) {
	c.mustWrite(parent, v1.TypeMessageSend, v1.MessageSendPayload{ClientMsgID: clientMsgID, Text: "again"}, stepTimeout)

	env := c.mustReadUntilType(parent, v1.TypeError, stepTimeout, nil)

	var p v1.ErrorPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal error payload: %v", err)
	}
	if p.Code != "duplicate" {
		fatalf("duplicate: got code=%q want=%q", p.Code, "duplicate")
	}
}

func mustHistoryFetch(parent context.Context, c *smokeClient, limit int, stepTimeout time.Duration) int {
	c.mustWrite(parent, v1.TypeHistoryFetch, v1.HistoryFetchPayload{Limit: limit}, stepTimeout)

	skip := map[string]struct{}{v1.TypeNotify: {}}
	env := c.mustReadUntilType(parent, v1.TypeHistoryChunk, stepTimeout, skip)

	var p v1.HistoryChunkPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal history_chunk payload: %v", err)
	}
	for i := 1; i < len(p.Entries); i++ {
		if p.Entries[i].Timestamp.Before(p.Entries[i-1].Timestamp) {
			fatalf("history: entries out of order at %d", i)
		}
	}
	return len(p.Entries)
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration, skipTypes map[string]struct{}) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if env.Type == wantType {
				return env
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			if skipTypes != nil {
				if _, ok := skipTypes[env.Type]; ok {
					continue
				}
			}
			fatalf("unexpected envelope type (%s): got=%q want=%q", c.name, env.Type, wantType)
		}
	}
}

func mustWriteWithTimeout(parent context.Context, conn *websocket.Conn, env v1.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
