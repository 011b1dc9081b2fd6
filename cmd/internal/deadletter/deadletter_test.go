package deadletter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"batchd/cmd/internal/buffer"
	"batchd/cmd/internal/retry"
)

type capturePublisher struct {
	subject string
	data    []byte
	err     error
}

func (p *capturePublisher) Publish(subject string, data []byte) error {
	p.subject = subject
	p.data = data
	return p.err
}

func failure() retry.Failure {
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	return retry.Failure{
		UserID:   "u1",
		BatchID:  "b1",
		Attempts: 4,
		Err:      errors.New("upstream 503"),
		FailedAt: at,
		Items: []buffer.Item{
			{ID: "m1", Content: "hello", ArrivedAt: at},
			{ID: "m2", Content: "world", ArrivedAt: at},
		},
	}
}

func quietLog() *slog.Logger { return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)) }

func TestNATSSink_PublishesRecord(t *testing.T) {
	t.Parallel()

	pub := &capturePublisher{}
	sink, err := NewNATSSink(pub, "", quietLog())
	if err != nil {
		t.Fatalf("new sink: %v", err)
	}

	if err := sink.Handle(context.Background(), failure()); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if pub.subject != DefaultSubject {
		t.Fatalf("subject=%q want=%q", pub.subject, DefaultSubject)
	}

	var rec Record
	if err := json.Unmarshal(pub.data, &rec); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rec.UserID != "u1" || rec.Attempts != 4 || rec.Error != "upstream 503" || len(rec.Items) != 2 {
		t.Fatalf("record=%+v", rec)
	}
	if rec.Items[1].ID != "m2" {
		t.Fatalf("item order lost: %+v", rec.Items)
	}
}

func TestNATSSink_PublishError(t *testing.T) {
	t.Parallel()

	pub := &capturePublisher{err: errors.New("nats: connection closed")}
	sink, _ := NewNATSSink(pub, "custom.dlq", quietLog())

	err := sink.Handle(context.Background(), failure())
	if err == nil || !strings.Contains(err.Error(), "publish") {
		t.Fatalf("err=%v want publish error", err)
	}
	if pub.subject != "custom.dlq" {
		t.Fatalf("subject=%q", pub.subject)
	}
}

func TestNewNATSSink_NilPublisher(t *testing.T) {
	t.Parallel()

	if _, err := NewNATSSink(nil, "", nil); err == nil {
		t.Fatalf("expected error for nil publisher")
	}
}

func TestLogSink_LogsIDs(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	sink := NewLogSink(slog.New(slog.NewJSONHandler(&buf, nil)))

	var fn retry.DeadLetterFunc = sink.Handle
	if err := fn(context.Background(), failure()); err != nil {
		t.Fatalf("handle: %v", err)
	}

	out := buf.String()
	for _, want := range []string{"deadletter.logged", `"user_id":"u1"`, "m1", "m2"} {
		if !strings.Contains(out, want) {
			t.Fatalf("log output missing %q: %s", want, out)
		}
	}
}
