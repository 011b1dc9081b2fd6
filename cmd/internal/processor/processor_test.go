package processor

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"batchd/cmd/internal/batching"
	"batchd/cmd/internal/buffer"
	"batchd/cmd/internal/history"
	"batchd/cmd/internal/hooks"
	"batchd/cmd/internal/retry"
	"batchd/cmd/security/signature"
)

func sampleRequest() batching.Request {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	items := []buffer.Item{
		{ID: "m1", Content: "hello", ArrivedAt: now},
		{ID: "m2", Content: "are you there?", ArrivedAt: now.Add(time.Second)},
	}
	bc := hooks.NewBatchContext("u1", "b1", items, now)
	bc.Put(hooks.MetaDrainReason, "silence")
	return batching.Request{
		UserID:  "u1",
		BatchID: "b1",
		Items:   items,
		History: []history.Entry{{Role: history.RoleAssistant, Content: "hi!", Timestamp: now.Add(-time.Minute)}},
		Batch:   bc,
	}
}

func TestEcho_JoinsBatch(t *testing.T) {
	t.Parallel()

	got, err := Echo{}.Process(context.Background(), sampleRequest())
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	want := "received 2 messages: hello | are you there?"
	if got.Content != want {
		t.Fatalf("reply=%q want=%q", got.Content, want)
	}
}

func TestHTTP_PostsBatchAndReadsReply(t *testing.T) {
	t.Parallel()

	v, err := signature.NewVerifier("processor-shared-secret", signature.MinSecretBytes)
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		if err := v.Verify(r.Header.Get(signature.Header), raw); err != nil {
			http.Error(w, "bad signature", http.StatusUnauthorized)
			return
		}
		var body wireRequest
		if err := json.Unmarshal(raw, &body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if body.UserID != "u1" || len(body.Messages) != 2 || len(body.History) != 1 {
			http.Error(w, "unexpected body", http.StatusBadRequest)
			return
		}
		if body.Metadata["drain_reason"] != "silence" {
			http.Error(w, "missing metadata", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(wireResponse{Reply: "got " + body.Messages[1].Content})
	}))
	defer srv.Close()

	p, err := NewHTTP(srv.URL, WithSigner(v), WithClient(srv.Client()))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	got, err := p.Process(context.Background(), sampleRequest())
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if got.Content != "got are you there?" {
		t.Fatalf("reply=%q", got.Content)
	}
}

func TestHTTP_StatusClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		status    int
		permanent bool
	}{
		{"server error", http.StatusBadGateway, false},
		{"throttled", http.StatusTooManyRequests, false},
		{"timeout", http.StatusRequestTimeout, false},
		{"bad request", http.StatusBadRequest, true},
		{"unauthorized", http.StatusUnauthorized, true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				http.Error(w, "nope", tt.status)
			}))
			defer srv.Close()

			p, err := NewHTTP(srv.URL)
			if err != nil {
				t.Fatalf("new: %v", err)
			}
			_, err = p.Process(context.Background(), sampleRequest())
			var herr *HTTPError
			if !errors.As(err, &herr) || herr.Status != tt.status {
				t.Fatalf("err=%v want HTTPError %d", err, tt.status)
			}
			if got := retry.IsPermanent(err); got != tt.permanent {
				t.Fatalf("permanent=%v want=%v", got, tt.permanent)
			}
		})
	}
}

func TestHTTP_EmptyBodyIsEmptyReply(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	p, err := NewHTTP(srv.URL)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	got, err := p.Process(context.Background(), sampleRequest())
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if got.Content != "" {
		t.Fatalf("reply=%q want empty", got.Content)
	}
}

func TestNewHTTP_RejectsEmptyURL(t *testing.T) {
	t.Parallel()

	if _, err := NewHTTP("  "); err == nil {
		t.Fatalf("expected error")
	}
}
