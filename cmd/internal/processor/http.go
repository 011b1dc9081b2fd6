package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"batchd/cmd/internal/batching"
	"batchd/cmd/internal/retry"
	"batchd/cmd/security/signature"
)

const maxResponseBytes = 1 << 20

// HTTPError is a non-2xx answer from the remote processor.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("processor: http %d: %s", e.Status, e.Body)
}

// Retryable reports whether the status may succeed on a later attempt.
func (e *HTTPError) Retryable() bool {
	return e.Status >= 500 || e.Status == http.StatusTooManyRequests || e.Status == http.StatusRequestTimeout
}

type wireMessage struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	ArrivedAt time.Time `json:"arrived_at"`
}

type wireTurn struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

type wireRequest struct {
	UserID     string         `json:"user_id"`
	BatchID    string         `json:"batch_id"`
	RetryCount int            `json:"retry_count"`
	Messages   []wireMessage  `json:"messages"`
	History    []wireTurn     `json:"history"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

type wireResponse struct {
	Reply string `json:"reply"`
}

// HTTP posts each batch as JSON to a remote endpoint and reads {"reply": "..."}.
type HTTP struct {
	url    string
	client *http.Client
	signer *signature.Verifier
}

// HTTPOption configures HTTP.
type HTTPOption func(*HTTP)

// WithClient replaces the default client.
func WithClient(c *http.Client) HTTPOption {
	return func(h *HTTP) {
		if c != nil {
			h.client = c
		}
	}
}

// WithSigner signs request bodies with the signature header.
func WithSigner(v *signature.Verifier) HTTPOption {
	return func(h *HTTP) { h.signer = v }
}

// NewHTTP constructs an HTTP processor for url.
func NewHTTP(url string, opts ...HTTPOption) (*HTTP, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, errors.New("processor: empty url")
	}
	h := &HTTP{
		url:    url,
		client: &http.Client{Timeout: 120 * time.Second},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h, nil
}

// Process sends the batch. Client errors other than 408 and 429 are permanent.
func (h *HTTP) Process(ctx context.Context, req batching.Request) (batching.Reply, error) {
	body := wireRequest{
		UserID:   req.UserID,
		BatchID:  req.BatchID,
		Messages: make([]wireMessage, 0, len(req.Items)),
		History:  make([]wireTurn, 0, len(req.History)),
	}
	if req.Batch != nil {
		body.RetryCount = req.Batch.RetryCount
		body.Metadata = req.Batch.Metadata()
	}
	for _, it := range req.Items {
		body.Messages = append(body.Messages, wireMessage{ID: it.ID, Content: it.Content, ArrivedAt: it.ArrivedAt})
	}
	for _, e := range req.History {
		body.History = append(body.History, wireTurn{Role: string(e.Role), Content: e.Content, Timestamp: e.Timestamp})
	}

	data, err := json.Marshal(body)
	if err != nil {
		return batching.Reply{}, retry.Permanent(fmt.Errorf("processor: marshal request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(data))
	if err != nil {
		return batching.Reply{}, retry.Permanent(fmt.Errorf("processor: create request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if sig := h.signer.Sign(data); sig != "" {
		httpReq.Header.Set(signature.Header, sig)
	}

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return batching.Reply{}, fmt.Errorf("processor: request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return batching.Reply{}, fmt.Errorf("processor: read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		herr := &HTTPError{Status: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
		if herr.Retryable() {
			return batching.Reply{}, herr
		}
		return batching.Reply{}, retry.Permanent(herr)
	}

	if len(bytes.TrimSpace(raw)) == 0 || resp.StatusCode == http.StatusNoContent {
		return batching.Reply{}, nil
	}
	var out wireResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return batching.Reply{}, fmt.Errorf("processor: decode response: %w", err)
	}
	return batching.Reply{Content: out.Reply}, nil
}
