package batching

import (
	"context"
	"log/slog"
	"time"

	"batchd/cmd/internal/backpressure"
	"batchd/cmd/internal/buffer"
	"batchd/cmd/internal/history"
	"batchd/cmd/internal/hooks"
)

// Inbound is one message handed to Receive.
type Inbound struct {
	UserID    string
	MessageID string
	Content   string
	// ReceivedAt defaults to the service clock.
	ReceivedAt time.Time
}

// Receipt describes how an admitted message was buffered.
type Receipt struct {
	MessageID string
	Action    backpressure.Action
	// EvictedID is set when DROP_OLDEST made room.
	EvictedID string
	// FlushedBatch is set when FLUSH_AND_ACCEPT dispatched the previous contents.
	FlushedBatch string
}

// Request is the input of one processor call.
type Request struct {
	UserID  string
	BatchID string
	Items   []buffer.Item
	// History is the user's recent conversation, oldest first.
	History []history.Entry
	Batch   *hooks.BatchContext
}

// Reply is the processor's answer for a batch.
type Reply struct {
	// Content is delivered to the user and logged as the assistant turn. Empty
	// content is neither delivered nor logged.
	Content string
}

// Processor turns a batch into a reply.
type Processor interface {
	Process(ctx context.Context, req Request) (Reply, error)
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, req Request) (Reply, error)

// Process calls f.
func (f ProcessorFunc) Process(ctx context.Context, req Request) (Reply, error) { return f(ctx, req) }

// Notifier delivers text to a user out of band.
type Notifier interface {
	Notify(ctx context.Context, userID, text string) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, userID, text string) error

// Notify calls f.
func (f NotifierFunc) Notify(ctx context.Context, userID, text string) error { return f(ctx, userID, text) }

// LogNotifier writes notifications to the log. It is the default Notifier.
type LogNotifier struct {
	Log *slog.Logger
}

// Notify logs text.
func (n LogNotifier) Notify(ctx context.Context, userID, text string) error {
	log := n.Log
	if log == nil {
		log = slog.Default()
	}
	log.InfoContext(ctx, "notify.log", "user_id", userID, "text", text)
	return nil
}

// Batch outcomes reported to the Observer.
const (
	OutcomeProcessed    = "processed"
	OutcomeInterrupted  = "interrupted"
	OutcomeDeadLettered = "dead_lettered"
	OutcomeFailed       = "failed"
	OutcomeDropped      = "dropped"
)

// Rejection reasons reported to the Observer.
const (
	RejectDuplicate    = "duplicate"
	RejectRateLimited  = "rate_limited"
	RejectBufferFull   = "buffer_full"
	RejectShuttingDown = "shutting_down"
	RejectInvalid      = "invalid"
)

// Observer receives pipeline events, typically for metrics.
type Observer interface {
	Admitted()
	Rejected(reason string)
	Backpressure(strategy, action string)
	Retried()
	BatchFinished(outcome string, size int, d time.Duration)
}

type nopObserver struct{}

func (nopObserver) Admitted() {}
func (nopObserver) Rejected(string) {}
func (nopObserver) Backpressure(string, string) {}
func (nopObserver) Retried() {}
func (nopObserver) BatchFinished(string, int, time.Duration) {}
