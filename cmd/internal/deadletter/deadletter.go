// Package deadletter provides sinks for batches that exhausted their retries.
package deadletter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"batchd/cmd/internal/retry"

	"github.com/nats-io/nats.go"
)

// DefaultSubject is the NATS subject dead-lettered batches are published on.
const DefaultSubject = "batchd.deadletter"

// Record is the wire form of a dead-lettered batch.
type Record struct {
	UserID   string       `json:"user_id"`
	BatchID  string       `json:"batch_id"`
	Attempts int          `json:"attempts"`
	Error    string       `json:"error"`
	FailedAt time.Time    `json:"failed_at"`
	Items    []RecordItem `json:"items"`
}

// RecordItem is one message of a dead-lettered batch.
type RecordItem struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	ArrivedAt time.Time `json:"arrived_at"`
}

// NewRecord converts a retry failure to its wire form.
func NewRecord(f retry.Failure) Record {
	r := Record{
		UserID:   f.UserID,
		BatchID:  f.BatchID,
		Attempts: f.Attempts,
		FailedAt: f.FailedAt.UTC(),
		Items:    make([]RecordItem, 0, len(f.Items)),
	}
	if f.Err != nil {
		r.Error = f.Err.Error()
	}
	for _, it := range f.Items {
		r.Items = append(r.Items, RecordItem{ID: it.ID, Content: it.Content, ArrivedAt: it.ArrivedAt.UTC()})
	}
	return r
}

// Publisher is the subset of *nats.Conn used by NATSSink.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSSink publishes dead-lettered batches as JSON records.
type NATSSink struct {
	pub     Publisher
	subject string
	log     *slog.Logger
}

// NewNATSSink constructs a NATSSink. An empty subject uses DefaultSubject.
func NewNATSSink(pub Publisher, subject string, log *slog.Logger) (*NATSSink, error) {
	if pub == nil {
		return nil, errors.New("deadletter: nil publisher")
	}
	if subject == "" {
		subject = DefaultSubject
	}
	if log == nil {
		log = slog.Default()
	}
	return &NATSSink{pub: pub, subject: subject, log: log}, nil
}

// Handle publishes f. It satisfies retry.DeadLetterFunc via a method value.
func (s *NATSSink) Handle(ctx context.Context, f retry.Failure) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(NewRecord(f))
	if err != nil {
		return fmt.Errorf("deadletter: encode: %w", err)
	}
	if err := s.pub.Publish(s.subject, data); err != nil {
		return fmt.Errorf("deadletter: publish: %w", err)
	}
	s.log.Info("deadletter.published",
		"subject", s.subject,
		"user_id", f.UserID,
		"batch_id", f.BatchID,
		"batch_size", len(f.Items),
	)
	return nil
}

// Connect dials NATS with reconnect settings suited to a long-running service.
func Connect(url, name string, log *slog.Logger) (*nats.Conn, error) {
	if log == nil {
		log = slog.Default()
	}
	return nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("nats.disconnected", "err", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("nats.reconnected", "url", c.ConnectedUrl())
		}),
	)
}

// LogSink records dead-lettered batches in the service log. It is used when
// no broker is configured.
type LogSink struct {
	log *slog.Logger
}

// NewLogSink constructs a LogSink.
func NewLogSink(log *slog.Logger) *LogSink {
	if log == nil {
		log = slog.Default()
	}
	return &LogSink{log: log}
}

// Handle logs f at error level.
func (s *LogSink) Handle(ctx context.Context, f retry.Failure) error {
	ids := make([]string, 0, len(f.Items))
	for _, it := range f.Items {
		ids = append(ids, it.ID)
	}
	s.log.ErrorContext(ctx, "deadletter.logged",
		"user_id", f.UserID,
		"batch_id", f.BatchID,
		"attempts", f.Attempts,
		"message_ids", ids,
		"err", f.Err,
	)
	return nil
}
