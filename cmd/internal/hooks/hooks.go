package hooks

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Hook runs before or after the processor for one attempt.
type Hook interface {
	Execute(ctx context.Context, bc *BatchContext) error
}

// HookFunc adapts a function to Hook.
type HookFunc func(ctx context.Context, bc *BatchContext) error

// Execute calls f.
func (f HookFunc) Execute(ctx context.Context, bc *BatchContext) error { return f(ctx, bc) }

// Compose chains hooks in declaration order, stopping at the first error.
func Compose(hs ...Hook) Hook {
	list := make([]Hook, 0, len(hs))
	for _, h := range hs {
		if h != nil {
			list = append(list, h)
		}
	}
	return HookFunc(func(ctx context.Context, bc *BatchContext) error {
		for _, h := range list {
			if err := h.Execute(ctx, bc); err != nil {
				return err
			}
		}
		return nil
	})
}

// NoOp does nothing.
func NoOp() Hook {
	return HookFunc(func(context.Context, *BatchContext) error { return nil })
}

// Logging logs each attempt at debug level.
func Logging(log *slog.Logger, stage string) Hook {
	if log == nil {
		log = slog.Default()
	}
	return HookFunc(func(ctx context.Context, bc *BatchContext) error {
		log.DebugContext(ctx, "hook."+stage,
			"user_id", bc.UserID,
			"batch_id", bc.BatchID,
			"batch_size", bc.BatchSize(),
			"retry_count", bc.RetryCount,
		)
		return nil
	})
}

const timingStartKey = "_timing_start"

// Timing returns a pre/post pair that measures processor latency per attempt
// and hands it to record.
func Timing(record func(userID string, d time.Duration)) (pre, post Hook) {
	pre = HookFunc(func(_ context.Context, bc *BatchContext) error {
		bc.Put(timingStartKey, time.Now())
		return nil
	})
	post = HookFunc(func(_ context.Context, bc *BatchContext) error {
		start, ok := GetAs[time.Time](bc, timingStartKey)
		if !ok || record == nil {
			return nil
		}
		record(bc.UserID, time.Since(start))
		return nil
	})
	return pre, post
}

// Pipeline holds the configured pre and post hooks.
type Pipeline struct {
	Pre  []Hook
	Post []Hook

	log *slog.Logger
}

// NewPipeline constructs a Pipeline.
func NewPipeline(log *slog.Logger, pre, post []Hook) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{Pre: pre, Post: post, log: log}
}

// RunPre executes pre hooks in order. The first error aborts the attempt and
// is returned unchanged so callers can tell interruption from failure.
func (p *Pipeline) RunPre(ctx context.Context, bc *BatchContext) error {
	if p == nil {
		return nil
	}
	for _, h := range p.Pre {
		if h == nil {
			continue
		}
		if err := h.Execute(ctx, bc); err != nil {
			return err
		}
	}
	return nil
}

// RunPost executes every post hook. Errors are logged and joined but never stop
// the remaining hooks: the response has already been produced.
func (p *Pipeline) RunPost(ctx context.Context, bc *BatchContext) error {
	if p == nil {
		return nil
	}
	var errs []error
	for _, h := range p.Post {
		if h == nil {
			continue
		}
		if err := h.Execute(ctx, bc); err != nil {
			p.log.WarnContext(ctx, "hook.post.fail", "user_id", bc.UserID, "batch_id", bc.BatchID, "err", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
