package app

import (
	"context"
	"os/signal"
	"syscall"
)

// Run is the CLI entrypoint used by `batchd serve`.
// It returns an error instead of calling os.Exit to keep defers effective and lint clean.
func Run(cfg Config) error {
	log := NewLogger(cfg.LogLevel, cfg.LogFormat, cfg.LogColor)

	a, err := New(cfg, log)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return a.Run(ctx)
}
