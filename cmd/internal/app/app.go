// Package app wires the batchd server runtime: config, logging, storage, the
// batching service, HTTP routes, and realtime ingress.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"batchd/cmd/internal/batching"
	"batchd/cmd/internal/deadletter"
	"batchd/cmd/internal/dedupe"
	"batchd/cmd/internal/history"
	"batchd/cmd/internal/hooks"
	"batchd/cmd/internal/metrics"
	"batchd/cmd/internal/processor"
	"batchd/cmd/internal/realtime"
	"batchd/cmd/internal/retry"
	"batchd/cmd/security/signature"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

// Store is a small app-level lifecycle abstraction.
// It exists to allow DB-backed resources to be closed gracefully.
type Store interface {
	Close(ctx context.Context) error
}

// nopStore is used for in-memory store mode.
type nopStore struct{}

func (nopStore) Close(_ context.Context) error { return nil }

// pruner is implemented by dedupe stores that expire old ids.
type pruner interface {
	Prune(ctx context.Context, maxAge time.Duration) (int, error)
}

// App is the batchd runtime: it owns the HTTP server, the batching service,
// and their storage and broker dependencies.
type App struct {
	cfg Config
	log Logger

	store Store

	dbPool    *pgxpool.Pool
	dbEnabled bool

	history history.Store
	dedupe  dedupe.Store
	nc      *nats.Conn

	svc     *batching.Service
	hub     *realtime.Hub
	ws      *realtime.WSGateway
	webhook *realtime.WebhookHandler

	registry *prometheus.Registry
}

// New constructs a fully wired App instance from config and logger.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat, cfg.LogColor)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	verifier, err := ValidateSecurityConfig(cfg)
	if err != nil {
		return nil, err
	}

	ctx := context.Background()
	st, stores, err := newStores(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	a := &App{
		cfg:       cfg,
		log:       log,
		store:     st,
		dbPool:    stores.pool,
		dbEnabled: stores.pool != nil,
		history:   stores.history,
		dedupe:    stores.dedupe,
		registry:  metrics.NewRegistry(),
	}

	if err := a.wire(verifier); err != nil {
		a.closeResources(ctx)
		return nil, err
	}
	return a, nil
}

func (a *App) wire(verifier *signature.Verifier) error {
	collector, err := metrics.New(a.registry)
	if err != nil {
		return err
	}

	bcfg := a.cfg.Batching
	sink, err := a.deadLetterSink()
	if err != nil {
		return err
	}
	bcfg.ErrorHandling.DeadLetter = sink

	proc, err := a.newProcessor(verifier)
	if err != nil {
		return err
	}

	a.hub = realtime.NewHub(a.log, batching.LogNotifier{Log: a.log})

	timingPre, timingPost := hooks.Timing(collector.ObserveAttempt)
	pre := []hooks.Hook{hooks.Logging(a.log, "pre"), timingPre}
	post := []hooks.Hook{timingPost, hooks.Logging(a.log, "post")}

	a.svc, err = batching.New(bcfg, proc,
		batching.WithLogger(a.log),
		batching.WithNotifier(a.hub),
		batching.WithHistory(a.history),
		batching.WithDedupe(a.dedupe),
		batching.WithObserver(collector),
		batching.WithHooks(pre, post),
	)
	if err != nil {
		return err
	}

	if err := metrics.RegisterPendingGauge(a.registry, "pending_messages", "Messages buffered across all users",
		func() float64 { return float64(a.svc.Stats().PendingMessages) }); err != nil {
		return err
	}
	if err := metrics.RegisterPendingGauge(a.registry, "active_users", "Users with a non-empty buffer",
		func() float64 { return float64(a.svc.Stats().ActiveUsers) }); err != nil {
		return err
	}

	a.ws = realtime.NewWSGateway(a.log, a.hub, a.svc, a.history, verifier)
	a.webhook = realtime.NewWebhookHandler(a.log, a.svc, verifier)
	return nil
}

func (a *App) deadLetterSink() (retry.DeadLetterFunc, error) {
	if a.cfg.NATSURL == "" {
		a.log.Info("deadletter.sink", "kind", "log")
		return deadletter.NewLogSink(a.log).Handle, nil
	}

	nc, err := deadletter.Connect(a.cfg.NATSURL, "batchd", a.log)
	if err != nil {
		return nil, fmt.Errorf("deadletter: connect: %w", err)
	}
	a.nc = nc

	sink, err := deadletter.NewNATSSink(nc, a.cfg.NATSSubject, a.log)
	if err != nil {
		return nil, err
	}
	a.log.Info("deadletter.sink", "kind", "nats", "subject", a.cfg.NATSSubject)
	return sink.Handle, nil
}

func (a *App) newProcessor(verifier *signature.Verifier) (batching.Processor, error) {
	if a.cfg.ProcessorURL == "" {
		a.log.Info("processor.echo")
		return processor.Echo{}, nil
	}
	a.log.Info("processor.http", "url", a.cfg.ProcessorURL)
	return processor.NewHTTP(a.cfg.ProcessorURL,
		processor.WithClient(&http.Client{Timeout: a.cfg.ProcessorTimeout}),
		processor.WithSigner(verifier),
	)
}

// Service returns the batching service.
func (a *App) Service() *batching.Service { return a.svc }

// Handler returns the full HTTP handler chain.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	registerHTTP(mux, routes{
		log:       a.log,
		cfg:       a.cfg,
		dbPool:    a.dbPool,
		dbEnabled: a.dbEnabled,
		svc:       a.svc,
		ws:        a.ws,
		webhook:   a.webhook,
		registry:  a.registry,
	})
	return WithRequestLogging(WithCORS(mux, a.cfg, a.log), a.log)
}

// Run starts the HTTP server and the history janitor, and blocks until context
// cancellation or a fatal server error. Pending batches are flushed on exit.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	base := runtimeBaseURL(a.cfg.HTTPAddr)
	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"base_url", base,
		"ws_url", wsBaseURL(base)+"/ws",
		"db_enabled", a.dbEnabled,
		"backpressure", a.cfg.Batching.Backpressure.String(),
		"single_flight", a.cfg.Batching.SingleFlight,
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("server.fail", "err", err)
			return err
		}
		return nil
	})

	if !a.cfg.DisableHistoryJanitor && a.cfg.Batching.HistoryMaxAge > 0 {
		g.Go(func() error {
			a.runJanitor(gctx, a.cfg.HistoryJanitorEvery)
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("server.stop", "reason", "context_done")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), nonZeroDuration(a.cfg.ShutdownTimeout, 15*time.Second))
		defer cancel()

		var errs []error
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.log.Error("server.shutdown.fail", "err", err)
			errs = append(errs, err)
		}
		if err := a.svc.Shutdown(shutdownCtx); err != nil {
			a.log.Error("batching.shutdown.fail", "err", err)
			errs = append(errs, err)
		}
		return errors.Join(errs...)
	})

	err := g.Wait()
	a.closeResources(context.Background())
	a.log.Info("server.stopped")
	return err
}

// runJanitor trims expired history and processed ids until ctx ends.
func (a *App) runJanitor(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			a.sweep(ctx)
		}
	}
}

func (a *App) sweep(ctx context.Context) {
	maxAge := a.cfg.Batching.HistoryMaxAge

	n, err := a.history.CleanupExpired(ctx, maxAge)
	if err != nil {
		a.log.Warn("history.janitor.fail", "err", err)
	} else if n > 0 {
		a.log.Info("history.janitor", "removed", n)
	}

	if p, ok := a.dedupe.(pruner); ok {
		n, err := p.Prune(ctx, maxAge)
		if err != nil {
			a.log.Warn("dedupe.prune.fail", "err", err)
		} else if n > 0 {
			a.log.Info("dedupe.prune", "removed", n)
		}
	}
}

func (a *App) closeResources(ctx context.Context) {
	if a.nc != nil {
		if err := a.nc.Drain(); err != nil {
			a.log.Warn("nats.drain.fail", "err", err)
		}
	}
	if err := a.store.Close(ctx); err != nil {
		a.log.Error("store.close.fail", "err", err)
	}
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

type storeSet struct {
	pool    *pgxpool.Pool
	history history.Store
	dedupe  dedupe.Store
}

// newStores decides between Postgres-backed persistence and in-memory stores.
func newStores(ctx context.Context, cfg Config, log Logger) (Store, storeSet, error) {
	if cfg.DatabaseURL == "" {
		log.Info("db.disabled.inmemory_store")
		return nopStore{}, storeSet{
			history: history.NewInMemoryStore(history.WithMaxPerUser(cfg.HistoryMaxPerUser)),
			dedupe:  dedupe.NewLRUStore(cfg.DedupeMaxPerUser),
		}, nil
	}

	pool, err := NewDBPool(ctx, cfg)
	if err != nil {
		return nil, storeSet{}, err
	}

	log.Info("db.enabled.postgres_store", "schema", cfg.DBSchema)

	// Ownership model:
	// - app owns pool lifecycle
	// - PostgresStore.Close() is a no-op
	hist, err := history.NewPostgresStore(pool,
		history.WithSchema(cfg.DBSchema),
		history.WithPostgresMaxPerUser(cfg.HistoryMaxPerUser),
	)
	if err != nil {
		pool.Close()
		return nil, storeSet{}, err
	}
	dd, err := dedupe.NewPostgresStore(pool, dedupe.WithSchema(cfg.DBSchema))
	if err != nil {
		pool.Close()
		return nil, storeSet{}, err
	}

	for _, ensure := range []func(context.Context) error{hist.EnsureSchema, dd.EnsureSchema} {
		if err := ensure(ctx); err != nil {
			pool.Close()
			return nil, storeSet{}, err
		}
	}

	return dbStore{pool: pool, history: hist}, storeSet{pool: pool, history: hist, dedupe: dd}, nil
}

type dbStore struct {
	pool    *pgxpool.Pool
	history history.Store
}

func (s dbStore) Close(_ context.Context) error {
	if s.history != nil {
		_ = s.history.Close()
	}
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}
