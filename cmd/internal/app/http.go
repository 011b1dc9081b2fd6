package app

import (
	"encoding/json"
	"net/http"
	"time"

	"batchd/cmd/internal/batching"
	"batchd/cmd/internal/metrics"
	"batchd/cmd/internal/realtime"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

type routes struct {
	log       Logger
	cfg       Config
	dbPool    *pgxpool.Pool
	dbEnabled bool
	svc       *batching.Service
	ws        *realtime.WSGateway
	webhook   *realtime.WebhookHandler
	registry  *prometheus.Registry
}

func registerHTTP(mux *http.ServeMux, rt routes) {
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if rt.cfg.ReadinessRequireDB && !rt.dbEnabled {
			http.Error(w, "db not configured", http.StatusServiceUnavailable)
			return
		}

		if rt.dbEnabled && rt.dbPool != nil {
			if err := PingDB(r.Context(), rt.dbPool, 2*time.Second); err != nil {
				http.Error(w, "db not ready", http.StatusServiceUnavailable)
				rt.log.Info("readyz.db.not_ready", "err", err)
				return
			}
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	// /statsz is a JSON snapshot of the batching service for operators.
	mux.HandleFunc("/statsz", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(rt.svc.Stats())
	})

	if rt.registry != nil {
		mux.Handle("/metrics", metrics.Handler(rt.registry))
	}

	mux.Handle("/webhook", WithSecurityHeaders(rt.webhook))
	mux.HandleFunc("/ws", rt.ws.HandleWS)
}
