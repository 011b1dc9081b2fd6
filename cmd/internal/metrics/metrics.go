// Package metrics exposes batching activity as Prometheus collectors.
package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "batchd"

// Collector records admission, backpressure and batch outcomes.
type Collector struct {
	admitted      prometheus.Counter
	rejected      *prometheus.CounterVec // reason
	backpressure  *prometheus.CounterVec // strategy, action
	batches       *prometheus.CounterVec // outcome
	retries       prometheus.Counter
	batchSize     prometheus.Histogram
	batchDuration *prometheus.HistogramVec // outcome
	processTime   prometheus.Histogram
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		return nil, errors.New("metrics: nil registerer")
	}

	c := &Collector{
		admitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "admission",
			Name:      "admitted_total",
			Help:      "Messages accepted into a user buffer",
		}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "admission",
			Name:      "rejected_total",
			Help:      "Messages refused before buffering",
		}, []string{"reason"}), // duplicate, rate_limited, buffer_full, shutting_down, invalid

		backpressure: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "buffer",
			Name:      "backpressure_total",
			Help:      "Backpressure actions taken on full buffers",
		}, []string{"strategy", "action"}),

		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "batch",
			Name:      "completed_total",
			Help:      "Batches by final outcome",
		}, []string{"outcome"}), // processed, interrupted, dead_lettered, failed, dropped

		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "batch",
			Name:      "retries_total",
			Help:      "Processor retry attempts",
		}),

		batchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "batch",
			Name:      "size",
			Help:      "Messages per drained batch",
			Buckets:   []float64{1, 2, 3, 5, 8, 13, 21, 34, 55},
		}),

		batchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "batch",
			Name:      "duration_seconds",
			Help:      "Time from drain to final outcome, including retries",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		}, []string{"outcome"}),

		processTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "processor",
			Name:      "attempt_duration_seconds",
			Help:      "Duration of a single processor attempt",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
		}),
	}

	for _, col := range []prometheus.Collector{
		c.admitted, c.rejected, c.backpressure, c.batches,
		c.retries, c.batchSize, c.batchDuration, c.processTime,
	} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Admitted counts one buffered message.
func (c *Collector) Admitted() {
	if c == nil {
		return
	}
	c.admitted.Inc()
}

// Rejected counts a message refused for reason.
func (c *Collector) Rejected(reason string) {
	if c == nil {
		return
	}
	c.rejected.WithLabelValues(reason).Inc()
}

// Backpressure counts an action taken on a full buffer.
func (c *Collector) Backpressure(strategy, action string) {
	if c == nil {
		return
	}
	c.backpressure.WithLabelValues(strategy, action).Inc()
}

// Retried counts one retry attempt.
func (c *Collector) Retried() {
	if c == nil {
		return
	}
	c.retries.Inc()
}

// BatchFinished records a batch's final outcome.
func (c *Collector) BatchFinished(outcome string, size int, d time.Duration) {
	if c == nil {
		return
	}
	c.batches.WithLabelValues(outcome).Inc()
	c.batchSize.Observe(float64(size))
	c.batchDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// ObserveAttempt records one processor attempt. Its signature matches the
// hooks.Timing recorder.
func (c *Collector) ObserveAttempt(_ string, d time.Duration) {
	if c == nil {
		return
	}
	c.processTime.Observe(d.Seconds())
}

// RegisterPendingGauge exposes a live gauge computed by fn on every scrape.
func RegisterPendingGauge(reg prometheus.Registerer, name, help string, fn func() float64) error {
	return reg.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "buffer",
		Name:      name,
		Help:      help,
	}, fn))
}

// NewRegistry returns a registry preloaded with Go runtime and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler serves reg in the Prometheus exposition format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}
