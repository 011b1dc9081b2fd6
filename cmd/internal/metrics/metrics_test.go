package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollector_Counts(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c, err := New(reg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	c.Admitted()
	c.Admitted()
	c.Rejected("rate_limited")
	c.Backpressure("drop_oldest", "evict_oldest")
	c.Retried()
	c.BatchFinished("processed", 3, 120*time.Millisecond)
	c.ObserveAttempt("u1", 40*time.Millisecond)

	if got := testutil.ToFloat64(c.admitted); got != 2 {
		t.Fatalf("admitted=%v want=2", got)
	}
	if got := testutil.ToFloat64(c.rejected.WithLabelValues("rate_limited")); got != 1 {
		t.Fatalf("rejected=%v want=1", got)
	}
	if got := testutil.ToFloat64(c.batches.WithLabelValues("processed")); got != 1 {
		t.Fatalf("processed=%v want=1", got)
	}
	if got := testutil.ToFloat64(c.retries); got != 1 {
		t.Fatalf("retries=%v want=1", got)
	}
}

func TestCollector_DoubleRegisterFails(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	if _, err := New(reg); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if _, err := New(reg); err == nil {
		t.Fatalf("expected duplicate registration to fail")
	}
	if _, err := New(nil); err == nil {
		t.Fatalf("expected nil registerer to fail")
	}
}

func TestCollector_NilIsSafe(t *testing.T) {
	t.Parallel()

	var c *Collector
	c.Admitted()
	c.Rejected("x")
	c.Backpressure("a", "b")
	c.Retried()
	c.BatchFinished("processed", 1, time.Second)
	c.ObserveAttempt("u", time.Second)
}

func TestHandler_ExposesMetrics(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	c, err := New(reg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := RegisterPendingGauge(reg, "pending_messages", "Buffered messages", func() float64 { return 7 }); err != nil {
		t.Fatalf("gauge: %v", err)
	}
	c.Admitted()

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()

	res, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer res.Body.Close()
	body, _ := io.ReadAll(res.Body)

	for _, want := range []string{
		"batchd_admission_admitted_total 1",
		"batchd_buffer_pending_messages 7",
		"go_goroutines",
	} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}
}
