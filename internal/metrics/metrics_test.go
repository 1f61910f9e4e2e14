package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestBookingMetricsCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewBookingMetrics(reg)

	m.ObserveOperation("reserve", "ok", 0.01)
	m.ObserveOperation("reserve", "ok", 0.02)
	m.ObserveOperation("reserve", "conflict", 0.03)
	m.ObserveStorageRetry("cancel")

	if got := testutil.ToFloat64(m.operationsTotal.WithLabelValues("reserve", "ok")); got != 2 {
		t.Fatalf("expected 2 ok reserves, got %v", got)
	}
	if got := testutil.ToFloat64(m.operationsTotal.WithLabelValues("reserve", "conflict")); got != 1 {
		t.Fatalf("expected 1 conflicting reserve, got %v", got)
	}
	if got := testutil.ToFloat64(m.storageRetryTotal.WithLabelValues("cancel")); got != 1 {
		t.Fatalf("expected 1 retry, got %v", got)
	}
	if n := testutil.CollectAndCount(m.operationLatency); n != 1 {
		t.Fatalf("expected one latency series, got %d", n)
	}
}

func TestNilBookingMetricsIsSafe(t *testing.T) {
	var m *BookingMetrics
	m.ObserveOperation("reserve", "ok", 1)
	m.ObserveStorageRetry("reserve")
}
