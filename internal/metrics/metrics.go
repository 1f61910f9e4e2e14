package metrics

import "github.com/prometheus/client_golang/prometheus"

// BookingMetrics exposes counters/histograms for coordinator operations.
type BookingMetrics struct {
	operationsTotal   *prometheus.CounterVec
	operationLatency  *prometheus.HistogramVec
	storageRetryTotal *prometheus.CounterVec
}

func NewBookingMetrics(reg prometheus.Registerer) *BookingMetrics {
	m := &BookingMetrics{
		operationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vaccine",
			Subsystem: "booking",
			Name:      "operations_total",
			Help:      "Coordinator operations by outcome (ok or error kind)",
		}, []string{"operation", "outcome"}),
		operationLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "vaccine",
			Subsystem: "booking",
			Name:      "operation_duration_seconds",
			Help:      "Latency of coordinator operations including lock wait and retries",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		storageRetryTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vaccine",
			Subsystem: "booking",
			Name:      "storage_retries_total",
			Help:      "Transactions retried after a storage failure",
		}, []string{"operation"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.operationsTotal, m.operationLatency, m.storageRetryTotal)
	return m
}

func (m *BookingMetrics) ObserveOperation(operation, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.operationsTotal.WithLabelValues(operation, outcome).Inc()
	m.operationLatency.WithLabelValues(operation).Observe(seconds)
}

func (m *BookingMetrics) ObserveStorageRetry(operation string) {
	if m == nil {
		return
	}
	m.storageRetryTotal.WithLabelValues(operation).Inc()
}
