package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds all Prometheus metrics for Keyward.
// Uses a custom registry, no global state. A nil collector records nothing.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Validation metrics.
	ValidationChecksTotal   *prometheus.CounterVec
	ValidationCheckDuration *prometheus.HistogramVec
	ValidationCacheHits     *prometheus.CounterVec
	ValidationBails         *prometheus.CounterVec
	ValidationRunsTotal     prometheus.Counter
	ValidationRunDuration   prometheus.Histogram
	ValidationRunKeys       prometheus.Gauge

	// Broker metrics.
	BrokerDecisionsTotal *prometheus.CounterVec
	BrokerDispensedTotal *prometheus.CounterVec

	// HTTP gateway metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// System metrics.
	ActiveRequests prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		ValidationChecksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "keyward",
			Subsystem: "validation",
			Name:      "checks_total",
			Help:      "Total provider validation calls by outcome.",
		}, []string{"provider", "status"}),

		ValidationCheckDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "keyward",
			Subsystem: "validation",
			Name:      "check_duration_seconds",
			Help:      "Provider validation call duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}, []string{"provider"}),

		ValidationCacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "keyward",
			Subsystem: "validation",
			Name:      "cache_hits_total",
			Help:      "Validations answered from the result cache.",
		}, []string{"provider"}),

		ValidationBails: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "keyward",
			Subsystem: "validation",
			Name:      "provider_bails_total",
			Help:      "Times a provider breaker tripped after repeated auth failures.",
		}, []string{"provider"}),

		ValidationRunsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "keyward",
			Subsystem: "validation",
			Name:      "runs_total",
			Help:      "Total validation runs.",
		}),

		ValidationRunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "keyward",
			Subsystem: "validation",
			Name:      "run_duration_seconds",
			Help:      "Validation run wall time in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}),

		ValidationRunKeys: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "keyward",
			Subsystem: "validation",
			Name:      "last_run_keys",
			Help:      "Number of credentials checked by the most recent run.",
		}),

		BrokerDecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "keyward",
			Subsystem: "broker",
			Name:      "decisions_total",
			Help:      "Broker access decisions by operation and outcome.",
		}, []string{"operation", "decision", "reason"}),

		BrokerDispensedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "keyward",
			Subsystem: "broker",
			Name:      "dispensed_total",
			Help:      "Credential values handed out, by credential name.",
		}, []string{"credential"}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "keyward",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "keyward",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "keyward",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),
	}

	reg.MustRegister(
		m.ValidationChecksTotal,
		m.ValidationCheckDuration,
		m.ValidationCacheHits,
		m.ValidationBails,
		m.ValidationRunsTotal,
		m.ValidationRunDuration,
		m.ValidationRunKeys,
		m.BrokerDecisionsTotal,
		m.BrokerDispensedTotal,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveRequests,
	)

	return m
}

// --- validator.Metrics ---

func (m *MetricsCollector) RecordCacheHit(provider string) {
	if m == nil {
		return
	}
	m.ValidationCacheHits.WithLabelValues(provider).Inc()
}

func (m *MetricsCollector) RecordBail(provider string) {
	if m == nil {
		return
	}
	m.ValidationBails.WithLabelValues(provider).Inc()
}

func (m *MetricsCollector) RecordRun(duration time.Duration, keys int) {
	if m == nil {
		return
	}
	m.ValidationRunsTotal.Inc()
	m.ValidationRunDuration.Observe(duration.Seconds())
	m.ValidationRunKeys.Set(float64(keys))
}

// --- broker.Metrics ---

func (m *MetricsCollector) RecordDecision(operation, decision, reason string) {
	if m == nil {
		return
	}
	m.BrokerDecisionsTotal.WithLabelValues(operation, decision, reason).Inc()
}

func (m *MetricsCollector) RecordDispense(credential string) {
	if m == nil {
		return
	}
	m.BrokerDispensedTotal.WithLabelValues(credential).Inc()
}
