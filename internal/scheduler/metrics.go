package scheduler

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the revalidation scheduler.
type Metrics struct {
	RunsFired        prometheus.Counter
	RunsFailed       prometheus.Counter
	RunsSkipped      prometheus.Counter
	RunsWithFailures prometheus.Counter
	TickDuration     prometheus.Histogram
}

// NewMetrics creates and registers scheduler metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		RunsFired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "keyward",
			Subsystem: "scheduler",
			Name:      "runs_fired_total",
			Help:      "Total scheduled revalidation runs started.",
		}),
		RunsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "keyward",
			Subsystem: "scheduler",
			Name:      "runs_failed_total",
			Help:      "Scheduled runs that could not complete (load or run error).",
		}),
		RunsSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "keyward",
			Subsystem: "scheduler",
			Name:      "runs_skipped_total",
			Help:      "Ticks skipped because the previous run was still in flight.",
		}),
		RunsWithFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "keyward",
			Subsystem: "scheduler",
			Name:      "runs_with_failures_total",
			Help:      "Completed runs that reported at least one failing credential.",
		}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "keyward",
			Subsystem: "scheduler",
			Name:      "tick_duration_seconds",
			Help:      "Duration of each scheduled revalidation.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300},
		}),
	}

	reg.MustRegister(
		m.RunsFired,
		m.RunsFailed,
		m.RunsSkipped,
		m.RunsWithFailures,
		m.TickDuration,
	)

	return m
}
