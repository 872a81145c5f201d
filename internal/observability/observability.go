// Package observability wires Prometheus metrics, OpenTelemetry spans and
// readiness checks into the validator and the broker. Every piece is
// optional; a nil *Observability and nil collectors are valid and record
// nothing.
package observability

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jkaninda/keyward/internal/config"
)

// Observability bundles the components built from the observability config.
type Observability struct {
	Metrics *MetricsCollector // nil unless metrics.enabled
	Tracer  *TracerSetup      // nil unless tracing.enabled
	Health  *HealthChecker    // always set on a non-nil Observability

	logger *slog.Logger
}

// New builds the components enabled in cfg. A nil cfg yields a nil
// *Observability, which every accessor below accepts.
func New(cfg *config.ObservabilityConfig, logger *slog.Logger) (*Observability, error) {
	if cfg == nil {
		return nil, nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	o := &Observability{
		Health: NewHealthChecker(logger),
		logger: logger,
	}
	if m := cfg.Metrics; m != nil && m.Enabled {
		o.Metrics = NewMetricsCollector()
	}
	if t := cfg.Tracing; t != nil && t.Enabled {
		ts, err := NewTracerSetup(t)
		if err != nil {
			return nil, fmt.Errorf("initializing tracing: %w", err)
		}
		o.Tracer = ts
	}
	return o, nil
}

// Shutdown flushes pending spans. Errors are logged, not returned, since
// it only runs on the way out.
func (o *Observability) Shutdown(ctx context.Context) {
	if o == nil || o.Tracer == nil {
		return
	}
	if err := o.Tracer.Shutdown(ctx); err != nil {
		o.logger.Warn("flushing traces", slog.String("error", err.Error()))
	}
}

func (o *Observability) TracerOrNil() *TracerSetup {
	if o == nil {
		return nil
	}
	return o.Tracer
}

func (o *Observability) MetricsOrNil() *MetricsCollector {
	if o == nil {
		return nil
	}
	return o.Metrics
}

func (o *Observability) HealthOrNil() *HealthChecker {
	if o == nil {
		return nil
	}
	return o.Health
}
