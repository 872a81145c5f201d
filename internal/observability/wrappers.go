package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/keyward/internal/broker"
	"github.com/jkaninda/keyward/internal/provider"
	"github.com/jkaninda/keyward/internal/validator"
)

// --- InstrumentedDescriptor ---

// InstrumentedDescriptor wraps a provider.Descriptor with metrics and tracing
// around the network call. Matching and format checks pass straight through.
type InstrumentedDescriptor struct {
	provider.Descriptor
	metrics *MetricsCollector
	tracer  trace.Tracer
}

// NewInstrumentedDescriptor wraps a provider with observability.
func NewInstrumentedDescriptor(inner provider.Descriptor, metrics *MetricsCollector, ts *TracerSetup) *InstrumentedDescriptor {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedDescriptor{
		Descriptor: inner,
		metrics:    metrics,
		tracer:     tracer,
	}
}

func (d *InstrumentedDescriptor) Validate(ctx context.Context, key string) provider.Outcome {
	name := d.Name()

	var span trace.Span
	if d.tracer != nil {
		ctx, span = d.tracer.Start(ctx, "provider.validate",
			trace.WithAttributes(
				attribute.String("provider.name", name),
			))
		defer span.End()
	}

	start := time.Now()
	out := d.Descriptor.Validate(ctx, key)
	duration := time.Since(start).Seconds()

	if span != nil {
		span.SetAttributes(attribute.String("provider.status", string(out.Status)))
		if out.Status != provider.StatusValid {
			span.SetStatus(codes.Error, string(out.Status))
		}
	}

	if d.metrics != nil {
		d.metrics.ValidationChecksTotal.WithLabelValues(name, string(out.Status)).Inc()
		d.metrics.ValidationCheckDuration.WithLabelValues(name).Observe(duration)
	}
	return out
}

// InstrumentRegistry returns a registry holding every descriptor of reg
// wrapped with metrics and tracing, in the same order. When both metrics and
// tracing are off, reg is returned unchanged.
func InstrumentRegistry(reg *provider.Registry, metrics *MetricsCollector, ts *TracerSetup) *provider.Registry {
	if metrics == nil && ts == nil {
		return reg
	}
	all := reg.All()
	wrapped := make([]provider.Descriptor, len(all))
	for i, d := range all {
		wrapped[i] = NewInstrumentedDescriptor(d, metrics, ts)
	}
	return provider.NewRegistry(wrapped...)
}

// --- Compile-time interface checks ---

var (
	_ provider.Descriptor = (*InstrumentedDescriptor)(nil)
	_ validator.Metrics   = (*MetricsCollector)(nil)
	_ broker.Metrics      = (*MetricsCollector)(nil)
)
