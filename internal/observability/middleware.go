package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jkaninda/okapi"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// MetricsMiddleware instruments broker HTTP requests. Paths are collapsed
// by routeLabel first, so a credential name never reaches a label or a
// span attribute.
func MetricsMiddleware(metrics *MetricsCollector, tracer trace.Tracer) okapi.Middleware {
	return func(next okapi.HandlerFunc) okapi.HandlerFunc {
		return func(c *okapi.Context) error {
			r := c.Request()
			route := routeLabel(r.URL.Path)

			var span trace.Span
			if tracer != nil {
				_, span = tracer.Start(r.Context(), r.Method+" "+route,
					trace.WithSpanKind(trace.SpanKindServer),
					trace.WithAttributes(
						attribute.String("http.request.method", r.Method),
						attribute.String("http.route", route),
					))
				defer span.End()
			}
			if metrics != nil {
				metrics.ActiveRequests.Inc()
				defer metrics.ActiveRequests.Dec()
			}

			began := time.Now()
			err := next(c)
			elapsed := time.Since(began)

			code := c.Response().StatusCode()
			if code == 0 {
				code = http.StatusOK
			}
			if span != nil {
				span.SetAttributes(attribute.Int("http.response.status_code", code))
				if code >= http.StatusInternalServerError {
					span.SetStatus(codes.Error, http.StatusText(code))
				}
			}
			if metrics != nil {
				metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(code)).Inc()
				metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(elapsed.Seconds())
			}
			return err
		}
	}
}

// routeLabel maps /v1/credentials/<NAME> to a fixed template.
func routeLabel(path string) string {
	const prefix = "/v1/credentials/"
	if rest, ok := strings.CutPrefix(path, prefix); ok && rest != "" {
		return prefix + "{name}"
	}
	return path
}
