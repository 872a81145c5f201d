package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/jkaninda/okapi"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/jkaninda/keyward/internal/config"
	"github.com/jkaninda/keyward/internal/provider"
)

// --- No-op Path ---

func TestNew_NilConfig(t *testing.T) {
	obs, err := New(nil, nil)
	if err != nil {
		t.Fatalf("New(nil) error: %v", err)
	}
	if obs != nil {
		t.Fatal("expected nil Observability for nil config")
	}
	if obs.MetricsOrNil() != nil || obs.TracerOrNil() != nil || obs.HealthOrNil() != nil {
		t.Error("nil Observability accessors must return nil")
	}
	obs.Shutdown(context.Background())
}

func TestNew_AllDisabled(t *testing.T) {
	obs, err := New(&config.ObservabilityConfig{}, nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if obs.Metrics != nil {
		t.Error("metrics should be nil when not enabled")
	}
	if obs.Tracer != nil {
		t.Error("tracer should be nil when not enabled")
	}
	if obs.Health == nil {
		t.Error("health checker should always be created")
	}
}

func TestNew_MetricsEnabled(t *testing.T) {
	obs, err := New(&config.ObservabilityConfig{Metrics: &config.MetricsConfig{Enabled: true}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if obs.MetricsOrNil() == nil {
		t.Fatal("expected metrics collector")
	}
}

// --- MetricsCollector ---

func TestMetricsCollector_RecordAndGather(t *testing.T) {
	m := NewMetricsCollector()

	m.RecordDecision("get_credential", "allow", "")
	m.RecordDecision("get_credential", "allow", "")
	m.RecordDecision("get_credential", "deny", "rate_limited")
	m.RecordDispense("GITHUB_TOKEN")
	m.RecordCacheHit("openai")
	m.RecordBail("github")
	m.RecordRun(1500*time.Millisecond, 7)

	if got := counterValue(t, m.Registry, "keyward_broker_decisions_total", prometheus.Labels{"decision": "allow"}); got != 2 {
		t.Errorf("allow count = %v, want 2", got)
	}
	if got := counterValue(t, m.Registry, "keyward_broker_decisions_total", prometheus.Labels{"reason": "rate_limited"}); got != 1 {
		t.Errorf("rate_limited count = %v, want 1", got)
	}
	if got := counterValue(t, m.Registry, "keyward_broker_dispensed_total", prometheus.Labels{"credential": "GITHUB_TOKEN"}); got != 1 {
		t.Errorf("dispensed = %v, want 1", got)
	}
	if got := counterValue(t, m.Registry, "keyward_validation_cache_hits_total", prometheus.Labels{"provider": "openai"}); got != 1 {
		t.Errorf("cache hits = %v, want 1", got)
	}
	if got := counterValue(t, m.Registry, "keyward_validation_provider_bails_total", prometheus.Labels{"provider": "github"}); got != 1 {
		t.Errorf("bails = %v, want 1", got)
	}
	if got := gaugeValue(t, m.Registry, "keyward_validation_last_run_keys"); got != 7 {
		t.Errorf("last_run_keys = %v, want 7", got)
	}
}

func TestMetricsCollector_NilSafe(t *testing.T) {
	var m *MetricsCollector
	m.RecordDecision("a", "b", "c")
	m.RecordDispense("x")
	m.RecordCacheHit("p")
	m.RecordBail("p")
	m.RecordRun(time.Second, 1)
}

// --- InstrumentedDescriptor ---

type stubDescriptor struct {
	name    string
	outcome provider.Outcome
	calls   int
}

func (s *stubDescriptor) Name() string                 { return s.name }
func (s *stubDescriptor) EnvPatterns() []string        { return []string{"*_STUB_KEY"} }
func (s *stubDescriptor) MatchesName(n string) bool    { return n == "STUB_KEY" }
func (s *stubDescriptor) CheckFormat(key string) error { return nil }
func (s *stubDescriptor) Validate(context.Context, string) provider.Outcome {
	s.calls++
	return s.outcome
}

func testTracer(t *testing.T) (*TracerSetup, *tracetest.SpanRecorder) {
	t.Helper()
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return &TracerSetup{provider: tp, tracer: tp.Tracer("test")}, sr
}

func TestInstrumentedDescriptor_RecordsOutcome(t *testing.T) {
	metrics := NewMetricsCollector()
	ts, sr := testTracer(t)
	inner := &stubDescriptor{name: "stub", outcome: provider.Outcome{Status: provider.StatusAuthFailed}}

	d := NewInstrumentedDescriptor(inner, metrics, ts)
	out := d.Validate(context.Background(), "sk-test")

	if out.Status != provider.StatusAuthFailed || inner.calls != 1 {
		t.Fatalf("outcome = %+v, calls = %d", out, inner.calls)
	}
	if !d.MatchesName("STUB_KEY") {
		t.Error("MatchesName should pass through")
	}
	val := counterValue(t, metrics.Registry, "keyward_validation_checks_total", prometheus.Labels{"provider": "stub", "status": "auth_failed"})
	if val != 1 {
		t.Errorf("checks_total = %v, want 1", val)
	}

	spans := sr.Ended()
	if len(spans) != 1 || spans[0].Name() != "provider.validate" {
		t.Fatalf("spans = %v", spans)
	}
	for _, kv := range spans[0].Attributes() {
		if kv.Value.AsString() == "sk-test" {
			t.Error("span attribute leaked the key")
		}
	}
}

func TestInstrumentRegistry_PreservesOrder(t *testing.T) {
	reg := provider.NewRegistry(&stubDescriptor{name: "a"}, &stubDescriptor{name: "b"})

	if InstrumentRegistry(reg, nil, nil) != reg {
		t.Error("registry should be returned as-is when observability is off")
	}

	wrapped := InstrumentRegistry(reg, NewMetricsCollector(), nil)
	names := wrapped.Names()
	if len(names) != 2 || names[0] != "a" || names[1] != "b" {
		t.Errorf("names = %v", names)
	}
	d, _ := wrapped.Get("a")
	if _, ok := d.(*InstrumentedDescriptor); !ok {
		t.Errorf("descriptor type = %T", d)
	}
}

// --- HealthChecker ---

func TestHealthChecker_NoChecks(t *testing.T) {
	h := NewHealthChecker(nil)
	status := h.CheckReady(context.Background())
	if status.Status != "ok" {
		t.Errorf("status = %q, want ok", status.Status)
	}
}

func TestHealthChecker_OneFails(t *testing.T) {
	h := NewHealthChecker(nil)
	h.AddCheck("storage", func(ctx context.Context) error { return errors.New("connection refused") })
	h.AddCheck("policy", func(ctx context.Context) error { return nil })

	status := h.CheckReady(context.Background())
	if status.Status != "degraded" {
		t.Errorf("status = %q, want degraded", status.Status)
	}
	if status.Checks["storage"].Status != "fail" {
		t.Errorf("storage check = %q, want fail", status.Checks["storage"].Status)
	}
	if status.Checks["policy"].Status != "ok" {
		t.Errorf("policy check = %q, want ok", status.Checks["policy"].Status)
	}
}

func TestHealthChecker_PerCheckTimeout(t *testing.T) {
	h := NewHealthChecker(nil).WithTimeout(20 * time.Millisecond)
	h.AddCheck("hung", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	h.AddCheck("storage", func(context.Context) error { return nil })

	start := time.Now()
	status := h.CheckReady(context.Background())
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("CheckReady took %v; checks should run concurrently under their own deadline", elapsed)
	}
	if status.Checks["hung"].Status != "fail" || status.Checks["storage"].Status != "ok" {
		t.Errorf("checks = %+v", status.Checks)
	}
	if diff := cmp.Diff([]string{"hung", "storage"}, h.Names()); diff != "" {
		t.Errorf("names mismatch (-want +got):\n%s", diff)
	}
}

// --- HTTP Middleware ---

func TestMetricsMiddleware(t *testing.T) {
	metrics := NewMetricsCollector()

	o := okapi.New(okapi.WithAccessLogDisabled())
	o.Use(MetricsMiddleware(metrics, nil))
	o.Post("/v1/credentials/{name}", func(c *okapi.Context) error {
		return c.AbortForbidden("nope")
	})

	srv := httptest.NewServer(o)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/v1/credentials/SECRET_NAME", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want 403", resp.StatusCode)
	}
	val := counterValue(t, metrics.Registry, "keyward_http_requests_total",
		prometheus.Labels{"method": "POST", "path": "/v1/credentials/{name}", "status_code": "403"})
	if val != 1 {
		t.Errorf("http requests = %v, want 1", val)
	}
}

func TestRouteLabel(t *testing.T) {
	tests := map[string]string{
		"/v1/credentials":       "/v1/credentials",
		"/v1/credentials/":      "/v1/credentials/",
		"/v1/credentials/A_KEY": "/v1/credentials/{name}",
		"/health":               "/health",
	}
	for in, want := range tests {
		if got := routeLabel(in); got != want {
			t.Errorf("routeLabel(%q) = %q, want %q", in, got, want)
		}
	}
}

// --- Helpers ---

func labelMap(pairs []*dto.LabelPair) map[string]string {
	m := make(map[string]string)
	for _, p := range pairs {
		m[p.GetName()] = p.GetValue()
	}
	return m
}

func findMetric(t *testing.T, reg *prometheus.Registry, name string, labels prometheus.Labels) *dto.Metric {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, metric := range f.GetMetric() {
			lm := labelMap(metric.GetLabel())
			match := true
			for k, v := range labels {
				if lm[k] != v {
					match = false
					break
				}
			}
			if match {
				return metric
			}
		}
	}
	return nil
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels prometheus.Labels) float64 {
	t.Helper()
	if m := findMetric(t, reg, name, labels); m != nil {
		return m.GetCounter().GetValue()
	}
	return 0
}

func gaugeValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	if m := findMetric(t, reg, name, nil); m != nil {
		return m.GetGauge().GetValue()
	}
	return 0
}
