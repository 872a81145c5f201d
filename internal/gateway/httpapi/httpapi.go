// Package httpapi exposes the credential broker over HTTP.
//
// Security:
//   - Bearer token on every /v1 request, resolved by the broker (never logged)
//   - Request body size limits (default 64 KiB)
//   - Strict JSON validation (disallow unknown fields)
//   - Dispensed values are sent with Cache-Control: no-store
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jkaninda/okapi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/keyward/internal/broker"
	"github.com/jkaninda/keyward/internal/gateway"
	"github.com/jkaninda/keyward/internal/observability"
	"github.com/jkaninda/keyward/internal/usage"
)

const defaultMaxRequestSize = 64 << 10

// Context keys set by the bearer middleware.
const (
	ctxToken   = "token"
	ctxAgentID = "agentID"
)

// AgentHeader carries the caller's agent identity.
const AgentHeader = "X-Agent-Id"

// Broker is the subset of broker.Service the gateway serves.
type Broker interface {
	ListProviders(ctx context.Context, req broker.Request) ([]broker.ProviderInfo, error)
	ListCredentials(ctx context.Context, req broker.Request) ([]string, error)
	GetCredential(ctx context.Context, req broker.Request, name string) (*broker.Credential, error)
	ReportUsage(ctx context.Context, req broker.Request, name string, units int64, agentID string) (usage.Record, error)
	Health(ctx context.Context) broker.Health
}

// ErrorBody is the JSON body of every error response.
type ErrorBody struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

// Config configures the HTTP API gateway.
type Config struct {
	ListenAddr     string // e.g., "127.0.0.1:8390"
	EnableDocs     bool
	MaxRequestSize int64 // Maximum request body in bytes. 0 = 64 KiB default.

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /ready endpoint.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// Gateway is the HTTP API gateway.
type Gateway struct {
	config Config
	broker Broker
	logger *slog.Logger
	server *http.Server
	okapi  *okapi.Okapi
}

var _ gateway.Gateway = (*Gateway)(nil)

// NewGateway creates an HTTP API gateway with every route registered.
func NewGateway(cfg Config, b Broker, logger *slog.Logger) *Gateway {
	g := &Gateway{
		config: cfg,
		broker: b,
		logger: logger,
		okapi: okapi.New(
			okapi.WithLogger(logger),
			okapi.WithAccessLogDisabled(),
		),
	}
	g.routes()
	return g
}

// Handler returns the gateway as an http.Handler.
func (g *Gateway) Handler() http.Handler {
	return g.okapi
}

func (g *Gateway) routes() {
	// Middleware is bound at route registration, so it goes first.
	if g.config.Metrics != nil || g.config.Tracer != nil {
		g.okapi.Use(observability.MetricsMiddleware(g.config.Metrics, g.config.Tracer))
	}

	v1 := g.okapi.Group("/v1", bearer)
	v1.Get("/providers", g.handleProviders,
		okapi.DocSummary("List supported providers"),
		okapi.DocTags("Broker"),
		okapi.DocResponse(ProvidersResponse{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
	)
	v1.Get("/credentials", g.handleListCredentials,
		okapi.DocSummary("List credential names the token may request"),
		okapi.DocTags("Broker"),
		okapi.DocResponse(CredentialsResponse{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
	)
	v1.Post("/credentials/{name}", g.handleGetCredential,
		okapi.DocSummary("Dispense one credential"),
		okapi.DocTags("Broker"),
		okapi.DocPathParam("name", "string", "Credential name"),
		okapi.DocResponse(broker.Credential{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		okapi.DocResponse(http.StatusForbidden, ErrorBody{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)
	v1.Post("/usage", g.handleReportUsage,
		okapi.DocSummary("Report units consumed through a credential"),
		okapi.DocTags("Broker"),
		okapi.DocRequestBody(UsageRequest{}),
		okapi.DocResponse(UsageResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		okapi.DocResponse(http.StatusForbidden, ErrorBody{}),
	)

	// Unauthenticated endpoints.
	g.okapi.Get("/health", g.handleHealth,
		okapi.DocSummary("Liveness"),
		okapi.DocTags("Health"),
		okapi.DocResponse(broker.Health{}),
	)
	g.okapi.Get("/ready", g.handleReadiness,
		okapi.DocSummary("Readiness of storage and credential sources"),
		okapi.DocTags("Health"),
		okapi.DocResponse(observability.HealthStatus{}),
	)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd(http.MethodGet, path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.okapi.WithOpenAPIDocs(okapi.OpenAPI{
			Title:   "Keyward",
			Version: "v1",
		})
	}
}

// Start launches the HTTP server and blocks until it exits.
func (g *Gateway) Start(ctx context.Context) error {
	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http api gateway starting", slog.String("addr", g.config.ListenAddr))
	err := g.okapi.StartServer(g.server)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http api gateway stopping")
	return g.okapi.Shutdown(g.server, ctx)
}

// --- Handlers ---

// ProvidersResponse is the JSON response for GET /v1/providers.
type ProvidersResponse struct {
	Providers []broker.ProviderInfo `json:"providers"`
}

// CredentialsResponse is the JSON response for GET /v1/credentials.
type CredentialsResponse struct {
	Credentials []string `json:"credentials"`
	Total       int      `json:"total"`
}

// UsageRequest is the JSON body for POST /v1/usage.
type UsageRequest struct {
	Name    string `json:"name"`
	Tokens  int64  `json:"tokens"`
	AgentID string `json:"agent_id,omitempty"`
}

// UsageResponse is the JSON response for POST /v1/usage.
type UsageResponse struct {
	Status string `json:"status"`
	ID     string `json:"id"`
}

func (g *Gateway) handleProviders(c *okapi.Context) error {
	provs, err := g.broker.ListProviders(c.Context(), request(c))
	if err != nil {
		return g.fail(c, err)
	}
	return c.OK(ProvidersResponse{Providers: provs})
}

func (g *Gateway) handleListCredentials(c *okapi.Context) error {
	names, err := g.broker.ListCredentials(c.Context(), request(c))
	if err != nil {
		return g.fail(c, err)
	}
	return c.OK(CredentialsResponse{Credentials: names, Total: len(names)})
}

func (g *Gateway) handleGetCredential(c *okapi.Context) error {
	cred, err := g.broker.GetCredential(c.Context(), request(c), c.Param("name"))
	if err != nil {
		return g.fail(c, err)
	}
	c.SetHeader("Cache-Control", "no-store")
	return c.OK(cred)
}

func (g *Gateway) handleReportUsage(c *okapi.Context) error {
	limit := g.config.MaxRequestSize
	if limit <= 0 {
		limit = defaultMaxRequestSize
	}
	var req UsageRequest
	dec := json.NewDecoder(http.MaxBytesReader(c.ResponseWriter(), c.Request().Body, limit))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorBody{Error: "invalid request body"})
	}
	if req.Name == "" {
		return c.JSON(http.StatusBadRequest, ErrorBody{Error: "name is required"})
	}

	rec, err := g.broker.ReportUsage(c.Context(), request(c), req.Name, req.Tokens, req.AgentID)
	if err != nil {
		return g.fail(c, err)
	}
	return c.OK(UsageResponse{Status: "recorded", ID: rec.ID})
}

func (g *Gateway) handleHealth(c *okapi.Context) error {
	return c.OK(g.broker.Health(c.Context()))
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(observability.HealthStatus{Status: "ok"})
	}
	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// --- Authentication ---

// bearer copies the bearer value and agent id into the request context.
// It never rejects: the broker decides, so every refusal is audited.
func bearer(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		tok, ok := strings.CutPrefix(c.Header("Authorization"), "Bearer ")
		if !ok {
			tok = ""
		}
		c.Set(ctxToken, strings.TrimSpace(tok))
		c.Set(ctxAgentID, c.Header(AgentHeader))
		return next(c)
	}
}

func request(c *okapi.Context) broker.Request {
	return broker.Request{Token: c.GetString(ctxToken), AgentID: c.GetString(ctxAgentID)}
}

// --- Helpers ---

// fail maps broker errors to HTTP responses.
func (g *Gateway) fail(c *okapi.Context, err error) error {
	var d *broker.Denial
	if errors.As(err, &d) {
		if d.Reason == broker.ReasonRateLimited {
			c.SetHeader("Retry-After", strconv.Itoa(retryAfterSeconds(d.RetryAfter)))
		}
		return c.JSON(statusFor(d.Reason), ErrorBody{Error: d.Error(), Reason: string(d.Reason)})
	}
	if errors.Is(err, usage.ErrInvalidUnits) {
		return c.JSON(http.StatusBadRequest, ErrorBody{Error: err.Error()})
	}
	g.logger.ErrorContext(c.Context(), "broker request failed",
		slog.String("path", c.Request().URL.Path),
		slog.String("error", err.Error()),
	)
	return c.JSON(http.StatusInternalServerError, ErrorBody{Error: "internal error"})
}

func statusFor(r broker.Reason) int {
	switch r {
	case broker.ReasonUnauthorized:
		return http.StatusUnauthorized
	case broker.ReasonNotFound:
		return http.StatusNotFound
	case broker.ReasonRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusForbidden
	}
}

func retryAfterSeconds(d time.Duration) int {
	s := int(math.Ceil(d.Seconds()))
	if s < 1 {
		s = 1
	}
	return s
}
