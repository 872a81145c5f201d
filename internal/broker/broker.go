// Package broker hands scoped credentials to agents. Every operation
// authenticates an opaque bearer token, checks it against the policy
// snapshot frozen into the token, applies rate and use limits, and records
// the decision in the audit log. Transports (HTTP, MCP) are thin adapters
// over Service.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/keyward/internal/audit"
	"github.com/jkaninda/keyward/internal/clock"
	"github.com/jkaninda/keyward/internal/policy"
	"github.com/jkaninda/keyward/internal/provider"
	"github.com/jkaninda/keyward/internal/ratelimit"
	"github.com/jkaninda/keyward/internal/secrets"
	"github.com/jkaninda/keyward/internal/token"
	"github.com/jkaninda/keyward/internal/usage"
)

// Denial causes. errors.Is matches them through a *Denial.
var (
	ErrUnauthorized  = errors.New("invalid or expired token")
	ErrForbidden     = errors.New("credential not permitted by policy")
	ErrNotFound      = errors.New("credential not found")
	ErrPolicyExpired = errors.New("credential access expired")
	ErrRateLimited   = errors.New("rate limit exceeded")
	ErrExhausted     = errors.New("max uses exhausted")
)

// Reason is the machine-readable cause of a denial.
type Reason string

const (
	ReasonUnauthorized  Reason = "unauthorized"
	ReasonForbidden     Reason = "forbidden"
	ReasonNotFound      Reason = "not_found"
	ReasonPolicyExpired Reason = "policy_expired"
	ReasonRateLimited   Reason = "rate_limited"
	ReasonExhausted     Reason = "exhausted"
)

var reasonErrors = map[Reason]error{
	ReasonUnauthorized:  ErrUnauthorized,
	ReasonForbidden:     ErrForbidden,
	ReasonNotFound:      ErrNotFound,
	ReasonPolicyExpired: ErrPolicyExpired,
	ReasonRateLimited:   ErrRateLimited,
	ReasonExhausted:     ErrExhausted,
}

// Denial is a refused request.
type Denial struct {
	Reason     Reason
	Credential string
	// RetryAfter is set for rate_limited denials.
	RetryAfter time.Duration
}

func (d *Denial) Error() string {
	if d.Credential != "" {
		return fmt.Sprintf("%s: %s", d.Credential, reasonErrors[d.Reason])
	}
	return reasonErrors[d.Reason].Error()
}

func (d *Denial) Unwrap() error { return reasonErrors[d.Reason] }

func deny(reason Reason, name string) *Denial {
	return &Denial{Reason: reason, Credential: name}
}

// Request identifies the caller of one operation.
type Request struct {
	Token   string // Bearer value. Never logged or audited.
	AgentID string
}

// Credential is a dispensed secret.
type Credential struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// ProviderInfo describes one supported provider.
type ProviderInfo struct {
	Name        string   `json:"name"`
	EnvPatterns []string `json:"env_patterns"`
}

// Health is the liveness report.
type Health struct {
	Status       string    `json:"status"`
	StartedAt    time.Time `json:"started_at"`
	ActiveTokens int       `json:"active_tokens"`
}

// Metrics receives broker decisions. Implemented by the observability package.
type Metrics interface {
	RecordDecision(operation, decision, reason string)
	RecordDispense(credential string)
}

// Deps are the collaborators of a Service.
type Deps struct {
	Policy   *policy.Document
	Source   secrets.Source
	Registry *provider.Registry
	Issuer   *token.Issuer
	Limiter  *ratelimit.Limiter
	Ledger   *usage.Ledger
}

// Service implements the broker operations. Safe for concurrent use.
type Service struct {
	deps      Deps
	audit     audit.Sink
	metrics   Metrics
	tracer    trace.Tracer
	clock     clock.Clock
	logger    *slog.Logger
	startedAt time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithAudit sets the audit sink.
func WithAudit(s audit.Sink) Option {
	return func(svc *Service) {
		if s != nil {
			svc.audit = s
		}
	}
}

// WithMetrics sets the decision recorder.
func WithMetrics(m Metrics) Option { return func(s *Service) { s.metrics = m } }

// WithTracer sets the tracer used for operation spans.
func WithTracer(t trace.Tracer) Option { return func(s *Service) { s.tracer = t } }

// WithClock injects the time source for expiry checks.
func WithClock(c clock.Clock) Option { return func(s *Service) { s.clock = clock.OrSystem(c) } }

// New creates a Service. Missing Issuer, Limiter and Ledger get defaults
// on the service clock.
func New(deps Deps, logger *slog.Logger, opts ...Option) (*Service, error) {
	if deps.Policy == nil {
		return nil, errors.New("broker: policy is required")
	}
	if deps.Source == nil {
		return nil, errors.New("broker: credential source is required")
	}
	if deps.Registry == nil {
		deps.Registry = provider.DefaultRegistry()
	}
	s := &Service{
		audit:  audit.Nop{},
		clock:  clock.System{},
		logger: logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	if deps.Issuer == nil {
		deps.Issuer = token.NewIssuer(s.clock)
	}
	if deps.Limiter == nil {
		deps.Limiter = ratelimit.NewLimiter(s.clock)
	}
	if deps.Ledger == nil {
		deps.Ledger = usage.NewLedger(0, logger, usage.WithClock(s.clock))
	}
	s.deps = deps
	s.startedAt = s.clock.Now().UTC()
	return s, nil
}

// IssueToken mints a token bound to the loaded policy.
func (s *Service) IssueToken(ctx context.Context) (*token.Token, error) {
	tok, err := s.deps.Issuer.Issue(s.deps.Policy)
	if err != nil {
		return nil, err
	}
	s.record(ctx, audit.Event{
		Kind:     audit.KindTokenIssued,
		TokenID:  tok.ID,
		Decision: audit.DecisionAllow,
		Fields: map[string]any{
			"expires_at":  tok.ExpiresAt().UTC(),
			"credentials": len(tok.Policy.Names()),
		},
	})
	s.logger.InfoContext(ctx, "token issued",
		slog.String("token_id", tok.ID),
		slog.Duration("ttl", tok.TTL),
	)
	return tok, nil
}

// ListProviders returns every registered provider to a valid token holder.
func (s *Service) ListProviders(ctx context.Context, req Request) ([]ProviderInfo, error) {
	ctx, end := s.span(ctx, "broker.list_providers")
	defer end()

	tok, d := s.authenticate(req)
	if d != nil {
		s.decide(ctx, audit.KindListProviders, req, nil, "", d)
		return nil, d
	}
	all := s.deps.Registry.All()
	out := make([]ProviderInfo, len(all))
	for i, desc := range all {
		out[i] = ProviderInfo{Name: desc.Name(), EnvPatterns: desc.EnvPatterns()}
	}
	s.decide(ctx, audit.KindListProviders, req, tok, "", nil)
	return out, nil
}

// ListCredentials returns the names the token may request that the
// credential source currently holds. Values are never included.
func (s *Service) ListCredentials(ctx context.Context, req Request) ([]string, error) {
	ctx, end := s.span(ctx, "broker.list_credentials")
	defer end()

	tok, d := s.authenticate(req)
	if d != nil {
		s.decide(ctx, audit.KindList, req, nil, "", d)
		return nil, d
	}

	names := []string{}
	for _, n := range tok.Policy.Names() {
		ok, err := s.exists(ctx, n)
		if err != nil {
			return nil, err
		}
		if ok {
			names = append(names, n)
		}
	}
	s.decide(ctx, audit.KindList, req, tok, "", nil)
	return names, nil
}

// GetCredential dispenses one credential. Checks run in a fixed order and
// the first failure short-circuits: token, scope, presence, expiry, rate,
// uses.
func (s *Service) GetCredential(ctx context.Context, req Request, name string) (*Credential, error) {
	ctx, end := s.span(ctx, "broker.get_credential", attribute.String("credential", name))
	defer end()

	tok, d := s.authenticate(req)
	if d != nil {
		s.decide(ctx, audit.KindAccess, req, nil, name, d)
		return nil, d
	}
	rule, ok := tok.Policy.Rule(name)
	if !ok {
		d := deny(ReasonForbidden, name)
		s.decide(ctx, audit.KindAccess, req, tok, name, d)
		return nil, d
	}

	value, err := s.deps.Source.Lookup(ctx, name)
	if errors.Is(err, secrets.ErrSecretNotFound) {
		d := deny(ReasonNotFound, name)
		s.decide(ctx, audit.KindAccess, req, tok, name, d)
		return nil, d
	}
	if err != nil {
		s.logger.ErrorContext(ctx, "credential source failed",
			slog.String("source", s.deps.Source.Name()),
			slog.String("credential", name),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("credential source: %w", err)
	}

	if rule.Expired(s.clock.Now()) {
		d := deny(ReasonPolicyExpired, name)
		s.decide(ctx, audit.KindAccess, req, tok, name, d)
		return nil, d
	}
	// The use is reserved inside the limiter's critical section so an
	// exhausted denial never takes a rate slot.
	retry, err := s.deps.Limiter.AllowWith(name, rule.RPMLimit, func() error {
		return s.deps.Ledger.Reserve(tok.ID, name, rule.MaxUses)
	})
	switch {
	case errors.Is(err, ratelimit.ErrRateLimited):
		d := deny(ReasonRateLimited, name)
		d.RetryAfter = retry
		s.decide(ctx, audit.KindAccess, req, tok, name, d)
		return nil, d
	case errors.Is(err, usage.ErrExhausted):
		d := deny(ReasonExhausted, name)
		s.decide(ctx, audit.KindAccess, req, tok, name, d)
		return nil, d
	case err != nil:
		return nil, err
	}

	s.decide(ctx, audit.KindAccess, req, tok, name, nil)
	if s.metrics != nil {
		s.metrics.RecordDispense(name)
	}
	return &Credential{Name: name, Value: value}, nil
}

// ReportUsage records units an agent consumed through name. agentID falls
// back to the request's agent.
func (s *Service) ReportUsage(ctx context.Context, req Request, name string, units int64, agentID string) (usage.Record, error) {
	ctx, end := s.span(ctx, "broker.report_usage", attribute.String("credential", name))
	defer end()

	if agentID == "" {
		agentID = req.AgentID
	}
	tok, d := s.authenticate(req)
	if d != nil {
		s.decide(ctx, audit.KindUsage, req, nil, name, d)
		return usage.Record{}, d
	}
	if !tok.Policy.Allows(name) {
		d := deny(ReasonForbidden, name)
		s.decide(ctx, audit.KindUsage, req, tok, name, d)
		return usage.Record{}, d
	}
	rec, err := s.deps.Ledger.Report(ctx, name, units, agentID)
	if err != nil {
		return usage.Record{}, err
	}
	s.record(ctx, audit.Event{
		Kind:       audit.KindUsage,
		Credential: name,
		AgentID:    agentID,
		TokenID:    tok.ID,
		Decision:   audit.DecisionAllow,
		Fields:     map[string]any{"units": units},
	})
	if s.metrics != nil {
		s.metrics.RecordDecision(string(audit.KindUsage), audit.DecisionAllow, "")
	}
	return rec, nil
}

// Health reports liveness. No authentication.
func (s *Service) Health(context.Context) Health {
	return Health{Status: "ok", StartedAt: s.startedAt, ActiveTokens: s.deps.Issuer.Active()}
}

// SweepTokens drops expired tokens.
func (s *Service) SweepTokens(ctx context.Context) int {
	n := s.deps.Issuer.Sweep()
	if n > 0 {
		s.logger.DebugContext(ctx, "expired tokens swept", slog.Int("count", n))
	}
	return n
}

// Policy returns the loaded policy document.
func (s *Service) Policy() *policy.Document { return s.deps.Policy }

// Ledger returns the usage ledger.
func (s *Service) Ledger() *usage.Ledger { return s.deps.Ledger }

func (s *Service) authenticate(req Request) (*token.Token, *Denial) {
	tok, err := s.deps.Issuer.Lookup(req.Token)
	if err != nil {
		return nil, deny(ReasonUnauthorized, "")
	}
	return tok, nil
}

func (s *Service) exists(ctx context.Context, name string) (bool, error) {
	_, err := s.deps.Source.Lookup(ctx, name)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, secrets.ErrSecretNotFound):
		return false, nil
	default:
		return false, fmt.Errorf("credential source: %w", err)
	}
}

// decide audits one allow or deny decision.
func (s *Service) decide(ctx context.Context, kind audit.Kind, req Request, tok *token.Token, name string, d *Denial) {
	e := audit.Event{
		Kind:       kind,
		Credential: name,
		AgentID:    req.AgentID,
		Decision:   audit.DecisionAllow,
	}
	if tok != nil {
		e.TokenID = tok.ID
	}
	if d != nil {
		e.Decision = audit.DecisionDeny
		e.Reason = string(d.Reason)
		s.logger.InfoContext(ctx, "request denied",
			slog.String("operation", string(kind)),
			slog.String("credential", name),
			slog.String("agent_id", req.AgentID),
			slog.String("reason", string(d.Reason)),
		)
	}
	s.record(ctx, e)
	if s.metrics != nil {
		s.metrics.RecordDecision(string(kind), e.Decision, e.Reason)
	}
}

func (s *Service) record(ctx context.Context, e audit.Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = s.clock.Now().UTC()
	}
	if err := s.audit.Record(ctx, e); err != nil {
		s.logger.WarnContext(ctx, "audit write failed",
			slog.String("kind", string(e.Kind)),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Service) span(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func()) {
	if s.tracer == nil {
		return ctx, func() {}
	}
	ctx, span := s.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
	return ctx, func() { span.End() }
}
