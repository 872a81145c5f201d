// Package validator runs credential validations concurrently against their
// providers, with a per-run circuit breaker, a shared outcome cache and fault
// isolation per key. Results come back in input order.
package validator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/jkaninda/keyward/internal/audit"
	"github.com/jkaninda/keyward/internal/cache"
	"github.com/jkaninda/keyward/internal/clock"
	"github.com/jkaninda/keyward/internal/provider"
	"github.com/jkaninda/keyward/internal/redact"
)

// ErrSelfTestFailed is returned by Run in strict mode when any self-test check fails.
var ErrSelfTestFailed = errors.New("self-test failed")

// Defaults applied when Options fields are zero.
const (
	DefaultTimeout       = 10 * time.Second
	DefaultRunTimeout    = 5 * time.Minute
	DefaultConcurrency   = 10
	DefaultBailThreshold = 3
)

// Options tunes a run.
type Options struct {
	Timeout       time.Duration // Per validate call.
	RunTimeout    time.Duration // Whole run.
	Concurrency   int           // Pairs validated at once.
	BailThreshold int           // Consecutive auth failures that trip a provider's breaker.
	Strict        bool          // Run the self-test first and abort on failure.
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.RunTimeout <= 0 {
		o.RunTimeout = DefaultRunTimeout
	}
	if o.Concurrency <= 0 {
		o.Concurrency = DefaultConcurrency
	}
	if o.BailThreshold <= 0 {
		o.BailThreshold = DefaultBailThreshold
	}
	return o
}

// Metrics receives run-level counters. Implemented by the observability package.
type Metrics interface {
	RecordCacheHit(provider string)
	RecordBail(provider string)
	RecordRun(duration time.Duration, keys int)
}

// HistoryStore persists report rows. Rows never contain raw values.
type HistoryStore interface {
	SaveResults(ctx context.Context, runID string, at time.Time, results []Result) error
}

// Orchestrator validates batches of credentials.
type Orchestrator struct {
	registry *provider.Registry
	cache    *cache.Cache
	opts     Options
	logger   *slog.Logger
	audit    audit.Sink
	redactor *redact.Redactor
	metrics  Metrics
	tracer   trace.Tracer
	history  HistoryStore
	clock    clock.Clock
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithAudit sets the audit sink.
func WithAudit(s audit.Sink) Option {
	return func(o *Orchestrator) {
		if s != nil {
			o.audit = s
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m Metrics) Option { return func(o *Orchestrator) { o.metrics = m } }

// WithTracer sets the tracer used for run spans.
func WithTracer(t trace.Tracer) Option { return func(o *Orchestrator) { o.tracer = t } }

// WithHistory persists every run's rows.
func WithHistory(h HistoryStore) Option { return func(o *Orchestrator) { o.history = h } }

// WithRedactor sets the redactor used to scrub error text.
func WithRedactor(r *redact.Redactor) Option {
	return func(o *Orchestrator) {
		if r != nil {
			o.redactor = r
		}
	}
}

// WithClock injects the time source used for timestamps.
func WithClock(c clock.Clock) Option { return func(o *Orchestrator) { o.clock = clock.OrSystem(c) } }

// New creates an Orchestrator. A nil cache gets a private default cache.
func New(registry *provider.Registry, c *cache.Cache, opts Options, logger *slog.Logger, options ...Option) *Orchestrator {
	if c == nil {
		c = cache.New(cache.DefaultTTL)
	}
	o := &Orchestrator{
		registry: registry,
		cache:    c,
		opts:     opts.withDefaults(),
		logger:   logger,
		audit:    audit.Nop{},
		redactor: redact.New(),
		clock:    clock.System{},
	}
	for _, opt := range options {
		opt(o)
	}
	return o
}

// slot is a matched pair waiting for validation.
type slot struct {
	index int
	pair  Pair
	desc  provider.Descriptor
	auto  bool
	br    *breaker
}

// Run validates pairs and returns the report. Unmatched pairs are counted but
// excluded from the results. Per-key failures never make Run return an error;
// only a failed strict-mode self-test does.
func (o *Orchestrator) Run(ctx context.Context, pairs []Pair) (*Report, error) {
	started := o.clock.Now().UTC()
	runID := uuid.NewString()

	var selfTest *SelfTestReport
	if o.opts.Strict {
		selfTest = SelfTest(ctx, o.opts)
		if !selfTest.Passed {
			o.logger.ErrorContext(ctx, "self-test failed, aborting before network calls",
				slog.String("failed", strings.Join(selfTest.FailedChecks(), ",")),
			)
			return &Report{RunID: runID, StartedAt: started, FinishedAt: o.clock.Now().UTC(), SelfTest: selfTest},
				fmt.Errorf("%w: %s", ErrSelfTestFailed, strings.Join(selfTest.FailedChecks(), ", "))
		}
	}

	if o.tracer != nil {
		var span trace.Span
		ctx, span = o.tracer.Start(ctx, "validator.run",
			trace.WithAttributes(attribute.Int("validator.pairs", len(pairs))))
		defer span.End()
	}

	runCtx, cancel := context.WithTimeout(ctx, o.opts.RunTimeout)
	defer cancel()

	o.record(ctx, audit.Event{Kind: audit.KindRunStart, RunID: runID, Fields: map[string]any{"pairs": len(pairs)}})

	slots, breakers, unmatched := o.match(ctx, runID, pairs)
	results := make([]*Result, len(pairs))

	// One task per pair. The limit bounds pairs in flight, not providers.
	var g errgroup.Group
	g.SetLimit(o.opts.Concurrency)
	for _, s := range slots {
		g.Go(func() error {
			res := o.runSlot(runCtx, runID, s)
			results[s.index] = &res
			return nil
		})
	}
	_ = g.Wait()

	report := &Report{RunID: runID, StartedAt: started, SelfTest: selfTest}
	var bailed []string
	for _, br := range breakers {
		if br.tripped() {
			bailed = append(bailed, br.provider)
		}
	}
	for _, r := range results {
		if r != nil {
			report.Results = append(report.Results, *r)
		}
	}
	if report.Results == nil {
		report.Results = []Result{}
	}
	report.Summary = summarize(report.Results, unmatched, bailed)
	report.FinishedAt = o.clock.Now().UTC()

	o.record(ctx, audit.Event{
		Kind:  audit.KindRunEnd,
		RunID: runID,
		Fields: map[string]any{
			"total":     report.Summary.Total,
			"unmatched": unmatched,
			"bailed":    len(bailed),
		},
	})
	if o.metrics != nil {
		o.metrics.RecordRun(report.FinishedAt.Sub(started), report.Summary.Total)
	}
	if o.history != nil && len(report.Results) > 0 {
		if err := o.history.SaveResults(ctx, runID, report.FinishedAt, report.Results); err != nil {
			o.logger.WarnContext(ctx, "failed to persist validation history", slog.String("error", err.Error()))
		}
	}

	o.logger.InfoContext(ctx, "validation run complete",
		slog.String("run_id", runID),
		slog.Int("total", report.Summary.Total),
		slog.Int("unmatched", unmatched),
		slog.Int("cache_hits", report.Summary.CacheHits),
		slog.Int("bailed", len(bailed)),
	)
	return report, nil
}

// match resolves each pair's provider. Name patterns win; the key format is
// tried only when no name pattern matches. Breakers are returned in the
// order their provider was first seen.
func (o *Orchestrator) match(ctx context.Context, runID string, pairs []Pair) ([]slot, []*breaker, int) {
	var (
		slots     []slot
		breakers  []*breaker
		unmatched int
	)
	byProvider := make(map[string]*breaker)

	for i, p := range pairs {
		if p.Name == "" || p.Value == "" {
			unmatched++
			continue
		}
		desc, ok := o.registry.MatchName(p.Name)
		auto := false
		if !ok {
			desc, ok = o.registry.DetectByKey(p.Value)
			auto = ok
		}
		if !ok {
			unmatched++
			continue
		}
		if auto {
			o.record(ctx, audit.Event{Kind: audit.KindAutoDetect, RunID: runID, Provider: desc.Name(), Credential: p.Name})
		}
		br, exists := byProvider[desc.Name()]
		if !exists {
			br = newBreaker(desc.Name(), o.opts.BailThreshold)
			byProvider[desc.Name()] = br
			breakers = append(breakers, br)
		}
		slots = append(slots, slot{index: i, pair: p, desc: desc, auto: auto, br: br})
	}
	return slots, breakers, unmatched
}

// runSlot validates one pair and feeds its outcome to the provider's breaker
// in completion order.
func (o *Orchestrator) runSlot(ctx context.Context, runID string, s slot) Result {
	res := o.baseResult(s)
	switch {
	case s.br.tripped():
		o.skip(&res)
		return res
	case ctx.Err() != nil:
		res.Status = provider.StatusNetworkError
		res.Error = "run cancelled"
		return res
	}

	if !o.validateOne(ctx, runID, s, &res) {
		return res
	}
	if s.br.observe(res.Status) {
		o.logger.WarnContext(ctx, "provider circuit breaker tripped",
			slog.String("provider", s.br.provider),
			slog.Int("threshold", o.opts.BailThreshold),
		)
		o.record(ctx, audit.Event{
			Kind:     audit.KindProviderBail,
			RunID:    runID,
			Provider: s.br.provider,
			Reason:   o.skipReason(),
		})
		if o.metrics != nil {
			o.metrics.RecordBail(s.br.provider)
		}
	}
	return res
}

func (o *Orchestrator) skip(res *Result) {
	res.Status = StatusSkipped
	res.Error = o.skipReason()
}

func (o *Orchestrator) skipReason() string {
	return fmt.Sprintf("skipped after %d consecutive auth failures", o.opts.BailThreshold)
}

func (o *Orchestrator) baseResult(s slot) Result {
	return Result{
		EnvVar:       s.pair.Name,
		Provider:     s.desc.Name(),
		Fingerprint:  redact.PartialOf(s.pair.Value),
		AutoDetected: s.auto,
	}
}

// validateOne runs format check, cache lookup and network validation for one
// key. It returns false when the key was skipped because the provider's
// breaker opened while this key waited for its network call.
func (o *Orchestrator) validateOne(ctx context.Context, runID string, s slot, res *Result) bool {
	name := s.desc.Name()

	if err := s.desc.CheckFormat(s.pair.Value); err != nil {
		res.Status = provider.StatusInvalidFormat
		res.Error = err.Error()
		o.recordResult(ctx, runID, audit.KindValidate, res)
		return true
	}

	if out, ok := o.cache.Get(name, s.pair.Value); ok {
		o.apply(res, out, s.pair.Value)
		res.Cached = true
		o.recordResult(ctx, runID, audit.KindCacheHit, res)
		if o.metrics != nil {
			o.metrics.RecordCacheHit(name)
		}
		return true
	}

	if s.br.tripped() {
		o.skip(res)
		return false
	}

	start := time.Now()
	out := o.call(ctx, s.desc, s.pair.Value)
	res.LatencyMS = float64(time.Since(start).Microseconds()) / 1000
	o.apply(res, out, s.pair.Value)

	// Transport failures are transient and not worth remembering for an hour.
	if out.Status != provider.StatusNetworkError {
		o.cache.Set(name, s.pair.Value, out)
	}
	o.recordResult(ctx, runID, audit.KindValidate, res)
	return true
}

// call invokes the provider under the per-call timeout. The provider runs in
// its own goroutine so one that ignores its context still cannot stall the
// run, and a panic is contained to this key.
func (o *Orchestrator) call(ctx context.Context, desc provider.Descriptor, key string) provider.Outcome {
	callCtx, cancel := context.WithTimeout(ctx, o.opts.Timeout)
	defer cancel()

	done := make(chan provider.Outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- provider.Outcome{Status: provider.StatusNetworkError, Error: fmt.Sprintf("provider panic: %v", r)}
			}
		}()
		done <- desc.Validate(callCtx, key)
	}()

	select {
	case out := <-done:
		if !out.Status.Known() || out.Status == provider.StatusInvalidFormat {
			return provider.Outcome{Status: provider.StatusNetworkError, Error: fmt.Sprintf("provider returned unexpected status %q", out.Status)}
		}
		return out
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return provider.Outcome{Status: provider.StatusNetworkError, Error: "run cancelled"}
		}
		return provider.Outcome{Status: provider.StatusNetworkError, Error: fmt.Sprintf("timeout after %s", o.opts.Timeout)}
	}
}

func (o *Orchestrator) apply(res *Result, out provider.Outcome, key string) {
	res.Status = out.Status
	res.Detail = o.redactor.Scrub(out.Detail, key)
	res.Error = o.redactor.Scrub(out.Error, key)
	res.RateLimit = out.RateLimit
}

func (o *Orchestrator) recordResult(ctx context.Context, runID string, kind audit.Kind, res *Result) {
	o.record(ctx, audit.Event{
		Kind:       kind,
		RunID:      runID,
		Provider:   res.Provider,
		Credential: res.EnvVar,
		Status:     string(res.Status),
		LatencyMS:  res.LatencyMS,
	})
}

func (o *Orchestrator) record(ctx context.Context, e audit.Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = o.clock.Now().UTC()
	}
	if err := o.audit.Record(ctx, e); err != nil {
		o.logger.WarnContext(ctx, "audit write failed", slog.String("kind", string(e.Kind)), slog.String("error", err.Error()))
	}
}

// Providers returns the registry in use.
func (o *Orchestrator) Providers() *provider.Registry { return o.registry }

// breaker counts consecutive auth failures for one provider within one run.
// All of the provider's in-flight pairs share it; "consecutive" follows
// completion order.
type breaker struct {
	provider string

	mu          sync.Mutex
	threshold   int
	consecutive int
	open        bool
}

func newBreaker(provider string, threshold int) *breaker {
	return &breaker{provider: provider, threshold: threshold}
}

// observe feeds one result and reports whether this result tripped the breaker.
func (b *breaker) observe(s provider.Status) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.open {
		return false
	}
	if s != provider.StatusAuthFailed {
		b.consecutive = 0
		return false
	}
	b.consecutive++
	if b.consecutive >= b.threshold {
		b.open = true
		return true
	}
	return false
}

func (b *breaker) tripped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.open
}
