// Package scheduler re-runs credential validation on a cron schedule while the
// broker is serving. Each tick loads the current credential set, runs the
// orchestrator and raises a notification when any key is failing.
//
// Scheduled runs go through the same orchestrator as manual ones: same cache,
// breaker, audit trail and history store.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jkaninda/keyward/internal/notification"
	"github.com/jkaninda/keyward/internal/validator"
)

// ErrAlreadyRunning is returned by RunOnce while a previous run is in flight.
var ErrAlreadyRunning = errors.New("revalidation already running")

// Runner executes one validation run.
type Runner interface {
	Run(ctx context.Context, pairs []validator.Pair) (*validator.Report, error)
}

// PairSource loads the credentials to revalidate. Called on every tick so
// edits to the underlying file are picked up.
type PairSource func(ctx context.Context) ([]validator.Pair, error)

// Notifier delivers failure alerts.
type Notifier interface {
	Notify(ctx context.Context, msg *notification.Message) error
}

// Scheduler fires validation runs on a cron expression.
type Scheduler struct {
	expr     string
	schedule cron.Schedule
	runner   Runner
	load     PairSource
	notifier Notifier
	metrics  *Metrics
	logger   *slog.Logger

	mu      sync.Mutex
	running bool
	last    *validator.Report
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithNotifier sends an alert after every run that has failing keys.
func WithNotifier(n Notifier) Option { return func(s *Scheduler) { s.notifier = n } }

// WithMetrics records tick counters.
func WithMetrics(m *Metrics) Option { return func(s *Scheduler) { s.metrics = m } }

// New validates expr (standard 5-field cron, or descriptors like "@hourly")
// and creates a Scheduler.
func New(expr string, runner Runner, load PairSource, logger *slog.Logger, opts ...Option) (*Scheduler, error) {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	s := &Scheduler{
		expr:     expr,
		schedule: sched,
		runner:   runner,
		load:     load,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Start begins the cron loop. Returns a stop function that waits for an
// in-flight run to finish.
func (s *Scheduler) Start(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)

	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(cronLogger{s.logger}),
	)
	c.Schedule(s.schedule, cron.FuncJob(func() {
		if _, err := s.RunOnce(ctx); err != nil && !errors.Is(err, ErrAlreadyRunning) {
			s.logger.ErrorContext(ctx, "scheduled revalidation failed", slog.String("error", err.Error()))
		}
	}))
	c.Start()

	s.logger.InfoContext(ctx, "revalidation scheduler started",
		slog.String("schedule", s.expr),
		slog.Time("next_run", s.schedule.Next(time.Now().UTC())),
	)

	return func() {
		cancel()
		<-c.Stop().Done()
		s.logger.Info("revalidation scheduler stopped")
	}
}

// RunOnce performs one revalidation now. Overlapping calls are rejected.
func (s *Scheduler) RunOnce(ctx context.Context) (*validator.Report, error) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		if s.metrics != nil {
			s.metrics.RunsSkipped.Inc()
		}
		return nil, ErrAlreadyRunning
	}
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	start := time.Now()
	if s.metrics != nil {
		s.metrics.RunsFired.Inc()
		defer func() { s.metrics.TickDuration.Observe(time.Since(start).Seconds()) }()
	}

	pairs, err := s.load(ctx)
	if err != nil {
		s.fail()
		return nil, fmt.Errorf("loading credentials: %w", err)
	}

	report, err := s.runner.Run(ctx, pairs)
	if err != nil {
		s.fail()
		return nil, err
	}

	s.mu.Lock()
	s.last = report
	s.mu.Unlock()

	failing := failingNames(report)
	s.logger.InfoContext(ctx, "scheduled revalidation complete",
		slog.String("run_id", report.RunID),
		slog.Int("total", report.Summary.Total),
		slog.Int("failing", len(failing)),
	)

	if len(failing) > 0 {
		if s.metrics != nil {
			s.metrics.RunsWithFailures.Inc()
		}
		s.alert(ctx, report, failing)
	}
	return report, nil
}

// Last returns the most recent completed report, or nil.
func (s *Scheduler) Last() *validator.Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// NextRun returns the next fire time after from.
func (s *Scheduler) NextRun(from time.Time) time.Time {
	return s.schedule.Next(from)
}

func (s *Scheduler) fail() {
	if s.metrics != nil {
		s.metrics.RunsFailed.Inc()
	}
}

func (s *Scheduler) alert(ctx context.Context, report *validator.Report, failing []string) {
	if s.notifier == nil {
		return
	}
	msg := &notification.Message{
		Subject: fmt.Sprintf("[Keyward] %d failing credential(s)", len(failing)),
		Body: fmt.Sprintf("Scheduled revalidation %s found failing credentials:\n%s",
			report.RunID, strings.Join(failing, "\n")),
		Metadata: map[string]string{
			"type":   "revalidation_failure",
			"run_id": report.RunID,
		},
	}
	if err := s.notifier.Notify(ctx, msg); err != nil {
		s.logger.WarnContext(ctx, "revalidation alert delivery failed", slog.String("error", err.Error()))
	}
}

// failingNames lists "NAME (provider): status" for every failing row.
// Names and statuses only; rows never carry values.
func failingNames(report *validator.Report) []string {
	var out []string
	for _, r := range report.Results {
		if r.Failing() {
			out = append(out, fmt.Sprintf("%s (%s): %s", r.EnvVar, r.Provider, r.Status))
		}
	}
	return out
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
