package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/jkaninda/keyward/internal/notification"
	"github.com/jkaninda/keyward/internal/provider"
	"github.com/jkaninda/keyward/internal/validator"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type runnerFunc func(ctx context.Context, pairs []validator.Pair) (*validator.Report, error)

func (f runnerFunc) Run(ctx context.Context, pairs []validator.Pair) (*validator.Report, error) {
	return f(ctx, pairs)
}

type captureNotifier struct {
	mu   sync.Mutex
	msgs []*notification.Message
}

func (c *captureNotifier) Notify(_ context.Context, msg *notification.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
	return nil
}

func staticPairs(pairs ...validator.Pair) PairSource {
	return func(context.Context) ([]validator.Pair, error) { return pairs, nil }
}

func TestNew_InvalidExpression(t *testing.T) {
	if _, err := New("every tuesday", nil, nil, discardLogger()); err == nil {
		t.Fatal("expected error for invalid cron expression")
	}
}

func TestNextRun(t *testing.T) {
	s, err := New("0 * * * *", nil, nil, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	from := time.Date(2026, 5, 1, 10, 15, 0, 0, time.UTC)
	if got, want := s.NextRun(from), time.Date(2026, 5, 1, 11, 0, 0, 0, time.UTC); !got.Equal(want) {
		t.Errorf("NextRun = %v, want %v", got, want)
	}
}

func TestRunOnce_NotifiesOnFailures(t *testing.T) {
	var seen []validator.Pair
	runner := runnerFunc(func(_ context.Context, pairs []validator.Pair) (*validator.Report, error) {
		seen = pairs
		return &validator.Report{
			RunID: "run-1",
			Results: []validator.Result{
				{EnvVar: "OPENAI_API_KEY", Provider: "openai", Status: provider.StatusValid},
				{EnvVar: "GITHUB_TOKEN", Provider: "github", Status: provider.StatusAuthFailed},
			},
			Summary: validator.Summary{Total: 2},
		}, nil
	})
	notifier := &captureNotifier{}
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)

	s, err := New("@hourly", runner,
		staticPairs(validator.Pair{Name: "OPENAI_API_KEY", Value: "sk-1"}, validator.Pair{Name: "GITHUB_TOKEN", Value: "ghp_2"}),
		discardLogger(), WithNotifier(notifier), WithMetrics(metrics))
	if err != nil {
		t.Fatal(err)
	}

	report, err := s.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if report.RunID != "run-1" || s.Last() != report {
		t.Error("last report not retained")
	}
	if len(seen) != 2 {
		t.Errorf("runner got %d pairs, want 2", len(seen))
	}

	if len(notifier.msgs) != 1 {
		t.Fatalf("notifications = %d, want 1", len(notifier.msgs))
	}
	msg := notifier.msgs[0]
	if !strings.Contains(msg.Body, "GITHUB_TOKEN (github): auth_failed") {
		t.Errorf("body = %q", msg.Body)
	}
	if strings.Contains(msg.Body, "ghp_2") || strings.Contains(msg.Body, "OPENAI_API_KEY") {
		t.Errorf("body must list only failing names: %q", msg.Body)
	}
	if got := testutil.ToFloat64(metrics.RunsWithFailures); got != 1 {
		t.Errorf("runs_with_failures = %v, want 1", got)
	}
}

func TestRunOnce_NoAlertWhenHealthy(t *testing.T) {
	runner := runnerFunc(func(context.Context, []validator.Pair) (*validator.Report, error) {
		return &validator.Report{Results: []validator.Result{
			{EnvVar: "A", Status: provider.StatusValid},
			{EnvVar: "B", Status: validator.StatusSkipped},
		}}, nil
	})
	notifier := &captureNotifier{}
	s, _ := New("@daily", runner, staticPairs(), discardLogger(), WithNotifier(notifier))
	if _, err := s.RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(notifier.msgs) != 0 {
		t.Errorf("unexpected notification: %+v", notifier.msgs[0])
	}
}

func TestRunOnce_RejectsOverlap(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	runner := runnerFunc(func(context.Context, []validator.Pair) (*validator.Report, error) {
		close(started)
		<-release
		return &validator.Report{}, nil
	})
	metrics := NewMetrics(prometheus.NewRegistry())
	s, _ := New("@hourly", runner, staticPairs(), discardLogger(), WithMetrics(metrics))

	done := make(chan error, 1)
	go func() {
		_, err := s.RunOnce(context.Background())
		done <- err
	}()
	<-started

	if _, err := s.RunOnce(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("overlapping run: expected ErrAlreadyRunning, got %v", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Errorf("first run: %v", err)
	}
	if got := testutil.ToFloat64(metrics.RunsSkipped); got != 1 {
		t.Errorf("runs_skipped = %v, want 1", got)
	}
}

func TestRunOnce_LoadError(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())
	load := func(context.Context) ([]validator.Pair, error) { return nil, errors.New("file gone") }
	s, _ := New("@hourly", runnerFunc(nil), load, discardLogger(), WithMetrics(metrics))

	if _, err := s.RunOnce(context.Background()); err == nil || !strings.Contains(err.Error(), "file gone") {
		t.Fatalf("expected load error, got %v", err)
	}
	if got := testutil.ToFloat64(metrics.RunsFailed); got != 1 {
		t.Errorf("runs_failed = %v, want 1", got)
	}
}

func TestStart_StopIsClean(t *testing.T) {
	s, _ := New("@yearly", runnerFunc(nil), staticPairs(), discardLogger())
	stop := s.Start(context.Background())
	stop()
}
