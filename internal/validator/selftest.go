package validator

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/jkaninda/keyward/internal/cache"
	"github.com/jkaninda/keyward/internal/provider"
	"github.com/jkaninda/keyward/internal/redact"
)

// Check is the outcome of one self-test check.
type Check struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

// SelfTestReport collects the checks of one self-test run.
type SelfTestReport struct {
	Checks []Check `json:"checks"`
	Passed bool    `json:"passed"`
}

// FailedChecks returns the names of failed checks.
func (r *SelfTestReport) FailedChecks() []string {
	var out []string
	for _, c := range r.Checks {
		if !c.Passed {
			out = append(out, c.Name)
		}
	}
	return out
}

const selfTestKey = "sk-selftest-0123456789abcdefghijklmnopqrstuvwxyz"

// SelfTest runs the fixed invariant battery. It is entirely offline: every
// provider involved is an in-process stub.
func SelfTest(ctx context.Context, opts Options) *SelfTestReport {
	checks := []struct {
		name string
		fn   func(context.Context, Options) error
	}{
		{"redaction_hides_value", checkRedaction},
		{"cache_key_irreversible", checkCacheKey},
		{"status_set_closed", checkStatusSet},
		{"breaker_trips_at_threshold", checkBreaker},
		{"redaction_levels_distinct", checkLevelsDistinct},
		{"unmatched_excluded", checkUnmatched},
		{"timeout_yields_network_error", checkTimeout},
	}

	rep := &SelfTestReport{Passed: true}
	for _, c := range checks {
		err := c.fn(ctx, opts)
		chk := Check{Name: c.name, Passed: err == nil}
		if err != nil {
			chk.Detail = err.Error()
			rep.Passed = false
		}
		rep.Checks = append(rep.Checks, chk)
	}
	return rep
}

func checkRedaction(context.Context, Options) error {
	r := redact.New()
	for _, lvl := range []redact.Level{redact.Partial, redact.Full, redact.Hash} {
		out := r.Redact(selfTestKey, lvl)
		if strings.Contains(out, selfTestKey) || strings.Contains(out, selfTestKey[4:len(selfTestKey)-4]) {
			return fmt.Errorf("%s level exposes the value", lvl)
		}
	}
	if out := redact.PartialOf("short"); strings.Contains(out, "short") {
		return fmt.Errorf("partial level exposes a short value")
	}
	return nil
}

func checkCacheKey(context.Context, Options) error {
	k := cache.Key("stub", selfTestKey)
	if strings.Contains(k, selfTestKey) || strings.Contains(k, selfTestKey[:8]) || strings.Contains(k, selfTestKey[len(selfTestKey)-8:]) {
		return fmt.Errorf("cache key contains key material")
	}
	if cache.Key("other", selfTestKey) == k {
		return fmt.Errorf("cache key ignores the provider")
	}
	return nil
}

func checkStatusSet(context.Context, Options) error {
	want := []provider.Status{
		"valid", "invalid_format", "auth_failed", "suspended_account",
		"quota_exhausted", "insufficient_scope", "network_error",
	}
	if !slices.Equal(provider.Statuses(), want) {
		return fmt.Errorf("status set is %v", provider.Statuses())
	}
	if StatusSkipped.Known() {
		return fmt.Errorf("skipped leaked into the provider status set")
	}
	return nil
}

// checkBreaker always exercises the default threshold of 3, one pair at a
// time, whatever the configured threshold and concurrency are.
func checkBreaker(ctx context.Context, opts Options) error {
	const threshold = DefaultBailThreshold
	opts.BailThreshold = threshold
	opts.Concurrency = 1

	// threshold failures trip it; later keys are skipped without a call.
	var calls int
	stub := newStub("stub", func(context.Context, string) provider.Outcome {
		calls++
		return provider.Outcome{Status: provider.StatusAuthFailed}
	})
	pairs := stubPairs(threshold + 2)
	rep, err := offline(stub, opts).Run(ctx, pairs)
	if err != nil {
		return err
	}
	if calls != threshold {
		return fmt.Errorf("expected %d network calls, got %d", threshold, calls)
	}
	if rep.Summary.Counts[StatusSkipped] != 2 || len(rep.Summary.BailedProviders) != 1 {
		return fmt.Errorf("expected 2 skipped and one bail, got %v", rep.Summary)
	}

	// One fewer than threshold, then a success, resets the counter.
	calls = 0
	seq := make([]provider.Status, 0, 2*threshold)
	for i := 0; i < threshold-1; i++ {
		seq = append(seq, provider.StatusAuthFailed)
	}
	seq = append(seq, provider.StatusValid)
	for i := 0; i < threshold-1; i++ {
		seq = append(seq, provider.StatusAuthFailed)
	}
	stub = newStub("stub", func(context.Context, string) provider.Outcome {
		s := seq[calls]
		calls++
		return provider.Outcome{Status: s}
	})
	rep, err = offline(stub, opts).Run(ctx, stubPairs(len(seq)))
	if err != nil {
		return err
	}
	if rep.Summary.Counts[StatusSkipped] != 0 || len(rep.Summary.BailedProviders) != 0 {
		return fmt.Errorf("breaker did not reset on a non-auth result")
	}
	return nil
}

func checkLevelsDistinct(context.Context, Options) error {
	r := redact.New()
	p, f, h := r.Redact(selfTestKey, redact.Partial), r.Redact(selfTestKey, redact.Full), r.Redact(selfTestKey, redact.Hash)
	if p == f || p == h || f == h {
		return fmt.Errorf("redaction levels collide")
	}
	return nil
}

func checkUnmatched(ctx context.Context, opts Options) error {
	stub := newStub("stub", func(context.Context, string) provider.Outcome {
		return provider.Outcome{Status: provider.StatusValid}
	})
	rep, err := offline(stub, opts).Run(ctx, []Pair{
		{Name: "UNRELATED_SETTING", Value: "no provider shape"},
		{Name: "STUB_KEY", Value: selfTestKey},
	})
	if err != nil {
		return err
	}
	if len(rep.Results) != 1 || rep.Summary.Unmatched != 1 {
		return fmt.Errorf("expected 1 result and 1 unmatched, got %d and %d", len(rep.Results), rep.Summary.Unmatched)
	}
	return nil
}

func checkTimeout(ctx context.Context, opts Options) error {
	block := make(chan struct{})
	defer close(block)
	stub := newStub("stub", func(context.Context, string) provider.Outcome {
		// Ignores its context on purpose.
		<-block
		return provider.Outcome{Status: provider.StatusValid}
	})
	o := opts
	o.Timeout = 50 * time.Millisecond
	o.RunTimeout = 5 * time.Second

	done := make(chan *Report, 1)
	go func() {
		rep, _ := offline(stub, o).Run(ctx, stubPairs(1))
		done <- rep
	}()
	select {
	case rep := <-done:
		if rep == nil || len(rep.Results) != 1 || rep.Results[0].Status != provider.StatusNetworkError {
			return fmt.Errorf("slow validate did not become network_error")
		}
		return nil
	case <-time.After(2 * time.Second):
		return fmt.Errorf("slow validate hung the run")
	}
}

func offline(d provider.Descriptor, opts Options) *Orchestrator {
	opts.Strict = false
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(provider.NewRegistry(d), cache.New(time.Minute), opts, logger)
}

func stubPairs(n int) []Pair {
	pairs := make([]Pair, n)
	for i := range pairs {
		pairs[i] = Pair{Name: fmt.Sprintf("STUB_KEY_%d", i), Value: fmt.Sprintf("%s%d", selfTestKey, i)}
	}
	return pairs
}

// stubProvider is an offline Descriptor matching STUB_* names and sk-selftest- keys.
type stubProvider struct {
	name     string
	validate func(context.Context, string) provider.Outcome
}

var (
	stubNameRe = regexp.MustCompile(`^STUB_`)
	stubKeyRe  = regexp.MustCompile(`^sk-selftest-`)
)

func newStub(name string, fn func(context.Context, string) provider.Outcome) *stubProvider {
	return &stubProvider{name: name, validate: fn}
}

func (s *stubProvider) Name() string                 { return s.name }
func (s *stubProvider) EnvPatterns() []string        { return []string{stubNameRe.String()} }
func (s *stubProvider) MatchesName(name string) bool { return stubNameRe.MatchString(name) }

func (s *stubProvider) CheckFormat(key string) error {
	if !stubKeyRe.MatchString(key) {
		return provider.ErrInvalidFormat
	}
	return nil
}

func (s *stubProvider) Validate(ctx context.Context, key string) provider.Outcome {
	return s.validate(ctx, key)
}
