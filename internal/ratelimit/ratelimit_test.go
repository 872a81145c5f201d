package ratelimit

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jkaninda/keyward/internal/clock"
)

func TestAllow_SlidingWindow(t *testing.T) {
	fc := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	l := NewLimiter(fc)

	for i := 0; i < 3; i++ {
		if _, err := l.Allow("GITHUB_TOKEN", 3); err != nil {
			t.Fatalf("call %d denied: %v", i, err)
		}
		fc.Advance(10 * time.Second)
	}

	retry, err := l.Allow("GITHUB_TOKEN", 3)
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("fourth call: expected ErrRateLimited, got %v", err)
	}
	// Oldest entry at t=0 leaves the window at t=60s; now is t=30s.
	if retry != 30*time.Second {
		t.Errorf("retryAfter = %v, want 30s", retry)
	}

	fc.Advance(31 * time.Second)
	if _, err := l.Allow("GITHUB_TOKEN", 3); err != nil {
		t.Errorf("after oldest expired: %v", err)
	}
	if n := l.InWindow("GITHUB_TOKEN"); n != 3 {
		t.Errorf("InWindow = %d, want 3", n)
	}
}

func TestAllow_Unlimited(t *testing.T) {
	l := NewLimiter(nil)
	for i := 0; i < 1000; i++ {
		if _, err := l.Allow("A", 0); err != nil {
			t.Fatalf("unlimited denied at %d", i)
		}
	}
	if l.InWindow("A") != 0 {
		t.Error("unlimited names must not be tracked")
	}
}

func TestAllow_NamesIndependent(t *testing.T) {
	fc := clock.NewFake(time.Now())
	l := NewLimiter(fc)
	if _, err := l.Allow("A", 1); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Allow("A", 1); err == nil {
		t.Fatal("second A should be denied")
	}
	if _, err := l.Allow("B", 1); err != nil {
		t.Errorf("B affected by A: %v", err)
	}
}

func TestAllow_ConcurrentExactCount(t *testing.T) {
	l := NewLimiter(clock.NewFake(time.Now()))
	var allowed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Allow("A", 10); err == nil {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()
	if allowed.Load() != 10 {
		t.Errorf("allowed = %d, want 10", allowed.Load())
	}
}

func TestAllowWith_FailedCommitKeepsSlot(t *testing.T) {
	l := NewLimiter(clock.NewFake(time.Now()))
	errDone := errors.New("done")
	calls := 0
	fail := func() error { calls++; return errDone }

	if _, err := l.AllowWith("A", 2, fail); !errors.Is(err, errDone) {
		t.Fatalf("err = %v, want commit error", err)
	}
	if n := l.InWindow("A"); n != 0 {
		t.Fatalf("InWindow = %d after failed commit, want 0", n)
	}
	for i := 0; i < 2; i++ {
		if _, err := l.AllowWith("A", 2, func() error { return nil }); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	if _, err := l.AllowWith("A", 2, fail); !errors.Is(err, ErrRateLimited) {
		t.Errorf("full window: err = %v, want ErrRateLimited", err)
	}
	if calls != 1 {
		t.Errorf("commit ran %d times, want 1: a full window must not reach it", calls)
	}
}

func TestAllowWith_UnlimitedStillCommits(t *testing.T) {
	l := NewLimiter(nil)
	errDone := errors.New("done")
	if _, err := l.AllowWith("A", 0, func() error { return errDone }); !errors.Is(err, errDone) {
		t.Errorf("err = %v, want commit error", err)
	}
}
