// Package ratelimit implements a sliding one-minute window limiter keyed by
// credential name. Thread-safe. No background goroutines: stale timestamps
// are evicted lazily on each Allow call.
package ratelimit

import (
	"errors"
	"sync"
	"time"

	"github.com/jkaninda/keyward/internal/clock"
)

// ErrRateLimited is returned when a name has used its per-minute allowance.
var ErrRateLimited = errors.New("rate limit exceeded")

// Window is the sliding window length.
const Window = time.Minute

// Limiter tracks recent dispense timestamps per name. Each name has its own
// window and lock; one name cannot slow down or exhaust another.
type Limiter struct {
	mu      sync.RWMutex
	windows map[string]*window
	clock   clock.Clock
}

type window struct {
	mu    sync.Mutex
	times []time.Time
}

// NewLimiter creates a limiter. A nil clock uses the system clock.
func NewLimiter(c clock.Clock) *Limiter {
	return &Limiter{
		windows: make(map[string]*window),
		clock:   clock.OrSystem(c),
	}
}

// Allow records one dispense of name if fewer than limit happened in the last
// minute. limit <= 0 means unlimited. When denied, retryAfter is the time until
// the oldest recorded dispense leaves the window.
func (l *Limiter) Allow(name string, limit int) (retryAfter time.Duration, err error) {
	return l.AllowWith(name, limit, nil)
}

// AllowWith is Allow with a follow-up check. Once the window has room, commit
// runs under the name's lock and the dispense is recorded only if it returns
// nil; its error is returned as is. A nil commit always succeeds.
func (l *Limiter) AllowWith(name string, limit int, commit func() error) (retryAfter time.Duration, err error) {
	if limit <= 0 {
		if commit != nil {
			return 0, commit()
		}
		return 0, nil
	}
	w := l.window(name)
	now := l.clock.Now()

	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := now.Add(-Window)
	keep := 0
	for keep < len(w.times) && !w.times[keep].After(cutoff) {
		keep++
	}
	w.times = w.times[keep:]

	if len(w.times) >= limit {
		retry := w.times[0].Add(Window).Sub(now)
		if retry < time.Second {
			retry = time.Second
		}
		return retry, ErrRateLimited
	}
	if commit != nil {
		if err := commit(); err != nil {
			return 0, err
		}
	}
	w.times = append(w.times, now)
	return 0, nil
}

// InWindow returns how many dispenses of name the current window holds.
func (l *Limiter) InWindow(name string) int {
	l.mu.RLock()
	w, ok := l.windows[name]
	l.mu.RUnlock()
	if !ok {
		return 0
	}
	cutoff := l.clock.Now().Add(-Window)
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, t := range w.times {
		if t.After(cutoff) {
			n++
		}
	}
	return n
}

func (l *Limiter) window(name string) *window {
	l.mu.RLock()
	w, ok := l.windows[name]
	l.mu.RUnlock()
	if ok {
		return w
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if w, ok = l.windows[name]; !ok {
		w = &window{}
		l.windows[name] = w
	}
	return w
}
