// Package usage tracks how often each token dispensed each credential and
// how many units agents report consuming, and raises a one-time alert when
// a credential's cumulative usage crosses the configured threshold.
package usage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/keyward/internal/clock"
	"github.com/jkaninda/keyward/internal/notification"
)

var (
	// ErrExhausted is returned by Reserve once a token used its max_uses for a name.
	ErrExhausted = errors.New("max uses exhausted")
	// ErrInvalidUnits is returned for negative usage reports.
	ErrInvalidUnits = errors.New("usage units must not be negative")
)

// alertTimeout bounds one asynchronous alert delivery.
const alertTimeout = 30 * time.Second

// Record is one usage report.
type Record struct {
	ID         string    `json:"id"`
	Credential string    `json:"credential"`
	Units      int64     `json:"units"`
	AgentID    string    `json:"agent_id,omitempty"`
	At         time.Time `json:"at"`
}

// Store persists usage records. Append-only.
type Store interface {
	AppendUsage(ctx context.Context, rec Record) error
}

// Notifier delivers alerts. Implemented by notification.Dispatcher.
type Notifier interface {
	Notify(ctx context.Context, msg *notification.Message) error
}

// Ledger is safe for concurrent use. Counters for different names never
// share a lock.
type Ledger struct {
	threshold int64
	logger    *slog.Logger
	clock     clock.Clock
	store     Store
	notifier  Notifier

	usesMu sync.RWMutex
	uses   map[useKey]*atomic.Int64

	totalsMu sync.RWMutex
	totals   map[string]*total

	recMu   sync.Mutex
	records []Record

	alerts sync.WaitGroup
}

type useKey struct {
	tokenID string
	name    string
}

type total struct {
	mu      sync.Mutex
	units   int64
	byAgent map[string]int64
	alerted bool
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithStore persists every record.
func WithStore(s Store) Option { return func(l *Ledger) { l.store = s } }

// WithNotifier sets the alert channel. Without one, alerts are only logged.
func WithNotifier(n Notifier) Option { return func(l *Ledger) { l.notifier = n } }

// WithClock injects the time source.
func WithClock(c clock.Clock) Option { return func(l *Ledger) { l.clock = clock.OrSystem(c) } }

// NewLedger creates a ledger. threshold <= 0 disables alerting.
func NewLedger(threshold int64, logger *slog.Logger, opts ...Option) *Ledger {
	l := &Ledger{
		threshold: threshold,
		logger:    logger,
		clock:     clock.System{},
		uses:      make(map[useKey]*atomic.Int64),
		totals:    make(map[string]*total),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Reserve counts one dispense of name under tokenID. It fails with
// ErrExhausted when maxUses > 0 dispenses already happened; the counter is
// never incremented past maxUses.
func (l *Ledger) Reserve(tokenID, name string, maxUses int64) error {
	c := l.counter(useKey{tokenID: tokenID, name: name})
	for {
		cur := c.Load()
		if maxUses > 0 && cur >= maxUses {
			return ErrExhausted
		}
		if c.CompareAndSwap(cur, cur+1) {
			return nil
		}
	}
}

// Uses returns the dispense count of name under tokenID.
func (l *Ledger) Uses(tokenID, name string) int64 {
	l.usesMu.RLock()
	c, ok := l.uses[useKey{tokenID: tokenID, name: name}]
	l.usesMu.RUnlock()
	if !ok {
		return 0
	}
	return c.Load()
}

func (l *Ledger) counter(k useKey) *atomic.Int64 {
	l.usesMu.RLock()
	c, ok := l.uses[k]
	l.usesMu.RUnlock()
	if ok {
		return c
	}
	l.usesMu.Lock()
	defer l.usesMu.Unlock()
	if c, ok = l.uses[k]; !ok {
		c = new(atomic.Int64)
		l.uses[k] = c
	}
	return c
}

// Report records units consumed through name. When the credential's running
// total first reaches the threshold an alert is sent in the background; the
// caller never waits for it.
func (l *Ledger) Report(ctx context.Context, name string, units int64, agentID string) (Record, error) {
	if units < 0 {
		return Record{}, ErrInvalidUnits
	}
	rec := Record{
		ID:         uuid.NewString(),
		Credential: name,
		Units:      units,
		AgentID:    agentID,
		At:         l.clock.Now().UTC(),
	}

	t := l.total(name)
	t.mu.Lock()
	t.units += units
	t.byAgent[agentID] += units
	sum := t.units
	fire := l.threshold > 0 && !t.alerted && sum >= l.threshold
	if fire {
		t.alerted = true
	}
	t.mu.Unlock()

	l.recMu.Lock()
	l.records = append(l.records, rec)
	l.recMu.Unlock()

	if l.store != nil {
		if err := l.store.AppendUsage(ctx, rec); err != nil {
			l.logger.WarnContext(ctx, "failed to persist usage record",
				slog.String("credential", name),
				slog.String("error", err.Error()),
			)
		}
	}

	if fire {
		l.alerts.Add(1)
		go l.alert(context.WithoutCancel(ctx), name, sum, agentID)
	}
	return rec, nil
}

func (l *Ledger) alert(ctx context.Context, name string, sum int64, agentID string) {
	defer l.alerts.Done()
	ctx, cancel := context.WithTimeout(ctx, alertTimeout)
	defer cancel()

	l.logger.WarnContext(ctx, "usage threshold crossed",
		slog.String("credential", name),
		slog.Int64("total", sum),
		slog.Int64("threshold", l.threshold),
	)
	if l.notifier == nil {
		return
	}
	msg := &notification.Message{
		Subject: "Credential usage threshold crossed",
		Body:    fmt.Sprintf("%s reached %d units (threshold %d)", name, sum, l.threshold),
		Metadata: map[string]string{
			"credential": name,
			"total":      strconv.FormatInt(sum, 10),
			"threshold":  strconv.FormatInt(l.threshold, 10),
			"agent_id":   agentID,
		},
	}
	if err := l.notifier.Notify(ctx, msg); err != nil {
		l.logger.ErrorContext(ctx, "usage alert delivery failed",
			slog.String("credential", name),
			slog.String("error", err.Error()),
		)
	}
}

func (l *Ledger) total(name string) *total {
	l.totalsMu.RLock()
	t, ok := l.totals[name]
	l.totalsMu.RUnlock()
	if ok {
		return t
	}
	l.totalsMu.Lock()
	defer l.totalsMu.Unlock()
	if t, ok = l.totals[name]; !ok {
		t = &total{byAgent: make(map[string]int64)}
		l.totals[name] = t
	}
	return t
}

// Total returns the cumulative units of name and the per-agent breakdown.
func (l *Ledger) Total(name string) (int64, map[string]int64) {
	l.totalsMu.RLock()
	t, ok := l.totals[name]
	l.totalsMu.RUnlock()
	if !ok {
		return 0, map[string]int64{}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	agents := make(map[string]int64, len(t.byAgent))
	for k, v := range t.byAgent {
		agents[k] = v
	}
	return t.units, agents
}

// Records returns a copy of every record reported since start.
func (l *Ledger) Records() []Record {
	l.recMu.Lock()
	defer l.recMu.Unlock()
	return append([]Record(nil), l.records...)
}

// Wait blocks until in-flight alerts finish. Called on shutdown.
func (l *Ledger) Wait() {
	l.alerts.Wait()
}
