// Package audit records every validation step and every broker decision as
// an append-only event stream. Events never carry raw credential values or
// bearer token values.
package audit

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Kind identifies what an event records.
type Kind string

const (
	KindRunStart     Kind = "run_start"
	KindAutoDetect   Kind = "auto_detect"
	KindCacheHit     Kind = "cache_hit"
	KindValidate     Kind = "validate"
	KindProviderBail Kind = "provider_bail"
	KindRunEnd       Kind = "run_end"

	KindTokenIssued   Kind = "token_issued"
	KindListProviders Kind = "list_providers"
	KindList          Kind = "list_credentials"
	KindAccess        Kind = "get_credential"
	KindUsage         Kind = "report_usage"
	KindAlert         Kind = "usage_alert"
)

// Decision values for broker events.
const (
	DecisionAllow = "allow"
	DecisionDeny  = "deny"
)

// Event is a single audit record.
type Event struct {
	Timestamp  time.Time      `json:"timestamp"`
	Kind       Kind           `json:"kind"`
	RunID      string         `json:"run_id,omitempty"`
	Provider   string         `json:"provider,omitempty"`
	Credential string         `json:"credential,omitempty"` // Credential name, never its value.
	Status     string         `json:"status,omitempty"`
	AgentID    string         `json:"agent_id,omitempty"`
	TokenID    string         `json:"token_id,omitempty"` // Token identifier, never the bearer value.
	Decision   string         `json:"decision,omitempty"`
	Reason     string         `json:"reason,omitempty"`
	LatencyMS  float64        `json:"latency_ms,omitempty"`
	Fields     map[string]any `json:"fields,omitempty"`
}

// Sink receives audit events. Implementations must be safe for concurrent use.
type Sink interface {
	Record(ctx context.Context, event Event) error
}

// Multi fans an event out to several sinks, returning the joined errors.
type Multi []Sink

func (m Multi) Record(ctx context.Context, event Event) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Record(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop discards events.
type Nop struct{}

func (Nop) Record(context.Context, Event) error { return nil }

// Store is an append-only persistence backend for audit events.
// No update or delete methods exist.
type Store interface {
	AppendAudit(ctx context.Context, event Event) error
}

// StoreSink adapts a Store to Sink.
type StoreSink struct {
	store  Store
	logger *slog.Logger
}

// NewStoreSink creates a database-backed sink.
func NewStoreSink(store Store, logger *slog.Logger) *StoreSink {
	return &StoreSink{store: store, logger: logger}
}

func (s *StoreSink) Record(ctx context.Context, event Event) error {
	if err := s.store.AppendAudit(ctx, event); err != nil {
		s.logger.ErrorContext(ctx, "failed to store audit event",
			slog.String("kind", string(event.Kind)),
			slog.String("error", err.Error()),
		)
		return err
	}
	return nil
}

// Memory keeps events in memory. Used by tests and the self-test.
type Memory struct {
	mu     sync.Mutex
	events []Event
}

func (m *Memory) Record(_ context.Context, event Event) error {
	m.mu.Lock()
	m.events = append(m.events, event)
	m.mu.Unlock()
	return nil
}

// Events returns a copy of the recorded events.
func (m *Memory) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}

// Count returns how many events of kind were recorded.
func (m *Memory) Count(kind Kind) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}
