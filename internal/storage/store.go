// Package storage defines the unified Store interface that abstracts all persistence operations.
// Two backends are provided: SQLite (default, zero-config) and PostgreSQL (shared deployments).
// Nothing persisted here ever contains a credential value or a bearer token value.
package storage

import (
	"context"
	"time"

	"github.com/jkaninda/keyward/internal/audit"
	"github.com/jkaninda/keyward/internal/usage"
	"github.com/jkaninda/keyward/internal/validator"
)

// Store is the unified persistence interface for keyward.
// It provides access to all domain-specific sub-stores through accessor methods.
// Both SQLite and PostgreSQL backends implement this interface.
type Store interface {
	// Sub-store accessors. The returned stores share the same underlying connection.
	Audit() AuditStore
	History() HistoryStore
	Usage() UsageStore

	// Ping checks the connection for readiness probes.
	Ping(ctx context.Context) error

	// Lifecycle.
	Migrate(ctx context.Context) error
	Close() error

	// Driver returns the storage driver name ("sqlite" or "postgres").
	Driver() string
}

// AuditFilter narrows an audit query. Zero fields match everything.
type AuditFilter struct {
	Kind       audit.Kind
	Credential string
	AgentID    string
	Limit      int // Default: 100.
}

// AuditStore is append-only: no update or delete methods exist.
type AuditStore interface {
	AppendAudit(ctx context.Context, event audit.Event) error
	QueryAudit(ctx context.Context, filter AuditFilter) ([]audit.Event, error)
}

// Run is one persisted validation run.
type Run struct {
	RunID   string
	At      time.Time
	Results []validator.Result
}

// HistoryStore keeps validation report rows.
type HistoryStore interface {
	SaveResults(ctx context.Context, runID string, at time.Time, results []validator.Result) error
	// LastRun returns the most recent run, or nil when none exists.
	LastRun(ctx context.Context) (*Run, error)
}

// UsageStore keeps usage reports.
type UsageStore interface {
	AppendUsage(ctx context.Context, rec usage.Record) error
	// Totals returns cumulative units per credential name.
	Totals(ctx context.Context) (map[string]int64, error)
}

// DefaultDriver is the default storage driver.
const DefaultDriver = "sqlite"

// DriverSQLite is the SQLite driver name.
const DriverSQLite = "sqlite"

// DriverPostgres is the PostgreSQL driver name.
const DriverPostgres = "postgres"
