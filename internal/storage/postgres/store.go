package postgres

import (
	"context"
	"sync"

	"github.com/jkaninda/keyward/internal/storage"
)

// Store is the PostgreSQL storage.Store. Repositories are built on first
// use and share the DB pool.
type Store struct {
	pgDB *DB

	mu      sync.Mutex
	audit   storage.AuditStore
	history storage.HistoryStore
	usage   storage.UsageStore
}

// NewStore wraps an existing DB as a unified Store.
func NewStore(pgDB *DB) *Store {
	return &Store{pgDB: pgDB}
}

func (s *Store) Migrate(ctx context.Context) error {
	return s.pgDB.migrate(ctx)
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pgDB.Ping(ctx)
}

func (s *Store) Close() error {
	return s.pgDB.Close()
}

func (s *Store) Driver() string {
	return storage.DriverPostgres
}

// --- Sub-store accessors ---

func (s *Store) Audit() storage.AuditStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.audit == nil {
		s.audit = NewAuditRepository(s.pgDB.GormDB())
	}
	return s.audit
}

func (s *Store) History() storage.HistoryStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.history == nil {
		s.history = NewHistoryRepository(s.pgDB.GormDB())
	}
	return s.history
}

func (s *Store) Usage() storage.UsageStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.usage == nil {
		s.usage = NewUsageRepository(s.pgDB.GormDB())
	}
	return s.usage
}

// compile-time interface check
var _ storage.Store = (*Store)(nil)
