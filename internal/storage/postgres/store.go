package postgres

import (
	"context"
	"sync"

	"github.com/jkaninda/tether/internal/access"
	"github.com/jkaninda/tether/internal/security"
	"github.com/jkaninda/tether/internal/storage"
)

// Store implements storage.Store backed by PostgreSQL.
// It wraps the existing DB and lazily creates repositories.
type Store struct {
	pgDB *DB

	mu    sync.Mutex
	users access.UserStore
	audit security.AuditStore
}

// NewStore wraps an existing DB as a Store.
func NewStore(pgDB *DB) *Store {
	return &Store{pgDB: pgDB}
}

func (s *Store) Migrate(_ context.Context) error {
	// PostgreSQL migration is done in Open() via AutoMigrate.
	return nil
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

func (s *Store) Users() access.UserStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.users == nil {
		s.users = NewUserRepository(s.pgDB.GormDB())
	}
	return s.users
}

func (s *Store) Audit() security.AuditStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.audit == nil {
		s.audit = NewAuditRepository(s.pgDB.GormDB())
	}
	return s.audit
}

// compile-time interface check
var _ storage.Store = (*Store)(nil)
