// Package storage defines the Store interface that abstracts persistence of
// users, API key hashes and audit entries.
// Two backends are provided: SQLite (default, zero-config) and PostgreSQL.
package storage

import (
	"context"

	"github.com/jkaninda/tether/internal/access"
	"github.com/jkaninda/tether/internal/security"
)

// Store is the persistence interface for tether.
// Both SQLite and PostgreSQL backends implement it.
type Store interface {
	// Users backs the access controller.
	Users() access.UserStore
	// Audit is the append-only audit table. Its only delete path is the
	// retention purge.
	Audit() security.AuditStore

	// Ping checks the connection for readiness probes.
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error

	// Driver returns the storage driver name ("sqlite" or "postgres").
	Driver() string
}

// Config holds storage configuration for driver selection.
type Config struct {
	Driver   string         `json:"driver" yaml:"driver"` // "sqlite" (default) or "postgres"
	SQLite   SQLiteConfig   `json:"sqlite" yaml:"sqlite"`
	Postgres PostgresConfig `json:"postgres" yaml:"postgres"`
}

// SQLiteConfig holds SQLite-specific settings.
type SQLiteConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Database file path. Default: <data_dir>/tether.db.
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default), "delete", "truncate", etc.
}

// PostgresConfig holds PostgreSQL-specific settings.
type PostgresConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`
	DSNRef           string `json:"dsn_ref,omitempty" yaml:"dsn_ref,omitempty"` // Secret reference, e.g. env://TETHER_POSTGRES_DSN.
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"`
}

// DefaultDriver is the default storage driver.
const DefaultDriver = "sqlite"

// DriverSQLite is the SQLite driver name.
const DriverSQLite = "sqlite"

// DriverPostgres is the PostgreSQL driver name.
const DriverPostgres = "postgres"
