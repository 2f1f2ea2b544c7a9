// Package store is the DB-facing layer: the generic reflection-based
// DB interface (adapted from the teacher's internal/database) plus the
// row types and goose migrations for the sync schema. Postgres (via
// pgx's database/sql driver) is the primary backend; SQLite remains
// available as a lightweight single-operator and test backend.
package store

import (
	"context"
	"fmt"

	"github.com/scmsync/scmsync/internal/config"
)

// DB is the generic storage interface used by every component package
// (queue, synclock, cursor, reaper, circuitbreaker adapter). Mirrors
// the teacher's database.DB shape, generalized with BeginTx so callers
// that need SKIP LOCKED semantics can manage their own transaction.
type DB interface {
	// Select executes a query and scans rows into dest (slice pointer).
	Select(ctx context.Context, dest interface{}, query string, args ...interface{}) error

	// Get executes a query expected to return a single row and scans into dest.
	// Returns sql.ErrNoRows when no row matches.
	Get(ctx context.Context, dest interface{}, query string, args ...interface{}) error

	// Exec executes a statement that returns no rows.
	Exec(ctx context.Context, query string, args ...interface{}) error

	// Insert inserts a struct-tagged record into table and returns the new row ID.
	Insert(ctx context.Context, table string, record interface{}) (int64, error)

	// Update updates rows matching the where clause with values from record.
	Update(ctx context.Context, table string, record interface{}, where string, args ...interface{}) error

	// Upsert inserts or updates based on conflictCols (ON CONFLICT clause).
	Upsert(ctx context.Context, table string, record interface{}, conflictCols []string) error

	// Migrate applies pending goose migrations for this backend's dialect.
	Migrate(ctx context.Context) error

	// Ping verifies the database connection is alive.
	Ping(ctx context.Context) error

	// Close releases the database connection.
	Close() error

	// Driver returns the backend name: "postgres" or "sqlite".
	Driver() string

	// BeginTx starts a transaction for callers needing explicit
	// SKIP LOCKED / compare-and-swap control (queue claim, lock CAS).
	// Queries run against it in the same portable "?" style as Select/
	// Get/Exec.
	BeginTx(ctx context.Context) (*Tx, error)
}

// New returns a DB implementation matching cfg.Driver. Postgres is the
// default when a DSN is configured; sqlite otherwise.
func New(cfg config.DatabaseConfig) (DB, error) {
	switch cfg.Driver {
	case "postgres", "pgx", "":
		if cfg.Driver == "" && cfg.DSN == "" {
			return NewSQLite(cfg)
		}
		return NewPostgres(cfg)
	case "sqlite", "sqlite3":
		return NewSQLite(cfg)
	default:
		return nil, fmt.Errorf("unsupported database driver %q (supported: postgres, sqlite)", cfg.Driver)
	}
}
