package store

import (
	"embed"
	"database/sql"
	"fmt"

	"github.com/pressly/goose/v3"
)

// migrationsFS embeds both per-dialect migration trees. Postgres and
// SQLite diverge on identifier generation (GENERATED ALWAYS AS IDENTITY
// vs INTEGER PRIMARY KEY) and JSON column types (JSONB vs TEXT), so
// each dialect gets its own directory rather than one portable-SQL
// tree, unlike rezkam-mono's single shared migrations/ (grounded on
// that repo's goose+embed+dual-dialect wiring, adapted for the
// column-type divergence our schema actually needs).
//
//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrationsFS embed.FS

// runMigrations sets the goose dialect matching driver and applies all
// pending migrations from the corresponding embedded directory.
func runMigrations(db *sql.DB, driver string) error {
	var dialect, dir string
	switch driver {
	case "postgres":
		dialect, dir = "postgres", "migrations/postgres"
	case "sqlite":
		dialect, dir = "sqlite3", "migrations/sqlite"
	default:
		return fmt.Errorf("runMigrations: unknown driver %q", driver)
	}

	if err := goose.SetDialect(dialect); err != nil {
		return fmt.Errorf("setting goose dialect: %w", err)
	}
	goose.SetBaseFS(migrationsFS)
	defer goose.SetBaseFS(nil)

	if err := goose.Up(db, dir); err != nil {
		return fmt.Errorf("applying %s migrations: %w", driver, err)
	}
	return nil
}
