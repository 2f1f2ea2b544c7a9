package store

import (
	"context"
	"database/sql"
)

// Tx wraps a *sql.Tx and rewrites the portable "?" placeholder style
// into the backend's native syntax, so a caller doing a multi-
// statement compare-and-swap (queue claim, lock claim/renew) writes
// one query regardless of backend.
type Tx struct {
	tx        *sql.Tx
	translate func(string) string
}

func (t *Tx) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return t.tx.QueryContext(ctx, t.translate(query), args...)
}

func (t *Tx) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return t.tx.ExecContext(ctx, t.translate(query), args...)
}

func (t *Tx) Commit() error   { return t.tx.Commit() }
func (t *Tx) Rollback() error { return t.tx.Rollback() }
