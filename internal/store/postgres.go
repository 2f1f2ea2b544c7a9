package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/scmsync/scmsync/internal/config"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresDB implements DB using pgx's database/sql driver. This is
// the primary production backend (POSTGRES_DSN).
type PostgresDB struct {
	db *sql.DB
}

// NewPostgres opens a connection pool against cfg.DSN.
func NewPostgres(cfg config.DatabaseConfig) (*PostgresDB, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres DSN is required when driver is postgres (set POSTGRES_DSN)")
	}

	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening postgres connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)

	p := &PostgresDB{db: db}
	if err := p.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return p, nil
}

func (p *PostgresDB) Driver() string { return "postgres" }

func (p *PostgresDB) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *PostgresDB) Close() error { return p.db.Close() }

func (p *PostgresDB) BeginTx(ctx context.Context) (*Tx, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &Tx{tx: tx, translate: func(q string) string { return rewriteQuestionPlaceholders(q, 1) }}, nil
}

func (p *PostgresDB) Migrate(ctx context.Context) error {
	return runMigrations(p.db, "postgres")
}

// Select, Get, and Exec accept queries written with the portable "?"
// placeholder style shared by every call site (cursor, queue,
// synclock, reaper) and translate to pgx's "$N" syntax, so those
// packages never need to special-case the backend.

func (p *PostgresDB) Select(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	rows, err := p.db.QueryContext(ctx, rewriteQuestionPlaceholders(query, 1), args...)
	if err != nil {
		return fmt.Errorf("query: %w", err)
	}
	defer rows.Close()
	return scanRows(rows, dest)
}

func (p *PostgresDB) Get(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	rows, err := p.db.QueryContext(ctx, rewriteQuestionPlaceholders(query, 1), args...)
	if err != nil {
		return fmt.Errorf("query: %w", err)
	}
	defer rows.Close()
	return scanRow(rows, dest)
}

func (p *PostgresDB) Exec(ctx context.Context, query string, args ...interface{}) error {
	_, err := p.db.ExecContext(ctx, rewriteQuestionPlaceholders(query, 1), args...)
	return err
}

func (p *PostgresDB) Insert(ctx context.Context, table string, record interface{}) (int64, error) {
	cols, placeholders, vals := structToInsert(record, dollarPlaceholder)
	// Internal DB helper: table/column names come from trusted application code, values remain parameterized.
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING id",
		table, strings.Join(cols, ", "), strings.Join(placeholders, ", "))
	var id int64
	if err := p.db.QueryRowContext(ctx, query, vals...).Scan(&id); err != nil {
		return 0, fmt.Errorf("insert into %s: %w", table, err)
	}
	return id, nil
}

func (p *PostgresDB) Update(ctx context.Context, table string, record interface{}, where string, args ...interface{}) error {
	cols, vals := structToUpdate(record)
	sets := make([]string, len(cols))
	idx := 1
	for i, c := range cols {
		sets[i] = fmt.Sprintf("%s = %s", c, dollarPlaceholder(idx))
		idx++
	}
	whereRewritten := rewriteQuestionPlaceholders(where, idx)
	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s", table, strings.Join(sets, ", "), whereRewritten)
	allArgs := append(vals, args...)
	_, err := p.db.ExecContext(ctx, query, allArgs...)
	return err
}

func (p *PostgresDB) Upsert(ctx context.Context, table string, record interface{}, conflictCols []string) error {
	cols, placeholders, vals := structToInsert(record, dollarPlaceholder)
	updateCols := make([]string, 0, len(cols))
	for _, c := range cols {
		skip := false
		for _, cc := range conflictCols {
			if c == cc {
				skip = true
				break
			}
		}
		if !skip {
			updateCols = append(updateCols, fmt.Sprintf("%s = excluded.%s", c, c))
		}
	}

	query := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT(%s) DO UPDATE SET %s",
		table,
		strings.Join(cols, ", "),
		strings.Join(placeholders, ", "),
		strings.Join(conflictCols, ", "),
		strings.Join(updateCols, ", "),
	)
	_, err := p.db.ExecContext(ctx, query, vals...)
	return err
}

// rewriteQuestionPlaceholders turns a "?"-style where clause (written
// the same way at every call site, regardless of backend) into
// postgres's positional "$N" syntax starting at startIdx.
func rewriteQuestionPlaceholders(where string, startIdx int) string {
	var b strings.Builder
	idx := startIdx
	for _, r := range where {
		if r == '?' {
			fmt.Fprintf(&b, "$%d", idx)
			idx++
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
