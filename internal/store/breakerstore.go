package store

import (
	"context"
	"database/sql"

	"github.com/scmsync/scmsync/internal/circuitbreaker"
)

// BreakerStore adapts a DB to circuitbreaker.Store, persisting snapshots
// in the circuit_breaker_state table.
type BreakerStore struct {
	db DB
}

func NewBreakerStore(db DB) *BreakerStore { return &BreakerStore{db: db} }

func (s *BreakerStore) LoadBreaker(ctx context.Context, projectKey, scope string) (*circuitbreaker.Snapshot, error) {
	var snap circuitbreaker.Snapshot
	err := s.db.Get(ctx, &snap,
		`SELECT project_key, scope, state, failures, opened_at, updated_at FROM circuit_breaker_state
		 WHERE project_key = ? AND scope = ?`, projectKey, scope)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

func (s *BreakerStore) SaveBreaker(ctx context.Context, snap *circuitbreaker.Snapshot) error {
	return s.db.Upsert(ctx, "circuit_breaker_state", snap, []string{"project_key", "scope"})
}
