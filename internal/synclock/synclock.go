// Package synclock implements the per-(repo_id, job_type) mutual-
// exclusion resource distinct from the job queue's own lease (spec
// §4.2): the queue lease protects one sync_jobs row, the SyncLock
// protects the semantic repository resource an executor touches.
package synclock

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/scmsync/scmsync/internal/store"
	"github.com/scmsync/scmsync/models"
)

// Manager claims, renews, and releases per-repo sync locks, grounded
// on the insert-on-claim / compare-and-swap update pattern used for
// work leasing elsewhere in the corpus. All expiry comparisons are
// done in Go against a value read inside the same transaction, so the
// CAS update never needs backend-specific interval arithmetic.
type Manager struct {
	db store.DB
}

func New(db store.DB) *Manager { return &Manager{db: db} }

// Claim atomically acquires the lock iff it is currently free or its
// lease has expired (now - locked_at >= lease_seconds). Returns true
// on success.
func (m *Manager) Claim(ctx context.Context, repoID int64, jobType models.JobType, workerID string, leaseSeconds int) (bool, error) {
	tx, err := m.db.BeginTx(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO sync_locks (repo_id, job_type, locked_by, locked_at, lease_seconds)
		 VALUES (?, ?, NULL, NULL, ?)
		 ON CONFLICT(repo_id, job_type) DO NOTHING`,
		repoID, jobType, leaseSeconds); err != nil {
		return false, fmt.Errorf("seeding sync_locks row: %w", err)
	}

	var lockedBy sql.NullString
	var lockedAt sql.NullTime
	var existingLease int
	rows, err := tx.QueryContext(ctx,
		`SELECT locked_by, locked_at, lease_seconds FROM sync_locks WHERE repo_id = ? AND job_type = ?`,
		repoID, jobType)
	if err != nil {
		return false, fmt.Errorf("reading sync lock: %w", err)
	}
	if !rows.Next() {
		rows.Close()
		return false, fmt.Errorf("sync lock row missing after seed for repo %d job_type %s", repoID, jobType)
	}
	if err := rows.Scan(&lockedBy, &lockedAt, &existingLease); err != nil {
		rows.Close()
		return false, err
	}
	rows.Close()

	now := time.Now().UTC()
	free := !lockedBy.Valid
	expired := lockedAt.Valid && now.Sub(lockedAt.Time) >= time.Duration(existingLease)*time.Second
	if !free && !expired {
		return false, nil
	}

	var res sql.Result
	if !lockedBy.Valid {
		res, err = tx.ExecContext(ctx,
			`UPDATE sync_locks SET locked_by = ?, locked_at = ?, lease_seconds = ?
			 WHERE repo_id = ? AND job_type = ? AND locked_by IS NULL`,
			workerID, now, leaseSeconds, repoID, jobType)
	} else {
		res, err = tx.ExecContext(ctx,
			`UPDATE sync_locks SET locked_by = ?, locked_at = ?, lease_seconds = ?
			 WHERE repo_id = ? AND job_type = ? AND locked_by = ? AND locked_at = ?`,
			workerID, now, leaseSeconds, repoID, jobType, lockedBy.String, lockedAt.Time)
	}
	if err != nil {
		return false, fmt.Errorf("claiming sync lock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	return true, tx.Commit()
}

// Renew extends the lease iff locked_by = workerID. Returns false if
// ownership has been lost, signalling the caller must abort.
func (m *Manager) Renew(ctx context.Context, repoID int64, jobType models.JobType, workerID string) (bool, error) {
	res, err := m.exec(ctx,
		`UPDATE sync_locks SET locked_at = ? WHERE repo_id = ? AND job_type = ? AND locked_by = ?`,
		time.Now().UTC(), repoID, jobType, workerID)
	if err != nil {
		return false, fmt.Errorf("renewing sync lock: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0 && err == nil, nil
}

// Release clears the lock iff locked_by = workerID.
func (m *Manager) Release(ctx context.Context, repoID int64, jobType models.JobType, workerID string) (bool, error) {
	res, err := m.exec(ctx,
		`UPDATE sync_locks SET locked_by = NULL, locked_at = NULL WHERE repo_id = ? AND job_type = ? AND locked_by = ?`,
		repoID, jobType, workerID)
	if err != nil {
		return false, fmt.Errorf("releasing sync lock: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0 && err == nil, nil
}

// ForceRelease clears a lock by id regardless of holder. Admin/reaper
// only.
func (m *Manager) ForceRelease(ctx context.Context, lockID int64) error {
	return m.db.Exec(ctx, `UPDATE sync_locks SET locked_by = NULL, locked_at = NULL WHERE id = ?`, lockID)
}

// Get is a best-effort diagnostic read.
func (m *Manager) Get(ctx context.Context, repoID int64, jobType models.JobType) (*models.SyncLock, error) {
	var lock models.SyncLock
	err := m.db.Get(ctx, &lock,
		`SELECT id, repo_id, job_type, locked_by, locked_at, lease_seconds FROM sync_locks WHERE repo_id = ? AND job_type = ?`,
		repoID, jobType)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &lock, nil
}

// ExpiredLocks returns every held lock whose lease plus grace period
// has elapsed, for the reaper's expired-locks pass. The comparison is
// done in Go after a full scan, since lease_seconds varies per row and
// a portable query can't express "locked_at + lease_seconds < cutoff"
// without backend-specific interval syntax.
func (m *Manager) ExpiredLocks(ctx context.Context, graceSeconds int, now time.Time) ([]models.SyncLock, error) {
	var held []models.SyncLock
	err := m.db.Select(ctx, &held,
		`SELECT id, repo_id, job_type, locked_by, locked_at, lease_seconds FROM sync_locks WHERE locked_by IS NOT NULL AND locked_at IS NOT NULL`)
	if err != nil {
		return nil, err
	}
	var expired []models.SyncLock
	for _, l := range held {
		if l.LockedAt == nil {
			continue
		}
		deadline := l.LockedAt.Add(time.Duration(l.LeaseSeconds+graceSeconds) * time.Second)
		if !now.Before(deadline) {
			expired = append(expired, l)
		}
	}
	return expired, nil
}

func (m *Manager) exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	tx, err := m.db.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return res, tx.Commit()
}
