// Package queue implements the job queue and dispatcher contract
// (spec §4.1): atomic claim with pool filters, ack, fail-with-retry,
// mark-dead, and lease renewal. Grounded on the SKIP LOCKED claim/
// heartbeat pattern used for group-and-job leasing elsewhere in the
// corpus, adapted to a single flat table and a portable "?" query
// style shared across the postgres and sqlite backends.
package queue

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/scmsync/scmsync/internal/classify"
	"github.com/scmsync/scmsync/internal/redact"
	"github.com/scmsync/scmsync/internal/store"
	"github.com/scmsync/scmsync/models"
)

// lockHeldRequeueDelay is the short not_before nudge given to a job
// returned to pending after an ignored-category outcome (lock
// contention, circuit breaker open): long enough to avoid a tight
// reclaim loop against the same contended resource, short enough not
// to starve it once the contention clears.
const lockHeldRequeueDelay = 5 * time.Second

// Queue dispatches SyncJob rows.
type Queue struct {
	db store.DB
}

func New(db store.DB) *Queue { return &Queue{db: db} }

// Enqueue inserts a new pending job. Returns the new job's id.
func (q *Queue) Enqueue(ctx context.Context, job *models.SyncJob) (int64, error) {
	if job.Status == "" {
		job.Status = models.StatusPending
	}
	if job.MaxAttempts == 0 {
		job.MaxAttempts = 5
	}
	if job.Payload == nil {
		job.Payload = models.JSONMap{}
	}
	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now
	return q.db.Insert(ctx, "sync_jobs", job)
}

// claimCandidate is one row eligible for claiming before the
// instance/tenant allowlists and the running-lease-expiry check (both
// computed in Go, see claimWhere) have narrowed it down.
type claimCandidate struct {
	id           int64
	status       models.JobStatus
	priority     int
	createdAt    time.Time
	lockedAt     *time.Time
	leaseSeconds int
	repoURL      string
	projectKey   string
}

// Claim atomically picks the highest-priority (lowest priority value,
// ties broken by created_at ascending) eligible job matching filter,
// marks it running under workerID with the given lease, and returns it.
// Returns (nil, nil) when there is no eligible work.
//
// Eligible rows are either pending-and-due, or running with a lease
// that has already expired (spec §4.3 claim predicate) — the latter
// lets Claim itself reclaim a lease-lost job instead of waiting on the
// reaper's slower sweep. The candidate selection and the claiming
// UPDATE run in one transaction so two workers racing for the same row
// never both win: the UPDATE's WHERE clause re-checks the exact prior
// status (and, when reclaiming, the exact prior locked_at), so only the
// worker whose UPDATE actually flips the row gets a RowsAffected of 1.
func (q *Queue) Claim(ctx context.Context, workerID string, leaseSeconds int, filter models.PoolFilter) (*models.SyncJob, error) {
	tx, err := q.db.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	now := time.Now().UTC()

	where, args := claimWhere(filter, now)
	query := fmt.Sprintf(
		`SELECT j.id, j.status, j.priority, j.created_at, j.locked_at, j.lease_seconds, r.url, r.project_key
		 FROM sync_jobs j JOIN repos r ON r.id = j.repo_id WHERE %s`, where)

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("selecting claimable jobs: %w", err)
	}
	var candidates []claimCandidate
	for rows.Next() {
		var c claimCandidate
		if err := rows.Scan(&c.id, &c.status, &c.priority, &c.createdAt, &c.lockedAt, &c.leaseSeconds, &c.repoURL, &c.projectKey); err != nil {
			rows.Close()
			return nil, err
		}
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	// The instance/tenant allowlists and the running-lease expiry check
	// both depend on per-row state (a parsed URL host, a per-row
	// lease_seconds) that a portable query can't express cleanly across
	// the postgres and sqlite backends, so they're applied here instead
	// — same approach as synclock.ExpiredLocks and queue.ExpiredRunning.
	var best *claimCandidate
	for i := range candidates {
		c := &candidates[i]
		if c.status == models.StatusRunning {
			if c.lockedAt == nil || now.Before(c.lockedAt.Add(time.Duration(c.leaseSeconds)*time.Second)) {
				continue // lease still live, not actually reclaimable
			}
		}
		if !filter.Allows(c.repoURL, c.projectKey) {
			continue
		}
		if best == nil || c.priority < best.priority || (c.priority == best.priority && c.createdAt.Before(best.createdAt)) {
			best = c
		}
	}
	if best == nil {
		return nil, tx.Commit()
	}

	var res sql.Result
	if best.status == models.StatusPending {
		res, err = tx.ExecContext(ctx,
			`UPDATE sync_jobs SET status = ?, attempts = attempts + 1, locked_by = ?, locked_at = ?,
			 lease_seconds = ?, updated_at = ?
			 WHERE id = ? AND status = ?`,
			models.StatusRunning, workerID, now, leaseSeconds, now, best.id, models.StatusPending)
	} else {
		// Reclaiming a job whose previous lease expired. The WHERE
		// clause also pins the exact locked_at we read, so a worker
		// that renewed the lease between our SELECT and this UPDATE
		// loses the race cleanly — same CAS shape as
		// synclock.Claim's reclaim path.
		res, err = tx.ExecContext(ctx,
			`UPDATE sync_jobs SET status = ?, attempts = attempts + 1, locked_by = ?, locked_at = ?,
			 lease_seconds = ?, updated_at = ?
			 WHERE id = ? AND status = ? AND locked_at = ?`,
			models.StatusRunning, workerID, now, leaseSeconds, now, best.id, models.StatusRunning, *best.lockedAt)
	}
	if err != nil {
		return nil, fmt.Errorf("claiming job %d: %w", best.id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		// Lost the race to another worker between SELECT and UPDATE.
		return nil, tx.Commit()
	}

	var job models.SyncJob
	jrows, err := tx.QueryContext(ctx,
		`SELECT id, repo_id, job_type, mode, priority, status, attempts, max_attempts,
		 locked_by, locked_at, lease_seconds, not_before, last_error, payload, created_at, updated_at
		 FROM sync_jobs WHERE id = ?`, best.id)
	if err != nil {
		return nil, err
	}
	defer jrows.Close()
	if !jrows.Next() {
		return nil, fmt.Errorf("claimed job %d vanished before reread", best.id)
	}
	if err := jrows.Scan(&job.ID, &job.RepoID, &job.JobType, &job.Mode, &job.Priority, &job.Status,
		&job.Attempts, &job.MaxAttempts, &job.LockedBy, &job.LockedAt, &job.LeaseSeconds,
		&job.NotBefore, &job.LastError, &job.Payload, &job.CreatedAt, &job.UpdatedAt); err != nil {
		return nil, err
	}

	return &job, tx.Commit()
}

// claimWhere builds the eligibility predicate (spec §4.3): pending and
// due, OR running with a lease that may have expired (the exact expiry
// check happens in Go once lease_seconds and locked_at are in hand),
// further narrowed by job type. The instance/tenant pool allowlists are
// not expressible as SQL against this join (they match a parsed URL
// host and a project_key prefix) and are applied afterward via
// filter.Allows.
func claimWhere(filter models.PoolFilter, now time.Time) (string, []interface{}) {
	clauses := []string{
		"((j.status = ? AND (j.not_before IS NULL OR j.not_before <= ?)) OR (j.status = ? AND j.locked_at IS NOT NULL))",
	}
	args := []interface{}{models.StatusPending, now, models.StatusRunning}

	if len(filter.JobTypes) > 0 {
		placeholders := make([]string, len(filter.JobTypes))
		for i, jt := range filter.JobTypes {
			placeholders[i] = "?"
			args = append(args, jt)
		}
		clauses = append(clauses, fmt.Sprintf("j.job_type IN (%s)", strings.Join(placeholders, ", ")))
	}

	return strings.Join(clauses, " AND "), args
}

// Ack marks a running job completed.
func (q *Queue) Ack(ctx context.Context, jobID int64, workerID string) error {
	return q.db.Exec(ctx,
		`UPDATE sync_jobs SET status = ?, locked_by = NULL, locked_at = NULL, last_error = '', updated_at = ?
		 WHERE id = ? AND locked_by = ?`,
		models.StatusCompleted, time.Now().UTC(), jobID, workerID)
}

// FailRetry records a failure and returns the job to pending for
// another attempt. Ignored categories (lock_held: circuit breaker open
// or sync-lock contention) are not really failures of the job itself,
// so they're released cleanly on a short fixed delay and the attempt
// Claim counted is given back (§4.3: "not counted toward attempts").
// errMsg is passed through redact.Scrub before it is stored. Everything else
// resolves its backoff base from the error category/message via
// classify.ResolveBackoff, then scales it by attempt count via
// classify.ExponentialBackoff; if attempts have reached max_attempts it
// escalates to MarkDead instead (§4.3: attempts exhausted is itself a
// terminal condition).
func (q *Queue) FailRetry(ctx context.Context, job *models.SyncJob, category classify.Category, errMsg string) error {
	errMsg = redact.Scrub(errMsg)
	if category.IsIgnored() {
		notBefore := time.Now().UTC().Add(lockHeldRequeueDelay)
		return q.db.Exec(ctx,
			`UPDATE sync_jobs SET status = ?, attempts = CASE WHEN attempts > 0 THEN attempts - 1 ELSE 0 END,
			 locked_by = NULL, locked_at = NULL, not_before = ?, updated_at = ?
			 WHERE id = ?`,
			models.StatusPending, notBefore, time.Now().UTC(), job.ID)
	}
	if job.Attempts >= job.MaxAttempts {
		return q.MarkDead(ctx, job.ID, errMsg)
	}
	base, _ := classify.ResolveBackoff(nil, category, errMsg)
	backoff := classify.ExponentialBackoff(job.Attempts, base, classify.DefaultMax)
	notBefore := time.Now().UTC().Add(backoff)
	return q.db.Exec(ctx,
		`UPDATE sync_jobs SET status = ?, locked_by = NULL, locked_at = NULL, not_before = ?, last_error = ?, updated_at = ?
		 WHERE id = ?`,
		models.StatusPending, notBefore, errMsg, time.Now().UTC(), job.ID)
}

// MarkDead terminates a job permanently: a permanent-category error,
// or a transient error with attempts exhausted.
func (q *Queue) MarkDead(ctx context.Context, jobID int64, errMsg string) error {
	return q.db.Exec(ctx,
		`UPDATE sync_jobs SET status = ?, locked_by = NULL, locked_at = NULL, last_error = ?, updated_at = ?
		 WHERE id = ?`,
		models.StatusDead, errMsg, time.Now().UTC(), jobID)
}

// RenewLease extends a running job's lease iff still held by workerID.
func (q *Queue) RenewLease(ctx context.Context, jobID int64, workerID string) (bool, error) {
	tx, err := q.db.BeginTx(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	res, err := tx.ExecContext(ctx,
		`UPDATE sync_jobs SET locked_at = ? WHERE id = ? AND locked_by = ? AND status = ?`,
		time.Now().UTC(), jobID, workerID, models.StatusRunning)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, tx.Commit()
	}
	return true, tx.Commit()
}

// Get fetches a job by id, for diagnostics and the reaper.
func (q *Queue) Get(ctx context.Context, jobID int64) (*models.SyncJob, error) {
	var job models.SyncJob
	err := q.db.Get(ctx, &job,
		`SELECT id, repo_id, job_type, mode, priority, status, attempts, max_attempts,
		 locked_by, locked_at, lease_seconds, not_before, last_error, payload, created_at, updated_at
		 FROM sync_jobs WHERE id = ?`, jobID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &job, err
}

// ExpiredRunning returns running jobs whose lease plus grace period
// has elapsed, for the reaper's expired-jobs pass. Filtered in Go for
// the same reason as synclock.ExpiredLocks: lease_seconds varies per
// row.
func (q *Queue) ExpiredRunning(ctx context.Context, graceSeconds int, now time.Time) ([]models.SyncJob, error) {
	var running []models.SyncJob
	err := q.db.Select(ctx, &running,
		`SELECT id, repo_id, job_type, mode, priority, status, attempts, max_attempts,
		 locked_by, locked_at, lease_seconds, not_before, last_error, payload, created_at, updated_at
		 FROM sync_jobs WHERE status = ? AND locked_at IS NOT NULL`, models.StatusRunning)
	if err != nil {
		return nil, err
	}
	var expired []models.SyncJob
	for _, j := range running {
		if j.LockedAt == nil {
			continue
		}
		deadline := j.LockedAt.Add(time.Duration(j.LeaseSeconds+graceSeconds) * time.Second)
		if !now.Before(deadline) {
			expired = append(expired, j)
		}
	}
	return expired, nil
}
