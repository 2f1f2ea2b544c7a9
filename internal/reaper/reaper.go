// Package reaper implements the background recovery process (spec
// §4.6): three independent passes over expired running jobs, expired
// running runs, and expired locks, classifying each orphan's last known
// error through the shared taxonomy before deciding its fate. Grounded
// on the same "filter expiry in Go, not in SQL" pattern as
// internal/queue.ExpiredRunning and internal/synclock.ExpiredLocks,
// since lease_seconds varies per row and neither backend dialect shares
// interval arithmetic syntax.
package reaper

import (
	"context"
	"log/slog"
	"time"

	"github.com/scmsync/scmsync/internal/classify"
	"github.com/scmsync/scmsync/internal/config"
	"github.com/scmsync/scmsync/internal/queue"
	"github.com/scmsync/scmsync/internal/redact"
	"github.com/scmsync/scmsync/internal/store"
	"github.com/scmsync/scmsync/internal/synclock"
	"github.com/scmsync/scmsync/models"
)

// Reaper runs the three recovery passes, standalone or looped.
type Reaper struct {
	db    store.DB
	queue *queue.Queue
	lock  *synclock.Manager
	cfg   config.ReaperConfig
}

func New(db store.DB, q *queue.Queue, lock *synclock.Manager, cfg config.ReaperConfig) *Reaper {
	return &Reaper{db: db, queue: q, lock: lock, cfg: cfg}
}

// RunOnce executes all three passes a single time, logging (not
// failing) on a per-row error so one bad row never blocks the rest of
// the sweep.
func (r *Reaper) RunOnce(ctx context.Context) {
	r.reapJobs(ctx)
	r.reapRuns(ctx)
	r.reapLocks(ctx)
}

// RunLoop calls RunOnce on cfg.Interval until ctx is cancelled.
func (r *Reaper) RunLoop(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		r.RunOnce(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// reapJobs implements the expired-running-jobs pass (§4.6 bullet 1).
func (r *Reaper) reapJobs(ctx context.Context) {
	now := time.Now().UTC()
	expired, err := r.queue.ExpiredRunning(ctx, r.cfg.GraceSeconds, now)
	if err != nil {
		slog.Warn("reaper: listing expired running jobs failed", "error", err)
		return
	}
	for _, job := range expired {
		r.reapOneJob(ctx, job)
	}
}

func (r *Reaper) reapOneJob(ctx context.Context, job models.SyncJob) {
	cls := classify.Classify(0, job.LastError)
	msg := redact.Scrub(job.LastError)
	if msg == "" {
		msg = "lease expired while running"
	}

	switch {
	case cls.Category.IsPermanent():
		if err := r.queue.MarkDead(ctx, job.ID, msg); err != nil {
			slog.Warn("reaper: mark_dead failed", "job_id", job.ID, "error", err)
		}
	case cls.Category.IsTransient():
		backoff := classify.ExponentialBackoff(job.Attempts+1, classify.DefaultBase, classify.ReaperMax)
		r.failRetryWithBackoff(ctx, &job, msg, backoff)
	default:
		// Unclassifiable: attempts exhausted always wins, otherwise
		// the reaper's default policy is to return the job to
		// pending rather than burn an attempt on an orphan whose
		// cause of death is unknown.
		if job.Attempts >= job.MaxAttempts {
			if err := r.queue.MarkDead(ctx, job.ID, msg); err != nil {
				slog.Warn("reaper: mark_dead failed", "job_id", job.ID, "error", err)
			}
			return
		}
		if err := r.db.Exec(ctx,
			`UPDATE sync_jobs SET status = ?, locked_by = NULL, locked_at = NULL, updated_at = ? WHERE id = ?`,
			models.StatusPending, time.Now().UTC(), job.ID); err != nil {
			slog.Warn("reaper: revert to pending failed", "job_id", job.ID, "error", err)
		}
	}
}

func (r *Reaper) failRetryWithBackoff(ctx context.Context, job *models.SyncJob, msg string, backoff time.Duration) {
	if job.Attempts >= job.MaxAttempts {
		if err := r.queue.MarkDead(ctx, job.ID, msg); err != nil {
			slog.Warn("reaper: mark_dead failed", "job_id", job.ID, "error", err)
		}
		return
	}
	notBefore := time.Now().UTC().Add(backoff)
	if err := r.db.Exec(ctx,
		`UPDATE sync_jobs SET status = ?, locked_by = NULL, locked_at = NULL, not_before = ?, last_error = ?, updated_at = ?
		 WHERE id = ?`,
		models.StatusPending, notBefore, msg, time.Now().UTC(), job.ID); err != nil {
		slog.Warn("reaper: fail_retry failed", "job_id", job.ID, "error", err)
	}
}

// reapRuns implements the expired-running-runs pass (§4.6 bullet 2).
func (r *Reaper) reapRuns(ctx context.Context) {
	var running []models.SyncRun
	if err := r.db.Select(ctx, &running,
		`SELECT run_id, repo_id, job_type, mode, status, started_at, finished_at, cursor_before, cursor_after, counts, error_summary, logbook_item_id
		 FROM sync_runs WHERE status = ?`, models.RunRunning); err != nil {
		slog.Warn("reaper: listing running runs failed", "error", err)
		return
	}

	now := time.Now().UTC()
	maxDuration := time.Duration(r.cfg.MaxRunDurationSeconds) * time.Second
	for _, run := range running {
		if now.Before(run.StartedAt.Add(maxDuration)) {
			continue
		}
		finishedAt := now
		run.Status = models.RunFailed
		run.FinishedAt = &finishedAt
		run.ErrorSummary = models.JSONMap{"error_type": "lease_lost", "error_category": string(classify.CategoryTimeout)}
		if err := r.db.Update(ctx, "sync_runs", &run, "run_id = ?", run.RunID); err != nil {
			slog.Warn("reaper: expiring run failed", "run_id", run.RunID, "error", err)
		}
	}
}

// reapLocks implements the expired-locks pass (§4.6 bullet 3).
func (r *Reaper) reapLocks(ctx context.Context) {
	now := time.Now().UTC()
	expired, err := r.lock.ExpiredLocks(ctx, r.cfg.GraceSeconds, now)
	if err != nil {
		slog.Warn("reaper: listing expired locks failed", "error", err)
		return
	}
	for _, lock := range expired {
		if err := r.lock.ForceRelease(ctx, lock.ID); err != nil {
			slog.Warn("reaper: force-release failed", "lock_id", lock.ID, "repo_id", lock.RepoID, "job_type", lock.JobType, "error", err)
		}
	}
}
