package worker

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/scmsync/scmsync/internal/circuitbreaker"
	"github.com/scmsync/scmsync/internal/classify"
	"github.com/scmsync/scmsync/internal/config"
	"github.com/scmsync/scmsync/internal/cursor"
	"github.com/scmsync/scmsync/internal/executor"
	"github.com/scmsync/scmsync/internal/queue"
	"github.com/scmsync/scmsync/internal/store"
	"github.com/scmsync/scmsync/internal/synclock"
	"github.com/scmsync/scmsync/models"
)

// Loop drives the claim/execute/ack cycle, mirroring the teacher's
// Orchestrator.Run shape: a select over ctx cancellation, an explicit
// trigger channel (for an enqueue-then-wake-worker caller), and a
// poll-interval fallback when neither fires.
type Loop struct {
	db        store.DB
	queue     *queue.Queue
	lock      *synclock.Manager
	cursor    *cursor.Store
	registry  *executor.Registry
	breakers  circuitbreaker.Store
	execCfg   executor.Config
	cfg       config.WorkerConfig
	TriggerCh chan struct{}
}

func NewLoop(db store.DB, q *queue.Queue, lock *synclock.Manager, cur *cursor.Store, registry *executor.Registry, breakers circuitbreaker.Store, execCfg executor.Config, cfg config.WorkerConfig) *Loop {
	return &Loop{
		db:        db,
		queue:     q,
		lock:      lock,
		cursor:    cur,
		registry:  registry,
		breakers:  breakers,
		execCfg:   execCfg,
		cfg:       cfg,
		TriggerCh: make(chan struct{}, 1),
	}
}

// workerPoolProjectKey is the fixed "project" a worker-pool-scoped
// circuit breaker is stored under, distinguishing it from the
// per-repo breakers keyed by a real project_key elsewhere.
const workerPoolProjectKey = "_worker_pool"

// poolScope derives a stable circuit-breaker scope for this worker
// process, mirroring the original Python's
// _build_worker_circuit_breaker_key: an explicit pool name wins, else
// the first instance or tenant allowlist entry, else global. Built
// once per process so every claimed job shares the same breaker,
// rather than one per (repo, job_type).
func poolScope(cfg config.WorkerConfig) string {
	if cfg.PoolName != "" {
		return circuitbreaker.PoolScope(cfg.PoolName)
	}
	if len(cfg.PoolInstanceAllowlist) > 0 {
		return circuitbreaker.PoolScope("instance-" + cfg.PoolInstanceAllowlist[0])
	}
	if len(cfg.PoolTenantAllowlist) > 0 {
		return circuitbreaker.PoolScope("tenant-" + cfg.PoolTenantAllowlist[0])
	}
	return circuitbreaker.GlobalScope()
}

// Run claims and executes jobs until ctx is cancelled. Blocks the
// caller; run it in its own goroutine.
func (l *Loop) Run(ctx context.Context) error {
	filter := models.PoolFilter{}
	for _, jt := range l.cfg.PoolJobTypes {
		filter.JobTypes = append(filter.JobTypes, models.JobType(jt))
	}
	filter.InstanceAllowlist = l.cfg.PoolInstanceAllowlist
	filter.TenantAllowlist = l.cfg.PoolTenantAllowlist

	// One breaker per worker process, not per repo/job_type: an open
	// circuit should stop this worker from claiming anything at all,
	// the way the original run_loop checks it before process_one_job.
	breaker := circuitbreaker.New(l.breakers, workerPoolProjectKey, poolScope(l.cfg))

	for {
		claimed, err := l.claimAndRun(ctx, filter, breaker)
		if err != nil {
			slog.Warn("worker loop iteration failed", "error", err)
		}
		if claimed {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.TriggerCh:
		case <-time.After(l.cfg.PollInterval):
		}
	}
}

// claimAndRun claims at most one job and runs it to completion.
// Returns claimed=true whenever a job was picked up, so Run can loop
// immediately instead of waiting out the poll interval.
func (l *Loop) claimAndRun(ctx context.Context, filter models.PoolFilter, breaker *circuitbreaker.Breaker) (bool, error) {
	check, err := breaker.Check(ctx)
	if err != nil {
		slog.Warn("circuit breaker check failed", "error", err)
	} else if !check.AllowSync {
		// Leave the job queue untouched; Run's poll-interval select
		// handles the wait until the breaker cools down or half-opens.
		return false, nil
	}

	job, err := l.queue.Claim(ctx, l.cfg.ID, l.cfg.LeaseSeconds, filter)
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	repo, err := l.getRepo(ctx, job.RepoID)
	if err != nil {
		_ = l.queue.FailRetry(ctx, job, classify.CategoryUnknown, fmt.Sprintf("loading repo %d: %v", job.RepoID, err))
		return true, nil
	}

	jobExecutor, err := l.registry.Get(job.JobType)
	if err != nil {
		_ = l.queue.MarkDead(ctx, job.ID, err.Error())
		return true, nil
	}

	hb := NewHeartbeat(l.queue, l.lock, l.cfg.ID, time.Duration(l.cfg.RenewIntervalSeconds)*time.Second, l.cfg.MaxRenewFailures, l.cfg.LeaseSeconds)
	hb.Start(ctx, job.ID, repo.ID, job.JobType)
	result := jobExecutor.Execute(ctx, job, repo, executor.Deps{
		DB: l.db, Cursor: l.cursor, Lock: l.lock, Config: l.execCfg, WorkerID: l.cfg.ID,
	}, hb)
	hb.Stop()

	if err := breaker.RecordResult(ctx, result.Success(), result.ErrorCategory); err != nil {
		slog.Warn("circuit breaker record failed", "repo_id", repo.ID, "job_type", job.JobType, "error", err)
	}

	l.finish(ctx, job, result)
	return true, nil
}

// finish dispatches the queue-side disposition for one job's result,
// matching spec §4.3's three terminal transitions.
func (l *Loop) finish(ctx context.Context, job *models.SyncJob, result executor.Result) {
	switch result.Outcome {
	case executor.OutcomeOK:
		if err := l.queue.Ack(ctx, job.ID, l.cfg.ID); err != nil {
			slog.Warn("ack failed", "job_id", job.ID, "error", err)
		}
	case executor.OutcomeLocked:
		// Another worker holds the sync lock; return this job to
		// pending after a short delay rather than burning an attempt.
		if err := l.queue.FailRetry(ctx, job, classify.CategoryLockHeld, "sync lock held by another worker"); err != nil {
			slog.Warn("requeue after lock-held failed", "job_id", job.ID, "error", err)
		}
	case executor.OutcomeLeaseLost:
		if err := l.queue.FailRetry(ctx, job, result.ErrorCategory, "lease lost mid-run"); err != nil {
			slog.Warn("requeue after lease-lost failed", "job_id", job.ID, "error", err)
		}
	case executor.OutcomeFailed:
		if result.ErrorCategory.IsPermanent() {
			if err := l.queue.MarkDead(ctx, job.ID, result.Error); err != nil {
				slog.Warn("mark-dead failed", "job_id", job.ID, "error", err)
			}
			return
		}
		if err := l.queue.FailRetry(ctx, job, result.ErrorCategory, result.Error); err != nil {
			slog.Warn("fail-retry failed", "job_id", job.ID, "error", err)
		}
	}
}

func (l *Loop) getRepo(ctx context.Context, repoID int64) (*models.Repository, error) {
	var repo models.Repository
	err := l.db.Get(ctx, &repo, `SELECT id, repo_type, url, project_key, default_branch, created_at FROM repos WHERE id = ?`, repoID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("repo %d not found", repoID)
	}
	if err != nil {
		return nil, err
	}
	return &repo, nil
}
