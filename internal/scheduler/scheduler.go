// Package scheduler auto-enqueues incremental SyncJobs on a cron
// schedule, grounded on the teacher's gateway.Scheduler
// (internal/gateway/scheduler.go): a robfig/cron/v3 runner holding one
// AddFunc entry per persisted row, with Add/Delete/List methods
// that keep the DB and the live cron instance in sync.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/scmsync/scmsync/internal/queue"
	"github.com/scmsync/scmsync/internal/store"
	"github.com/scmsync/scmsync/models"
)

// Scheduler loads enabled schedules from the store and registers them
// with robfig/cron. When an entry fires it enqueues an incremental
// SyncJob for that schedule's (repo_id, job_type), skipping the
// enqueue if one is already pending or running.
type Scheduler struct {
	db    store.DB
	queue *queue.Queue
	cron  *cron.Cron

	mu      sync.Mutex
	entries map[int64]cron.EntryID
}

func New(db store.DB, q *queue.Queue) *Scheduler {
	return &Scheduler{
		db:      db,
		queue:   q,
		cron:    cron.New(),
		entries: make(map[int64]cron.EntryID),
	}
}

// Start loads every enabled schedule and starts the cron runner. Call
// Stop to halt it.
func (s *Scheduler) Start(ctx context.Context) error {
	var schedules []models.Schedule
	if err := s.db.Select(ctx, &schedules,
		`SELECT id, repo_id, job_type, expr, enabled, last_run_at, created_at, updated_at
		 FROM schedules WHERE enabled = ?`, true); err != nil {
		return fmt.Errorf("loading schedules: %w", err)
	}
	for _, sched := range schedules {
		if err := s.register(sched); err != nil {
			slog.Warn("scheduler: skipping schedule with invalid expression",
				"id", sched.ID, "repo_id", sched.RepoID, "job_type", sched.JobType, "expr", sched.Expr, "error", err)
		}
	}
	s.cron.Start()
	slog.Info("scheduler started", "schedules_loaded", len(schedules))
	return nil
}

// Stop halts the cron runner. Waits for in-flight fires to finish.
func (s *Scheduler) Stop() { s.cron.Stop() }

func (s *Scheduler) register(sched models.Schedule) error {
	entryID, err := s.cron.AddFunc(sched.Expr, func() {
		if err := s.fire(context.Background(), sched); err != nil {
			slog.Warn("scheduler: firing schedule failed", "id", sched.ID, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", sched.Expr, err)
	}
	s.mu.Lock()
	s.entries[sched.ID] = entryID
	s.mu.Unlock()
	return nil
}

// validate checks expr is parseable without registering it permanently.
func validate(expr string) error {
	tmp := cron.New()
	id, err := tmp.AddFunc(expr, func() {})
	if err != nil {
		return err
	}
	tmp.Remove(id)
	return nil
}

func (s *Scheduler) fire(ctx context.Context, sched models.Schedule) error {
	pending, err := s.hasOpenJob(ctx, sched.RepoID, sched.JobType)
	if err != nil {
		return err
	}
	if pending {
		slog.Info("scheduler: skipping fire, job already queued", "repo_id", sched.RepoID, "job_type", sched.JobType)
		return nil
	}
	if _, err := s.queue.Enqueue(ctx, &models.SyncJob{
		RepoID:  sched.RepoID,
		JobType: sched.JobType,
		Mode:    models.ModeIncremental,
	}); err != nil {
		return fmt.Errorf("enqueuing scheduled job: %w", err)
	}
	now := time.Now().UTC()
	return s.db.Exec(ctx, `UPDATE schedules SET last_run_at = ? WHERE id = ?`, now, sched.ID)
}

func (s *Scheduler) hasOpenJob(ctx context.Context, repoID int64, jobType models.JobType) (bool, error) {
	var open []struct {
		ID int64 `db:"id"`
	}
	err := s.db.Select(ctx, &open,
		`SELECT id FROM sync_jobs WHERE repo_id = ? AND job_type = ? AND status IN (?, ?)`,
		repoID, jobType, models.StatusPending, models.StatusRunning)
	return len(open) > 0, err
}

// Add validates, persists, and (if enabled) registers a new schedule.
func (s *Scheduler) Add(ctx context.Context, sched *models.Schedule) (int64, error) {
	if err := validate(sched.Expr); err != nil {
		return 0, fmt.Errorf("invalid schedule expression %q: %w", sched.Expr, err)
	}
	id, err := s.db.Insert(ctx, "schedules", sched)
	if err != nil {
		return 0, err
	}
	sched.ID = id
	if sched.Enabled {
		if err := s.register(*sched); err != nil {
			slog.Warn("scheduler: persisted but could not register schedule", "id", id, "error", err)
		}
	}
	return id, nil
}

// Delete removes a schedule from cron and the store.
func (s *Scheduler) Delete(ctx context.Context, id int64) error {
	s.mu.Lock()
	if entryID, ok := s.entries[id]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, id)
	}
	s.mu.Unlock()
	return s.db.Exec(ctx, `DELETE FROM schedules WHERE id = ?`, id)
}

// List returns every schedule ordered by id.
func (s *Scheduler) List(ctx context.Context) ([]models.Schedule, error) {
	var out []models.Schedule
	err := s.db.Select(ctx, &out,
		`SELECT id, repo_id, job_type, expr, enabled, last_run_at, created_at, updated_at FROM schedules ORDER BY id`)
	return out, err
}
