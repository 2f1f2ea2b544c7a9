package scheduler

import (
	"context"
	"testing"

	"github.com/scmsync/scmsync/internal/config"
	"github.com/scmsync/scmsync/internal/queue"
	"github.com/scmsync/scmsync/internal/store"
	"github.com/scmsync/scmsync/models"
)

func newTestDB(t *testing.T) store.DB {
	t.Helper()
	db, err := store.New(config.DatabaseConfig{Driver: "sqlite", Path: ":memory:"})
	if err != nil {
		t.Fatalf("opening test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("migrating test db: %v", err)
	}
	return db
}

func seedRepo(t *testing.T, db store.DB) int64 {
	t.Helper()
	id, err := db.Insert(context.Background(), "repos", &models.Repository{
		RepoType: models.RepoTypeGit, URL: "https://gitlab.example.com/a/b", ProjectKey: "a/b",
	})
	if err != nil {
		t.Fatalf("seeding repo: %v", err)
	}
	return id
}

func TestAddRejectsInvalidExpression(t *testing.T) {
	db := newTestDB(t)
	repoID := seedRepo(t, db)
	s := New(db, queue.New(db))

	_, err := s.Add(context.Background(), &models.Schedule{
		RepoID: repoID, JobType: models.JobTypeGitLabCommits, Expr: "not a cron expr", Enabled: true,
	})
	if err == nil {
		t.Fatal("expected an error for an invalid cron expression")
	}
}

func TestAddPersistsAndLists(t *testing.T) {
	db := newTestDB(t)
	repoID := seedRepo(t, db)
	s := New(db, queue.New(db))

	id, err := s.Add(context.Background(), &models.Schedule{
		RepoID: repoID, JobType: models.JobTypeGitLabCommits, Expr: "@every 1h", Enabled: true,
	})
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	list, err := s.List(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].ID != id {
		t.Fatalf("expected one schedule with id %d, got %v", id, list)
	}
}

func TestFireEnqueuesAndSkipsWhenJobAlreadyOpen(t *testing.T) {
	db := newTestDB(t)
	repoID := seedRepo(t, db)
	q := queue.New(db)
	s := New(db, q)

	sched := models.Schedule{RepoID: repoID, JobType: models.JobTypeGitLabCommits, Expr: "@every 1h", Enabled: true}
	id, err := s.Add(context.Background(), &sched)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	sched.ID = id

	if err := s.fire(context.Background(), sched); err != nil {
		t.Fatalf("fire: %v", err)
	}
	var jobs []models.SyncJob
	if err := db.Select(context.Background(), &jobs,
		`SELECT id, repo_id, job_type, mode, priority, status, attempts, max_attempts,
		 locked_by, locked_at, lease_seconds, not_before, last_error, payload, created_at, updated_at
		 FROM sync_jobs WHERE repo_id = ? AND job_type = ?`, repoID, models.JobTypeGitLabCommits); err != nil {
		t.Fatalf("select jobs: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("expected one enqueued job, got %d", len(jobs))
	}

	// Firing again while the job is still pending must not enqueue a
	// second one.
	if err := s.fire(context.Background(), sched); err != nil {
		t.Fatalf("fire (dedup): %v", err)
	}
	if err := db.Select(context.Background(), &jobs,
		`SELECT id, repo_id, job_type, mode, priority, status, attempts, max_attempts,
		 locked_by, locked_at, lease_seconds, not_before, last_error, payload, created_at, updated_at
		 FROM sync_jobs WHERE repo_id = ? AND job_type = ?`, repoID, models.JobTypeGitLabCommits); err != nil {
		t.Fatalf("select jobs: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("expected dedup to skip the second fire, got %d jobs", len(jobs))
	}
}

func TestDeleteRemovesSchedule(t *testing.T) {
	db := newTestDB(t)
	repoID := seedRepo(t, db)
	s := New(db, queue.New(db))

	id, err := s.Add(context.Background(), &models.Schedule{
		RepoID: repoID, JobType: models.JobTypeGitLabCommits, Expr: "@every 1h", Enabled: true,
	})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := s.Delete(context.Background(), id); err != nil {
		t.Fatalf("delete: %v", err)
	}
	list, err := s.List(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("expected no schedules after delete, got %d", len(list))
	}
}
