package worker

import (
	"context"
	"testing"
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
		RepoType:   models.RepoTypeGit,
		URL:        "https://gitlab.example.com/a/b",
		ProjectKey: "a/b",
	})
	if err != nil {
		t.Fatalf("seeding repo: %v", err)
	}
	return id
}

// stubFetcher satisfies executor.Fetcher and lets each test control the
// FetchOutcome returned, without touching any real GitLab/SVN client.
type stubFetcher struct {
	outcome executor.FetchOutcome
}

func (f *stubFetcher) TimeKeyed() bool { return true }
func (f *stubFetcher) Fetch(ctx context.Context, repo *models.Repository, window executor.Window, job *models.SyncJob, cfg executor.Config, hb executor.HeartbeatSignal) executor.FetchOutcome {
	return f.outcome
}

func newTestLoop(t *testing.T, db store.DB, fetcher *stubFetcher) (*Loop, *queue.Queue, *circuitbreaker.Breaker) {
	t.Helper()
	q := queue.New(db)
	lock := synclock.New(db)
	cur := cursor.New(db)
	breakers := store.NewBreakerStore(db)
	registry := executor.NewRegistry()
	registry.Register(executor.NewBase(models.JobTypeGitLabCommits, fetcher))

	cfg := config.WorkerConfig{
		ID:                   "worker-1",
		PollInterval:         10 * time.Millisecond,
		LeaseSeconds:         300,
		RenewIntervalSeconds: 60,
		MaxRenewFailures:     3,
	}
	loop := NewLoop(db, q, lock, cur, registry, breakers, executor.Config{}, cfg)
	breaker := circuitbreaker.New(breakers, workerPoolProjectKey, poolScope(cfg))
	return loop, q, breaker
}

func TestClaimAndRunAcksOnSuccess(t *testing.T) {
	db := newTestDB(t)
	repoID := seedRepo(t, db)
	fetcher := &stubFetcher{outcome: executor.FetchOutcome{
		NewWatermark: models.JSONMap{"timestamp": "2026-01-01T00:00:00Z", "secondary_id": "abc"},
		Counts:       executor.Counts{Commits: 3},
	}}
	loop, q, breaker := newTestLoop(t, db, fetcher)

	jobID, err := q.Enqueue(context.Background(), &models.SyncJob{
		RepoID: repoID, JobType: models.JobTypeGitLabCommits, Mode: models.ModeIncremental, MaxAttempts: 3,
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	claimed, err := loop.claimAndRun(context.Background(), models.PoolFilter{}, breaker)
	if err != nil {
		t.Fatalf("claimAndRun: %v", err)
	}
	if !claimed {
		t.Fatal("expected a job to be claimed")
	}

	job, err := q.Get(context.Background(), jobID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job.Status != models.StatusCompleted {
		t.Fatalf("expected completed, got %s", job.Status)
	}
}

func TestClaimAndRunRetriesOnTransientFailure(t *testing.T) {
	db := newTestDB(t)
	repoID := seedRepo(t, db)
	fetcher := &stubFetcher{outcome: executor.FetchOutcome{
		UnrecoverableErrors: []classify.Classification{{Category: classify.CategoryNetwork}},
	}}
	loop, q, breaker := newTestLoop(t, db, fetcher)

	jobID, err := q.Enqueue(context.Background(), &models.SyncJob{
		RepoID: repoID, JobType: models.JobTypeGitLabCommits, Mode: models.ModeIncremental, MaxAttempts: 3,
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if _, err := loop.claimAndRun(context.Background(), models.PoolFilter{}, breaker); err != nil {
		t.Fatalf("claimAndRun: %v", err)
	}

	job, err := q.Get(context.Background(), jobID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job.Status != models.StatusPending {
		t.Fatalf("expected job returned to pending for retry, got %s", job.Status)
	}
	if job.NotBefore == nil {
		t.Fatal("expected not_before to be set for backoff")
	}
}

func TestClaimAndRunMarksDeadOnPermanentFailure(t *testing.T) {
	db := newTestDB(t)
	repoID := seedRepo(t, db)
	fetcher := &stubFetcher{outcome: executor.FetchOutcome{
		UnrecoverableErrors: []classify.Classification{{Category: classify.CategoryAuthInvalid}},
	}}
	loop, q, breaker := newTestLoop(t, db, fetcher)

	jobID, err := q.Enqueue(context.Background(), &models.SyncJob{
		RepoID: repoID, JobType: models.JobTypeGitLabCommits, Mode: models.ModeIncremental, MaxAttempts: 3,
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if _, err := loop.claimAndRun(context.Background(), models.PoolFilter{}, breaker); err != nil {
		t.Fatalf("claimAndRun: %v", err)
	}

	job, err := q.Get(context.Background(), jobID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job.Status != models.StatusDead {
		t.Fatalf("expected dead, got %s", job.Status)
	}
}

func TestClaimAndRunNoJobReturnsFalse(t *testing.T) {
	db := newTestDB(t)
	fetcher := &stubFetcher{}
	loop, _, breaker := newTestLoop(t, db, fetcher)

	claimed, err := loop.claimAndRun(context.Background(), models.PoolFilter{}, breaker)
	if err != nil {
		t.Fatalf("claimAndRun: %v", err)
	}
	if claimed {
		t.Fatal("expected no job to be claimed")
	}
}

func TestClaimAndRunSkipsClaimWhenBreakerOpen(t *testing.T) {
	db := newTestDB(t)
	repoID := seedRepo(t, db)
	fetcher := &stubFetcher{outcome: executor.FetchOutcome{Counts: executor.Counts{Commits: 1}}}
	loop, q, breaker := newTestLoop(t, db, fetcher)

	jobID, err := q.Enqueue(context.Background(), &models.SyncJob{
		RepoID: repoID, JobType: models.JobTypeGitLabCommits, Mode: models.ModeIncremental, MaxAttempts: 3,
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	for i := 0; i < 5; i++ {
		if err := breaker.RecordResult(context.Background(), false, classify.CategoryServerError); err != nil {
			t.Fatalf("opening breaker: %v", err)
		}
	}
	if breaker.CurrentState() != circuitbreaker.StateOpen {
		t.Fatalf("expected breaker open, got %v", breaker.CurrentState())
	}

	claimed, err := loop.claimAndRun(context.Background(), models.PoolFilter{}, breaker)
	if err != nil {
		t.Fatalf("claimAndRun: %v", err)
	}
	if claimed {
		t.Fatal("expected claimAndRun to skip claiming while the worker-pool breaker is open")
	}

	job, err := q.Get(context.Background(), jobID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job.Status != models.StatusPending {
		t.Fatalf("job must remain untouched in the queue while the breaker is open, got %s", job.Status)
	}
	if job.Attempts != 0 {
		t.Fatalf("an open breaker must not burn an attempt, got %d", job.Attempts)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	db := newTestDB(t)
	fetcher := &stubFetcher{}
	loop, _, _ := newTestLoop(t, db, fetcher)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected Run to return ctx error")
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("Run did not stop after context cancellation")
	}
}
