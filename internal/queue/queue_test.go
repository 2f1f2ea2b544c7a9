package queue

import (
	"context"
	"testing"
	"time"

	"github.com/scmsync/scmsync/internal/classify"
	"github.com/scmsync/scmsync/internal/config"
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
	id, err := db.Insert(context.Background(), "repos", struct {
		RepoType   string `db:"repo_type"`
		URL        string `db:"url"`
		ProjectKey string `db:"project_key"`
	}{RepoType: "gitlab", URL: "https://gitlab.example.com/a/b", ProjectKey: "a/b"})
	if err != nil {
		t.Fatalf("seeding repo: %v", err)
	}
	return id
}

func seedJob(t *testing.T, db store.DB, q *Queue, repoID int64, jt models.JobType) int64 {
	t.Helper()
	id, err := q.Enqueue(context.Background(), &models.SyncJob{
		RepoID:      repoID,
		JobType:     jt,
		Mode:        models.ModeIncremental,
		MaxAttempts: 3,
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return id
}

func TestClaimReturnsNilWhenEmpty(t *testing.T) {
	db := newTestDB(t)
	q := New(db)
	job, err := q.Claim(context.Background(), "worker-1", 300, models.PoolFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if job != nil {
		t.Fatalf("expected no job, got %+v", job)
	}
}

func TestClaimMarksRunningAndIncrementsAttempts(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	q := New(db)
	repoID := seedRepo(t, db)
	seedJob(t, db, q, repoID, models.JobTypeGitLabCommits)

	job, err := q.Claim(ctx, "worker-1", 300, models.PoolFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if job == nil {
		t.Fatal("expected a claimed job")
	}
	if job.Status != models.StatusRunning {
		t.Fatalf("expected status running, got %s", job.Status)
	}
	if job.Attempts != 1 {
		t.Fatalf("expected attempts=1, got %d", job.Attempts)
	}
	if job.LockedBy == nil || *job.LockedBy != "worker-1" {
		t.Fatalf("expected locked_by=worker-1, got %v", job.LockedBy)
	}
}

func TestClaimRespectsPoolFilter(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	q := New(db)
	repoID := seedRepo(t, db)
	seedJob(t, db, q, repoID, models.JobTypeGitLabMRs)

	job, err := q.Claim(ctx, "worker-1", 300, models.PoolFilter{JobTypes: []models.JobType{models.JobTypeSVN}})
	if err != nil {
		t.Fatal(err)
	}
	if job != nil {
		t.Fatalf("expected the SVN-only filter to exclude the GitLab MR job, got %+v", job)
	}
}

func TestClaimSkipsNotYetDueJobs(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	q := New(db)
	repoID := seedRepo(t, db)
	id := seedJob(t, db, q, repoID, models.JobTypeGitLabCommits)
	future := time.Now().UTC().Add(time.Hour)
	if err := db.Exec(ctx, `UPDATE sync_jobs SET not_before = ? WHERE id = ?`, future, id); err != nil {
		t.Fatal(err)
	}

	job, err := q.Claim(ctx, "worker-1", 300, models.PoolFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if job != nil {
		t.Fatalf("expected a not-yet-due job to be skipped, got %+v", job)
	}
}

func TestAckCompletesJob(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	q := New(db)
	repoID := seedRepo(t, db)
	seedJob(t, db, q, repoID, models.JobTypeGitLabCommits)
	job, err := q.Claim(ctx, "worker-1", 300, models.PoolFilter{})
	if err != nil || job == nil {
		t.Fatalf("claim: job=%v err=%v", job, err)
	}

	if err := q.Ack(ctx, job.ID, "worker-1"); err != nil {
		t.Fatal(err)
	}
	got, err := q.Get(ctx, job.ID)
	if err != nil || got == nil {
		t.Fatalf("get: got=%v err=%v", got, err)
	}
	if got.Status != models.StatusCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}
}

func TestFailRetrySchedulesBackoffUntilExhausted(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	q := New(db)
	repoID := seedRepo(t, db)
	seedJob(t, db, q, repoID, models.JobTypeGitLabCommits)

	job, err := q.Claim(ctx, "worker-1", 300, models.PoolFilter{})
	if err != nil || job == nil {
		t.Fatalf("claim: job=%v err=%v", job, err)
	}
	if err := q.FailRetry(ctx, job, classify.CategoryServerError, "server error"); err != nil {
		t.Fatal(err)
	}
	got, err := q.Get(ctx, job.ID)
	if err != nil || got == nil {
		t.Fatalf("get: got=%v err=%v", got, err)
	}
	if got.Status != models.StatusPending {
		t.Fatalf("expected pending after first retry, got %s", got.Status)
	}
	if got.NotBefore == nil || !got.NotBefore.After(time.Now().UTC()) {
		t.Fatalf("expected not_before in the future, got %v", got.NotBefore)
	}

	// Exhaust remaining attempts (MaxAttempts=3): claim+fail twice more should mark dead.
	for i := 0; i < 2; i++ {
		got.NotBefore = nil
		if err := db.Exec(ctx, `UPDATE sync_jobs SET not_before = NULL WHERE id = ?`, got.ID); err != nil {
			t.Fatal(err)
		}
		job, err = q.Claim(ctx, "worker-1", 300, models.PoolFilter{})
		if err != nil || job == nil {
			t.Fatalf("reclaim %d: job=%v err=%v", i, job, err)
		}
		if err := q.FailRetry(ctx, job, classify.CategoryServerError, "server error"); err != nil {
			t.Fatal(err)
		}
	}

	final, err := q.Get(ctx, job.ID)
	if err != nil || final == nil {
		t.Fatalf("get: got=%v err=%v", final, err)
	}
	if final.Status != models.StatusDead {
		t.Fatalf("expected dead once attempts exhausted, got %s", final.Status)
	}
}

func TestClaimPrefersLowerPriorityValue(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	q := New(db)
	repoID := seedRepo(t, db)

	lowID, err := q.Enqueue(ctx, &models.SyncJob{RepoID: repoID, JobType: models.JobTypeGitLabCommits, Mode: models.ModeIncremental, MaxAttempts: 3, Priority: 1})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := q.Enqueue(ctx, &models.SyncJob{RepoID: repoID, JobType: models.JobTypeGitLabMRs, Mode: models.ModeIncremental, MaxAttempts: 3, Priority: 9}); err != nil {
		t.Fatal(err)
	}

	job, err := q.Claim(ctx, "worker-1", 300, models.PoolFilter{})
	if err != nil || job == nil {
		t.Fatalf("claim: job=%v err=%v", job, err)
	}
	if job.ID != lowID {
		t.Fatalf("expected the lower-priority-value job %d to be claimed first, got %d", lowID, job.ID)
	}
}

func TestClaimReclaimsJobWithExpiredLease(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	q := New(db)
	repoID := seedRepo(t, db)
	seedJob(t, db, q, repoID, models.JobTypeGitLabCommits)

	first, err := q.Claim(ctx, "worker-1", 1, models.PoolFilter{})
	if err != nil || first == nil {
		t.Fatalf("claim: job=%v err=%v", first, err)
	}

	time.Sleep(1200 * time.Millisecond)

	second, err := q.Claim(ctx, "worker-2", 300, models.PoolFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if second == nil {
		t.Fatal("expected Claim to reclaim the job whose lease already expired")
	}
	if second.ID != first.ID {
		t.Fatalf("expected the same job reclaimed, got %d vs %d", second.ID, first.ID)
	}
	if second.Attempts != 2 {
		t.Fatalf("expected attempts incremented again on reclaim, got %d", second.Attempts)
	}
	if second.LockedBy == nil || *second.LockedBy != "worker-2" {
		t.Fatalf("expected worker-2 to now hold the lease, got %v", second.LockedBy)
	}
}

func TestClaimDoesNotReclaimLiveLease(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	q := New(db)
	repoID := seedRepo(t, db)
	seedJob(t, db, q, repoID, models.JobTypeGitLabCommits)

	first, err := q.Claim(ctx, "worker-1", 300, models.PoolFilter{})
	if err != nil || first == nil {
		t.Fatalf("claim: job=%v err=%v", first, err)
	}

	second, err := q.Claim(ctx, "worker-2", 300, models.PoolFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if second != nil {
		t.Fatalf("expected a live lease not to be reclaimed, got %+v", second)
	}
}

func TestClaimRespectsInstanceAllowlist(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	q := New(db)
	repoID := seedRepo(t, db) // hosted at gitlab.example.com
	seedJob(t, db, q, repoID, models.JobTypeGitLabCommits)

	job, err := q.Claim(ctx, "worker-1", 300, models.PoolFilter{InstanceAllowlist: []string{"other.example.com"}})
	if err != nil {
		t.Fatal(err)
	}
	if job != nil {
		t.Fatalf("expected instance allowlist mismatch to exclude the job, got %+v", job)
	}

	job, err = q.Claim(ctx, "worker-1", 300, models.PoolFilter{InstanceAllowlist: []string{"gitlab.example.com"}})
	if err != nil || job == nil {
		t.Fatalf("expected a matching instance allowlist to admit the job, job=%v err=%v", job, err)
	}
}

func TestClaimRespectsTenantAllowlist(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	q := New(db)
	repoID := seedRepo(t, db) // project_key "a/b" -> tenant "a"
	seedJob(t, db, q, repoID, models.JobTypeGitLabCommits)

	job, err := q.Claim(ctx, "worker-1", 300, models.PoolFilter{TenantAllowlist: []string{"other-tenant"}})
	if err != nil {
		t.Fatal(err)
	}
	if job != nil {
		t.Fatalf("expected tenant allowlist mismatch to exclude the job, got %+v", job)
	}

	job, err = q.Claim(ctx, "worker-1", 300, models.PoolFilter{TenantAllowlist: []string{"a"}})
	if err != nil || job == nil {
		t.Fatalf("expected a matching tenant allowlist to admit the job, job=%v err=%v", job, err)
	}
}

func TestFailRetryIgnoredCategoryDoesNotCountAttempt(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	q := New(db)
	repoID := seedRepo(t, db)
	seedJob(t, db, q, repoID, models.JobTypeGitLabCommits)

	job, err := q.Claim(ctx, "worker-1", 300, models.PoolFilter{})
	if err != nil || job == nil {
		t.Fatalf("claim: job=%v err=%v", job, err)
	}
	attemptsBefore := job.Attempts

	if err := q.FailRetry(ctx, job, classify.CategoryLockHeld, "circuit breaker open"); err != nil {
		t.Fatal(err)
	}

	got, err := q.Get(ctx, job.ID)
	if err != nil || got == nil {
		t.Fatalf("get: got=%v err=%v", got, err)
	}
	if got.Status != models.StatusPending {
		t.Fatalf("expected pending after an ignored-category release, got %s", got.Status)
	}
	if got.Attempts != attemptsBefore-1 {
		t.Fatalf("expected the attempt Claim counted to be given back for an ignored category, before=%d after=%d", attemptsBefore, got.Attempts)
	}
	if got.NotBefore == nil || !got.NotBefore.After(time.Now().UTC()) {
		t.Fatalf("expected a short requeue delay, got %v", got.NotBefore)
	}
}

func TestRenewLeaseFailsForWrongWorker(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	q := New(db)
	repoID := seedRepo(t, db)
	seedJob(t, db, q, repoID, models.JobTypeGitLabCommits)
	job, err := q.Claim(ctx, "worker-1", 300, models.PoolFilter{})
	if err != nil || job == nil {
		t.Fatalf("claim: job=%v err=%v", job, err)
	}

	ok, err := q.RenewLease(ctx, job.ID, "worker-2")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected renew by the wrong worker to fail")
	}

	ok, err = q.RenewLease(ctx, job.ID, "worker-1")
	if err != nil || !ok {
		t.Fatalf("expected renew by the owning worker to succeed: ok=%v err=%v", ok, err)
	}
}

func TestExpiredRunningFindsElapsedLease(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	q := New(db)
	repoID := seedRepo(t, db)
	seedJob(t, db, q, repoID, models.JobTypeGitLabCommits)
	job, err := q.Claim(ctx, "worker-1", 1, models.PoolFilter{})
	if err != nil || job == nil {
		t.Fatalf("claim: job=%v err=%v", job, err)
	}

	time.Sleep(1200 * time.Millisecond)

	expired, err := q.ExpiredRunning(ctx, 0, time.Now().UTC())
	if err != nil {
		t.Fatal(err)
	}
	if len(expired) != 1 || expired[0].ID != job.ID {
		t.Fatalf("expected the expired job to be reported, got %+v", expired)
	}
}
