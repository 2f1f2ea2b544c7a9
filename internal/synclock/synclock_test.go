package synclock

import (
	"context"
	"testing"
	"time"

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

func TestClaimFreshLockSucceeds(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	repoID := seedRepo(t, db)
	m := New(db)

	ok, err := m.Claim(ctx, repoID, models.JobTypeGitLabCommits, "worker-1", 300)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected claim on a fresh lock to succeed")
	}
}

func TestClaimContestedLockFails(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	repoID := seedRepo(t, db)
	m := New(db)

	if ok, err := m.Claim(ctx, repoID, models.JobTypeGitLabCommits, "worker-1", 300); err != nil || !ok {
		t.Fatalf("first claim: ok=%v err=%v", ok, err)
	}
	ok, err := m.Claim(ctx, repoID, models.JobTypeGitLabCommits, "worker-2", 300)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected second worker's claim to fail while lease is live")
	}
}

func TestClaimExpiredLockSucceeds(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	repoID := seedRepo(t, db)
	m := New(db)

	if ok, err := m.Claim(ctx, repoID, models.JobTypeGitLabCommits, "worker-1", 1); err != nil || !ok {
		t.Fatalf("first claim: ok=%v err=%v", ok, err)
	}
	time.Sleep(1200 * time.Millisecond)

	ok, err := m.Claim(ctx, repoID, models.JobTypeGitLabCommits, "worker-2", 300)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected claim to succeed once the prior lease expired")
	}
}

func TestRenewByOwnerSucceedsByOtherFails(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	repoID := seedRepo(t, db)
	m := New(db)

	if ok, err := m.Claim(ctx, repoID, models.JobTypeGitLabMRs, "worker-1", 300); err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}

	ok, err := m.Renew(ctx, repoID, models.JobTypeGitLabMRs, "worker-1")
	if err != nil || !ok {
		t.Fatalf("owner renew: ok=%v err=%v", ok, err)
	}

	ok, err = m.Renew(ctx, repoID, models.JobTypeGitLabMRs, "worker-2")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected renew by a non-owner to fail")
	}
}

func TestReleaseAllowsImmediateReclaim(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	repoID := seedRepo(t, db)
	m := New(db)

	if ok, err := m.Claim(ctx, repoID, models.JobTypeGitLabReviews, "worker-1", 300); err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}
	ok, err := m.Release(ctx, repoID, models.JobTypeGitLabReviews, "worker-1")
	if err != nil || !ok {
		t.Fatalf("release: ok=%v err=%v", ok, err)
	}

	ok, err = m.Claim(ctx, repoID, models.JobTypeGitLabReviews, "worker-2", 300)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected immediate reclaim after release to succeed")
	}
}

func TestExpiredLocksReportsOnlyElapsedLeases(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	repoID := seedRepo(t, db)
	m := New(db)

	if ok, err := m.Claim(ctx, repoID, models.JobTypeGitLabCommits, "worker-1", 1); err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}
	if ok, err := m.Claim(ctx, repoID, models.JobTypeGitLabMRs, "worker-1", 3600); err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}

	time.Sleep(1200 * time.Millisecond)

	expired, err := m.ExpiredLocks(ctx, 0, time.Now().UTC())
	if err != nil {
		t.Fatal(err)
	}
	if len(expired) != 1 || expired[0].JobType != models.JobTypeGitLabCommits {
		t.Fatalf("expected exactly the short-lease lock, got %+v", expired)
	}
}

func TestForceReleaseClearsRegardlessOfHolder(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	repoID := seedRepo(t, db)
	m := New(db)

	if ok, err := m.Claim(ctx, repoID, models.JobTypeGitLabCommits, "worker-1", 300); err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}
	lock, err := m.Get(ctx, repoID, models.JobTypeGitLabCommits)
	if err != nil || lock == nil {
		t.Fatalf("get: lock=%v err=%v", lock, err)
	}
	if err := m.ForceRelease(ctx, lock.ID); err != nil {
		t.Fatal(err)
	}

	ok, err := m.Claim(ctx, repoID, models.JobTypeGitLabCommits, "worker-2", 300)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected claim to succeed after a forced release")
	}
}
