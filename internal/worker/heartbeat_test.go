package worker

import (
	"context"
	"testing"
	"time"

	"github.com/scmsync/scmsync/internal/queue"
	"github.com/scmsync/scmsync/internal/synclock"
	"github.com/scmsync/scmsync/models"
)

func TestHeartbeatRenewSyncLockKeepsLeaseAlive(t *testing.T) {
	db := newTestDB(t)
	repoID := seedRepo(t, db)
	q := queue.New(db)
	lock := synclock.New(db)

	jobID, err := q.Enqueue(context.Background(), &models.SyncJob{
		RepoID: repoID, JobType: models.JobTypeGitLabCommits, Mode: models.ModeIncremental, MaxAttempts: 3,
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	job, err := q.Claim(context.Background(), "worker-1", 300, models.PoolFilter{})
	if err != nil || job == nil {
		t.Fatalf("claim: %v", err)
	}
	if job.ID != jobID {
		t.Fatalf("claimed wrong job")
	}
	got, err := lock.Claim(context.Background(), repoID, models.JobTypeGitLabCommits, "worker-1", 300)
	if err != nil || !got {
		t.Fatalf("lock claim: got=%v err=%v", got, err)
	}

	hb := NewHeartbeat(q, lock, "worker-1", time.Hour, 3, 300)
	hb.jobID, hb.repoID, hb.jobType = jobID, repoID, models.JobTypeGitLabCommits

	if err := hb.RenewSyncLock(context.Background()); err != nil {
		t.Fatalf("RenewSyncLock: %v", err)
	}
	if hb.ShouldAbort() {
		t.Fatal("should not abort after a successful renewal")
	}
}

func TestHeartbeatAbortsAfterMaxRenewFailures(t *testing.T) {
	db := newTestDB(t)
	repoID := seedRepo(t, db)
	q := queue.New(db)
	lock := synclock.New(db)

	// Never claimed by this worker id, so every renewal attempt fails.
	hb := NewHeartbeat(q, lock, "worker-1", time.Hour, 2, 300)
	hb.jobID, hb.repoID, hb.jobType = 999, repoID, models.JobTypeGitLabCommits

	_ = hb.RenewSyncLock(context.Background())
	if hb.ShouldAbort() {
		t.Fatal("should not abort after a single failure")
	}
	_ = hb.RenewSyncLock(context.Background())
	if !hb.ShouldAbort() {
		t.Fatal("expected abort after reaching max renew failures")
	}
}

func TestHeartbeatStartStopRegistersActive(t *testing.T) {
	db := newTestDB(t)
	repoID := seedRepo(t, db)
	q := queue.New(db)
	lock := synclock.New(db)

	hb := NewHeartbeat(q, lock, "worker-1", time.Hour, 3, 300)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hb.Start(ctx, 1, repoID, models.JobTypeGitLabCommits)
	if Active() != hb {
		t.Fatal("expected Start to register the active heartbeat")
	}
	hb.Stop()
	if Active() != nil {
		t.Fatal("expected Stop to clear the active heartbeat")
	}
}
