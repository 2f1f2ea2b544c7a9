// Package worker runs the claim/execute/ack loop (spec §4.5): Loop
// mirrors the teacher's Orchestrator.Run shape (trigger channel + poll
// interval + ctx cancellation, internal/agent/orchestrator.go), and
// Heartbeat mirrors the teacher's HeartbeatMonitor shape
// (internal/gateway/heartbeat.go) but actively renews leases instead of
// passively polling health.
package worker

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/scmsync/scmsync/internal/executor"
	"github.com/scmsync/scmsync/internal/queue"
	"github.com/scmsync/scmsync/internal/synclock"
	"github.com/scmsync/scmsync/models"
)

var _ executor.HeartbeatSignal = (*Heartbeat)(nil)

// activeHeartbeat is the one coordinated global this package needs: a
// signal handler installed by cmd/scmsync has no other way to reach
// the in-flight job's heartbeat to release its lease promptly on
// shutdown, rather than waiting out the full lease TTL.
var activeHeartbeat atomic.Pointer[Heartbeat]

// Active returns the currently in-flight job's heartbeat, or nil
// between jobs.
func Active() *Heartbeat { return activeHeartbeat.Load() }

// Heartbeat actively renews one in-flight job's queue lease and sync
// lock on a fixed interval, and exposes executor.HeartbeatSignal so
// the executor can force a renewal mid-fetch and check for abort.
type Heartbeat struct {
	queue *queue.Queue
	lock  *synclock.Manager

	workerID     string
	renewEvery   time.Duration
	maxFailures  int
	leaseSeconds int

	jobID   int64
	repoID  int64
	jobType models.JobType

	aborted   atomic.Bool
	failures  atomic.Int32
	stopCh    chan struct{}
	stoppedCh chan struct{}
}

func NewHeartbeat(q *queue.Queue, lock *synclock.Manager, workerID string, renewEvery time.Duration, maxFailures, leaseSeconds int) *Heartbeat {
	return &Heartbeat{
		queue:        q,
		lock:         lock,
		workerID:     workerID,
		renewEvery:   renewEvery,
		maxFailures:  maxFailures,
		leaseSeconds: leaseSeconds,
	}
}

// Start begins renewing leases for one job in a background goroutine
// and registers itself as the process's active heartbeat. Call Stop
// when the job finishes.
func (h *Heartbeat) Start(ctx context.Context, jobID, repoID int64, jobType models.JobType) {
	h.jobID, h.repoID, h.jobType = jobID, repoID, jobType
	h.aborted.Store(false)
	h.failures.Store(0)
	h.stopCh = make(chan struct{})
	h.stoppedCh = make(chan struct{})
	activeHeartbeat.Store(h)

	go h.run(ctx)
}

// Stop ends the renewal goroutine and clears the process-wide active
// reference if it still points at this heartbeat.
func (h *Heartbeat) Stop() {
	close(h.stopCh)
	<-h.stoppedCh
	activeHeartbeat.CompareAndSwap(h, nil)
}

func (h *Heartbeat) run(ctx context.Context) {
	defer close(h.stoppedCh)
	ticker := time.NewTicker(h.renewEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.stopCh:
			return
		case <-ticker.C:
			if err := h.renew(ctx); err != nil {
				slog.Warn("heartbeat renewal failed", "job_id", h.jobID, "repo_id", h.repoID, "job_type", h.jobType, "error", err)
			}
		}
	}
}

// RenewSyncLock implements executor.HeartbeatSignal: a synchronous,
// on-demand renewal an executor calls between paging iterations of a
// long-running fetch, sharing the same failure-counting path as the
// ticker-driven renewal.
func (h *Heartbeat) RenewSyncLock(ctx context.Context) error {
	return h.renew(ctx)
}

// ShouldAbort implements executor.HeartbeatSignal.
func (h *Heartbeat) ShouldAbort() bool { return h.aborted.Load() }

func (h *Heartbeat) renew(ctx context.Context) error {
	queueOK, qErr := h.queue.RenewLease(ctx, h.jobID, h.workerID)
	lockOK, lErr := h.lock.Renew(ctx, h.repoID, h.jobType, h.workerID)

	if qErr == nil && lErr == nil && queueOK && lockOK {
		h.failures.Store(0)
		return nil
	}

	n := h.failures.Add(1)
	if int(n) >= h.maxFailures {
		h.aborted.Store(true)
	}
	if qErr != nil {
		return qErr
	}
	if lErr != nil {
		return lErr
	}
	if !queueOK {
		return errLeaseLost("queue lease", h.jobID)
	}
	return errLeaseLost("sync lock", h.repoID)
}

// ReleaseNow is called on a graceful shutdown: it releases the sync
// lock immediately so another worker need not wait for the lock's full
// lease TTL to elapse. The queue lease is not released here.
func (h *Heartbeat) ReleaseNow(ctx context.Context) {
	if _, err := h.lock.Release(ctx, h.repoID, h.jobType, h.workerID); err != nil {
		slog.Warn("releasing sync lock during shutdown failed", "repo_id", h.repoID, "job_type", h.jobType, "error", err)
	}
}

type leaseLostError struct {
	kind string
	id   int64
}

func (e leaseLostError) Error() string {
	return "lost " + e.kind
}

func errLeaseLost(kind string, id int64) error { return leaseLostError{kind: kind, id: id} }
