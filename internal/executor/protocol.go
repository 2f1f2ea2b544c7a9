package executor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/scmsync/scmsync/internal/classify"
	"github.com/scmsync/scmsync/internal/cursor"
	"github.com/scmsync/scmsync/internal/redact"
	"github.com/scmsync/scmsync/models"
)

// FetchOutcome is what a Fetcher produces for phases 6-8 (page the
// remote API, fetch per-record detail, upsert records).
type FetchOutcome struct {
	NewWatermark        models.JSONMap
	Counts              Counts
	UnrecoverableErrors []classify.Classification
	LeaseLost           bool
	RequestStats        models.JSONMap
}

// Fetcher is the domain-specific half of a JobExecutor: everything
// that differs between GitLab commits/MRs/reviews and SVN revisions.
// Base.Execute owns the universal ten-phase skeleton (lock, cursor,
// run bookkeeping, advance decision, lock release) and delegates the
// remote-paging/detail/upsert work to this interface.
type Fetcher interface {
	TimeKeyed() bool
	Fetch(ctx context.Context, repo *models.Repository, window Window, job *models.SyncJob, cfg Config, hb HeartbeatSignal) FetchOutcome
}

// Base implements the ten-phase protocol (spec §4.4) once, shared by
// every concrete executor, the way the teacher's AIProvider
// implementations share ChainProvider's retry/fallback skeleton.
type Base struct {
	jobType models.JobType
	fetcher Fetcher
}

func NewBase(jt models.JobType, f Fetcher) *Base {
	return &Base{jobType: jt, fetcher: f}
}

func (b *Base) JobType() models.JobType { return b.jobType }

func (b *Base) Execute(ctx context.Context, job *models.SyncJob, repo *models.Repository, deps Deps, hb HeartbeatSignal) Result {
	// Phase 1: generate run_id and resolve worker_id.
	runID := uuid.NewString()
	workerID := deps.WorkerID

	// Phase 2: ensure repository record exists (idempotent upsert by
	// natural key; repo is already resolved by the caller via repo_id).
	if err := deps.DB.Upsert(ctx, "repos", repo, []string{"repo_type", "url"}); err != nil {
		return Result{Outcome: OutcomeFailed, RunID: runID, Error: redact.Scrub(err.Error()), ErrorCategory: classify.CategoryUnknown}
	}

	// Phase 3: acquire sync lock. Not a failure: the worker loop treats
	// OutcomeLocked as a clean re-queue, not an error.
	got, err := deps.Lock.Claim(ctx, repo.ID, b.jobType, workerID, job.LeaseSeconds)
	if err != nil {
		return Result{Outcome: OutcomeFailed, RunID: runID, Error: redact.Scrub(err.Error()), ErrorCategory: classify.CategoryUnknown}
	}
	if !got {
		return Result{Outcome: OutcomeLocked, RunID: runID}
	}
	defer func() {
		if _, err := deps.Lock.Release(context.Background(), repo.ID, b.jobType, workerID); err != nil {
			slog.Warn("sync lock release failed", "repo_id", repo.ID, "job_type", b.jobType, "error", err)
		}
	}()

	// Phase 4: load cursor snapshot, record the SyncRun row as running.
	before, err := deps.Cursor.Load(ctx, repo.ID, b.jobType)
	if err != nil {
		return Result{Outcome: OutcomeFailed, RunID: runID, Error: redact.Scrub(err.Error()), ErrorCategory: classify.CategoryUnknown}
	}
	startedAt := time.Now().UTC()
	run := &models.SyncRun{
		RunID:        runID,
		RepoID:       repo.ID,
		JobType:      b.jobType,
		Mode:         job.Mode,
		Status:       models.RunRunning,
		StartedAt:    startedAt,
		CursorBefore: before.Watermark,
		CursorAfter:  models.JSONMap{},
		Counts:       models.JSONMap{},
		ErrorSummary: models.JSONMap{},
	}
	if _, err := deps.DB.Insert(ctx, "sync_runs", run); err != nil {
		return Result{Outcome: OutcomeFailed, RunID: runID, Error: redact.Scrub(err.Error()), ErrorCategory: classify.CategoryUnknown}
	}

	payload, err := job.DecodePayload()
	if err != nil {
		payload = models.JobPayload{}
	}

	// Phase 5: determine window.
	window := DetermineWindow(job.Mode, payload, before.Watermark, deps.Config.OverlapSeconds, deps.Config.OverlapRevisions, b.fetcher.TimeKeyed())

	// Phases 6-8: page, detail-fetch, upsert (domain-specific).
	outcome := b.fetcher.Fetch(ctx, repo, window, job, deps.Config, hb)

	if outcome.LeaseLost {
		b.finishRun(ctx, deps, run, models.RunFailed, before.Watermark, countsToJSON(outcome.Counts), map[string]any{"error_type": "lease_lost", "error_category": string(classify.CategoryLeaseLost)})
		return Result{Outcome: OutcomeLeaseLost, RunID: runID, ErrorCategory: classify.CategoryLeaseLost, Counts: outcome.Counts}
	}

	// Phase 9: cursor advancement decision.
	hasUnrecoverable := len(outcome.UnrecoverableErrors) > 0
	updateWatermark := payload.UpdateWatermarkOr(job.Mode == models.ModeIncremental)
	newerThanOld := outcome.NewWatermark != nil && cursor.ShouldAdvance(b.jobType, outcome.NewWatermark, before.Watermark)

	cats := make([]classify.Category, 0, len(outcome.UnrecoverableErrors))
	for _, c := range outcome.UnrecoverableErrors {
		cats = append(cats, c.Category)
	}
	advance, reason := DecideAdvance(deps.Config.Strict, hasUnrecoverable, updateWatermark, newerThanOld, cats)

	watermarkUpdated := false
	if advance {
		if err := deps.Cursor.Save(ctx, repo.ID, b.jobType, outcome.NewWatermark, countsToJSON(outcome.Counts)); err != nil {
			slog.Warn("cursor save failed", "repo_id", repo.ID, "job_type", b.jobType, "error", err)
		} else {
			watermarkUpdated = true
		}
	}

	// Phase 10: record terminal run state.
	status := models.RunCompleted
	strictAbort := hasUnrecoverable && deps.Config.Strict
	if strictAbort {
		status = models.RunFailed
	} else if outcome.Counts.Total() == 0 {
		status = models.RunNoData
	}

	cursorAfter := before.Watermark
	if watermarkUpdated {
		cursorAfter = outcome.NewWatermark
	}
	errSummary := models.JSONMap{}
	if hasUnrecoverable {
		errSummary["error_categories"] = joinCategories(cats)
	}
	b.finishRun(ctx, deps, run, status, cursorAfter, countsToJSON(outcome.Counts), errSummary)

	res := Result{
		Outcome:             OutcomeOK,
		RunID:               runID,
		Counts:              outcome.Counts,
		CursorAdvanceReason:  reason,
		WatermarkUpdated:     watermarkUpdated,
		RequestStats:         outcome.RequestStats,
	}
	if strictAbort {
		res.Outcome = OutcomeFailed
	}
	if hasUnrecoverable {
		res.ErrorCategory = cats[0]
		res.MissingTypes = distinctCategoryStrings(cats)
		if strictAbort {
			res.Error = fmt.Sprintf("strict mode aborted on unrecoverable error: %s", joinCategories(cats))
		}
	}
	return res
}

// countsToJSON renders Counts into the JSONMap shape sync_runs.counts
// persists, omitting zero fields to keep stored rows legible.
func countsToJSON(c Counts) models.JSONMap {
	out := models.JSONMap{}
	if c.Commits != 0 {
		out["commits"] = c.Commits
	}
	if c.MRs != 0 {
		out["mrs"] = c.MRs
	}
	if c.ReviewEvents != 0 {
		out["review_events"] = c.ReviewEvents
	}
	if c.Revisions != 0 {
		out["revisions"] = c.Revisions
	}
	return out
}

func (b *Base) finishRun(ctx context.Context, deps Deps, run *models.SyncRun, status models.RunStatus, cursorAfter, counts, errSummary models.JSONMap) {
	finishedAt := time.Now().UTC()
	run.Status = status
	run.FinishedAt = &finishedAt
	run.CursorAfter = cursorAfter
	run.Counts = counts
	run.ErrorSummary = errSummary
	if err := deps.DB.Update(ctx, "sync_runs", run, "run_id = ?", run.RunID); err != nil {
		slog.Warn("sync run finalize failed", "run_id", run.RunID, "error", err)
	}
}

