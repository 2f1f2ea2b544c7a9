package executor

import (
	"context"
	"fmt"

	"github.com/scmsync/scmsync/internal/classify"
	"github.com/scmsync/scmsync/internal/executor/gitlabapi"
	"github.com/scmsync/scmsync/internal/store"
	"github.com/scmsync/scmsync/models"
)

type gitLabReviewsFetcher struct {
	db     store.DB
	client *gitlabapi.Client
}

// NewGitLabReviews builds the gitlab_reviews job executor. It walks
// the mrs rows already upserted by gitlab_mrs (joined via BuildMRID,
// spec §8 S8) and reconciles discussions/approvals/resource state
// events into review_events, since GitLab exposes review activity only
// per-MR rather than as a single repo-wide feed.
func NewGitLabReviews(db store.DB, client *gitlabapi.Client) *Base {
	return NewBase(models.JobTypeGitLabReviews, &gitLabReviewsFetcher{db: db, client: client})
}

func (f *gitLabReviewsFetcher) TimeKeyed() bool { return true }

type mrRow struct {
	MRID string `db:"mr_id"`
}

func (f *gitLabReviewsFetcher) Fetch(ctx context.Context, repo *models.Repository, window Window, job *models.SyncJob, cfg Config, hb HeartbeatSignal) FetchOutcome {
	var counts Counts
	var unrecoverable []classify.Classification
	var lastTimestamp string

	mrRows, err := f.windowedMRs(ctx, repo.ID, window)
	if err != nil {
		return FetchOutcome{Counts: counts, UnrecoverableErrors: []classify.Classification{classify.Classify(0, fmt.Sprintf("listing mrs for repo %d: %v", repo.ID, err))}}
	}

	for _, row := range mrRows {
		if hb.ShouldAbort() {
			return FetchOutcome{LeaseLost: true, Counts: counts}
		}
		if err := hb.RenewSyncLock(ctx); err != nil {
			return FetchOutcome{LeaseLost: true, Counts: counts}
		}

		iid, err := mrIIDFromMRID(row.MRID)
		if err != nil {
			continue
		}

		var events []gitlabapi.ReviewEvent

		page := 1
		for {
			batch, next, cls := f.client.ListDiscussionEvents(ctx, repo.ProjectKey, iid, page, 100)
			if cls.Category != "" {
				unrecoverable = append(unrecoverable, cls)
				break
			}
			events = append(events, batch...)
			if next == 0 {
				break
			}
			page = next
		}

		approvals, cls := f.client.ListApprovalEvents(ctx, repo.ProjectKey, iid)
		if cls.Category != "" {
			unrecoverable = append(unrecoverable, cls)
		} else {
			events = append(events, approvals...)
		}

		page = 1
		for {
			batch, next, cls := f.client.ListStateEvents(ctx, repo.ProjectKey, iid, page, 100)
			if cls.Category != "" {
				unrecoverable = append(unrecoverable, cls)
				break
			}
			events = append(events, batch...)
			if next == 0 {
				break
			}
			page = next
		}

		for _, ev := range events {
			rec := &models.ReviewEvent{
				MRID:           row.MRID,
				SourceEventID:  ev.SourceEventID,
				EventType:      ev.Type,
				ReviewerUserID: ev.ReviewerUserID,
				Payload:        models.JSONMap(ev.Payload),
				Timestamp:      ev.Timestamp,
			}
			if err := f.db.Upsert(ctx, "review_events", rec, []string{"mr_id", "source_event_id"}); err != nil {
				unrecoverable = append(unrecoverable, classify.Classify(0, fmt.Sprintf("upserting review event %s/%s: %v", row.MRID, ev.SourceEventID, err)))
				continue
			}
			counts.ReviewEvents++
			ts := ev.Timestamp.UTC().Format("2006-01-02T15:04:05.999999999Z")
			if ts > lastTimestamp {
				lastTimestamp = ts
			}
		}
	}

	var watermark models.JSONMap
	if lastTimestamp != "" {
		watermark = models.JSONMap{"timestamp": lastTimestamp, "secondary_id": ""}
	}
	return FetchOutcome{NewWatermark: watermark, Counts: counts, UnrecoverableErrors: unrecoverable}
}

// windowedMRs scopes the MR candidate set by window.Since/Until like
// the sibling gitlab_commits/gitlab_mrs fetchers, instead of refetching
// every known MR's full discussion/approval/state-event history on
// every incremental run.
func (f *gitLabReviewsFetcher) windowedMRs(ctx context.Context, repoID int64, window Window) ([]mrRow, error) {
	query := "SELECT mr_id FROM mrs WHERE repo_id = ?"
	args := []interface{}{repoID}
	if window.Since != nil {
		query += " AND updated_at >= ?"
		args = append(args, *window.Since)
	}
	if window.Until != nil {
		query += " AND updated_at <= ?"
		args = append(args, *window.Until)
	}
	var rows []mrRow
	err := f.db.Select(ctx, &rows, query, args...)
	return rows, err
}

func mrIIDFromMRID(mrID string) (int64, error) {
	var repoID, iid int64
	if _, err := fmt.Sscanf(mrID, "%d:%d", &repoID, &iid); err != nil {
		return 0, fmt.Errorf("parsing mr_id %q: %w", mrID, err)
	}
	return iid, nil
}
