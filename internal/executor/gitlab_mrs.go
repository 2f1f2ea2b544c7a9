package executor

import (
	"context"
	"fmt"

	"github.com/scmsync/scmsync/internal/classify"
	"github.com/scmsync/scmsync/internal/executor/gitlabapi"
	"github.com/scmsync/scmsync/internal/store"
	"github.com/scmsync/scmsync/models"
)

type gitLabMRsFetcher struct {
	db     store.DB
	client *gitlabapi.Client
}

// NewGitLabMRs builds the gitlab_mrs job executor: pages
// /merge_requests for repo's window, upserting into mrs.
func NewGitLabMRs(db store.DB, client *gitlabapi.Client) *Base {
	return NewBase(models.JobTypeGitLabMRs, &gitLabMRsFetcher{db: db, client: client})
}

func (f *gitLabMRsFetcher) TimeKeyed() bool { return true }

func (f *gitLabMRsFetcher) Fetch(ctx context.Context, repo *models.Repository, window Window, job *models.SyncJob, cfg Config, hb HeartbeatSignal) FetchOutcome {
	var counts Counts
	var unrecoverable []classify.Classification
	var lastTimestamp, lastMRID string

	page := 1
	for {
		if hb.ShouldAbort() {
			return FetchOutcome{LeaseLost: true, Counts: counts}
		}
		if err := hb.RenewSyncLock(ctx); err != nil {
			return FetchOutcome{LeaseLost: true, Counts: counts}
		}

		result, cls := f.client.ListMergeRequests(ctx, repo.ProjectKey, window.Since, page, 100)
		if cls.Category != "" {
			unrecoverable = append(unrecoverable, cls)
			if cls.Category.IsPermanent() {
				break
			}
		}

		for _, mr := range result.MRs {
			mrID := models.BuildMRID(repo.ID, mr.IID)
			rec := &models.MergeRequest{
				MRID:         mrID,
				RepoID:       repo.ID,
				Status:       mr.State,
				URL:          mr.WebURL,
				AuthorUserID: fmt.Sprintf("%d", mr.AuthorUserID),
				Meta: models.JSONMap{
					"title":         mr.Title,
					"source_branch": mr.SourceBranch,
					"target_branch": mr.TargetBranch,
					"iid":           mr.IID,
				},
				SourceID:  models.SourceID("mr", repo.ID, fmt.Sprintf("%d", mr.IID)),
				CreatedAt: mr.CreatedAt,
				UpdatedAt: mr.UpdatedAt,
			}
			if err := f.db.Upsert(ctx, "mrs", rec, []string{"mr_id"}); err != nil {
				unrecoverable = append(unrecoverable, classify.Classify(0, fmt.Sprintf("upserting mr %s: %v", mrID, err)))
				continue
			}
			counts.MRs++
			lastTimestamp = mr.UpdatedAt.UTC().Format("2006-01-02T15:04:05.999999999Z")
			lastMRID = mrID
		}

		if result.NextPage == 0 {
			break
		}
		page = result.NextPage
	}

	var watermark models.JSONMap
	if lastTimestamp != "" {
		watermark = models.JSONMap{"timestamp": lastTimestamp, "secondary_id": lastMRID}
	}
	return FetchOutcome{NewWatermark: watermark, Counts: counts, UnrecoverableErrors: unrecoverable}
}
