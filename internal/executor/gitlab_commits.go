package executor

import (
	"context"
	"fmt"

	"github.com/scmsync/scmsync/internal/classify"
	"github.com/scmsync/scmsync/internal/executor/gitlabapi"
	"github.com/scmsync/scmsync/internal/store"
	"github.com/scmsync/scmsync/models"
)

type gitLabCommitsFetcher struct {
	db     store.DB
	client *gitlabapi.Client
}

// NewGitLabCommits builds the gitlab_commits job executor: pages
// /repository/commits for repo's window, upserting into git_commits.
func NewGitLabCommits(db store.DB, client *gitlabapi.Client) *Base {
	return NewBase(models.JobTypeGitLabCommits, &gitLabCommitsFetcher{db: db, client: client})
}

func (f *gitLabCommitsFetcher) TimeKeyed() bool { return true }

func (f *gitLabCommitsFetcher) Fetch(ctx context.Context, repo *models.Repository, window Window, job *models.SyncJob, cfg Config, hb HeartbeatSignal) FetchOutcome {
	var counts Counts
	var unrecoverable []classify.Classification
	var lastTimestamp string
	var lastSHA string

	page := 1
	for {
		if hb.ShouldAbort() {
			return FetchOutcome{LeaseLost: true, Counts: counts}
		}
		if err := hb.RenewSyncLock(ctx); err != nil {
			return FetchOutcome{LeaseLost: true, Counts: counts}
		}

		result, cls := f.client.ListCommits(ctx, repo.ProjectKey, window.Since, window.Until, page, 100)
		if cls.Category != "" {
			unrecoverable = append(unrecoverable, cls)
			if cls.Category.IsPermanent() {
				break
			}
		}

		for _, c := range result.Commits {
			additions, deletions := 0, 0
			if cfg.DiffMode == "always" || cfg.DiffMode == "best_effort" {
				a, d, dcls := f.client.CommitStat(ctx, repo.ProjectKey, c.SHA)
				if dcls.Category == "" {
					additions, deletions = a, d
				} else {
					// Degrade to summary-only for this record instead
					// of dropping it; the classification still counts
					// toward the run's unrecoverable set so strict mode
					// aborts and best-effort reports it as degraded.
					unrecoverable = append(unrecoverable, dcls)
				}
			}

			rec := &models.GitCommit{
				RepoID:      repo.ID,
				CommitSHA:   c.SHA,
				Author:      c.AuthorName,
				Message:     c.Message,
				CommittedAt: c.CommittedDate,
				Stats:       models.JSONMap{"additions": additions, "deletions": deletions},
				SourceID:    models.SourceID("commit", repo.ID, c.SHA),
			}
			if err := f.db.Upsert(ctx, "git_commits", rec, []string{"repo_id", "commit_sha"}); err != nil {
				unrecoverable = append(unrecoverable, classify.Classify(0, fmt.Sprintf("upserting commit %s: %v", c.SHA, err)))
				continue
			}
			counts.Commits++
			lastTimestamp = c.CommittedDate.UTC().Format("2006-01-02T15:04:05.999999999Z")
			lastSHA = c.SHA
		}

		if result.NextPage == 0 {
			break
		}
		page = result.NextPage
	}

	var watermark models.JSONMap
	if lastTimestamp != "" {
		watermark = models.JSONMap{"timestamp": lastTimestamp, "secondary_id": lastSHA}
	}
	return FetchOutcome{NewWatermark: watermark, Counts: counts, UnrecoverableErrors: unrecoverable}
}
