package executor

import (
	"context"
	"fmt"

	"github.com/scmsync/scmsync/internal/classify"
	"github.com/scmsync/scmsync/internal/executor/svnapi"
	"github.com/scmsync/scmsync/internal/store"
	"github.com/scmsync/scmsync/models"
)

type svnRevisionsFetcher struct {
	db     store.DB
	client *svnapi.Client
}

// NewSVNRevisions builds the svn job executor: runs `svn log` from the
// window's start revision, upserting into svn_revisions.
func NewSVNRevisions(db store.DB, client *svnapi.Client) *Base {
	return NewBase(models.JobTypeSVN, &svnRevisionsFetcher{db: db, client: client})
}

func (f *svnRevisionsFetcher) TimeKeyed() bool { return false }

func (f *svnRevisionsFetcher) Fetch(ctx context.Context, repo *models.Repository, window Window, job *models.SyncJob, cfg Config, hb HeartbeatSignal) FetchOutcome {
	var counts Counts

	if hb.ShouldAbort() {
		return FetchOutcome{LeaseLost: true, Counts: counts}
	}
	if err := hb.RenewSyncLock(ctx); err != nil {
		return FetchOutcome{LeaseLost: true, Counts: counts}
	}

	revs, cls := f.client.Log(ctx, repo.URL, window.StartRev, 0)
	var unrecoverable []classify.Classification
	if cls.Category != "" {
		unrecoverable = append(unrecoverable, cls)
	}

	var lastRev int64
	for _, r := range revs {
		additions, deletions := 0, 0
		if cfg.DiffMode == "always" {
			a, d, dcls := f.client.DiffStat(ctx, repo.URL, r.RevNum)
			if dcls.Category == "" {
				additions, deletions = a, d
			} else {
				unrecoverable = append(unrecoverable, dcls)
			}
		}
		rec := &models.SVNRevision{
			RepoID:      repo.ID,
			RevNum:      r.RevNum,
			Author:      r.Author,
			Message:     r.Message,
			CommittedAt: r.CommittedAt,
			Stats:       models.JSONMap{"additions": additions, "deletions": deletions},
			SourceID:    models.SourceID("svn_rev", repo.ID, fmt.Sprintf("%d", r.RevNum)),
		}
		if err := f.db.Upsert(ctx, "svn_revisions", rec, []string{"repo_id", "rev_num"}); err != nil {
			unrecoverable = append(unrecoverable, classify.Classify(0, fmt.Sprintf("upserting revision %d: %v", r.RevNum, err)))
			continue
		}
		counts.Revisions++
		if r.RevNum > lastRev {
			lastRev = r.RevNum
		}
	}

	var watermark models.JSONMap
	if lastRev > 0 {
		watermark = models.JSONMap{"revision": lastRev}
	}
	return FetchOutcome{NewWatermark: watermark, Counts: counts, UnrecoverableErrors: unrecoverable}
}
