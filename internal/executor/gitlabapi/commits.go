package gitlabapi

import (
	"context"
	"time"

	gitlab "gitlab.com/gitlab-org/api/client-go"

	"github.com/scmsync/scmsync/internal/classify"
)

// Commit is the normalized shape an executor upserts into git_commits.
type Commit struct {
	SHA           string
	AuthorName    string
	Message       string
	CommittedDate time.Time
	Additions     int
	Deletions     int
}

// CommitPage is one page of ListCommits results. NextPage is 0 once
// the remote has no further pages.
type CommitPage struct {
	Commits  []Commit
	NextPage int
}

// ListCommits pages gitlab's /projects/:id/repository/commits, the way
// the teacher's ListRepos pages /projects (internal/repository/gitlab.go).
// since/until bound the incremental/backfill window; either may be nil.
func (c *Client) ListCommits(ctx context.Context, projectKey string, since, until *time.Time, page, perPage int) (CommitPage, classify.Classification) {
	if err := c.wait(ctx); err != nil {
		return CommitPage{}, classify.Classify(0, err.Error())
	}
	opts := &gitlab.ListCommitsOptions{
		ListOptions: gitlab.ListOptions{Page: page, PerPage: perPage},
		Since:       since,
		Until:       until,
		All:         gitlab.Ptr(true),
	}
	commits, resp, err := c.raw.Commits.ListCommits(projectKey, opts, gitlab.WithContext(ctx))
	if err != nil {
		return CommitPage{}, classify.Classify(statusOf(resp), err.Error())
	}
	out := make([]Commit, 0, len(commits))
	for _, cm := range commits {
		if cm == nil {
			continue
		}
		committed := time.Time{}
		if cm.CommittedDate != nil {
			committed = *cm.CommittedDate
		}
		out = append(out, Commit{
			SHA:           cm.ID,
			AuthorName:    cm.AuthorName,
			Message:       cm.Message,
			CommittedDate: committed,
		})
	}
	return CommitPage{Commits: out, NextPage: nextPage(resp)}, classify.Classification{}
}

// CommitStat fetches additions/deletions for one commit, used only when
// the executor's diff mode calls for per-record detail fetches.
func (c *Client) CommitStat(ctx context.Context, projectKey, sha string) (additions, deletions int, cls classify.Classification) {
	if err := c.wait(ctx); err != nil {
		return 0, 0, classify.Classify(0, err.Error())
	}
	diffs, resp, err := c.raw.Commits.GetCommitDiff(projectKey, sha, &gitlab.GetCommitDiffOptions{}, gitlab.WithContext(ctx))
	if err != nil {
		return 0, 0, classify.Classify(statusOf(resp), err.Error())
	}
	for _, d := range diffs {
		if d == nil {
			continue
		}
		additions += countLines(d.Diff, '+')
		deletions += countLines(d.Diff, '-')
	}
	return additions, deletions, classify.Classification{}
}

func countLines(diff string, prefix byte) int {
	count := 0
	lineStart := true
	for i := 0; i < len(diff); i++ {
		if diff[i] == '\n' {
			lineStart = true
			continue
		}
		if lineStart {
			lineStart = false
			if diff[i] == prefix && !(i+1 < len(diff) && diff[i+1] == prefix) {
				count++
			}
		}
	}
	return count
}

func statusOf(resp *gitlab.Response) int {
	if resp == nil || resp.Response == nil {
		return 0
	}
	return resp.StatusCode
}

func nextPage(resp *gitlab.Response) int {
	if resp == nil {
		return 0
	}
	return resp.NextPage
}
