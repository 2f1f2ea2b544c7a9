package gitlabapi

import (
	"context"
	"time"

	gitlab "gitlab.com/gitlab-org/api/client-go"

	"github.com/scmsync/scmsync/internal/classify"
)

// MergeRequest is the normalized shape an executor upserts into mrs.
type MergeRequest struct {
	IID          int64
	State        string
	WebURL       string
	AuthorUserID int64
	Title        string
	SourceBranch string
	TargetBranch string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type MRPage struct {
	MRs      []MergeRequest
	NextPage int
}

// ListMergeRequests pages /projects/:id/merge_requests, ordered by
// updated_at so incremental windows can bound with UpdatedAfter.
func (c *Client) ListMergeRequests(ctx context.Context, projectKey string, updatedAfter *time.Time, page, perPage int) (MRPage, classify.Classification) {
	if err := c.wait(ctx); err != nil {
		return MRPage{}, classify.Classify(0, err.Error())
	}
	opts := &gitlab.ListProjectMergeRequestsOptions{
		ListOptions:   gitlab.ListOptions{Page: page, PerPage: perPage},
		UpdatedAfter:  updatedAfter,
		OrderBy:       gitlab.Ptr("updated_at"),
		Sort:          gitlab.Ptr("asc"),
	}
	mrs, resp, err := c.raw.MergeRequests.ListProjectMergeRequests(projectKey, opts, gitlab.WithContext(ctx))
	if err != nil {
		return MRPage{}, classify.Classify(statusOf(resp), err.Error())
	}
	out := make([]MergeRequest, 0, len(mrs))
	for _, mr := range mrs {
		if mr == nil {
			continue
		}
		var created, updated time.Time
		if mr.CreatedAt != nil {
			created = *mr.CreatedAt
		}
		if mr.UpdatedAt != nil {
			updated = *mr.UpdatedAt
		}
		authorID := int64(0)
		if mr.Author != nil {
			authorID = int64(mr.Author.ID)
		}
		out = append(out, MergeRequest{
			IID:          mr.IID,
			State:        mr.State,
			WebURL:       mr.WebURL,
			AuthorUserID: authorID,
			Title:        mr.Title,
			SourceBranch: mr.SourceBranch,
			TargetBranch: mr.TargetBranch,
			CreatedAt:    created,
			UpdatedAt:    updated,
		})
	}
	return MRPage{MRs: out, NextPage: nextPage(resp)}, classify.Classification{}
}
