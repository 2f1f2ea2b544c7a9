package gitlabapi

import (
	"context"
	"fmt"
	"strings"
	"time"

	gitlab "gitlab.com/gitlab-org/api/client-go"

	"github.com/scmsync/scmsync/internal/classify"
	"github.com/scmsync/scmsync/models"
)

// ReviewEvent is the normalized shape an executor upserts into
// review_events, reconciled from three distinct GitLab endpoints
// (discussions, approvals, resource state events) into one
// remote-agnostic event type.
type ReviewEvent struct {
	SourceEventID  string
	Type           models.ReviewEventType
	ReviewerUserID string
	Timestamp      time.Time
	Payload        map[string]any
}

// ListDiscussionEvents pages /merge_requests/:iid/discussions, mapping
// every note of each discussion: a user note becomes a code_comment or
// comment event depending on whether it is attached to a diff position,
// and a system note is mapped through classifySystemNote (skipped when
// it matches no event type).
func (c *Client) ListDiscussionEvents(ctx context.Context, projectKey string, mrIID int64, page, perPage int) ([]ReviewEvent, int, classify.Classification) {
	if err := c.wait(ctx); err != nil {
		return nil, 0, classify.Classify(0, err.Error())
	}
	opts := &gitlab.ListMergeRequestDiscussionsOptions{Page: page, PerPage: perPage}
	discussions, resp, err := c.raw.Discussions.ListMergeRequestDiscussions(projectKey, int(mrIID), opts, gitlab.WithContext(ctx))
	if err != nil {
		return nil, 0, classify.Classify(statusOf(resp), err.Error())
	}
	var out []ReviewEvent
	for _, d := range discussions {
		if d == nil {
			continue
		}
		for _, n := range d.Notes {
			if n == nil {
				continue
			}
			var eventType models.ReviewEventType
			if n.System {
				et, ok := classifySystemNote(n.Body)
				if !ok {
					continue
				}
				eventType = et
			} else if n.Position != nil {
				eventType = models.EventCodeComment
			} else {
				eventType = models.EventComment
			}
			ts := time.Time{}
			if n.CreatedAt != nil {
				ts = *n.CreatedAt
			}
			authorID := ""
			if n.Author.ID != 0 {
				authorID = fmt.Sprintf("%d", n.Author.ID)
			}
			out = append(out, ReviewEvent{
				SourceEventID:  fmt.Sprintf("note:%d", n.ID),
				Type:           eventType,
				ReviewerUserID: authorID,
				Timestamp:      ts,
				Payload:        map[string]any{"body": n.Body, "discussion_id": d.ID},
			})
		}
	}
	return out, nextPage(resp), classify.Classification{}
}

// classifySystemNote maps a GitLab system note's body text to the
// canonical review event type it represents (spec's remote-note
// mapping table). Merge/close/reopen system notes are deliberately not
// mapped here: ListStateEvents sources those transitions from the
// dedicated resource_state_events endpoint, and mapping the matching
// system note here too would double-count the same transition under
// two different source_event_ids.
func classifySystemNote(body string) (models.ReviewEventType, bool) {
	lower := strings.ToLower(body)
	switch {
	case strings.Contains(lower, "unapproved"):
		return models.EventUnapprove, true
	case strings.Contains(lower, "approved this merge request") || strings.Contains(lower, "approved merge request"):
		return models.EventApprove, true
	case strings.Contains(lower, "requested review from"):
		return models.EventReviewerAssign, true
	case strings.Contains(lower, "assigned to") || strings.Contains(lower, "reassigned to"):
		return models.EventAssign, true
	case strings.Contains(lower, "milestone"):
		return models.EventMilestone, true
	case strings.Contains(lower, "label") && (strings.Contains(lower, "added ") || strings.Contains(lower, "removed ")):
		return models.EventLabel, true
	default:
		return "", false
	}
}

// ListApprovalEvents fetches the current approval state. The GitLab
// approvals API does not expose a paged history, so this synthesizes
// one approve event per approver at the time of the call; repeated
// polling relies on the (mr_id, source_event_id) upsert key for
// idempotent upsert rather than a notion of "new" approvals. The
// source_event_id is "approval:<user_id>"; it does not include the MR
// id, which the mr_id column of that key supplies.
func (c *Client) ListApprovalEvents(ctx context.Context, projectKey string, mrIID int64) ([]ReviewEvent, classify.Classification) {
	if err := c.wait(ctx); err != nil {
		return nil, classify.Classify(0, err.Error())
	}
	state, resp, err := c.raw.MergeRequestApprovals.GetConfiguration(projectKey, int(mrIID), gitlab.WithContext(ctx))
	if err != nil {
		return nil, classify.Classify(statusOf(resp), err.Error())
	}
	out := make([]ReviewEvent, 0, len(state.ApprovedBy))
	for _, a := range state.ApprovedBy {
		if a.User == nil {
			continue
		}
		out = append(out, ReviewEvent{
			SourceEventID:  fmt.Sprintf("approval:%d", a.User.ID),
			Type:           models.EventApprove,
			ReviewerUserID: fmt.Sprintf("%d", a.User.ID),
			Timestamp:      time.Now().UTC(),
			Payload:        map[string]any{"approved": true},
		})
	}
	return out, classify.Classification{}
}

// ListStateEvents pages /merge_requests/:iid/resource_state_events,
// which carries merge/close/reopen transitions the discussions and
// approvals endpoints don't.
func (c *Client) ListStateEvents(ctx context.Context, projectKey string, mrIID int64, page, perPage int) ([]ReviewEvent, int, classify.Classification) {
	if err := c.wait(ctx); err != nil {
		return nil, 0, classify.Classify(0, err.Error())
	}
	opts := &gitlab.ListStateEventsOptions{ListOptions: gitlab.ListOptions{Page: page, PerPage: perPage}}
	events, resp, err := c.raw.ResourceStateEvents.ListMergeRequestStateEvents(projectKey, int(mrIID), opts, gitlab.WithContext(ctx))
	if err != nil {
		return nil, 0, classify.Classify(statusOf(resp), err.Error())
	}
	out := make([]ReviewEvent, 0, len(events))
	for _, e := range events {
		if e == nil {
			continue
		}
		eventType := models.EventComment
		switch e.State {
		case "merged":
			eventType = models.EventMerge
		case "closed":
			eventType = models.EventClose
		case "reopened":
			eventType = models.EventReopen
		}
		authorID := ""
		if e.User.ID != 0 {
			authorID = fmt.Sprintf("%d", e.User.ID)
		}
		ts := time.Time{}
		if e.CreatedAt != nil {
			ts = *e.CreatedAt
		}
		out = append(out, ReviewEvent{
			SourceEventID:  fmt.Sprintf("state:%d", e.ID),
			Type:           eventType,
			ReviewerUserID: authorID,
			Timestamp:      ts,
			Payload:        map[string]any{"state": e.State},
		})
	}
	return out, nextPage(resp), classify.Classification{}
}
