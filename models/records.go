package models

import (
	"fmt"
	"time"
)

// SourceID composes the canonical "<kind>:<repo_id>:<natural_id>"
// string used to link a record back to its origin across subsystems.
func SourceID(kind string, repoID int64, naturalID string) string {
	return fmt.Sprintf("%s:%d:%s", kind, repoID, naturalID)
}

// BuildMRID composes the canonical mr_id shared by the MR-sync and
// review-sync executors: "<repo_id>:<mr_iid>". Both code paths MUST
// call this helper so a review_events row always joins exactly one
// mrs row (§8 S8).
func BuildMRID(repoID int64, mrIID int64) string {
	return fmt.Sprintf("%d:%d", repoID, mrIID)
}

// GitCommit mirrors the git_commits table.
type GitCommit struct {
	RepoID      int64     `db:"repo_id"`
	CommitSHA   string    `db:"commit_sha"`
	Author      string    `db:"author"`
	Message     string    `db:"message"`
	CommittedAt time.Time `db:"committed_at"`
	Stats       JSONMap   `db:"stats"`
	SourceID    string    `db:"source_id"`
}

// SVNRevision mirrors the svn_revisions table.
type SVNRevision struct {
	RepoID      int64     `db:"repo_id"`
	RevNum      int64     `db:"rev_num"`
	Author      string    `db:"author"`
	Message     string    `db:"message"`
	CommittedAt time.Time `db:"committed_at"`
	Stats       JSONMap   `db:"stats"`
	SourceID    string    `db:"source_id"`
}

// MergeRequest mirrors the mrs table. MRID uses BuildMRID's
// "<repo_id>:<mr_iid>" format as both primary key and cross-reference.
type MergeRequest struct {
	MRID        string    `db:"mr_id"`
	RepoID      int64     `db:"repo_id"`
	Status      string    `db:"status"`
	URL         string    `db:"url"`
	AuthorUserID string   `db:"author_user_id"`
	Meta        JSONMap   `db:"meta"`
	SourceID    string    `db:"source_id"`
	CreatedAt   time.Time `db:"created_at"`
	UpdatedAt   time.Time `db:"updated_at"`
}

// ReviewEventType is the canonical, remote-agnostic event type a note,
// approval, or resource-state-event maps to.
type ReviewEventType string

const (
	EventApprove        ReviewEventType = "approve"
	EventUnapprove      ReviewEventType = "unapprove"
	EventMerge          ReviewEventType = "merge"
	EventClose          ReviewEventType = "close"
	EventReopen         ReviewEventType = "reopen"
	EventAssign         ReviewEventType = "assign"
	EventReviewerAssign ReviewEventType = "reviewer_assign"
	EventLabel          ReviewEventType = "label"
	EventMilestone      ReviewEventType = "milestone"
	EventCodeComment    ReviewEventType = "code_comment"
	EventComment        ReviewEventType = "comment"
)

// ReviewEvent mirrors the review_events table. SourceEventID is unique
// per (mr_id, source_event_id).
type ReviewEvent struct {
	ID            int64           `db:"id"`
	MRID          string          `db:"mr_id"`
	SourceEventID string          `db:"source_event_id"`
	EventType     ReviewEventType `db:"event_type"`
	ReviewerUserID string         `db:"reviewer_user_id"`
	Payload       JSONMap         `db:"payload"`
	Timestamp     time.Time       `db:"ts"`
}
