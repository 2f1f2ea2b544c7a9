package models

import "time"

// SyncLock is the per-(repo_id, job_type) mutual-exclusion resource.
// Distinct from a SyncJob's own queue lease: this protects the semantic
// repository resource, not the queue row.
type SyncLock struct {
	ID           int64      `db:"id"`
	RepoID       int64      `db:"repo_id"`
	JobType      JobType    `db:"job_type"`
	LockedBy     *string    `db:"locked_by"`
	LockedAt     *time.Time `db:"locked_at"`
	LeaseSeconds int        `db:"lease_seconds"`
}

// Expired reports whether the lock's lease has elapsed as of now.
func (l SyncLock) Expired(now time.Time) bool {
	if l.LockedBy == nil || l.LockedAt == nil {
		return true
	}
	return now.Sub(*l.LockedAt) >= time.Duration(l.LeaseSeconds)*time.Second
}

// Free reports whether the lock has no current holder.
func (l SyncLock) Free() bool {
	return l.LockedBy == nil
}
