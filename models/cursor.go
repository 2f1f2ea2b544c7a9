package models

import "time"

// CursorEnvelope is the persisted shape of one (repo_id, job_type)
// watermark: the opaque Watermark comparable value plus free-form
// stats from the run that produced it. Versioned so a v1 row (a bare
// watermark with no envelope) can be upgraded on load without losing
// data (spec §4.1).
type CursorEnvelope struct {
	Version   int       `json:"version"`
	Watermark JSONMap   `json:"watermark"`
	Stats     JSONMap   `json:"stats"`
}

// CursorRow mirrors the cursor_state table.
type CursorRow struct {
	RepoID    int64     `db:"repo_id"`
	JobType   JobType   `db:"job_type"`
	Envelope  JSONMap   `db:"envelope"`
	UpdatedAt time.Time `db:"updated_at"`
}

const CursorEnvelopeVersion = 2
