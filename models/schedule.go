package models

import "time"

// Schedule is a persisted cron entry auto-enqueuing incremental
// SyncJobs for one (repo_id, job_type) pair, mirroring the gateway's
// scheduled-scan row shape.
type Schedule struct {
	ID        int64      `db:"id"`
	RepoID    int64      `db:"repo_id"`
	JobType   JobType    `db:"job_type"`
	Expr      string     `db:"expr"`
	Enabled   bool       `db:"enabled"`
	LastRunAt *time.Time `db:"last_run_at"`
	CreatedAt time.Time  `db:"created_at"`
	UpdatedAt time.Time  `db:"updated_at"`
}
