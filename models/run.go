package models

import "time"

// RunStatus is a SyncRun's terminal or in-flight state.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunNoData    RunStatus = "no_data"
)

// SyncRun durably records one execution of the Sync Executor, exactly
// once finalized per run_id.
type SyncRun struct {
	RunID          string     `db:"run_id"`
	RepoID         int64      `db:"repo_id"`
	JobType        JobType    `db:"job_type"`
	Mode           SyncMode   `db:"mode"`
	Status         RunStatus  `db:"status"`
	StartedAt      time.Time  `db:"started_at"`
	FinishedAt     *time.Time `db:"finished_at"`
	CursorBefore   JSONMap    `db:"cursor_before"`
	CursorAfter    JSONMap    `db:"cursor_after"`
	Counts         JSONMap    `db:"counts"`
	ErrorSummary   JSONMap    `db:"error_summary"`
	LogbookItemID  string     `db:"logbook_item_id"`
}
