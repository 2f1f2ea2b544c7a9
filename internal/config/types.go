package config

import "time"

// Config is the root configuration structure for scmsync, populated
// from environment variables (and an optional config file) via viper.
type Config struct {
	Database DatabaseConfig `mapstructure:"database" json:"database"`
	Worker   WorkerConfig   `mapstructure:"worker"   json:"worker"`
	GitLab   GitLabConfig   `mapstructure:"gitlab"   json:"gitlab"`
	SVN      SVNConfig      `mapstructure:"svn"      json:"svn"`
	Reaper   ReaperConfig   `mapstructure:"reaper"   json:"reaper"`
	Executor ExecutorConfig `mapstructure:"executor" json:"executor"`
	SyncMode string         `mapstructure:"sync_mode" json:"sync_mode"`
}

// DatabaseConfig controls the storage backend.
type DatabaseConfig struct {
	// Driver is "postgres" (default when DSN is set) or "sqlite".
	Driver string `mapstructure:"driver" json:"driver"`
	// DSN is the Postgres connection string (POSTGRES_DSN).
	DSN string `mapstructure:"dsn" json:"dsn"`
	// Path is the SQLite file path, used when Driver == "sqlite".
	Path string `mapstructure:"path" json:"path"`
}

// WorkerConfig controls the worker loop, lease renewal, and poll cadence.
type WorkerConfig struct {
	// ID identifies this worker process in locked_by columns (WORKER_ID).
	ID string `mapstructure:"id" json:"id"`
	// PollInterval is how long an idle worker sleeps between claim
	// attempts (POLL_INTERVAL).
	PollInterval time.Duration `mapstructure:"poll_interval" json:"poll_interval"`
	// LeaseSeconds is the queue-lease duration assigned on claim
	// (SCM_WORKER_LEASE_SECONDS).
	LeaseSeconds int `mapstructure:"lease_seconds" json:"lease_seconds"`
	// RenewIntervalSeconds is how often the heartbeat renews the lease
	// (SCM_WORKER_RENEW_INTERVAL_SECONDS).
	RenewIntervalSeconds int `mapstructure:"renew_interval_seconds" json:"renew_interval_seconds"`
	// MaxRenewFailures is the number of consecutive renewal failures
	// that trigger should_abort (SCM_WORKER_MAX_RENEW_FAILURES).
	MaxRenewFailures int `mapstructure:"max_renew_failures" json:"max_renew_failures"`
	// PoolFilter optionally partitions the worker fleet.
	PoolJobTypes         []string `mapstructure:"pool_job_types" json:"pool_job_types"`
	PoolInstanceAllowlist []string `mapstructure:"pool_instance_allowlist" json:"pool_instance_allowlist"`
	PoolTenantAllowlist  []string `mapstructure:"pool_tenant_allowlist" json:"pool_tenant_allowlist"`
	// PoolName names this worker's pool for circuit-breaker scoping
	// (falls back to the first instance/tenant allowlist entry, then
	// global, when unset).
	PoolName string `mapstructure:"pool_name" json:"pool_name"`
}

// GitLabConfig holds the credentials used by internal/executor/gitlabapi.
type GitLabConfig struct {
	// Token is the bearer/PAT used for API calls (GITLAB_TOKEN).
	Token string `mapstructure:"token" json:"token"`
	// PrivateToken is the legacy PRIVATE-TOKEN header value
	// (GITLAB_PRIVATE_TOKEN), used when Token is unset.
	PrivateToken string `mapstructure:"private_token" json:"private_token"`
	// BaseURL overrides the API endpoint for self-hosted GitLab instances.
	BaseURL string `mapstructure:"base_url" json:"base_url"`
	// RateLimitPerSecond caps outbound API calls (default 8 when unset).
	RateLimitPerSecond int `mapstructure:"rate_limit_per_second" json:"rate_limit_per_second"`
}

// SVNConfig holds settings for internal/executor/svnapi.
type SVNConfig struct {
	// BinPath is the svn executable to shell out to (default "svn").
	BinPath string `mapstructure:"bin_path" json:"bin_path"`
	// Username/Password are passed to --username/--password when set.
	Username string `mapstructure:"username" json:"username"`
	Password string `mapstructure:"password" json:"password"` // #nosec G101 -- config field, not a hardcoded credential
}

// ReaperConfig controls the reaper's three sweep passes.
type ReaperConfig struct {
	// Interval is the sleep between RunLoop passes.
	Interval time.Duration `mapstructure:"interval" json:"interval"`
	// GraceSeconds extends a lock's lease before it is considered
	// expired, absorbing clock skew between workers.
	GraceSeconds int `mapstructure:"grace_seconds" json:"grace_seconds"`
	// MaxRunDurationSeconds bounds how long a sync_runs row may stay
	// "running" before the reaper transitions it to failed/lease_lost.
	MaxRunDurationSeconds int `mapstructure:"max_run_duration_seconds" json:"max_run_duration_seconds"`
}

// DiffMode controls whether the executor fetches per-record diffs.
type DiffMode string

const (
	DiffModeNone       DiffMode = "none"
	DiffModeBestEffort DiffMode = "best_effort"
	DiffModeAlways     DiffMode = "always"
)

// ExecutorConfig tunes the sync executor's windowing and detail-fetch
// behavior (spec §4.4).
type ExecutorConfig struct {
	// OverlapSeconds is subtracted from the incremental cursor
	// timestamp to tolerate remote clock skew.
	OverlapSeconds int `mapstructure:"overlap_seconds" json:"overlap_seconds"`
	// OverlapRevisions is the SVN equivalent of OverlapSeconds.
	OverlapRevisions int `mapstructure:"overlap_revisions" json:"overlap_revisions"`
	// DiffMode controls per-commit diff fetching.
	DiffMode DiffMode `mapstructure:"diff_mode" json:"diff_mode"`
}
