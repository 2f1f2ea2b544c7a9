package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// JobType is the physical job type — the granularity at which locks and
// queue rows are keyed.
type JobType string

const (
	JobTypeGitLabCommits JobType = "gitlab_commits"
	JobTypeGitLabMRs     JobType = "gitlab_mrs"
	JobTypeGitLabReviews JobType = "gitlab_reviews"
	JobTypeSVN           JobType = "svn"
)

// logicalJobTypes maps legacy logical names, kept for backward
// compatibility, to the physical job type appropriate for a repo type.
var logicalJobTypes = map[string]map[RepoType]JobType{
	"commits": {RepoTypeGit: JobTypeGitLabCommits, RepoTypeSVN: JobTypeSVN},
	"mrs":     {RepoTypeGit: JobTypeGitLabMRs},
	"reviews": {RepoTypeGit: JobTypeGitLabReviews},
}

// ResolveJobType maps a logical or physical job type name plus a repo
// type to the physical JobType the queue and lock manager key on.
func ResolveJobType(name string, repoType RepoType) (JobType, error) {
	switch JobType(name) {
	case JobTypeGitLabCommits, JobTypeGitLabMRs, JobTypeGitLabReviews, JobTypeSVN:
		return JobType(name), nil
	}
	if byRepo, ok := logicalJobTypes[name]; ok {
		if jt, ok := byRepo[repoType]; ok {
			return jt, nil
		}
		return "", fmt.Errorf("job type %q has no mapping for repo type %q", name, repoType)
	}
	return "", fmt.Errorf("unknown job type %q", name)
}

// SyncMode controls whether a job runs a full historical backfill or an
// incremental catch-up from the persisted cursor.
type SyncMode string

const (
	ModeIncremental SyncMode = "incremental"
	ModeBackfill    SyncMode = "backfill"
)

// JobStatus is a SyncJob's position in the queue state machine.
type JobStatus string

const (
	StatusPending   JobStatus = "pending"
	StatusRunning   JobStatus = "running"
	StatusFailed    JobStatus = "failed"
	StatusCompleted JobStatus = "completed"
	StatusDead      JobStatus = "dead"
)

// JSONMap is a typed wrapper around an opaque key-value payload (job
// options, run counts, error summaries). It round-trips through both
// pgx and database/sql as JSON/JSONB without callers reaching for
// untyped map[string]interface{} at call sites.
type JSONMap map[string]any

func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(map[string]any(m))
}

func (m *JSONMap) Scan(src any) error {
	if src == nil {
		*m = JSONMap{}
		return nil
	}
	var b []byte
	switch v := src.(type) {
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return fmt.Errorf("JSONMap.Scan: unsupported type %T", src)
	}
	if len(b) == 0 {
		*m = JSONMap{}
		return nil
	}
	out := JSONMap{}
	if err := json.Unmarshal(b, &out); err != nil {
		return fmt.Errorf("JSONMap.Scan: %w", err)
	}
	*m = out
	return nil
}

// JobPayload holds the typed, known per-job options alongside the raw
// JSONMap so unrecognised fields persist unharmed across versions.
type JobPayload struct {
	Since             *time.Time `json:"since,omitempty"`
	Until             *time.Time `json:"until,omitempty"`
	UpdateWatermark   *bool      `json:"update_watermark,omitempty"`
	SuggestedBatchSize int       `json:"suggested_batch_size,omitempty"`
	IsBackfillOnly    bool       `json:"is_backfill_only,omitempty"`
	Extra             JSONMap    `json:"-"`
}

// MarshalJSON flattens Extra alongside the known fields.
func (p JobPayload) MarshalJSON() ([]byte, error) {
	out := JSONMap{}
	for k, v := range p.Extra {
		out[k] = v
	}
	if p.Since != nil {
		out["since"] = p.Since.UTC().Format(time.RFC3339)
	}
	if p.Until != nil {
		out["until"] = p.Until.UTC().Format(time.RFC3339)
	}
	if p.UpdateWatermark != nil {
		out["update_watermark"] = *p.UpdateWatermark
	}
	if p.SuggestedBatchSize != 0 {
		out["suggested_batch_size"] = p.SuggestedBatchSize
	}
	if p.IsBackfillOnly {
		out["is_backfill_only"] = p.IsBackfillOnly
	}
	return json.Marshal(map[string]any(out))
}

func (p *JobPayload) UnmarshalJSON(data []byte) error {
	raw := JSONMap{}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
	}
	if v, ok := raw["since"].(string); ok {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			p.Since = &t
		}
		delete(raw, "since")
	}
	if v, ok := raw["until"].(string); ok {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			p.Until = &t
		}
		delete(raw, "until")
	}
	if v, ok := raw["update_watermark"].(bool); ok {
		p.UpdateWatermark = &v
		delete(raw, "update_watermark")
	}
	if v, ok := raw["suggested_batch_size"].(float64); ok {
		p.SuggestedBatchSize = int(v)
		delete(raw, "suggested_batch_size")
	}
	if v, ok := raw["is_backfill_only"].(bool); ok {
		p.IsBackfillOnly = v
		delete(raw, "is_backfill_only")
	}
	p.Extra = raw
	return nil
}

// UpdateWatermarkOr returns the payload's explicit override, or def when
// the payload does not specify one.
func (p JobPayload) UpdateWatermarkOr(def bool) bool {
	if p.UpdateWatermark != nil {
		return *p.UpdateWatermark
	}
	return def
}

// SyncJob is a durable unit of work in the queue.
type SyncJob struct {
	ID          int64      `db:"id"`
	RepoID      int64      `db:"repo_id"`
	JobType     JobType    `db:"job_type"`
	Mode        SyncMode   `db:"mode"`
	Priority    int        `db:"priority"`
	Status      JobStatus  `db:"status"`
	Attempts    int        `db:"attempts"`
	MaxAttempts int        `db:"max_attempts"`
	LockedBy    *string    `db:"locked_by"`
	LockedAt    *time.Time `db:"locked_at"`
	LeaseSeconds int       `db:"lease_seconds"`
	NotBefore   *time.Time `db:"not_before"`
	LastError   string     `db:"last_error"`
	Payload     JSONMap    `db:"payload"`
	CreatedAt   time.Time  `db:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at"`
}

// DecodePayload parses the job's raw JSONMap into a typed JobPayload.
func (j SyncJob) DecodePayload() (JobPayload, error) {
	raw, err := json.Marshal(map[string]any(j.Payload))
	if err != nil {
		return JobPayload{}, err
	}
	var p JobPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return JobPayload{}, err
	}
	return p, nil
}

// PoolFilter restricts which jobs a worker's Claim call may pick up,
// letting operators horizontally partition worker fleets.
type PoolFilter struct {
	JobTypes          []JobType
	InstanceAllowlist []string // hosts parsed from the repo URL
	TenantAllowlist   []string
}

// Allows reports whether a candidate job's repo URL and project key
// pass the pool's instance/tenant allowlists. An empty allowlist
// matches everything.
func (f PoolFilter) Allows(repoURL, projectKey string) bool {
	if len(f.InstanceAllowlist) > 0 && !containsFold(f.InstanceAllowlist, instanceHost(repoURL)) {
		return false
	}
	if len(f.TenantAllowlist) > 0 && !containsFold(f.TenantAllowlist, tenantOf(projectKey)) {
		return false
	}
	return true
}

// instanceHost extracts the host a repo URL was parsed from, falling
// back to the raw string for values that don't parse as a URL (e.g. an
// scp-style SVN path).
func instanceHost(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return rawURL
	}
	return u.Host
}

// tenantOf returns the namespace prefix of a "group/project" project
// key.
func tenantOf(projectKey string) string {
	if i := strings.IndexByte(projectKey, '/'); i >= 0 {
		return projectKey[:i]
	}
	return projectKey
}

func containsFold(list []string, v string) bool {
	for _, item := range list {
		if strings.EqualFold(item, v) {
			return true
		}
	}
	return false
}
