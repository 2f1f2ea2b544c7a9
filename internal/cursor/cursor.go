// Package cursor persists and guards monotone advancement of the
// per-(repo_id, job_type) watermark that each sync executor resumes
// from (spec §4.1).
package cursor

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/scmsync/scmsync/models"
)

// DB is the subset of store.DB the cursor store needs, so this
// package never imports internal/store directly and stays testable
// against a fake.
type DB interface {
	Get(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	Exec(ctx context.Context, query string, args ...interface{}) error
}

// Store loads and saves cursors, enforcing monotone advancement.
type Store struct {
	db DB
}

func New(db DB) *Store { return &Store{db: db} }

// Load returns the current envelope for (repoID, jobType), or a fresh
// zero envelope when none is stored yet. Never fails on absence.
func (s *Store) Load(ctx context.Context, repoID int64, jobType models.JobType) (models.CursorEnvelope, error) {
	var row models.CursorRow
	err := s.db.Get(ctx, &row,
		"SELECT repo_id, job_type, envelope, updated_at FROM cursor_state WHERE repo_id = ? AND job_type = ?",
		repoID, jobType)
	if err == sql.ErrNoRows {
		return models.CursorEnvelope{Version: models.CursorEnvelopeVersion, Watermark: models.JSONMap{}, Stats: models.JSONMap{}}, nil
	}
	if err != nil {
		return models.CursorEnvelope{}, fmt.Errorf("loading cursor: %w", err)
	}
	return upgrade(row.Envelope), nil
}

// upgrade performs the v1->v2 envelope migration: a v1 row is a bare
// watermark map with no {version, watermark, stats} wrapper. For a v2
// row only the watermark and stats keys are carried over; any other
// top-level keys of the stored envelope are dropped.
func upgrade(raw models.JSONMap) models.CursorEnvelope {
	if raw == nil {
		return models.CursorEnvelope{Version: models.CursorEnvelopeVersion, Watermark: models.JSONMap{}, Stats: models.JSONMap{}}
	}
	if _, hasWatermark := raw["watermark"]; hasWatermark {
		env := models.CursorEnvelope{Version: models.CursorEnvelopeVersion, Watermark: models.JSONMap{}, Stats: models.JSONMap{}}
		if wm, ok := raw["watermark"].(map[string]any); ok {
			env.Watermark = models.JSONMap(wm)
		}
		if st, ok := raw["stats"].(map[string]any); ok {
			env.Stats = models.JSONMap(st)
		}
		return env
	}
	// v1: the whole row IS the watermark.
	return models.CursorEnvelope{Version: models.CursorEnvelopeVersion, Watermark: raw, Stats: models.JSONMap{}}
}

// Save persists newWatermark only if ShouldAdvance(newWatermark,
// current) holds; a monotone-violation is a silent no-op success.
func (s *Store) Save(ctx context.Context, repoID int64, jobType models.JobType, newWatermark, stats models.JSONMap) error {
	current, err := s.Load(ctx, repoID, jobType)
	if err != nil {
		return err
	}
	if !ShouldAdvance(jobType, newWatermark, current.Watermark) {
		slog.Debug("cursor: ignoring non-advancing write", "repo_id", repoID, "job_type", jobType)
		return nil
	}

	env := models.CursorEnvelope{
		Version:   models.CursorEnvelopeVersion,
		Watermark: newWatermark,
		Stats:     stats,
	}
	envelope := models.JSONMap{
		"version":   env.Version,
		"watermark": map[string]any(env.Watermark),
		"stats":     map[string]any(env.Stats),
	}

	return s.db.Exec(ctx,
		`INSERT INTO cursor_state (repo_id, job_type, envelope, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(repo_id, job_type) DO UPDATE SET envelope = excluded.envelope, updated_at = excluded.updated_at`,
		repoID, jobType, envelope, time.Now().UTC())
}

// isTimeKeyed reports whether jobType compares cursors as
// (timestamp, secondary_id) rather than an integer revision.
func isTimeKeyed(jobType models.JobType) bool {
	return jobType != models.JobTypeSVN
}

// ShouldAdvance implements the per-job-type comparison from spec §4.1:
// time-keyed types compare (timestamp, secondary_id) lexicographically
// with strict greater-than; SVN compares the integer revision with
// strict greater-than.
func ShouldAdvance(jobType models.JobType, newWM, currentWM models.JSONMap) bool {
	if isTimeKeyed(jobType) {
		newTS, newSec := timeKey(newWM)
		curTS, curSec := timeKey(currentWM)
		if newTS == "" {
			return false
		}
		if curTS == "" {
			return true
		}
		if newTS != curTS {
			return newTS > curTS
		}
		return newSec > curSec
	}

	newRev, ok := revision(newWM)
	if !ok {
		return false
	}
	curRev, ok := revision(currentWM)
	if !ok {
		return true
	}
	return newRev > curRev
}

func timeKey(wm models.JSONMap) (timestamp, secondaryID string) {
	if wm == nil {
		return "", ""
	}
	if ts, ok := wm["timestamp"].(string); ok {
		timestamp = NormalizeTimestamp(ts)
	}
	if sec, ok := wm["secondary_id"].(string); ok {
		secondaryID = sec
	}
	return
}

func revision(wm models.JSONMap) (int64, bool) {
	if wm == nil {
		return 0, false
	}
	switch v := wm["revision"].(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case int:
		return int64(v), true
	default:
		return 0, false
	}
}

// NormalizeTimestamp canonicalizes an ISO-8601 timestamp to UTC with a
// trailing "Z" so that subsequent string comparison matches
// chronological comparison. Unparseable input passes through
// unchanged so a corrupt watermark never panics the comparison.
func NormalizeTimestamp(s string) string {
	if s == "" {
		return s
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC().Format(time.RFC3339Nano)
		}
	}
	return s
}
