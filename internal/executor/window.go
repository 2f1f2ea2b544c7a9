package executor

import (
	"time"

	"github.com/scmsync/scmsync/models"
)

// Window is the time- or revision-bounded slice of remote history one
// executor invocation requests (spec §4.4 step 5).
type Window struct {
	Since    *time.Time
	Until    *time.Time
	StartRev int64 // SVN only; 0 means "not revision-bounded"
}

// DetermineWindow implements spec §4.4 step 5: backfill mode uses the
// job's explicit since/until; incremental mode derives a window from
// the cursor watermark, shifted back by the configured overlap to
// tolerate remote clock skew. timeKeyed selects between the GitLab
// (timestamp) and SVN (revision) cursor shapes, matching
// cursor.isTimeKeyed's per-job-type split.
func DetermineWindow(mode models.SyncMode, payload models.JobPayload, cursorWM models.JSONMap, overlapSeconds, overlapRevisions int, timeKeyed bool) Window {
	if mode == models.ModeBackfill {
		return Window{Since: payload.Since, Until: payload.Until}
	}

	if timeKeyed {
		ts, _ := cursorWM["timestamp"].(string)
		if ts == "" {
			// No prior cursor: fetch the full remote history.
			return Window{}
		}
		if t, err := time.Parse(time.RFC3339Nano, normalizeTimestamp(ts)); err == nil {
			since := t.Add(-time.Duration(overlapSeconds) * time.Second)
			return Window{Since: &since}
		}
		return Window{}
	}

	rev, ok := revisionOf(cursorWM)
	if !ok {
		return Window{StartRev: 1}
	}
	start := rev - int64(overlapRevisions) + 1
	if start < 1 {
		start = 1
	}
	return Window{StartRev: start}
}

func revisionOf(wm models.JSONMap) (int64, bool) {
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

// normalizeTimestamp mirrors cursor.NormalizeTimestamp locally, since
// pulling in internal/cursor just for this one helper isn't worth the
// coupling.
func normalizeTimestamp(s string) string {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC().Format(time.RFC3339Nano)
		}
	}
	return s
}
