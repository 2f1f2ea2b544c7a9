package executor

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/scmsync/scmsync/internal/config"
	"github.com/scmsync/scmsync/internal/executor/svnapi"
	"github.com/scmsync/scmsync/models"
)

func fakeSVNBinary(t *testing.T, script string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake svn binary is a POSIX shell script")
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "svn")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755); err != nil {
		t.Fatalf("writing fake svn binary: %v", err)
	}
	return path
}

const fakeSVNLog = `<?xml version="1.0"?>
<log>
<logentry revision="5">
<author>alice</author>
<date>2026-01-02T03:04:05.000000Z</date>
<msg>first</msg>
</logentry>
<logentry revision="6">
<author>bob</author>
<date>2026-01-03T03:04:05.000000Z</date>
<msg>second</msg>
</logentry>
</log>
`

// TestSVNRevisionsFetchUpsertsAndAdvancesWatermark is scenario S1: a
// repeated fetch over the same (overlapping) revision range must
// upsert idempotently rather than duplicate rows, and the watermark
// advances to the highest revision seen.
func TestSVNRevisionsFetchUpsertsAndAdvancesWatermark(t *testing.T) {
	db := newTestDB(t)
	repo := seedTestRepo(t, db)
	repo.URL = "https://svn.example.com/repo"

	bin := fakeSVNBinary(t, "cat <<'EOF'\n"+fakeSVNLog+"EOF\n")
	client := svnapi.New(config.SVNConfig{BinPath: bin})
	fetcher := &svnRevisionsFetcher{db: db, client: client}

	outcome := fetcher.Fetch(context.Background(), repo, Window{StartRev: 1}, &models.SyncJob{}, Config{}, NoopHeartbeat)
	if len(outcome.UnrecoverableErrors) != 0 {
		t.Fatalf("expected no unrecoverable errors, got %+v", outcome.UnrecoverableErrors)
	}
	if outcome.Counts.Revisions != 2 {
		t.Fatalf("expected 2 revisions counted, got %d", outcome.Counts.Revisions)
	}
	if outcome.NewWatermark["revision"] != int64(6) {
		t.Fatalf("expected watermark revision 6, got %v", outcome.NewWatermark["revision"])
	}

	// Re-running over an overlapping range must not duplicate rows.
	outcome2 := fetcher.Fetch(context.Background(), repo, Window{StartRev: 5}, &models.SyncJob{}, Config{}, NoopHeartbeat)
	if outcome2.Counts.Revisions != 2 {
		t.Fatalf("expected the idempotent re-fetch to still report 2 revisions, got %d", outcome2.Counts.Revisions)
	}

	var row struct {
		Count int `db:"n"`
	}
	if err := db.Get(context.Background(), &row, "SELECT COUNT(*) AS n FROM svn_revisions WHERE repo_id = ?", repo.ID); err != nil {
		t.Fatalf("counting svn_revisions: %v", err)
	}
	if row.Count != 2 {
		t.Fatalf("expected exactly 2 stored rows after the overlapping re-fetch, got %d", row.Count)
	}
}

func TestSVNRevisionsFetchReportsLogFailure(t *testing.T) {
	db := newTestDB(t)
	repo := seedTestRepo(t, db)
	repo.URL = "https://svn.example.com/repo"

	bin := fakeSVNBinary(t, "echo 'svn: E170013: connection refused' >&2\nexit 1\n")
	client := svnapi.New(config.SVNConfig{BinPath: bin})
	fetcher := &svnRevisionsFetcher{db: db, client: client}

	outcome := fetcher.Fetch(context.Background(), repo, Window{StartRev: 1}, &models.SyncJob{}, Config{}, NoopHeartbeat)
	if len(outcome.UnrecoverableErrors) == 0 {
		t.Fatal("expected the svn log failure to surface as an unrecoverable error")
	}
	if outcome.Counts.Revisions != 0 {
		t.Fatalf("expected no revisions counted on log failure, got %d", outcome.Counts.Revisions)
	}
}
