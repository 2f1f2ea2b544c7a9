package executor

import (
	"testing"
	"time"

	"github.com/scmsync/scmsync/models"
)

func TestDetermineWindowBackfillUsesJobSinceUntil(t *testing.T) {
	since := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	until := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	w := DetermineWindow(models.ModeBackfill, models.JobPayload{Since: &since, Until: &until}, nil, 300, 1, true)
	if w.Since == nil || !w.Since.Equal(since) {
		t.Fatalf("expected since %v, got %v", since, w.Since)
	}
	if w.Until == nil || !w.Until.Equal(until) {
		t.Fatalf("expected until %v, got %v", until, w.Until)
	}
}

func TestDetermineWindowIncrementalSubtractsOverlap(t *testing.T) {
	cur := models.JSONMap{"timestamp": "2026-01-01T00:10:00Z"}
	w := DetermineWindow(models.ModeIncremental, models.JobPayload{}, cur, 300, 1, true)
	if w.Since == nil {
		t.Fatal("expected a since bound")
	}
	want := time.Date(2026, 1, 1, 0, 5, 0, 0, time.UTC)
	if !w.Since.Equal(want) {
		t.Fatalf("expected since %v (300s overlap), got %v", want, w.Since)
	}
}

func TestDetermineWindowIncrementalNoCursorFetchesEverything(t *testing.T) {
	w := DetermineWindow(models.ModeIncremental, models.JobPayload{}, models.JSONMap{}, 300, 1, true)
	if w.Since != nil {
		t.Fatalf("expected no since bound with no prior cursor, got %v", w.Since)
	}
}

func TestDetermineWindowSVNRevisionOverlap(t *testing.T) {
	cur := models.JSONMap{"revision": float64(100)}
	w := DetermineWindow(models.ModeIncremental, models.JobPayload{}, cur, 300, 5, false)
	if w.StartRev != 96 {
		t.Fatalf("expected start_rev 96 (100 - 5 + 1), got %d", w.StartRev)
	}
}

func TestDetermineWindowSVNRevisionFloorsAtOne(t *testing.T) {
	cur := models.JSONMap{"revision": float64(2)}
	w := DetermineWindow(models.ModeIncremental, models.JobPayload{}, cur, 300, 5, false)
	if w.StartRev != 1 {
		t.Fatalf("expected start_rev to floor at 1, got %d", w.StartRev)
	}
}

func TestDetermineWindowSVNNoCursorStartsFromOne(t *testing.T) {
	w := DetermineWindow(models.ModeIncremental, models.JobPayload{}, models.JSONMap{}, 300, 1, false)
	if w.StartRev != 1 {
		t.Fatalf("expected a fresh start_rev=1 window, got %+v", w)
	}
}
