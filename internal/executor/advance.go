package executor

import (
	"strings"

	"github.com/scmsync/scmsync/internal/classify"
)

// DecideAdvance implements the cursor-advancement decision table from
// spec §4.4 step 9: a pure function of the old/new cursor comparison,
// the update_watermark flag, strict mode, and whether unrecoverable
// errors were seen during this run.
func DecideAdvance(strict, hasUnrecoverable, updateWatermark, newerThanOld bool, categories []classify.Category) (advance bool, reason string) {
	if strict && hasUnrecoverable {
		return false, "strict_mode:unrecoverable_error_encountered:categories=" + joinCategories(categories)
	}
	if !updateWatermark {
		return false, "backfill_mode:update_watermark=false"
	}
	if !newerThanOld {
		return false, "watermark_unchanged"
	}
	if hasUnrecoverable {
		return true, "best_effort_with_errors:degraded=" + joinCategories(categories)
	}
	return true, "batch_complete"
}

func joinCategories(cats []classify.Category) string {
	if len(cats) == 0 {
		return "unknown"
	}
	return strings.Join(distinctCategoryStrings(cats), ",")
}

// distinctCategoryStrings dedups categories while preserving first-seen
// order, for Result.MissingTypes (spec S3: missing_types=["rate_limit"]).
func distinctCategoryStrings(cats []classify.Category) []string {
	seen := map[classify.Category]bool{}
	out := make([]string, 0, len(cats))
	for _, c := range cats {
		if seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, string(c))
	}
	return out
}
