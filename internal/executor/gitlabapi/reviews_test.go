package gitlabapi

import (
	"testing"

	"github.com/scmsync/scmsync/models"
)

func TestClassifySystemNote(t *testing.T) {
	cases := []struct {
		body string
		want models.ReviewEventType
		ok   bool
	}{
		{"approved this merge request", models.EventApprove, true},
		{"unapproved this merge request", models.EventUnapprove, true},
		{"requested review from @alice", models.EventReviewerAssign, true},
		{"assigned to @bob", models.EventAssign, true},
		{"reassigned to @carol", models.EventAssign, true},
		{"changed milestone to %v1.0", models.EventMilestone, true},
		{"added ~bug label", models.EventLabel, true},
		{"removed ~bug label", models.EventLabel, true},
		{"mentioned in commit abc123", "", false},
	}
	for _, c := range cases {
		got, ok := classifySystemNote(c.body)
		if ok != c.ok || (ok && got != c.want) {
			t.Errorf("classifySystemNote(%q) = (%q, %v), want (%q, %v)", c.body, got, ok, c.want, c.ok)
		}
	}
}
