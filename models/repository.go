// Package models holds the data types shared across scmsync's public
// surface: repositories, jobs, locks, runs, and the canonical record
// shapes mirrored into the relational store.
package models

import "time"

// RepoType identifies which remote system a Repository is hosted on.
type RepoType string

const (
	RepoTypeGit RepoType = "git"
	RepoTypeSVN RepoType = "svn"
)

// Repository is the upserted, never-deleted identity of a mirrored
// remote repository. Natural key is (RepoType, URL).
type Repository struct {
	ID            int64     `db:"id"`
	RepoType      RepoType  `db:"repo_type"`
	URL           string    `db:"url"`
	ProjectKey    string    `db:"project_key"`
	DefaultBranch string    `db:"default_branch"`
	CreatedAt     time.Time `db:"created_at"`
}

// NormalizeURL trims whitespace and a single trailing slash so that
// uniqueness comparison on (repo_type, url) is stable regardless of how
// callers format their input.
func NormalizeURL(raw string) string {
	s := raw
	for len(s) > 0 && (s[len(s)-1] == ' ' || s[len(s)-1] == '\t' || s[len(s)-1] == '\n') {
		s = s[:len(s)-1]
	}
	for len(s) > 0 && (s[0] == ' ' || s[0] == '\t' || s[0] == '\n') {
		s = s[1:]
	}
	for len(s) > 1 && s[len(s)-1] == '/' {
		s = s[:len(s)-1]
	}
	return s
}
