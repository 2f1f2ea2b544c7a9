// Package svnapi shells out to the svn CLI the way the teacher's
// CloneManager (internal/repository/clone.go) wraps a VCS tool behind a
// narrow Go API: context-bound execution, slog logging, wrapped errors.
// SVN has no maintained native-Go client in this codebase's dependency
// pack, so unlike clone.go (which drives go-git in-process) this
// package drives the svn(1) binary via os/exec.CommandContext.
package svnapi

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"time"

	"github.com/scmsync/scmsync/internal/classify"
	"github.com/scmsync/scmsync/internal/config"
)

// Client wraps invocations of the svn CLI against one repository URL.
type Client struct {
	binPath  string
	username string
	password string
}

func New(cfg config.SVNConfig) *Client {
	bin := cfg.BinPath
	if bin == "" {
		bin = "svn"
	}
	return &Client{binPath: bin, username: cfg.Username, password: cfg.Password}
}

// Revision is the normalized shape an executor upserts into svn_revisions.
type Revision struct {
	RevNum      int64
	Author      string
	Message     string
	CommittedAt time.Time
	Additions   int
	Deletions   int
}

type logEntry struct {
	Revision int64  `xml:"revision,attr"`
	Author   string `xml:"author"`
	Date     string `xml:"date"`
	Msg      string `xml:"msg"`
}

type logXML struct {
	Entries []logEntry `xml:"logentry"`
}

// Log runs `svn log --xml -r startRev:HEAD --limit limit url`, returning
// revisions oldest-first. limit of 0 means unbounded.
func (c *Client) Log(ctx context.Context, url string, startRev int64, limit int) ([]Revision, classify.Classification) {
	args := []string{"log", "--xml", "-r", fmt.Sprintf("%d:HEAD", startRev)}
	if limit > 0 {
		args = append(args, "--limit", strconv.Itoa(limit))
	}
	args = append(args, url)

	out, err := c.run(ctx, args...)
	if err != nil {
		return nil, classify.Classify(0, err.Error())
	}

	var parsed logXML
	if err := xml.Unmarshal(out, &parsed); err != nil {
		return nil, classify.Classify(0, fmt.Sprintf("parsing svn log xml: %v", err))
	}

	revs := make([]Revision, 0, len(parsed.Entries))
	for _, e := range parsed.Entries {
		ts, _ := time.Parse(time.RFC3339Nano, e.Date)
		revs = append(revs, Revision{
			RevNum:      e.Revision,
			Author:      e.Author,
			Message:     e.Msg,
			CommittedAt: ts,
		})
	}
	return revs, classify.Classification{}
}

// DiffStat runs `svn diff -c rev` and counts added/removed lines,
// called only when the executor's diff mode requests per-record detail.
func (c *Client) DiffStat(ctx context.Context, url string, rev int64) (additions, deletions int, cls classify.Classification) {
	out, err := c.run(ctx, "diff", "-c", strconv.FormatInt(rev, 10), url)
	if err != nil {
		return 0, 0, classify.Classify(0, err.Error())
	}
	for _, line := range bytes.Split(out, []byte("\n")) {
		if bytes.HasPrefix(line, []byte("+++")) || bytes.HasPrefix(line, []byte("---")) {
			continue
		}
		if bytes.HasPrefix(line, []byte("+")) {
			additions++
		} else if bytes.HasPrefix(line, []byte("-")) {
			deletions++
		}
	}
	return additions, deletions, classify.Classification{}
}

func (c *Client) run(ctx context.Context, args ...string) ([]byte, error) {
	slog.Debug("running svn", "args", args)

	full := args
	if c.username != "" {
		full = append(full, "--username", c.username, "--non-interactive")
	}
	if c.password != "" {
		full = append(full, "--password", c.password)
	}
	cmd := exec.CommandContext(ctx, c.binPath, full...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("svn %v: %w: %s", args[0], err, stderr.String())
	}
	return stdout.Bytes(), nil
}
