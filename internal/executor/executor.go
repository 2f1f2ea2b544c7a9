// Package executor implements the per-job sync executor contract
// (spec §4.4): a ten-phase protocol shared by four concrete job types,
// registered by physical job type the way the teacher registers its
// scanners and AI providers (internal/scanner.BuildScanners,
// internal/ai.New).
package executor

import (
	"context"
	"fmt"

	"github.com/scmsync/scmsync/internal/classify"
	"github.com/scmsync/scmsync/internal/cursor"
	"github.com/scmsync/scmsync/internal/synclock"
	"github.com/scmsync/scmsync/internal/store"
	"github.com/scmsync/scmsync/models"
)

// HeartbeatSignal is the capability the executor needs from the
// worker's heartbeat manager: whether to abort at the next safe point,
// and a way to keep the sync lock alive across a long job without
// depending on the worker package directly (would create an import
// cycle: worker already depends on executor).
type HeartbeatSignal interface {
	ShouldAbort() bool
	RenewSyncLock(ctx context.Context) error
}

// noopHeartbeat lets callers (tests, one-shot CLI runs) invoke an
// executor without a real worker loop behind it.
type noopHeartbeat struct{}

func (noopHeartbeat) ShouldAbort() bool                { return false }
func (noopHeartbeat) RenewSyncLock(context.Context) error { return nil }

// NoopHeartbeat is the default HeartbeatSignal for contexts with no
// worker loop driving renewal (single-shot CLI execution).
var NoopHeartbeat HeartbeatSignal = noopHeartbeat{}

// Deps bundles an executor's collaborators.
type Deps struct {
	DB       store.DB
	Cursor   *cursor.Store
	Lock     *synclock.Manager
	Config   Config
	WorkerID string
}

// Config carries the windowing/diff-mode knobs an executor needs,
// mirroring internal/config.ExecutorConfig without importing it
// directly (keeps this package's dependency surface narrow).
type Config struct {
	OverlapSeconds   int
	OverlapRevisions int
	DiffMode         string
	Strict           bool
}

// Outcome is the terminal disposition of one executor invocation, the
// four-way split the worker loop and circuit breaker branch on.
type Outcome string

const (
	OutcomeOK        Outcome = "ok"
	OutcomeLocked    Outcome = "locked"
	OutcomeFailed    Outcome = "failed"
	OutcomeLeaseLost Outcome = "lease_lost"
)

// Counts is the per-job-type record tally (spec §9 design notes: a
// typed struct, not a loose map). Only the field matching the
// executing job type is populated.
type Counts struct {
	Commits      int
	MRs          int
	ReviewEvents int
	Revisions    int
}

// Total sums every counted field, used by the no-data/completed run
// status distinction.
func (c Counts) Total() int {
	return c.Commits + c.MRs + c.ReviewEvents + c.Revisions
}

// Result is the canonical per-job result (spec §4.4 entry/output
// contract), returned to the worker loop for queue ack/fail_retry
// decisions and circuit-breaker recording.
type Result struct {
	Outcome             Outcome
	RunID               string
	Counts              Counts
	Error               string
	ErrorCategory       classify.Category
	CursorAdvanceReason string
	MissingTypes        []string
	WatermarkUpdated    bool
	RequestStats        models.JSONMap
	LogbookItemID       string
}

// Success reports whether Outcome is OutcomeOK, the only outcome the
// worker loop should Ack rather than FailRetry/MarkDead.
func (r Result) Success() bool { return r.Outcome == OutcomeOK }

// JobExecutor executes one job end-to-end per the ten-phase protocol.
type JobExecutor interface {
	JobType() models.JobType
	Execute(ctx context.Context, job *models.SyncJob, repo *models.Repository, deps Deps, hb HeartbeatSignal) Result
}

// Registry maps a physical job type to its executor.
type Registry struct {
	executors map[models.JobType]JobExecutor
}

func NewRegistry() *Registry {
	return &Registry{executors: map[models.JobType]JobExecutor{}}
}

func (r *Registry) Register(e JobExecutor) {
	r.executors[e.JobType()] = e
}

func (r *Registry) Get(jt models.JobType) (JobExecutor, error) {
	e, ok := r.executors[jt]
	if !ok {
		return nil, fmt.Errorf("no executor registered for job type %q", jt)
	}
	return e, nil
}
