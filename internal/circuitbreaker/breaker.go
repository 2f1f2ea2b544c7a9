// Package circuitbreaker generalizes the three-state (closed/open/
// half_open) pattern to a breaker keyed by (project_key, scope) and
// persisted across worker restarts, so an open breaker survives a
// process bounce instead of resetting (spec §4.7).
package circuitbreaker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/scmsync/scmsync/internal/classify"
)

// State is one of the three breaker states.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

const (
	// failureThreshold is the number of non-ignored failures within the
	// sliding window that trips the breaker open.
	failureThreshold = 5
	// failureWindow bounds how far back failures still count.
	failureWindow = 10 * time.Minute
	// coolDown is how long an open breaker waits before allowing a
	// single half-open probe.
	coolDown = 5 * time.Minute
)

// Scope names the pool-level or global granularity a breaker applies to.
func GlobalScope() string      { return "global" }
func PoolScope(name string) string { return "pool:" + name }

// Key formats the persisted state_dict key, accepting the spec's
// "<project_key>:global" / "<project_key>:pool:<name>" shape.
func Key(projectKey, scope string) string {
	return fmt.Sprintf("%s:%s", projectKey, scope)
}

// Snapshot is the durable representation of one breaker's state,
// mirroring the circuit_breaker_state table row.
type Snapshot struct {
	ProjectKey string    `db:"project_key"`
	Scope      string    `db:"scope"`
	State      State     `db:"state"`
	Failures   int       `db:"failures"`
	OpenedAt   *time.Time `db:"opened_at"`
	UpdatedAt  time.Time `db:"updated_at"`
}

// Store persists and loads breaker snapshots. Implemented by
// internal/store against circuit_breaker_state.
type Store interface {
	LoadBreaker(ctx context.Context, projectKey, scope string) (*Snapshot, error)
	SaveBreaker(ctx context.Context, snap *Snapshot) error
}

// Breaker wraps one in-memory state machine guarded by a mutex, backed
// by Store for cross-restart persistence. One Breaker instance is
// shared by all callers for a given (projectKey, scope) pair.
type Breaker struct {
	mu           sync.Mutex
	store        Store
	projectKey   string
	scope        string
	state        State
	failureTimes []time.Time
	openedAt     *time.Time
	loaded       bool
}

// New constructs a breaker for one (project_key, scope) pair. Lazily
// loads persisted state on first use, matching the spec's
// "created lazily" lifecycle.
func New(store Store, projectKey, scope string) *Breaker {
	return &Breaker{
		store:      store,
		projectKey: projectKey,
		scope:      scope,
		state:      StateClosed,
	}
}

func (b *Breaker) ensureLoaded(ctx context.Context) error {
	if b.loaded {
		return nil
	}
	snap, err := b.store.LoadBreaker(ctx, b.projectKey, b.scope)
	if err != nil {
		return err
	}
	if snap != nil {
		b.state = snap.State
		b.openedAt = snap.OpenedAt
		// The window itself isn't persisted (only its count), so a
		// restart reseeds failureTimes at load time. This slightly
		// extends the effective window after a restart but never
		// shrinks it, which keeps the breaker fail-safe.
		now := time.Now()
		b.failureTimes = make([]time.Time, snap.Failures)
		for i := range b.failureTimes {
			b.failureTimes[i] = now
		}
	}
	b.loaded = true
	return nil
}

// trim drops failures that have aged out of the sliding window and
// returns the live count.
func (b *Breaker) trim() int {
	cutoff := time.Now().Add(-failureWindow)
	live := b.failureTimes[:0]
	for _, t := range b.failureTimes {
		if t.After(cutoff) {
			live = append(live, t)
		}
	}
	b.failureTimes = live
	return len(b.failureTimes)
}

// CheckResult is the outcome of Check: whether a sync may proceed now,
// and if not, how long the caller should sleep before retrying.
type CheckResult struct {
	AllowSync       bool
	WaitSeconds     float64
	IsBackfillOnly  bool
	SuggestedBatch  int
}

// Check reports whether a sync attempt is currently allowed and, when
// the breaker is half-open or open, whether the executor should
// downgrade to a smaller, backfill-only batch (spec §4.7 downgrade
// output).
func (b *Breaker) Check(ctx context.Context) (CheckResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.ensureLoaded(ctx); err != nil {
		return CheckResult{}, err
	}

	switch b.state {
	case StateClosed:
		return CheckResult{AllowSync: true}, nil
	case StateOpen:
		if b.openedAt != nil && time.Since(*b.openedAt) >= coolDown {
			b.state = StateHalfOpen
			if err := b.persist(ctx); err != nil {
				return CheckResult{}, err
			}
			return CheckResult{AllowSync: true, IsBackfillOnly: true, SuggestedBatch: halfOpenBatchSize}, nil
		}
		remaining := coolDown
		if b.openedAt != nil {
			remaining = coolDown - time.Since(*b.openedAt)
		}
		return CheckResult{AllowSync: false, WaitSeconds: remaining.Seconds()}, nil
	case StateHalfOpen:
		return CheckResult{AllowSync: true, IsBackfillOnly: true, SuggestedBatch: halfOpenBatchSize}, nil
	default:
		return CheckResult{AllowSync: true}, nil
	}
}

const halfOpenBatchSize = 25

// RecordResult updates the breaker from one sync attempt's outcome.
// Ignored categories (lock_held) never contribute to the failure count
// per spec §4.7.
func (b *Breaker) RecordResult(ctx context.Context, success bool, category classify.Category) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.ensureLoaded(ctx); err != nil {
		return err
	}

	if category.IsIgnored() {
		return nil
	}

	if success {
		b.failureTimes = nil
		b.state = StateClosed
		b.openedAt = nil
		return b.persist(ctx)
	}

	b.failureTimes = append(b.failureTimes, time.Now())
	count := b.trim()

	switch b.state {
	case StateHalfOpen:
		now := time.Now()
		b.state = StateOpen
		b.openedAt = &now
	default:
		if count >= failureThreshold {
			now := time.Now()
			b.state = StateOpen
			b.openedAt = &now
		}
	}
	return b.persist(ctx)
}

func (b *Breaker) persist(ctx context.Context) error {
	return b.store.SaveBreaker(ctx, &Snapshot{
		ProjectKey: b.projectKey,
		Scope:      b.scope,
		State:      b.state,
		Failures:   len(b.failureTimes),
		OpenedAt:   b.openedAt,
		UpdatedAt:  time.Now(),
	})
}

// CurrentState returns the breaker's current in-memory state without
// triggering a load.
func (b *Breaker) CurrentState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
