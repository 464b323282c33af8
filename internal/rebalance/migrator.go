package rebalance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dreamware/ringshard/internal/metrics"
	"github.com/dreamware/ringshard/internal/ringlog"
	"github.com/dreamware/ringshard/internal/storage"
)

// DefaultRollbackTimeout bounds the rollback of scopes left open by a failed
// or cancelled migration.
const DefaultRollbackTimeout = 10 * time.Second

// State is the position of a migration in its lifecycle.
type State string

const (
	StatePlanned    State = "planned"
	StateScanning   State = "scanning"
	StateCopying    State = "copying"
	StateVerifying  State = "verifying"
	StateCommitted  State = "committed"
	StateRolledBack State = "rolled_back"
)

// ErrSourceCommit marks a migration whose target committed but whose source
// did not. The moved records then exist on both shards.
var ErrSourceCommit = errors.New("rebalance: source commit failed after target commit")

// ErrSourceChanged marks a migration rolled back because candidates were
// deleted from the source while they were being copied. Committing would
// bring them back on the target.
var ErrSourceChanged = errors.New("rebalance: source records deleted during migration")

// VerificationError reports that the target did not hold every copied record
// before commit.
type VerificationError struct {
	Source   string
	Target   string
	Expected int
	Found    int
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("migration %s -> %s: verification found %d of %d records on target",
		e.Source, e.Target, e.Found, e.Expected)
}

// Migration is the state of one (source, target) data movement.
type Migration struct {
	ID         string    `json:"id"`
	Source     string    `json:"source"`
	Target     string    `json:"target"`
	State      State     `json:"state"`
	Candidates []string  `json:"candidates"`
	Copied     int       `json:"copied"`
	Verified   int       `json:"verified"`
	Started    time.Time `json:"started"`
	Finished   time.Time `json:"finished"`
	Err        error     `json:"-"`
}

// StoreOpener resolves a shard id to its store.
type StoreOpener interface {
	Open(id string) (storage.Store, error)
}

// Migrator moves records between shards inside a pair of transactional
// scopes. Migrations of the same (source, target) pair run one at a time;
// different pairs run concurrently.
type Migrator struct {
	stores          StoreOpener
	selector        Selector
	metrics         *metrics.Metrics
	rollbackTimeout time.Duration

	mu    sync.Mutex
	pairs map[pair]chan struct{}
}

type pair struct {
	source, target string
}

// NewMigrator creates a migrator. A nil m records nothing.
func NewMigrator(stores StoreOpener, selector Selector, m *metrics.Metrics) *Migrator {
	if m == nil {
		m = metrics.Nop()
	}
	return &Migrator{
		stores:          stores,
		selector:        selector,
		metrics:         m,
		rollbackTimeout: DefaultRollbackTimeout,
		pairs:           make(map[pair]chan struct{}),
	}
}

// Migrate moves the records of sourceID selected against hints to targetID.
//
// The target scope is committed before the source scope. Any failure,
// including cancellation of ctx, rolls back both open scopes before Migrate
// returns. The returned Migration is non-nil whenever the pair lock was
// acquired.
func (m *Migrator) Migrate(ctx context.Context, sourceID, targetID string, hints []string) (*Migration, error) {
	if sourceID == targetID {
		return nil, fmt.Errorf("rebalance: source and target are both %s", sourceID)
	}
	unlock, err := m.lock(ctx, pair{sourceID, targetID})
	if err != nil {
		return nil, err
	}
	defer unlock()

	mig := &Migration{
		ID:      uuid.NewString(),
		Source:  sourceID,
		Target:  targetID,
		State:   StatePlanned,
		Started: time.Now(),
	}
	timer := m.metrics.MigrationTimer(sourceID, targetID)
	defer timer.ObserveDuration()

	err = m.run(ctx, mig, hints)
	mig.Finished = time.Now()
	if err != nil {
		mig.Err = err
		m.transition(mig, StateRolledBack)
		ringlog.Zero.Error().
			Err(err).
			Str("migration", mig.ID).
			Str("source", sourceID).
			Str("target", targetID).
			Msg("migration failed")
		m.metrics.MigrationFinished(sourceID, targetID, metrics.OutcomeRolledBack, 0)
		return mig, err
	}
	m.transition(mig, StateCommitted)
	m.metrics.MigrationFinished(sourceID, targetID, metrics.OutcomeCommitted, mig.Copied)
	return mig, nil
}

func (m *Migrator) run(ctx context.Context, mig *Migration, hints []string) error {
	source, err := m.stores.Open(mig.Source)
	if err != nil {
		return fmt.Errorf("open source %s: %w", mig.Source, err)
	}
	target, err := m.stores.Open(mig.Target)
	if err != nil {
		return fmt.Errorf("open target %s: %w", mig.Target, err)
	}

	m.transition(mig, StateScanning)
	records, err := source.ScanAll(ctx)
	if err != nil {
		return fmt.Errorf("scan %s: %w", mig.Source, err)
	}
	candidates := m.selector.Select(mig.Source, mig.Target, records, hints)
	mig.Candidates = storage.Keys(candidates)
	if len(candidates) == 0 {
		return nil
	}

	m.transition(mig, StateCopying)
	txSource, txTarget, err := beginTransactions(ctx, source, target)
	if err != nil {
		return err
	}
	defer m.rollbackTransactions(ctx, mig, txTarget, txSource)

	// Keys already on the target were written there after the shard went
	// live and are newer than the source copy.
	copied, err := txTarget.InsertMissing(ctx, candidates...)
	if err != nil {
		return fmt.Errorf("copy to %s: %w", mig.Target, err)
	}
	mig.Copied = copied

	m.transition(mig, StateVerifying)
	found, err := txTarget.Count(ctx, mig.Candidates...)
	if err != nil {
		return fmt.Errorf("verify on %s: %w", mig.Target, err)
	}
	mig.Verified = found
	if found != len(mig.Candidates) {
		return &VerificationError{
			Source:   mig.Source,
			Target:   mig.Target,
			Expected: len(mig.Candidates),
			Found:    found,
		}
	}

	deleted, err := txSource.Delete(ctx, mig.Candidates...)
	if err != nil {
		return fmt.Errorf("delete from %s: %w", mig.Source, err)
	}
	if deleted < len(mig.Candidates) {
		return fmt.Errorf("%w: %s: %d of %d candidates left", ErrSourceChanged, mig.Source, deleted, len(mig.Candidates))
	}
	return commitTransactions(ctx, mig, txTarget, txSource)
}

func beginTransactions(ctx context.Context, source, target storage.Store) (storage.Tx, storage.Tx, error) {
	txSource, err := source.Begin(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("begin on source: %w", err)
	}
	txTarget, err := target.Begin(ctx)
	if err != nil {
		rollbackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), DefaultRollbackTimeout)
		defer cancel()
		_ = txSource.Rollback(rollbackCtx)
		return nil, nil, fmt.Errorf("begin on target: %w", err)
	}
	return txSource, txTarget, nil
}

// commitTransactions commits the target first: a source left uncommitted
// after that only duplicates records, it never loses them.
func commitTransactions(ctx context.Context, mig *Migration, txTarget, txSource storage.Tx) error {
	if err := txTarget.Commit(ctx); err != nil {
		return fmt.Errorf("commit on %s: %w", mig.Target, err)
	}
	if err := txSource.Commit(ctx); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrSourceCommit, mig.Source, err)
	}
	return nil
}

// rollbackTransactions rolls back whichever scopes are still open. It runs on
// a context detached from ctx so a cancelled migration still releases them.
func (m *Migrator) rollbackTransactions(ctx context.Context, mig *Migration, txs ...storage.Tx) {
	rollbackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.rollbackTimeout)
	defer cancel()

	for _, tx := range txs {
		if err := tx.Rollback(rollbackCtx); err != nil && !errors.Is(err, storage.ErrTxClosed) {
			ringlog.Zero.Warn().
				Err(err).
				Str("migration", mig.ID).
				Msg("error closing transaction")
		}
	}
}

func (m *Migrator) transition(mig *Migration, state State) {
	mig.State = state
	ringlog.Zero.Debug().
		Str("migration", mig.ID).
		Str("source", mig.Source).
		Str("target", mig.Target).
		Str("state", string(state)).
		Int("records", len(mig.Candidates)).
		Msg("migration state")
}

// lock acquires the pair slot or gives up when ctx is done.
func (m *Migrator) lock(ctx context.Context, p pair) (func(), error) {
	m.mu.Lock()
	slot, ok := m.pairs[p]
	if !ok {
		slot = make(chan struct{}, 1)
		m.pairs[p] = slot
	}
	m.mu.Unlock()

	select {
	case slot <- struct{}{}:
		return func() { <-slot }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
