package fallback

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/lattice-kv/raftkv/internal/rlog"
	"github.com/lattice-kv/raftkv/internal/rmetrics"
	"github.com/lattice-kv/raftkv/pkg/kverrors"
	"github.com/lattice-kv/raftkv/pkg/txn"
)

// TargetConfig is the static configuration of one priority-ordered
// fallback target (spec.md §3's FallbackTarget).
type TargetConfig struct {
	Name                     string
	Source                   Source
	TransactionTimeout       time.Duration
	CheckInterval            time.Duration
	MinAvailableTime         time.Duration
	MinUnavailableTime       time.Duration
	UnavailableMergeStrategy MergeStrategy
	RejoinMergeStrategy      MergeStrategy
}

// hysteresis tracks a target's raw-vs-debounced availability per
// spec.md §4.3: a target must hold its new state for a configured
// minimum duration before the controller will act on it.
type hysteresis struct {
	rawAvailable bool
	resolved     bool
	changedAt    time.Time
}

func (h *hysteresis) update(raw bool, now time.Time, minAvailable, minUnavailable time.Duration) {
	if raw != h.rawAvailable {
		h.rawAvailable = raw
		h.changedAt = now
	}
	sinceChange := now.Sub(h.changedAt)
	if h.resolved {
		if !raw {
			h.resolved = sinceChange < minUnavailable
		}
	} else {
		if raw {
			h.resolved = sinceChange >= minAvailable
		}
	}
}

type targetState struct {
	cfg        TargetConfig
	hyst       hysteresis
	lastActive time.Time
}

// Controller is the partition-tolerant wrapper of spec.md §4.3: a
// priority-ascending list of Raft targets plus a local standalone
// store, with availability probing, hysteresis-debounced target
// selection, and merge-on-migration. It has no teacher-file
// counterpart (cuemby-warren has no failover concept of its own); its
// shape is grounded on the thin-controller-over-swappable-backends
// pattern the teacher uses for scheduler strategy selection.
type Controller struct {
	logger     zerolog.Logger
	stateFile  string
	standalone Source

	mu                 sync.Mutex
	targets            []*targetState // priority ascending; highest index = highest priority
	currentTargetIndex int            // -1 = standalone
	maximumTargetIndex int
	migrating          bool
	forcedStandalone   bool
	standaloneActive   time.Time

	migrationCount atomic.Uint64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewController builds a controller over targets (priority ascending)
// and a standalone fallback store, restoring persisted state from
// stateFile if it matches the configured target count.
func NewController(targets []TargetConfig, standalone Source, stateFile string) *Controller {
	st := loadState(stateFile, len(targets))

	c := &Controller{
		logger:             rlog.WithComponent("fallback"),
		stateFile:          stateFile,
		standalone:         standalone,
		targets:            make([]*targetState, len(targets)),
		currentTargetIndex: clampTargetIndex(st.currentTargetIndex, len(targets)),
		maximumTargetIndex: len(targets) - 1,
		standaloneActive:   st.standaloneLastActive,
	}
	for i, cfg := range targets {
		ts := &targetState{cfg: cfg}
		if i < len(st.targetLastActive) {
			ts.lastActive = st.targetLastActive[i]
		}
		ts.hyst.resolved = c.currentTargetIndex >= i
		ts.hyst.changedAt = time.Now()
		c.targets[i] = ts
	}
	rmetrics.FallbackCurrentTarget.Set(float64(c.currentTargetIndex))
	return c
}

func clampTargetIndex(idx, n int) int {
	if idx < -1 || idx >= n {
		return -1
	}
	return idx
}

// SetMaximumTargetIndex clips target selection to at most this index,
// e.g. for an operator-forced downgrade short of full standalone.
func (c *Controller) SetMaximumTargetIndex(idx int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maximumTargetIndex = idx
	c.reevaluateLocked()
}

// ForceStandalone implements the `raft-fallback-force-standalone`
// control command: while on, the controller always selects the
// standalone store regardless of target availability.
func (c *Controller) ForceStandalone(on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.forcedStandalone = on
	c.reevaluateLocked()
}

// Start launches one monitoring goroutine per target, each polling at
// its own CheckInterval (spec.md §4.3: "Every checkInterval
// milliseconds per target, invoke checkAvailability").
func (c *Controller) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	for i := range c.targets {
		i := i
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.monitorLoop(ctx, i)
		}()
	}
}

// Stop cancels all monitoring goroutines and waits for them to exit.
// It does not wait for an in-progress migration.
func (c *Controller) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

func (c *Controller) monitorLoop(ctx context.Context, i int) {
	interval := c.targets[i].cfg.CheckInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	c.checkTarget(ctx, i)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.checkTarget(ctx, i)
		}
	}
}

// checkTarget implements the availability probe of spec.md §4.3: if
// the target recently committed a linearizable transaction, assume
// available; otherwise attempt a bounded read-only probe. It then
// folds the result through hysteresis and, if the debounced selection
// changed, kicks off a migration.
func (c *Controller) checkTarget(ctx context.Context, i int) {
	c.mu.Lock()
	t := c.targets[i]
	recentlyActive := !t.lastActive.IsZero() && time.Since(t.lastActive) < t.cfg.CheckInterval
	c.mu.Unlock()

	raw := recentlyActive
	if !raw {
		err := t.cfg.Source.Probe(ctx, t.cfg.TransactionTimeout)
		raw = err == nil
	}
	if raw && t.cfg.Source.StaleTwoNodeLeader(2*t.cfg.TransactionTimeout) {
		raw = false
	}

	c.mu.Lock()
	now := time.Now()
	t.hyst.update(raw, now, t.cfg.MinAvailableTime, t.cfg.MinUnavailableTime)
	rmetrics.FallbackTargetAvailable.WithLabelValues(t.cfg.Name).Set(boolToFloat(t.hyst.resolved))
	c.reevaluateLocked()
	c.mu.Unlock()
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// reevaluateLocked picks the highest-priority hysteresis-available
// target (spec.md §4.3: "Pick the highest-index target ... whose
// hysteresisAvailable is true; if none, -1") and starts a migration if
// the choice changed and one isn't already underway. Must be called
// with mu held.
func (c *Controller) reevaluateLocked() {
	chosen := -1
	if !c.forcedStandalone {
		top := c.maximumTargetIndex
		if top > len(c.targets)-1 {
			top = len(c.targets) - 1
		}
		for i := top; i >= 0; i-- {
			if c.targets[i].hyst.resolved {
				chosen = i
				break
			}
		}
	}

	if chosen == c.currentTargetIndex || c.migrating {
		return
	}
	c.migrating = true
	from, to := c.currentTargetIndex, chosen
	go c.migrate(from, to)
}

func (c *Controller) sourceAt(idx int) Source {
	if idx == -1 {
		return c.standalone
	}
	return c.targets[idx].cfg.Source
}

func (c *Controller) nameAt(idx int) string {
	if idx == -1 {
		return "standalone"
	}
	return c.targets[idx].cfg.Name
}

// migrate runs the migration protocol of spec.md §4.3 steps 1-5. It
// runs unlocked except for the brief critical sections that read
// source/target config and commit the result.
func (c *Controller) migrate(from, to int) {
	logger := c.logger.With().Str("from", c.nameAt(from)).Str("to", c.nameAt(to)).Logger()
	logger.Info().Msg("fallback migration starting")

	srcSource := c.sourceAt(from)
	dstSource := c.sourceAt(to)
	strategy := c.mergeStrategyFor(from, to)

	ctx, cancel := context.WithTimeout(context.Background(), c.migrationTimeout(from, to))
	defer cancel()

	err := c.runMerge(ctx, srcSource, dstSource, strategy)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.migrating = false

	if err != nil {
		if kverrors.Is(err, kverrors.Retry) || kverrors.Is(err, kverrors.Timeout) {
			logger.Warn().Err(err).Msg("fallback migration failed, will retry")
			return
		}
		logger.Error().Err(err).Msg("fallback migration hit a fatal error, switching targets anyway")
	}

	now := time.Now()
	if from == -1 {
		c.standaloneActive = now
	} else if from < len(c.targets) {
		c.targets[from].lastActive = now
	}
	c.currentTargetIndex = to
	count := c.migrationCount.Add(1)
	rmetrics.FallbackCurrentTarget.Set(float64(to))
	rmetrics.FallbackMigrationsTotal.Inc()

	srcSource.CompleteWatchesSpurious()
	c.persistLocked()
	logger.Info().Uint64("migrationCount", count).Msg("fallback migration complete")

	// A selection change seen while this migration was underway was
	// skipped by reevaluateLocked; act on it now.
	c.reevaluateLocked()
}

// runMerge performs steps 1-3: open a read-only source transaction, a
// default-consistency destination transaction, run strategy, and
// commit the destination (the source transaction is only ever read
// from and is rolled back, never committed).
func (c *Controller) runMerge(ctx context.Context, src, dst Source, strategy MergeStrategy) error {
	srcConsistency := txn.Linearizable
	if _, isRaft := src.(*raftSource); isRaft {
		srcConsistency = txn.Eventual
	}

	srcTx, err := src.Begin(srcConsistency, true)
	if err != nil {
		return kverrors.Wrap(kverrors.Retry, "open source transaction for migration", err)
	}
	defer srcTx.Rollback()

	dstTx, err := dst.Begin(txn.Linearizable, false)
	if err != nil {
		return kverrors.Wrap(kverrors.Retry, "open destination transaction for migration", err)
	}

	if err := strategy.Merge(ctx, dstTx, srcTx); err != nil {
		dstTx.Rollback()
		return fmt.Errorf("merge strategy %s: %w", strategy.Name(), err)
	}
	if err := dstTx.Commit(ctx); err != nil {
		return kverrors.Wrap(kverrors.Retry, "commit migrated destination", err)
	}
	return nil
}

// mergeStrategyFor picks the strategy per spec.md §4.3 step 3:
// "source's unavailableMergeStrategy if moving down (to lower
// priority), else destination's rejoinMergeStrategy."
func (c *Controller) mergeStrategyFor(from, to int) MergeStrategy {
	if to < from {
		if from >= 0 && from < len(c.targets) {
			return c.targets[from].cfg.UnavailableMergeStrategy
		}
		return NullMergeStrategy{}
	}
	if to >= 0 && to < len(c.targets) {
		return c.targets[to].cfg.RejoinMergeStrategy
	}
	return NullMergeStrategy{}
}

func (c *Controller) migrationTimeout(from, to int) time.Duration {
	longest := 30 * time.Second
	for _, idx := range []int{from, to} {
		if idx >= 0 && idx < len(c.targets) {
			if tt := c.targets[idx].cfg.TransactionTimeout; tt > longest {
				longest = tt
			}
		}
	}
	return longest * 4
}

func (c *Controller) persistLocked() {
	st := persistedState{
		numTargets:           len(c.targets),
		currentTargetIndex:   c.currentTargetIndex,
		standaloneLastActive: c.standaloneActive,
		targetLastActive:     make([]time.Time, len(c.targets)),
	}
	for i, t := range c.targets {
		st.targetLastActive[i] = t.lastActive
	}
	if err := saveState(c.stateFile, st); err != nil {
		c.logger.Error().Err(err).Msg("failed to persist fallback state")
	}
}

// controllerTransaction wraps whichever backend Transaction
// CreateTransaction bound to, enforcing spec.md §4.3's "transactions
// during migration" rule: if a migration has completed since this
// transaction was created, its commit is forced into a retry instead
// of reaching a backend that may no longer reflect it.
type controllerTransaction struct {
	Transaction
	ctrl            *Controller
	boundIndex      int
	consistency     txn.Consistency
	createdAtCount  uint64
}

// CreateTransaction opens a transaction against whichever source is
// currently selected (spec.md §4.3: "createTransaction still succeeds
// ... it binds to the currently selected KV").
func (c *Controller) CreateTransaction(consistency txn.Consistency) (Transaction, error) {
	c.mu.Lock()
	idx := c.currentTargetIndex
	count := c.migrationCount.Load()
	c.mu.Unlock()

	inner, err := c.sourceAt(idx).Begin(consistency, false)
	if err != nil {
		return nil, err
	}
	return &controllerTransaction{
		Transaction:    inner,
		ctrl:           c,
		boundIndex:     idx,
		consistency:    consistency,
		createdAtCount: count,
	}, nil
}

func (t *controllerTransaction) Commit(ctx context.Context) error {
	if t.ctrl.migrationCount.Load() != t.createdAtCount {
		t.Transaction.Rollback()
		return kverrors.New(kverrors.Retry, "fallback controller migrated targets since this transaction began")
	}
	if err := t.Transaction.Commit(ctx); err != nil {
		return err
	}
	if t.consistency == txn.Linearizable {
		t.ctrl.recordActive(t.boundIndex)
	}
	return nil
}

func (c *Controller) recordActive(idx int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	if idx == -1 {
		c.standaloneActive = now
		return
	}
	if idx >= 0 && idx < len(c.targets) {
		c.targets[idx].lastActive = now
	}
}

// Status is a point-in-time snapshot for the `raft-fallback-status`
// control command.
type Status struct {
	CurrentTarget  string
	MigrationCount uint64
	Migrating      bool
	ForceStandalone bool
	Targets        []TargetStatus
}

type TargetStatus struct {
	Name                string
	RawAvailable        bool
	HysteresisAvailable bool
}

// Status reports the controller's current target selection and every
// target's raw/debounced availability.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Status{
		CurrentTarget:   c.nameAt(c.currentTargetIndex),
		MigrationCount:  c.migrationCount.Load(),
		Migrating:       c.migrating,
		ForceStandalone: c.forcedStandalone,
		Targets:         make([]TargetStatus, len(c.targets)),
	}
	for i, t := range c.targets {
		st.Targets[i] = TargetStatus{Name: t.cfg.Name, RawAvailable: t.hyst.rawAvailable, HysteresisAvailable: t.hyst.resolved}
	}
	return st
}
