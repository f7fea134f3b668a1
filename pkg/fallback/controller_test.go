package fallback

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lattice-kv/raftkv/pkg/txn"
)

func TestHysteresisRequiresMinAvailableBeforeResolving(t *testing.T) {
	h := hysteresis{}
	now := time.Now()

	h.update(true, now, 10*time.Millisecond, 10*time.Millisecond)
	require.False(t, h.resolved, "must not resolve available immediately")

	h.update(true, now.Add(5*time.Millisecond), 10*time.Millisecond, 10*time.Millisecond)
	require.False(t, h.resolved)

	h.update(true, now.Add(11*time.Millisecond), 10*time.Millisecond, 10*time.Millisecond)
	require.True(t, h.resolved)
}

func TestHysteresisRequiresMinUnavailableBeforeFlappingDown(t *testing.T) {
	h := hysteresis{resolved: true, rawAvailable: true, changedAt: time.Now()}
	now := time.Now()

	h.update(false, now, 10*time.Millisecond, 10*time.Millisecond)
	require.True(t, h.resolved, "brief drop must not immediately resolve unavailable")

	h.update(false, now.Add(11*time.Millisecond), 10*time.Millisecond, 10*time.Millisecond)
	require.False(t, h.resolved)
}

func TestHysteresisFlapBackToAvailableResetsTimer(t *testing.T) {
	h := hysteresis{resolved: true, rawAvailable: true, changedAt: time.Now()}
	now := time.Now()

	h.update(false, now, 10*time.Millisecond, 10*time.Millisecond)
	h.update(true, now.Add(5*time.Millisecond), 10*time.Millisecond, 10*time.Millisecond)
	require.True(t, h.resolved, "recovering before minUnavailable elapses must cancel the pending downgrade")
	require.True(t, h.rawAvailable)
}

// fakeSource is a controllable Source double used to exercise the
// controller's reevaluation and migration logic without standing up a
// real Raft cluster per target.
type fakeSource struct {
	name    string
	mu      sync.Mutex
	probeOK bool
	data    map[string][]byte

	commits atomic.Int64
}

func newFakeSource(name string) *fakeSource {
	return &fakeSource{name: name, data: make(map[string][]byte)}
}

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) setAvailable(ok bool) {
	f.mu.Lock()
	f.probeOK = ok
	f.mu.Unlock()
}

func (f *fakeSource) Begin(_ txn.Consistency, readOnly bool) (Transaction, error) {
	f.mu.Lock()
	snapshot := make(map[string][]byte, len(f.data))
	for k, v := range f.data {
		snapshot[k] = v
	}
	f.mu.Unlock()
	return &fakeTransaction{src: f, base: snapshot, pending: make(map[string][]byte), readOnly: readOnly}, nil
}

func (f *fakeSource) Probe(ctx context.Context, timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.probeOK {
		return context.DeadlineExceeded
	}
	return nil
}

func (f *fakeSource) StaleTwoNodeLeader(time.Duration) bool { return false }
func (f *fakeSource) CompleteWatchesSpurious()              {}

type fakeTransaction struct {
	src      *fakeSource
	base     map[string][]byte
	pending  map[string][]byte
	readOnly bool
}

func (tx *fakeTransaction) Get(key []byte) ([]byte, bool) {
	if v, ok := tx.pending[string(key)]; ok {
		return v, v != nil
	}
	v, ok := tx.base[string(key)]
	return v, ok
}

func (tx *fakeTransaction) GetRange(min, max []byte, reverse bool, fn func(key, value []byte) bool) {
	for k, v := range tx.base {
		if !fn([]byte(k), v) {
			return
		}
	}
}

func (tx *fakeTransaction) Put(key, value []byte) {
	if tx.readOnly {
		return
	}
	tx.pending[string(key)] = append([]byte(nil), value...)
}

func (tx *fakeTransaction) Remove(key []byte) {
	if tx.readOnly {
		return
	}
	tx.pending[string(key)] = nil
}

func (tx *fakeTransaction) RemoveRange(min, max []byte) {
	if tx.readOnly {
		return
	}
	for k := range tx.base {
		tx.pending[k] = nil
	}
}

func (tx *fakeTransaction) Commit(ctx context.Context) error {
	tx.src.mu.Lock()
	defer tx.src.mu.Unlock()
	for k, v := range tx.pending {
		if v == nil {
			delete(tx.src.data, k)
			continue
		}
		tx.src.data[k] = v
	}
	tx.src.commits.Add(1)
	return nil
}

func (tx *fakeTransaction) Rollback() {}

func TestControllerSelectsHighestPriorityAvailableTarget(t *testing.T) {
	low := newFakeSource("low")
	low.setAvailable(true)
	high := newFakeSource("high")
	high.setAvailable(true)
	standalone := newFakeSource("standalone")

	targets := []TargetConfig{
		{Name: "low", Source: low, TransactionTimeout: 10 * time.Millisecond, CheckInterval: time.Hour, MinAvailableTime: 0, MinUnavailableTime: 0, UnavailableMergeStrategy: OverwriteMergeStrategy{}, RejoinMergeStrategy: NullMergeStrategy{}},
		{Name: "high", Source: high, TransactionTimeout: 10 * time.Millisecond, CheckInterval: time.Hour, MinAvailableTime: 0, MinUnavailableTime: 0, UnavailableMergeStrategy: OverwriteMergeStrategy{}, RejoinMergeStrategy: NullMergeStrategy{}},
	}
	ctrl := NewController(targets, standalone, t.TempDir()+"/fallback.state")

	ctrl.checkTarget(context.Background(), 0)
	ctrl.checkTarget(context.Background(), 1)

	require.Eventually(t, func() bool {
		return ctrl.Status().CurrentTarget == "high"
	}, time.Second, 5*time.Millisecond)
}

func TestControllerFallsBackToStandaloneWhenAllTargetsDown(t *testing.T) {
	target := newFakeSource("only")
	target.setAvailable(false)
	standalone := newFakeSource("standalone")

	targets := []TargetConfig{
		{Name: "only", Source: target, TransactionTimeout: 10 * time.Millisecond, CheckInterval: time.Hour, UnavailableMergeStrategy: OverwriteMergeStrategy{}, RejoinMergeStrategy: NullMergeStrategy{}},
	}
	ctrl := NewController(targets, standalone, t.TempDir()+"/fallback.state")
	ctrl.checkTarget(context.Background(), 0)

	require.Eventually(t, func() bool {
		return ctrl.Status().CurrentTarget == "standalone"
	}, time.Second, 5*time.Millisecond)
}

func TestControllerForceStandaloneOverridesAvailability(t *testing.T) {
	target := newFakeSource("only")
	target.setAvailable(true)
	standalone := newFakeSource("standalone")

	targets := []TargetConfig{
		{Name: "only", Source: target, TransactionTimeout: 10 * time.Millisecond, CheckInterval: time.Hour, UnavailableMergeStrategy: OverwriteMergeStrategy{}, RejoinMergeStrategy: NullMergeStrategy{}},
	}
	ctrl := NewController(targets, standalone, t.TempDir()+"/fallback.state")
	ctrl.checkTarget(context.Background(), 0)
	require.Eventually(t, func() bool { return ctrl.Status().CurrentTarget == "only" }, time.Second, 5*time.Millisecond)

	ctrl.ForceStandalone(true)
	require.Eventually(t, func() bool { return ctrl.Status().CurrentTarget == "standalone" }, time.Second, 5*time.Millisecond)
	require.True(t, ctrl.Status().ForceStandalone)
}

func TestMigrationCopiesDataViaOverwriteStrategy(t *testing.T) {
	target := newFakeSource("only")
	target.setAvailable(false)
	standalone := newFakeSource("standalone")
	standalone.data["preexisting"] = []byte("v")

	targets := []TargetConfig{
		{Name: "only", Source: target, TransactionTimeout: 10 * time.Millisecond, CheckInterval: time.Hour, UnavailableMergeStrategy: OverwriteMergeStrategy{}, RejoinMergeStrategy: NullMergeStrategy{}},
	}
	// Start on the target so that losing it migrates down to standalone.
	statePath := t.TempDir() + "/fallback.state"
	require.NoError(t, saveState(statePath, persistedState{numTargets: 1, currentTargetIndex: 0, targetLastActive: make([]time.Time, 1)}))
	ctrl := NewController(targets, standalone, statePath)
	ctrl.checkTarget(context.Background(), 0)

	require.Eventually(t, func() bool {
		standalone.mu.Lock()
		defer standalone.mu.Unlock()
		_, ok := standalone.data["preexisting"]
		return ctrl.Status().CurrentTarget == "standalone" && !ok
	}, time.Second, 5*time.Millisecond, "overwrite strategy must clear the destination before copying the source")
}

func TestControllerTransactionRetriesAfterMigration(t *testing.T) {
	standalone := newFakeSource("standalone")
	ctrl := NewController(nil, standalone, t.TempDir()+"/fallback.state")

	tx, err := ctrl.CreateTransaction(txn.Linearizable)
	require.NoError(t, err)

	ctrl.migrationCount.Add(1) // simulate a migration completing mid-transaction

	err = tx.Commit(context.Background())
	require.Error(t, err)
}
