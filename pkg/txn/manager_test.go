package txn

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lattice-kv/raftkv/internal/exec"
	"github.com/lattice-kv/raftkv/internal/watch"
	"github.com/lattice-kv/raftkv/pkg/kv"
	"github.com/lattice-kv/raftkv/pkg/kverrors"
	"github.com/lattice-kv/raftkv/pkg/raft"
	"github.com/lattice-kv/raftkv/pkg/raftlog"
	"github.com/lattice-kv/raftkv/pkg/transport"
)

// singleNodeManager wires one RaftCore alone in its own cluster (so it
// becomes leader the instant it starts an election) plus a Manager
// bound as its Observer, the minimal harness for exercising commit
// semantics without needing a multi-node quorum.
func singleNodeManager(t *testing.T) (*raft.RaftCore, *Manager) {
	t.Helper()
	net := transport.NewLoopbackNetwork()
	tr := net.NewTransport("solo")

	logStore, err := raftlog.Open(t.TempDir())
	require.NoError(t, err)
	store, err := kv.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	ex := exec.New(64)
	watches := watch.NewBroker()

	cfg := raft.Config{Members: []raft.Peer{{Identity: "solo", Address: "solo"}}}
	timing := raft.TimingConfig{MinElectionTimeout: 30 * time.Millisecond, MaxElectionTimeout: 60 * time.Millisecond, HeartbeatTimeout: 10 * time.Millisecond}
	core := raft.NewRaftCore("solo", "test", logStore, store, tr, ex, nil, cfg, timing)
	mgr := NewManager(core, store, watches)
	core.SetObserver(mgr)
	tr.SetHandler(core)

	t.Cleanup(func() {
		core.Stop()
		ex.Stop()
		tr.Close()
		store.Close()
	})

	core.StartElection()
	require.Eventually(t, func() bool { return core.Role() == raft.RoleLeader }, time.Second, 5*time.Millisecond)
	return core, mgr
}

func TestCommitReadWriteAppliesToStore(t *testing.T) {
	_, mgr := singleNodeManager(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	tx, err := mgr.Begin(Linearizable)
	require.NoError(t, err)
	tx.Put([]byte("k"), []byte("v"))
	require.NoError(t, tx.Commit(ctx))
	require.Equal(t, StateCompleted, tx.State())

	read, err := mgr.Begin(Eventual)
	require.NoError(t, err)
	val, ok := read.Get([]byte("k"))
	require.True(t, ok)
	require.Equal(t, "v", string(val))
	require.NoError(t, read.Commit(ctx))
}

func TestCommitReadOnlyEventualNeverContactsLeader(t *testing.T) {
	_, mgr := singleNodeManager(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	tx, err := mgr.Begin(Eventual)
	require.NoError(t, err)
	_, _ = tx.Get([]byte("absent"))
	require.NoError(t, tx.Commit(ctx))
	require.Equal(t, StateCompleted, tx.State())
}

func TestRollbackIsIdempotent(t *testing.T) {
	_, mgr := singleNodeManager(t)
	tx, err := mgr.Begin(Linearizable)
	require.NoError(t, err)
	tx.Rollback()
	require.Equal(t, StateRollback, tx.State())
	tx.Rollback() // must not panic or change state
	require.Equal(t, StateRollback, tx.State())
}

func TestCommitAfterRollbackReturnsStaleError(t *testing.T) {
	_, mgr := singleNodeManager(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	tx, err := mgr.Begin(Linearizable)
	require.NoError(t, err)
	tx.Rollback()

	err = tx.Commit(ctx)
	require.Error(t, err)
	require.True(t, kverrors.Is(err, kverrors.Stale))
}

func TestConcurrentWritesToSameKeyConflict(t *testing.T) {
	_, mgr := singleNodeManager(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	seed, err := mgr.Begin(Linearizable)
	require.NoError(t, err)
	seed.Put([]byte("x"), []byte("0"))
	require.NoError(t, seed.Commit(ctx))

	readerWriter, err := mgr.Begin(Linearizable)
	require.NoError(t, err)
	_, _ = readerWriter.Get([]byte("x"))
	readerWriter.Put([]byte("other"), []byte("v"))

	racer, err := mgr.Begin(Linearizable)
	require.NoError(t, err)
	racer.Put([]byte("x"), []byte("1"))
	require.NoError(t, racer.Commit(ctx))

	err = readerWriter.Commit(ctx)
	require.Error(t, err)
	// rebaseInFlight may have already rolled readerWriter back the
	// instant racer's write applied (StateRollback -> Stale from
	// Commit's fast path), or the conflict may only surface once
	// readerWriter's own commit round-trips the leader (Conflict/Retry).
	require.True(t, kverrors.Is(err, kverrors.Conflict) || kverrors.Is(err, kverrors.Retry) || kverrors.Is(err, kverrors.Stale))
}

func TestSteppedDownRollsBackCommitWaitingTransactions(t *testing.T) {
	core, mgr := singleNodeManager(t)
	tx, err := mgr.Begin(Linearizable)
	require.NoError(t, err)
	tx.Put([]byte("k"), []byte("v"))

	// Drive the txn to COMMIT_WAITING by hand via the observer hook this
	// test exercises, rather than racing a real commit against StepDown.
	mgr.mu.Lock()
	tx.mu.Lock()
	tx.state = StateCommitWaiting
	tx.mu.Unlock()
	mgr.inFlight[tx.id] = tx
	mgr.mu.Unlock()

	core.StepDown()
	mgr.SteppedDown()

	require.Equal(t, StateRollback, tx.State())
}
