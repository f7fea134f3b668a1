package txn

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lattice-kv/raftkv/internal/rlog"
	"github.com/lattice-kv/raftkv/internal/rmetrics"
	"github.com/lattice-kv/raftkv/internal/watch"
	"github.com/lattice-kv/raftkv/pkg/codec"
	"github.com/lattice-kv/raftkv/pkg/kv"
	"github.com/lattice-kv/raftkv/pkg/kverrors"
	"github.com/lattice-kv/raftkv/pkg/mvcc"
	"github.com/lattice-kv/raftkv/pkg/raft"
	"github.com/lattice-kv/raftkv/pkg/raftmsg"
)

// Manager opens and commits transactions against a single RaftCore and
// registers itself as that core's Observer, applying committed writes
// to the backing store and rebasing or failing every other in-flight
// transaction as entries land (spec.md §4.2.5).
type Manager struct {
	rc      *raft.RaftCore
	store   kv.AtomicKVStore
	watches *watch.Broker
	logger  zerolog.Logger

	mu        sync.Mutex
	seq       uint64
	inFlight  map[string]*Transaction
	appliedCh chan struct{}
}

// NewManager wires a transaction manager to rc and store. Callers must
// register the returned Manager as rc's Observer before the RaftCore
// starts taking traffic.
func NewManager(rc *raft.RaftCore, store kv.AtomicKVStore, watches *watch.Broker) *Manager {
	return &Manager{
		rc:        rc,
		store:     store,
		watches:   watches,
		logger:    rlog.WithComponent("txn"),
		inFlight:  make(map[string]*Transaction),
		appliedCh: make(chan struct{}),
	}
}

// CompleteWatchesSpurious wakes every pending key watch registered
// through this manager with a spurious completion, used by the
// fallback controller when it migrates traffic away from this
// manager's Raft cluster (spec.md §4.3, step 4).
func (m *Manager) CompleteWatchesSpurious() {
	m.watches.CompleteAllSpurious()
}

// Begin opens a new transaction at this node's current applied state.
func (m *Manager) Begin(consistency Consistency) (*Transaction, error) {
	snap, err := m.store.Snapshot()
	if err != nil {
		return nil, kverrors.Wrap(kverrors.Durability, "open snapshot for new transaction", err)
	}
	index, term := m.rc.LastApplied()

	m.mu.Lock()
	m.seq++
	seq := m.seq
	m.mu.Unlock()

	tx := &Transaction{
		id:          uuid.NewString(),
		consistency: consistency,
		seq:         seq,
		baseTerm:    term,
		baseIndex:   index,
		view:        mvcc.NewView(snap),
		mgr:         m,
		state:       StateExecuting,
	}
	m.mu.Lock()
	m.inFlight[tx.id] = tx
	m.mu.Unlock()
	return tx, nil
}

func (m *Manager) forget(tx *Transaction) {
	m.mu.Lock()
	delete(m.inFlight, tx.id)
	m.mu.Unlock()
	tx.view.Close()
	if tx.watchToken != nil {
		m.watches.Cancel(string(tx.watchKey), tx.watchToken)
	}
}

// Commit executes tx's transition out of EXECUTING. It blocks until
// the transaction reaches COMPLETED or a terminal error, per spec.md
// §5's "transaction commit blocks until COMPLETED or ROLLBACK".
func (tx *Transaction) Commit(ctx context.Context) error {
	tx.mu.Lock()
	switch tx.state {
	case StateCompleted:
		tx.mu.Unlock()
		return nil
	case StateRollback:
		tx.mu.Unlock()
		return kverrors.New(kverrors.Stale, "transaction already rolled back")
	case StateExecuting:
		tx.state = StateCommitReady
	default:
		tx.mu.Unlock()
		return kverrors.New(kverrors.Invalid, "transaction commit already in progress")
	}
	tx.mu.Unlock()

	timer := rmetrics.NewTimer()
	err := tx.mgr.commit(ctx, tx)
	timer.ObserveDurationVec(rmetrics.TxnCommitDuration, tx.consistency.String())
	if err != nil {
		if kverrors.Is(err, kverrors.Conflict) {
			rmetrics.TxnConflictsTotal.Inc()
		} else if kverrors.Is(err, kverrors.Retry) {
			rmetrics.TxnRetriesTotal.Inc()
		}
	}
	return err
}

// Rollback abandons the transaction. Idempotent: rolling back an
// already-completed or already-rolled-back transaction is a no-op.
func (tx *Transaction) Rollback() {
	tx.mu.Lock()
	if tx.state == StateCompleted || tx.state == StateRollback {
		tx.mu.Unlock()
		return
	}
	tx.state = StateRollback
	tx.mu.Unlock()
	tx.mgr.forget(tx)
}

func (m *Manager) commit(ctx context.Context, tx *Transaction) error {
	if tx.hasWrites() {
		return m.commitReadWrite(ctx, tx)
	}
	return m.commitReadOnly(ctx, tx)
}

func (m *Manager) commitReadOnly(ctx context.Context, tx *Transaction) error {
	switch tx.consistency {
	case Eventual, Uncommitted:
		index, term := m.rc.LastApplied()
		tx.mu.Lock()
		tx.commitIndex, tx.commitTerm = index, term
		tx.state = StateCompleted
		tx.mu.Unlock()
		m.forget(tx)
		return nil
	default:
		req := raftmsg.CommitRequest{
			TxID:      tx.id,
			BaseTerm:  tx.baseTerm,
			BaseIndex: tx.baseIndex,
			ReadOnly:  true,
			ReadsData: codec.EncodeReads(tx.view.Reads()),
		}
		resp, err := m.rc.SubmitCommit(ctx, req)
		if err != nil {
			tx.mu.Lock()
			tx.state = StateRollback
			tx.mu.Unlock()
			m.forget(tx)
			return err
		}
		if err := m.applyCommitVerdict(tx, resp); err != nil {
			return err
		}
		return m.awaitCommittable(ctx, tx)
	}
}

func (m *Manager) commitReadWrite(ctx context.Context, tx *Transaction) error {
	writes := tx.view.Writes()
	req := raftmsg.CommitRequest{
		TxID:       tx.id,
		BaseTerm:   tx.baseTerm,
		BaseIndex:  tx.baseIndex,
		ReadsData:  codec.EncodeReads(tx.view.Reads()),
		WritesData: codec.EncodeWrites(writes),
	}
	tx.mu.Lock()
	if tx.configChange != nil {
		req.HasConfig = true
		req.Config = *tx.configChange
	}
	tx.mu.Unlock()

	resp, err := m.rc.SubmitCommit(ctx, req)
	if err != nil {
		tx.mu.Lock()
		tx.state = StateRollback
		tx.mu.Unlock()
		m.forget(tx)
		return err
	}
	if err := m.applyCommitVerdict(tx, resp); err != nil {
		return err
	}
	return m.awaitCommittable(ctx, tx)
}

// applyCommitVerdict folds a CommitResponse's status into tx's state,
// rolling it back and returning a terminal error for anything short
// of outright success.
func (m *Manager) applyCommitVerdict(tx *Transaction, resp raftmsg.CommitResponse) error {
	switch resp.Status {
	case raftmsg.CommitStatusOK:
		tx.mu.Lock()
		tx.commitTerm, tx.commitIndex = resp.CommitTerm, resp.CommitIndex
		tx.hasLeaseDeadline = resp.HasLeaseDeadline
		if resp.HasLeaseDeadline {
			tx.leaseDeadline = time.Unix(0, resp.LeaseDeadlineUnixNano)
		}
		tx.state = StateCommitWaiting
		tx.mu.Unlock()
		return nil
	case raftmsg.CommitStatusConflict:
		tx.mu.Lock()
		tx.state = StateRollback
		tx.mu.Unlock()
		m.forget(tx)
		return kverrors.New(kverrors.Conflict, "transaction conflicts with a committed write")
	default: // CommitStatusStale, CommitStatusNotLeader
		tx.mu.Lock()
		tx.state = StateRollback
		tx.mu.Unlock()
		m.forget(tx)
		return kverrors.New(kverrors.Retry, "leader changed or transaction base is stale; retry with a new transaction")
	}
}

// awaitCommittable blocks until tx is COMPLETED, per spec.md §4.2.5's
// committability predicate: the commit index has caught up to
// commitIndex at the matching term, and any required lease wait has
// elapsed.
func (m *Manager) awaitCommittable(ctx context.Context, tx *Transaction) error {
	tx.mu.Lock()
	hasLease := tx.hasLeaseDeadline
	deadline := tx.leaseDeadline
	tx.mu.Unlock()

	if hasLease {
		if d := time.Until(deadline); d > 0 {
			timer := time.NewTimer(d)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				tx.mu.Lock()
				tx.state = StateRollback
				tx.mu.Unlock()
				m.forget(tx)
				return ctx.Err()
			}
		}
	}

	for {
		committed, stale := m.checkCommittable(tx)
		if committed {
			tx.mu.Lock()
			tx.state = StateCompleted
			tx.mu.Unlock()
			m.forget(tx)
			return nil
		}
		if stale {
			tx.mu.Lock()
			tx.state = StateRollback
			tx.mu.Unlock()
			m.forget(tx)
			return kverrors.New(kverrors.Retry, "transaction's base entry was overwritten before it committed")
		}
		select {
		case <-m.applied():
		case <-ctx.Done():
			tx.mu.Lock()
			tx.state = StateRollback
			tx.mu.Unlock()
			m.forget(tx)
			return ctx.Err()
		}
	}
}

func (m *Manager) checkCommittable(tx *Transaction) (committed, stale bool) {
	tx.mu.Lock()
	commitIndex, commitTerm := tx.commitIndex, tx.commitTerm
	tx.mu.Unlock()

	if m.rc.CommitIndex() < commitIndex {
		return false, false
	}
	t, ok := m.rc.TermAtIndex(commitIndex)
	if !ok || t != commitTerm {
		return false, true
	}
	return true, false
}

func (m *Manager) applied() <-chan struct{} {
	m.mu.Lock()
	ch := m.appliedCh
	m.mu.Unlock()
	return ch
}

func (m *Manager) signalApplied() {
	m.mu.Lock()
	old := m.appliedCh
	m.appliedCh = make(chan struct{})
	m.mu.Unlock()
	close(old)
}

// ApplyEntry implements raft.Observer: it is the only place a
// committed Writes batch actually reaches the backing store, since
// RaftCore itself only manages the log and metadata. It then rebases
// (or fails) every other EXECUTING transaction against the new
// writes, and wakes any waiting transactions and key watches.
func (m *Manager) ApplyEntry(index, term uint64, payloadData []byte) {
	writes, _, _, err := raft.DecodeEntryPayload(payloadData)
	if err != nil {
		m.logger.Error().Err(err).Uint64("index", index).Msg("failed to decode applied entry")
		m.signalApplied()
		return
	}

	batch := kv.Batch{RemoveRanges: writes.RemoveRanges, Puts: writes.Puts, Adjusts: writes.Adjusts}
	if err := m.store.Mutate(batch, true); err != nil {
		m.logger.Error().Err(err).Uint64("index", index).Msg("failed to apply committed entry to store")
	}

	m.rebaseInFlight(index, term, writes)
	m.notifyWatches(writes)
	m.signalApplied()
}

func (m *Manager) rebaseInFlight(index, term uint64, writes mvcc.Writes) {
	m.mu.Lock()
	txs := make([]*Transaction, 0, len(m.inFlight))
	for _, tx := range m.inFlight {
		txs = append(txs, tx)
	}
	m.mu.Unlock()

	for _, tx := range txs {
		if !tx.rebasable() {
			continue
		}
		if tx.view.Reads().FindConflict(writes) {
			tx.mu.Lock()
			tx.state = StateRollback
			tx.mu.Unlock()
			continue
		}
		snap, err := m.store.Snapshot()
		if err != nil {
			continue
		}
		tx.view.Rebase(snap)
		tx.mu.Lock()
		tx.baseIndex, tx.baseTerm = index, term
		tx.mu.Unlock()
		rmetrics.TxnRebasesTotal.Inc()
	}
}

func (m *Manager) notifyWatches(writes mvcc.Writes) {
	for _, k := range writes.PutKeys() {
		m.watches.Notify(k)
	}
	for _, k := range writes.AdjustKeys() {
		m.watches.Notify(k)
	}
	for _, r := range writes.RemoveRanges.AsList() {
		rng := r
		m.watches.NotifyRange(func(key string) bool { return rng.Contains([]byte(key)) })
	}
}

// LeaseUpdated implements raft.Observer by waking every transaction
// currently waiting on a lease deadline, since the new one may already
// cover them.
func (m *Manager) LeaseUpdated(deadline time.Time) {
	m.signalApplied()
}

// ConfigChanged implements raft.Observer. The manager itself has no
// membership-dependent state to update; higher layers (the control
// API) read rc.Config() directly when they need it.
func (m *Manager) ConfigChanged(cfg raft.Config) {}

// SteppedDown implements raft.Observer: every transaction waiting on
// this node's leadership can no longer complete locally and must
// retry against whoever the new leader turns out to be.
func (m *Manager) SteppedDown() {
	m.mu.Lock()
	txs := make([]*Transaction, 0, len(m.inFlight))
	for _, tx := range m.inFlight {
		txs = append(txs, tx)
	}
	m.mu.Unlock()

	for _, tx := range txs {
		tx.mu.Lock()
		waiting := tx.state == StateCommitWaiting
		tx.mu.Unlock()
		if waiting {
			tx.mu.Lock()
			tx.state = StateRollback
			tx.mu.Unlock()
		}
	}
	m.signalApplied()
}

// SnapshotInstalled implements raft.Observer: a snapshot install
// replaces the store wholesale, so every in-flight transaction's view
// is now based on discarded state and must retry.
func (m *Manager) SnapshotInstalled(index, term uint64, cfg raft.Config) {
	m.mu.Lock()
	txs := make([]*Transaction, 0, len(m.inFlight))
	for _, tx := range m.inFlight {
		txs = append(txs, tx)
	}
	m.inFlight = make(map[string]*Transaction)
	m.mu.Unlock()

	for _, tx := range txs {
		tx.mu.Lock()
		tx.state = StateRollback
		tx.mu.Unlock()
	}
	m.watches.CompleteAllSpurious()
	m.signalApplied()
}
