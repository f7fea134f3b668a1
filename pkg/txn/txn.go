// Package txn implements the client-facing transaction layer of
// spec.md §4.2.5: RaftKVTransaction's lifecycle, the three consistency
// levels, and the rebase/conflict bookkeeping a Manager performs as
// entries apply. It sits on top of pkg/mvcc's View and pkg/raft's
// RaftCore the way the teacher project's `pkg/scheduler.Scheduler`
// sits on top of `pkg/manager.Manager` — a coordination layer with no
// storage of its own.
package txn

import (
	"sync"
	"time"

	"github.com/lattice-kv/raftkv/internal/watch"
	"github.com/lattice-kv/raftkv/pkg/mvcc"
	"github.com/lattice-kv/raftkv/pkg/raftmsg"
)

// Consistency is the client-visible read consistency level a
// transaction is opened with (spec.md §4.2.5).
type Consistency int

const (
	// Linearizable is the default: read-only commits require a valid
	// leader lease (or a round trip to the leader to establish one),
	// and read-write commits go through the log.
	Linearizable Consistency = iota
	// Eventual transactions never contact the leader for a read-only
	// commit; they read the local applied snapshot and complete at
	// once.
	Eventual
	// Uncommitted behaves like Eventual but never blocks or retries a
	// read-only commit even if the local view turns out to be stale.
	Uncommitted
)

func (c Consistency) String() string {
	switch c {
	case Linearizable:
		return "linearizable"
	case Eventual:
		return "eventual"
	case Uncommitted:
		return "uncommitted"
	default:
		return "unknown"
	}
}

// State is a transaction's position in the lifecycle state machine
// `EXECUTING → COMMIT_READY → COMMIT_WAITING → COMPLETED` (or
// `ROLLBACK` from any state).
type State int

const (
	StateExecuting State = iota
	StateCommitReady
	StateCommitWaiting
	StateCompleted
	StateRollback
)

func (s State) String() string {
	switch s {
	case StateExecuting:
		return "executing"
	case StateCommitReady:
		return "commit_ready"
	case StateCommitWaiting:
		return "commit_waiting"
	case StateCompleted:
		return "completed"
	case StateRollback:
		return "rollback"
	default:
		return "unknown"
	}
}

// Transaction is one client's in-flight unit of work: a MutableView
// over a fixed snapshot plus the commit metadata spec.md §3 assigns it
// once the leader has decided its fate.
type Transaction struct {
	mu sync.Mutex

	id          string
	consistency Consistency
	seq         uint64

	baseTerm  uint64
	baseIndex uint64

	view *mvcc.View
	mgr  *Manager

	state    State
	readOnly bool

	commitTerm       uint64
	commitIndex      uint64
	hasLeaseDeadline bool
	leaseDeadline    time.Time

	configChange *raftmsg.ConfigChange

	watchKey   []byte
	watchToken *watch.Token
}

// ID returns the transaction's identity, used to correlate
// CommitRequest/CommitResponse pairs across the network.
func (tx *Transaction) ID() string { return tx.id }

// Consistency returns the level this transaction was opened with.
func (tx *Transaction) Consistency() Consistency { return tx.consistency }

// State returns the transaction's current lifecycle state.
func (tx *Transaction) State() State {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.state
}

// CommitPosition returns the (term, index) a completed transaction
// committed at. Only meaningful once State() == StateCompleted.
func (tx *Transaction) CommitPosition() (term, index uint64) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.commitTerm, tx.commitIndex
}

func (tx *Transaction) requireExecuting() bool {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.state == StateExecuting
}

// Get returns key's current value as seen through this transaction's
// view, tracking the read.
func (tx *Transaction) Get(key []byte) ([]byte, bool) {
	return tx.view.Get(key)
}

// GetAtLeast returns the smallest key >= key and its value.
func (tx *Transaction) GetAtLeast(key []byte) ([]byte, []byte, bool) {
	return tx.view.GetAtLeast(key)
}

// GetAtMost returns the largest key < key and its value.
func (tx *Transaction) GetAtMost(key []byte) ([]byte, []byte, bool) {
	return tx.view.GetAtMost(key)
}

// GetRange iterates [min, max) in ascending (or descending, if
// reverse) order.
func (tx *Transaction) GetRange(min, max []byte, reverse bool, fn func(key, value []byte) bool) {
	tx.view.GetRange(min, max, reverse, fn)
}

// SetReadOnly marks tx as read-only (spec.md §6's `Tx.setReadOnly`).
// Once set, Put/Remove/RemoveRange/AdjustCounter/ConfigChange are
// no-ops, so a caller that knows a transaction will never write — the
// fallback controller's migration source transaction, for one — gets
// the cheaper read-only commit path (spec.md §4.2.5) even if some
// accidental write call slips in later.
func (tx *Transaction) SetReadOnly(ro bool) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	tx.readOnly = ro
}

func (tx *Transaction) isReadOnly() bool {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.readOnly
}

// Put records a key/value write, applied at commit time.
func (tx *Transaction) Put(key, value []byte) {
	if tx.isReadOnly() {
		return
	}
	tx.view.Put(key, value)
}

// Remove deletes a single key at commit time.
func (tx *Transaction) Remove(key []byte) {
	if tx.isReadOnly() {
		return
	}
	tx.view.Remove(key)
}

// RemoveRange deletes every key in [min, max) at commit time.
func (tx *Transaction) RemoveRange(min, max []byte) {
	if tx.isReadOnly() {
		return
	}
	tx.view.RemoveRange(min, max)
}

// AdjustCounter applies delta to key's counter value at commit time.
func (tx *Transaction) AdjustCounter(key []byte, delta int64) {
	if tx.isReadOnly() {
		return
	}
	tx.view.AdjustCounter(key, delta)
}

// ConfigChange attaches a membership change to this transaction's
// commit. At most one may be set; it is only honored if this
// transaction is ultimately handled by the leader.
func (tx *Transaction) ConfigChange(chg raftmsg.ConfigChange) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.readOnly {
		return
	}
	tx.configChange = &chg
}

// WatchKey registers a watch on key that completes the next time it
// changes, or spuriously if a fallback migration invalidates it. The
// registration lasts only as long as this transaction: once the
// transaction completes or rolls back, a watch that has not fired yet
// is canceled and never completes.
func (tx *Transaction) WatchKey(key []byte) *watch.Token {
	tx.watchKey = append([]byte(nil), key...)
	tx.watchToken = tx.mgr.watches.Watch(string(tx.watchKey))
	return tx.watchToken
}

func (tx *Transaction) hasWrites() bool {
	tx.mu.Lock()
	cfg := tx.configChange != nil
	tx.mu.Unlock()
	return cfg || tx.view.HasWrites()
}

// rebasable reports whether this transaction may still be rebased
// in place, which is the case exactly while it is EXECUTING. Nothing
// else is checked here or by rebaseInFlight: read-only transactions
// are rebased too, and log entries appended past baseIndex are not
// examined.
func (tx *Transaction) rebasable() bool {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.state == StateExecuting
}
