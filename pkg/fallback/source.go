// Package fallback implements the partition-tolerant wrapper described
// in spec.md §4.3: a priority-ordered list of Raft-backed targets plus
// a local standalone store, with availability probing, hysteresis, and
// merge-on-migration. It is grounded on the teacher project's
// `pkg/manager.Manager` owning and selecting among its own node's
// active backends, generalized here to a prioritized list, since the
// teacher has no multi-target failover concept of its own.
package fallback

import (
	"context"
	"time"

	"github.com/lattice-kv/raftkv/pkg/txn"
)

// Transaction is the minimal surface the fallback controller needs
// from a transaction, whichever backend opened it. txn.Transaction and
// localTransaction (local.go) both satisfy it.
type Transaction interface {
	Get(key []byte) ([]byte, bool)
	GetRange(min, max []byte, reverse bool, fn func(key, value []byte) bool)
	Put(key, value []byte)
	Remove(key []byte)
	RemoveRange(min, max []byte)
	Commit(ctx context.Context) error
	Rollback()
}

// Source is a backend the fallback controller can bind transactions
// to: either a Raft cluster (raftSource) or the local standalone store
// (localSource).
type Source interface {
	// Name identifies this source for logging and the state file.
	Name() string
	// Begin opens a new transaction against this source. readOnly
	// marks a transaction the caller promises never to write through
	// — spec.md §4.3 step 1's "EVENTUAL + read-only" migration source
	// transaction is the motivating case.
	Begin(consistency txn.Consistency, readOnly bool) (Transaction, error)
	// Probe performs a best-effort read-only round trip bounded by
	// timeout, returning an error if the source appears unavailable.
	Probe(ctx context.Context, timeout time.Duration) error
	// StaleTwoNodeLeader reports whether this source is currently the
	// leader of an exactly-two-member Raft cluster whose sole follower
	// has gone stale for longer than maxStaleness — spec.md §4.3's
	// guard against a partitioned two-node leader serving reads from
	// data no one else can see. Always false for a non-Raft source.
	StaleTwoNodeLeader(maxStaleness time.Duration) bool
	// CompleteWatchesSpurious wakes every key watch pending against
	// this source with a spurious completion, called by the controller
	// on migration away from it (spec.md §4.3, step 4).
	CompleteWatchesSpurious()
}
