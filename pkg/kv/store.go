// Package kv defines AtomicKVStore, the single-node key/value primitive
// the MVCC layer is built on, and provides a bbolt-backed
// implementation of it.
//
// AtomicKVStore itself is an external collaborator per spec.md §1 — the
// Raft and MVCC layers only depend on the interface below — but a
// concrete implementation is still required to have a runnable node,
// so BoltStore (bolt.go) backs it with go.etcd.io/bbolt the way the
// teacher project's pkg/storage backs its Store interface.
package kv

import "github.com/lattice-kv/raftkv/pkg/keyrange"

// Batch is the durable, atomic unit of mutation AtomicKVStore.Mutate
// applies: remove ranges, then puts, then counter adjusts, in that
// fixed order (spec.md §3).
type Batch struct {
	RemoveRanges keyrange.KeyRanges
	Puts         map[string][]byte
	Adjusts      map[string]int64
}

// Snapshot is a lifetime-scoped, read-only view of the store. Callers
// must call Release when done; the store may pin resources (an open
// bolt transaction, a reference-counted file) until every snapshot
// referencing them is released.
type Snapshot interface {
	Get(key []byte) ([]byte, bool)
	// Scan iterates keys in [min, max) (max == nil means unbounded) in
	// ascending order, or descending if reverse is true. fn returning
	// false stops iteration early.
	Scan(min, max []byte, reverse bool, fn func(key, value []byte) bool)
	Release()
}

// AtomicKVStore is the out-of-scope, externally supplied single-node
// primitive: atomic snapshot plus atomic batched mutation.
type AtomicKVStore interface {
	Snapshot() (Snapshot, error)
	// Mutate applies a Batch atomically and, if sync is true, durably
	// (fsync before returning).
	Mutate(b Batch, sync bool) error
	Close() error
}
