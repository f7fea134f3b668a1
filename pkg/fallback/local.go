package fallback

import (
	"context"
	"sync"
	"time"

	"github.com/lattice-kv/raftkv/internal/watch"
	"github.com/lattice-kv/raftkv/pkg/kv"
	"github.com/lattice-kv/raftkv/pkg/kverrors"
	"github.com/lattice-kv/raftkv/pkg/mvcc"
	"github.com/lattice-kv/raftkv/pkg/txn"
)

// localSource is the non-replicated standalone store a fallback
// controller migrates to when no Raft target is available. It has no
// log to serialize writers through, so a transaction's writes are
// applied under one mutex rather than through consensus (spec.md
// §4.3's `standaloneKV`). Reads are not checked for conflicts with
// writes committed after the transaction's snapshot was taken.
type localSource struct {
	name    string
	store   kv.AtomicKVStore
	watches *watch.Broker

	mu sync.Mutex
}

// NewLocalSource wraps a bbolt-backed (or any) AtomicKVStore as the
// fallback controller's standalone target.
func NewLocalSource(name string, store kv.AtomicKVStore, watches *watch.Broker) Source {
	return &localSource{name: name, store: store, watches: watches}
}

func (s *localSource) Name() string { return s.name }

func (s *localSource) Begin(_ txn.Consistency, readOnly bool) (Transaction, error) {
	snap, err := s.store.Snapshot()
	if err != nil {
		return nil, kverrors.Wrap(kverrors.Durability, "open standalone snapshot", err)
	}
	return &localTransaction{src: s, view: mvcc.NewView(snap), readOnly: readOnly}, nil
}

func (s *localSource) Probe(ctx context.Context, _ time.Duration) error {
	snap, err := s.store.Snapshot()
	if err != nil {
		return kverrors.Wrap(kverrors.Retry, "standalone store unavailable", err)
	}
	snap.Release()
	return nil
}

// StaleTwoNodeLeader is always false: the standalone store has no
// cluster membership to go stale against.
func (s *localSource) StaleTwoNodeLeader(time.Duration) bool { return false }

func (s *localSource) CompleteWatchesSpurious() {
	s.watches.CompleteAllSpurious()
}

type localTransaction struct {
	view     *mvcc.View
	src      *localSource
	done     bool
	readOnly bool
}

func (tx *localTransaction) Get(key []byte) ([]byte, bool) { return tx.view.Get(key) }

func (tx *localTransaction) GetRange(min, max []byte, reverse bool, fn func(key, value []byte) bool) {
	tx.view.GetRange(min, max, reverse, fn)
}

func (tx *localTransaction) Put(key, value []byte) {
	if tx.readOnly {
		return
	}
	tx.view.Put(key, value)
}

func (tx *localTransaction) Remove(key []byte) {
	if tx.readOnly {
		return
	}
	tx.view.Remove(key)
}

func (tx *localTransaction) RemoveRange(min, max []byte) {
	if tx.readOnly {
		return
	}
	tx.view.RemoveRange(min, max)
}

// Commit applies this transaction's writes directly without checking
// its reads against anything; ctx is accepted only to
// satisfy the Transaction interface and is not otherwise consulted,
// since a local mutate never blocks on the network.
func (tx *localTransaction) Commit(ctx context.Context) error {
	if tx.done {
		return nil
	}
	tx.src.mu.Lock()
	defer tx.src.mu.Unlock()

	writes := tx.view.Writes()
	if !writes.IsEmpty() {
		batch := kv.Batch{RemoveRanges: writes.RemoveRanges, Puts: writes.Puts, Adjusts: writes.Adjusts}
		if err := tx.src.store.Mutate(batch, true); err != nil {
			return kverrors.Wrap(kverrors.Durability, "apply standalone transaction", err)
		}
		for _, k := range writes.PutKeys() {
			tx.src.watches.Notify(k)
		}
		for _, k := range writes.AdjustKeys() {
			tx.src.watches.Notify(k)
		}
		for _, r := range writes.RemoveRanges.AsList() {
			rng := r
			tx.src.watches.NotifyRange(func(key string) bool { return rng.Contains([]byte(key)) })
		}
	}
	tx.view.Close()
	tx.done = true
	return nil
}

func (tx *localTransaction) Rollback() {
	if tx.done {
		return
	}
	tx.view.Close()
	tx.done = true
}
