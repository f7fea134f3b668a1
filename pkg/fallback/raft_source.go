package fallback

import (
	"context"
	"time"

	"github.com/lattice-kv/raftkv/pkg/kverrors"
	"github.com/lattice-kv/raftkv/pkg/raft"
	"github.com/lattice-kv/raftkv/pkg/txn"
)

// probeKey is an arbitrary, never-written key the availability probe
// reads; its absence is not an error, only the round trip itself
// matters (spec.md §4.3: "attempt a read-only linearizable single-key
// probe").
var probeKey = []byte("\x00raftkv/fallback/probe")

// raftSource adapts a Raft cluster's transaction manager to Source.
type raftSource struct {
	name string
	rc   *raft.RaftCore
	mgr  *txn.Manager
}

// NewRaftSource wraps a running RaftCore and its transaction manager
// as a fallback target backend.
func NewRaftSource(name string, rc *raft.RaftCore, mgr *txn.Manager) Source {
	return &raftSource{name: name, rc: rc, mgr: mgr}
}

func (s *raftSource) Name() string { return s.name }

func (s *raftSource) Begin(consistency txn.Consistency, readOnly bool) (Transaction, error) {
	tx, err := s.mgr.Begin(consistency)
	if err != nil {
		return nil, err
	}
	tx.SetReadOnly(readOnly)
	return tx, nil
}

func (s *raftSource) Probe(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	tx, err := s.mgr.Begin(txn.Linearizable)
	if err != nil {
		return err
	}
	tx.SetReadOnly(true)
	tx.Get(probeKey)
	if err := tx.Commit(ctx); err != nil {
		return kverrors.Wrap(kverrors.Retry, "availability probe failed", err)
	}
	return nil
}

func (s *raftSource) StaleTwoNodeLeader(maxStaleness time.Duration) bool {
	staleness, ok := s.rc.SoleFollowerStaleness()
	if !ok {
		return false
	}
	return staleness > maxStaleness
}

func (s *raftSource) CompleteWatchesSpurious() {
	s.mgr.CompleteWatchesSpurious()
}
