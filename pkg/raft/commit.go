package raft

import (
	"context"

	"github.com/lattice-kv/raftkv/internal/rmetrics"
	"github.com/lattice-kv/raftkv/pkg/codec"
	"github.com/lattice-kv/raftkv/pkg/kverrors"
	"github.com/lattice-kv/raftkv/pkg/raftlog"
	"github.com/lattice-kv/raftkv/pkg/raftmsg"
)

// SubmitCommit is how a transaction forwards its base/reads/writes for
// commitment: decided locally if this node is the leader, or relayed
// to the known leader over the transport otherwise (spec.md §4.2.5,
// "On follower/candidate: send CommitRequest").
func (rc *RaftCore) SubmitCommit(ctx context.Context, req raftmsg.CommitRequest) (raftmsg.CommitResponse, error) {
	rc.mu.Lock()
	isLeader := rc.role == RoleLeader
	leaderID := rc.leaderIdentity
	term := rc.log.CurrentTerm()
	rc.mu.Unlock()

	if isLeader {
		return rc.handleCommitRequest(ctx, req), nil
	}
	if leaderID == "" {
		return raftmsg.CommitResponse{}, kverrors.New(kverrors.Retry, "no known leader")
	}
	req.Header = raftmsg.Header{
		Version: raftmsg.WireVersion, ClusterID: rc.clusterID,
		SenderID: rc.id, RecipientID: leaderID, Term: term,
	}
	resp, err := rc.transport.Send(ctx, leaderID, req)
	if err != nil {
		return raftmsg.CommitResponse{}, kverrors.Wrap(kverrors.Retry, "forward commit request to leader", err)
	}
	cr, ok := resp.(raftmsg.CommitResponse)
	if !ok {
		return raftmsg.CommitResponse{}, kverrors.New(kverrors.Retry, "unexpected response type from leader")
	}
	return cr, nil
}

// handleCommitRequest implements spec.md §4.2.4's leader-side
// transaction commitment: validate the transaction's base is still
// reachable, scan every entry appended since for a conflict with its
// reads, then either answer a read-only request with a linearizable
// (term, index[, lease deadline]) or append a read-write request's
// writes as a new log entry.
func (rc *RaftCore) handleCommitRequest(ctx context.Context, m raftmsg.CommitRequest) raftmsg.CommitResponse {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	term := rc.log.CurrentTerm()
	reply := func(status raftmsg.CommitStatus) raftmsg.CommitResponse {
		return raftmsg.CommitResponse{
			Header: rc.replyHeader(m.Header.SenderID, term),
			TxID:   m.TxID,
			Status: status,
		}
	}

	if rc.role != RoleLeader {
		return reply(raftmsg.CommitStatusNotLeader)
	}

	lastIndex, _ := rc.log.LastIndex()
	if m.BaseIndex > lastIndex {
		return reply(raftmsg.CommitStatusStale)
	}
	if m.BaseIndex != 0 {
		t, ok := rc.log.TermAtIndex(m.BaseIndex)
		if !ok || t != m.BaseTerm {
			// the transaction's base has already been compacted away or
			// never existed on this leader's log: it must rebase onto a
			// fresh snapshot before retrying.
			return reply(raftmsg.CommitStatusStale)
		}
	}

	reads, err := codec.DecodeReads(m.ReadsData)
	if err != nil {
		rc.logger.Warn().Err(err).Str("tx", m.TxID).Msg("failed to decode commit request reads")
		return reply(raftmsg.CommitStatusConflict)
	}
	for idx := m.BaseIndex + 1; idx <= lastIndex; idx++ {
		e, ok := rc.log.GetAtIndex(idx)
		if !ok {
			continue
		}
		p, err := decodeEntryPayload(e.Data)
		if err != nil {
			continue
		}
		if reads.FindConflict(p.Writes) {
			return reply(raftmsg.CommitStatusConflict)
		}
	}

	if !rc.hasCommittedEntryInCurrentTermLocked(term) {
		// the leader hasn't yet established that its view of committed
		// state is current for this term; answering now could be stale.
		return reply(raftmsg.CommitStatusStale)
	}

	if m.ReadOnly {
		resp := reply(raftmsg.CommitStatusOK)
		resp.CommitTerm = term
		resp.CommitIndex = lastIndex
		if !rc.leaseUntil.IsZero() {
			resp.HasLeaseDeadline = true
			resp.LeaseDeadlineUnixNano = rc.leaseUntil.UnixNano()
		}
		return resp
	}

	writes, err := codec.DecodeWrites(m.WritesData)
	if err != nil {
		rc.logger.Warn().Err(err).Str("tx", m.TxID).Msg("failed to decode commit request writes")
		return reply(raftmsg.CommitStatusConflict)
	}

	if m.HasConfig {
		if rc.hasUncommittedConfigChangeLocked() {
			return reply(raftmsg.CommitStatusConflict)
		}
		if rc.currentConfig.WouldRemoveLastMember(m.Config) {
			return reply(raftmsg.CommitStatusConflict)
		}
	}

	idx := lastIndex + 1
	payload := entryPayload{Writes: writes, HasConfig: m.HasConfig, Config: m.Config}
	if err := rc.log.Append(raftlog.Entry{Index: idx, Term: term, Data: encodeEntryPayload(payload)}); err != nil {
		rc.logger.Error().Err(err).Str("tx", m.TxID).Msg("failed to append committed transaction entry")
		return reply(raftmsg.CommitStatusConflict)
	}
	rmetrics.RaftLastLogIndex.Set(float64(idx))

	if m.HasConfig {
		rc.recomputeConfigLocked()
		if m.Config.IsAdd() {
			if _, exists := rc.followers[m.Config.AddIdentity]; !exists {
				rc.followers[m.Config.AddIdentity] = &followerProgress{address: m.Config.AddAddress, nextIndex: idx}
			}
		}
	}

	rc.advanceLeaderCommitLocked() // may commit immediately in a single-member cluster
	rc.broadcastAppendLocked()

	resp := reply(raftmsg.CommitStatusOK)
	resp.CommitTerm = term
	resp.CommitIndex = idx
	return resp
}
