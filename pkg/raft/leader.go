package raft

import (
	"context"
	"sort"
	"time"

	"github.com/lattice-kv/raftkv/internal/rmetrics"
	"github.com/lattice-kv/raftkv/pkg/kverrors"
	"github.com/lattice-kv/raftkv/pkg/mvcc"
	"github.com/lattice-kv/raftkv/pkg/raftlog"
	"github.com/lattice-kv/raftkv/pkg/raftmsg"
)

// replicationBatch bounds how many entries one AppendRequest carries;
// the transport here is a synchronous request/response call rather
// than a pipelined stream, so "pipelining" (spec.md §4.2.4) is
// approximated by batching several entries per round trip instead of
// one in flight at a time.
const replicationBatch = 64

// becomeLeaderLocked transitions to Leader in term, appends the
// initial no-op entry so commit advancement has something to work
// with in the new term, and starts replicating to every other member
// of currentConfig. Must be called with mu held.
func (rc *RaftCore) becomeLeaderLocked(term uint64) {
	rc.role = RoleLeader
	rc.leaderIdentity = rc.id
	rc.votesReceived = nil
	rc.nodesProbed = nil

	lastIndex, _ := rc.log.LastIndex()
	rc.followers = make(map[string]*followerProgress)
	for _, peer := range rc.currentConfig.Others(rc.id) {
		rc.followers[peer.Identity] = &followerProgress{address: peer.Address, nextIndex: lastIndex + 1}
	}

	rmetrics.RaftIsLeader.Set(1)
	rc.logger.Info().Uint64("term", term).Int("peers", len(rc.followers)).Msg("became leader")

	noop := entryPayload{Writes: mvcc.NewWrites()}
	idx := lastIndex + 1
	if err := rc.log.Append(raftlog.Entry{Index: idx, Term: term, Data: encodeEntryPayload(noop)}); err != nil {
		rc.logger.Error().Err(err).Msg("failed to append leader no-op entry; stepping down")
		rc.stepDownLocked(term)
		return
	}
	rmetrics.RaftLastLogIndex.Set(float64(idx))

	if rc.heartbeatTicker == nil {
		rc.heartbeatTicker = rc.executor.Schedule(rc.timing.HeartbeatTimeout, rc.onHeartbeatTick)
	} else {
		rc.heartbeatTicker.Reset(rc.timing.HeartbeatTimeout)
	}
	rc.electionTimer.Cancel()

	rc.advanceLeaderCommitLocked() // may commit immediately in a single-member cluster
	rc.broadcastAppendLocked()
}

func (rc *RaftCore) onHeartbeatTick() {
	rc.mu.Lock()
	if rc.closed || rc.role != RoleLeader {
		rc.mu.Unlock()
		return
	}
	rc.heartbeatTicker.Reset(rc.timing.HeartbeatTimeout)
	rc.broadcastAppendLocked()
	rc.mu.Unlock()
}

// broadcastAppendLocked kicks off one AppendRequest round trip per
// follower not currently receiving a snapshot. Must be called with mu
// held; the actual network I/O runs off-lock in a goroutine per spec.md
// §5 ("long-running or I/O-bound work ... performed without the mutex").
func (rc *RaftCore) broadcastAppendLocked() {
	term := rc.log.CurrentTerm()
	for peerID, fp := range rc.followers {
		if fp.snapshot != nil {
			continue
		}
		req, ok := rc.buildAppendRequestLocked(peerID, fp, term)
		if !ok {
			rc.startSnapshotTransmitLocked(peerID, fp, term)
			continue
		}
		go rc.sendAppend(peerID, req, term)
	}
}

func (rc *RaftCore) buildAppendRequestLocked(peerID string, fp *followerProgress, term uint64) (raftmsg.AppendRequest, bool) {
	prevIndex := fp.nextIndex - 1
	var prevTerm uint64
	if prevIndex > 0 {
		t, ok := rc.log.TermAtIndex(prevIndex)
		if !ok {
			return raftmsg.AppendRequest{}, false
		}
		prevTerm = t
	}

	entries := rc.log.EntriesFrom(fp.nextIndex)
	if len(entries) > replicationBatch {
		entries = entries[:replicationBatch]
	}
	wireEntries := make([]raftmsg.Entry, len(entries))
	for i, e := range entries {
		wireEntries[i] = raftmsg.Entry{Index: e.Index, Term: e.Term, Data: e.Data}
	}

	var leaseTimeout int64
	if !rc.leaseUntil.IsZero() {
		leaseTimeout = rc.leaseUntil.UnixNano()
	}

	return raftmsg.AppendRequest{
		Header: raftmsg.Header{
			Version: raftmsg.WireVersion, ClusterID: rc.clusterID,
			SenderID: rc.id, RecipientID: peerID, Term: term,
		},
		LeaderTs:     time.Now().UnixNano(),
		LeaseTimeout: leaseTimeout,
		PrevLogIndex: prevIndex,
		PrevLogTerm:  prevTerm,
		Entries:      wireEntries,
		LeaderCommit: rc.commitIndex,
	}, true
}

func (rc *RaftCore) sendAppend(peerID string, req raftmsg.AppendRequest, term uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := rc.transport.Send(ctx, peerID, req)
	if err != nil {
		rc.logger.Debug().Err(err).Str("peer", peerID).Msg("append request failed")
		return
	}
	appendResp, ok := resp.(raftmsg.AppendResponse)
	if !ok {
		return
	}
	rc.executor.Submit(func() { rc.handleAppendResponse(peerID, appendResp, term) })
}

func (rc *RaftCore) handleAppendResponse(peerID string, resp raftmsg.AppendResponse, term uint64) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if rc.maybeStepDownForTermLocked(resp.Header.Term) {
		return
	}
	if rc.role != RoleLeader || rc.log.CurrentTerm() != term {
		return
	}
	fp, ok := rc.followers[peerID]
	if !ok {
		return
	}
	fp.lastLeaderTs = resp.LeaderTsEcho
	fp.hasLeaderTs = true

	lastIndex, _ := rc.log.LastIndex()
	if resp.Success {
		if resp.MatchIndex > fp.matchIndex {
			fp.matchIndex = resp.MatchIndex
		}
		next := resp.MatchIndex + 1
		if next > lastIndex+1 {
			next = lastIndex + 1
		}
		fp.nextIndex = next
		fp.synced = fp.nextIndex > lastIndex
		rc.advanceLeaderCommitLocked()
	} else {
		if resp.ConflictIndex+1 < fp.nextIndex {
			// the follower's log ends before prevIndex: resume just past it
			fp.nextIndex = resp.ConflictIndex + 1
		} else if fp.nextIndex > 1 {
			fp.nextIndex--
		}
		fp.synced = false
	}
	rc.recomputeLeaseLocked()
}

// advanceLeaderCommitLocked finds the highest index a strict majority
// of currentConfig has replicated and whose term matches the leader's
// current term (the classic safety restriction, spec.md §4.2.4),
// unless every member already has the entry. Ties prefer the largest
// qualifying index.
func (rc *RaftCore) advanceLeaderCommitLocked() {
	lastIndex, _ := rc.log.LastIndex()
	if lastIndex <= rc.commitIndex {
		return
	}
	total := len(rc.currentConfig.Members)
	majority := rc.currentConfig.Majority()
	term := rc.log.CurrentTerm()

	for n := lastIndex; n > rc.commitIndex; n-- {
		t, ok := rc.log.TermAtIndex(n)
		if !ok {
			continue
		}
		count := 1 // self
		for peerID := range peerSet(rc.currentConfig.Others(rc.id)).indexByID() {
			fp, ok := rc.followers[peerID]
			if ok && fp.matchIndex >= n {
				count++
			}
		}
		unanimous := count == total
		if t != term && !unanimous {
			continue
		}
		if count < majority && !unanimous {
			continue
		}
		rc.advanceCommitIndexLocked(n)
		rc.broadcastAppendLocked()
		return
	}
}

// recomputeLeaseLocked recomputes the leader lease deadline from the
// median of follower-echoed leader timestamps, per spec.md §4.2.4's
// "sort(leaderTimestamps, nulls-first)[(n+1)/2]" rule.
func (rc *RaftCore) recomputeLeaseLocked() {
	n := len(rc.currentConfig.Members)
	if n == 0 {
		return
	}
	stamps := make([]int64, 0, n)
	nils := 0
	stamps = append(stamps, time.Now().UnixNano()) // self always current
	for _, peer := range rc.currentConfig.Others(rc.id) {
		fp, ok := rc.followers[peer.Identity]
		if !ok || !fp.hasLeaderTs {
			nils++
			continue
		}
		stamps = append(stamps, fp.lastLeaderTs)
	}
	sort.Slice(stamps, func(i, j int) bool { return stamps[i] < stamps[j] })

	medianPos := (n+1)/2 - 1
	var median int64
	if medianPos < nils {
		// median falls among the "null" (never-heard-from) followers:
		// no legitimate lease can be asserted yet.
		rc.leaseUntil = time.Time{}
		return
	}
	idx := medianPos - nils
	if idx < 0 {
		idx = 0
	}
	if idx >= len(stamps) {
		idx = len(stamps) - 1
	}
	median = stamps[idx]

	drift := float64(rc.timing.MinElectionTimeout) * (1 - MaxClockDrift)
	deadline := time.Unix(0, median).Add(time.Duration(drift)).Add(-time.Millisecond)
	if deadline.After(rc.leaseUntil) {
		rc.leaseUntil = deadline
		if rc.observer != nil {
			d := deadline
			rc.executor.Submit(func() { rc.observer.LeaseUpdated(d) })
		}
	}
}

// ProposeConfigChange appends a membership-change entry, enforcing
// spec.md §4.2.4's admission rules: the leader must have committed at
// least one entry in its current term, no uncommitted config change
// may already be in the log, and removing the last remaining member
// is forbidden outright.
func (rc *RaftCore) ProposeConfigChange(chg raftmsg.ConfigChange) error {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if rc.role != RoleLeader {
		return kverrors.New(kverrors.Invalid, "not leader")
	}
	term := rc.log.CurrentTerm()
	if !rc.hasCommittedEntryInCurrentTermLocked(term) {
		return kverrors.New(kverrors.Retry, "leader has not yet committed an entry in its own term")
	}
	if rc.hasUncommittedConfigChangeLocked() {
		return kverrors.New(kverrors.Retry, "a configuration change is already pending")
	}
	if rc.currentConfig.WouldRemoveLastMember(chg) {
		return kverrors.New(kverrors.Invalid, "cannot remove the last remaining member")
	}

	lastIndex, _ := rc.log.LastIndex()
	idx := lastIndex + 1
	payload := entryPayload{Writes: mvcc.NewWrites(), HasConfig: true, Config: chg}
	if err := rc.log.Append(raftlog.Entry{Index: idx, Term: term, Data: encodeEntryPayload(payload)}); err != nil {
		return kverrors.Wrap(kverrors.Durability, "append config change entry", err)
	}
	rmetrics.RaftLastLogIndex.Set(float64(idx))
	rc.recomputeConfigLocked()

	if chg.IsAdd() {
		if _, exists := rc.followers[chg.AddIdentity]; !exists {
			rc.followers[chg.AddIdentity] = &followerProgress{address: chg.AddAddress, nextIndex: idx}
		}
	}
	rc.advanceLeaderCommitLocked() // may commit immediately in a single-member cluster
	rc.broadcastAppendLocked()
	return nil
}

func (rc *RaftCore) hasCommittedEntryInCurrentTermLocked(term uint64) bool {
	if rc.commitIndex == 0 {
		return false
	}
	t, ok := rc.log.TermAtIndex(rc.commitIndex)
	return ok && t == term
}

func (rc *RaftCore) hasUncommittedConfigChangeLocked() bool {
	for _, e := range rc.log.EntriesFrom(rc.commitIndex + 1) {
		if p, err := decodeEntryPayload(e.Data); err == nil && p.HasConfig {
			return true
		}
	}
	return false
}

type peerSet []Peer

func (ps peerSet) indexByID() map[string]struct{} {
	out := make(map[string]struct{}, len(ps))
	for _, p := range ps {
		out[p.Identity] = struct{}{}
	}
	return out
}
