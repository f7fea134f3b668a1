package raft

import (
	"time"

	"github.com/lattice-kv/raftkv/internal/rmetrics"
	"github.com/lattice-kv/raftkv/pkg/raftlog"
	"github.com/lattice-kv/raftkv/pkg/raftmsg"
)

// handleAppendRequest implements the follower-side consistency check
// and log mutation described in spec.md §4.2.2.
func (rc *RaftCore) handleAppendRequest(req raftmsg.AppendRequest) raftmsg.AppendResponse {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	currentTerm := rc.log.CurrentTerm()
	if req.Header.Term < currentTerm {
		return rc.rejectAppend(req, currentTerm)
	}

	rc.maybeStepDownForTermLocked(req.Header.Term)
	if rc.role == RoleCandidate {
		rc.stepDownLocked(req.Header.Term)
	}
	if rc.leaderIdentity == "" || rc.leaderIdentity != req.Header.SenderID {
		rc.leaderIdentity = req.Header.SenderID
	}
	rc.resetElectionTimerLocked()

	lastIndex, _ := rc.log.LastIndex()
	if req.PrevLogIndex != 0 {
		term, ok := rc.log.TermAtIndex(req.PrevLogIndex)
		if !ok || term != req.PrevLogTerm {
			resp := rc.rejectAppend(req, currentTerm)
			resp.ConflictIndex = lastIndex
			return resp
		}
	}

	newLast := req.PrevLogIndex
	discarded := false
	for _, e := range req.Entries {
		if existing, ok := rc.log.GetAtIndex(e.Index); ok {
			if existing.Term == e.Term {
				newLast = e.Index
				continue
			}
			if err := rc.log.DiscardFrom(e.Index); err != nil {
				rc.logger.Error().Err(err).Msg("failed to discard conflicting suffix")
			}
			discarded = true
		}
		if err := rc.log.Append(raftlog.Entry{Index: e.Index, Term: e.Term, Data: e.Data}); err != nil {
			rc.logger.Error().Err(err).Uint64("index", e.Index).Msg("failed to append replicated entry")
			break
		}
		newLast = e.Index
	}
	if newLast == 0 {
		newLast = lastIndex
	}
	if discarded || len(req.Entries) > 0 {
		rc.recomputeConfigLocked()
	}

	if req.LeaderCommit > rc.commitIndex {
		newCommit := req.LeaderCommit
		if l, _ := rc.log.LastIndex(); l < newCommit {
			newCommit = l
		}
		rc.advanceCommitIndexLocked(newCommit)
	}

	if req.LeaseTimeout != 0 {
		rc.leaseUntil = time.Unix(0, req.LeaseTimeout)
	}

	rmetrics.RaftLastLogIndex.Set(float64(newLast))

	return raftmsg.AppendResponse{
		Header: raftmsg.Header{
			Version: raftmsg.WireVersion, ClusterID: rc.clusterID,
			SenderID: rc.id, RecipientID: req.Header.SenderID, Term: rc.log.CurrentTerm(),
		},
		LeaderTsEcho: req.LeaderTs,
		Success:      true,
		MatchIndex:   newLast,
	}
}

func (rc *RaftCore) rejectAppend(req raftmsg.AppendRequest, term uint64) raftmsg.AppendResponse {
	return raftmsg.AppendResponse{
		Header: raftmsg.Header{
			Version: raftmsg.WireVersion, ClusterID: rc.clusterID,
			SenderID: rc.id, RecipientID: req.Header.SenderID, Term: term,
		},
		LeaderTsEcho: req.LeaderTs,
		Success:      false,
	}
}

// advanceCommitIndexLocked applies every newly committed entry via
// the observer and bumps metrics. Must be called with mu held.
func (rc *RaftCore) advanceCommitIndexLocked(newCommit uint64) {
	if newCommit <= rc.commitIndex {
		return
	}
	rc.commitIndex = newCommit
	rmetrics.RaftCommitIndex.Set(float64(newCommit))

	selfRemoved := false
	for idx := rc.lastAppliedIndex + 1; idx <= newCommit; idx++ {
		e, ok := rc.log.GetAtIndex(idx)
		if !ok {
			break
		}
		rc.lastAppliedIndex = idx
		rc.lastAppliedTerm = e.Term
		if p, err := decodeEntryPayload(e.Data); err == nil && p.HasConfig {
			rc.appliedConfig = rc.appliedConfig.WithChange(p.Config)
			if !rc.appliedConfig.Contains(rc.id) {
				selfRemoved = true
			}
		}
		if rc.observer != nil {
			data := e.Data
			rc.executor.Submit(func() { rc.observer.ApplyEntry(idx, e.Term, data) })
		}
	}
	rc.recomputeConfigLocked()
	rmetrics.RaftAppliedIndex.Set(float64(rc.lastAppliedIndex))
	// keep the log from growing unbounded once entries are applied;
	// DiscardApplied itself bounds the in-memory ring to MaxApplied
	_ = rc.log.DiscardApplied(rc.lastAppliedIndex)
	if selfRemoved && rc.role == RoleLeader {
		rc.logger.Info().Msg("stepping down: self removed from committed configuration")
		rc.stepDownLocked(rc.log.CurrentTerm())
	}
}

// handleRequestVote implements candidate solicitation per spec.md
// §4.2.1/§4.2.2: grant at most one vote per term, and only to a
// candidate whose log is at least as up to date as this node's.
func (rc *RaftCore) handleRequestVote(req raftmsg.RequestVoteRequest) raftmsg.RequestVoteResponse {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	currentTerm := rc.log.CurrentTerm()
	if req.Header.Term < currentTerm {
		return raftmsg.RequestVoteResponse{
			Header: rc.replyHeader(req.Header.SenderID, currentTerm), VoteGranted: false,
		}
	}
	rc.maybeStepDownForTermLocked(req.Header.Term)
	currentTerm = rc.log.CurrentTerm()

	lastIndex, lastTerm := rc.log.LastIndex()
	logOK := req.LastLogTerm > lastTerm || (req.LastLogTerm == lastTerm && req.LastLogIndex >= lastIndex)

	votedFor := rc.log.VotedFor()
	canVote := votedFor == "" || votedFor == req.Header.SenderID
	grant := logOK && canVote

	if grant {
		if err := rc.log.SetTermAndVote(currentTerm, req.Header.SenderID); err != nil {
			rc.logger.Error().Err(err).Msg("failed to persist vote")
			grant = false
		} else {
			rc.votedFor = req.Header.SenderID
			rc.resetElectionTimerLocked()
		}
	}

	return raftmsg.RequestVoteResponse{
		Header:      rc.replyHeader(req.Header.SenderID, currentTerm),
		VoteGranted: grant,
	}
}

func (rc *RaftCore) replyHeader(recipient string, term uint64) raftmsg.Header {
	return raftmsg.Header{
		Version: raftmsg.WireVersion, ClusterID: rc.clusterID,
		SenderID: rc.id, RecipientID: recipient, Term: term,
	}
}
