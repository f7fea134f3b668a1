package raft

import (
	"context"
	"time"

	"github.com/lattice-kv/raftkv/internal/rmetrics"
	"github.com/lattice-kv/raftkv/pkg/raftmsg"
)

// startElectionLocked transitions to Candidate, bumps the term, votes
// for self, and broadcasts RequestVote to every other member. Must be
// called with mu held.
func (rc *RaftCore) startElectionLocked() {
	newTerm := rc.log.CurrentTerm() + 1
	if err := rc.log.SetTermAndVote(newTerm, rc.id); err != nil {
		rc.logger.Error().Err(err).Msg("failed to persist election term bump")
		return
	}
	rc.votedFor = rc.id
	rc.role = RoleCandidate
	rc.leaderIdentity = ""
	rc.votesReceived = map[string]bool{rc.id: true}
	rc.resetElectionTimerLocked()
	rmetrics.RaftTerm.Set(float64(newTerm))
	rmetrics.ElectionsStarted.Inc()

	lastIndex, lastTerm := rc.log.LastIndex()
	others := rc.currentConfig.Others(rc.id)
	majority := rc.currentConfig.Majority()
	rc.logger.Info().Uint64("term", newTerm).Int("peers", len(others)).Msg("starting election")

	for _, peer := range others {
		peer := peer
		req := raftmsg.RequestVoteRequest{
			Header: raftmsg.Header{
				Version: raftmsg.WireVersion, ClusterID: rc.clusterID,
				SenderID: rc.id, RecipientID: peer.Identity, Term: newTerm,
			},
			LastLogIndex: lastIndex,
			LastLogTerm:  lastTerm,
		}
		go rc.sendRequestVote(peer.Identity, req, newTerm, majority)
	}

	if majority <= 1 {
		rc.executor.Submit(func() { rc.becomeLeaderIfStillCandidate(newTerm) })
	}
}

func (rc *RaftCore) sendRequestVote(peerID string, req raftmsg.RequestVoteRequest, term uint64, majority int) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := rc.transport.Send(ctx, peerID, req)
	if err != nil {
		rc.logger.Debug().Err(err).Str("peer", peerID).Msg("request vote failed")
		return
	}
	voteResp, ok := resp.(raftmsg.RequestVoteResponse)
	if !ok {
		return
	}
	rc.executor.Submit(func() { rc.handleVoteResponse(peerID, voteResp, term, majority) })
}

func (rc *RaftCore) handleVoteResponse(peerID string, resp raftmsg.RequestVoteResponse, term uint64, majority int) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if rc.maybeStepDownForTermLocked(resp.Header.Term) {
		return
	}
	if rc.role != RoleCandidate || rc.log.CurrentTerm() != term {
		return
	}
	if !resp.VoteGranted {
		return
	}
	rc.votesReceived[peerID] = true
	if len(rc.votesReceived) >= majority {
		rc.becomeLeaderLocked(term)
	}
}

func (rc *RaftCore) becomeLeaderIfStillCandidate(term uint64) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.role == RoleCandidate && rc.log.CurrentTerm() == term {
		rc.becomeLeaderLocked(term)
	}
}
