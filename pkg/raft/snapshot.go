package raft

import (
	"bytes"
	"context"
	"time"

	"github.com/lattice-kv/raftkv/internal/rmetrics"
	"github.com/lattice-kv/raftkv/pkg/codec"
	"github.com/lattice-kv/raftkv/pkg/keyrange"
	"github.com/lattice-kv/raftkv/pkg/kv"
	"github.com/lattice-kv/raftkv/pkg/raftmsg"
)

// snapshotChunkSize caps the payload of one InstallSnapshot chunk
// (spec.md §4.2.4: "chunks no larger than 128 KiB").
const snapshotChunkSize = 128 * 1024

// snapshotTransmitTimeout aborts a stalled transfer so the follower
// falls back to being retried from scratch on the next heartbeat
// rather than holding a slot forever.
const snapshotTransmitTimeout = 5 * time.Minute

type kvPair struct {
	key, value []byte
}

// snapshotTransmit is the leader-side state of one in-flight transfer
// to a single follower: the whole snapshotted keyspace, pre-sorted and
// drained into memory up front the same way mvcc.View.GetRange trades
// streaming for simplicity, plus a cursor into it.
type snapshotTransmit struct {
	term     uint64 // leader's term when the transfer began
	index    uint64 // lastAppliedIndex the snapshot was taken at
	snapTerm uint64
	config   Config

	pairs   []kvPair
	cursor  int
	prevKey []byte
	started time.Time
}

// snapshotReceive accumulates chunks of an inbound transfer until the
// final one arrives, at which point it is applied atomically.
type snapshotReceive struct {
	leaderID string
	index    uint64
	snapTerm uint64

	membership []raftmsg.Peer
	pairs      []kvPair
	prevKey    []byte
}

// startSnapshotTransmitLocked begins streaming the current state
// machine to peerID because its required log entries have already
// been compacted away. Must be called with mu held; the transfer
// itself runs off-lock.
func (rc *RaftCore) startSnapshotTransmitLocked(peerID string, fp *followerProgress, term uint64) {
	if fp.snapshot != nil {
		return
	}
	snap, err := rc.store.Snapshot()
	if err != nil {
		rc.logger.Error().Err(err).Str("peer", peerID).Msg("failed to open snapshot for transmit")
		return
	}
	var pairs []kvPair
	snap.Scan(nil, nil, false, func(k, v []byte) bool {
		pairs = append(pairs, kvPair{key: append([]byte(nil), k...), value: append([]byte(nil), v...)})
		return true
	})
	snap.Release()

	st := &snapshotTransmit{
		term:     term,
		index:    rc.lastAppliedIndex,
		snapTerm: rc.lastAppliedTerm,
		config:   rc.appliedConfig,
		pairs:    pairs,
		started:  time.Now(),
	}
	fp.snapshot = st
	rc.logger.Info().Str("peer", peerID).Uint64("index", st.index).Int("pairs", len(pairs)).Msg("starting snapshot transmit")
	go rc.sendSnapshotChunk(peerID, term)
}

// sendSnapshotChunk sends the next unsent chunk of fp.snapshot to
// peerID and, on success, folds the result back in through the
// executor. It runs off the raft mutex.
func (rc *RaftCore) sendSnapshotChunk(peerID string, term uint64) {
	rc.mu.Lock()
	if rc.closed || rc.role != RoleLeader || rc.log.CurrentTerm() != term {
		rc.mu.Unlock()
		return
	}
	fp, ok := rc.followers[peerID]
	if !ok || fp.snapshot == nil {
		rc.mu.Unlock()
		return
	}
	st := fp.snapshot
	if time.Since(st.started) > snapshotTransmitTimeout {
		rc.logger.Warn().Str("peer", peerID).Msg("snapshot transmit timed out")
		fp.snapshot = nil
		rc.mu.Unlock()
		return
	}

	data, nextCursor, lastKey := buildSnapshotChunk(st.prevKey, st.pairs, st.cursor)
	done := nextCursor >= len(st.pairs)
	var membership []raftmsg.Peer
	if st.cursor == 0 {
		for _, p := range st.config.Members {
			membership = append(membership, raftmsg.Peer{ID: p.Identity, Address: p.Address})
		}
	}
	req := raftmsg.InstallSnapshotRequest{
		Header: raftmsg.Header{
			Version: raftmsg.WireVersion, ClusterID: rc.clusterID,
			SenderID: rc.id, RecipientID: peerID, Term: term,
		},
		LastIncludedIndex: st.index,
		LastIncludedTerm:  st.snapTerm,
		Offset:            uint64(st.cursor),
		Data:              data,
		Done:              done,
		Membership:        membership,
	}
	cursorBefore := st.cursor
	rc.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := rc.transport.Send(ctx, peerID, req)
	if err != nil {
		rc.logger.Debug().Err(err).Str("peer", peerID).Msg("install snapshot chunk failed")
		rc.executor.Submit(func() { rc.abortSnapshotTransmit(peerID, term) })
		return
	}
	installResp, ok := resp.(raftmsg.InstallSnapshotResponse)
	if !ok {
		rc.executor.Submit(func() { rc.abortSnapshotTransmit(peerID, term) })
		return
	}
	rc.executor.Submit(func() {
		rc.handleSnapshotChunkAck(peerID, term, installResp, cursorBefore, nextCursor, lastKey, done)
	})
}

func (rc *RaftCore) handleSnapshotChunkAck(peerID string, term uint64, resp raftmsg.InstallSnapshotResponse, cursorBefore, nextCursor int, lastKey []byte, done bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if rc.maybeStepDownForTermLocked(resp.Header.Term) {
		return
	}
	if rc.role != RoleLeader || rc.log.CurrentTerm() != term {
		return
	}
	fp, ok := rc.followers[peerID]
	if !ok || fp.snapshot == nil {
		return
	}
	st := fp.snapshot
	if st.cursor != cursorBefore {
		return // a stale ack for a chunk we've already advanced past
	}
	st.cursor = nextCursor
	st.prevKey = lastKey

	if !done {
		go rc.sendSnapshotChunk(peerID, term)
		return
	}

	rc.logger.Info().Str("peer", peerID).Uint64("index", st.index).Msg("snapshot transmit complete")
	fp.matchIndex = st.index
	fp.nextIndex = st.index + 1
	lastLogIndex, _ := rc.log.LastIndex()
	fp.synced = fp.nextIndex > lastLogIndex
	fp.snapshot = nil
	rc.advanceLeaderCommitLocked()
	rc.broadcastAppendLocked()
}

func (rc *RaftCore) abortSnapshotTransmit(peerID string, term uint64) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.log.CurrentTerm() != term {
		return
	}
	if fp, ok := rc.followers[peerID]; ok {
		fp.snapshot = nil
	}
}

// handleInstallSnapshot implements the follower side of spec.md
// §4.2.4's snapshot transfer: chunks accumulate in rc.snapshotRecv
// until Done, at which point the whole transferred keyspace replaces
// the store's contents in one atomic mutation.
func (rc *RaftCore) handleInstallSnapshot(req raftmsg.InstallSnapshotRequest) raftmsg.InstallSnapshotResponse {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	currentTerm := rc.log.CurrentTerm()
	if req.Header.Term < currentTerm {
		return raftmsg.InstallSnapshotResponse{Header: rc.replyHeader(req.Header.SenderID, currentTerm)}
	}
	rc.maybeStepDownForTermLocked(req.Header.Term)
	if rc.role == RoleCandidate {
		rc.stepDownLocked(req.Header.Term)
	}
	rc.leaderIdentity = req.Header.SenderID
	rc.resetElectionTimerLocked()
	currentTerm = rc.log.CurrentTerm()

	if req.Offset == 0 || rc.snapshotRecv == nil || rc.snapshotRecv.leaderID != req.Header.SenderID || rc.snapshotRecv.index != req.LastIncludedIndex {
		rc.snapshotRecv = &snapshotReceive{
			leaderID: req.Header.SenderID,
			index:    req.LastIncludedIndex,
			snapTerm: req.LastIncludedTerm,
		}
	}
	sr := rc.snapshotRecv
	if uint64(len(sr.pairs)) != req.Offset {
		rc.logger.Warn().Uint64("expected", uint64(len(sr.pairs))).Uint64("got", req.Offset).Msg("out-of-order snapshot chunk, discarding")
		return raftmsg.InstallSnapshotResponse{Header: rc.replyHeader(req.Header.SenderID, currentTerm)}
	}
	if req.Offset == 0 {
		sr.membership = req.Membership
	}

	pairs, lastKey, err := decodeSnapshotChunk(req.Data, sr.prevKey)
	if err != nil {
		rc.logger.Error().Err(err).Msg("failed to decode snapshot chunk")
		return raftmsg.InstallSnapshotResponse{Header: rc.replyHeader(req.Header.SenderID, currentTerm)}
	}
	sr.pairs = append(sr.pairs, pairs...)
	if len(pairs) > 0 {
		sr.prevKey = lastKey
	}

	if req.Done {
		rc.installSnapshotLocked(sr)
		rc.snapshotRecv = nil
	}

	return raftmsg.InstallSnapshotResponse{Header: rc.replyHeader(req.Header.SenderID, currentTerm)}
}

// installSnapshotLocked replaces the store's entire contents with
// sr.pairs and rebases the log and applied-index bookkeeping on top
// of the transferred (index, term). Must be called with mu held.
func (rc *RaftCore) installSnapshotLocked(sr *snapshotReceive) {
	puts := make(map[string][]byte, len(sr.pairs))
	for _, p := range sr.pairs {
		puts[string(p.key)] = p.value
	}
	batch := kv.Batch{
		RemoveRanges: keyrange.New(keyrange.Full()),
		Puts:         puts,
	}
	if err := rc.store.Mutate(batch, true); err != nil {
		rc.logger.Error().Err(err).Msg("failed to install snapshot into store")
		return
	}
	if err := rc.log.Bootstrap(sr.index, sr.snapTerm); err != nil {
		rc.logger.Error().Err(err).Msg("failed to bootstrap log after snapshot install")
	}

	members := make([]Peer, 0, len(sr.membership))
	for _, p := range sr.membership {
		members = append(members, Peer{Identity: p.ID, Address: p.Address})
	}
	cfg := Config{Members: members}
	rc.appliedConfig = cfg
	rc.currentConfig = cfg
	rc.lastAppliedIndex = sr.index
	rc.lastAppliedTerm = sr.snapTerm
	if rc.commitIndex < sr.index {
		rc.commitIndex = sr.index
	}
	rmetrics.RaftAppliedIndex.Set(float64(sr.index))
	rmetrics.RaftCommitIndex.Set(float64(rc.commitIndex))
	rmetrics.RaftPeers.Set(float64(len(cfg.Members)))
	rc.logger.Info().Uint64("index", sr.index).Int("pairs", len(sr.pairs)).Msg("installed snapshot")

	if rc.observer != nil {
		idx, term, c := sr.index, sr.snapTerm, cfg
		rc.executor.Submit(func() { rc.observer.SnapshotInstalled(idx, term, c) })
	}
}

// buildSnapshotChunk encodes as many of pairs[cursor:] as fit within
// snapshotChunkSize using the same shared-prefix trick as
// codec.PutSortedKeys, with each key's value appended alongside it
// since a chunk, unlike a Writes batch, interleaves keys and values.
// A single pair whose encoding alone exceeds snapshotChunkSize is sent
// as a chunk of its own.
func buildSnapshotChunk(prevKey []byte, pairs []kvPair, cursor int) (data []byte, nextCursor int, lastKey []byte) {
	var buf bytes.Buffer
	prev := prevKey
	i := cursor
	for i < len(pairs) {
		p := pairs[i]
		shared := commonPrefixLen(prev, p.key)
		var enc bytes.Buffer
		codec.PutUvarint(&enc, uint64(shared))
		codec.PutBytes(&enc, p.key[shared:])
		codec.PutBytes(&enc, p.value)
		if buf.Len() > 0 && buf.Len()+enc.Len() > snapshotChunkSize {
			break
		}
		buf.Write(enc.Bytes())
		prev = p.key
		i++
	}
	return buf.Bytes(), i, prev
}

// decodeSnapshotChunk decodes a chunk written by buildSnapshotChunk.
func decodeSnapshotChunk(data []byte, prevKey []byte) ([]kvPair, []byte, error) {
	r := bytes.NewReader(data)
	var pairs []kvPair
	prev := prevKey
	for r.Len() > 0 {
		shared, err := codec.ReadUvarint(r)
		if err != nil {
			return nil, nil, err
		}
		if int(shared) > len(prev) {
			return nil, nil, codec.ErrTruncated
		}
		suffix, err := codec.ReadBytes(r)
		if err != nil {
			return nil, nil, err
		}
		key := make([]byte, 0, int(shared)+len(suffix))
		key = append(key, prev[:shared]...)
		key = append(key, suffix...)
		value, err := codec.ReadBytes(r)
		if err != nil {
			return nil, nil, err
		}
		pairs = append(pairs, kvPair{key: key, value: value})
		prev = key
	}
	return pairs, prev, nil
}

func commonPrefixLen(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}
