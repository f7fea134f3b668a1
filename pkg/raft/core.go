package raft

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/lattice-kv/raftkv/internal/exec"
	"github.com/lattice-kv/raftkv/internal/rlog"
	"github.com/lattice-kv/raftkv/internal/rmetrics"
	"github.com/lattice-kv/raftkv/pkg/kv"
	"github.com/lattice-kv/raftkv/pkg/raftlog"
	"github.com/lattice-kv/raftkv/pkg/raftmsg"
	"github.com/lattice-kv/raftkv/pkg/transport"
	"github.com/rs/zerolog"
)

// Role is a node's current position in the Raft state machine.
type Role int

const (
	RoleFollower Role = iota
	RoleCandidate
	RoleLeader
)

func (r Role) String() string {
	switch r {
	case RoleFollower:
		return "follower"
	case RoleCandidate:
		return "candidate"
	case RoleLeader:
		return "leader"
	default:
		return "unknown"
	}
}

// MaxClockDrift bounds how far follower and leader clocks may diverge
// when computing the leader lease (spec.md §4.2.4).
const MaxClockDrift = 0.05

// Observer receives side effects RaftCore cannot itself know how to
// perform: applying a committed entry to the state machine, reacting
// to a lease update, or a membership change taking effect.
type Observer interface {
	ApplyEntry(index, term uint64, payloadData []byte)
	LeaseUpdated(deadline time.Time)
	ConfigChanged(cfg Config)
	SteppedDown()
	// SnapshotInstalled fires instead of a run of ApplyEntry calls when
	// a follower's state machine is brought up to date by installing a
	// snapshot rather than replaying individual entries.
	SnapshotInstalled(index, term uint64, cfg Config)
}

// TimingConfig holds the election and heartbeat timing tunables for a
// RaftCore instance.
type TimingConfig struct {
	MinElectionTimeout time.Duration
	MaxElectionTimeout time.Duration
	HeartbeatTimeout   time.Duration
}

// DefaultTimingConfig matches the teacher project's conservative
// single-datacenter defaults.
func DefaultTimingConfig() TimingConfig {
	return TimingConfig{
		MinElectionTimeout: 300 * time.Millisecond,
		MaxElectionTimeout: 600 * time.Millisecond,
		HeartbeatTimeout:   75 * time.Millisecond,
	}
}

type followerProgress struct {
	address    string
	nextIndex  uint64
	matchIndex uint64
	synced     bool

	lastLeaderTs int64
	hasLeaderTs  bool

	snapshot *snapshotTransmit
}

// RaftCore is one node's replication engine. All fields below the mu
// field are guarded by it (the "raft mutex" of spec.md §5); only
// transport sends happen without it held, and their results are folded
// back in through the executor. Log appends and metadata writes,
// including their fsyncs, run with it held.
type RaftCore struct {
	mu sync.Mutex

	id        string
	clusterID string

	log       *raftlog.LogStore
	store     kv.AtomicKVStore
	transport transport.Transport
	executor  *exec.Executor
	observer  Observer
	logger    zerolog.Logger
	timing    TimingConfig

	role Role
	// currentConfig is appliedConfig with the deltas of every entry in
	// (lastAppliedIndex, log.lastIndex] folded in — i.e. it reflects
	// config changes that are merely logged, not yet committed, per
	// spec.md §4.2.4. appliedConfig is the anchor it is recomputed
	// from; both are kept in lockstep by recomputeConfigLocked.
	currentConfig Config
	appliedConfig Config

	commitIndex      uint64
	lastAppliedIndex uint64
	lastAppliedTerm  uint64

	leaderIdentity string // "" if unknown
	votedFor       string // mirrors log.VotedFor() in memory for fast checks

	// Candidate state
	votesReceived map[string]bool

	// Leader state
	followers   map[string]*followerProgress
	leaseUntil  time.Time

	// Follower state
	nodesProbed map[string]bool

	electionTimer   *exec.ScheduledTask
	heartbeatTicker *exec.ScheduledTask

	// snapshotRecv accumulates an in-flight inbound InstallSnapshot
	// transfer across successive chunk RPCs; nil when none is active.
	snapshotRecv *snapshotReceive

	closed bool
}

// NewRaftCore constructs a RaftCore bound to an already-open log
// store and an already-configured transport (whose Handler must be
// set to this RaftCore after construction).
func NewRaftCore(id, clusterID string, log *raftlog.LogStore, store kv.AtomicKVStore, tr transport.Transport, ex *exec.Executor, obs Observer, initialConfig Config, timing TimingConfig) *RaftCore {
	rc := &RaftCore{
		id:            id,
		clusterID:     clusterID,
		log:           log,
		store:         store,
		transport:     tr,
		executor:      ex,
		observer:      obs,
		logger:        rlog.WithNode(id),
		timing:        timing,
		role:          RoleFollower,
		currentConfig: initialConfig,
		appliedConfig: initialConfig,
		votedFor:      log.VotedFor(),
		nodesProbed:   make(map[string]bool),
	}
	rc.mu.Lock()
	rc.resetElectionTimerLocked()
	rc.mu.Unlock()
	return rc
}

// SetObserver installs obs as this core's Observer. Callers that
// cannot supply the observer at NewRaftCore time (it usually needs the
// RaftCore itself to construct) call this once, before the core starts
// taking traffic.
func (rc *RaftCore) SetObserver(obs Observer) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.observer = obs
}

// Stop cancels all timers. The RaftCore is unusable afterward.
func (rc *RaftCore) Stop() {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.closed = true
	if rc.electionTimer != nil {
		rc.electionTimer.Cancel()
	}
	if rc.heartbeatTicker != nil {
		rc.heartbeatTicker.Cancel()
	}
}

// CurrentTerm returns the node's current term.
func (rc *RaftCore) CurrentTerm() uint64 {
	return rc.log.CurrentTerm()
}

// Role returns the node's current role.
func (rc *RaftCore) Role() Role {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.role
}

// LeaderIdentity returns who this node believes the leader is, or ""
// if unknown.
func (rc *RaftCore) LeaderIdentity() string {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.leaderIdentity
}

// CommitIndex returns the highest index known committed.
func (rc *RaftCore) CommitIndex() uint64 {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.commitIndex
}

// Config returns the current membership view.
func (rc *RaftCore) Config() Config {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.currentConfig
}

// LeaseDeadline returns the leader's current lease expiry, valid only
// while Role() == RoleLeader.
func (rc *RaftCore) LeaseDeadline() time.Time {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.leaseUntil
}

// TermAtIndex exposes the log's term lookup so the transaction layer
// can decide committability (spec.md §4.2.5) without reaching into
// raftlog directly.
func (rc *RaftCore) TermAtIndex(index uint64) (uint64, bool) {
	return rc.log.TermAtIndex(index)
}

// LastApplied returns the (index, term) of the most recently applied
// log entry, the base a local EVENTUAL/UNCOMMITTED snapshot is taken
// at.
func (rc *RaftCore) LastApplied() (uint64, uint64) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.lastAppliedIndex, rc.lastAppliedTerm
}

// Store returns the underlying state machine, for opening snapshots.
func (rc *RaftCore) Store() kv.AtomicKVStore {
	return rc.store
}

// Identity returns this node's own identity.
func (rc *RaftCore) Identity() string {
	return rc.id
}

// SoleFollowerStaleness reports how long it has been since this
// node's one follower last echoed a heartbeat, used by the fallback
// controller's two-node availability guard (spec.md §4.3: "if this
// target is currently leader of a cluster with exactly one follower
// and the follower's last echoed leader timestamp is staler than
// 2 × transactionTimeout, report unavailable"). ok is false unless
// this node is the leader of an exactly two-member cluster.
func (rc *RaftCore) SoleFollowerStaleness() (staleness time.Duration, ok bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.role != RoleLeader || len(rc.currentConfig.Members) != 2 {
		return 0, false
	}
	for _, peer := range rc.currentConfig.Others(rc.id) {
		fp, exists := rc.followers[peer.Identity]
		if !exists || !fp.hasLeaderTs {
			return time.Duration(math.MaxInt64), true
		}
		return time.Since(time.Unix(0, fp.lastLeaderTs)), true
	}
	return 0, false
}

// StartElection forces an immediate election, used by the `raft-start-election`
// control command. It is a no-op if this node is already the leader.
func (rc *RaftCore) StartElection() {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.closed || rc.role == RoleLeader {
		return
	}
	rc.startElectionLocked()
}

// StepDown forces a leader back to Follower at its current term, used
// by the `raft-step-down` control command. A no-op on any other role.
func (rc *RaftCore) StepDown() {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.role != RoleLeader {
		return
	}
	rc.stepDownLocked(rc.log.CurrentTerm())
}

func randomElectionTimeout(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	span := max - min
	return min + time.Duration(rand.Int63n(int64(span)))
}

// resetElectionTimerLocked must be called with mu held.
func (rc *RaftCore) resetElectionTimerLocked() {
	d := randomElectionTimeout(rc.timing.MinElectionTimeout, rc.timing.MaxElectionTimeout)
	if rc.electionTimer == nil {
		rc.electionTimer = rc.executor.Schedule(d, rc.onElectionTimeout)
	} else {
		rc.electionTimer.Reset(d)
	}
}

func (rc *RaftCore) onElectionTimeout() {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.closed || rc.role == RoleLeader {
		return
	}
	rc.startElectionLocked()
}

// HandleRequest implements transport.Handler, dispatching by concrete
// message type. It always runs with the raft mutex held for its
// synchronous decision-making; any follow-up network I/O is kicked
// off after the lock is released.
func (rc *RaftCore) HandleRequest(ctx context.Context, senderID string, msg any) (any, error) {
	switch m := msg.(type) {
	case raftmsg.AppendRequest:
		return rc.handleAppendRequest(m), nil
	case raftmsg.RequestVoteRequest:
		return rc.handleRequestVote(m), nil
	case raftmsg.CommitRequest:
		return rc.handleCommitRequest(ctx, m), nil
	case raftmsg.InstallSnapshotRequest:
		return rc.handleInstallSnapshot(m), nil
	default:
		return nil, fmt.Errorf("raft: unsupported inbound message type %T", msg)
	}
}

// stepDownLocked transitions to Follower at term newTerm, clearing
// votedFor and persisting before anything else acts on the new term
// (spec.md §4.2.1). Must be called with mu held.
func (rc *RaftCore) stepDownLocked(newTerm uint64) {
	wasLeader := rc.role == RoleLeader
	if err := rc.log.SetTermAndVote(newTerm, ""); err != nil {
		rc.logger.Error().Err(err).Msg("failed to persist term bump on step down")
	}
	rc.votedFor = ""
	rc.role = RoleFollower
	rc.votesReceived = nil
	rc.followers = nil
	rc.leaderIdentity = ""
	rmetrics.RaftIsLeader.Set(0)
	rmetrics.RaftTerm.Set(float64(newTerm))
	rc.resetElectionTimerLocked()
	if rc.heartbeatTicker != nil {
		rc.heartbeatTicker.Cancel()
		rc.heartbeatTicker = nil
	}
	if wasLeader && rc.observer != nil {
		rc.observer.SteppedDown()
	}
}

// maybeStepDownForTermLocked steps down if term exceeds the current
// term, per the common role contract. Returns true if it did.
func (rc *RaftCore) maybeStepDownForTermLocked(term uint64) bool {
	if term > rc.log.CurrentTerm() {
		rc.stepDownLocked(term)
		return true
	}
	return false
}

// recomputeConfigLocked rebuilds currentConfig from appliedConfig plus
// the config-change deltas of every entry still retained above
// lastAppliedIndex, so a membership change takes effect for the
// members a node knows about as soon as it is merely logged
// (spec.md §4.2.4), and a truncated suffix (DiscardFrom) correctly
// reverts any config change it carried. Must be called with mu held,
// after any log mutation or apply-index change.
func (rc *RaftCore) recomputeConfigLocked() {
	cfg := rc.appliedConfig
	for _, e := range rc.log.EntriesFrom(rc.lastAppliedIndex + 1) {
		p, err := decodeEntryPayload(e.Data)
		if err != nil {
			rc.logger.Warn().Err(err).Uint64("index", e.Index).Msg("failed to decode entry while recomputing config")
			continue
		}
		if p.HasConfig {
			cfg = cfg.WithChange(p.Config)
		}
	}
	changed := !configsEqual(rc.currentConfig, cfg)
	rc.currentConfig = cfg
	rmetrics.RaftPeers.Set(float64(len(cfg.Members)))
	if changed && rc.observer != nil {
		c := cfg
		rc.executor.Submit(func() { rc.observer.ConfigChanged(c) })
	}
}

func configsEqual(a, b Config) bool {
	if len(a.Members) != len(b.Members) {
		return false
	}
	for i := range a.Members {
		if a.Members[i] != b.Members[i] {
			return false
		}
	}
	return true
}
