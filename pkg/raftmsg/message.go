// Package raftmsg defines the RPC message types Raft nodes exchange
// and their wire encoding, built on pkg/codec's primitives rather than
// a generated-stub RPC framework (spec.md §6 specifies the wire
// format directly; there is no .proto schema to compile against).
package raftmsg

// Type identifies which message a frame carries.
type Type uint8

const (
	TypeAppendRequest Type = iota + 1
	TypeAppendResponse
	TypeRequestVoteRequest
	TypeRequestVoteResponse
	TypeInstallSnapshotRequest
	TypeInstallSnapshotResponse
	TypeCommitRequest
	TypeCommitResponse
)

// WireVersion guards against a node running an incompatible encoding
// talking to the rest of the cluster.
const WireVersion uint8 = 1

// Header is the envelope every RPC carries: who sent it, who it is
// for, which cluster and term it claims to belong to.
type Header struct {
	Version     uint8
	ClusterID   string
	SenderID    string
	RecipientID string
	Term        uint64
}

// Entry is the wire shape of a single log entry, deliberately
// independent of pkg/raftlog.Entry so the transport layer never needs
// to import the on-disk log representation.
type Entry struct {
	Index uint64
	Term  uint64
	Data  []byte
}

// AppendRequest carries zero or more entries to append after
// PrevLogIndex/PrevLogTerm, or acts as a heartbeat when Entries is empty.
type AppendRequest struct {
	Header Header
	// LeaderTs is the leader's clock reading at send time, echoed back
	// unchanged by the follower so the leader can compute its lease
	// timeout from a sorted set of follower-observed timestamps.
	LeaderTs     int64
	LeaseTimeout int64 // 0 if the leader has no active lease yet
	PrevLogIndex uint64
	PrevLogTerm  uint64
	Entries      []Entry
	LeaderCommit uint64
}

// AppendResponse reports whether the append succeeded and, if not,
// the follower's last log index (ConflictIndex) so the leader can skip
// straight back to the end of a shorter log instead of retrying one
// index at a time. ConflictTerm is carried on the wire but not filled
// in by the follower.
type AppendResponse struct {
	Header        Header
	LeaderTsEcho  int64
	Success       bool
	MatchIndex    uint64
	ConflictIndex uint64
	ConflictTerm  uint64
}

// RequestVoteRequest is a candidate's solicitation for votes.
type RequestVoteRequest struct {
	Header       Header
	LastLogIndex uint64
	LastLogTerm  uint64
}

// RequestVoteResponse is a voter's reply.
type RequestVoteResponse struct {
	Header       Header
	VoteGranted bool
}

// Peer describes one member of the cluster, as carried inside a
// snapshot so the receiver can adopt the sender's membership view.
type Peer struct {
	ID      string
	Address string
}

// InstallSnapshotRequest transmits a chunk of a leader's state
// snapshot to a follower too far behind to catch up via AppendRequest
// alone. Data is one chunk of a larger snapshot stream; Done marks
// the final chunk.
type InstallSnapshotRequest struct {
	Header            Header
	LastIncludedIndex uint64
	LastIncludedTerm  uint64
	Offset            uint64
	Data              []byte
	Done              bool
	Membership        []Peer
}

// InstallSnapshotResponse acknowledges receipt of one chunk.
type InstallSnapshotResponse struct {
	Header Header
}

// ConfigChange describes a single membership delta carried by a log
// entry: exactly one of (AddIdentity/AddAddress) or RemoveIdentity is
// set.
type ConfigChange struct {
	AddIdentity    string
	AddAddress     string
	RemoveIdentity string
}

// IsAdd reports whether this change admits a new member.
func (c ConfigChange) IsAdd() bool { return c.AddIdentity != "" }

// IsRemove reports whether this change removes a member.
func (c ConfigChange) IsRemove() bool { return c.RemoveIdentity != "" }

// CommitRequest is how a follower or candidate forwards a
// transaction's base/reads/writes to the leader for commitment.
type CommitRequest struct {
	Header     Header
	TxID       string
	BaseTerm   uint64
	BaseIndex  uint64
	ReadOnly   bool
	ReadsData  []byte
	WritesData []byte
	HasConfig  bool
	Config     ConfigChange
}

// CommitStatus is the leader's verdict on a CommitRequest.
type CommitStatus uint8

const (
	CommitStatusOK CommitStatus = iota + 1
	CommitStatusConflict
	CommitStatusStale
	CommitStatusNotLeader
)

// CommitResponse answers a CommitRequest. For a read-only request,
// HasLeaseDeadline indicates a lease wait is required before the
// result may be treated as linearizable; LeaseDeadlineUnixNano is the
// time the requester must wait past.
type CommitResponse struct {
	Header                Header
	TxID                  string
	Status                CommitStatus
	CommitTerm            uint64
	CommitIndex           uint64
	HasLeaseDeadline      bool
	LeaseDeadlineUnixNano int64
}
