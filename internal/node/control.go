package node

import (
	"github.com/lattice-kv/raftkv/pkg/fallback"
	"github.com/lattice-kv/raftkv/pkg/raft"
	"github.com/lattice-kv/raftkv/pkg/raftmsg"
)

// RaftStatus is the cobra-friendly snapshot raft-status prints,
// trimmed to the fields an operator cares about rather than the full
// RaftCore internals.
type RaftStatus struct {
	Identity    string
	Role        string
	Term        uint64
	Leader      string
	CommitIndex uint64
	Members     []raft.Peer
}

// ControlAPI is the surface cmd/raftkv drives: raft membership and
// role control plus fallback controller inspection, kept separate
// from Node itself so the CLI never has to reach past it into
// cluster/txn internals.
type ControlAPI struct {
	n *Node
}

// NewControlAPI wraps n for use by the control commands.
func NewControlAPI(n *Node) *ControlAPI { return &ControlAPI{n: n} }

// RaftStatus reports the primary cluster's current role, term, and
// membership.
func (a *ControlAPI) RaftStatus() RaftStatus {
	core := a.n.Primary()
	return RaftStatus{
		Identity:    core.Identity(),
		Role:        core.Role().String(),
		Term:        core.CurrentTerm(),
		Leader:      core.LeaderIdentity(),
		CommitIndex: core.CommitIndex(),
		Members:     core.Config().Members,
	}
}

// StepDown forces the primary cluster's leader back to follower, if
// this node is currently leading it.
func (a *ControlAPI) StepDown() {
	a.n.Primary().StepDown()
}

// StartElection forces the primary cluster into a new election round
// from this node.
func (a *ControlAPI) StartElection() {
	a.n.Primary().StartElection()
}

// AddMember proposes admitting a new voting member to the primary
// cluster (spec.md §4.2.4's admission rules apply).
func (a *ControlAPI) AddMember(identity, address string) error {
	return a.n.Primary().ProposeConfigChange(raftmsg.ConfigChange{AddIdentity: identity, AddAddress: address})
}

// RemoveMember proposes removing a voting member from the primary
// cluster.
func (a *ControlAPI) RemoveMember(identity string) error {
	return a.n.Primary().ProposeConfigChange(raftmsg.ConfigChange{RemoveIdentity: identity})
}

// FallbackStatus reports the fallback controller's current target
// selection and per-target availability.
func (a *ControlAPI) FallbackStatus() fallback.Status {
	return a.n.Fallback().Status()
}

// ForceFallbackStandalone pins the fallback controller to the
// standalone source regardless of target availability, or releases
// that pin.
func (a *ControlAPI) ForceFallbackStandalone(on bool) {
	a.n.Fallback().ForceStandalone(on)
}
