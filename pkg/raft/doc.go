// Package raft implements the replication engine: leader election,
// log replication, commit advancement, leader leases, snapshot
// transfer, and membership changes. One RaftCore per node owns a
// single coarse mutex (the "raft mutex") guarding all of this state;
// see core.go for the lock discipline.
//
//	            AppendRequest / RequestVote / CommitRequest / InstallSnapshot
//	                              │
//	                    ┌─────────▼─────────┐
//	   transport.Handler │      RaftCore      │  raft mutex guards
//	                    └──┬──────┬──────┬───┘  term/role/log/config
//	                       │      │      │
//	                 follower  candidate  leader
//	                  logic     logic    logic (replication,
//	                                      commit index, lease)
//	                       │
//	                 pkg/raftlog.LogStore (durable entries)
package raft
