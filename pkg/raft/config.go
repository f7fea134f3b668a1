package raft

import "github.com/lattice-kv/raftkv/pkg/raftmsg"

// Peer identifies one cluster member by identity and dial address.
type Peer struct {
	Identity string
	Address  string
}

// Config is the current cluster membership as built up by replaying
// the config-change deltas of every log entry, applied or not
// (spec.md §4.2.4).
type Config struct {
	Members []Peer
}

// Contains reports whether identity is a current member.
func (c Config) Contains(identity string) bool {
	for _, p := range c.Members {
		if p.Identity == identity {
			return true
		}
	}
	return false
}

// Others returns every member except self.
func (c Config) Others(self string) []Peer {
	out := make([]Peer, 0, len(c.Members))
	for _, p := range c.Members {
		if p.Identity != self {
			out = append(out, p)
		}
	}
	return out
}

// Majority returns the number of members required for a strict
// majority of the current configuration.
func (c Config) Majority() int {
	return len(c.Members)/2 + 1
}

// WithChange returns a new Config with chg applied. Adding an
// identity that already exists replaces its address; removing an
// absent identity is a no-op.
func (c Config) WithChange(chg raftmsg.ConfigChange) Config {
	switch {
	case chg.IsAdd():
		out := make([]Peer, 0, len(c.Members)+1)
		found := false
		for _, p := range c.Members {
			if p.Identity == chg.AddIdentity {
				out = append(out, Peer{Identity: chg.AddIdentity, Address: chg.AddAddress})
				found = true
				continue
			}
			out = append(out, p)
		}
		if !found {
			out = append(out, Peer{Identity: chg.AddIdentity, Address: chg.AddAddress})
		}
		return Config{Members: out}
	case chg.IsRemove():
		out := make([]Peer, 0, len(c.Members))
		for _, p := range c.Members {
			if p.Identity != chg.RemoveIdentity {
				out = append(out, p)
			}
		}
		return Config{Members: out}
	default:
		return c
	}
}

// WouldRemoveLastMember reports whether applying chg would leave the
// configuration empty, which spec.md §4.2.4 forbids outright.
func (c Config) WouldRemoveLastMember(chg raftmsg.ConfigChange) bool {
	return chg.IsRemove() && len(c.Members) == 1 && c.Contains(chg.RemoveIdentity)
}
