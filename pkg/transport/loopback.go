package transport

import (
	"context"
	"fmt"
	"sync"
)

// LoopbackNetwork is a shared, in-process switchboard used by the
// multi-node test harness: every node's LoopbackTransport registers
// itself here, and Send on one transport calls straight into another
// transport's Handler without touching a socket. Partition/Heal let
// tests simulate a network split deterministically.
type LoopbackNetwork struct {
	mu    sync.Mutex
	nodes map[string]*LoopbackTransport
}

// NewLoopbackNetwork returns an empty switchboard.
func NewLoopbackNetwork() *LoopbackNetwork {
	return &LoopbackNetwork{nodes: make(map[string]*LoopbackTransport)}
}

// NewTransport creates and registers a transport for id on this
// network.
func (n *LoopbackNetwork) NewTransport(id string) *LoopbackTransport {
	t := &LoopbackTransport{
		id:          id,
		network:     n,
		partitioned: make(map[string]bool),
	}
	n.mu.Lock()
	n.nodes[id] = t
	n.mu.Unlock()
	return t
}

func (n *LoopbackNetwork) lookup(id string) (*LoopbackTransport, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	t, ok := n.nodes[id]
	return t, ok
}

func (n *LoopbackNetwork) remove(id string) {
	n.mu.Lock()
	delete(n.nodes, id)
	n.mu.Unlock()
}

// LoopbackTransport is one node's endpoint on a LoopbackNetwork.
type LoopbackTransport struct {
	id      string
	network *LoopbackNetwork

	mu          sync.RWMutex
	handler     Handler
	partitioned map[string]bool
}

// SetHandler installs the Raft core as the receiver for inbound RPCs.
func (t *LoopbackTransport) SetHandler(h Handler) {
	t.mu.Lock()
	t.handler = h
	t.mu.Unlock()
}

func (t *LoopbackTransport) LocalID() string { return t.id }

// Serve is a no-op: a LoopbackTransport has no listener of its own,
// inbound requests arrive via the peer's Send call straight into
// HandleRequest.
func (t *LoopbackTransport) Serve() error { return nil }

// Partition cuts this transport off from peerID in both directions:
// Send checks the partition set of the sender and of the recipient,
// so peerID cannot reach this transport either.
func (t *LoopbackTransport) Partition(peerID string) {
	t.mu.Lock()
	t.partitioned[peerID] = true
	t.mu.Unlock()
}

// Heal reverses a prior Partition call.
func (t *LoopbackTransport) Heal(peerID string) {
	t.mu.Lock()
	delete(t.partitioned, peerID)
	t.mu.Unlock()
}

func (t *LoopbackTransport) Send(ctx context.Context, peerID string, msg any) (any, error) {
	t.mu.RLock()
	blocked := t.partitioned[peerID]
	t.mu.RUnlock()
	if blocked {
		return nil, fmt.Errorf("transport: %s cannot reach %s (partitioned)", t.id, peerID)
	}

	peer, ok := t.network.lookup(peerID)
	if !ok {
		return nil, ErrUnknownPeer{PeerID: peerID}
	}
	peer.mu.RLock()
	peerBlocked := peer.partitioned[t.id]
	handler := peer.handler
	peer.mu.RUnlock()
	if peerBlocked {
		return nil, fmt.Errorf("transport: %s cannot reach %s (partitioned)", t.id, peerID)
	}
	if handler == nil {
		return nil, fmt.Errorf("transport: peer %s has no handler registered", peerID)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	return handler.HandleRequest(ctx, t.id, msg)
}

func (t *LoopbackTransport) Close() error {
	t.network.remove(t.id)
	return nil
}
