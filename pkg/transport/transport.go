// Package transport carries Raft RPCs between nodes. It deliberately
// exposes a small synchronous interface rather than a generated RPC
// stub: callers send a typed raftmsg request and block for the typed
// response, the way the teacher project's pkg/client wraps its own
// RPC surface in a plain method per call.
package transport

import (
	"context"
	"fmt"
)

// Transport sends Raft RPCs to a named peer and waits for the reply.
// msg and the returned value are always one of the raftmsg request or
// response structs; the network implementations marshal them with
// raftmsg.Encode/Decode, while LoopbackTransport passes them through
// unencoded.
type Transport interface {
	// Send delivers msg to peerID and returns its response. It returns
	// an error if the peer is unreachable, closes the connection, or
	// replies with something that fails to decode — never for an
	// application-level rejection, which is carried in the response
	// value itself (e.g. AppendResponse.Success == false).
	Send(ctx context.Context, peerID string, msg any) (any, error)

	// LocalID is this node's own identity.
	LocalID() string

	// Serve runs the transport's inbound listen loop until Close is
	// called. Implementations with no real listener (LoopbackTransport)
	// return nil immediately.
	Serve() error

	Close() error
}

// Handler processes an inbound RPC and returns the response to send
// back. Raft core registers itself as the Handler for the requests a
// Transport receives.
type Handler interface {
	HandleRequest(ctx context.Context, senderID string, msg any) (any, error)
}

// ErrUnknownPeer is returned by Send when peerID is not in the
// transport's address book.
type ErrUnknownPeer struct{ PeerID string }

func (e ErrUnknownPeer) Error() string {
	return fmt.Sprintf("transport: unknown peer %q", e.PeerID)
}
