package grpctransport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/lattice-kv/raftkv/internal/rlog"
	"github.com/lattice-kv/raftkv/pkg/raftmsg"
	"github.com/lattice-kv/raftkv/pkg/transport"
	"github.com/rs/zerolog"
)

// GRPCTransport is a drop-in alternative to TCPTransport (pkg/transport
// satisfies transport.Transport either way): one gRPC server plus one
// long-lived client stream per peer, multiplexed by request ID.
type GRPCTransport struct {
	localID  string
	listener net.Listener
	server   *grpc.Server
	logger   zerolog.Logger

	addrMu sync.RWMutex
	addrs  map[string]string

	connMu sync.Mutex
	peers  map[string]*peerConn

	handlerMu sync.RWMutex
	handler   transport.Handler
}

type pendingCall struct {
	respCh chan []byte
	errCh  chan error
}

type peerConn struct {
	mu     sync.Mutex
	cc     *grpc.ClientConn
	stream grpc.ClientStream

	nextReqID atomic.Uint64

	pendingMu sync.Mutex
	pending   map[uint64]pendingCall
}

// NewGRPCTransport opens listenAddr as a gRPC server and returns a
// transport ready to Serve and Send once peer addresses are known.
func NewGRPCTransport(localID, listenAddr string, peerAddrs map[string]string) (*GRPCTransport, error) {
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", listenAddr, err)
	}
	addrs := make(map[string]string, len(peerAddrs))
	for id, addr := range peerAddrs {
		addrs[id] = addr
	}
	t := &GRPCTransport{
		localID:  localID,
		listener: ln,
		server:   grpc.NewServer(),
		logger:   rlog.WithComponent("grpctransport"),
		addrs:    addrs,
		peers:    make(map[string]*peerConn),
	}
	t.server.RegisterService(&serviceDesc, t)
	return t, nil
}

func (t *GRPCTransport) LocalID() string { return t.localID }

// SetHandler installs the Raft core as the receiver for inbound RPCs.
func (t *GRPCTransport) SetHandler(h transport.Handler) {
	t.handlerMu.Lock()
	t.handler = h
	t.handlerMu.Unlock()
}

// SetPeerAddress adds or updates the dial address for peerID, used
// when a membership change admits a new node.
func (t *GRPCTransport) SetPeerAddress(peerID, addr string) {
	t.addrMu.Lock()
	t.addrs[peerID] = addr
	t.addrMu.Unlock()
}

// Serve blocks accepting inbound RPCs until Close is called. Callers
// run it in its own goroutine.
func (t *GRPCTransport) Serve() error {
	return t.server.Serve(t.listener)
}

// Send delivers msg to peerID over its long-lived stream and blocks
// for the correlated response frame.
func (t *GRPCTransport) Send(ctx context.Context, peerID string, msg any) (any, error) {
	data, err := raftmsg.Encode(msg)
	if err != nil {
		return nil, fmt.Errorf("encode message to %s: %w", peerID, err)
	}

	pc, err := t.peerConnFor(ctx, peerID)
	if err != nil {
		return nil, err
	}

	reqID := pc.nextReqID.Add(1)
	call := pendingCall{respCh: make(chan []byte, 1), errCh: make(chan error, 1)}
	pc.pendingMu.Lock()
	pc.pending[reqID] = call
	pc.pendingMu.Unlock()
	defer func() {
		pc.pendingMu.Lock()
		delete(pc.pending, reqID)
		pc.pendingMu.Unlock()
	}()

	frame := joinFrame(reqID, data)
	pc.mu.Lock()
	err = pc.stream.SendMsg(&frame)
	pc.mu.Unlock()
	if err != nil {
		t.dropPeer(peerID)
		return nil, fmt.Errorf("send to %s: %w", peerID, err)
	}

	select {
	case respData := <-call.respCh:
		return raftmsg.Decode(respData)
	case err := <-call.errCh:
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *GRPCTransport) peerConnFor(ctx context.Context, peerID string) (*peerConn, error) {
	t.connMu.Lock()
	if pc, ok := t.peers[peerID]; ok {
		t.connMu.Unlock()
		return pc, nil
	}
	t.connMu.Unlock()

	t.addrMu.RLock()
	addr, ok := t.addrs[peerID]
	t.addrMu.RUnlock()
	if !ok {
		return nil, transport.ErrUnknownPeer{PeerID: peerID}
	}

	cc, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("dial %s at %s: %w", peerID, addr, err)
	}
	stream, err := newClientStream(context.Background(), cc)
	if err != nil {
		cc.Close()
		return nil, fmt.Errorf("open stream to %s at %s: %w", peerID, addr, err)
	}

	pc := &peerConn{cc: cc, stream: stream, pending: make(map[uint64]pendingCall)}
	go t.recvLoop(peerID, pc)

	t.connMu.Lock()
	t.peers[peerID] = pc
	t.connMu.Unlock()
	return pc, nil
}

func (t *GRPCTransport) recvLoop(peerID string, pc *peerConn) {
	for {
		var frame []byte
		if err := pc.stream.RecvMsg(&frame); err != nil {
			t.failAllPending(pc, err)
			t.dropPeer(peerID)
			return
		}
		reqID, payload, ok := splitFrame(frame)
		if !ok {
			continue
		}
		pc.pendingMu.Lock()
		call, exists := pc.pending[reqID]
		pc.pendingMu.Unlock()
		if exists {
			call.respCh <- payload
		}
	}
}

func (t *GRPCTransport) failAllPending(pc *peerConn, err error) {
	pc.pendingMu.Lock()
	defer pc.pendingMu.Unlock()
	for id, call := range pc.pending {
		call.errCh <- err
		delete(pc.pending, id)
	}
}

func (t *GRPCTransport) dropPeer(peerID string) {
	t.connMu.Lock()
	pc, ok := t.peers[peerID]
	if ok {
		delete(t.peers, peerID)
	}
	t.connMu.Unlock()
	if ok {
		pc.cc.Close()
	}
}

func (t *GRPCTransport) Close() error {
	t.connMu.Lock()
	for id, pc := range t.peers {
		pc.cc.Close()
		delete(t.peers, id)
	}
	t.connMu.Unlock()
	t.server.GracefulStop()
	return nil
}
