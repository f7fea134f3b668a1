package transport

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/lattice-kv/raftkv/internal/rlog"
	"github.com/lattice-kv/raftkv/pkg/raftmsg"
	"github.com/rs/zerolog"
)

const maxFrameSize = 64 << 20 // generous cap on snapshot chunk size

// TCPTransport is the production Transport: one long-lived connection
// per peer, framed as a 4-byte big-endian length prefix followed by a
// raftmsg-encoded payload.
type TCPTransport struct {
	localID  string
	listener net.Listener
	logger   zerolog.Logger

	addrMu sync.RWMutex
	addrs  map[string]string // peerID -> dial address

	connMu sync.Mutex
	conns  map[string]net.Conn

	handlerMu sync.RWMutex
	handler   Handler

	dialTimeout time.Duration

	closeOnce sync.Once
	closed    chan struct{}
}

// NewTCPTransport opens listenAddr and returns a transport ready to
// Serve and Send once peer addresses are known.
func NewTCPTransport(localID, listenAddr string, peerAddrs map[string]string) (*TCPTransport, error) {
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", listenAddr, err)
	}
	addrs := make(map[string]string, len(peerAddrs))
	for id, addr := range peerAddrs {
		addrs[id] = addr
	}
	return &TCPTransport{
		localID:     localID,
		listener:    ln,
		logger:      rlog.WithComponent("transport"),
		addrs:       addrs,
		conns:       make(map[string]net.Conn),
		dialTimeout: 5 * time.Second,
		closed:      make(chan struct{}),
	}, nil
}

func (t *TCPTransport) LocalID() string { return t.localID }

// SetHandler installs the Raft core as the receiver for inbound RPCs.
func (t *TCPTransport) SetHandler(h Handler) {
	t.handlerMu.Lock()
	t.handler = h
	t.handlerMu.Unlock()
}

// SetPeerAddress adds or updates the dial address for peerID, used
// when a membership change admits a new node.
func (t *TCPTransport) SetPeerAddress(peerID, addr string) {
	t.addrMu.Lock()
	t.addrs[peerID] = addr
	t.addrMu.Unlock()
}

// Serve accepts inbound connections until Close is called. Callers
// run it in its own goroutine.
func (t *TCPTransport) Serve() error {
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			select {
			case <-t.closed:
				return nil
			default:
				return fmt.Errorf("accept: %w", err)
			}
		}
		go t.serveConn(conn)
	}
}

func (t *TCPTransport) serveConn(conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)
	for {
		payload, err := readFrame(reader)
		if err != nil {
			if err != io.EOF {
				t.logger.Debug().Err(err).Msg("inbound frame read failed, closing connection")
			}
			return
		}
		msg, err := raftmsg.Decode(payload)
		if err != nil {
			t.logger.Warn().Err(err).Msg("failed to decode inbound message")
			return
		}

		t.handlerMu.RLock()
		h := t.handler
		t.handlerMu.RUnlock()
		if h == nil {
			t.logger.Warn().Msg("no handler registered, dropping connection")
			return
		}

		senderID := senderIDOf(msg)
		resp, err := h.HandleRequest(context.Background(), senderID, msg)
		if err != nil {
			t.logger.Warn().Err(err).Msg("handler returned error")
			return
		}
		respData, err := raftmsg.Encode(resp)
		if err != nil {
			t.logger.Warn().Err(err).Msg("failed to encode response")
			return
		}
		if err := writeFrame(conn, respData); err != nil {
			t.logger.Debug().Err(err).Msg("failed to write response frame")
			return
		}
	}
}

func senderIDOf(msg any) string {
	switch m := msg.(type) {
	case raftmsg.AppendRequest:
		return m.Header.SenderID
	case raftmsg.RequestVoteRequest:
		return m.Header.SenderID
	case raftmsg.InstallSnapshotRequest:
		return m.Header.SenderID
	case raftmsg.CommitRequest:
		return m.Header.SenderID
	default:
		return ""
	}
}

// Send dials (or reuses) a connection to peerID, writes msg as one
// frame, and blocks for the single response frame.
func (t *TCPTransport) Send(ctx context.Context, peerID string, msg any) (any, error) {
	data, err := raftmsg.Encode(msg)
	if err != nil {
		return nil, fmt.Errorf("encode message to %s: %w", peerID, err)
	}

	conn, err := t.connFor(peerID)
	if err != nil {
		return nil, err
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	} else {
		_ = conn.SetDeadline(time.Now().Add(t.dialTimeout))
	}

	if err := writeFrame(conn, data); err != nil {
		t.dropConn(peerID)
		return nil, fmt.Errorf("send to %s: %w", peerID, err)
	}

	respData, err := readFrame(bufio.NewReader(conn))
	if err != nil {
		t.dropConn(peerID)
		return nil, fmt.Errorf("read response from %s: %w", peerID, err)
	}
	return raftmsg.Decode(respData)
}

func (t *TCPTransport) connFor(peerID string) (net.Conn, error) {
	t.connMu.Lock()
	if c, ok := t.conns[peerID]; ok {
		t.connMu.Unlock()
		return c, nil
	}
	t.connMu.Unlock()

	t.addrMu.RLock()
	addr, ok := t.addrs[peerID]
	t.addrMu.RUnlock()
	if !ok {
		return nil, ErrUnknownPeer{PeerID: peerID}
	}

	conn, err := net.DialTimeout("tcp", addr, t.dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial %s at %s: %w", peerID, addr, err)
	}

	t.connMu.Lock()
	t.conns[peerID] = conn
	t.connMu.Unlock()
	return conn, nil
}

func (t *TCPTransport) dropConn(peerID string) {
	t.connMu.Lock()
	if c, ok := t.conns[peerID]; ok {
		c.Close()
		delete(t.conns, peerID)
	}
	t.connMu.Unlock()
}

func (t *TCPTransport) Close() error {
	t.closeOnce.Do(func() { close(t.closed) })
	t.connMu.Lock()
	for id, c := range t.conns {
		c.Close()
		delete(t.conns, id)
	}
	t.connMu.Unlock()
	return t.listener.Close()
}

func writeFrame(w io.Writer, payload []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func readFrame(r *bufio.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameSize {
		return nil, fmt.Errorf("frame size %d exceeds maximum %d", n, maxFrameSize)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}
