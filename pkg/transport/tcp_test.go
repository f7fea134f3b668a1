package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lattice-kv/raftkv/pkg/raftmsg"
)

type echoHandler struct{}

func (echoHandler) HandleRequest(ctx context.Context, senderID string, msg any) (any, error) {
	req := msg.(raftmsg.RequestVoteRequest)
	return raftmsg.RequestVoteResponse{
		Header:      raftmsg.Header{Version: raftmsg.WireVersion, SenderID: req.Header.RecipientID, RecipientID: senderID, Term: req.Header.Term},
		VoteGranted: true,
	}, nil
}

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	l.Close()
	return addr
}

func TestTCPTransportRoundTrip(t *testing.T) {
	addrA := freeAddr(t)
	addrB := freeAddr(t)

	a, err := NewTCPTransport("a", addrA, map[string]string{"b": addrB})
	require.NoError(t, err)
	defer a.Close()
	b, err := NewTCPTransport("b", addrB, map[string]string{"a": addrA})
	require.NoError(t, err)
	defer b.Close()
	b.SetHandler(echoHandler{})

	go a.Serve()
	go b.Serve()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := a.Send(ctx, "b", raftmsg.RequestVoteRequest{
		Header: raftmsg.Header{Version: raftmsg.WireVersion, SenderID: "a", RecipientID: "b", Term: 1},
	})
	require.NoError(t, err)
	voteResp, ok := resp.(raftmsg.RequestVoteResponse)
	require.True(t, ok)
	require.True(t, voteResp.VoteGranted)
}

func TestTCPTransportSendToUnknownPeer(t *testing.T) {
	addrA := freeAddr(t)
	a, err := NewTCPTransport("a", addrA, nil)
	require.NoError(t, err)
	defer a.Close()
	go a.Serve()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = a.Send(ctx, "ghost", raftmsg.RequestVoteRequest{})
	require.Error(t, err)
	var unknown ErrUnknownPeer
	require.ErrorAs(t, err, &unknown)
}

func TestTCPTransportCloseStopsServe(t *testing.T) {
	addrA := freeAddr(t)
	a, err := NewTCPTransport("a", addrA, nil)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- a.Serve() }()

	require.NoError(t, a.Close())
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Serve did not return after Close")
	}
}
