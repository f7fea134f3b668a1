package grpctransport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lattice-kv/raftkv/pkg/raftmsg"
)

type voteGrantingHandler struct{}

func (voteGrantingHandler) HandleRequest(ctx context.Context, senderID string, msg any) (any, error) {
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

func TestGRPCTransportRoundTrip(t *testing.T) {
	addrA := freeAddr(t)
	addrB := freeAddr(t)

	a, err := NewGRPCTransport("a", addrA, map[string]string{"b": addrB})
	require.NoError(t, err)
	defer a.Close()
	b, err := NewGRPCTransport("b", addrB, map[string]string{"a": addrA})
	require.NoError(t, err)
	defer b.Close()
	b.SetHandler(voteGrantingHandler{})

	go a.Serve()
	go b.Serve()
	time.Sleep(50 * time.Millisecond) // let both listeners come up

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	resp, err := a.Send(ctx, "b", raftmsg.RequestVoteRequest{
		Header: raftmsg.Header{Version: raftmsg.WireVersion, SenderID: "a", RecipientID: "b", Term: 1},
	})
	require.NoError(t, err)
	voteResp, ok := resp.(raftmsg.RequestVoteResponse)
	require.True(t, ok)
	require.True(t, voteResp.VoteGranted)
}

func TestGRPCTransportSendToUnknownPeer(t *testing.T) {
	addrA := freeAddr(t)
	a, err := NewGRPCTransport("a", addrA, nil)
	require.NoError(t, err)
	defer a.Close()
	go a.Serve()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = a.Send(ctx, "ghost", raftmsg.RequestVoteRequest{})
	require.Error(t, err)
}
