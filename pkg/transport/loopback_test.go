package transport

import (
	"context"
	"testing"

	"github.com/lattice-kv/raftkv/pkg/raftmsg"
	"github.com/stretchr/testify/require"
)

type echoHandler struct{}

func (echoHandler) HandleRequest(ctx context.Context, senderID string, msg any) (any, error) {
	req := msg.(raftmsg.RequestVoteRequest)
	return raftmsg.RequestVoteResponse{Header: req.Header, VoteGranted: true}, nil
}

func TestLoopbackDeliversToRegisteredHandler(t *testing.T) {
	net := NewLoopbackNetwork()
	a := net.NewTransport("a")
	b := net.NewTransport("b")
	b.SetHandler(echoHandler{})

	resp, err := a.Send(context.Background(), "b", raftmsg.RequestVoteRequest{
		Header: raftmsg.Header{SenderID: "a", RecipientID: "b", Term: 1},
	})
	require.NoError(t, err)
	require.True(t, resp.(raftmsg.RequestVoteResponse).VoteGranted)
}

func TestLoopbackUnknownPeerErrors(t *testing.T) {
	net := NewLoopbackNetwork()
	a := net.NewTransport("a")
	_, err := a.Send(context.Background(), "ghost", raftmsg.RequestVoteRequest{})
	require.Error(t, err)
	require.ErrorAs(t, err, &ErrUnknownPeer{})
}

func TestLoopbackPartitionBlocksDelivery(t *testing.T) {
	net := NewLoopbackNetwork()
	a := net.NewTransport("a")
	b := net.NewTransport("b")
	b.SetHandler(echoHandler{})

	a.Partition("b")
	_, err := a.Send(context.Background(), "b", raftmsg.RequestVoteRequest{})
	require.Error(t, err)

	a.Heal("b")
	_, err = a.Send(context.Background(), "b", raftmsg.RequestVoteRequest{})
	require.NoError(t, err)
}
