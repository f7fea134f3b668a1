package grpctransport

import (
	"context"
	"io"

	"google.golang.org/grpc"

	"github.com/lattice-kv/raftkv/pkg/raftmsg"
	"github.com/lattice-kv/raftkv/pkg/transport"
)

// serviceName/methodName name the single streaming RPC this transport
// exposes. There is no .proto file: the service descriptor below is
// written by hand against gRPC's low-level stream API, the same way
// pkg/transport/tcp.go hand-frames its own wire protocol instead of
// generating one.
const (
	serviceName = "raftkv.transport.RaftTransport"
	methodName  = "Exchange"
	fullMethod  = "/" + serviceName + "/" + methodName
)

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*any)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    methodName,
			Handler:       exchangeHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "raftkv/transport.proto",
}

var clientStreamDesc = &grpc.StreamDesc{
	StreamName:    methodName,
	ServerStreams: true,
	ClientStreams: true,
}

// exchangeHandler is the server-side loop for one peer's long-lived
// stream: read a frame, dispatch it to the registered transport.Handler,
// write back the correlated response frame. It runs until the peer
// closes the stream.
func exchangeHandler(srv any, stream grpc.ServerStream) error {
	t := srv.(*GRPCTransport)
	for {
		var frame []byte
		if err := stream.RecvMsg(&frame); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		reqID, payload, ok := splitFrame(frame)
		if !ok {
			continue
		}

		msg, err := raftmsg.Decode(payload)
		if err != nil {
			t.logger.Warn().Err(err).Msg("grpctransport: failed to decode inbound frame")
			continue
		}

		h := t.currentHandler()
		if h == nil {
			t.logger.Warn().Msg("grpctransport: no handler registered, dropping frame")
			continue
		}

		resp, err := h.HandleRequest(stream.Context(), senderIDOf(msg), msg)
		if err != nil {
			t.logger.Warn().Err(err).Msg("grpctransport: handler returned error")
			continue
		}
		respData, err := raftmsg.Encode(resp)
		if err != nil {
			t.logger.Warn().Err(err).Msg("grpctransport: failed to encode response")
			continue
		}
		out := joinFrame(reqID, respData)
		if err := stream.SendMsg(&out); err != nil {
			return err
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

func (t *GRPCTransport) currentHandler() transport.Handler {
	t.handlerMu.RLock()
	defer t.handlerMu.RUnlock()
	return t.handler
}

// newClientStream opens the single long-lived Exchange stream to cc,
// used once per peerConn and multiplexed by request ID thereafter.
func newClientStream(ctx context.Context, cc grpc.ClientConnInterface) (grpc.ClientStream, error) {
	return cc.NewStream(ctx, clientStreamDesc, fullMethod, grpc.CallContentSubtype(codecName))
}
