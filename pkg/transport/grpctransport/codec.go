// Package grpctransport carries Raft RPCs over a gRPC bidirectional
// stream instead of the bespoke TCP framing in pkg/transport/tcp.go.
// Every frame is already a raftmsg-encoded byte string (spec.md §6's
// wire format); this package never touches protobuf message
// definitions, it just rides gRPC's HTTP/2 streaming and connection
// management the way the teacher project's pkg/api and pkg/client
// ride it for their own RPCs.
package grpctransport

import (
	"fmt"

	"google.golang.org/grpc/encoding"
)

// codecName is the gRPC content-subtype this transport registers
// itself under, selected per-call so the default protobuf codec never
// gets a chance to reject our frames for not implementing
// proto.Message.
const codecName = "raftkv-raw"

// rawCodec marshals and unmarshals gRPC messages as plain byte
// slices. Raft frames are already encoded by pkg/raftmsg; there is no
// protobuf schema to generate code from (spec.md §6 specifies the
// wire format directly), so this codec is the thinnest thing that
// lets gRPC carry arbitrary bytes instead of requiring one.
type rawCodec struct{}

func (rawCodec) Name() string { return codecName }

func (rawCodec) Marshal(v any) ([]byte, error) {
	b, ok := v.(*[]byte)
	if !ok {
		return nil, fmt.Errorf("grpctransport: codec cannot marshal %T", v)
	}
	return *b, nil
}

func (rawCodec) Unmarshal(data []byte, v any) error {
	b, ok := v.(*[]byte)
	if !ok {
		return fmt.Errorf("grpctransport: codec cannot unmarshal into %T", v)
	}
	*b = append((*b)[:0], data...)
	return nil
}

func init() {
	encoding.RegisterCodec(rawCodec{})
}
