package grpctransport

import "encoding/binary"

// A stream frame is an 8-byte big-endian request ID (so many in-flight
// Send calls can share one long-lived stream per peer, mirroring
// TCPTransport's one-connection-per-peer model) followed by the
// raftmsg-encoded payload.
func joinFrame(reqID uint64, payload []byte) []byte {
	out := make([]byte, 8+len(payload))
	binary.BigEndian.PutUint64(out, reqID)
	copy(out[8:], payload)
	return out
}

func splitFrame(frame []byte) (reqID uint64, payload []byte, ok bool) {
	if len(frame) < 8 {
		return 0, nil, false
	}
	return binary.BigEndian.Uint64(frame[:8]), frame[8:], true
}
