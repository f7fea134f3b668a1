// Package codec implements the wire format used to persist log
// entries and exchange Raft RPCs: varint length prefixes,
// variable-length unsigned integers, and shared-prefix compression
// for sorted key lists (spec.md §6). It is a small hand-rolled binary
// codec, not a generic serialization framework — every message type
// in this system is known ahead of time and encodes/decodes itself
// directly against a byte stream.
package codec

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ErrTruncated is returned when the input ends before a complete
// value could be decoded.
var ErrTruncated = errors.New("codec: truncated input")

// PutUvarint appends v to buf as a little-endian base-128 varint, the
// same encoding binary.PutUvarint uses, chosen so small values (the
// overwhelmingly common case for counts and deltas) cost one byte.
func PutUvarint(buf *bytes.Buffer, v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	buf.Write(tmp[:n])
}

// ReadUvarint decodes a varint previously written by PutUvarint.
func ReadUvarint(r *bytes.Reader) (uint64, error) {
	v, err := binary.ReadUvarint(r)
	if err != nil {
		if err == io.EOF {
			return 0, ErrTruncated
		}
		return 0, err
	}
	return v, nil
}

// PutVarint appends a signed value using zigzag encoding so small
// magnitude negative values (common for counter adjusts) stay cheap.
func PutVarint(buf *bytes.Buffer, v int64) {
	PutUvarint(buf, zigzagEncode(v))
}

// ReadVarint decodes a value written by PutVarint.
func ReadVarint(r *bytes.Reader) (int64, error) {
	u, err := ReadUvarint(r)
	if err != nil {
		return 0, err
	}
	return zigzagDecode(u), nil
}

func zigzagEncode(v int64) uint64 {
	return uint64((v << 1) ^ (v >> 63))
}

func zigzagDecode(u uint64) int64 {
	return int64(u>>1) ^ -int64(u&1)
}

// PutBytes appends a length-prefixed byte string. A nil slice and an
// empty slice both round-trip as length 0; callers that must
// distinguish nil from empty use PutOptionalBytes instead.
func PutBytes(buf *bytes.Buffer, b []byte) {
	PutUvarint(buf, uint64(len(b)))
	buf.Write(b)
}

// ReadBytes decodes a value written by PutBytes.
func ReadBytes(r *bytes.Reader) ([]byte, error) {
	n, err := ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	if int64(n) > int64(r.Len()) {
		return nil, ErrTruncated
	}
	out := make([]byte, n)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("read %d bytes: %w", n, err)
	}
	return out, nil
}

// PutOptionalBytes distinguishes a present-but-empty slice from an
// absent one, needed for KeyRange.Max where nil means "unbounded".
func PutOptionalBytes(buf *bytes.Buffer, b []byte, present bool) {
	if !present {
		buf.WriteByte(0)
		return
	}
	buf.WriteByte(1)
	PutBytes(buf, b)
}

// ReadOptionalBytes decodes a value written by PutOptionalBytes.
func ReadOptionalBytes(r *bytes.Reader) ([]byte, bool, error) {
	tag, err := r.ReadByte()
	if err != nil {
		return nil, false, ErrTruncated
	}
	if tag == 0 {
		return nil, false, nil
	}
	b, err := ReadBytes(r)
	if err != nil {
		return nil, false, err
	}
	if b == nil {
		b = []byte{}
	}
	return b, true, nil
}
