package codec

import (
	"bytes"
	"fmt"

	"github.com/lattice-kv/raftkv/pkg/mvcc"
)

// EncodeWrites serializes a Writes batch as it is written into a log
// entry: remove ranges, then sorted put keys/values, then sorted
// adjust keys/deltas — mirroring the apply-time ordering so an entry's
// bytes read the same way they execute.
func EncodeWrites(w mvcc.Writes) []byte {
	var buf bytes.Buffer
	PutKeyRanges(&buf, w.RemoveRanges)

	putKeys := w.PutKeys()
	keys := make([][]byte, len(putKeys))
	for i, k := range putKeys {
		keys[i] = []byte(k)
	}
	PutSortedKeys(&buf, keys)
	for _, k := range putKeys {
		PutBytes(&buf, w.Puts[k])
	}

	adjustKeys := w.AdjustKeys()
	akeys := make([][]byte, len(adjustKeys))
	for i, k := range adjustKeys {
		akeys[i] = []byte(k)
	}
	PutSortedKeys(&buf, akeys)
	for _, k := range adjustKeys {
		PutVarint(&buf, w.Adjusts[k])
	}

	return buf.Bytes()
}

// DecodeWrites decodes a value written by EncodeWrites.
func DecodeWrites(data []byte) (mvcc.Writes, error) {
	r := bytes.NewReader(data)
	w := mvcc.NewWrites()

	ranges, err := ReadKeyRanges(r)
	if err != nil {
		return mvcc.Writes{}, fmt.Errorf("decode remove ranges: %w", err)
	}
	w.RemoveRanges = ranges

	putKeys, err := ReadSortedKeys(r)
	if err != nil {
		return mvcc.Writes{}, fmt.Errorf("decode put keys: %w", err)
	}
	for _, k := range putKeys {
		v, err := ReadBytes(r)
		if err != nil {
			return mvcc.Writes{}, fmt.Errorf("decode put value: %w", err)
		}
		w.Puts[string(k)] = v
	}

	adjustKeys, err := ReadSortedKeys(r)
	if err != nil {
		return mvcc.Writes{}, fmt.Errorf("decode adjust keys: %w", err)
	}
	for _, k := range adjustKeys {
		delta, err := ReadVarint(r)
		if err != nil {
			return mvcc.Writes{}, fmt.Errorf("decode adjust delta: %w", err)
		}
		w.Adjusts[string(k)] = delta
	}

	return w, nil
}

// EncodeReads serializes a transaction's tracked read ranges, carried
// in its CommitRequest so the leader can check them for conflicts.
func EncodeReads(r *mvcc.Reads) []byte {
	var buf bytes.Buffer
	PutKeyRanges(&buf, r.Ranges())
	return buf.Bytes()
}

// DecodeReads decodes a value written by EncodeReads.
func DecodeReads(data []byte) (*mvcc.Reads, error) {
	reader := bytes.NewReader(data)
	ranges, err := ReadKeyRanges(reader)
	if err != nil {
		return nil, fmt.Errorf("decode read ranges: %w", err)
	}
	reads := mvcc.NewReads()
	for _, rg := range ranges.AsList() {
		reads.Track(rg)
	}
	return reads, nil
}
