package codec

import (
	"bytes"

	"github.com/lattice-kv/raftkv/pkg/keyrange"
)

// PutKeyRange encodes a single half-open range.
func PutKeyRange(buf *bytes.Buffer, r keyrange.KeyRange) {
	PutBytes(buf, r.Min)
	PutOptionalBytes(buf, r.Max, r.Max != nil)
}

// ReadKeyRange decodes a value written by PutKeyRange.
func ReadKeyRange(r *bytes.Reader) (keyrange.KeyRange, error) {
	min, err := ReadBytes(r)
	if err != nil {
		return keyrange.KeyRange{}, err
	}
	max, present, err := ReadOptionalBytes(r)
	if err != nil {
		return keyrange.KeyRange{}, err
	}
	if !present {
		max = nil
	}
	return keyrange.KeyRange{Min: min, Max: max}, nil
}

// PutKeyRanges encodes a normalized KeyRanges set as a flat list of
// its constituent ranges, which are already sorted and non-overlapping.
func PutKeyRanges(buf *bytes.Buffer, rs keyrange.KeyRanges) {
	list := rs.AsList()
	PutUvarint(buf, uint64(len(list)))
	for _, r := range list {
		PutKeyRange(buf, r)
	}
}

// ReadKeyRanges decodes a value written by PutKeyRanges.
func ReadKeyRanges(r *bytes.Reader) (keyrange.KeyRanges, error) {
	n, err := ReadUvarint(r)
	if err != nil {
		return keyrange.KeyRanges{}, err
	}
	ranges := make([]keyrange.KeyRange, 0, n)
	for i := uint64(0); i < n; i++ {
		kr, err := ReadKeyRange(r)
		if err != nil {
			return keyrange.KeyRanges{}, err
		}
		ranges = append(ranges, kr)
	}
	return keyrange.New(ranges...), nil
}
