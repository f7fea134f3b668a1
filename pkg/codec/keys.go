package codec

import "bytes"

// PutSortedKeys encodes a lexicographically sorted list of keys using
// shared-prefix compression: each key after the first stores only how
// many leading bytes it shares with its predecessor plus the
// remaining suffix, the same trick the LongEncoder/UnsignedIntEncoder
// style delta-codes sorted integer sequences (spec.md §6). Callers
// must pass keys already sorted; this package does not sort for them.
func PutSortedKeys(buf *bytes.Buffer, keys [][]byte) {
	PutUvarint(buf, uint64(len(keys)))
	var prev []byte
	for _, k := range keys {
		shared := commonPrefixLen(prev, k)
		PutUvarint(buf, uint64(shared))
		PutBytes(buf, k[shared:])
		prev = k
	}
}

// ReadSortedKeys decodes a list written by PutSortedKeys.
func ReadSortedKeys(r *bytes.Reader) ([][]byte, error) {
	n, err := ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	keys := make([][]byte, 0, n)
	var prev []byte
	for i := uint64(0); i < n; i++ {
		shared, err := ReadUvarint(r)
		if err != nil {
			return nil, err
		}
		if int(shared) > len(prev) {
			return nil, ErrTruncated
		}
		suffix, err := ReadBytes(r)
		if err != nil {
			return nil, err
		}
		key := make([]byte, 0, int(shared)+len(suffix))
		key = append(key, prev[:shared]...)
		key = append(key, suffix...)
		keys = append(keys, key)
		prev = key
	}
	return keys, nil
}

func commonPrefixLen(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}
