package codec

import (
	"bytes"
	"testing"

	"github.com/lattice-kv/raftkv/pkg/keyrange"
	"github.com/lattice-kv/raftkv/pkg/mvcc"
	"github.com/stretchr/testify/require"
)

func TestVarintRoundTrip(t *testing.T) {
	for _, v := range []uint64{0, 1, 127, 128, 300, 1 << 40} {
		var buf bytes.Buffer
		PutUvarint(&buf, v)
		got, err := ReadUvarint(bytes.NewReader(buf.Bytes()))
		require.NoError(t, err)
		require.Equal(t, v, got)
	}
}

func TestSignedVarintRoundTripHandlesNegatives(t *testing.T) {
	for _, v := range []int64{0, -1, 1, -1000, 1000, -(1 << 40)} {
		var buf bytes.Buffer
		PutVarint(&buf, v)
		got, err := ReadVarint(bytes.NewReader(buf.Bytes()))
		require.NoError(t, err)
		require.Equal(t, v, got)
	}
}

func TestBytesRoundTripDistinguishesNilFromEmpty(t *testing.T) {
	var buf bytes.Buffer
	PutOptionalBytes(&buf, nil, false)
	PutOptionalBytes(&buf, []byte{}, true)
	PutOptionalBytes(&buf, []byte("hi"), true)

	r := bytes.NewReader(buf.Bytes())
	_, present, err := ReadOptionalBytes(r)
	require.NoError(t, err)
	require.False(t, present)

	v, present, err := ReadOptionalBytes(r)
	require.NoError(t, err)
	require.True(t, present)
	require.Empty(t, v)

	v, present, err = ReadOptionalBytes(r)
	require.NoError(t, err)
	require.True(t, present)
	require.Equal(t, "hi", string(v))
}

func TestSortedKeysRoundTrip(t *testing.T) {
	keys := [][]byte{[]byte("app"), []byte("apple"), []byte("apply"), []byte("banana")}
	var buf bytes.Buffer
	PutSortedKeys(&buf, keys)

	got, err := ReadSortedKeys(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	require.Len(t, got, len(keys))
	for i := range keys {
		require.Equal(t, string(keys[i]), string(got[i]))
	}
}

func TestKeyRangeRoundTripUnboundedMax(t *testing.T) {
	var buf bytes.Buffer
	r := keyrange.KeyRange{Min: []byte("a"), Max: nil}
	PutKeyRange(&buf, r)

	got, err := ReadKeyRange(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	require.Equal(t, "a", string(got.Min))
	require.Nil(t, got.Max)
}

func TestKeyRangesRoundTrip(t *testing.T) {
	rs := keyrange.New(keyrange.Single([]byte("a")), keyrange.Prefix([]byte("z")))
	var buf bytes.Buffer
	PutKeyRanges(&buf, rs)

	got, err := ReadKeyRanges(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	require.Equal(t, rs.AsList(), got.AsList())
}

func TestEncodeDecodeWritesRoundTrip(t *testing.T) {
	w := mvcc.NewWrites()
	w.Put([]byte("x"), []byte("1"))
	w.Put([]byte("y"), []byte("2"))
	w.Adjust([]byte("counter"), 5)
	w.Remove(keyrange.Single([]byte("z")))

	data := EncodeWrites(w)
	got, err := DecodeWrites(data)
	require.NoError(t, err)
	require.True(t, w.Equal(got))
}

func TestEncodeDecodeReadsRoundTrip(t *testing.T) {
	reads := mvcc.NewReads()
	reads.TrackKey([]byte("a"))
	reads.Track(keyrange.Prefix([]byte("b")))

	data := EncodeReads(reads)
	got, err := DecodeReads(data)
	require.NoError(t, err)
	require.Equal(t, reads.Ranges().AsList(), got.Ranges().AsList())
}

func TestReadTruncatedInputErrors(t *testing.T) {
	_, err := ReadUvarint(bytes.NewReader(nil))
	require.ErrorIs(t, err, ErrTruncated)

	_, err = ReadBytes(bytes.NewReader([]byte{5}))
	require.Error(t, err)
}
