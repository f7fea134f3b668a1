package kv

import (
	"testing"

	"github.com/lattice-kv/raftkv/pkg/keyrange"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	dir := t.TempDir()
	s, err := NewBoltStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestMutatePutsThenReadsFromSnapshot(t *testing.T) {
	s := newTestStore(t)

	err := s.Mutate(Batch{
		Puts: map[string][]byte{"a": []byte("1"), "b": []byte("2")},
	}, true)
	require.NoError(t, err)

	snap, err := s.Snapshot()
	require.NoError(t, err)
	defer snap.Release()

	v, ok := snap.Get([]byte("a"))
	require.True(t, ok)
	require.Equal(t, "1", string(v))

	_, ok = snap.Get([]byte("missing"))
	require.False(t, ok)
}

func TestMutateOrderRemovesThenPutsThenAdjusts(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Mutate(Batch{
		Puts: map[string][]byte{"counter": encodeCounter(5)},
	}, true))

	// A batch that removes the key and re-establishes it via adjust in
	// the same call must apply in remove -> put -> adjust order, so the
	// adjust sees a zeroed counter, not the pre-remove value.
	require.NoError(t, s.Mutate(Batch{
		RemoveRanges: keyrange.New(keyrange.Single([]byte("counter"))),
		Adjusts:      map[string]int64{"counter": 3},
	}, true))

	snap, err := s.Snapshot()
	require.NoError(t, err)
	defer snap.Release()

	v, ok := snap.Get([]byte("counter"))
	require.True(t, ok)
	require.Equal(t, int64(3), decodeCounter(v))
}

func TestScanForwardAndReverse(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Mutate(Batch{
		Puts: map[string][]byte{"a": {1}, "b": {2}, "c": {3}},
	}, true))

	snap, err := s.Snapshot()
	require.NoError(t, err)
	defer snap.Release()

	var forward []string
	snap.Scan([]byte("a"), nil, false, func(k, v []byte) bool {
		forward = append(forward, string(k))
		return true
	})
	require.Equal(t, []string{"a", "b", "c"}, forward)

	var reverse []string
	snap.Scan([]byte("a"), nil, true, func(k, v []byte) bool {
		reverse = append(reverse, string(k))
		return true
	})
	require.Equal(t, []string{"c", "b", "a"}, reverse)

	var bounded []string
	snap.Scan([]byte("a"), []byte("c"), false, func(k, v []byte) bool {
		bounded = append(bounded, string(k))
		return true
	})
	require.Equal(t, []string{"a", "b"}, bounded)
}

func TestSnapshotIsolatedFromLaterMutations(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Mutate(Batch{Puts: map[string][]byte{"a": []byte("1")}}, true))

	snap, err := s.Snapshot()
	require.NoError(t, err)
	defer snap.Release()

	require.NoError(t, s.Mutate(Batch{Puts: map[string][]byte{"a": []byte("2")}}, true))

	v, ok := snap.Get([]byte("a"))
	require.True(t, ok)
	require.Equal(t, "1", string(v), "snapshot must not observe mutations committed after it was taken")
}
