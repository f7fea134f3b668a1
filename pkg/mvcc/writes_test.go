package mvcc

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lattice-kv/raftkv/pkg/keyrange"
)

func TestWritesPutClearsPendingAdjust(t *testing.T) {
	w := NewWrites()
	w.Adjust([]byte("k"), 5)
	require.Contains(t, w.Adjusts, "k")

	w.Put([]byte("k"), []byte("v"))
	require.NotContains(t, w.Adjusts, "k")
	require.Equal(t, "v", string(w.Puts["k"]))
}

func TestWritesAdjustIgnoredWhenAlreadyPut(t *testing.T) {
	w := NewWrites()
	w.Put([]byte("k"), []byte("v"))
	w.Adjust([]byte("k"), 5)
	require.NotContains(t, w.Adjusts, "k")
}

func TestWritesRemoveDropsOverlappingPutsAndAdjusts(t *testing.T) {
	w := NewWrites()
	w.Put([]byte("a"), []byte("1"))
	w.Adjust([]byte("b"), 2)

	w.Remove(keyrange.KeyRange{Min: []byte("a"), Max: []byte("z")})
	require.Empty(t, w.Puts)
	require.Empty(t, w.Adjusts)
}

func TestWritesIsEmpty(t *testing.T) {
	w := NewWrites()
	require.True(t, w.IsEmpty())
	w.Put([]byte("k"), []byte("v"))
	require.False(t, w.IsEmpty())
}

func TestWritesPutKeysAndAdjustKeysSorted(t *testing.T) {
	w := NewWrites()
	w.Put([]byte("z"), []byte("1"))
	w.Put([]byte("a"), []byte("2"))
	w.Adjust([]byte("y"), 1)
	w.Adjust([]byte("b"), 1)

	require.Equal(t, []string{"a", "z"}, w.PutKeys())
	require.Equal(t, []string{"b", "y"}, w.AdjustKeys())
}

func TestWritesEqual(t *testing.T) {
	w1 := NewWrites()
	w1.Put([]byte("a"), []byte("1"))
	w1.Remove(keyrange.KeyRange{Min: []byte("x"), Max: []byte("y")})

	w2 := NewWrites()
	w2.Put([]byte("a"), []byte("1"))
	w2.Remove(keyrange.KeyRange{Min: []byte("x"), Max: []byte("y")})

	require.True(t, w1.Equal(w2))

	w2.Put([]byte("extra"), []byte("v"))
	require.False(t, w1.Equal(w2))
}

func TestReadsFindConflictEmptyCases(t *testing.T) {
	r := NewReads()
	w := NewWrites()
	w.Put([]byte("k"), []byte("v"))
	require.False(t, r.FindConflict(w)) // no reads tracked

	r.TrackKey([]byte("other"))
	require.False(t, r.FindConflict(NewWrites())) // no writes

	require.False(t, r.FindConflict(w)) // disjoint key
	r.TrackKey([]byte("k"))
	require.True(t, r.FindConflict(w))
}
