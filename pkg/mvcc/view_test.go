package mvcc

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lattice-kv/raftkv/pkg/kv"
)

func newTestView(t *testing.T, store kv.AtomicKVStore) *View {
	t.Helper()
	snap, err := store.Snapshot()
	require.NoError(t, err)
	return NewView(snap)
}

func TestViewGetSeesOwnPendingWrites(t *testing.T) {
	store, err := kv.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	v := newTestView(t, store)
	defer v.Close()

	_, ok := v.Get([]byte("a"))
	require.False(t, ok)

	v.Put([]byte("a"), []byte("1"))
	val, ok := v.Get([]byte("a"))
	require.True(t, ok)
	require.Equal(t, "1", string(val))
}

func TestViewRemoveShadowsBaseValue(t *testing.T) {
	store, err := kv.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Mutate(kv.Batch{Puts: map[string][]byte{"a": []byte("base")}}, false))

	v := newTestView(t, store)
	defer v.Close()

	val, ok := v.Get([]byte("a"))
	require.True(t, ok)
	require.Equal(t, "base", string(val))

	v.Remove([]byte("a"))
	_, ok = v.Get([]byte("a"))
	require.False(t, ok)
}

func TestViewAdjustCounterLayersOverBase(t *testing.T) {
	store, err := kv.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Mutate(kv.Batch{Adjusts: map[string]int64{"c": 5}}, false))

	v := newTestView(t, store)
	defer v.Close()

	v.AdjustCounter([]byte("c"), 3)
	val, ok := v.Get([]byte("c"))
	require.True(t, ok)
	require.Equal(t, int64(8), decodeCounter(val))
}

func TestViewGetRangeMergesOverlayAndBase(t *testing.T) {
	store, err := kv.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Mutate(kv.Batch{Puts: map[string][]byte{
		"a": []byte("1"),
		"b": []byte("2"),
		"c": []byte("3"),
	}}, false))

	v := newTestView(t, store)
	defer v.Close()

	v.Put([]byte("b"), []byte("overwritten"))
	v.Remove([]byte("c"))
	v.Put([]byte("d"), []byte("new"))

	var got []string
	v.GetRange(nil, nil, false, func(k, val []byte) bool {
		got = append(got, string(k)+"="+string(val))
		return true
	})
	require.Equal(t, []string{"a=1", "b=overwritten", "d=new"}, got)
}

func TestViewGetRangeReverse(t *testing.T) {
	store, err := kv.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Mutate(kv.Batch{Puts: map[string][]byte{
		"a": []byte("1"),
		"b": []byte("2"),
	}}, false))

	v := newTestView(t, store)
	defer v.Close()

	var got []string
	v.GetRange(nil, nil, true, func(k, val []byte) bool {
		got = append(got, string(k))
		return true
	})
	require.Equal(t, []string{"b", "a"}, got)
}

func TestViewGetAtLeastAndAtMost(t *testing.T) {
	store, err := kv.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Mutate(kv.Batch{Puts: map[string][]byte{
		"a": []byte("1"),
		"c": []byte("3"),
	}}, false))

	v := newTestView(t, store)
	defer v.Close()

	fk, fv, ok := v.GetAtLeast([]byte("b"))
	require.True(t, ok)
	require.Equal(t, "c", string(fk))
	require.Equal(t, "3", string(fv))

	fk, fv, ok = v.GetAtMost([]byte("c"))
	require.True(t, ok)
	require.Equal(t, "a", string(fk))
	require.Equal(t, "1", string(fv))
}

func TestViewRebasePreservesPendingWrites(t *testing.T) {
	store, err := kv.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	v := newTestView(t, store)
	defer v.Close()
	v.Put([]byte("pending"), []byte("v"))

	require.NoError(t, store.Mutate(kv.Batch{Puts: map[string][]byte{"committed": []byte("w")}}, false))
	snap2, err := store.Snapshot()
	require.NoError(t, err)
	v.Rebase(snap2)

	val, ok := v.Get([]byte("pending"))
	require.True(t, ok)
	require.Equal(t, "v", string(val))

	val, ok = v.Get([]byte("committed"))
	require.True(t, ok)
	require.Equal(t, "w", string(val))
}

func TestViewTracksReadsForConflictDetection(t *testing.T) {
	store, err := kv.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	v := newTestView(t, store)
	defer v.Close()

	require.True(t, v.Reads().IsEmpty())
	_, _ = v.Get([]byte("k"))
	require.False(t, v.Reads().IsEmpty())

	w := NewWrites()
	w.Put([]byte("k"), []byte("x"))
	require.True(t, v.Reads().FindConflict(w))

	other := NewWrites()
	other.Put([]byte("unrelated"), []byte("x"))
	require.False(t, v.Reads().FindConflict(other))
}

func TestViewHasWrites(t *testing.T) {
	store, err := kv.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	v := newTestView(t, store)
	defer v.Close()

	require.False(t, v.HasWrites())
	v.Put([]byte("k"), []byte("v"))
	require.True(t, v.HasWrites())
}
