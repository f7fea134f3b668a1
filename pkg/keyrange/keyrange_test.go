package keyrange

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func k(s string) []byte { return []byte(s) }

func TestKeyRangesNormalization(t *testing.T) {
	kr := New(
		KeyRange{Min: k("d"), Max: k("f")},
		KeyRange{Min: k("a"), Max: k("c")},
		KeyRange{Min: k("b"), Max: k("e")}, // overlaps both of the above
	)

	list := kr.AsList()
	require.Len(t, list, 1, "overlapping/adjacent ranges must coalesce into one")
	assert.Equal(t, k("a"), list[0].Min)
	assert.Equal(t, k("f"), list[0].Max)
}

func TestKeyRangesNoAdjacentOrOverlapping(t *testing.T) {
	kr := New(
		KeyRange{Min: k("a"), Max: k("b")},
		KeyRange{Min: k("c"), Max: k("d")},
	)
	list := kr.AsList()
	require.Len(t, list, 2)
	for i := 1; i < len(list); i++ {
		assert.False(t, list[i-1].Overlaps(list[i]))
		assert.False(t, adjacent(list[i-1], list[i]))
	}
}

func TestKeyRangesContains(t *testing.T) {
	kr := New(KeyRange{Min: k("a"), Max: k("c")}, KeyRange{Min: k("m"), Max: nil})
	assert.True(t, kr.Contains(k("a")))
	assert.True(t, kr.Contains(k("b")))
	assert.False(t, kr.Contains(k("c")))
	assert.True(t, kr.Contains(k("zzz")))
	assert.False(t, kr.Contains(k("d")))
}

func TestUnionMatchesPointwiseOr(t *testing.T) {
	a := New(KeyRange{Min: k("a"), Max: k("d")})
	b := New(KeyRange{Min: k("c"), Max: k("f")})
	u := a.Union(b)

	for _, key := range []string{"a", "b", "c", "d", "e", "f", "g"} {
		want := a.Contains(k(key)) || b.Contains(k(key))
		assert.Equal(t, want, u.Contains(k(key)), "key %q", key)
	}
}

func TestIntersectMatchesPointwiseAnd(t *testing.T) {
	a := New(KeyRange{Min: k("a"), Max: k("d")})
	b := New(KeyRange{Min: k("c"), Max: k("f")})
	i := a.Intersect(b)

	for _, key := range []string{"a", "b", "c", "d", "e", "f"} {
		want := a.Contains(k(key)) && b.Contains(k(key))
		assert.Equal(t, want, i.Contains(k(key)), "key %q", key)
	}
}

func TestInverse(t *testing.T) {
	a := New(KeyRange{Min: k("b"), Max: k("d")})
	inv := a.Inverse()
	assert.True(t, inv.Contains(k("a")))
	assert.False(t, inv.Contains(k("b")))
	assert.False(t, inv.Contains(k("c")))
	assert.True(t, inv.Contains(k("d")))
	assert.True(t, inv.Contains(k("zzz")))
}

func TestIntersectsConflictPredicate(t *testing.T) {
	reads := New(KeyRange{Min: k("x"), Max: k("y")})
	writesNoConflict := New(KeyRange{Min: k("a"), Max: k("b")})
	writesConflict := New(KeyRange{Min: k("w"), Max: k("z")})

	assert.False(t, reads.Intersects(writesNoConflict))
	assert.True(t, reads.Intersects(writesConflict))
}

func TestSingleAndPrefix(t *testing.T) {
	single := Single(k("foo"))
	assert.True(t, single.Contains(k("foo")))
	assert.False(t, single.Contains(k("foo\x00")))

	prefix := Prefix(k("foo"))
	assert.True(t, prefix.Contains(k("foo")))
	assert.True(t, prefix.Contains(k("foobar")))
	assert.False(t, prefix.Contains(k("fop")))
	assert.False(t, prefix.Contains(k("fo")))
}

func TestSeekHigherAndLower(t *testing.T) {
	kr := New(KeyRange{Min: k("b"), Max: k("d")}, KeyRange{Min: k("f"), Max: k("h")})

	next, ok := kr.SeekHigher(k("a"))
	require.True(t, ok)
	assert.Equal(t, k("b"), next)

	next, ok = kr.SeekHigher(k("e"))
	require.True(t, ok)
	assert.Equal(t, k("f"), next)

	_, ok = kr.SeekHigher(k("z"))
	assert.False(t, ok)

	lower, ok := kr.SeekLower(k("g"))
	require.True(t, ok)
	assert.Equal(t, k("f"), lower.Min)
	assert.Equal(t, k("g"), lower.Max)
}
