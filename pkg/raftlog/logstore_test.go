package raftlog

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestLog(t *testing.T) *LogStore {
	t.Helper()
	ls, err := Open(t.TempDir())
	require.NoError(t, err)
	return ls
}

func TestAppendAndGetAtIndex(t *testing.T) {
	ls := newTestLog(t)
	require.NoError(t, ls.Append(Entry{Index: 1, Term: 1, Data: []byte("a")}))
	require.NoError(t, ls.Append(Entry{Index: 2, Term: 1, Data: []byte("b")}))

	e, ok := ls.GetAtIndex(2)
	require.True(t, ok)
	require.Equal(t, uint64(1), e.Term)
	require.Equal(t, "b", string(e.Data))

	idx, term := ls.LastIndex()
	require.Equal(t, uint64(2), idx)
	require.Equal(t, uint64(1), term)
}

func TestAppendRejectsOutOfOrder(t *testing.T) {
	ls := newTestLog(t)
	require.NoError(t, ls.Append(Entry{Index: 1, Term: 1}))
	err := ls.Append(Entry{Index: 3, Term: 1})
	require.Error(t, err)
}

func TestDiscardFromTruncatesTail(t *testing.T) {
	ls := newTestLog(t)
	for i := uint64(1); i <= 5; i++ {
		require.NoError(t, ls.Append(Entry{Index: i, Term: 1}))
	}
	require.NoError(t, ls.DiscardFrom(3))

	idx, _ := ls.LastIndex()
	require.Equal(t, uint64(2), idx)
	_, ok := ls.GetAtIndex(3)
	require.False(t, ok)

	require.NoError(t, ls.Append(Entry{Index: 3, Term: 2}))
	term, ok := ls.TermAtIndex(3)
	require.True(t, ok)
	require.Equal(t, uint64(2), term)
}

func TestDiscardAppliedKeepsRingBufferForTermLookup(t *testing.T) {
	ls := newTestLog(t)
	for i := uint64(1); i <= 10; i++ {
		require.NoError(t, ls.Append(Entry{Index: i, Term: 1}))
	}
	require.NoError(t, ls.DiscardApplied(7))

	_, ok := ls.GetAtIndex(5)
	require.False(t, ok, "compacted entry should no longer be directly retrievable")

	term, ok := ls.TermAtIndex(5)
	require.True(t, ok, "term should still be answerable from the applied ring buffer")
	require.Equal(t, uint64(1), term)

	e, ok := ls.GetAtIndex(8)
	require.True(t, ok)
	require.Equal(t, uint64(8), e.Index)
}

func TestMetadataPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ls, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, ls.SetTermAndVote(4, "node-b"))
	require.NoError(t, ls.SetClusterID("cluster-x"))

	reopened, err := Open(dir)
	require.NoError(t, err)
	require.Equal(t, uint64(4), reopened.CurrentTerm())
	require.Equal(t, "node-b", reopened.VotedFor())
	require.Equal(t, "cluster-x", reopened.ClusterID())
}

func TestEntriesSurviveReopen(t *testing.T) {
	dir := t.TempDir()
	ls, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, ls.Append(Entry{Index: 1, Term: 1, Data: []byte("x")}))
	require.NoError(t, ls.Append(Entry{Index: 2, Term: 2, Data: []byte("y")}))

	reopened, err := Open(dir)
	require.NoError(t, err)
	idx, term := reopened.LastIndex()
	require.Equal(t, uint64(2), idx)
	require.Equal(t, uint64(2), term)

	e, ok := reopened.GetAtIndex(1)
	require.True(t, ok)
	require.Equal(t, "x", string(e.Data))
}

func TestEntriesFromReturnsSuffix(t *testing.T) {
	ls := newTestLog(t)
	for i := uint64(1); i <= 5; i++ {
		require.NoError(t, ls.Append(Entry{Index: i, Term: 1}))
	}
	entries := ls.EntriesFrom(3)
	require.Len(t, entries, 3)
	require.Equal(t, uint64(3), entries[0].Index)
}

func TestBootstrapDiscardsPriorEntriesAndSetsBase(t *testing.T) {
	ls := newTestLog(t)
	for i := uint64(1); i <= 3; i++ {
		require.NoError(t, ls.Append(Entry{Index: i, Term: 1}))
	}
	require.NoError(t, ls.Bootstrap(10, 3))

	idx, term := ls.LastIndex()
	require.Equal(t, uint64(10), idx)
	require.Equal(t, uint64(3), term)
	_, ok := ls.GetAtIndex(2)
	require.False(t, ok)
}
