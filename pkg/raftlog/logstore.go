package raftlog

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/lattice-kv/raftkv/internal/rlog"
)

// MaxApplied bounds the ring buffer of recently-applied entries kept
// in memory after their backing files are discarded by DiscardApplied.
// A lagging follower within this many entries of the leader's applied
// index can be caught up by retransmitting log entries instead of a
// full snapshot. 256 sits in the middle of the [128,512] range the
// specification leaves open; see the design notes for the rationale.
const MaxApplied = 256

// Entry is a single slot in the replicated log: the raw, already
// codec-encoded payload (a Writes batch or a configuration change),
// tagged with the (index, term) pair Raft uses to reason about it.
type Entry struct {
	Index uint64
	Term  uint64
	Data  []byte
}

// LogStore is the durable, file-backed Raft log for one node. Every
// entry is written as its own file named by index and term so a
// truncation (DiscardFrom) or compaction (DiscardApplied) is just
// file deletion; in-memory slices mirror the on-disk state for fast
// access without re-reading files on every Raft step.
type LogStore struct {
	mu   sync.RWMutex
	dir  string
	meta Metadata

	// entries holds every retained entry in ascending index order.
	// firstIndex is entries[0].Index when entries is non-empty.
	entries    []Entry
	firstIndex uint64

	// applied is a bounded ring of the most recently applied entries
	// whose backing files have already been discarded from disk —
	// kept purely in memory to serve a slightly-stale follower
	// without forcing a snapshot transfer.
	applied []Entry
}

// Open loads (or initializes) the log store rooted at dir, replaying
// any entry files already on disk.
func Open(dir string) (*LogStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	meta, err := loadMetadata(dir)
	if err != nil {
		return nil, err
	}
	entries, err := loadEntries(dir)
	if err != nil {
		return nil, err
	}
	ls := &LogStore{dir: dir, meta: meta, entries: entries}
	if len(entries) > 0 {
		ls.firstIndex = entries[0].Index
	}
	return ls, nil
}

func entryFileName(index, term uint64) string {
	return fmt.Sprintf("%020d-%020d.entry", index, term)
}

func parseEntryFileName(name string) (index, term uint64, ok bool) {
	if !strings.HasSuffix(name, ".entry") {
		return 0, 0, false
	}
	base := strings.TrimSuffix(name, ".entry")
	parts := strings.SplitN(base, "-", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	idx, err1 := strconv.ParseUint(parts[0], 10, 64)
	trm, err2 := strconv.ParseUint(parts[1], 10, 64)
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return idx, trm, true
}

func loadEntries(dir string) ([]Entry, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("list log dir: %w", err)
	}
	var out []Entry
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		index, term, ok := parseEntryFileName(f.Name())
		if !ok {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, f.Name()))
		if err != nil {
			return nil, fmt.Errorf("read entry file %s: %w", f.Name(), err)
		}
		out = append(out, Entry{Index: index, Term: term, Data: data})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

// CurrentTerm returns the last durably recorded term.
func (ls *LogStore) CurrentTerm() uint64 {
	ls.mu.RLock()
	defer ls.mu.RUnlock()
	return ls.meta.CurrentTerm
}

// VotedFor returns who this node voted for in the current term, or ""
// if it has not voted yet this term.
func (ls *LogStore) VotedFor() string {
	ls.mu.RLock()
	defer ls.mu.RUnlock()
	return ls.meta.VotedFor
}

// SetTermAndVote durably persists a new (term, votedFor) pair. Callers
// must hold the Raft mutex; this does its own internal locking for the
// in-memory copy but the fsync happens synchronously before return.
func (ls *LogStore) SetTermAndVote(term uint64, votedFor string) error {
	ls.mu.Lock()
	m := ls.meta
	m.CurrentTerm = term
	m.VotedFor = votedFor
	ls.mu.Unlock()

	if err := saveMetadata(ls.dir, m); err != nil {
		return err
	}

	ls.mu.Lock()
	ls.meta = m
	ls.mu.Unlock()
	return nil
}

// SetClusterID persists the cluster this log belongs to. It must only
// ever be set once; callers are expected to check it against an
// incoming cluster id before accepting remote RPCs.
func (ls *LogStore) SetClusterID(id string) error {
	ls.mu.Lock()
	m := ls.meta
	m.ClusterID = id
	ls.mu.Unlock()

	if err := saveMetadata(ls.dir, m); err != nil {
		return err
	}
	ls.mu.Lock()
	ls.meta = m
	ls.mu.Unlock()
	return nil
}

// ClusterID returns the persisted cluster identity, or "" if unset.
func (ls *LogStore) ClusterID() string {
	ls.mu.RLock()
	defer ls.mu.RUnlock()
	return ls.meta.ClusterID
}

// Append durably writes e as the new last entry. e.Index must be
// exactly one past the current last index (or 1 if the log is empty).
func (ls *LogStore) Append(e Entry) error {
	ls.mu.Lock()
	expected := ls.lastIndexLocked() + 1
	ls.mu.Unlock()
	if e.Index != expected {
		return fmt.Errorf("raftlog: out-of-order append, got index %d, expected %d", e.Index, expected)
	}

	name := entryFileName(e.Index, e.Term)
	if err := writeFileDurably(ls.dir, name, e.Data); err != nil {
		return fmt.Errorf("append entry %d: %w", e.Index, err)
	}

	ls.mu.Lock()
	ls.entries = append(ls.entries, e)
	if ls.firstIndex == 0 {
		ls.firstIndex = e.Index
	}
	ls.mu.Unlock()
	return nil
}

func (ls *LogStore) lastIndexLocked() uint64 {
	if len(ls.entries) == 0 {
		return ls.firstIndex // 0 if truly empty, or last-discarded index if compacted to nothing
	}
	return ls.entries[len(ls.entries)-1].Index
}

// LastIndex returns the index and term of the last entry, or (0,0) if
// the log has never held an entry.
func (ls *LogStore) LastIndex() (uint64, uint64) {
	ls.mu.RLock()
	defer ls.mu.RUnlock()
	if len(ls.entries) == 0 {
		if len(ls.applied) > 0 {
			last := ls.applied[len(ls.applied)-1]
			return last.Index, last.Term
		}
		return ls.firstIndex, 0
	}
	last := ls.entries[len(ls.entries)-1]
	return last.Index, last.Term
}

// GetAtIndex returns the entry at index, if it is still retained
// on-disk (not yet discarded by compaction).
func (ls *LogStore) GetAtIndex(index uint64) (Entry, bool) {
	ls.mu.RLock()
	defer ls.mu.RUnlock()
	return ls.getAtIndexLocked(index)
}

func (ls *LogStore) getAtIndexLocked(index uint64) (Entry, bool) {
	if len(ls.entries) == 0 || index < ls.entries[0].Index {
		return Entry{}, false
	}
	offset := index - ls.entries[0].Index
	if offset >= uint64(len(ls.entries)) {
		return Entry{}, false
	}
	return ls.entries[offset], true
}

// TermAtIndex returns the term of the entry at index, consulting both
// the retained entry files and the in-memory applied ring buffer for
// entries whose files have already been discarded.
func (ls *LogStore) TermAtIndex(index uint64) (uint64, bool) {
	ls.mu.RLock()
	defer ls.mu.RUnlock()
	if e, ok := ls.getAtIndexLocked(index); ok {
		return e.Term, true
	}
	for _, e := range ls.applied {
		if e.Index == index {
			return e.Term, true
		}
	}
	return 0, false
}

// DiscardFrom deletes every retained entry with Index >= index. Used
// when a follower's log conflicts with the leader's and must be
// truncated back before new entries are appended.
func (ls *LogStore) DiscardFrom(index uint64) error {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	cut := len(ls.entries)
	for i, e := range ls.entries {
		if e.Index >= index {
			cut = i
			break
		}
	}
	toRemove := ls.entries[cut:]
	ls.entries = ls.entries[:cut]

	for _, e := range toRemove {
		path := filepath.Join(ls.dir, entryFileName(e.Index, e.Term))
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("discard entry %d: %w", e.Index, err)
		}
	}
	return nil
}

// DiscardApplied removes the on-disk files for every entry with
// Index <= upTo, retaining only the most recent MaxApplied of them in
// the in-memory ring buffer so TermAtIndex keeps working for them.
func (ls *LogStore) DiscardApplied(upTo uint64) error {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	cut := 0
	for cut < len(ls.entries) && ls.entries[cut].Index <= upTo {
		cut++
	}
	toDiscard := ls.entries[:cut]
	ls.entries = ls.entries[cut:]

	for _, e := range toDiscard {
		path := filepath.Join(ls.dir, entryFileName(e.Index, e.Term))
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("compact entry %d: %w", e.Index, err)
		}
		ls.applied = append(ls.applied, e)
	}
	if overflow := len(ls.applied) - MaxApplied; overflow > 0 {
		ls.applied = ls.applied[overflow:]
	}
	if len(ls.entries) > 0 {
		ls.firstIndex = ls.entries[0].Index
	} else if len(toDiscard) > 0 {
		ls.firstIndex = toDiscard[len(toDiscard)-1].Index
	}
	return nil
}

// EntriesFrom returns every entry with Index >= from, in order, for
// replication to a follower: those still held in the applied ring
// buffer first, then the retained on-disk entries.
func (ls *LogStore) EntriesFrom(from uint64) []Entry {
	ls.mu.RLock()
	defer ls.mu.RUnlock()
	var out []Entry
	for _, e := range ls.applied {
		// The base entry Bootstrap records has no payload to resend.
		if e.Index >= from && e.Data != nil {
			out = append(out, e)
		}
	}
	for _, e := range ls.entries {
		if e.Index >= from {
			out = append(out, e)
		}
	}
	return out
}

// Oldest returns the lowest index still addressable at all, counting
// both retained files and the applied ring buffer — the point before
// which only a snapshot (not log replay) can catch a follower up.
func (ls *LogStore) Oldest() uint64 {
	ls.mu.RLock()
	defer ls.mu.RUnlock()
	if len(ls.applied) > 0 {
		return ls.applied[0].Index
	}
	if len(ls.entries) > 0 {
		return ls.entries[0].Index
	}
	return ls.firstIndex
}

// Bootstrap forces the log's first index to start, used when
// installing a snapshot that establishes a new log base without any
// individual entries. Entries already present are discarded.
func (ls *LogStore) Bootstrap(index, term uint64) error {
	ls.mu.Lock()
	old := ls.entries
	ls.entries = nil
	ls.applied = []Entry{{Index: index, Term: term}}
	ls.firstIndex = index
	ls.mu.Unlock()

	for _, e := range old {
		path := filepath.Join(ls.dir, entryFileName(e.Index, e.Term))
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			rlog.WithComponent("raftlog").Warn().Err(err).Str("file", path).Msg("failed to remove superseded log entry during bootstrap")
		}
	}
	return nil
}
