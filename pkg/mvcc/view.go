package mvcc

import (
	"sort"
	"sync"

	"github.com/lattice-kv/raftkv/pkg/keyrange"
	"github.com/lattice-kv/raftkv/pkg/kv"
)

// View is the MutableView of spec.md §3/§5: a transaction's working
// set of reads and pending writes layered over a single, fixed
// snapshot of the state machine. Every method is guarded by the
// "view mutex" (mu below) so the commit thread and user code can touch
// the same transaction concurrently — callers elsewhere in the package
// always take the view mutex before the raft mutex, never the reverse.
type View struct {
	mu     sync.Mutex
	snap   kv.Snapshot
	reads  *Reads
	writes Writes
}

// NewView opens a MutableView over snap, which the caller has already
// obtained from an AtomicKVStore at the transaction's (baseTerm,
// baseIndex). The view owns snap and releases it when Close is called.
func NewView(snap kv.Snapshot) *View {
	return &View{snap: snap, reads: NewReads(), writes: NewWrites()}
}

// Close releases the underlying snapshot. Safe to call once; the view
// must not be used afterward.
func (v *View) Close() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.snap.Release()
}

// Rebase swaps in a snapshot taken at a later base, keeping the
// accumulated reads and writes intact. Callers must have already
// established that the new base does not conflict with v.reads
// (pkg/txn's rebase logic does this check before calling).
func (v *View) Rebase(snap kv.Snapshot) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.snap.Release()
	v.snap = snap
}

// Reads returns the set of key ranges read so far.
func (v *View) Reads() *Reads {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.reads
}

// Writes returns a copy-by-reference of the pending writes batch.
// Writes is a value type wrapping reference maps, so callers must not
// mutate the returned maps directly.
func (v *View) Writes() Writes {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.writes
}

// HasWrites reports whether this view has accumulated any mutation,
// distinguishing a read-write transaction from a read-only one.
func (v *View) HasWrites() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return !v.writes.IsEmpty()
}

// Get returns the current value of key as seen through pending writes
// layered over the base snapshot, tracking the read for conflict
// detection.
func (v *View) Get(key []byte) ([]byte, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.reads.TrackKey(key)
	return v.getLocked(key)
}

func (v *View) getLocked(key []byte) ([]byte, bool) {
	if val, ok := v.writes.Puts[string(key)]; ok {
		return val, true
	}
	removed := v.writes.RemoveRanges.Contains(key)
	base, baseOK := (([]byte)(nil)), false
	if !removed {
		base, baseOK = v.snap.Get(key)
	}
	if delta, hasAdjust := v.writes.Adjusts[string(key)]; hasAdjust {
		cur := int64(0)
		if baseOK {
			cur = decodeCounter(base)
		}
		return encodeCounter(cur + delta), true
	}
	return base, baseOK && !removed
}

// GetAtLeast returns the smallest key >= key (and its value), or ok
// == false if none exists.
func (v *View) GetAtLeast(key []byte) (foundKey, value []byte, ok bool) {
	var fk, fv []byte
	found := false
	v.GetRange(key, nil, false, func(k, val []byte) bool {
		fk, fv, found = append([]byte(nil), k...), append([]byte(nil), val...), true
		return false
	})
	return fk, fv, found
}

// GetAtMost returns the largest key < key (and its value), or ok ==
// false if none exists.
func (v *View) GetAtMost(key []byte) (foundKey, value []byte, ok bool) {
	var fk, fv []byte
	found := false
	v.GetRange(nil, key, true, func(k, val []byte) bool {
		fk, fv, found = append([]byte(nil), k...), append([]byte(nil), val...), true
		return false
	})
	return fk, fv, found
}

// GetRange iterates [min, max) (max == nil means unbounded) in
// ascending order, or descending if reverse is true, merging pending
// writes over the base snapshot. fn returning false stops iteration
// early. The whole queried range is tracked as read, so a transaction
// committing a write anywhere inside it conflicts with this read even
// if fn never actually visits that key.
func (v *View) GetRange(min, max []byte, reverse bool, fn func(key, value []byte) bool) {
	v.mu.Lock()
	v.reads.Track(keyrange.KeyRange{Min: min, Max: max})

	// Snapshot-backed ranges can be large; rather than streaming a
	// merge of a push-based Scan against the in-memory overlay, collect
	// the (typically small, in-flight-transaction-sized) overlay first
	// and drain the snapshot scan fully, merging the two sorted lists
	// once both are in hand. Transaction overlays are bounded by what a
	// single client wrote before commit, so this stays cheap.
	type kvPair struct {
		key, value []byte
	}
	overlay := v.overlayInRangeLocked(min, max)
	var base []kvPair
	v.snap.Scan(min, max, reverse, func(k, val []byte) bool {
		base = append(base, kvPair{append([]byte(nil), k...), append([]byte(nil), val...)})
		return true
	})
	v.mu.Unlock()

	merged := make(map[string][]byte, len(base)+len(overlay))
	for _, p := range base {
		merged[string(p.key)] = p.value
	}
	for k, val := range overlay {
		if val == nil {
			delete(merged, k)
			continue
		}
		merged[k] = val
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if reverse {
		for i, j := 0, len(keys)-1; i < j; i, j = i+1, j-1 {
			keys[i], keys[j] = keys[j], keys[i]
		}
	}
	for _, k := range keys {
		if !fn([]byte(k), merged[k]) {
			return
		}
	}
}

// overlayInRangeLocked returns every key in [min,max) whose pending
// write (put, adjust, or remove-as-tombstone) shadows the base
// snapshot, mapping to the overlay's effective value or nil to mean
// "deleted". Must be called with v.mu held.
func (v *View) overlayInRangeLocked(min, max []byte) map[string][]byte {
	rng := keyrange.KeyRange{Min: min, Max: max}
	out := make(map[string][]byte)
	for _, r := range v.writes.RemoveRanges.AsList() {
		if !r.Overlaps(rng) {
			continue
		}
		v.snap.Scan(r.Min, r.Max, false, func(k, _ []byte) bool {
			if rng.Contains(k) {
				out[string(k)] = nil
			}
			return true
		})
	}
	for k, val := range v.writes.Puts {
		if rng.Contains([]byte(k)) {
			out[k] = val
		}
	}
	for k, delta := range v.writes.Adjusts {
		if !rng.Contains([]byte(k)) {
			continue
		}
		cur := int64(0)
		if base, ok := v.snap.Get([]byte(k)); ok && !v.writes.RemoveRanges.Contains([]byte(k)) {
			cur = decodeCounter(base)
		}
		out[k] = encodeCounter(cur + delta)
	}
	return out
}

// Put records a key/value write.
func (v *View) Put(key, value []byte) {
	v.mu.Lock()
	defer v.mu.Unlock()
	cp := append([]byte(nil), value...)
	v.writes.Put(key, cp)
}

// Remove deletes a single key.
func (v *View) Remove(key []byte) {
	v.RemoveRange(key, keyrange.Single(key).Max)
}

// RemoveRange deletes every key in [min, max).
func (v *View) RemoveRange(min, max []byte) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.writes.Remove(keyrange.KeyRange{Min: min, Max: max})
}

// AdjustCounter applies delta to key's counter value at apply time.
func (v *View) AdjustCounter(key []byte, delta int64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if put, ok := v.writes.Puts[string(key)]; ok {
		v.writes.Puts[string(key)] = encodeCounter(decodeCounter(put) + delta)
		return
	}
	v.writes.Adjust(key, delta)
}

func encodeCounter(val int64) []byte {
	u := uint64(val)
	buf := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		buf[i] = byte(u)
		u >>= 8
	}
	return buf
}

func decodeCounter(b []byte) int64 {
	if len(b) != 8 {
		return 0
	}
	var u uint64
	for i := 0; i < 8; i++ {
		u = u<<8 | uint64(b[i])
	}
	return int64(u)
}
