// Package mvcc implements the MVCC KVStore wrapper: the Writes/Reads
// value types tracked by a transaction, and the MutableView layered
// over an AtomicKVStore snapshot that records them.
package mvcc

import (
	"sort"

	"github.com/lattice-kv/raftkv/pkg/keyrange"
)

// Writes is the ordered batch of mutations a committed log entry or a
// transaction's commit applies to the state machine. Application order
// is always: removes, then puts, then adjusts (spec.md §3).
type Writes struct {
	RemoveRanges keyrange.KeyRanges
	Puts         map[string][]byte
	Adjusts      map[string]int64
}

// NewWrites returns an empty Writes batch ready for accumulation.
func NewWrites() Writes {
	return Writes{
		Puts:    make(map[string][]byte),
		Adjusts: make(map[string]int64),
	}
}

// IsEmpty reports whether the batch has no effect on any key.
func (w Writes) IsEmpty() bool {
	return w.RemoveRanges.IsEmpty() && len(w.Puts) == 0 && len(w.Adjusts) == 0
}

// Put records a key/value write, overriding any earlier pending adjust
// or removal of the same key within this batch.
func (w Writes) Put(key, value []byte) {
	w.Puts[string(key)] = value
	delete(w.Adjusts, string(key))
}

// Remove records a half-open key range for deletion.
func (w *Writes) Remove(r keyrange.KeyRange) {
	w.RemoveRanges = w.RemoveRanges.Add(r)
	for key := range w.Puts {
		if r.Contains([]byte(key)) {
			delete(w.Puts, key)
		}
	}
	for key := range w.Adjusts {
		if r.Contains([]byte(key)) {
			delete(w.Adjusts, key)
		}
	}
}

// Adjust records a counter delta applied to key at apply time. Adjusts
// on a key that also has a pending Put in the same batch are folded
// into the put by the caller (View.AdjustCounter); Writes itself
// ignores such an adjust.
func (w Writes) Adjust(key []byte, delta int64) {
	if _, isPut := w.Puts[string(key)]; isPut {
		return
	}
	w.Adjusts[string(key)] += delta
}

// PutKeys returns the put keys in sorted order, matching the "puts
// (map key->value, sorted)" requirement from spec.md §3.
func (w Writes) PutKeys() []string {
	keys := make([]string, 0, len(w.Puts))
	for k := range w.Puts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// AdjustKeys returns the adjust keys in sorted order.
func (w Writes) AdjustKeys() []string {
	keys := make([]string, 0, len(w.Adjusts))
	for k := range w.Adjusts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// AffectedRanges returns a KeyRanges covering every key this batch
// touches: the remove ranges plus a singleton range per put/adjust key.
// This is what Reads.FindConflict intersects against.
func (w Writes) AffectedRanges() keyrange.KeyRanges {
	out := w.RemoveRanges
	for k := range w.Puts {
		out = out.Add(keyrange.Single([]byte(k)))
	}
	for k := range w.Adjusts {
		out = out.Add(keyrange.Single([]byte(k)))
	}
	return out
}

// Equal reports whether two Writes batches have identical effect. Used
// by the round-trip serialization tests.
func (w Writes) Equal(o Writes) bool {
	if len(w.Puts) != len(o.Puts) || len(w.Adjusts) != len(o.Adjusts) {
		return false
	}
	for k, v := range w.Puts {
		ov, ok := o.Puts[k]
		if !ok || string(v) != string(ov) {
			return false
		}
	}
	for k, v := range w.Adjusts {
		if o.Adjusts[k] != v {
			return false
		}
	}
	wl, ol := w.RemoveRanges.AsList(), o.RemoveRanges.AsList()
	if len(wl) != len(ol) {
		return false
	}
	for i := range wl {
		if string(wl[i].Min) != string(ol[i].Min) {
			return false
		}
		if (wl[i].Max == nil) != (ol[i].Max == nil) {
			return false
		}
		if wl[i].Max != nil && string(wl[i].Max) != string(ol[i].Max) {
			return false
		}
	}
	return true
}
