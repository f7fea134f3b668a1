package mvcc

import "github.com/lattice-kv/raftkv/pkg/keyrange"

// Reads is the set of key ranges a transaction has actually read,
// accumulated as a KeyRanges so repeated or overlapping reads coalesce.
type Reads struct {
	ranges keyrange.KeyRanges
}

// NewReads returns an empty read set.
func NewReads() *Reads { return &Reads{} }

// Track records that the transaction observed the given range (a
// single key, a range scan, or a "key does not exist" probe all
// reduce to a KeyRange).
func (r *Reads) Track(rng keyrange.KeyRange) {
	r.ranges = r.ranges.Add(rng)
}

// TrackKey records a single-key read.
func (r *Reads) TrackKey(key []byte) {
	r.Track(keyrange.Single(key))
}

// Ranges returns the normalized set of ranges read so far.
func (r *Reads) Ranges() keyrange.KeyRanges {
	return r.ranges
}

// FindConflict reports whether any tracked read range intersects any
// range affected by w — the committed-timeline conflict test described
// in spec.md §3 ("Reads.findConflict(Writes)").
func (r *Reads) FindConflict(w Writes) bool {
	if r.ranges.IsEmpty() || w.IsEmpty() {
		return false
	}
	return r.ranges.Intersects(w.AffectedRanges())
}

// IsEmpty reports whether anything has been read yet.
func (r *Reads) IsEmpty() bool { return r.ranges.IsEmpty() }
