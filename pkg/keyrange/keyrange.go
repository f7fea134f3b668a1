// Package keyrange implements half-open byte-key ranges and normalized
// sets of ranges (KeyRanges) in unsigned lexicographic order, as used
// by remove-ranges, read-tracking, and range scans throughout raftkv.
package keyrange

import "bytes"

// KeyRange is a half-open byte range [Min, Max). A nil Max denotes "no
// upper bound" (everything from Min onward). Min is never nil; use an
// empty slice to mean "from the very first possible key".
type KeyRange struct {
	Min []byte
	Max []byte
}

// Full returns the range containing every possible key.
func Full() KeyRange { return KeyRange{Min: []byte{}, Max: nil} }

// Single returns the range containing exactly one key.
func Single(key []byte) KeyRange {
	return KeyRange{Min: key, Max: immediateSuccessor(key)}
}

// Prefix returns the range of all keys beginning with prefix.
func Prefix(prefix []byte) KeyRange {
	return KeyRange{Min: prefix, Max: prefixUpperBound(prefix)}
}

func immediateSuccessor(key []byte) []byte {
	succ := make([]byte, len(key)+1)
	copy(succ, key)
	return succ
}

// prefixUpperBound returns the smallest key strictly greater than every
// key beginning with prefix, or nil if prefix is all 0xff bytes (i.e.
// unbounded above).
func prefixUpperBound(prefix []byte) []byte {
	up := make([]byte, len(prefix))
	copy(up, prefix)
	for i := len(up) - 1; i >= 0; i-- {
		if up[i] < 0xff {
			up[i]++
			return up[:i+1]
		}
	}
	return nil
}

// Contains reports whether key falls within [Min, Max).
func (r KeyRange) Contains(key []byte) bool {
	if bytes.Compare(key, r.Min) < 0 {
		return false
	}
	if r.Max == nil {
		return true
	}
	return bytes.Compare(key, r.Max) < 0
}

// Empty reports whether the range contains no keys.
func (r KeyRange) Empty() bool {
	if r.Max == nil {
		return false
	}
	return bytes.Compare(r.Min, r.Max) >= 0
}

// Overlaps reports whether r and o share at least one key.
func (r KeyRange) Overlaps(o KeyRange) bool {
	if r.Max != nil && bytes.Compare(o.Min, r.Max) >= 0 {
		return false
	}
	if o.Max != nil && bytes.Compare(r.Min, o.Max) >= 0 {
		return false
	}
	return true
}

// adjacent reports whether r immediately precedes o with no gap, so
// they can be coalesced into one range.
func adjacent(r, o KeyRange) bool {
	return r.Max != nil && bytes.Equal(r.Max, o.Min)
}

// KeyRanges is a normalized (sorted, coalesced, non-overlapping) set of
// KeyRange values.
type KeyRanges struct {
	ranges []KeyRange
}

// New builds a normalized KeyRanges from an arbitrary, possibly
// overlapping list of ranges.
func New(rs ...KeyRange) KeyRanges {
	var kr KeyRanges
	for _, r := range rs {
		kr = kr.Add(r)
	}
	return kr
}

// Empty returns an empty KeyRanges.
func Empty() KeyRanges { return KeyRanges{} }

// IsEmpty reports whether the set contains no keys.
func (kr KeyRanges) IsEmpty() bool { return len(kr.ranges) == 0 }

// AsList returns the normalized ranges in sorted order. The caller must
// not mutate the returned slice's elements' backing arrays.
func (kr KeyRanges) AsList() []KeyRange {
	out := make([]KeyRange, len(kr.ranges))
	copy(out, kr.ranges)
	return out
}

// Add returns a new KeyRanges with r merged in, re-normalized.
func (kr KeyRanges) Add(r KeyRange) KeyRanges {
	if r.Empty() {
		return kr
	}
	merged := make([]KeyRange, 0, len(kr.ranges)+1)
	inserted := false
	cur := r
	for _, existing := range kr.ranges {
		if !inserted && bytes.Compare(cur.Min, existing.Min) < 0 && !cur.Overlaps(existing) && !adjacent(cur, existing) {
			merged = append(merged, cur)
			inserted = true
		}
		if cur.Overlaps(existing) || adjacent(cur, existing) || adjacent(existing, cur) {
			cur = unionOne(cur, existing)
			continue
		}
		merged = append(merged, existing)
	}
	if !inserted {
		merged = append(merged, cur)
	}
	sortRanges(merged)
	return KeyRanges{ranges: coalesce(merged)}
}

func unionOne(a, b KeyRange) KeyRange {
	min := a.Min
	if bytes.Compare(b.Min, min) < 0 {
		min = b.Min
	}
	var max []byte
	if a.Max == nil || b.Max == nil {
		max = nil
	} else if bytes.Compare(a.Max, b.Max) >= 0 {
		max = a.Max
	} else {
		max = b.Max
	}
	return KeyRange{Min: min, Max: max}
}

func sortRanges(rs []KeyRange) {
	for i := 1; i < len(rs); i++ {
		for j := i; j > 0 && bytes.Compare(rs[j-1].Min, rs[j].Min) > 0; j-- {
			rs[j-1], rs[j] = rs[j], rs[j-1]
		}
	}
}

// coalesce merges adjacent/overlapping ranges in an already Min-sorted
// slice, producing the minimal normalized form.
func coalesce(sorted []KeyRange) []KeyRange {
	if len(sorted) == 0 {
		return nil
	}
	out := make([]KeyRange, 0, len(sorted))
	cur := sorted[0]
	for _, r := range sorted[1:] {
		if cur.Overlaps(r) || adjacent(cur, r) {
			cur = unionOne(cur, r)
			continue
		}
		out = append(out, cur)
		cur = r
	}
	out = append(out, cur)
	return out
}

// Contains reports whether key is in any of the set's ranges.
func (kr KeyRanges) Contains(key []byte) bool {
	for _, r := range kr.ranges {
		if bytes.Compare(key, r.Min) < 0 {
			return false // sorted: no further range can contain it either
		}
		if r.Contains(key) {
			return true
		}
	}
	return false
}

// Union returns the set union of kr and other.
func (kr KeyRanges) Union(other KeyRanges) KeyRanges {
	out := kr
	for _, r := range other.ranges {
		out = out.Add(r)
	}
	return out
}

// Intersects reports whether kr shares any key with w, the writes-shaped
// ranges. This is the conflict predicate used by Reads.findConflict.
func (kr KeyRanges) Intersects(w KeyRanges) bool {
	i, j := 0, 0
	a, b := kr.ranges, w.ranges
	for i < len(a) && j < len(b) {
		if a[i].Overlaps(b[j]) {
			return true
		}
		// advance whichever range ends first
		if a[i].Max != nil && (b[j].Max == nil || bytes.Compare(a[i].Max, b[j].Max) <= 0) {
			i++
		} else {
			j++
		}
	}
	return false
}

// Intersect returns the set intersection of kr and other.
func (kr KeyRanges) Intersect(other KeyRanges) KeyRanges {
	var out KeyRanges
	for _, a := range kr.ranges {
		for _, b := range other.ranges {
			if !a.Overlaps(b) {
				continue
			}
			min := a.Min
			if bytes.Compare(b.Min, min) > 0 {
				min = b.Min
			}
			max := a.Max
			if b.Max != nil && (max == nil || bytes.Compare(b.Max, max) < 0) {
				max = b.Max
			}
			out = out.Add(KeyRange{Min: min, Max: max})
		}
	}
	return out
}

// Inverse returns the complement of kr over the full key space.
func (kr KeyRanges) Inverse() KeyRanges {
	var out KeyRanges
	cursor := []byte{}
	for _, r := range kr.ranges {
		if bytes.Compare(cursor, r.Min) < 0 {
			out = out.Add(KeyRange{Min: cursor, Max: r.Min})
		}
		if r.Max == nil {
			return out
		}
		cursor = r.Max
	}
	out = out.Add(KeyRange{Min: cursor, Max: nil})
	return out
}

// SeekHigher returns the smallest key in the set that is >= key, and
// whether such a key exists.
func (kr KeyRanges) SeekHigher(key []byte) ([]byte, bool) {
	for _, r := range kr.ranges {
		if r.Contains(key) {
			return key, true
		}
		if bytes.Compare(key, r.Min) < 0 {
			return r.Min, true
		}
	}
	return nil, false
}

// SeekLower returns the largest key in the set that is < key (the
// ranges are half-open, so key itself is never returned here), and
// whether such a key exists. Because ranges can be unbounded or
// arbitrarily large, this returns the range boundary to search within
// rather than a single key; callers combine it with the underlying
// store's reverse iteration.
func (kr KeyRanges) SeekLower(key []byte) (KeyRange, bool) {
	for i := len(kr.ranges) - 1; i >= 0; i-- {
		r := kr.ranges[i]
		if bytes.Compare(r.Min, key) < 0 {
			max := r.Max
			if max == nil || bytes.Compare(max, key) > 0 {
				max = key
			}
			return KeyRange{Min: r.Min, Max: max}, true
		}
	}
	return KeyRange{}, false
}
