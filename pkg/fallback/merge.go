package fallback

import "context"

// MergeStrategy reconciles a migration's source and destination stores
// before the destination becomes active (spec.md §4.3, glossary
// "Merge strategy"). src and dst are already-open transactions on
// their respective backends; the strategy must not commit or roll
// back either — the caller does that once Merge returns.
type MergeStrategy interface {
	Name() string
	Merge(ctx context.Context, dst, src Transaction) error
}

// OverwriteMergeStrategy clears the destination and copies every key
// from the source snapshot over it, the strategy spec.md §4.3 uses
// by default when migrating down to a lower-priority target ("source's
// unavailableMergeStrategy if moving down").
type OverwriteMergeStrategy struct{}

func (OverwriteMergeStrategy) Name() string { return "overwrite" }

func (OverwriteMergeStrategy) Merge(ctx context.Context, dst, src Transaction) error {
	dst.RemoveRange([]byte{}, nil)
	src.GetRange([]byte{}, nil, false, func(key, value []byte) bool {
		dst.Put(append([]byte(nil), key...), append([]byte(nil), value...))
		return ctx.Err() == nil
	})
	return ctx.Err()
}

// NullMergeStrategy leaves the destination exactly as it is, the
// default rejoinMergeStrategy for a target that is trusted to already
// hold the authoritative data (spec.md §4.3, scenario 6: "R2 is left
// as-is").
type NullMergeStrategy struct{}

func (NullMergeStrategy) Name() string                                       { return "null" }
func (NullMergeStrategy) Merge(_ context.Context, _, _ Transaction) error { return nil }
