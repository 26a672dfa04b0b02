package sharding

import "strings"

// OwnershipDiff lists shard indexes that became owned or stopped being owned between two
// ownership vectors.
type OwnershipDiff struct {
	Added   []int
	Removed []int
}

// Empty reports whether nothing changed.
func (d OwnershipDiff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0
}

// Diff compares two per-shard ownership vectors. Missing entries count as not owned.
func Diff(prev, next []bool) OwnershipDiff {
	size := len(prev)
	if len(next) > size {
		size = len(next)
	}

	var diff OwnershipDiff
	for i := 0; i < size; i++ {
		was := i < len(prev) && prev[i]
		is := i < len(next) && next[i]
		switch {
		case !was && is:
			diff.Added = append(diff.Added, i)
		case was && !is:
			diff.Removed = append(diff.Removed, i)
		}
	}
	return diff
}

// FormatBitset renders an ownership vector as a string of 0 and 1, shard 0 first.
func FormatBitset(owned []bool) string {
	var b strings.Builder
	b.Grow(len(owned))
	for _, v := range owned {
		if v {
			b.WriteByte('1')
		} else {
			b.WriteByte('0')
		}
	}
	return b.String()
}
