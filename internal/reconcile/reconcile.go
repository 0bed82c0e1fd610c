// Package reconcile computes minimal insert/update/delete sets between two
// snapshots of the same entity family keyed by identity. It is brokerage
// agnostic: callers supply the identity and equality functions.
package reconcile

import "github.com/svenkat/orderentry/internal/models"

// Result holds the three output sets of one reconciliation pass. A changed
// row appears exactly once, in Updates; identities never repeat across or
// within the sets.
type Result[T any] struct {
	Deletes []T
	Inserts []T
	Updates []T
}

// Empty reports whether the pass produced no work.
func (r Result[T]) Empty() bool {
	return len(r.Deletes) == 0 && len(r.Inserts) == 0 && len(r.Updates) == 0
}

// Diff indexes both snapshots by key and returns the rows to delete (in
// previous, absent from current), insert (in current, absent from previous),
// and update (present in both with equal returning false). Inserts and
// updates carry the current row. Duplicate keys within either snapshot
// collapse to the first occurrence. Diff is a pure function: inputs are not mutated
// and Diff(s, s) yields an empty result.
func Diff[T any, K comparable](previous, current []T, key func(T) K, equal func(prev, cur T) bool) Result[T] {
	prevByKey := make(map[K]T, len(previous))
	for _, row := range previous {
		k := key(row)
		if _, dup := prevByKey[k]; !dup {
			prevByKey[k] = row
		}
	}
	curKeys := make(map[K]struct{}, len(current))

	var res Result[T]
	for _, row := range current {
		k := key(row)
		if _, dup := curKeys[k]; dup {
			continue
		}
		curKeys[k] = struct{}{}

		prev, ok := prevByKey[k]
		if !ok {
			res.Inserts = append(res.Inserts, row)
		} else if !equal(prev, row) {
			res.Updates = append(res.Updates, row)
		}
	}
	emitted := make(map[K]struct{}, len(prevByKey))
	for _, row := range previous {
		k := key(row)
		if _, ok := curKeys[k]; ok {
			continue
		}
		if _, dup := emitted[k]; dup {
			continue
		}
		emitted[k] = struct{}{}
		res.Deletes = append(res.Deletes, row)
	}
	return res
}

// Positions reconciles broker equity positions on their (broker, account,
// ticker) identity, treating count or average cost changes as updates.
func Positions(previous, current []models.Position) Result[models.Position] {
	return Diff(previous, current,
		func(p models.Position) models.PositionIdentity { return p.Identity() },
		func(prev, cur models.Position) bool {
			return prev.Count == cur.Count && prev.AverageCost == cur.AverageCost
		})
}
