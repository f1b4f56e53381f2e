// Package reconciler supervises the per-market exit guards: it derives the
// desired guard set from KV, assigns each guard a unique metrics port,
// starts and stops guard processes, and multiplexes their metric endpoints
// into one scrape target.
package reconciler

import (
	"context"
	"sort"

	"bitvavo-trader/internal/bus"
	"bitvavo-trader/pkg/types"
)

// DesiredMarkets reads the target guard set from KV: the ordered list
// filtered by set membership when the list exists, the sorted set otherwise.
func DesiredMarkets(ctx context.Context, b *bus.Bus, denyBases []string, maxN int) ([]string, error) {
	list, err := b.LRange(ctx, bus.KeyActiveList, 0, -1)
	if err != nil {
		return nil, err
	}
	members, err := b.SMembers(ctx, bus.KeyActiveSet)
	if err != nil {
		return nil, err
	}
	return FilterDesired(list, members, denyBases, maxN), nil
}

// FilterDesired applies the selection rules: list order filtered by set
// membership (or the sorted set when no list exists), deny-listed bases and
// non-EUR markets dropped, truncated to maxN.
func FilterDesired(list, setMembers, denyBases []string, maxN int) []string {
	member := make(map[string]bool, len(setMembers))
	for _, m := range setMembers {
		member[m] = true
	}

	var candidates []string
	if len(list) > 0 {
		for _, m := range list {
			if member[m] {
				candidates = append(candidates, m)
			}
		}
	} else {
		candidates = append(candidates, setMembers...)
		sort.Strings(candidates)
	}

	deny := make(map[string]bool, len(denyBases))
	for _, b := range denyBases {
		deny[b] = true
	}

	var out []string
	for _, m := range candidates {
		if !types.IsEURMarket(m) || deny[types.BaseOf(m)] {
			continue
		}
		out = append(out, m)
		if maxN > 0 && len(out) >= maxN {
			break
		}
	}
	return out
}
