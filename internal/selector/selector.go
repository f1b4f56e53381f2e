// Package selector maintains the active-market universe: it ranks markets by
// recent signal activity and publishes the selection for the reconciler.
package selector

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"bitvavo-trader/internal/bus"
	"bitvavo-trader/pkg/types"
)

// streamIDTime extracts the timestamp from a stream record id
// ("<unix-ms>-<seq>"). Zero time when the id is malformed.
func streamIDTime(id string) time.Time {
	msStr, _, _ := strings.Cut(id, "-")
	ms, err := strconv.ParseInt(msStr, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// CountRecentSignals tallies signals per market, counting only records at or
// after cutoff by their stream-id timestamp.
func CountRecentSignals(msgs []bus.Message, cutoff time.Time) map[string]int {
	counts := make(map[string]int)
	for _, m := range msgs {
		if streamIDTime(m.ID).Before(cutoff) {
			continue
		}
		market := m.Fields["market"]
		if market == "" {
			continue
		}
		counts[market]++
	}
	return counts
}

// Rank orders qualifying markets by signal count, busiest first, name as the
// tiebreak. Markets below minCount, non-EUR markets, and deny-listed bases
// are dropped.
func Rank(counts map[string]int, minCount int, denyBases []string) []string {
	deny := make(map[string]bool, len(denyBases))
	for _, b := range denyBases {
		deny[b] = true
	}

	var out []string
	for market, n := range counts {
		if n < minCount || !types.IsEURMarket(market) || deny[types.BaseOf(market)] {
			continue
		}
		out = append(out, market)
	}
	sort.Slice(out, func(i, j int) bool {
		if counts[out[i]] != counts[out[j]] {
			return counts[out[i]] > counts[out[j]]
		}
		return out[i] < out[j]
	})
	return out
}

// MergeWithActive applies hysteresis: currently-active markets that still
// qualify keep their slot in their existing order, then newcomers fill the
// remainder by rank. This keeps guards from churning when rank order jitters.
func MergeWithActive(ranked, current []string, maxN int) []string {
	qualifies := make(map[string]bool, len(ranked))
	for _, m := range ranked {
		qualifies[m] = true
	}

	var out []string
	picked := make(map[string]bool)
	for _, m := range current {
		if !qualifies[m] || picked[m] {
			continue
		}
		out = append(out, m)
		picked[m] = true
		if maxN > 0 && len(out) >= maxN {
			return out
		}
	}
	for _, m := range ranked {
		if picked[m] {
			continue
		}
		out = append(out, m)
		picked[m] = true
		if maxN > 0 && len(out) >= maxN {
			break
		}
	}
	return out
}
