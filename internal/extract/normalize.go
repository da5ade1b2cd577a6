package extract

import (
	"sort"

	"github.com/JakeFAU/rankwatch/internal/rank"
)

// Normalize enforces the entry-list invariants: ads carry no organic rank,
// identifiers appear once (first occurrence wins), total ranks are unique and
// non-decreasing, and page positions are 1-based in list order.
func Normalize(entries []rank.ProductEntry) []rank.ProductEntry {
	out, _ := normalize(entries)
	return out
}

// normalize also returns how many distinct products shared a total rank with
// the entry before them. Such a product keeps its place in the order and
// takes the next free rank, so it is never dropped.
func normalize(entries []rank.ProductEntry) ([]rank.ProductEntry, int) {
	seen := make(map[string]struct{}, len(entries))
	out := make([]rank.ProductEntry, 0, len(entries))
	for _, e := range entries {
		key := rank.NormalizeID(e.Identifier)
		if key == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		if e.IsAd {
			e.OrganicRank = rank.NoRank
		}
		out = append(out, e)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].TotalRank < out[j].TotalRank
	})

	shifted := 0
	for i := range out {
		if i > 0 && out[i].TotalRank <= out[i-1].TotalRank {
			out[i].TotalRank = out[i-1].TotalRank + 1
			shifted++
		}
		out[i].PagePosition = i + 1
	}
	return out, shifted
}
