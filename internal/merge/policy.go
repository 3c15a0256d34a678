package merge

import (
	"slices"

	"github.com/hupe1980/docshard/internal/segindex"
)

// Policy picks segments to merge. Segments that are already merging are
// filtered out before Pick is called.
type Policy interface {
	// Pick returns the ids of segments to merge together, or nil.
	Pick(segments []segindex.SegmentStats) []uint64
}

// TieredPolicy merges segments of similar live size.
//   - Tier bounds by live documents: [0-1k), [1k-10k), [10k-100k), [100k+)
//   - Merges happen within a tier once it holds SegmentsPerTier segments
//   - A merge never exceeds MaxMergeDocs live documents
//   - A single segment whose deleted share exceeds ReclaimDeletesRatio is
//     rewritten on its own
type TieredPolicy struct {
	SegmentsPerTier     int
	MaxMergeDocs        int
	ReclaimDeletesRatio float64
}

// DefaultPolicy returns the default tiered policy.
func DefaultPolicy() *TieredPolicy {
	return &TieredPolicy{SegmentsPerTier: 10, MaxMergeDocs: 5_000_000, ReclaimDeletesRatio: 0.5}
}

func live(s segindex.SegmentStats) int { return s.Docs - s.Deleted }

func byID(a, b segindex.SegmentStats) int {
	switch {
	case a.ID < b.ID:
		return -1
	case a.ID > b.ID:
		return 1
	default:
		return 0
	}
}

func (p *TieredPolicy) Pick(segments []segindex.SegmentStats) []uint64 {
	threshold := p.SegmentsPerTier
	if threshold < 2 {
		threshold = 2
	}

	tiers := make(map[int][]segindex.SegmentStats)
	for _, s := range segments {
		t := p.tier(live(s))
		tiers[t] = append(tiers[t], s)
	}

	for t := 0; t < 4; t++ {
		segs := tiers[t]
		if len(segs) < threshold {
			continue
		}
		slices.SortFunc(segs, byID)

		var ids []uint64
		total := 0
		for _, s := range segs {
			if p.MaxMergeDocs > 0 && total+live(s) > p.MaxMergeDocs {
				break
			}
			ids = append(ids, s.ID)
			total += live(s)
		}
		if len(ids) >= 2 {
			return ids
		}
	}

	if p.ReclaimDeletesRatio > 0 {
		for _, s := range segments {
			if s.Docs > 0 && float64(s.Deleted)/float64(s.Docs) > p.ReclaimDeletesRatio {
				return []uint64{s.ID}
			}
		}
	}
	return nil
}

func (p *TieredPolicy) tier(docs int) int {
	switch {
	case docs < 1_000:
		return 0
	case docs < 10_000:
		return 1
	case docs < 100_000:
		return 2
	default:
		return 3
	}
}

// pickForced selects the smallest segments so that merging them leaves at
// most maxSegments. Segments with deletions are rewritten even when the
// count already fits.
func pickForced(segments []segindex.SegmentStats, maxSegments int) []uint64 {
	if maxSegments < 1 {
		maxSegments = 1
	}
	if len(segments) <= maxSegments {
		for _, s := range segments {
			if s.Deleted > 0 {
				return []uint64{s.ID}
			}
		}
		return nil
	}

	sorted := slices.Clone(segments)
	slices.SortFunc(sorted, func(a, b segindex.SegmentStats) int {
		if d := live(a) - live(b); d != 0 {
			return d
		}
		return byID(a, b)
	})
	n := len(segments) - maxSegments + 1
	ids := make([]uint64, 0, n)
	for _, s := range sorted[:n] {
		ids = append(ids, s.ID)
	}
	return ids
}
