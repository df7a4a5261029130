package merge

import (
	"cmp"
	"slices"

	"github.com/hupe1980/dualkv/internal/manifest"
)

// DefaultThreshold is the segment count that triggers a merge of a level.
const DefaultThreshold = 4

// Run is a contiguous generation run of one level, oldest first.
type Run struct {
	Level    int
	Segments []manifest.SegmentInfo
}

// IDs returns the segment IDs of the run.
func (r Run) IDs() []uint64 {
	ids := make([]uint64, len(r.Segments))
	for i, s := range r.Segments {
		ids[i] = s.ID
	}
	return ids
}

// Generation returns the generation of the merge output: the highest input
// generation.
func (r Run) Generation() uint64 {
	var g uint64
	for _, s := range r.Segments {
		g = max(g, s.Generation)
	}
	return g
}

// Policy decides which segments to merge.
type Policy interface {
	// Plan returns the runs of the lowest level that needs merging. Level-0
	// segments with a generation at or above floor are still being ordered
	// against in-flight seals and are not eligible.
	Plan(segments []manifest.SegmentInfo, floor uint64) []Run
}

// LevelPolicy merges a level once it holds Threshold segments, cutting runs
// of Threshold to 2*Threshold inputs from the oldest end.
type LevelPolicy struct {
	Threshold int
}

func (p LevelPolicy) threshold() int {
	if p.Threshold < 2 {
		return DefaultThreshold
	}
	return p.Threshold
}

func (p LevelPolicy) Plan(segments []manifest.SegmentInfo, floor uint64) []Run {
	t := p.threshold()

	levels := make(map[int][]manifest.SegmentInfo)
	for _, s := range segments {
		if s.Level == 0 && s.Generation >= floor {
			continue
		}
		levels[s.Level] = append(levels[s.Level], s)
	}

	order := make([]int, 0, len(levels))
	for l := range levels {
		order = append(order, l)
	}
	slices.Sort(order)

	for _, level := range order {
		segs := levels[level]
		if len(segs) < t {
			continue
		}
		slices.SortFunc(segs, func(a, b manifest.SegmentInfo) int {
			if c := cmp.Compare(a.Generation, b.Generation); c != 0 {
				return c
			}
			return cmp.Compare(a.ID, b.ID)
		})

		var runs []Run
		for len(segs) >= t {
			n := t
			if len(segs) <= 2*t {
				n = len(segs)
			}
			runs = append(runs, Run{Level: level, Segments: segs[:n:n]})
			segs = segs[n:]
		}
		return runs
	}
	return nil
}
