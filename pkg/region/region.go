// Package region coalesces a task's decomposition compmap into the
// fewest contiguous hyperslab runs it can, so the rearranger issues one
// I/O operation per run instead of one per element.
package region

import (
	"context"
	"sort"

	"github.com/climbfuji/pario/pkg/comm"
)

// Region is one contiguous run: Count consecutive global offsets
// starting at GlobalStart (1-based, the same convention a compmap
// uses), whose values live at consecutive positions in the local buffer
// starting at LocalOffset.
type Region struct {
	GlobalStart int64
	Count       int64
	LocalOffset int
}

// Coalesce scans compMap in local-buffer order and greedily merges
// consecutive entries into runs: entry i+1 extends the current run when
// it is a live (non-hole) element exactly one past the current run's
// last global offset. A hole always starts a new run.
func Coalesce(compMap []int64) []Region {
	var regions []Region
	for i, v := range compMap {
		if v == 0 {
			continue
		}
		if n := len(regions); n > 0 {
			last := &regions[n-1]
			if last.LocalOffset+int(last.Count) == i && last.GlobalStart+last.Count == v {
				last.Count++
				continue
			}
		}
		regions = append(regions, Region{GlobalStart: v, Count: 1, LocalOffset: i})
	}
	return regions
}

// Complement returns the gaps in covered's union of [GlobalStart,
// GlobalStart+Count) runs over the 1-based range [1, globalSize] --
// the global elements decomp.Decomposition.NeedFill says nobody's
// compmap claims. covered need not already be sorted or disjoint.
func Complement(covered []Region, globalSize int64) []Region {
	sorted := append([]Region(nil), covered...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].GlobalStart < sorted[j].GlobalStart })

	var gaps []Region
	var next int64 = 1
	for _, c := range sorted {
		if c.GlobalStart > next {
			gaps = append(gaps, Region{GlobalStart: next, Count: c.GlobalStart - next})
		}
		if end := c.GlobalStart + c.Count; end > next {
			next = end
		}
	}
	if next <= globalSize {
		gaps = append(gaps, Region{GlobalStart: next, Count: globalSize - next + 1})
	}
	return gaps
}

// Unflatten decomposes r's flat, 1-based global offset run against
// spatialDims (a variable's true N-D shape, row-major, the fastest
// varying dimension last -- the same convention pkg/ncdecomp's stored
// map and every rearranger's compmap already flatten against). It
// returns one 0-based start/count pair per returned hyperslab.
//
// A run that stays within one row of the innermost dimension yields a
// single hyperslab. A run that crosses a row boundary -- unavoidable
// for an N-D decomposition with holes, or one whose regions weren't cut
// on dimension boundaries -- is split into one hyperslab per row, since
// a flat contiguous run only maps onto a rectangular start/count when it
// doesn't wrap.
func Unflatten(r Region, spatialDims []int64) (starts [][]int64, counts [][]int64) {
	if len(spatialDims) == 0 {
		return [][]int64{{}}, [][]int64{{}}
	}

	last := spatialDims[len(spatialDims)-1]
	offset := r.GlobalStart - 1
	remaining := r.Count
	for remaining > 0 {
		withinRow := offset % last
		take := last - withinRow
		if take > remaining {
			take = remaining
		}

		start := make([]int64, len(spatialDims))
		flat := offset
		for i := len(spatialDims) - 1; i >= 0; i-- {
			start[i] = flat % spatialDims[i]
			flat /= spatialDims[i]
		}
		count := make([]int64, len(spatialDims))
		for i := range count {
			count[i] = 1
		}
		count[len(count)-1] = take

		starts = append(starts, start)
		counts = append(counts, count)
		offset += take
		remaining -= take
	}
	return starts, counts
}

// MaxRegionCount runs the collective Allreduce(MAX) over the local
// region count, so every task learns the same upper bound. The box and
// subset rearrangers do not call it: their exchanges are sized from the
// shared plan that rearrange.BuildPlan builds.
func MaxRegionCount(ctx context.Context, c comm.Communicator, local []Region) (int, error) {
	n, err := c.Allreduce(ctx, int64(len(local)), comm.OpMax)
	if err != nil {
		return 0, err
	}
	return int(n), nil
}
