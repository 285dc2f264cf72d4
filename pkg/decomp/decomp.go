// Package decomp describes how a distributed array's elements are
// scattered across compute tasks: the global shape plus each task's
// compmap, a list of 1-based global element offsets (0 marking a hole
// this task does not own). Decomposition is immutable once normalized;
// rearrangers consume it read-only.
package decomp

import (
	"context"
	"fmt"
	"sort"

	"github.com/climbfuji/pario/pkg/comm"
)

// Decomposition is the normalized result of DecompInit: the global
// array shape, this task's compmap, and the collective flags derived
// from scanning every task's map together.
type Decomposition struct {
	GlobalDims []int
	CompMap    []int64 // 1-based global offsets; 0 is a hole

	// NDims is len(GlobalDims), cached for convenience.
	NDims int

	// ReadOnly is true when two or more tasks claim the same global
	// offset. A write through a read-only decomposition is rejected;
	// reads replicate the value to every claiming task.
	ReadOnly bool

	// NeedFill is true when the union of every task's compmap does not
	// cover every element of the global array, so a read must fill the
	// uncovered elements with the variable's fill value.
	NeedFill bool
}

// GlobalSize returns the product of GlobalDims.
func (d *Decomposition) GlobalSize() int64 {
	var total int64 = 1
	for _, n := range d.GlobalDims {
		total *= int64(n)
	}
	return total
}

// Maplen returns the number of entries (holes included) in this task's
// compmap.
func (d *Decomposition) Maplen() int { return len(d.CompMap) }

// New builds an un-normalized Decomposition from a global shape and this
// task's raw compmap. Call Normalize before using it with a rearranger.
func New(globalDims []int, compMap []int64) *Decomposition {
	return &Decomposition{
		GlobalDims: append([]int(nil), globalDims...),
		CompMap:    append([]int64(nil), compMap...),
		NDims:      len(globalDims),
	}
}

// Normalize runs the collective scan DecompInit performs before handing
// a Decomposition to a rearranger:
//  1. Sort a copy of the map for the scans below. CompMap itself stays
//     in caller order, and no needs-sort flag or sort permutation is
//     recorded; both rearrangers accept unsorted maps.
//  2. Detect local duplicate global offsets (two entries in the same
//     task's map claiming the same element).
//  3. Collectively OR the duplicate flag across every task into
//     ReadOnly: if any task's map is self-duplicating, or the union of
//     all tasks' maps double-claims an element, the whole decomposition
//     is read-only.
//  4. Collectively sum each task's live (non-hole) entry count and
//     compare against GlobalSize to derive NeedFill.
func Normalize(ctx context.Context, c comm.Communicator, d *Decomposition) error {
	sorted := append([]int64(nil), d.CompMap...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	localDup := false
	var localLive int64
	for i, v := range sorted {
		if v == 0 {
			continue
		}
		localLive++
		if i > 0 && sorted[i-1] == v {
			localDup = true
		}
	}

	dupFlag := int64(0)
	if localDup {
		dupFlag = 1
	}
	anyDup, err := c.Allreduce(ctx, dupFlag, comm.OpLor)
	if err != nil {
		return fmt.Errorf("decomp: normalize duplicate check: %w", err)
	}

	globalSize := d.GlobalSize()
	totalLive, err := c.Allreduce(ctx, localLive, comm.OpSum)
	if err != nil {
		return fmt.Errorf("decomp: normalize coverage check: %w", err)
	}

	// A union that covers every element exactly once sums to
	// globalSize; anything less means holes, anything more means an
	// inter-task overlap that local-only duplicate detection missed.
	d.ReadOnly = anyDup != 0 || totalLive > globalSize
	d.NeedFill = totalLive < globalSize

	return nil
}
