// Package subset implements PIO's "subset" rearranger: every compute
// task sends its entire local contribution to exactly one I/O task,
// chosen by the compute task's own rank modulo the number of I/O tasks.
// Unlike box, the destination never depends on where in the global
// array a region falls, so subset needs no knowledge of global extents
// and its plan-building step is a straight modulo instead of a block
// computation -- at the cost of I/O tasks doing less sequential writing
// since the data arriving at one I/O task need not be contiguous in the
// global array.
package subset

import (
	"context"
	"fmt"

	"github.com/climbfuji/pario/pkg/comm"
	"github.com/climbfuji/pario/pkg/decomp"
	"github.com/climbfuji/pario/pkg/rearrange"
	"github.com/climbfuji/pario/pkg/region"
)

// New coalesces the caller's compmap into regions and builds a
// subset-distributed Plan; it is a collective call, every rank in c
// must call it with the same numIOTasks. A non-empty fillValue wires
// up decomp.Decomposition.NeedFill the same way box.New does; see its
// doc for what it enables. handshake is forwarded the same way too.
func New(ctx context.Context, c comm.Communicator, d *decomp.Decomposition, numIOTasks, maxPending, elemSize int, fillValue []byte, handshake bool) (*rearrange.Rearranger, error) {
	if numIOTasks <= 0 {
		return nil, fmt.Errorf("subset: numIOTasks must be positive, got %d", numIOTasks)
	}

	localRegions := region.Coalesce(d.CompMap)
	dest := func(srcRank int, _ region.Region) int {
		return srcRank % numIOTasks
	}

	plan, err := rearrange.BuildPlan(ctx, c, localRegions, dest)
	if err != nil {
		return nil, fmt.Errorf("subset: %w", err)
	}
	// subset's real dest is keyed on the contributing compute rank, which
	// has no meaning for a global gap nobody contributes; fillGapDest
	// below borrows box's index-proportional rule just for assigning an
	// IO owner to those gaps, same as box.New's own dest would.
	fillGapDest := func(_ int, r region.Region) int {
		globalSize := d.GlobalSize()
		if globalSize <= 0 {
			return 0
		}
		task := int((r.GlobalStart - 1) * int64(numIOTasks) / globalSize)
		if task >= numIOTasks {
			task = numIOTasks - 1
		}
		if task < 0 {
			task = 0
		}
		return task
	}
	return rearrange.New(c, plan, maxPending, elemSize, d, numIOTasks, fillValue, fillGapDest, handshake), nil
}
