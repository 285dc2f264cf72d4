package rearrange

import (
	"context"
	"fmt"
	"sort"

	"github.com/climbfuji/pario/pkg/comm"
	"github.com/climbfuji/pario/pkg/decomp"
	"github.com/climbfuji/pario/pkg/flowctl"
	"github.com/climbfuji/pario/pkg/region"
)

// Rearranger runs the compute<->IO exchange described by a Plan. Box and
// subset rearrangers differ only in how their Plan's destinations were
// assigned; the exchange mechanics below are identical for both, which
// is why pkg/rearrange/box and pkg/rearrange/subset are each a few lines
// of DestinationFunc plus a call to New.
type Rearranger struct {
	c        comm.Communicator
	plan     *Plan
	ex       *flowctl.Exchanger
	elemSize int

	// fillValue and localHoles answer decomp.Decomposition.NeedFill on
	// the compute side: localHoles are this rank's own compmap
	// positions that claim no global element at all, so IOToCompute
	// must stamp fillValue into them rather than leave them zeroed.
	fillValue  []byte
	localHoles []int

	// ioFillRegions are the global-index gaps no compute task's compmap
	// covers, assigned to this rank as an IO task -- the write side's
	// half of NeedFill (see computeFillRegions).
	ioFillRegions []region.Region
}

// New wraps an already-built Plan with the Communicator and flow-control
// budget its exchanges should use. d and numIOTasks are used only to
// resolve decomp.Decomposition.NeedFill: a nil d (or an empty fillValue)
// skips fill-region bookkeeping entirely. dest is the same
// DestinationFunc the caller built its Plan with, reused here to assign
// an IO-task owner to global gaps nobody's Plan entry covers -- its
// srcRank argument is meaningless for a gap (nobody contributes it), so
// it is always called with comm.Root; box's dest ignores srcRank
// already, and subset's borrows box's index-proportional rule for gaps
// specifically because subset's own rank-keyed rule has no notion of
// ownership for an index nobody sends (see pkg/rearrange/subset).
// handshake is forwarded to flowctl.New, see iosystem.FlowControlOpts.
func New(c comm.Communicator, plan *Plan, maxPending, elemSize int, d *decomp.Decomposition, numIOTasks int, fillValue []byte, dest DestinationFunc, handshake bool) *Rearranger {
	r := &Rearranger{c: c, plan: plan, ex: flowctl.New(c, maxPending, handshake), elemSize: elemSize}
	if d == nil {
		return r
	}
	for i, v := range d.CompMap {
		if v == 0 {
			r.localHoles = append(r.localHoles, i)
		}
	}
	if len(fillValue) == 0 {
		return r
	}
	r.fillValue = fillValue
	for _, g := range region.Complement(entryRegions(plan.Entries), d.GlobalSize()) {
		if dest(comm.Root, g) == c.Rank() {
			r.ioFillRegions = append(r.ioFillRegions, g)
		}
	}
	return r
}

func entryRegions(entries []Entry) []region.Region {
	out := make([]region.Region, len(entries))
	for i, e := range entries {
		out[i] = region.Region{GlobalStart: e.GlobalStart, Count: e.Count}
	}
	return out
}

// FillRegions returns this rank's share of the global-index gaps no
// compute task's compmap covers, already filtered to the IO task dest
// assigned each gap to -- the regions a fresh file's EndFileDef or a
// variable's first flush must pre-populate with its fill value.
func (r *Rearranger) FillRegions() []region.Region {
	return r.ioFillRegions
}

// FillLocalHoles overwrites every position in compBuf that this rank's
// own compmap leaves unclaimed (a hole at local buffer offset i, not
// necessarily uncovered globally) with repeated copies of fillValue.
// IOToCompute calls this automatically; it is exported so a direct
// ComputeToIO-side caller (there are none in this tree today) could
// reuse it too.
func (r *Rearranger) FillLocalHoles(compBuf []byte) []byte {
	if len(r.fillValue) == 0 || len(r.localHoles) == 0 {
		return compBuf
	}
	need := 0
	for _, i := range r.localHoles {
		if end := (i + 1) * r.elemSize; end > need {
			need = end
		}
	}
	if need > len(compBuf) {
		grown := make([]byte, need)
		copy(grown, compBuf)
		compBuf = grown
	}
	for _, i := range r.localHoles {
		copy(compBuf[i*r.elemSize:(i+1)*r.elemSize], r.fillValue)
	}
	return compBuf
}

// ComputeToIO redistributes this rank's local compute buffer (laid out
// per the decomposition's compmap) into an IO-side buffer packed as
// contiguous, GlobalStart-ascending regions ready for backend.PutVara.
func (r *Rearranger) ComputeToIO(ctx context.Context, compBuf []byte) ([]byte, []region.Region, error) {
	rank := r.c.Rank()
	sends := r.plan.Sends(rank)
	recvs := sortedByGlobalStart(r.plan.Recvs(rank))

	sendOps := make([]flowctl.SendOp, len(sends))
	for i, e := range sends {
		start := e.LocalOffset * r.elemSize
		end := start + int(e.Count)*r.elemSize
		if end > len(compBuf) {
			return nil, nil, fmt.Errorf("rearrange: compute buffer too short for entry %+v", e)
		}
		sendOps[i] = flowctl.SendOp{Dst: e.DstRank, Tag: e.Tag, Data: compBuf[start:end]}
	}
	recvOps := make([]flowctl.RecvOp, len(recvs))
	for i, e := range recvs {
		recvOps[i] = flowctl.RecvOp{Src: e.SrcRank, Tag: e.Tag}
	}

	results, err := r.ex.Exchange(ctx, sendOps, recvOps)
	if err != nil {
		return nil, nil, fmt.Errorf("rearrange: compute-to-io exchange: %w", err)
	}

	var ioBuf []byte
	ioRegions := make([]region.Region, len(recvs))
	offset := 0
	for i, e := range recvs {
		ioBuf = append(ioBuf, results[i]...)
		ioRegions[i] = region.Region{GlobalStart: e.GlobalStart, Count: e.Count, LocalOffset: offset}
		offset += int(e.Count)
	}
	return ioBuf, ioRegions, nil
}

// IORegions returns, in the same GlobalStart-ascending, contiguous
// layout ComputeToIO's return value uses, the region set this rank
// would receive as an I/O destination. ReadDarray calls this on every
// rank before IOToCompute: an I/O rank uses it to drive one GetVara per
// region and assemble ioBuf; a pure compute rank gets an empty slice and
// passes a nil ioBuf through to IOToCompute instead.
func (r *Rearranger) IORegions() []region.Region {
	recvs := sortedByGlobalStart(r.plan.Recvs(r.c.Rank()))
	regions := make([]region.Region, len(recvs))
	offset := 0
	for i, e := range recvs {
		regions[i] = region.Region{GlobalStart: e.GlobalStart, Count: e.Count, LocalOffset: offset}
		offset += int(e.Count)
	}
	return regions
}

// IOToCompute is the inverse of ComputeToIO, used by ReadDarray: ioBuf
// must be laid out exactly as ComputeToIO's return value is (contiguous
// regions in GlobalStart-ascending order for this rank's Plan.Recvs).
func (r *Rearranger) IOToCompute(ctx context.Context, ioBuf []byte) ([]byte, error) {
	rank := r.c.Rank()
	recvs := sortedByGlobalStart(r.plan.Recvs(rank))

	sendOps := make([]flowctl.SendOp, len(recvs))
	offset := 0
	for i, e := range recvs {
		n := int(e.Count) * r.elemSize
		if offset+n > len(ioBuf) {
			return nil, fmt.Errorf("rearrange: io buffer too short for entry %+v", e)
		}
		sendOps[i] = flowctl.SendOp{Dst: e.SrcRank, Tag: e.Tag, Data: ioBuf[offset : offset+n]}
		offset += n
	}

	sends := r.plan.Sends(rank)
	recvOps := make([]flowctl.RecvOp, len(sends))
	for i, e := range sends {
		recvOps[i] = flowctl.RecvOp{Src: e.DstRank, Tag: e.Tag}
	}

	results, err := r.ex.Exchange(ctx, sendOps, recvOps)
	if err != nil {
		return nil, fmt.Errorf("rearrange: io-to-compute exchange: %w", err)
	}

	maxLen := 0
	for _, e := range sends {
		if end := (e.LocalOffset + int(e.Count)) * r.elemSize; end > maxLen {
			maxLen = end
		}
	}
	compBuf := make([]byte, maxLen)
	for i, e := range sends {
		start := e.LocalOffset * r.elemSize
		copy(compBuf[start:start+len(results[i])], results[i])
	}
	return r.FillLocalHoles(compBuf), nil
}

func sortedByGlobalStart(entries []Entry) []Entry {
	out := append([]Entry(nil), entries...)
	sort.Slice(out, func(i, j int) bool { return out[i].GlobalStart < out[j].GlobalStart })
	return out
}

// ComputeToIOBatch is ComputeToIO for several compute buffers sharing
// this Rearranger's Plan (typically several records of the same
// variable buffered by a multibuf.MultiBuffer) in a single flowctl
// exchange: every buffer's entries get their own tag offset by its
// index in buffers, so one Exchange call carries all of them instead of
// one call per buffer. This is the batching multibuf relies on to
// collapse many pending writes into exactly one rearrangement.
func (r *Rearranger) ComputeToIOBatch(ctx context.Context, buffers [][]byte) ([][]byte, [][]region.Region, error) {
	rank := r.c.Rank()
	sends := r.plan.Sends(rank)
	recvs := sortedByGlobalStart(r.plan.Recvs(rank))
	stride := len(r.plan.Entries) + 1

	var sendOps []flowctl.SendOp
	for bi, buf := range buffers {
		for _, e := range sends {
			start := e.LocalOffset * r.elemSize
			end := start + int(e.Count)*r.elemSize
			if end > len(buf) {
				return nil, nil, fmt.Errorf("rearrange: compute buffer %d too short for entry %+v", bi, e)
			}
			sendOps = append(sendOps, flowctl.SendOp{Dst: e.DstRank, Tag: e.Tag + bi*stride, Data: buf[start:end]})
		}
	}

	var recvOps []flowctl.RecvOp
	for bi := range buffers {
		for _, e := range recvs {
			recvOps = append(recvOps, flowctl.RecvOp{Src: e.SrcRank, Tag: e.Tag + bi*stride})
		}
	}

	results, err := r.ex.Exchange(ctx, sendOps, recvOps)
	if err != nil {
		return nil, nil, fmt.Errorf("rearrange: batched compute-to-io exchange: %w", err)
	}

	ioBufs := make([][]byte, len(buffers))
	ioRegionSets := make([][]region.Region, len(buffers))
	idx := 0
	for bi := range buffers {
		var ioBuf []byte
		regions := make([]region.Region, len(recvs))
		offset := 0
		for i, e := range recvs {
			ioBuf = append(ioBuf, results[idx]...)
			regions[i] = region.Region{GlobalStart: e.GlobalStart, Count: e.Count, LocalOffset: offset}
			offset += int(e.Count)
			idx++
		}
		ioBufs[bi] = ioBuf
		ioRegionSets[bi] = regions
	}
	return ioBufs, ioRegionSets, nil
}
