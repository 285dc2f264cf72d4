// Package iosystem builds and tears down the process-group triplet
// (compute, I/O, union communicators) every other pario component reads
// handles against. It has three constructors matching spec.md's three
// init entry points; all three are collective over the Communicator
// they are given.
package iosystem

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/climbfuji/pario/pkg/comm"
	"github.com/climbfuji/pario/pkg/pioerr"
)

// FlowControlOpts are the per-direction swapm options spec.md's §4.8
// names, minus ISend: every flowctl.Exchange op already runs in its own
// goroutine, so there is no separate blocking-send mode for that flag to
// select here (see pkg/flowctl's New doc). IOSystem carries one default
// pair (compute->io, io->compute) new decompositions inherit unless
// overridden via SetRearrOpts.
type FlowControlOpts struct {
	// Handshake makes every rearranger built under this IOSystem
	// rendezvous sends with their receiver (pkg/flowctl.Exchange).
	Handshake  bool
	MaxPending int // -1 = unlimited
}

// DefaultFlowControlOpts mirrors flowctl.DefaultMaxPending.
func DefaultFlowControlOpts() FlowControlOpts {
	return FlowControlOpts{Handshake: false, MaxPending: 64}
}

// IOSystem is the process-group triplet plus the metadata every pario
// operation reads its rearranger/error-policy/flow-control defaults from.
type IOSystem struct {
	Compute comm.Communicator
	IO      comm.Communicator // nil on a pure compute task outside Async mode's io set
	Union   comm.Communicator

	// CompRanks and IORanks list, in Union rank-space, the ranks that
	// belong to the compute and I/O sides respectively.
	CompRanks []int
	IORanks   []int

	// CompMaster/IOMaster follow spec.md's compmaster/iomaster
	// convention: comm.Root on the rank-0 member of the respective
	// intracomm, comm.ProcNull everywhere else.
	CompMaster int
	IOMaster   int

	// CompMasterUnionRank/IOMasterUnionRank are the Union-communicator
	// rank numbers of the compute and I/O leaders, -1 if this union has
	// no member of that kind. asyncio.Invoke/Serve address their
	// control messages by these, since Union has no ANY_SOURCE wildcard.
	CompMasterUnionRank int
	IOMasterUnionRank   int

	// IOProc is true when this process participates in I/O.
	IOProc bool
	// Async is true when compute and I/O ranks are disjoint processes.
	Async bool

	DefaultRearranger string
	ErrorPolicy       pioerr.Policy
	FlowControl       FlowControlOpts
	BackendHints      map[string]string

	// Blocksize is the box rearranger's distribution unit (see
	// pkg/rearrange/box.New); 0 keeps its simpler proportional split.
	// Meaningless for "subset", which never blocks by global position.
	Blocksize int64

	// MaxIOBufferSize caps, in bytes, how much a File's multibuf.MultiBuffer
	// accumulates before flushing even if MaxBufferedRecords hasn't been
	// reached yet; 0 disables the byte trigger (only the record-count
	// trigger applies).
	MaxIOBufferSize int
}

// InitIntracomm builds a non-async IOSystem: I/O tasks are the compute
// ranks (base+i*stride) mod P for i in [0,nIOTasks). Compute and union
// collapse to the same process set; only the I/O sub-communicator is a
// genuine split.
func InitIntracomm(ctx context.Context, c comm.Communicator, nIOTasks, stride, base int, defaultRearranger string) (*IOSystem, error) {
	if nIOTasks < 1 {
		return nil, pioerr.Wrap("iosystem.InitIntracomm", pioerr.CodeBadDims, fmt.Errorf("nIOTasks must be >= 1, got %d", nIOTasks))
	}
	p := c.Size()
	if nIOTasks*stride > p {
		return nil, pioerr.Wrap("iosystem.InitIntracomm", pioerr.CodeBadDims, fmt.Errorf("nIOTasks(%d)*stride(%d) > compute size %d", nIOTasks, stride, p))
	}

	// Duplicate the compute communicator twice (compute, union), the
	// same way InitIntracomm's reference duplicates it: every rank
	// shares color 0, so Split just hands back an equivalent-but-
	// distinct Communicator instance per call.
	compute, err := c.Split(ctx, 0, c.Rank())
	if err != nil {
		return nil, fmt.Errorf("iosystem: duplicate compute comm: %w", err)
	}
	union, err := c.Split(ctx, 0, c.Rank())
	if err != nil {
		return nil, fmt.Errorf("iosystem: duplicate union comm: %w", err)
	}

	ioRanks := make([]int, nIOTasks)
	isIO := make(map[int]bool, nIOTasks)
	for i := 0; i < nIOTasks; i++ {
		r := (base + i*stride) % p
		ioRanks[i] = r
		isIO[r] = true
	}

	rank := c.Rank()
	color := comm.SplitExcluded
	if isIO[rank] {
		color = 0
	}
	ioComm, err := compute.Split(ctx, color, rank)
	if err != nil {
		return nil, fmt.Errorf("iosystem: split io comm: %w", err)
	}

	compMasterUnionRank, ioMasterUnionRank, err := resolveUnionMasterRanks(ctx, union, rank == comm.Root, isIOLeader(isIO[rank], ioComm))
	if err != nil {
		return nil, fmt.Errorf("iosystem: resolve master ranks: %w", err)
	}

	sys := &IOSystem{
		Compute:             compute,
		IO:                  ioComm,
		Union:               union,
		CompRanks:           sequence(p),
		IORanks:             ioRanks,
		CompMaster:          comm.ProcNull,
		IOMaster:            comm.ProcNull,
		CompMasterUnionRank: compMasterUnionRank,
		IOMasterUnionRank:   ioMasterUnionRank,
		IOProc:              isIO[rank],
		Async:               false,
		DefaultRearranger:   defaultRearranger,
		ErrorPolicy:         pioerr.PolicyReturn,
		FlowControl:         DefaultFlowControlOpts(),
	}
	if rank == comm.Root {
		sys.CompMaster = comm.Root
	}
	if sys.IOProc && ioComm.Rank() == comm.Root {
		sys.IOMaster = comm.Root
	}
	return sys, nil
}

// isIOLeader reports whether this process is rank 0 of a non-nil I/O
// communicator, i.e. the I/O leader.
func isIOLeader(isIO bool, ioComm comm.Communicator) bool {
	return isIO && ioComm != nil && ioComm.Rank() == comm.Root
}

// resolveUnionMasterRanks discovers the Union-rank of the compute leader
// and the I/O leader via an Allreduce(OpSum) instead of spec.md's implicit
// "compute-leader is union rank num_io_procs" convention, so the result
// holds regardless of how the caller ordered ranks when splitting union.
func resolveUnionMasterRanks(ctx context.Context, union comm.Communicator, isCompMaster, isIOMaster bool) (compRank, ioRank int, err error) {
	cVal := int64(0)
	if isCompMaster {
		cVal = int64(union.Rank() + 1)
	}
	cSum, err := union.Allreduce(ctx, cVal, comm.OpSum)
	if err != nil {
		return 0, 0, fmt.Errorf("resolve compute master: %w", err)
	}

	ioVal := int64(0)
	if isIOMaster {
		ioVal = int64(union.Rank() + 1)
	}
	ioSum, err := union.Allreduce(ctx, ioVal, comm.OpSum)
	if err != nil {
		return 0, 0, fmt.Errorf("resolve io master: %w", err)
	}
	return int(cSum) - 1, int(ioSum) - 1, nil
}

// ComponentSpec names one compute component's world-coordinate process
// list for InitAsync.
type ComponentSpec struct {
	ProcList []int
}

// InitAsync builds one IOSystem per component, all sharing one I/O
// intracomm; every component's union additionally spans that component's
// own compute ranks. Only "box"/"subset" are valid values of
// defaultRearranger, matching spec.md's restriction.
func InitAsync(ctx context.Context, world comm.Communicator, ioProcList []int, components []ComponentSpec, defaultRearranger string) ([]*IOSystem, error) {
	if defaultRearranger != "box" && defaultRearranger != "subset" {
		return nil, pioerr.Wrap("iosystem.InitAsync", pioerr.CodeBadDims, fmt.Errorf("async default rearranger must be box or subset, got %q", defaultRearranger))
	}

	rank := world.Rank()
	isIO := toSet(ioProcList)

	ioColor := comm.SplitExcluded
	if isIO[rank] {
		ioColor = 0
	}
	ioComm, err := world.Split(ctx, ioColor, rank)
	if err != nil {
		return nil, fmt.Errorf("iosystem: split shared io comm: %w", err)
	}

	systems := make([]*IOSystem, len(components))
	for k, comp := range components {
		compSet := toSet(comp.ProcList)

		compColor := comm.SplitExcluded
		if compSet[rank] {
			compColor = 0
		}
		compComm, err := world.Split(ctx, compColor, rank)
		if err != nil {
			return nil, fmt.Errorf("iosystem: split component %d compute comm: %w", k, err)
		}

		// This component's union spans io ranks union compSet; every
		// world rank must call Split collectively even when excluded.
		unionColor := comm.SplitExcluded
		if isIO[rank] || compSet[rank] {
			unionColor = 0
		}
		unionComm, err := world.Split(ctx, unionColor, rank)
		if err != nil {
			return nil, fmt.Errorf("iosystem: split component %d union comm: %w", k, err)
		}

		sys := &IOSystem{
			Compute:             compComm,
			IO:                  ioComm,
			Union:               unionComm,
			CompRanks:           append([]int(nil), comp.ProcList...),
			IORanks:             append([]int(nil), ioProcList...),
			CompMaster:          comm.ProcNull,
			IOMaster:            comm.ProcNull,
			CompMasterUnionRank: -1,
			IOMasterUnionRank:   -1,
			IOProc:              isIO[rank],
			Async:               true,
			DefaultRearranger:   defaultRearranger,
			ErrorPolicy:         pioerr.PolicyReturn,
			FlowControl:         DefaultFlowControlOpts(),
		}
		if compSet[rank] && compComm.Rank() == comm.Root {
			sys.CompMaster = comm.Root
		}
		if isIO[rank] && ioComm.Rank() == comm.Root {
			sys.IOMaster = comm.Root
		}
		if unionComm != nil {
			compRank, ioRank, err := resolveUnionMasterRanks(ctx, unionComm, sys.CompMaster == comm.Root, sys.IOMaster == comm.Root)
			if err != nil {
				return nil, fmt.Errorf("iosystem: resolve component %d master ranks: %w", k, err)
			}
			sys.CompMasterUnionRank, sys.IOMasterUnionRank = compRank, ioRank
		}
		systems[k] = sys
	}
	return systems, nil
}

// InitAsyncFromComms derives the same K IOSystems as InitAsync, but from
// Communicators the caller already split (ioComm non-nil for I/O
// processes, compComms[k] non-nil for component k's compute processes on
// this rank). Proc lists are recovered with a root-gather over world
// instead of spec.md's per-index Allreduce(MAX) vector exchange -- world
// has no vector-valued Allreduce, so this collapses to the same
// gather-then-broadcast shape pkg/rearrange.BuildPlan already uses for
// this kind of collective discovery.
func InitAsyncFromComms(ctx context.Context, world comm.Communicator, ioComm comm.Communicator, compComms []comm.Communicator, defaultRearranger string) ([]*IOSystem, error) {
	if defaultRearranger != "box" && defaultRearranger != "subset" {
		return nil, pioerr.Wrap("iosystem.InitAsyncFromComms", pioerr.CodeBadDims, fmt.Errorf("async default rearranger must be box or subset, got %q", defaultRearranger))
	}

	rank := world.Rank()
	k := len(compComms)

	membership := make([]int64, k+1) // [0]=io flag, [1..k]=component flags
	if ioComm != nil {
		membership[0] = 1
	}
	for i, cc := range compComms {
		if cc != nil {
			membership[i+1] = 1
		}
	}

	ioProcList, compProcLists, err := gatherMembership(ctx, world, membership, k)
	if err != nil {
		return nil, fmt.Errorf("iosystem: InitAsyncFromComms: %w", err)
	}

	systems := make([]*IOSystem, k)
	for i := 0; i < k; i++ {
		unionColor := comm.SplitExcluded
		isIO := ioComm != nil
		isComp := compComms[i] != nil
		if isIO || isComp {
			unionColor = 0
		}
		unionComm, err := world.Split(ctx, unionColor, rank)
		if err != nil {
			return nil, fmt.Errorf("iosystem: split component %d union comm: %w", i, err)
		}

		sys := &IOSystem{
			Compute:             compComms[i],
			IO:                  ioComm,
			Union:               unionComm,
			CompRanks:           compProcLists[i],
			IORanks:             ioProcList,
			CompMaster:          comm.ProcNull,
			IOMaster:            comm.ProcNull,
			CompMasterUnionRank: -1,
			IOMasterUnionRank:   -1,
			IOProc:              isIO,
			Async:               true,
			DefaultRearranger:   defaultRearranger,
			ErrorPolicy:         pioerr.PolicyReturn,
			FlowControl:         DefaultFlowControlOpts(),
		}
		if isComp && compComms[i].Rank() == comm.Root {
			sys.CompMaster = comm.Root
		}
		if isIO && ioComm.Rank() == comm.Root {
			sys.IOMaster = comm.Root
		}
		if unionComm != nil {
			compRank, ioRank, err := resolveUnionMasterRanks(ctx, unionComm, sys.CompMaster == comm.Root, sys.IOMaster == comm.Root)
			if err != nil {
				return nil, fmt.Errorf("iosystem: resolve component %d master ranks: %w", i, err)
			}
			sys.CompMasterUnionRank, sys.IOMasterUnionRank = compRank, ioRank
		}
		systems[i] = sys
	}
	return systems, nil
}

const membershipGatherTag = -4000

// gatherMembership is a root-gather-then-broadcast collective: every
// world rank sends its (isIO, isComponent[0..k)) flags to root, which
// assembles and broadcasts the full proc lists back to everyone.
func gatherMembership(ctx context.Context, world comm.Communicator, local []int64, k int) ([]int, [][]int, error) {
	root := comm.Root
	rank, size := world.Rank(), world.Size()

	if rank != root {
		if err := world.Send(ctx, root, membershipGatherTag, encodeInt64Slice(local)); err != nil {
			return nil, nil, fmt.Errorf("send membership to root: %w", err)
		}
		blob, err := world.Bcast(ctx, root, nil)
		if err != nil {
			return nil, nil, fmt.Errorf("broadcast membership: %w", err)
		}
		return decodeMembershipBlob(blob, k, size)
	}

	all := make([][]int64, size)
	all[root] = local
	for r := 0; r < size; r++ {
		if r == root {
			continue
		}
		buf, err := world.Recv(ctx, r, membershipGatherTag)
		if err != nil {
			return nil, nil, fmt.Errorf("recv membership from rank %d: %w", r, err)
		}
		all[r] = decodeInt64Slice(buf)
	}

	blob := encodeMembershipBlob(all)
	if _, err := world.Bcast(ctx, root, blob); err != nil {
		return nil, nil, fmt.Errorf("broadcast membership: %w", err)
	}
	return decodeMembershipBlob(blob, k, size)
}

func encodeMembershipBlob(all [][]int64) []byte {
	var flat []int64
	for _, row := range all {
		flat = append(flat, row...)
	}
	return encodeInt64Slice(flat)
}

func decodeMembershipBlob(blob []byte, k, size int) ([]int, [][]int, error) {
	flat := decodeInt64Slice(blob)
	if len(flat) != size*(k+1) {
		return nil, nil, fmt.Errorf("membership blob has %d entries, want %d", len(flat), size*(k+1))
	}
	var ioProcList []int
	compProcLists := make([][]int, k)
	for r := 0; r < size; r++ {
		row := flat[r*(k+1) : (r+1)*(k+1)]
		if row[0] != 0 {
			ioProcList = append(ioProcList, r)
		}
		for i := 0; i < k; i++ {
			if row[i+1] != 0 {
				compProcLists[i] = append(compProcLists[i], r)
			}
		}
	}
	return ioProcList, compProcLists, nil
}

func encodeInt64Slice(vals []int64) []byte {
	buf := make([]byte, 8*len(vals))
	for i, v := range vals {
		binary.BigEndian.PutUint64(buf[i*8:], uint64(v))
	}
	return buf
}

func decodeInt64Slice(buf []byte) []int64 {
	out := make([]int64, len(buf)/8)
	for i := range out {
		out[i] = int64(binary.BigEndian.Uint64(buf[i*8:]))
	}
	return out
}

func sequence(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

func toSet(ranks []int) map[int]bool {
	out := make(map[int]bool, len(ranks))
	for _, r := range ranks {
		out[r] = true
	}
	return out
}

// Free releases every Communicator this IOSystem owns. Safe to call once.
func (s *IOSystem) Free() error {
	var firstErr error
	for _, c := range []comm.Communicator{s.Compute, s.IO, s.Union} {
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
