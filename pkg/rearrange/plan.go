// Package rearrange holds the parts shared by the box and subset
// rearranger algorithms: the wire encoding for one region transfer and
// the collective plan-building step that turns every task's local
// regions into a system-wide send/recv schedule, computed once per
// decomposition and reused on every write or read.
package rearrange

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/climbfuji/pario/pkg/comm"
	"github.com/climbfuji/pario/pkg/region"
)

// planTag is the reserved Communicator tag the plan-building gather
// uses, kept out of the range pario's exchange tags occupy.
const planTag = -2000

// Entry is one region transfer: SrcRank's local data at [LocalOffset,
// LocalOffset+Count) moves to DstRank, addressed in the global array at
// [GlobalStart, GlobalStart+Count).
type Entry struct {
	SrcRank     int
	DstRank     int
	GlobalStart int64
	Count       int64
	LocalOffset int
	// Tag is the exchange tag both SrcRank and DstRank use for this
	// entry's Send/Recv; assigned deterministically by BuildPlan so
	// every rank derives it without further coordination.
	Tag int
}

// Plan is the full system-wide region transfer schedule for one
// decomposition under one rearranger's destination-assignment rule.
type Plan struct {
	Entries []Entry
	mine    []Entry // cached: entries touching the local rank, either as src or dst
}

// Sends returns this rank's outgoing entries.
func (p *Plan) Sends(rank int) []Entry {
	var out []Entry
	for _, e := range p.mine {
		if e.SrcRank == rank {
			out = append(out, e)
		}
	}
	return out
}

// Recvs returns this rank's incoming entries.
func (p *Plan) Recvs(rank int) []Entry {
	var out []Entry
	for _, e := range p.mine {
		if e.DstRank == rank {
			out = append(out, e)
		}
	}
	return out
}

// DestinationFunc assigns the destination rank for one of the caller's
// local regions; box and subset rearrangers each supply their own.
type DestinationFunc func(srcRank int, r region.Region) int

// BuildPlan is a collective: every rank in c calls it with its own
// local regions (see region.Coalesce) and the same DestinationFunc.
// Internally it gathers every rank's (region, destination) pairs to
// root and broadcasts the full list back; every rank then numbers the
// entries in that shared order, giving each a unique tag, and derives
// its own sends and receives.
func BuildPlan(ctx context.Context, c comm.Communicator, localRegions []region.Region, dest DestinationFunc) (*Plan, error) {
	rank := c.Rank()
	local := make([]Entry, len(localRegions))
	for i, r := range localRegions {
		local[i] = Entry{
			SrcRank:     rank,
			DstRank:     dest(rank, r),
			GlobalStart: r.GlobalStart,
			Count:       r.Count,
			LocalOffset: r.LocalOffset,
		}
	}

	all, err := gatherEntries(ctx, c, local)
	if err != nil {
		return nil, fmt.Errorf("rearrange: build plan: %w", err)
	}

	encoded := encodeEntries(all)
	blob, err := c.Bcast(ctx, comm.Root, encoded)
	if err != nil {
		return nil, fmt.Errorf("rearrange: broadcast plan: %w", err)
	}
	all = decodeEntries(blob)
	// The wire encoding carries no tag, so every rank numbers the
	// broadcast entries itself, in the same shared order.
	for i := range all {
		all[i].Tag = i
	}

	plan := &Plan{Entries: all}
	for _, e := range all {
		if e.SrcRank == rank || e.DstRank == rank {
			plan.mine = append(plan.mine, e)
		}
	}
	return plan, nil
}

// gatherEntries collects every rank's local entry list onto root and
// returns the concatenation (in ascending rank order) on root and nil on
// every other rank; BuildPlan's Bcast then hands it to everyone, the
// same root-gather-then-broadcast shape tcpcomm.Split uses to agree on
// group membership without a dedicated Gather verb in Communicator.
func gatherEntries(ctx context.Context, c comm.Communicator, local []Entry) ([]Entry, error) {
	root := comm.Root
	rank := c.Rank()
	size := c.Size()

	if rank != root {
		if err := c.Send(ctx, root, planTag, encodeEntries(local)); err != nil {
			return nil, fmt.Errorf("send local entries to root: %w", err)
		}
		return nil, nil
	}

	all := append([]Entry(nil), local...)
	for r := 0; r < size; r++ {
		if r == root {
			continue
		}
		buf, err := c.Recv(ctx, r, planTag)
		if err != nil {
			return nil, fmt.Errorf("recv entries from rank %d: %w", r, err)
		}
		all = append(all, decodeEntries(buf)...)
	}
	return all, nil
}

const entryWireSize = 8 * 5 // SrcRank, DstRank, GlobalStart, Count, LocalOffset, as int64

func encodeEntries(entries []Entry) []byte {
	buf := make([]byte, 0, entryWireSize*len(entries))
	var tmp [entryWireSize]byte
	for _, e := range entries {
		binary.BigEndian.PutUint64(tmp[0:8], uint64(e.SrcRank))
		binary.BigEndian.PutUint64(tmp[8:16], uint64(e.DstRank))
		binary.BigEndian.PutUint64(tmp[16:24], uint64(e.GlobalStart))
		binary.BigEndian.PutUint64(tmp[24:32], uint64(e.Count))
		binary.BigEndian.PutUint64(tmp[32:40], uint64(e.LocalOffset))
		buf = append(buf, tmp[:]...)
	}
	return buf
}

func decodeEntries(buf []byte) []Entry {
	var out []Entry
	for len(buf) >= entryWireSize {
		e := Entry{
			SrcRank:     int(int64(binary.BigEndian.Uint64(buf[0:8]))),
			DstRank:     int(int64(binary.BigEndian.Uint64(buf[8:16]))),
			GlobalStart: int64(binary.BigEndian.Uint64(buf[16:24])),
			Count:       int64(binary.BigEndian.Uint64(buf[24:32])),
			LocalOffset: int(int64(binary.BigEndian.Uint64(buf[32:40]))),
		}
		out = append(out, e)
		buf = buf[entryWireSize:]
	}
	return out
}
