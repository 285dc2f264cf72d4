// Package multibuf is pario's write-behind aggregator: it accumulates
// several WriteDarray calls for one variable in memory and only runs the
// rearranger and issues backend writes once a flush trigger fires
// (buffered byte budget, buffered record count, or an explicit Sync).
// This mirrors the dirty-buffer coalescing this codebase's cache/flush
// layer performs before touching the storage backend, generalized from
// one flush cause to the three pario needs.
package multibuf

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/climbfuji/pario/internal/logger"
	"github.com/climbfuji/pario/pkg/backend"
	"github.com/climbfuji/pario/pkg/rearrange"
	"github.com/climbfuji/pario/pkg/region"
)

// FlushCause names why a flush ran, for logging/metrics.
type FlushCause string

const (
	CauseByteBudget   FlushCause = "byte_budget"
	CauseRecordBudget FlushCause = "record_budget"
	CauseExplicit     FlushCause = "explicit"
)

type pending struct {
	record  int64
	compBuf []byte
}

// MultiBuffer aggregates pending writes for one variable against one
// Rearranger (and therefore one Decomposition) before flushing them
// through one backend.
type MultiBuffer struct {
	varid int
	be    backend.Backend
	rr    *rearrange.Rearranger
	spec  backend.VarSpec

	maxBytes   int
	maxRecords int

	bufferedBytes int
	entries       []pending
}

// New returns a MultiBuffer that flushes automatically once either the
// buffered byte count reaches maxBytes or the buffered record count
// reaches maxRecords. A non-positive value disables that trigger. spec
// carries the variable's true shape and fill value (backend.VarSpec),
// used to unflatten hyperslabs and, when NeedFill applies, to write the
// fill value into this rank's share of the global gaps (see
// rearrange.Rearranger.FillRegions).
func New(varid int, be backend.Backend, rr *rearrange.Rearranger, spec backend.VarSpec, maxBytes, maxRecords int) *MultiBuffer {
	return &MultiBuffer{varid: varid, be: be, rr: rr, spec: spec, maxBytes: maxBytes, maxRecords: maxRecords}
}

// Add buffers one record's compute-side write. It flushes automatically
// if a trigger is now satisfied, reporting whether it flushed and the
// flush's error.
func (m *MultiBuffer) Add(ctx context.Context, record int64, compBuf []byte) (flushed bool, err error) {
	m.entries = append(m.entries, pending{record: record, compBuf: compBuf})
	m.bufferedBytes += len(compBuf)

	switch {
	case m.maxBytes > 0 && m.bufferedBytes >= m.maxBytes:
		return true, m.Flush(ctx, CauseByteBudget)
	case m.maxRecords > 0 && len(m.entries) >= m.maxRecords:
		return true, m.Flush(ctx, CauseRecordBudget)
	default:
		return false, nil
	}
}

// Flush runs exactly one rearrangement (Rearranger.ComputeToIOBatch)
// over every buffered record and issues one backend.PutVara per
// resulting IO region. A flush with nothing buffered is a no-op.
func (m *MultiBuffer) Flush(ctx context.Context, cause FlushCause) error {
	if len(m.entries) == 0 {
		return nil
	}
	entries := m.entries
	m.entries = nil
	m.bufferedBytes = 0
	flushID := uuid.NewString()

	buffers := make([][]byte, len(entries))
	for i, e := range entries {
		buffers[i] = e.compBuf
	}

	ioBufs, ioRegionSets, err := m.rr.ComputeToIOBatch(ctx, buffers)
	if err != nil {
		return fmt.Errorf("multibuf: flush %s varid %d: %w", flushID, m.varid, err)
	}

	writes := 0
	for i, regions := range ioRegionSets {
		ioBuf := ioBufs[i]
		record := entries[i].record
		elemSize := elemSizeOf(ioBuf, regions)
		for _, r := range regions {
			starts, counts := m.toStartCount(record, r)
			data := ioBuf[r.LocalOffset*elemSize : (r.LocalOffset+int(r.Count))*elemSize]
			offset := 0
			for j := range starts {
				n := int(counts[j][len(counts[j])-1]) * elemSize
				if err := m.be.PutVara(ctx, m.varid, starts[j], counts[j], data[offset:offset+n]); err != nil {
					return fmt.Errorf("multibuf: flush %s varid %d record %d: %w", flushID, m.varid, record, err)
				}
				offset += n
				writes++
			}
		}
		if err := m.writeFillRegions(ctx, record); err != nil {
			return fmt.Errorf("multibuf: flush %s varid %d record %d fill: %w", flushID, m.varid, record, err)
		}
	}

	logger.DebugCtx(ctx, "multibuf flushed",
		logger.FlushID(flushID), logger.VarID(m.varid), logger.FlushCause(string(cause)),
		logger.Regions(writes), logger.Bytes(totalLen(buffers)))
	return nil
}

func totalLen(buffers [][]byte) int {
	n := 0
	for _, b := range buffers {
		n += len(b)
	}
	return n
}

// elemSizeOf recovers the per-element byte size from an io buffer and
// its region set: the buffer holds exactly sum(count)*elemSize bytes.
func elemSizeOf(ioBuf []byte, regions []region.Region) int {
	var totalCount int64
	for _, r := range regions {
		totalCount += r.Count
	}
	if totalCount == 0 {
		return 0
	}
	return len(ioBuf) / int(totalCount)
}

// toStartCount unflattens one IO region against the variable's true N-D
// shape (region.Unflatten), prepending the record index to every
// returned hyperslab when the variable has a record dimension. A run
// that doesn't fit in one rectangular hyperslab comes back as more than
// one start/count pair, same as pkg/pario's recordStartCount.
func (m *MultiBuffer) toStartCount(record int64, r region.Region) (starts [][]int64, counts [][]int64) {
	starts, counts = region.Unflatten(r, m.spec.Dims)
	if !m.spec.HasRecord {
		return starts, counts
	}
	for i := range starts {
		starts[i] = append([]int64{record}, starts[i]...)
		counts[i] = append([]int64{1}, counts[i]...)
	}
	return starts, counts
}

// writeFillRegions pre-populates this rank's share of the global-index
// gaps no compute task's compmap covers (decomp.Decomposition.NeedFill)
// with repeated copies of the variable's fill value, for the record
// just flushed. A variable with no FillValue, or a rearranger with no
// gaps assigned to this rank, makes this a no-op.
func (m *MultiBuffer) writeFillRegions(ctx context.Context, record int64) error {
	if len(m.spec.FillValue) == 0 {
		return nil
	}
	for _, r := range m.rr.FillRegions() {
		fill := make([]byte, int(r.Count)*len(m.spec.FillValue))
		for i := 0; i < int(r.Count); i++ {
			copy(fill[i*len(m.spec.FillValue):], m.spec.FillValue)
		}
		starts, counts := m.toStartCount(record, r)
		offset := 0
		for j := range starts {
			n := int(counts[j][len(counts[j])-1]) * len(m.spec.FillValue)
			if err := m.be.PutVara(ctx, m.varid, starts[j], counts[j], fill[offset:offset+n]); err != nil {
				return err
			}
			offset += n
		}
	}
	return nil
}
