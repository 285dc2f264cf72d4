package multibuf

import (
	"context"
	"encoding/binary"
	"math"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/climbfuji/pario/pkg/backend"
	"github.com/climbfuji/pario/pkg/backend/localfile"
	"github.com/climbfuji/pario/pkg/comm/localcomm"
	"github.com/climbfuji/pario/pkg/decomp"
	"github.com/climbfuji/pario/pkg/rearrange/box"
)

func encodeFloats(vals []float64) []byte {
	buf := make([]byte, 8*len(vals))
	for i, v := range vals {
		binary.BigEndian.PutUint64(buf[i*8:], math.Float64bits(v))
	}
	return buf
}

func decodeFloats(buf []byte) []float64 {
	out := make([]float64, len(buf)/8)
	for i := range out {
		out[i] = math.Float64frombits(binary.BigEndian.Uint64(buf[i*8:]))
	}
	return out
}

// TestFlushRunsOneRearrangementAndNBackendWrites buffers two records'
// worth of writes for one rank and confirms a single Flush call
// produces exactly one PutVara per IO region per buffered record.
func TestFlushRunsOneRearrangementAndNBackendWrites(t *testing.T) {
	comms := localcomm.New(2)
	ctx := context.Background()

	globalDims := []int{4}
	maps := [][]int64{{1, 2}, {3, 4}}

	var g errgroup.Group
	writeCounts := make([]int, 2)
	for r := 0; r < 2; r++ {
		r := r
		g.Go(func() error {
			d := decomp.New(globalDims, maps[r])
			if err := decomp.Normalize(ctx, comms[r], d); err != nil {
				return err
			}
			rr, err := box.New(ctx, comms[r], d, 2, 4, 8, nil, false, 0)
			if err != nil {
				return err
			}

			be, err := localfile.Create(filepath.Join(t.TempDir(), "mb.pario"))
			if err != nil {
				return err
			}
			spec := backend.VarSpec{
				Name: "v", ElemSize: 8, Dims: []int64{2}, HasRecord: true,
			}
			varid, err := be.Define(ctx, spec)
			if err != nil {
				return err
			}
			if err := be.EndDef(ctx); err != nil {
				return err
			}

			counting := &countingBackend{Backend: be}
			mb := New(varid, counting, rr, spec, 0, 2) // flush after 2 buffered records

			flushed, err := mb.Add(ctx, 0, encodeFloats([]float64{float64(r)*10 + 1, float64(r)*10 + 2}))
			if err != nil {
				return err
			}
			require.False(t, flushed)
			flushed, err = mb.Add(ctx, 1, encodeFloats([]float64{float64(r)*10 + 3, float64(r)*10 + 4}))
			if err != nil {
				return err
			}
			require.True(t, flushed)

			writeCounts[r] = counting.puts
			return nil
		})
	}
	require.NoError(t, g.Wait())

	// Each rank owns exactly one IO region per buffered record (its
	// local compmap is a single contiguous run), so 2 records -> 2
	// PutVara calls, even though the whole flush only runs one
	// rearrangement.
	require.Equal(t, 2, writeCounts[0])
	require.Equal(t, 2, writeCounts[1])
}

type countingBackend struct {
	backend.Backend
	puts int
}

func (c *countingBackend) PutVara(ctx context.Context, varid int, start, count []int64, data []byte) error {
	c.puts++
	return c.Backend.PutVara(ctx, varid, start, count, data)
}
