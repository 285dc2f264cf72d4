package box

import (
	"context"
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/climbfuji/pario/pkg/comm/localcomm"
	"github.com/climbfuji/pario/pkg/decomp"
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

// TestLinearRoundTrip covers a 1-D, fully-covering, non-duplicate
// decomposition split evenly across two compute/IO tasks: every element
// written on the compute side must come back unchanged on read.
func TestLinearRoundTrip(t *testing.T) {
	comms := localcomm.New(2)
	ctx := context.Background()

	globalDims := []int{6}
	maps := [][]int64{{1, 2, 3}, {4, 5, 6}}
	localVals := [][]float64{{10, 20, 30}, {40, 50, 60}}

	var g errgroup.Group
	ioBufs := make([][]byte, 2)
	for r := 0; r < 2; r++ {
		r := r
		g.Go(func() error {
			d := decomp.New(globalDims, maps[r])
			if err := decomp.Normalize(ctx, comms[r], d); err != nil {
				return err
			}
			rr, err := New(ctx, comms[r], d, 2, 4, 8, nil, false, 0)
			if err != nil {
				return err
			}
			ioBuf, _, err := rr.ComputeToIO(ctx, encodeFloats(localVals[r]))
			ioBufs[r] = ioBuf
			return err
		})
	}
	require.NoError(t, g.Wait())

	// Box distributes the global index range evenly: [1,3] -> io0,
	// [4,6] -> io1, so each IO task ends up holding exactly one
	// compute task's contribution, already in global order.
	require.Equal(t, []float64{10, 20, 30}, decodeFloats(ioBufs[0]))
	require.Equal(t, []float64{40, 50, 60}, decodeFloats(ioBufs[1]))

	// Read path: feed the IO buffers back through the same rearranger
	// and confirm the compute side gets its original values back.
	var g2 errgroup.Group
	compBufs := make([][]byte, 2)
	for r := 0; r < 2; r++ {
		r := r
		g2.Go(func() error {
			d := decomp.New(globalDims, maps[r])
			if err := decomp.Normalize(ctx, comms[r], d); err != nil {
				return err
			}
			rr, err := New(ctx, comms[r], d, 2, 4, 8, nil, false, 0)
			if err != nil {
				return err
			}
			buf, err := rr.IOToCompute(ctx, ioBufs[r])
			compBufs[r] = buf
			return err
		})
	}
	require.NoError(t, g2.Wait())
	require.Equal(t, localVals[0], decodeFloats(compBufs[0]))
	require.Equal(t, localVals[1], decodeFloats(compBufs[1]))
}

// TestBlockCyclicDistribution checks a positive blocksize switches box
// from its default whole-array proportional split to a fixed-size
// block-cyclic one. Four compute ranks each own one 2-element block of
// an 8-element array; only ranks 0 and 1 also act as the 2 I/O tasks.
// blocksize 2 over 2 I/O tasks assigns blocks round-robin, so io0 ends
// up with the non-contiguous union of blocks 0 and 2 ([1,2] and [5,6])
// rather than the contiguous first half a proportional split would give
// it.
func TestBlockCyclicDistribution(t *testing.T) {
	comms := localcomm.New(4)
	ctx := context.Background()

	globalDims := []int{8}
	maps := [][]int64{{1, 2}, {3, 4}, {5, 6}, {7, 8}}

	var g errgroup.Group
	ioBufs := make([][]byte, 4)
	for r := 0; r < 4; r++ {
		r := r
		g.Go(func() error {
			d := decomp.New(globalDims, maps[r])
			if err := decomp.Normalize(ctx, comms[r], d); err != nil {
				return err
			}
			rr, err := New(ctx, comms[r], d, 2, 4, 8, nil, false, 2)
			if err != nil {
				return err
			}
			localVals := []float64{maps[r][0], maps[r][1]}
			ioBuf, _, err := rr.ComputeToIO(ctx, encodeFloats(localVals))
			ioBufs[r] = ioBuf
			return err
		})
	}
	require.NoError(t, g.Wait())

	require.Equal(t, []float64{1, 2, 5, 6}, decodeFloats(ioBufs[0]))
	require.Equal(t, []float64{3, 4, 7, 8}, decodeFloats(ioBufs[1]))
	require.Empty(t, ioBufs[2])
	require.Empty(t, ioBufs[3])
}

func TestTwoDimensionalWithHoleNeedsFill(t *testing.T) {
	comms := localcomm.New(2)
	ctx := context.Background()

	// 2x4 global array flattened row-major; rank0 owns row 0 minus one
	// hole, rank1 owns row 1 fully.
	globalDims := []int{2, 4}
	maps := [][]int64{{1, 0, 3, 4}, {5, 6, 7, 8}}

	var g errgroup.Group
	decs := make([]*decomp.Decomposition, 2)
	for r := 0; r < 2; r++ {
		r := r
		g.Go(func() error {
			d := decomp.New(globalDims, maps[r])
			decs[r] = d
			return decomp.Normalize(ctx, comms[r], d)
		})
	}
	require.NoError(t, g.Wait())

	for _, d := range decs {
		require.True(t, d.NeedFill)
		require.False(t, d.ReadOnly)
	}
}
