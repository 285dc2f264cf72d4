package subset

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

// TestSubsetRoundTripWithThreeComputeTasks exercises subset's defining
// behavior: with 3 compute tasks and 2 IO tasks, two different compute
// ranks land on the same IO task (rank 0 and rank 2 both map to IO
// task 0), and each arrives as its own whole, un-split contribution.
func TestSubsetRoundTripWithThreeComputeTasks(t *testing.T) {
	comms := localcomm.New(3)
	ctx := context.Background()

	globalDims := []int{9}
	maps := [][]int64{{1, 2, 3}, {4, 5, 6}, {7, 8, 9}}
	localVals := [][]float64{{1, 2, 3}, {4, 5, 6}, {7, 8, 9}}

	var g errgroup.Group
	ioBufs := make([][]byte, 3)
	for r := 0; r < 3; r++ {
		r := r
		g.Go(func() error {
			d := decomp.New(globalDims, maps[r])
			if err := decomp.Normalize(ctx, comms[r], d); err != nil {
				return err
			}
			rr, err := New(ctx, comms[r], d, 2, 4, 8, nil, false)
			if err != nil {
				return err
			}
			ioBuf, _, err := rr.ComputeToIO(ctx, encodeFloats(localVals[r]))
			ioBufs[r] = ioBuf
			return err
		})
	}
	require.NoError(t, g.Wait())

	// IO task 0 (ranks 0 and 2 map here via rank % 2) ends up holding
	// both contributions packed in GlobalStart order.
	require.Equal(t, []float64{1, 2, 3, 7, 8, 9}, decodeFloats(ioBufs[0]))
	require.Equal(t, []float64{4, 5, 6}, decodeFloats(ioBufs[1]))

	var g2 errgroup.Group
	compBufs := make([][]byte, 3)
	for r := 0; r < 3; r++ {
		r := r
		g2.Go(func() error {
			d := decomp.New(globalDims, maps[r])
			if err := decomp.Normalize(ctx, comms[r], d); err != nil {
				return err
			}
			rr, err := New(ctx, comms[r], d, 2, 4, 8, nil, false)
			if err != nil {
				return err
			}
			buf, err := rr.IOToCompute(ctx, ioBufs[r])
			compBufs[r] = buf
			return err
		})
	}
	require.NoError(t, g2.Wait())
	for r := 0; r < 3; r++ {
		require.Equal(t, localVals[r], decodeFloats(compBufs[r]))
	}
}
