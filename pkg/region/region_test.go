package region

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/climbfuji/pario/pkg/comm/localcomm"
)

func TestCoalesceMergesContiguousRun(t *testing.T) {
	regions := Coalesce([]int64{1, 2, 3, 4})
	require.Len(t, regions, 1)
	require.Equal(t, Region{GlobalStart: 1, Count: 4, LocalOffset: 0}, regions[0])
}

func TestCoalesceBreaksOnHole(t *testing.T) {
	regions := Coalesce([]int64{1, 2, 0, 5, 6})
	require.Equal(t, []Region{
		{GlobalStart: 1, Count: 2, LocalOffset: 0},
		{GlobalStart: 5, Count: 2, LocalOffset: 3},
	}, regions)
}

func TestCoalesceBreaksOnNonContiguousGlobal(t *testing.T) {
	regions := Coalesce([]int64{1, 2, 10, 11})
	require.Equal(t, []Region{
		{GlobalStart: 1, Count: 2, LocalOffset: 0},
		{GlobalStart: 10, Count: 2, LocalOffset: 2},
	}, regions)
}

func TestMaxRegionCountTakesCollectiveMax(t *testing.T) {
	comms := localcomm.New(2)
	ctx := context.Background()

	local := [][]Region{
		make([]Region, 3),
		make([]Region, 1),
	}
	results := make([]int, 2)
	var g errgroup.Group
	for r := 0; r < 2; r++ {
		r := r
		g.Go(func() error {
			n, err := MaxRegionCount(ctx, comms[r], local[r])
			results[r] = n
			return err
		})
	}
	require.NoError(t, g.Wait())
	require.Equal(t, 3, results[0])
	require.Equal(t, 3, results[1])
}
