package rearrange

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/climbfuji/pario/pkg/comm/localcomm"
	"github.com/climbfuji/pario/pkg/region"
)

func TestBuildPlanAssignsTagsAndRoutes(t *testing.T) {
	comms := localcomm.New(2)
	ctx := context.Background()

	local := [][]region.Region{
		{{GlobalStart: 1, Count: 2, LocalOffset: 0}},
		{{GlobalStart: 3, Count: 2, LocalOffset: 0}},
	}
	dest := func(srcRank int, r region.Region) int { return 1 - srcRank }

	plans := make([]*Plan, 2)
	var g errgroup.Group
	for r := 0; r < 2; r++ {
		r := r
		g.Go(func() error {
			p, err := BuildPlan(ctx, comms[r], local[r], dest)
			plans[r] = p
			return err
		})
	}
	require.NoError(t, g.Wait())

	require.Len(t, plans[0].Entries, 2)
	require.Len(t, plans[1].Entries, 2)

	sends0 := plans[0].Sends(0)
	require.Len(t, sends0, 1)
	require.Equal(t, 1, sends0[0].DstRank)

	recvs1 := plans[1].Recvs(1)
	require.Len(t, recvs1, 1)
	require.Equal(t, int64(1), recvs1[0].GlobalStart)

	// Tags must agree between the two sides of the same transfer.
	require.Equal(t, sends0[0].Tag, recvs1[0].Tag)
}
