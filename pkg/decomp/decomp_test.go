package decomp

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/climbfuji/pario/pkg/comm/localcomm"
)

func TestNormalizeExactCoverage(t *testing.T) {
	comms := localcomm.New(2)
	ctx := context.Background()

	maps := [][]int64{{1, 2, 3}, {4, 5, 6}}
	decs := make([]*Decomposition, 2)
	var g errgroup.Group
	for r := 0; r < 2; r++ {
		r := r
		g.Go(func() error {
			d := New([]int{6}, maps[r])
			decs[r] = d
			return Normalize(ctx, comms[r], d)
		})
	}
	require.NoError(t, g.Wait())
	for _, d := range decs {
		require.False(t, d.ReadOnly)
		require.False(t, d.NeedFill)
	}
}

func TestNormalizeDetectsHoles(t *testing.T) {
	comms := localcomm.New(2)
	ctx := context.Background()

	maps := [][]int64{{1, 0, 3}, {0, 5, 0}}
	decs := make([]*Decomposition, 2)
	var g errgroup.Group
	for r := 0; r < 2; r++ {
		r := r
		g.Go(func() error {
			d := New([]int{6}, maps[r])
			decs[r] = d
			return Normalize(ctx, comms[r], d)
		})
	}
	require.NoError(t, g.Wait())
	for _, d := range decs {
		require.True(t, d.NeedFill)
		require.False(t, d.ReadOnly)
	}
}

func TestNormalizeDetectsDuplicateMap(t *testing.T) {
	comms := localcomm.New(2)
	ctx := context.Background()

	maps := [][]int64{{1, 2, 3}, {2, 3, 4}}
	decs := make([]*Decomposition, 2)
	var g errgroup.Group
	for r := 0; r < 2; r++ {
		r := r
		g.Go(func() error {
			d := New([]int{6}, maps[r])
			decs[r] = d
			return Normalize(ctx, comms[r], d)
		})
	}
	require.NoError(t, g.Wait())
	for _, d := range decs {
		require.True(t, d.ReadOnly)
	}
}
