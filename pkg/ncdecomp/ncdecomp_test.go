package ncdecomp

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/climbfuji/pario/pkg/backend/localfile"
	"github.com/climbfuji/pario/pkg/comm/localcomm"
	"github.com/climbfuji/pario/pkg/decomp"
)

// TestWriteReadRoundTrip covers the decomposition-persistence invariant
// from spec.md's testable-properties section: global dims, every task's
// map, and the rearranger tag all survive a write_nc_decomp/read_nc_decomp
// cycle.
func TestWriteReadRoundTrip(t *testing.T) {
	comms := localcomm.New(2)
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "decomp.ncdecomp")

	globalDims := []int{6}
	maps := [][]int64{{1, 2, 3}, {4, 5, 6}}

	var layout Layout
	var g errgroup.Group
	for r := 0; r < 2; r++ {
		r := r
		g.Go(func() error {
			d := decomp.New(globalDims, maps[r])
			if err := decomp.Normalize(ctx, comms[r], d); err != nil {
				return err
			}

			var be *localfile.Backend
			var err error
			if r == 0 {
				be, err = localfile.Create(path)
			} else {
				// Non-root never touches be (see WriteNcDecomp), but every
				// rank must still pass a non-nil Backend value of the
				// right type to satisfy the call; a throwaway file in
				// the test's temp dir is fine since it is never read or
				// written.
				be, err = localfile.Create(filepath.Join(t.TempDir(), "unused.bin"))
			}
			if err != nil {
				return err
			}
			defer be.Close(ctx)

			got, err := WriteNcDecomp(ctx, comms[r], be, d, "box", Metadata{Title: "test file"})
			if r == 0 {
				layout = got
			}
			return err
		})
	}
	require.NoError(t, g.Wait())

	readBe, err := localfile.Open(path)
	require.NoError(t, err)
	defer readBe.Close(ctx)

	restoreComms := localcomm.New(2)
	var g2 errgroup.Group
	restored := make([]*decomp.Decomposition, 2)
	tags := make([]string, 2)
	for r := 0; r < 2; r++ {
		r := r
		g2.Go(func() error {
			var be *localfile.Backend
			var err error
			if r == 0 {
				be = readBe
			} else {
				be, err = localfile.Create(filepath.Join(t.TempDir(), "unused2.bin"))
				if err != nil {
					return err
				}
			}
			d, tag, _, err := ReadNcDecomp(ctx, restoreComms[r], be, layout)
			restored[r] = d
			tags[r] = tag
			return err
		})
	}
	require.NoError(t, g2.Wait())

	for r := 0; r < 2; r++ {
		require.Equal(t, globalDims, restored[r].GlobalDims)
		require.Equal(t, maps[r], restored[r].CompMap)
		require.Equal(t, "box", tags[r])
	}
}
