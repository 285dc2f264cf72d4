package localcomm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/climbfuji/pario/pkg/comm"
)

func TestSendRecvRoundTrip(t *testing.T) {
	comms := New(2)
	ctx := context.Background()

	var g errgroup.Group
	g.Go(func() error {
		return comms[0].Send(ctx, 1, 42, []byte("hello"))
	})
	g.Go(func() error {
		buf, err := comms[1].Recv(ctx, 0, 42)
		if err != nil {
			return err
		}
		if string(buf) != "hello" {
			t.Errorf("got %q, want %q", buf, "hello")
		}
		return nil
	})
	require.NoError(t, g.Wait())
}

func TestSendToProcNullIsNoop(t *testing.T) {
	comms := New(1)
	require.NoError(t, comms[0].Send(context.Background(), comm.ProcNull, 0, []byte("x")))
}

func TestRecvFromProcNullReturnsNil(t *testing.T) {
	comms := New(1)
	buf, err := comms[0].Recv(context.Background(), comm.ProcNull, 0)
	require.NoError(t, err)
	require.Nil(t, buf)
}

func TestBcastDistributesFromRoot(t *testing.T) {
	const size = 4
	comms := New(size)
	ctx := context.Background()

	var g errgroup.Group
	results := make([][]byte, size)
	for r := 0; r < size; r++ {
		r := r
		g.Go(func() error {
			var in []byte
			if r == comm.Root {
				in = []byte("payload")
			}
			out, err := comms[r].Bcast(ctx, comm.Root, in)
			results[r] = out
			return err
		})
	}
	require.NoError(t, g.Wait())
	for r := 0; r < size; r++ {
		require.Equal(t, "payload", string(results[r]), "rank %d", r)
	}
}

func TestAllreduceSum(t *testing.T) {
	const size = 5
	comms := New(size)
	ctx := context.Background()

	var g errgroup.Group
	results := make([]int64, size)
	for r := 0; r < size; r++ {
		r := r
		g.Go(func() error {
			out, err := comms[r].Allreduce(ctx, int64(r+1), comm.OpSum)
			results[r] = out
			return err
		})
	}
	require.NoError(t, g.Wait())
	for r := 0; r < size; r++ {
		require.EqualValues(t, 15, results[r], "rank %d", r)
	}
}

func TestAllreduceMax(t *testing.T) {
	const size = 3
	comms := New(size)
	ctx := context.Background()

	var g errgroup.Group
	results := make([]int64, size)
	vals := []int64{10, 99, 3}
	for r := 0; r < size; r++ {
		r := r
		g.Go(func() error {
			out, err := comms[r].Allreduce(ctx, vals[r], comm.OpMax)
			results[r] = out
			return err
		})
	}
	require.NoError(t, g.Wait())
	for r := 0; r < size; r++ {
		require.EqualValues(t, 99, results[r])
	}
}

func TestBarrierReleasesAllRanks(t *testing.T) {
	const size = 4
	comms := New(size)
	ctx := context.Background()

	var g errgroup.Group
	for r := 0; r < size; r++ {
		r := r
		g.Go(func() error {
			return comms[r].Barrier(ctx)
		})
	}
	require.NoError(t, g.Wait())
}

func TestSplitPartitionsByColor(t *testing.T) {
	const size = 4
	comms := New(size)
	ctx := context.Background()

	// Even ranks form color 0, odd ranks form color 1; key == rank
	// preserves relative order within each group.
	var g errgroup.Group
	children := make([]comm.Communicator, size)
	for r := 0; r < size; r++ {
		r := r
		g.Go(func() error {
			child, err := comms[r].Split(ctx, r%2, r)
			children[r] = child
			return err
		})
	}
	require.NoError(t, g.Wait())

	require.Equal(t, 2, children[0].Size())
	require.Equal(t, 0, children[0].Rank())
	require.Equal(t, 2, children[2].Size())
	require.Equal(t, 1, children[2].Rank())

	require.Equal(t, 2, children[1].Size())
	require.Equal(t, 0, children[1].Rank())
	require.Equal(t, 2, children[3].Size())
	require.Equal(t, 1, children[3].Rank())
}

func TestSplitExcludedReturnsNilCommunicator(t *testing.T) {
	const size = 2
	comms := New(size)
	ctx := context.Background()

	var g errgroup.Group
	children := make([]comm.Communicator, size)
	for r := 0; r < size; r++ {
		r := r
		g.Go(func() error {
			color := comm.SplitExcluded
			if r == 0 {
				color = 0
			}
			child, err := comms[r].Split(ctx, color, r)
			children[r] = child
			return err
		})
	}
	require.NoError(t, g.Wait())
	require.NotNil(t, children[0])
	require.Nil(t, children[1])
}
