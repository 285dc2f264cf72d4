package flowctl

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/climbfuji/pario/pkg/comm"
	"github.com/climbfuji/pario/pkg/comm/localcomm"
)

func TestExchangeRoundTrip(t *testing.T) {
	comms := localcomm.New(2)
	ctx := context.Background()

	var g errgroup.Group
	var recv0, recv1 [][]byte
	g.Go(func() error {
		e := New(comms[0], 4, false)
		var err error
		recv0, err = e.Exchange(ctx,
			[]SendOp{{Dst: 1, Tag: 1, Data: []byte("from-0")}},
			[]RecvOp{{Src: 1, Tag: 2}},
		)
		return err
	})
	g.Go(func() error {
		e := New(comms[1], 4, false)
		var err error
		recv1, err = e.Exchange(ctx,
			[]SendOp{{Dst: 0, Tag: 2, Data: []byte("from-1")}},
			[]RecvOp{{Src: 0, Tag: 1}},
		)
		return err
	})
	require.NoError(t, g.Wait())
	require.Equal(t, "from-1", string(recv0[0]))
	require.Equal(t, "from-0", string(recv1[0]))
}

func TestExchangeManyOpsUnderSmallLimit(t *testing.T) {
	const size = 2
	comms := localcomm.New(size)
	ctx := context.Background()

	const n = 20
	var g errgroup.Group
	results := make([][][]byte, size)
	for r := 0; r < size; r++ {
		r := r
		g.Go(func() error {
			other := 1 - r
			var sends []SendOp
			var recvs []RecvOp
			for i := 0; i < n; i++ {
				sends = append(sends, SendOp{Dst: other, Tag: i, Data: []byte(fmt.Sprintf("r%d-%d", r, i))})
				recvs = append(recvs, RecvOp{Src: other, Tag: i})
			}
			e := New(comms[r], 3, false)
			var err error
			results[r], err = e.Exchange(ctx, sends, recvs)
			return err
		})
	}
	require.NoError(t, g.Wait())
	for i := 0; i < n; i++ {
		require.Equal(t, fmt.Sprintf("r1-%d", i), string(results[0][i]))
		require.Equal(t, fmt.Sprintf("r0-%d", i), string(results[1][i]))
	}
}

func TestExchangeProcNullIsNoop(t *testing.T) {
	comms := localcomm.New(1)
	e := New(comms[0], 2, false)
	results, err := e.Exchange(context.Background(),
		[]SendOp{{Dst: comm.ProcNull, Tag: 0, Data: []byte("x")}},
		[]RecvOp{{Src: comm.ProcNull, Tag: 0}},
	)
	require.NoError(t, err)
	require.Nil(t, results[0])
}

// TestExchangeHandshakeRendezvous enables handshake mode on both sides
// and checks the round trip still delivers the same data: the send side
// only releases its payload after the receive side has posted its
// readiness ping, rather than sending eagerly.
func TestExchangeHandshakeRendezvous(t *testing.T) {
	comms := localcomm.New(2)
	ctx := context.Background()

	var g errgroup.Group
	var recv0, recv1 [][]byte
	g.Go(func() error {
		e := New(comms[0], 4, true)
		var err error
		recv0, err = e.Exchange(ctx,
			[]SendOp{{Dst: 1, Tag: 1, Data: []byte("from-0")}},
			[]RecvOp{{Src: 1, Tag: 2}},
		)
		return err
	})
	g.Go(func() error {
		e := New(comms[1], 4, true)
		var err error
		recv1, err = e.Exchange(ctx,
			[]SendOp{{Dst: 0, Tag: 2, Data: []byte("from-1")}},
			[]RecvOp{{Src: 0, Tag: 1}},
		)
		return err
	})
	require.NoError(t, g.Wait())
	require.Equal(t, "from-1", string(recv0[0]))
	require.Equal(t, "from-0", string(recv1[0]))
}

// TestExchangeHandshakeProcNullIsNoop confirms a handshake-mode Exchanger
// still short-circuits comm.ProcNull ops without trying to ping a
// nonexistent peer.
func TestExchangeHandshakeProcNullIsNoop(t *testing.T) {
	comms := localcomm.New(1)
	e := New(comms[0], 2, true)
	results, err := e.Exchange(context.Background(),
		[]SendOp{{Dst: comm.ProcNull, Tag: 0, Data: []byte("x")}},
		[]RecvOp{{Src: comm.ProcNull, Tag: 0}},
	)
	require.NoError(t, err)
	require.Nil(t, results[0])
}
