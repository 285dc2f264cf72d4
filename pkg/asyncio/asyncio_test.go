package asyncio

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/climbfuji/pario/pkg/comm/localcomm"
	"github.com/climbfuji/pario/pkg/iosystem"
)

// TestInvokeServeRoundTrip exercises the full AWAIT_MSG -> DISPATCH ->
// EXECUTE -> AWAIT_MSG -> EXITED sequence: two I/O ranks run Serve,
// two compute ranks collectively Invoke one message then MsgExit.
func TestInvokeServeRoundTrip(t *testing.T) {
	comms := localcomm.New(4) // world ranks: 0,1 io; 2,3 compute
	ctx := context.Background()
	ioProcList := []int{0, 1}
	components := []iosystem.ComponentSpec{{ProcList: []int{2, 3}}}

	var g errgroup.Group
	systems := make([]*iosystem.IOSystem, 4)
	for r := 0; r < 4; r++ {
		r := r
		g.Go(func() error {
			sys, err := iosystem.InitAsync(ctx, comms[r], ioProcList, components, "box")
			if err != nil {
				return err
			}
			systems[r] = sys[0]
			return nil
		})
	}
	require.NoError(t, g.Wait())

	var mu sync.Mutex
	received := make(map[int][]byte) // io world-rank -> args it saw

	const echoCode MsgCode = 1
	table := map[MsgCode]*Procedure{
		echoCode: {
			Name: "Echo",
			Handler: func(ctx context.Context, sys *iosystem.IOSystem, args []byte) error {
				mu.Lock()
				received[sys.IO.Rank()] = append([]byte(nil), args...)
				mu.Unlock()
				return nil
			},
		},
	}

	payload := []byte("hello io side")

	var g2 errgroup.Group
	for r := 0; r < 4; r++ {
		r := r
		sys := systems[r]
		switch r {
		case 0, 1:
			g2.Go(func() error { return Serve(ctx, sys, table) })
		case 2, 3:
			g2.Go(func() error {
				args := payload
				if r != 2 { // only the compute leader's payload is used
					args = nil
				}
				if err := Invoke(ctx, sys, echoCode, args); err != nil {
					return err
				}
				return Invoke(ctx, sys, MsgExit, nil)
			})
		}
	}
	require.NoError(t, g2.Wait())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 2)
	require.Equal(t, payload, received[0])
	require.Equal(t, payload, received[1])
}

// TestInvokeRejectsUnregisteredCode confirms an unknown message code
// does not kill the Serve loop under the default PolicyReturn: the
// dispatch continues and still drains the subsequent MsgExit.
func TestInvokeRejectsUnregisteredCode(t *testing.T) {
	comms := localcomm.New(2)
	ctx := context.Background()

	var g errgroup.Group
	systems := make([]*iosystem.IOSystem, 2)
	for r := 0; r < 2; r++ {
		r := r
		g.Go(func() error {
			sys, err := iosystem.InitIntracomm(ctx, comms[r], 1, 1, 1, "box")
			systems[r] = sys
			return err
		})
	}
	require.NoError(t, g.Wait())

	var g2 errgroup.Group
	for r := 0; r < 2; r++ {
		r := r
		sys := systems[r]
		if sys.IOProc {
			g2.Go(func() error { return Serve(ctx, sys, map[MsgCode]*Procedure{}) })
		} else {
			g2.Go(func() error {
				if err := Invoke(ctx, sys, MsgCode(99), nil); err != nil {
					return err
				}
				return Invoke(ctx, sys, MsgExit, nil)
			})
		}
	}
	require.NoError(t, g2.Wait())
}
