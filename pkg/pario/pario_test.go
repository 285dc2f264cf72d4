package pario

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/climbfuji/pario/pkg/backend"
	"github.com/climbfuji/pario/pkg/comm/localcomm"
	"github.com/climbfuji/pario/pkg/iosystem"
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

// TestWriteReadRoundTripSync drives the full non-async surface (file,
// dim, var, decomp, write, sync, read, close) across two ranks that are
// both compute and I/O tasks, the InitIntracomm convention multibuf's
// own tests already ground.
func TestWriteReadRoundTripSync(t *testing.T) {
	comms := localcomm.New(2)
	ctx := context.Background()
	dir := t.TempDir()

	globalDims := []int{4}
	maps := [][]int64{{1, 2}, {3, 4}}

	var g errgroup.Group
	roundTripped := make([][]float64, 2)
	for r := 0; r < 2; r++ {
		r := r
		g.Go(func() error {
			iosysid, err := IOSystemInitIntracomm(ctx, comms[r], 2, 1, 0, "box")
			if err != nil {
				return err
			}
			ioid, err := DecompInit(ctx, iosysid, globalDims, maps[r], "box")
			if err != nil {
				return err
			}

			path := filepath.Join(dir, fmt.Sprintf("sync_%d.pario", r))
			ncid, err := FileCreate(ctx, iosysid, path, backend.ClassicSerial)
			if err != nil {
				return err
			}

			dimid, err := DefineDim(ctx, ncid, "x", 4)
			if err != nil {
				return err
			}
			varid, err := DefineVar(ctx, ncid, VarDesc{Name: "v", ElemSize: 8, DimIDs: []int{dimid}, HasRecord: true})
			if err != nil {
				return err
			}
			if err := EndFileDef(ctx, ncid); err != nil {
				return err
			}

			local := encodeFloats([]float64{float64(r)*10 + 1, float64(r)*10 + 2})
			if err := WriteDarray(ctx, ncid, varid, ioid, 0, local); err != nil {
				return err
			}
			if err := FileSync(ctx, ncid); err != nil {
				return err
			}

			got, err := ReadDarray(ctx, ncid, varid, ioid, 0)
			if err != nil {
				return err
			}
			roundTripped[r] = decodeFloats(got)

			if err := FileClose(ctx, ncid); err != nil {
				return err
			}
			return IOSystemFree(iosysid)
		})
	}
	require.NoError(t, g.Wait())

	require.Equal(t, []float64{1, 2}, roundTripped[0])
	require.Equal(t, []float64{11, 12}, roundTripped[1])
}

// TestWriteReadRoundTripTwoDimensional is TestWriteReadRoundTripSync's
// sibling for a variable with true rank-2 spatial shape (3x4, row-major:
// the x dimension is innermost), each rank owning one full row. It
// exists to catch recordStartCount/toStartCount regressing to a flat
// 2-element hyperslab that only happens to work for 1-D variables.
func TestWriteReadRoundTripTwoDimensional(t *testing.T) {
	comms := localcomm.New(3)
	ctx := context.Background()
	dir := t.TempDir()

	globalDims := []int{12} // flat compmap indices over a 3x4 array
	maps := [][]int64{
		{1, 2, 3, 4},
		{5, 6, 7, 8},
		{9, 10, 11, 12},
	}

	var g errgroup.Group
	roundTripped := make([][]float64, 3)
	for r := 0; r < 3; r++ {
		r := r
		g.Go(func() error {
			iosysid, err := IOSystemInitIntracomm(ctx, comms[r], 3, 1, 0, "box")
			if err != nil {
				return err
			}
			ioid, err := DecompInit(ctx, iosysid, globalDims, maps[r], "box")
			if err != nil {
				return err
			}

			path := filepath.Join(dir, fmt.Sprintf("twod_%d.pario", r))
			ncid, err := FileCreate(ctx, iosysid, path, backend.ClassicSerial)
			if err != nil {
				return err
			}

			yid, err := DefineDim(ctx, ncid, "y", 3)
			if err != nil {
				return err
			}
			xid, err := DefineDim(ctx, ncid, "x", 4)
			if err != nil {
				return err
			}
			varid, err := DefineVar(ctx, ncid, VarDesc{Name: "v2d", ElemSize: 8, DimIDs: []int{yid, xid}, HasRecord: true})
			if err != nil {
				return err
			}
			if err := EndFileDef(ctx, ncid); err != nil {
				return err
			}

			row := make([]float64, 4)
			for i := range row {
				row[i] = float64(r)*10 + float64(i) + 1
			}
			if err := WriteDarray(ctx, ncid, varid, ioid, 0, encodeFloats(row)); err != nil {
				return err
			}
			if err := FileSync(ctx, ncid); err != nil {
				return err
			}

			got, err := ReadDarray(ctx, ncid, varid, ioid, 0)
			if err != nil {
				return err
			}
			roundTripped[r] = decodeFloats(got)

			if err := FileClose(ctx, ncid); err != nil {
				return err
			}
			return IOSystemFree(iosysid)
		})
	}
	require.NoError(t, g.Wait())

	require.Equal(t, []float64{1, 2, 3, 4}, roundTripped[0])
	require.Equal(t, []float64{11, 12, 13, 14}, roundTripped[1])
	require.Equal(t, []float64{21, 22, 23, 24}, roundTripped[2])
}

// TestWriteDarrayMultiWritesEachVariable drives WriteDarrayMulti across
// two variables sharing one decomposition and checks both come back
// correctly through ReadDarray after the call's own FileSync.
func TestWriteDarrayMultiWritesEachVariable(t *testing.T) {
	comms := localcomm.New(2)
	ctx := context.Background()
	dir := t.TempDir()

	globalDims := []int{4}
	maps := [][]int64{{1, 2}, {3, 4}}

	var g errgroup.Group
	roundTrippedA := make([][]float64, 2)
	roundTrippedB := make([][]float64, 2)
	for r := 0; r < 2; r++ {
		r := r
		g.Go(func() error {
			iosysid, err := IOSystemInitIntracomm(ctx, comms[r], 2, 1, 0, "box")
			if err != nil {
				return err
			}
			ioid, err := DecompInit(ctx, iosysid, globalDims, maps[r], "box")
			if err != nil {
				return err
			}

			path := filepath.Join(dir, fmt.Sprintf("multi_%d.pario", r))
			ncid, err := FileCreate(ctx, iosysid, path, backend.ClassicSerial)
			if err != nil {
				return err
			}
			dimid, err := DefineDim(ctx, ncid, "x", 4)
			if err != nil {
				return err
			}
			varidA, err := DefineVar(ctx, ncid, VarDesc{Name: "a", ElemSize: 8, DimIDs: []int{dimid}, HasRecord: true})
			if err != nil {
				return err
			}
			varidB, err := DefineVar(ctx, ncid, VarDesc{Name: "b", ElemSize: 8, DimIDs: []int{dimid}, HasRecord: true})
			if err != nil {
				return err
			}
			if err := EndFileDef(ctx, ncid); err != nil {
				return err
			}

			bufA := encodeFloats([]float64{float64(r)*10 + 1, float64(r)*10 + 2})
			bufB := encodeFloats([]float64{float64(r)*10 + 101, float64(r)*10 + 102})
			err = WriteDarrayMulti(ctx, ncid, []int{varidA, varidB}, ioid, []int64{0, 0}, [][]byte{bufA, bufB}, true)
			if err != nil {
				return err
			}

			gotA, err := ReadDarray(ctx, ncid, varidA, ioid, 0)
			if err != nil {
				return err
			}
			roundTrippedA[r] = decodeFloats(gotA)
			gotB, err := ReadDarray(ctx, ncid, varidB, ioid, 0)
			if err != nil {
				return err
			}
			roundTrippedB[r] = decodeFloats(gotB)

			if err := FileClose(ctx, ncid); err != nil {
				return err
			}
			return IOSystemFree(iosysid)
		})
	}
	require.NoError(t, g.Wait())

	require.Equal(t, []float64{1, 2}, roundTrippedA[0])
	require.Equal(t, []float64{11, 12}, roundTrippedA[1])
	require.Equal(t, []float64{101, 102}, roundTrippedB[0])
	require.Equal(t, []float64{111, 112}, roundTrippedB[1])
}

// TestWriteDarrayMultiRejectsMismatchedLengths checks the argument-shape
// guard fires before any write is attempted.
func TestWriteDarrayMultiRejectsMismatchedLengths(t *testing.T) {
	err := WriteDarrayMulti(context.Background(), 0, []int{1, 2}, 0, []int64{0}, [][]byte{{1}, {2}}, false)
	require.Error(t, err)
}

// TestWriteReadRoundTripAsync drives the same surface over an async
// IOSystem: I/O ranks 0,1 never call WriteDarray/ReadDarray/FileSync/
// FileClose themselves -- those calls are dispatched to ServeIOSystem's
// handler table by the compute ranks' Invoke, exercising the handoff
// pkg/asyncio's own tests check at a lower level.
func TestWriteReadRoundTripAsync(t *testing.T) {
	comms := localcomm.New(4) // 0,1 io; 2,3 compute
	ctx := context.Background()
	dir := t.TempDir()

	ioProcList := []int{0, 1}
	components := []iosystem.ComponentSpec{{ProcList: []int{2, 3}}}

	globalDims := []int{4}
	// Only the compute ranks (world 2,3) own real data; the io ranks
	// pass an empty compMap -- they hold no compute-side elements.
	compMaps := map[int][]int64{2: {1, 2}, 3: {3, 4}}

	var g errgroup.Group
	roundTripped := make(map[int][]float64)
	var mu sync.Mutex

	for r := 0; r < 4; r++ {
		r := r
		g.Go(func() error {
			ids, err := IOSystemInitAsync(ctx, comms[r], ioProcList, components, "box")
			if err != nil {
				return err
			}
			iosysid := ids[0]

			ioid, err := DecompInit(ctx, iosysid, globalDims, compMaps[r], "box")
			if err != nil {
				return err
			}

			path := filepath.Join(dir, fmt.Sprintf("async_%d.pario", r))
			ncid, err := FileCreate(ctx, iosysid, path, backend.ClassicSerial)
			if err != nil {
				return err
			}
			dimid, err := DefineDim(ctx, ncid, "x", 4)
			if err != nil {
				return err
			}
			varid, err := DefineVar(ctx, ncid, VarDesc{Name: "v", ElemSize: 8, DimIDs: []int{dimid}, HasRecord: true})
			if err != nil {
				return err
			}
			if err := EndFileDef(ctx, ncid); err != nil {
				return err
			}

			if r == 0 || r == 1 {
				return ServeIOSystem(ctx, iosysid)
			}

			local := encodeFloats([]float64{float64(r)*10 + 1, float64(r)*10 + 2})
			if err := WriteDarray(ctx, ncid, varid, ioid, 0, local); err != nil {
				return err
			}
			if err := FileSync(ctx, ncid); err != nil {
				return err
			}
			got, err := ReadDarray(ctx, ncid, varid, ioid, 0)
			if err != nil {
				return err
			}
			mu.Lock()
			roundTripped[r] = decodeFloats(got)
			mu.Unlock()

			if err := FileClose(ctx, ncid); err != nil {
				return err
			}
			if err := Shutdown(ctx, iosysid); err != nil {
				return err
			}
			return IOSystemFree(iosysid)
		})
	}
	require.NoError(t, g.Wait())

	require.Equal(t, []float64{21, 22}, roundTripped[2])
	require.Equal(t, []float64{31, 32}, roundTripped[3])
}
