package localfile

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/climbfuji/pario/pkg/backend"
)

func TestDefineEndDefPutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "test.pario")

	b, err := Create(path)
	require.NoError(t, err)

	varid, err := b.Define(ctx, backend.VarSpec{Name: "temp", ElemSize: 8, Dims: []int64{4, 4}})
	require.NoError(t, err)
	require.NoError(t, b.EndDef(ctx))

	data := make([]byte, 8*4)
	for i := range data {
		data[i] = byte(i)
	}
	require.NoError(t, b.PutVara(ctx, varid, []int64{1, 0}, []int64{1, 4}, data))

	out, err := b.GetVara(ctx, varid, []int64{1, 0}, []int64{1, 4})
	require.NoError(t, err)
	require.Equal(t, data, out)
	require.NoError(t, b.Close(ctx))
}

func TestRecordVariableIndexesByRecord(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "record.pario")

	b, err := Create(path)
	require.NoError(t, err)
	varid, err := b.Define(ctx, backend.VarSpec{
		Name: "ts", ElemSize: 4, Dims: []int64{2}, HasRecord: true,
	})
	require.NoError(t, err)
	require.NoError(t, b.EndDef(ctx))

	rec0 := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	rec1 := []byte{9, 10, 11, 12, 13, 14, 15, 16}
	require.NoError(t, b.PutVara(ctx, varid, []int64{0, 0}, []int64{1, 2}, rec0))
	require.NoError(t, b.PutVara(ctx, varid, []int64{1, 0}, []int64{1, 2}, rec1))

	got0, err := b.GetVara(ctx, varid, []int64{0, 0}, []int64{1, 2})
	require.NoError(t, err)
	require.Equal(t, rec0, got0)

	got1, err := b.GetVara(ctx, varid, []int64{1, 0}, []int64{1, 2})
	require.NoError(t, err)
	require.Equal(t, rec1, got1)
}

func TestIPutVaraWaitAll(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "async.pario")

	b, err := Create(path)
	require.NoError(t, err)
	varid, err := b.Define(ctx, backend.VarSpec{Name: "v", ElemSize: 4, Dims: []int64{2}})
	require.NoError(t, err)
	require.NoError(t, b.EndDef(ctx))

	req, err := b.IPutVara(ctx, varid, []int64{0}, []int64{2}, []byte{1, 2, 3, 4, 5, 6, 7, 8})
	require.NoError(t, err)
	require.NoError(t, b.WaitAll(ctx, []backend.AsyncRequest{req}))
}
