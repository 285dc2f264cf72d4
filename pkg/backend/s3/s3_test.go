package s3

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/require"

	"github.com/climbfuji/pario/pkg/backend"
)

type fakeClient struct {
	objects map[string][]byte
}

func newFakeClient() *fakeClient {
	return &fakeClient{objects: make(map[string][]byte)}
}

func (f *fakeClient) PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[*in.Key] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeClient) GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	data, ok := f.objects[*in.Key]
	if !ok {
		return nil, &notFoundError{key: *in.Key}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

type notFoundError struct{ key string }

func (e *notFoundError) Error() string { return "no such key: " + e.key }

func TestPutGetVaraRoundTrip(t *testing.T) {
	ctx := context.Background()
	client := newFakeClient()
	b := New(client, "my-bucket", "run1")

	varid, err := b.Define(ctx, backend.VarSpec{Name: "temp", ElemSize: 8, Dims: []int64{4}})
	require.NoError(t, err)
	require.NoError(t, b.EndDef(ctx))

	data := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	require.NoError(t, b.PutVara(ctx, varid, []int64{0}, []int64{1}, data))

	out, err := b.GetVara(ctx, varid, []int64{0}, []int64{1})
	require.NoError(t, err)
	require.Equal(t, data, out)
}

func TestGetVaraMissingKeyErrors(t *testing.T) {
	ctx := context.Background()
	client := newFakeClient()
	b := New(client, "my-bucket", "run1")
	_, err := b.Define(ctx, backend.VarSpec{Name: "v", ElemSize: 4, Dims: []int64{1}})
	require.NoError(t, err)
	require.NoError(t, b.EndDef(ctx))

	_, err = b.GetVara(ctx, 0, []int64{5}, []int64{1})
	require.Error(t, err)
}

func TestKeyIncludesPrefixVaridAndStart(t *testing.T) {
	b := New(newFakeClient(), "bucket", "/run1/")
	require.Equal(t, "run1/var2/3/4", b.key(2, []int64{3, 4}))
}
