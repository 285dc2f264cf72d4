// Package s3 is an object-store pario backend built on aws-sdk-go-v2,
// adapted from this codebase's ranged block store: where that store
// addresses byte ranges within a handful of large backing objects, S3
// has no equivalent of a positioned overwrite, so this backend instead
// gives every hyperslab write its own object, keyed by variable id and
// encoded start offset. A GetVara for a start/count that was never
// written as a single PutVara is not supported -- unlike localfile, the
// S3 backend does not implement arbitrary sub-range reads of a larger
// write.
package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/climbfuji/pario/internal/logger"
	"github.com/climbfuji/pario/pkg/backend"
)

// Client is the subset of *s3.Client this backend calls, so tests can
// substitute a fake.
type Client interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Backend implements backend.Backend against a single S3 bucket/prefix.
type Backend struct {
	client Client
	bucket string
	prefix string

	mu       sync.Mutex
	defining bool
	vars     []backend.VarSpec
}

// New wraps an already-configured S3 client (see aws-sdk-go-v2/config
// for building one from the ambient environment/credentials chain).
func New(client Client, bucket, prefix string) *Backend {
	return &Backend{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/"), defining: true}
}

func (b *Backend) Define(ctx context.Context, spec backend.VarSpec) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.defining {
		return 0, fmt.Errorf("s3: Define called after EndDef")
	}
	b.vars = append(b.vars, spec)
	return len(b.vars) - 1, nil
}

func (b *Backend) EndDef(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.defining = false
	return nil
}

func (b *Backend) key(varid int, start []int64) string {
	var sb strings.Builder
	if b.prefix != "" {
		sb.WriteString(b.prefix)
		sb.WriteByte('/')
	}
	fmt.Fprintf(&sb, "var%d", varid)
	for _, s := range start {
		fmt.Fprintf(&sb, "/%d", s)
	}
	return sb.String()
}

func (b *Backend) PutVara(ctx context.Context, varid int, start, count []int64, data []byte) error {
	key := b.key(varid, start)
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("s3: put %s/%s: %w", b.bucket, key, err)
	}
	logger.DebugCtx(ctx, "s3 backend wrote region",
		logger.Bucket(b.bucket), logger.Key(key), logger.Bytes(len(data)))
	return nil
}

func (b *Backend) GetVara(ctx context.Context, varid int, start, count []int64) ([]byte, error) {
	key := b.key(varid, start)
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("s3: get %s/%s: %w", b.bucket, key, err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("s3: read body %s/%s: %w", b.bucket, key, err)
	}
	return data, nil
}

// Sync is a no-op: every PutVara is already a completed, durable S3
// write by the time it returns.
func (b *Backend) Sync(ctx context.Context) error { return nil }

// Close is a no-op: the S3 client and its HTTP transport are owned by
// whoever constructed it, not by this Backend.
func (b *Backend) Close(ctx context.Context) error { return nil }

var _ backend.Backend = (*Backend)(nil)
