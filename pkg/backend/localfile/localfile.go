// Package localfile is the default pario backend: a single flat file on
// a local (or network-mounted) filesystem, addressed with os.File's
// WriteAt/ReadAt the same way this codebase's block store backend
// issues positioned reads and writes against a local path instead of
// going through a buffered stream.
//
// The on-disk layout is pario's own, not a real netCDF byte format:
// fixed-size variables are laid out back-to-back in Define order; at
// EndDef the record variables are placed after them, interleaved by
// record, so record r of every record variable lives in the r-th
// record-sized block (one slot per record variable, in Define order) and
// is addressed by record index.
package localfile

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/climbfuji/pario/pkg/backend"
)

type varLayout struct {
	spec       backend.VarSpec
	baseOffset int64
	recordSize int64 // 0 for non-record variables
	flatSize   int64 // elemSize * product(dims), excluding record axis
}

// Backend implements backend.Backend and backend.AsyncBackend (via a
// synchronous WaitAll: os.File has no native async I/O in the stdlib, so
// IPutVara just performs the write inline and returns an
// already-completed request).
type Backend struct {
	mu       sync.Mutex
	file     *os.File
	defining bool
	vars     []varLayout
	nextOff  int64
}

// Create opens (creating if necessary) path for a fresh file in define
// mode.
func Create(path string) (*Backend, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("localfile: create %s: %w", path, err)
	}
	return &Backend{file: f, defining: true}, nil
}

// Open opens an existing file whose layout was already finalized by a
// prior Create+EndDef, re-declaring each variable via Define in the same
// order before calling EndDef again.
func Open(path string) (*Backend, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("localfile: open %s: %w", path, err)
	}
	return &Backend{file: f, defining: true}, nil
}

func productInt64(dims []int64) int64 {
	var p int64 = 1
	for _, d := range dims {
		p *= d
	}
	return p
}

func (b *Backend) Define(ctx context.Context, spec backend.VarSpec) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.defining {
		return 0, fmt.Errorf("localfile: Define called after EndDef")
	}
	flatSize := int64(spec.ElemSize) * productInt64(spec.Dims)
	layout := varLayout{spec: spec, baseOffset: b.nextOff, flatSize: flatSize}
	if spec.HasRecord {
		layout.recordSize = flatSize
	} else {
		b.nextOff += flatSize
	}
	b.vars = append(b.vars, layout)
	return len(b.vars) - 1, nil
}

func (b *Backend) EndDef(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	// Record variables follow every fixed-size variable, interleaved by
	// record: each record holds one slot per record variable.
	off, stride := b.nextOff, int64(0)
	for i := range b.vars {
		if b.vars[i].spec.HasRecord {
			b.vars[i].baseOffset = off
			off += b.vars[i].flatSize
			stride += b.vars[i].flatSize
		}
	}
	for i := range b.vars {
		if b.vars[i].spec.HasRecord {
			b.vars[i].recordSize = stride
		}
	}
	b.defining = false
	return nil
}

func (b *Backend) offsetFor(varid int, start []int64) (int64, error) {
	if varid < 0 || varid >= len(b.vars) {
		return 0, fmt.Errorf("localfile: unknown varid %d", varid)
	}
	layout := b.vars[varid]
	if layout.spec.HasRecord {
		if len(start) == 0 {
			return 0, fmt.Errorf("localfile: record variable requires a record index in start[0]")
		}
		record := start[0]
		within, err := flatOffset(layout.spec.Dims, layout.spec.ElemSize, start[1:])
		if err != nil {
			return 0, err
		}
		return record*layout.recordSize + within, nil
	}
	return flatOffset(layout.spec.Dims, layout.spec.ElemSize, start)
}

// flatOffset computes the byte offset of start within a row-major array
// shaped dims, without validating count (callers issue one WriteAt/
// ReadAt per contiguous run, so only the starting element matters here).
func flatOffset(dims []int64, elemSize int, start []int64) (int64, error) {
	if len(start) != len(dims) {
		return 0, fmt.Errorf("localfile: start has %d dims, variable has %d", len(start), len(dims))
	}
	var offset int64
	stride := int64(elemSize)
	for i := len(dims) - 1; i >= 0; i-- {
		offset += start[i] * stride
		stride *= dims[i]
	}
	return offset, nil
}

func (b *Backend) PutVara(ctx context.Context, varid int, start, count []int64, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	layout := b.vars[varid]
	off, err := b.offsetFor(varid, start)
	if err != nil {
		return err
	}
	if _, err := b.file.WriteAt(data, layout.baseOffset+off); err != nil {
		return fmt.Errorf("localfile: write varid %d at %d: %w", varid, off, err)
	}
	return nil
}

func (b *Backend) GetVara(ctx context.Context, varid int, start, count []int64) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	layout := b.vars[varid]
	off, err := b.offsetFor(varid, start)
	if err != nil {
		return nil, err
	}
	n := int64(layout.spec.ElemSize)
	for _, c := range count {
		n *= c
	}
	buf := make([]byte, n)
	if _, err := b.file.ReadAt(buf, layout.baseOffset+off); err != nil {
		return nil, fmt.Errorf("localfile: read varid %d at %d: %w", varid, off, err)
	}
	return buf, nil
}

func (b *Backend) Sync(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.file.Sync()
}

func (b *Backend) Close(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.file.Close()
}

// completedRequest is the trivial AsyncRequest IPutVara returns: the
// write already happened synchronously by the time it is constructed.
type completedRequest struct{ err error }

func (r completedRequest) Wait(ctx context.Context) error { return r.err }

func (b *Backend) IPutVara(ctx context.Context, varid int, start, count []int64, data []byte) (backend.AsyncRequest, error) {
	err := b.PutVara(ctx, varid, start, count, data)
	return completedRequest{err: err}, nil
}

func (b *Backend) WaitAll(ctx context.Context, reqs []backend.AsyncRequest) error {
	var firstErr error
	for _, r := range reqs {
		if err := r.Wait(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

var (
	_ backend.Backend      = (*Backend)(nil)
	_ backend.AsyncBackend = (*Backend)(nil)
)
