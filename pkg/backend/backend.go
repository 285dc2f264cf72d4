// Package backend defines the storage seam pario writes rearranged data
// through: a small, blocking hyperslab read/write interface plus an
// optional non-blocking variant for the async dispatch path. backend/
// localfile and backend/s3 are the two concrete implementations this
// module ships.
package backend

import "context"

// Kind names the storage format tag a pario file was created with,
// preserved from spec.md's backend enumeration even though this
// rendition backs every tag with one of two concrete implementations
// (backend/localfile, backend/s3): ClassicSerial/ClassicParallel map to
// localfile, HDF5Serial/HDF5Parallel are accepted for API compatibility
// and also map to localfile (no distinct on-disk HDF5 encoding is
// implemented).
type Kind int

const (
	ClassicSerial Kind = iota
	ClassicParallel
	HDF5Serial
	HDF5Parallel
)

func (k Kind) String() string {
	switch k {
	case ClassicSerial:
		return "classic_serial"
	case ClassicParallel:
		return "classic_parallel"
	case HDF5Serial:
		return "hdf5_serial"
	case HDF5Parallel:
		return "hdf5_parallel"
	default:
		return "unknown"
	}
}

// VarSpec describes one variable at Define time: its name, element byte
// size, and the variable's true N-D spatial shape. Dims never includes a
// slot for the record dimension -- a record variable's start/count pairs
// carry the record index separately (see pkg/pario's recordStartCount
// and pkg/multibuf's toStartCount), the same way localfile's offsetFor
// only consults Dims against a start with the record index already
// stripped off.
type VarSpec struct {
	Name      string
	ElemSize  int
	Dims      []int64
	HasRecord bool

	// FillValue holds ElemSize bytes a read must substitute for any
	// element no task's compmap covers (decomp.Decomposition.NeedFill);
	// see pkg/pario.ReadDarray and pkg/multibuf.Flush.
	FillValue []byte
}

// Backend is the storage interface a pario File writes through. Define
// and EndDef bracket schema creation the way a classic netCDF file
// separates define mode from data mode; every PutVara/GetVara call after
// EndDef addresses an already-declared variable.
type Backend interface {
	// Define declares a variable and returns its backend-local id.
	Define(ctx context.Context, spec VarSpec) (varid int, err error)

	// EndDef closes define mode; no further Define calls are valid
	// until the backend is recreated.
	EndDef(ctx context.Context) error

	// PutVara writes one hyperslab: start/count name the first element
	// and extent along each dimension of spec.Dims (record dimension
	// included when HasRecord is set). data holds exactly
	// elemSize * product(count) bytes.
	PutVara(ctx context.Context, varid int, start, count []int64, data []byte) error

	// GetVara reads one hyperslab into a freshly allocated buffer of
	// elemSize * product(count) bytes.
	GetVara(ctx context.Context, varid int, start, count []int64) ([]byte, error)

	// Sync flushes any buffered writes to stable storage.
	Sync(ctx context.Context) error

	// Close releases backend resources. Safe to call once only.
	Close(ctx context.Context) error
}

// AsyncRequest is a handle returned by an AsyncBackend's non-blocking
// call; it carries no exported fields; see WaitAll.
type AsyncRequest interface {
	// Wait blocks until this single request completes and returns its
	// error, if any. Most callers use AsyncBackend.WaitAll instead.
	Wait(ctx context.Context) error
}

// AsyncBackend is implemented by backends that can overlap a hyperslab
// write with computation, used by the async dispatch I/O-task loop
// (pkg/asyncio) to pipeline multiple in-flight PutVara calls.
type AsyncBackend interface {
	Backend

	// IPutVara starts a write and returns immediately with a request
	// handle; data must not be modified until the request completes.
	IPutVara(ctx context.Context, varid int, start, count []int64, data []byte) (AsyncRequest, error)

	// WaitAll blocks until every given request has completed, returning
	// the first error encountered (if any); it still waits for the
	// remaining requests before returning.
	WaitAll(ctx context.Context, reqs []AsyncRequest) error
}
