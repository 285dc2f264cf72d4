// Package comm defines the process-group communication substrate that
// every pario component is built on. Nothing in this module binds
// directly to MPI; Communicator is the seam real MPI bindings or the two
// backends in this repo (comm/localcomm, comm/tcpcomm) plug into.
package comm

import (
	"context"
	"fmt"
)

// Root names the rank that collective send-side operations gather onto,
// mirroring MPI's customary root-rank convention.
const Root = 0

// ProcNull is a valid destination/source rank that silently no-ops any
// Send/Recv addressed to it, matching the MPI_PROC_NULL convention used
// by the rearranger to skip tasks with an empty exchange.
const ProcNull = -1

// Op names a reduction operator for Allreduce.
type Op int

const (
	OpSum Op = iota
	OpMax
	OpMin
	OpLand // logical AND, used for collective all-true checks
	OpLor  // logical OR, used for collective any-true checks
)

func (o Op) String() string {
	switch o {
	case OpSum:
		return "sum"
	case OpMax:
		return "max"
	case OpMin:
		return "min"
	case OpLand:
		return "land"
	case OpLor:
		return "lor"
	default:
		return "unknown"
	}
}

// Communicator is the minimal collective+point-to-point surface pario
// needs from a process group. Every method blocks the calling goroutine
// until the operation completes (or ctx is done); callers that need
// overlap run these from their own goroutines, same as an MPI rank would
// fork threads around blocking MPI calls.
type Communicator interface {
	// Rank returns the caller's rank within this communicator.
	Rank() int
	// Size returns the number of tasks in this communicator.
	Size() int

	// Send blocks until the destination has consumed the payload, or ctx
	// is done. A destination of ProcNull is a no-op that returns nil
	// immediately.
	Send(ctx context.Context, dst int, tag int, data []byte) error
	// Recv blocks until a matching message arrives, or ctx is done. A
	// source of ProcNull is a no-op that returns a nil payload
	// immediately. src may be any non-negative rank; there is no
	// ANY_SOURCE wildcard because pario's exchange patterns always know
	// the sender.
	Recv(ctx context.Context, src int, tag int) ([]byte, error)

	// Bcast distributes data from root to every task in the
	// communicator, root included. Non-root callers pass a nil data
	// argument and receive the broadcast payload back.
	Bcast(ctx context.Context, root int, data []byte) ([]byte, error)

	// Allreduce combines one int64 per task with op and returns the
	// result to every task.
	Allreduce(ctx context.Context, value int64, op Op) (int64, error)

	// Barrier blocks until every task in the communicator has called
	// Barrier.
	Barrier(ctx context.Context) error

	// Split partitions the communicator into disjoint sub-groups keyed
	// by color; callers sharing a color land in the same new
	// Communicator, ordered by key. A color of SplitExcluded removes
	// the caller from the result (it returns nil, nil).
	Split(ctx context.Context, color, key int) (Communicator, error)

	// Close releases any transport resources (sockets, goroutines) held
	// by this Communicator. Safe to call more than once.
	Close() error
}

// SplitExcluded is the sentinel Split color that drops the calling task
// from the resulting sub-communicator.
const SplitExcluded = -1

// ErrProcNull is returned by backends that choose to surface a ProcNull
// Send/Recv as an error rather than a silent no-op; the default
// implementations in this repo do not return it, but components that
// compose third-party Communicator implementations should tolerate it.
var ErrProcNull = fmt.Errorf("comm: operation addressed to ProcNull")
