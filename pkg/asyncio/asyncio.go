// Package asyncio implements the compute<->I/O control-message handoff
// for an async IOSystem (one built by iosystem.InitAsync or
// InitAsyncFromComms): AWAIT_MSG -> DISPATCH -> EXECUTE -> AWAIT_MSG,
// with a terminal EXITED state reached on MsgExit. It is grounded on
// this codebase's procedure dispatch-table pattern, the same shape the
// teacher's NFS server uses to route an incoming procedure number to a
// handler function.
//
// A real intercommunicator Bcast is asymmetric: a send from the local
// group's root reaches every member of the remote group only. Union
// here is a flat intracommunicator spanning both groups, so Invoke
// folds spec.md's two-step "send msg-code, then broadcast args" into a
// single Bcast of an encoded (code, args) pair; every member of Union
// -- I/O ranks running Serve and every compute rank calling Invoke --
// must call it together for the round to complete.
package asyncio

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/climbfuji/pario/internal/logger"
	"github.com/climbfuji/pario/pkg/comm"
	"github.com/climbfuji/pario/pkg/iosystem"
	"github.com/climbfuji/pario/pkg/pioerr"
)

// MsgCode identifies which pario operation the compute side is asking
// the I/O side to perform. Application message codes are assigned by
// pkg/pario; only MsgExit is reserved here.
type MsgCode int32

// MsgExit is the dispatch-loop EXIT sentinel: Invoke(..., MsgExit, nil)
// transitions every Serve loop on this IOSystem's union to EXITED.
const MsgExit MsgCode = -1

// HandlerFunc executes one dispatched operation on the I/O side. args is
// the opaque argument blob the matching Invoke call supplied.
type HandlerFunc func(ctx context.Context, sys *iosystem.IOSystem, args []byte) error

// Procedure names one dispatchable entry in a Serve handler table.
type Procedure struct {
	// Name is the procedure name for logging, e.g. "WriteDarray".
	Name string
	// Handler processes this message code.
	Handler HandlerFunc
}

// Invoke is the compute-side half of the AWAIT_MSG/DISPATCH handoff.
// It is collective over every rank of sys.Compute: only the compute
// leader (sys.CompMaster == comm.Root) supplies code and args, but
// every other compute rank must still call Invoke so the underlying
// Bcast -- collective over the whole of sys.Union -- completes instead
// of blocking the I/O side's Serve loop forever. Non-async IOSystems
// never call Invoke; their synchronous path talks to the backend
// directly.
func Invoke(ctx context.Context, sys *iosystem.IOSystem, code MsgCode, args []byte) error {
	var payload []byte
	if sys.CompMaster == comm.Root {
		logger.DebugCtx(ctx, "asyncio invoke",
			logger.MsgCode(int(code)), logger.Bytes(len(args)))
		payload = encodeMsg(code, args)
	}
	if _, err := sys.Union.Bcast(ctx, sys.CompMasterUnionRank, payload); err != nil {
		return pioerr.Wrap("asyncio.Invoke", pioerr.CodeCollectiveFailed, err)
	}
	return nil
}

// Serve runs the I/O-side dispatch loop until an Invoke(MsgExit, nil)
// call transitions it out of AWAIT_MSG for the last time. table is
// looked up once per message; an unknown code or a handler error is
// routed through sys.ErrorPolicy rather than stopping the loop, so one
// bad request does not take the whole I/O side down under the default
// PolicyReturn.
func Serve(ctx context.Context, sys *iosystem.IOSystem, table map[MsgCode]*Procedure) error {
	for {
		logger.DebugCtx(ctx, "asyncio await", logger.State("AWAIT_MSG"))
		payload, err := sys.Union.Bcast(ctx, sys.CompMasterUnionRank, nil)
		if err != nil {
			return pioerr.Wrap("asyncio.Serve", pioerr.CodeCollectiveFailed, err)
		}

		code, args, err := decodeMsg(payload)
		if err != nil {
			return pioerr.Wrap("asyncio.Serve", pioerr.CodeUnknownMsgCode, err)
		}
		if code == MsgExit {
			logger.DebugCtx(ctx, "asyncio exit", logger.State("EXITED"))
			return nil
		}

		proc, ok := table[code]
		if !ok {
			if aborted := handleServeError(ctx, sys, pioerr.New("asyncio.Serve", pioerr.CodeUnknownMsgCode)); aborted != nil {
				return aborted
			}
			continue
		}

		logger.DebugCtx(ctx, "asyncio dispatch",
			logger.State("DISPATCH"), logger.MsgCode(int(code)), logger.Operation(proc.Name))
		if err := proc.Handler(ctx, sys, args); err != nil {
			if aborted := handleServeError(ctx, sys, pioerr.Wrap("asyncio."+proc.Name, pioerr.CodeBackend, err)); aborted != nil {
				return aborted
			}
		}
	}
}

// handleServeError applies sys.ErrorPolicy to a dispatch-time failure.
// PolicyReturn and PolicyBroadcast both log and keep the loop running
// (there is no per-call response channel back to Invoke's caller, so
// PolicyBroadcast reduces to logging on the I/O root plus every peer
// rather than a genuine cross-union broadcast).
// PolicyInternalAbort logs and then panics, stopping this process hard,
// since a Go library cannot abort peer OS processes the way MPI_Abort
// would.
func handleServeError(ctx context.Context, sys *iosystem.IOSystem, err *pioerr.Error) error {
	logger.ErrorCtx(ctx, "asyncio dispatch failed",
		logger.ErrorCode(int(err.Code)), logger.Err(err))
	if sys.ErrorPolicy == pioerr.PolicyInternalAbort {
		panic(err)
	}
	return nil
}

const msgCodeSize = 4

// encodeMsg packs a message code and its argument blob into one buffer:
// a 4-byte big-endian code followed by args verbatim.
func encodeMsg(code MsgCode, args []byte) []byte {
	buf := make([]byte, msgCodeSize+len(args))
	binary.BigEndian.PutUint32(buf, uint32(code))
	copy(buf[msgCodeSize:], args)
	return buf
}

func decodeMsg(buf []byte) (MsgCode, []byte, error) {
	if len(buf) < msgCodeSize {
		return 0, nil, fmt.Errorf("asyncio: message too short (%d bytes)", len(buf))
	}
	code := MsgCode(int32(binary.BigEndian.Uint32(buf)))
	args := buf[msgCodeSize:]
	if len(args) == 0 {
		args = nil
	}
	return code, args, nil
}
