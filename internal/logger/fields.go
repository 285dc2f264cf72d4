package logger

import (
	"fmt"
	"log/slog"
)

// Standard field keys for structured logging.
// These keys are shared across the process-group, rearranger, and backend
// layers so log aggregation and querying can filter consistently regardless
// of which component emitted the line.
const (
	// ========================================================================
	// Distributed Tracing
	// ========================================================================
	KeyTraceID = "trace_id" // OpenTelemetry trace ID for request correlation
	KeySpanID  = "span_id"  // OpenTelemetry span ID for operation tracking

	// ========================================================================
	// Process group / IOSystem
	// ========================================================================
	KeyIOSysID    = "iosysid"    // IOSystem handle id
	KeyRank       = "rank"       // rank within the relevant communicator
	KeyUnionRank  = "union_rank" // rank within the union communicator
	KeyAsync      = "async"      // whether the IOSystem runs in async mode
	KeyRearranger = "rearranger" // box | subset
	KeyNumIOTasks = "num_iotasks"

	// ========================================================================
	// Async dispatch
	// ========================================================================
	KeyMsgCode = "msg_code" // dispatch message code
	KeyState   = "state"    // dispatch state machine state

	// ========================================================================
	// Decomposition
	// ========================================================================
	KeyIOID     = "ioid"      // decomposition handle id
	KeyMaplen   = "maplen"    // per-task map length
	KeyNDims    = "ndims"     // number of dimensions
	KeyReadOnly = "read_only" // decomposition flagged read-only (duplicate map)
	KeyNeedFill = "need_fill" // decomposition does not cover the global array

	// ========================================================================
	// File / variable / write path
	// ========================================================================
	KeyNCID       = "ncid"   // file handle id
	KeyVarID      = "varid"  // backend variable id
	KeyPath       = "path"   // file path / object key
	KeyBackend    = "backend"
	KeyRecord     = "record"
	KeyRegions    = "regions"    // number of hyperslab regions
	KeyLLen       = "llen"       // IO-buffer element length for this task
	KeyBytes      = "bytes"      // bytes transferred
	KeyFlushCause = "flush_cause"
	KeyFlushID    = "flush_id" // correlates one flush's PutVara calls in logs

	// ========================================================================
	// Flow control
	// ========================================================================
	KeyMaxPending  = "max_pending"
	KeyInFlight    = "in_flight"
	KeyHandshake   = "handshake"
	KeyDirection   = "direction"

	// ========================================================================
	// Operation metadata
	// ========================================================================
	KeyDurationMs = "duration_ms"
	KeyError      = "error"
	KeyErrorCode  = "error_code"
	KeyOperation  = "operation"

	// ========================================================================
	// Storage backend (object-store variant)
	// ========================================================================
	KeyBucket  = "bucket"
	KeyKey     = "key"
	KeyRegion2 = "region_name" // cloud region, distinct from array-dim "region"
	KeyAttempt = "attempt"
)

// IOSysID returns a slog.Attr for an IOSystem handle id.
func IOSysID(id int) slog.Attr { return slog.Int(KeyIOSysID, id) }

// Rank returns a slog.Attr for a communicator-relative rank.
func Rank(r int) slog.Attr { return slog.Int(KeyRank, r) }

// UnionRank returns a slog.Attr for a union-communicator rank.
func UnionRank(r int) slog.Attr { return slog.Int(KeyUnionRank, r) }

// Async returns a slog.Attr for the async-mode flag.
func Async(b bool) slog.Attr { return slog.Bool(KeyAsync, b) }

// Rearranger returns a slog.Attr naming the rearranger in use.
func Rearranger(tag string) slog.Attr { return slog.String(KeyRearranger, tag) }

// NumIOTasks returns a slog.Attr for the participating I/O task count.
func NumIOTasks(n int) slog.Attr { return slog.Int(KeyNumIOTasks, n) }

// MsgCode returns a slog.Attr for an async dispatch message code.
func MsgCode(code int) slog.Attr { return slog.Int(KeyMsgCode, code) }

// State returns a slog.Attr for the dispatch state machine's current state.
func State(s string) slog.Attr { return slog.String(KeyState, s) }

// IOID returns a slog.Attr for a decomposition handle id.
func IOID(id int) slog.Attr { return slog.Int(KeyIOID, id) }

// Maplen returns a slog.Attr for a per-task map length.
func Maplen(n int) slog.Attr { return slog.Int(KeyMaplen, n) }

// NDims returns a slog.Attr for a dimension count.
func NDims(n int) slog.Attr { return slog.Int(KeyNDims, n) }

// ReadOnly returns a slog.Attr for the decomposition read-only flag.
func ReadOnly(b bool) slog.Attr { return slog.Bool(KeyReadOnly, b) }

// NeedFill returns a slog.Attr for the decomposition needs-fill flag.
func NeedFill(b bool) slog.Attr { return slog.Bool(KeyNeedFill, b) }

// NCID returns a slog.Attr for a file handle id.
func NCID(id int) slog.Attr { return slog.Int(KeyNCID, id) }

// VarID returns a slog.Attr for a backend variable id.
func VarID(id int) slog.Attr { return slog.Int(KeyVarID, id) }

// Path returns a slog.Attr for a file path or object key.
func Path(p string) slog.Attr { return slog.String(KeyPath, p) }

// Backend returns a slog.Attr naming the file backend kind.
func Backend(kind string) slog.Attr { return slog.String(KeyBackend, kind) }

// Record returns a slog.Attr for a record-dimension index.
func Record(r int) slog.Attr { return slog.Int(KeyRecord, r) }

// Regions returns a slog.Attr for a hyperslab region count.
func Regions(n int) slog.Attr { return slog.Int(KeyRegions, n) }

// LLen returns a slog.Attr for an IO-buffer element length.
func LLen(n int) slog.Attr { return slog.Int(KeyLLen, n) }

// Bytes returns a slog.Attr for a byte count.
func Bytes(n int) slog.Attr { return slog.Int(KeyBytes, n) }

// FlushCause returns a slog.Attr naming why a multi-buffer flushed.
func FlushCause(cause string) slog.Attr { return slog.String(KeyFlushCause, cause) }

// FlushID returns a slog.Attr correlating the log lines of one flush batch.
func FlushID(id string) slog.Attr { return slog.String(KeyFlushID, id) }

// MaxPending returns a slog.Attr for a flow-control in-flight budget.
func MaxPending(n int) slog.Attr { return slog.Int(KeyMaxPending, n) }

// InFlight returns a slog.Attr for the current outstanding request count.
func InFlight(n int) slog.Attr { return slog.Int(KeyInFlight, n) }

// Handshake returns a slog.Attr for the handshake flow-control flag.
func Handshake(b bool) slog.Attr { return slog.Bool(KeyHandshake, b) }

// Direction returns a slog.Attr naming a flow-control direction.
func Direction(dir string) slog.Attr { return slog.String(KeyDirection, dir) }

// ErrorCode returns a slog.Attr for a numeric library error code.
func ErrorCode(code int) slog.Attr { return slog.Int(KeyErrorCode, code) }

// Operation returns a slog.Attr naming the public API operation in progress.
func Operation(op string) slog.Attr { return slog.String(KeyOperation, op) }

// Bucket returns a slog.Attr for an object-store bucket name.
func Bucket(b string) slog.Attr { return slog.String(KeyBucket, b) }

// Key returns a slog.Attr for an object-store key.
func Key(k string) slog.Attr { return slog.String(KeyKey, k) }

// Attempt returns a slog.Attr for a retry attempt number.
func Attempt(n int) slog.Attr { return slog.Int(KeyAttempt, n) }

// Err returns a slog.Attr for an error value, or a zero Attr if err is nil.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, fmt.Sprint(err))
}
