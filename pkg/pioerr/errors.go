// Package pioerr defines the error taxonomy shared by every pario
// component: argument, state, resource, communication, backend, and
// protocol errors, plus the three selectable error-handling policies.
package pioerr

import "fmt"

// Code is a library-origin error sentinel. Library codes occupy a reserved
// negative range starting at -500; backend-origin errors are wrapped and
// propagated verbatim rather than remapped into this range.
type Code int

const (
	// CodeOK is the zero value; never returned as an error.
	CodeOK Code = 0

	// Argument errors. iota is 1 on this line, so CodeBadID is -500.
	CodeBadID Code = -499 - iota
	CodeNullArg
	CodeBadDims
	CodeBadStartCount

	// State errors.
	CodeWrongMode
	CodeReadOnlyDecomp
	CodeBackendNotParallel

	// Resource errors.
	CodeAllocFailed
	CodeMaxFilesExceeded
	CodeMaxVarsExceeded

	// Communication errors.
	CodeCollectiveFailed

	// Backend errors (wrapper only; the underlying error is propagated).
	CodeBackend

	// Protocol errors.
	CodeRearrangerMismatch
	CodeUnknownMsgCode
)

func (c Code) String() string {
	switch c {
	case CodeOK:
		return "ok"
	case CodeBadID:
		return "bad handle id"
	case CodeNullArg:
		return "required argument missing"
	case CodeBadDims:
		return "dimension vector out of range"
	case CodeBadStartCount:
		return "start/count out of range"
	case CodeWrongMode:
		return "operation invalid in current mode"
	case CodeReadOnlyDecomp:
		return "write on read-only decomposition"
	case CodeBackendNotParallel:
		return "backend does not support parallel access"
	case CodeAllocFailed:
		return "allocation failed"
	case CodeMaxFilesExceeded:
		return "maximum open files exceeded"
	case CodeMaxVarsExceeded:
		return "maximum variables exceeded"
	case CodeCollectiveFailed:
		return "collective operation failed"
	case CodeBackend:
		return "backend error"
	case CodeRearrangerMismatch:
		return "rearranger mismatch between compute and I/O side"
	case CodeUnknownMsgCode:
		return "unknown async dispatch message code"
	default:
		return fmt.Sprintf("pioerr code %d", int(c))
	}
}

// Error is the concrete error type carrying a Code plus context.
type Error struct {
	Code Code
	Op   string // operation name, e.g. "DecompInit"
	Err  error  // wrapped cause, nil for pure argument/state errors
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs an *Error with no wrapped cause.
func New(op string, code Code) *Error {
	return &Error{Op: op, Code: code}
}

// Wrap constructs an *Error wrapping a backend or collective failure.
func Wrap(op string, code Code, err error) *Error {
	return &Error{Op: op, Code: code, Err: err}
}

// CodeOf extracts the Code from err if it is (or wraps) a *Error.
// Returns CodeOK if err is nil, or CodeBackend for an opaque error.
func CodeOf(err error) Code {
	if err == nil {
		return CodeOK
	}
	var pe *Error
	if ok := asError(err, &pe); ok {
		return pe.Code
	}
	return CodeBackend
}

func asError(err error, target **Error) bool {
	for err != nil {
		if pe, ok := err.(*Error); ok {
			*target = pe
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// Policy selects how an error propagates once raised.
type Policy int

const (
	// PolicyReturn returns the error on the failing task only; peers
	// return success. This is the default.
	PolicyReturn Policy = iota
	// PolicyBroadcast has the root of the relevant communicator
	// broadcast the error code so every task returns it.
	PolicyBroadcast
	// PolicyInternalAbort logs and aborts the process group. A Go
	// library cannot terminate peer OS processes directly, so this
	// rendition panics after logging (see DESIGN.md open question).
	PolicyInternalAbort
)

func (p Policy) String() string {
	switch p {
	case PolicyReturn:
		return "return"
	case PolicyBroadcast:
		return "broadcast"
	case PolicyInternalAbort:
		return "internal_abort"
	default:
		return "unknown"
	}
}

// Scope names where a Policy is configured; set_error_handler accepts one
// of these per spec.md §6.
type Scope int

const (
	ScopeGlobal Scope = iota
	ScopeIOSystem
	ScopeFile
)
