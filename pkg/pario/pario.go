// Package pario is the public, process-group-collective API every
// pario operation is called through: handle management (IOSystem,
// Decomposition, File, variable) layered over pkg/iosystem,
// pkg/decomp, pkg/rearrange/{box,subset}, pkg/multibuf and
// pkg/backend. Every exported function here is collective: every rank
// of the relevant communicator must call it, in the same order, the
// same way a classic parallel-I/O library's compute and I/O tasks both
// walk through PIOc_createfile/PIOc_def_var/PIOc_write_darray in
// lockstep regardless of which task actually touches storage.
//
// Under an async IOSystem, I/O-role processes do not call WriteDarray,
// ReadDarray, FileSync or FileClose themselves -- by the time compute
// issues them, the I/O side is already blocked inside ServeIOSystem's
// dispatch loop. Those four calls instead have the compute side
// broadcast a control message (pkg/asyncio) so ServeIOSystem's handler
// performs the matching local call on the I/O side's behalf. Every
// other call (file/dim/var/decomposition setup, SetRecord/
// AdvanceRecord) is still called directly and identically by every
// process, I/O role included, before the I/O side enters ServeIOSystem.
package pario

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/climbfuji/pario/internal/logger"
	"github.com/climbfuji/pario/pkg/asyncio"
	"github.com/climbfuji/pario/pkg/backend"
	"github.com/climbfuji/pario/pkg/backend/localfile"
	"github.com/climbfuji/pario/pkg/comm"
	"github.com/climbfuji/pario/pkg/decomp"
	"github.com/climbfuji/pario/pkg/iosystem"
	"github.com/climbfuji/pario/pkg/metrics"
	"github.com/climbfuji/pario/pkg/multibuf"
	"github.com/climbfuji/pario/pkg/pioerr"
	"github.com/climbfuji/pario/pkg/rearrange"
	"github.com/climbfuji/pario/pkg/rearrange/box"
	"github.com/climbfuji/pario/pkg/rearrange/subset"
	"github.com/climbfuji/pario/pkg/region"
	"github.com/climbfuji/pario/pkg/registry"
)

// VarDesc describes a variable at DefineVar time.
type VarDesc struct {
	Name      string
	ElemSize  int
	DimIDs    []int
	HasRecord bool
	FillValue []byte
}

type decompEntry struct {
	Decomp        *decomp.Decomposition
	RearrangerTag string
}

type varEntry struct {
	Spec  backend.VarSpec
	VarID int // backend-local id; meaningless on a rank with f.be == nil
}

type rrKey struct{ varid, ioid int }

// File is the open-file handle DefineVar/WriteDarray/ReadDarray operate
// against. be is nil on every rank that is not an I/O task for sys (a
// pure compute rank in async mode, or any non-I/O rank of a non-async
// IOSystem): those ranks still track dims/vars/record state so the
// rearranger plans they build agree with the I/O side's, but never call
// a backend method.
type File struct {
	mu          sync.Mutex
	sys         *iosystem.IOSystem
	be          backend.Backend
	backendKind string

	dimNames map[string]int
	dimSizes []int64

	vars      map[int]*varEntry
	nextVarID int
	record    int64

	maxBufferedRecords int
	maxBufferedBytes   int
	rearrangers        map[rrKey]*rearrange.Rearranger
	multibufs          map[rrKey]*multibuf.MultiBuffer
}

var (
	ioSystems = registry.New[*iosystem.IOSystem](registry.IOSystemIDBase)
	decomps   = registry.New[*decompEntry](registry.DecompositionBase)
	files     = registry.New[*File](registry.FileIDBase)
)

// IOSystemInitIntracomm builds a non-async IOSystem and registers it.
func IOSystemInitIntracomm(ctx context.Context, c comm.Communicator, nIOTasks, stride, base int, rearrangerTag string) (int, error) {
	sys, err := iosystem.InitIntracomm(ctx, c, nIOTasks, stride, base, rearrangerTag)
	if err != nil {
		return 0, err
	}
	sys.ErrorPolicy = defaultErrorPolicy
	iosysid := ioSystems.Put(sys)
	logger.InfoCtx(ctx, "iosystem initialized",
		logger.IOSysID(iosysid), logger.Async(false), logger.NumIOTasks(nIOTasks), logger.Rearranger(rearrangerTag))
	return iosysid, nil
}

// IOSystemInitAsync builds and registers one IOSystem per component.
func IOSystemInitAsync(ctx context.Context, world comm.Communicator, ioProcList []int, components []iosystem.ComponentSpec, rearrangerTag string) ([]int, error) {
	systems, err := iosystem.InitAsync(ctx, world, ioProcList, components, rearrangerTag)
	if err != nil {
		return nil, err
	}
	ids := make([]int, len(systems))
	for i, sys := range systems {
		sys.ErrorPolicy = defaultErrorPolicy
		ids[i] = ioSystems.Put(sys)
		logger.InfoCtx(ctx, "iosystem initialized",
			logger.IOSysID(ids[i]), logger.Async(true), logger.Rearranger(rearrangerTag))
	}
	return ids, nil
}

// IsIOProc reports whether the calling rank is an I/O task of iosysid,
// the inquiry cmd/pario's serve subcommand needs to decide whether to
// enter ServeIOSystem or wait on the compute-side shutdown path.
func IsIOProc(iosysid int) (bool, error) {
	sys, err := ioSystems.Get(iosysid)
	if err != nil {
		return false, pioerr.Wrap("pario.IsIOProc", pioerr.CodeBadID, err)
	}
	return sys.IOProc, nil
}

// IOSystemFree releases the IOSystem's communicators and deregisters
// it. Idempotent: freeing an already-freed id is a no-op.
func IOSystemFree(iosysid int) error {
	sys, err := ioSystems.Get(iosysid)
	if err != nil {
		return nil
	}
	ioSystems.Delete(iosysid)
	return sys.Free()
}

// DecompInit normalizes a compute-task's local map against the global
// shape and registers the resulting Decomposition. Collective over
// sys.Union (not sys.Compute): an async IOSystem's I/O-role ranks hold
// no local data and pass an empty compMap, but they must still
// participate in Normalize's Allreduce calls, and Union is the only
// communicator every rank of iosysid -- I/O and compute alike -- has in
// common.
func DecompInit(ctx context.Context, iosysid int, globalDims []int, compMap []int64, rearrangerTag string) (int, error) {
	sys, err := ioSystems.Get(iosysid)
	if err != nil {
		return 0, pioerr.Wrap("pario.DecompInit", pioerr.CodeBadID, err)
	}
	d := decomp.New(globalDims, compMap)
	if err := decomp.Normalize(ctx, sys.Union, d); err != nil {
		return 0, pioerr.Wrap("pario.DecompInit", pioerr.CodeCollectiveFailed, err)
	}
	ioid := decomps.Put(&decompEntry{Decomp: d, RearrangerTag: rearrangerTag})
	logger.InfoCtx(ctx, "decomposition initialized",
		logger.IOID(ioid), logger.NDims(d.NDims), logger.ReadOnly(d.ReadOnly), logger.NeedFill(d.NeedFill))
	return ioid, nil
}

// DecompFree deregisters a Decomposition. Idempotent.
func DecompFree(ioid int) error {
	decomps.Delete(ioid)
	return nil
}

// FileCreate opens path for a fresh file on every I/O-role rank of
// iosysid (path and the empty file's layout must agree across I/O
// ranks in a parallel backend; this rendition's localfile backend is
// per-rank-local, so path should already encode any per-rank sharding
// the caller wants -- see DESIGN.md). Non-I/O ranks register a File
// with a nil backend and still track dims/vars so their rearranger
// plans agree with the I/O side.
func FileCreate(ctx context.Context, iosysid int, path string, kind backend.Kind) (int, error) {
	return openFile(ctx, iosysid, func() (backend.Backend, error) { return localfile.Create(path) }, kind, "create", path)
}

// FileOpen is FileCreate's read path: it reopens an existing file,
// re-declaring each variable via DefineVar in the same order before the
// caller calls EndFileDef is implicit (see localfile.Open).
func FileOpen(ctx context.Context, iosysid int, path string, kind backend.Kind) (int, error) {
	return openFile(ctx, iosysid, func() (backend.Backend, error) { return localfile.Open(path) }, kind, "open", path)
}

// FileCreateWithBackend registers an already-constructed backend (the
// s3 backend, or any custom backend.Backend) as an I/O-role rank's file
// handle, for callers that need more than a local path (object-store
// credentials, a fake for testing, ...). be must be non-nil on I/O-role
// ranks and nil everywhere else.
func FileCreateWithBackend(ctx context.Context, iosysid int, be backend.Backend) (int, error) {
	sys, err := ioSystems.Get(iosysid)
	if err != nil {
		return 0, pioerr.Wrap("pario.FileCreateWithBackend", pioerr.CodeBadID, err)
	}
	f := newFile(sys, be, "custom")
	ncid := files.Put(f)
	logger.InfoCtx(ctx, "file opened", logger.NCID(ncid), logger.IOSysID(iosysid))
	return ncid, nil
}

func openFile(ctx context.Context, iosysid int, open func() (backend.Backend, error), kind backend.Kind, verb, path string) (int, error) {
	sys, err := ioSystems.Get(iosysid)
	if err != nil {
		return 0, pioerr.Wrap("pario.FileCreate", pioerr.CodeBadID, err)
	}

	var be backend.Backend
	if sys.IOProc {
		be, err = open()
		if err != nil {
			return 0, pioerr.Wrap("pario.FileCreate", pioerr.CodeBackend, err)
		}
	}

	f := newFile(sys, be, kind.String())
	ncid := files.Put(f)
	logger.InfoCtx(ctx, "file "+verb,
		logger.NCID(ncid), logger.IOSysID(iosysid), logger.Path(path), logger.Backend(kind.String()))
	return ncid, nil
}

func newFile(sys *iosystem.IOSystem, be backend.Backend, backendKind string) *File {
	return &File{
		sys:                sys,
		be:                 be,
		backendKind:        backendKind,
		dimNames:           make(map[string]int),
		vars:               make(map[int]*varEntry),
		maxBufferedRecords: 1,
		maxBufferedBytes:   sys.MaxIOBufferSize,
		rearrangers:        make(map[rrKey]*rearrange.Rearranger),
		multibufs:          make(map[rrKey]*multibuf.MultiBuffer),
	}
}

// DefineDim declares a fixed-size dimension and returns its id, used by
// DefineVar's DimIDs. Collective: every rank calls this identically.
func DefineDim(ctx context.Context, ncid int, name string, size int64) (int, error) {
	f, err := files.Get(ncid)
	if err != nil {
		return 0, pioerr.Wrap("pario.DefineDim", pioerr.CodeBadID, err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if id, ok := f.dimNames[name]; ok {
		return id, nil
	}
	id := len(f.dimSizes)
	f.dimSizes = append(f.dimSizes, size)
	f.dimNames[name] = id
	return id, nil
}

// DefineVar declares a variable and returns its pario-level varid.
// Collective: every rank, I/O role included, calls this in the same
// order with the same VarDesc so backend-local ids (on I/O ranks) and
// pario-level ids (everywhere) stay in lockstep.
func DefineVar(ctx context.Context, ncid int, v VarDesc) (int, error) {
	f, err := files.Get(ncid)
	if err != nil {
		return 0, pioerr.Wrap("pario.DefineVar", pioerr.CodeBadID, err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	dims := make([]int64, len(v.DimIDs))
	for i, id := range v.DimIDs {
		if id < 0 || id >= len(f.dimSizes) {
			return 0, pioerr.New("pario.DefineVar", pioerr.CodeBadDims)
		}
		dims[i] = f.dimSizes[id]
	}
	spec := backend.VarSpec{Name: v.Name, ElemSize: v.ElemSize, Dims: dims, HasRecord: v.HasRecord, FillValue: v.FillValue}

	varid := f.nextVarID
	f.nextVarID++
	entry := &varEntry{Spec: spec, VarID: -1}
	if f.be != nil {
		backendID, err := f.be.Define(ctx, spec)
		if err != nil {
			return 0, pioerr.Wrap("pario.DefineVar", pioerr.CodeBackend, err)
		}
		entry.VarID = backendID
	}
	f.vars[varid] = entry
	logger.DebugCtx(ctx, "variable defined", logger.NCID(ncid), logger.VarID(varid))
	return varid, nil
}

// EndFileDef closes define mode on the backend. Collective.
func EndFileDef(ctx context.Context, ncid int) error {
	f, err := files.Get(ncid)
	if err != nil {
		return pioerr.Wrap("pario.EndFileDef", pioerr.CodeBadID, err)
	}
	if f.be == nil {
		return nil
	}
	return f.be.EndDef(ctx)
}

// SetRecord sets the record index subsequent WriteDarray/ReadDarray
// calls on ncid address. Collective.
func SetRecord(ctx context.Context, ncid int, record int64) error {
	f, err := files.Get(ncid)
	if err != nil {
		return pioerr.Wrap("pario.SetRecord", pioerr.CodeBadID, err)
	}
	f.mu.Lock()
	f.record = record
	f.mu.Unlock()
	return nil
}

// AdvanceRecord increments and returns ncid's current record index.
func AdvanceRecord(ctx context.Context, ncid int) (int64, error) {
	f, err := files.Get(ncid)
	if err != nil {
		return 0, pioerr.Wrap("pario.AdvanceRecord", pioerr.CodeBadID, err)
	}
	f.mu.Lock()
	f.record++
	r := f.record
	f.mu.Unlock()
	return r, nil
}

// SetRearrOpts configures how many records WriteDarray buffers before
// running a rearrangement, per (ncid, varid, ioid) triple implicitly
// (the setting is file-wide here, applied to every multibuf this File
// creates from this point on). Async IOSystems always flush every
// call (maxBufferedRecords forced to 1): batching would require the
// I/O side's dispatch handler to independently agree, call for call,
// when to flush, which this rendition does not coordinate -- see
// DESIGN.md.
func SetRearrOpts(ctx context.Context, ncid int, maxBufferedRecords int) error {
	f, err := files.Get(ncid)
	if err != nil {
		return pioerr.Wrap("pario.SetRearrOpts", pioerr.CodeBadID, err)
	}
	if maxBufferedRecords < 1 {
		maxBufferedRecords = 1
	}
	f.mu.Lock()
	f.maxBufferedRecords = maxBufferedRecords
	f.mu.Unlock()
	return nil
}

// SetIOSystemTuning configures the box rearranger's blocksize
// (pkg/rearrange/box.New) and the byte-budget flush trigger every File
// opened under iosysid from this point on applies by default (see
// iosystem.IOSystem.Blocksize/MaxIOBufferSize). Collective: every rank
// should call it with the same values, before opening any File whose
// tuning should change. A File's own maxBufferedBytes is captured once
// at FileCreate/FileOpen time, so calling this after a File already
// exists only affects Files opened afterward.
func SetIOSystemTuning(iosysid int, blocksize int64, maxIOBufferSize int) error {
	sys, err := ioSystems.Get(iosysid)
	if err != nil {
		return pioerr.Wrap("pario.SetIOSystemTuning", pioerr.CodeBadID, err)
	}
	sys.Blocksize = blocksize
	sys.MaxIOBufferSize = maxIOBufferSize
	return nil
}

// SetErrorHandler overrides the error policy at global, IOSystem, or
// file scope. ScopeFile sets the policy of the file's IOSystem, so it
// applies to every file opened on that IOSystem; no policy is stored
// per file.
func SetErrorHandler(scope pioerr.Scope, iosysid, ncid int, policy pioerr.Policy) error {
	switch scope {
	case pioerr.ScopeIOSystem:
		sys, err := ioSystems.Get(iosysid)
		if err != nil {
			return pioerr.Wrap("pario.SetErrorHandler", pioerr.CodeBadID, err)
		}
		sys.ErrorPolicy = policy
	case pioerr.ScopeFile:
		f, err := files.Get(ncid)
		if err != nil {
			return pioerr.Wrap("pario.SetErrorHandler", pioerr.CodeBadID, err)
		}
		f.mu.Lock()
		f.sys.ErrorPolicy = policy
		f.mu.Unlock()
	default:
		defaultErrorPolicy = policy
	}
	return nil
}

var defaultErrorPolicy = pioerr.PolicyReturn

// rearrangerFor lazily builds the Rearranger+MultiBuffer pair for one
// (varid, ioid) pair, over f.sys.Union so both I/O and compute ranks of
// an async IOSystem share the same collective-exchange communicator.
func (f *File) rearrangerFor(ctx context.Context, varid, ioid int) (*rearrange.Rearranger, *multibuf.MultiBuffer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := rrKey{varid, ioid}
	if mb, ok := f.multibufs[key]; ok {
		return f.rearrangers[key], mb, nil
	}

	entry, ok := f.vars[varid]
	if !ok {
		return nil, nil, pioerr.New("pario.rearrangerFor", pioerr.CodeBadID)
	}
	dentry, err := decomps.Get(ioid)
	if err != nil {
		return nil, nil, pioerr.Wrap("pario.rearrangerFor", pioerr.CodeBadID, err)
	}

	numIOTasks := len(f.sys.IORanks)
	var rr *rearrange.Rearranger
	switch dentry.RearrangerTag {
	case "box":
		rr, err = box.New(ctx, f.sys.Union, dentry.Decomp, numIOTasks, f.sys.FlowControl.MaxPending, entry.Spec.ElemSize, entry.Spec.FillValue, f.sys.FlowControl.Handshake, f.sys.Blocksize)
	case "subset":
		rr, err = subset.New(ctx, f.sys.Union, dentry.Decomp, numIOTasks, f.sys.FlowControl.MaxPending, entry.Spec.ElemSize, entry.Spec.FillValue, f.sys.FlowControl.Handshake)
	default:
		return nil, nil, pioerr.Wrap("pario.rearrangerFor", pioerr.CodeRearrangerMismatch,
			fmt.Errorf("unknown rearranger tag %q", dentry.RearrangerTag))
	}
	if err != nil {
		return nil, nil, pioerr.Wrap("pario.rearrangerFor", pioerr.CodeCollectiveFailed, err)
	}

	maxRecords := f.maxBufferedRecords
	maxBytes := f.maxBufferedBytes
	if f.sys.Async {
		maxRecords = 1
		maxBytes = 0
	}
	mb := multibuf.New(entry.VarID, f.be, rr, entry.Spec, maxBytes, maxRecords)

	f.rearrangers[key] = rr
	f.multibufs[key] = mb
	return rr, mb, nil
}

// WriteDarray buffers one record's worth of this rank's local
// contribution to a distributed variable, flushing (one rearrangement,
// then one backend.PutVara per resulting I/O region) once SetRearrOpts'
// record budget is reached. Collective over every rank of the
// IOSystem's compute side; see the package doc for the async handoff.
func WriteDarray(ctx context.Context, ncid, varid, ioid int, record int64, buf []byte) error {
	f, err := files.Get(ncid)
	if err != nil {
		return pioerr.Wrap("pario.WriteDarray", pioerr.CodeBadID, err)
	}
	if dentry, err := decomps.Get(ioid); err == nil && dentry.Decomp.ReadOnly {
		return pioerr.New("pario.WriteDarray", pioerr.CodeReadOnlyDecomp)
	}
	if f.sys.Async {
		if err := asyncio.Invoke(ctx, f.sys, msgWriteDarray, encodeOpArgs(ncid, varid, ioid, record)); err != nil {
			return pioerr.Wrap("pario.WriteDarray", pioerr.CodeCollectiveFailed, err)
		}
	}
	return writeDarrayLocal(ctx, f, varid, ioid, record, buf)
}

func writeDarrayLocal(ctx context.Context, f *File, varid, ioid int, record int64, buf []byte) error {
	_, mb, err := f.rearrangerFor(ctx, varid, ioid)
	if err != nil {
		return err
	}
	_, err = mb.Add(ctx, record, buf)
	if err != nil {
		return pioerr.Wrap("pario.WriteDarray", pioerr.CodeBackend, err)
	}
	metrics.GetRecorder().ObserveWrite(f.backendKind, len(buf))
	return nil
}

// WriteDarrayMulti writes one record each of several variables that
// share the same decomposition, in the order given, as a single call --
// the batched entry point spec.md's write_darray_multi names, layered
// over repeated WriteDarray rather than a dedicated wire message: each
// variable's write still goes through its own MultiBuffer and its own
// async dispatch round trip (see WriteDarray), so this call's only
// addition is iterating varids/records/bufs together and, when
// flushToDisk is true, calling FileSync once at the end so every one of
// those MultiBuffers (and the backend itself) is flushed before
// returning. Collective, same caller requirements as WriteDarray.
func WriteDarrayMulti(ctx context.Context, ncid int, varids []int, ioid int, records []int64, bufs [][]byte, flushToDisk bool) error {
	if len(varids) != len(records) || len(varids) != len(bufs) {
		return pioerr.New("pario.WriteDarrayMulti", pioerr.CodeBadDims)
	}
	for i, varid := range varids {
		if err := WriteDarray(ctx, ncid, varid, ioid, records[i], bufs[i]); err != nil {
			return pioerr.Wrap("pario.WriteDarrayMulti", pioerr.CodeBackend, err)
		}
	}
	if flushToDisk {
		if err := FileSync(ctx, ncid); err != nil {
			return pioerr.Wrap("pario.WriteDarrayMulti", pioerr.CodeBackend, err)
		}
	}
	return nil
}

// ReadDarray runs the inverse exchange: an I/O-role rank reads every
// region it owns off the backend, then every rank (I/O and compute)
// runs the one IOToCompute exchange that delivers each compute rank's
// slice of the record. Collective, same caller requirements as
// WriteDarray.
func ReadDarray(ctx context.Context, ncid, varid, ioid int, record int64) ([]byte, error) {
	f, err := files.Get(ncid)
	if err != nil {
		return nil, pioerr.Wrap("pario.ReadDarray", pioerr.CodeBadID, err)
	}
	if f.sys.Async {
		if err := asyncio.Invoke(ctx, f.sys, msgReadDarray, encodeOpArgs(ncid, varid, ioid, record)); err != nil {
			return nil, pioerr.Wrap("pario.ReadDarray", pioerr.CodeCollectiveFailed, err)
		}
	}
	return readDarrayLocal(ctx, f, varid, ioid, record)
}

func readDarrayLocal(ctx context.Context, f *File, varid, ioid int, record int64) ([]byte, error) {
	rr, _, err := f.rearrangerFor(ctx, varid, ioid)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	entry := f.vars[varid]
	f.mu.Unlock()

	var ioBuf []byte
	if f.be != nil {
		for _, r := range rr.IORegions() {
			starts, counts := recordStartCount(record, r, entry)
			for i := range starts {
				data, err := f.be.GetVara(ctx, entry.VarID, starts[i], counts[i])
				if err != nil {
					return nil, pioerr.Wrap("pario.ReadDarray", pioerr.CodeBackend, err)
				}
				ioBuf = append(ioBuf, data...)
			}
		}
	}

	compBuf, err := rr.IOToCompute(ctx, ioBuf)
	if err != nil {
		return nil, pioerr.Wrap("pario.ReadDarray", pioerr.CodeCollectiveFailed, err)
	}
	metrics.GetRecorder().ObserveRead(f.backendKind, len(compBuf))
	return compBuf, nil
}

// recordStartCount unflattens one IO region's flat global offset run
// against the variable's true N-D shape (see region.Unflatten), then
// prepends the record index to every returned hyperslab when the
// variable has a record dimension. A run that doesn't fit in one
// rectangular hyperslab comes back as more than one start/count pair.
func recordStartCount(record int64, r region.Region, entry *varEntry) ([][]int64, [][]int64) {
	starts, counts := region.Unflatten(r, entry.Spec.Dims)
	if !entry.Spec.HasRecord {
		return starts, counts
	}
	for i := range starts {
		starts[i] = append([]int64{record}, starts[i]...)
		counts[i] = append([]int64{1}, counts[i]...)
	}
	return starts, counts
}

// FileSync flushes every buffered write and syncs the backend to
// stable storage. Collective; see the package doc for the async
// handoff.
func FileSync(ctx context.Context, ncid int) error {
	f, err := files.Get(ncid)
	if err != nil {
		return pioerr.Wrap("pario.FileSync", pioerr.CodeBadID, err)
	}
	if f.sys.Async {
		if err := asyncio.Invoke(ctx, f.sys, msgSync, encodeOpArgs(ncid, 0, 0, 0)); err != nil {
			return pioerr.Wrap("pario.FileSync", pioerr.CodeCollectiveFailed, err)
		}
	}
	return fileSyncLocal(ctx, f)
}

func fileSyncLocal(ctx context.Context, f *File) error {
	f.mu.Lock()
	mbs := make([]*multibuf.MultiBuffer, 0, len(f.multibufs))
	for _, mb := range f.multibufs {
		mbs = append(mbs, mb)
	}
	f.mu.Unlock()

	for _, mb := range mbs {
		start := time.Now()
		if err := mb.Flush(ctx, multibuf.CauseExplicit); err != nil {
			return pioerr.Wrap("pario.FileSync", pioerr.CodeBackend, err)
		}
		metrics.GetRecorder().ObserveFlush("explicit", time.Since(start))
	}
	if f.be == nil {
		return nil
	}
	if err := f.be.Sync(ctx); err != nil {
		return pioerr.Wrap("pario.FileSync", pioerr.CodeBackend, err)
	}
	return nil
}

// FileClose flushes, syncs, and closes ncid. Collective; see the
// package doc for the async handoff.
func FileClose(ctx context.Context, ncid int) error {
	f, err := files.Get(ncid)
	if err != nil {
		return pioerr.Wrap("pario.FileClose", pioerr.CodeBadID, err)
	}
	if f.sys.Async {
		if err := asyncio.Invoke(ctx, f.sys, msgClose, encodeOpArgs(ncid, 0, 0, 0)); err != nil {
			return pioerr.Wrap("pario.FileClose", pioerr.CodeCollectiveFailed, err)
		}
	}
	if err := fileCloseLocal(ctx, f); err != nil {
		return err
	}
	files.Delete(ncid)
	return nil
}

func fileCloseLocal(ctx context.Context, f *File) error {
	if err := fileSyncLocal(ctx, f); err != nil {
		return err
	}
	if f.be == nil {
		return nil
	}
	if err := f.be.Close(ctx); err != nil {
		return pioerr.Wrap("pario.FileClose", pioerr.CodeBackend, err)
	}
	return nil
}

// Shutdown broadcasts the async dispatch loop's exit message; every
// rank of iosysid's compute side must call this once done issuing
// write/read/sync/close calls, so ServeIOSystem's loop on the I/O side
// returns. Non-async IOSystems ignore it.
func Shutdown(ctx context.Context, iosysid int) error {
	sys, err := ioSystems.Get(iosysid)
	if err != nil {
		return pioerr.Wrap("pario.Shutdown", pioerr.CodeBadID, err)
	}
	if !sys.Async {
		return nil
	}
	return asyncio.Invoke(ctx, sys, asyncio.MsgExit, nil)
}

// ServeIOSystem runs iosysid's I/O-role dispatch loop until Shutdown is
// called on the compute side. Only meaningful on a rank where
// sys.IOProc is true; callers on other ranks get an immediate error.
func ServeIOSystem(ctx context.Context, iosysid int) error {
	sys, err := ioSystems.Get(iosysid)
	if err != nil {
		return pioerr.Wrap("pario.ServeIOSystem", pioerr.CodeBadID, err)
	}
	if !sys.IOProc {
		return pioerr.New("pario.ServeIOSystem", pioerr.CodeWrongMode)
	}
	return asyncio.Serve(ctx, sys, dispatchTable)
}

const (
	msgWriteDarray asyncio.MsgCode = 1
	msgReadDarray  asyncio.MsgCode = 2
	msgSync        asyncio.MsgCode = 3
	msgClose       asyncio.MsgCode = 4
)

var dispatchTable = map[asyncio.MsgCode]*asyncio.Procedure{
	msgWriteDarray: {Name: "WriteDarray", Handler: func(ctx context.Context, sys *iosystem.IOSystem, args []byte) error {
		ncid, varid, ioid, record, err := decodeOpArgs(args)
		if err != nil {
			return err
		}
		f, err := files.Get(ncid)
		if err != nil {
			return err
		}
		return writeDarrayLocal(ctx, f, varid, ioid, record, nil)
	}},
	msgReadDarray: {Name: "ReadDarray", Handler: func(ctx context.Context, sys *iosystem.IOSystem, args []byte) error {
		ncid, varid, ioid, record, err := decodeOpArgs(args)
		if err != nil {
			return err
		}
		f, err := files.Get(ncid)
		if err != nil {
			return err
		}
		_, err = readDarrayLocal(ctx, f, varid, ioid, record)
		return err
	}},
	msgSync: {Name: "FileSync", Handler: func(ctx context.Context, sys *iosystem.IOSystem, args []byte) error {
		ncid, _, _, _, err := decodeOpArgs(args)
		if err != nil {
			return err
		}
		f, err := files.Get(ncid)
		if err != nil {
			return err
		}
		return fileSyncLocal(ctx, f)
	}},
	msgClose: {Name: "FileClose", Handler: func(ctx context.Context, sys *iosystem.IOSystem, args []byte) error {
		ncid, _, _, _, err := decodeOpArgs(args)
		if err != nil {
			return err
		}
		f, err := files.Get(ncid)
		if err != nil {
			return err
		}
		if err := fileCloseLocal(ctx, f); err != nil {
			return err
		}
		files.Delete(ncid)
		return nil
	}},
}

const opArgsSize = 8 * 4

func encodeOpArgs(ncid, varid, ioid int, record int64) []byte {
	buf := make([]byte, opArgsSize)
	binary.BigEndian.PutUint64(buf[0:8], uint64(ncid))
	binary.BigEndian.PutUint64(buf[8:16], uint64(varid))
	binary.BigEndian.PutUint64(buf[16:24], uint64(ioid))
	binary.BigEndian.PutUint64(buf[24:32], uint64(record))
	return buf
}

func decodeOpArgs(buf []byte) (ncid, varid, ioid int, record int64, err error) {
	if len(buf) != opArgsSize {
		return 0, 0, 0, 0, fmt.Errorf("pario: dispatch args wrong size (%d bytes)", len(buf))
	}
	ncid = int(int64(binary.BigEndian.Uint64(buf[0:8])))
	varid = int(int64(binary.BigEndian.Uint64(buf[8:16])))
	ioid = int(int64(binary.BigEndian.Uint64(buf[16:24])))
	record = int64(binary.BigEndian.Uint64(buf[24:32]))
	return ncid, varid, ioid, record, nil
}
