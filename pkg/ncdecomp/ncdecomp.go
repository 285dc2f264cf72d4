// Package ncdecomp persists a Decomposition to, and restores it from, a
// small self-describing file written entirely through the backend.Backend
// seam every pario file uses -- so a saved decomposition round-trips
// through backend/localfile and backend/s3 identically. The attribute and
// variable table below matches spec.md's on-disk decomposition format:
//
//	version (string attr), max_maplen (int attr), title/history/source/
//	backtrace (free strings), array_order ("C"/"Fortran"), dim dims,
//	dim task, dim map_element, var global_size[dims], var maplen[task],
//	var map[task, map_element] right-padded with 0.
//
// backend.Backend has no dedicated attribute verb or dimension-inquiry
// call (those belong to a real netCDF-family backend and are explicitly
// out of scope here), so every attribute and dimension becomes an
// ordinary backend variable, and a caller reopening a file must already
// know its Layout -- the three sizes (dims, task, map_element) a real
// backend would let you inquire on open. WriteNcDecomp returns the
// Layout it used; callers persist it alongside the file path and pass it
// back into ReadNcDecomp (cmd/pario's decomp inspect takes its sizes as
// flags).
package ncdecomp

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/climbfuji/pario/pkg/backend"
	"github.com/climbfuji/pario/pkg/comm"
	"github.com/climbfuji/pario/pkg/decomp"
)

// LibraryVersion is written to the version attribute of every file this
// package produces.
const LibraryVersion = "pario-0.1"

const gatherTag = -3000

// Fixed capacities for the free-form string attributes, in bytes. A real
// netCDF backend stores attribute values at their exact length; our
// simplified Backend interface only offers fixed-shape variables, so each
// string attribute reserves a generous, constant-size slot and is
// NUL-padded on write / trimmed on read.
const (
	versionCap    = 32
	titleCap      = 128
	historyCap    = 256
	sourceCap     = 128
	backtraceCap  = 256
	arrayOrderCap = 8
	rearrangerCap = 32
)

const (
	varAttrVersion    = "attr_version"
	varAttrTitle      = "attr_title"
	varAttrHistory    = "attr_history"
	varAttrSource     = "attr_source"
	varAttrBacktrace  = "attr_backtrace"
	varAttrArrayOrder = "attr_array_order"
	varAttrRearranger = "attr_rearranger"
	varGlobalSize     = "global_size"
	varMaplen         = "maplen"
	varMap            = "map"
)

// Layout holds the three dimension sizes (dims, task, map_element) a real
// netCDF backend would expose via inquiry-on-open; ReadNcDecomp needs them
// up front to redeclare the file's variables in the same shape WriteNcDecomp
// used.
type Layout struct {
	NDims     int
	NTasks    int
	MaxMaplen int
}

// Metadata carries the free-form descriptive fields the table calls out
// alongside the mandatory dims/maps; callers that don't care leave it zero.
type Metadata struct {
	Title      string
	History    string
	Source     string
	Backtrace  string
	ArrayOrder string // "C" or "Fortran"; defaults to "C" when empty
}

func stringVarSpecs() []backend.VarSpec {
	return []backend.VarSpec{
		{Name: varAttrVersion, ElemSize: 1, Dims: []int64{versionCap}},
		{Name: varAttrTitle, ElemSize: 1, Dims: []int64{titleCap}},
		{Name: varAttrHistory, ElemSize: 1, Dims: []int64{historyCap}},
		{Name: varAttrSource, ElemSize: 1, Dims: []int64{sourceCap}},
		{Name: varAttrBacktrace, ElemSize: 1, Dims: []int64{backtraceCap}},
		{Name: varAttrArrayOrder, ElemSize: 1, Dims: []int64{arrayOrderCap}},
		{Name: varAttrRearranger, ElemSize: 1, Dims: []int64{rearrangerCap}},
	}
}

// WriteNcDecomp is collective over c: every task contributes its own
// CompMap, but only comm.Root touches be. It returns the Layout the file
// was written with, which the caller must pass back into ReadNcDecomp.
func WriteNcDecomp(ctx context.Context, c comm.Communicator, be backend.Backend, d *decomp.Decomposition, rearrangerTag string, meta Metadata) (Layout, error) {
	rank, size := c.Rank(), c.Size()

	maplens, maps, err := gatherMaps(ctx, c, d.CompMap)
	if err != nil {
		return Layout{}, fmt.Errorf("ncdecomp: write: %w", err)
	}
	if rank != comm.Root {
		return Layout{}, nil
	}

	maxMaplen := 0
	for _, n := range maplens {
		if n > maxMaplen {
			maxMaplen = n
		}
	}
	layout := Layout{NDims: d.NDims, NTasks: size, MaxMaplen: maxMaplen}

	if meta.ArrayOrder == "" {
		meta.ArrayOrder = "C"
	}

	defs := append(stringVarSpecs(),
		backend.VarSpec{Name: varGlobalSize, ElemSize: 8, Dims: []int64{int64(layout.NDims)}},
		backend.VarSpec{Name: varMaplen, ElemSize: 8, Dims: []int64{int64(layout.NTasks)}},
		backend.VarSpec{Name: varMap, ElemSize: 8, Dims: []int64{int64(layout.NTasks) * int64(layout.MaxMaplen)}},
	)
	varids := make(map[string]int, len(defs))
	for _, spec := range defs {
		id, err := be.Define(ctx, spec)
		if err != nil {
			return Layout{}, fmt.Errorf("ncdecomp: define %s: %w", spec.Name, err)
		}
		varids[spec.Name] = id
	}
	if err := be.EndDef(ctx); err != nil {
		return Layout{}, fmt.Errorf("ncdecomp: enddef: %w", err)
	}

	writeString := func(name, s string, capacity int) error {
		if len(s) > capacity {
			return fmt.Errorf("ncdecomp: %s value %q exceeds %d-byte capacity", name, s, capacity)
		}
		padded := make([]byte, capacity)
		copy(padded, s)
		return be.PutVara(ctx, varids[name], []int64{0}, []int64{int64(capacity)}, padded)
	}
	strs := map[string]struct {
		val string
		capacity int
	}{
		varAttrVersion:    {LibraryVersion, versionCap},
		varAttrTitle:      {meta.Title, titleCap},
		varAttrHistory:    {meta.History, historyCap},
		varAttrSource:     {meta.Source, sourceCap},
		varAttrBacktrace:  {meta.Backtrace, backtraceCap},
		varAttrArrayOrder: {meta.ArrayOrder, arrayOrderCap},
		varAttrRearranger: {rearrangerTag, rearrangerCap},
	}
	for _, spec := range stringVarSpecs() {
		s := strs[spec.Name]
		if err := writeString(spec.Name, s.val, s.capacity); err != nil {
			return Layout{}, err
		}
	}

	globalSize := make([]int64, layout.NDims)
	for i, n := range d.GlobalDims {
		globalSize[i] = int64(n)
	}
	if err := be.PutVara(ctx, varids[varGlobalSize], []int64{0}, []int64{int64(layout.NDims)}, encodeInt64s(globalSize)); err != nil {
		return Layout{}, fmt.Errorf("ncdecomp: write global_size: %w", err)
	}

	maplen64 := make([]int64, size)
	for i, n := range maplens {
		maplen64[i] = int64(n)
	}
	if err := be.PutVara(ctx, varids[varMaplen], []int64{0}, []int64{int64(size)}, encodeInt64s(maplen64)); err != nil {
		return Layout{}, fmt.Errorf("ncdecomp: write maplen: %w", err)
	}

	flat := make([]int64, size*maxMaplen)
	for task, m := range maps {
		copy(flat[task*maxMaplen:], m) // shorter rows leave the trailing zero padding the table calls for
	}
	if err := be.PutVara(ctx, varids[varMap], []int64{0}, []int64{int64(len(flat))}, encodeInt64s(flat)); err != nil {
		return Layout{}, fmt.Errorf("ncdecomp: write map: %w", err)
	}
	if err := be.Sync(ctx); err != nil {
		return Layout{}, fmt.Errorf("ncdecomp: sync: %w", err)
	}
	return layout, nil
}

// ReadNcDecomp is collective over c: comm.Root reads the file (redeclaring
// its variables per the supplied Layout) and broadcasts what it found;
// every rank returns its own normalized Decomposition, trimmed to that
// rank's maplen, plus the stored rearranger tag and Metadata.
func ReadNcDecomp(ctx context.Context, c comm.Communicator, be backend.Backend, layout Layout) (*decomp.Decomposition, string, Metadata, error) {
	rank := c.Rank()

	var blob []byte
	if rank == comm.Root {
		var err error
		blob, err = readAndEncode(ctx, be, layout)
		if err != nil {
			return nil, "", Metadata{}, fmt.Errorf("ncdecomp: read: %w", err)
		}
	}
	blob, err := c.Bcast(ctx, comm.Root, blob)
	if err != nil {
		return nil, "", Metadata{}, fmt.Errorf("ncdecomp: broadcast decomposition: %w", err)
	}

	globalDims, maplens, flat, rearrangerTag, meta, err := decodeBlob(blob, layout)
	if err != nil {
		return nil, "", Metadata{}, fmt.Errorf("ncdecomp: decode: %w", err)
	}
	if rank >= len(maplens) {
		return nil, "", Metadata{}, fmt.Errorf("ncdecomp: rank %d has no row in stored map (only %d tasks saved)", rank, len(maplens))
	}

	myLen := maplens[rank]
	myMap := append([]int64(nil), flat[rank*layout.MaxMaplen:rank*layout.MaxMaplen+myLen]...)

	d := decomp.New(globalDims, myMap)
	if err := decomp.Normalize(ctx, c, d); err != nil {
		return nil, "", Metadata{}, fmt.Errorf("ncdecomp: normalize restored decomposition: %w", err)
	}
	return d, rearrangerTag, meta, nil
}

// readAndEncode redeclares every table entry against be per layout, reads
// each back, and packs the result into one blob for Bcast.
func readAndEncode(ctx context.Context, be backend.Backend, layout Layout) ([]byte, error) {
	defs := append(stringVarSpecs(),
		backend.VarSpec{Name: varGlobalSize, ElemSize: 8, Dims: []int64{int64(layout.NDims)}},
		backend.VarSpec{Name: varMaplen, ElemSize: 8, Dims: []int64{int64(layout.NTasks)}},
		backend.VarSpec{Name: varMap, ElemSize: 8, Dims: []int64{int64(layout.NTasks) * int64(layout.MaxMaplen)}},
	)
	varids := make(map[string]int, len(defs))
	for _, spec := range defs {
		id, err := be.Define(ctx, spec)
		if err != nil {
			return nil, fmt.Errorf("define %s: %w", spec.Name, err)
		}
		varids[spec.Name] = id
	}
	if err := be.EndDef(ctx); err != nil {
		return nil, fmt.Errorf("enddef: %w", err)
	}

	readString := func(name string, capacity int) (string, error) {
		buf, err := be.GetVara(ctx, varids[name], []int64{0}, []int64{int64(capacity)})
		if err != nil {
			return "", err
		}
		return trimNulls(buf), nil
	}

	var out encodedBlob
	var err error
	if out.version, err = readString(varAttrVersion, versionCap); err != nil {
		return nil, err
	}
	if out.meta.Title, err = readString(varAttrTitle, titleCap); err != nil {
		return nil, err
	}
	if out.meta.History, err = readString(varAttrHistory, historyCap); err != nil {
		return nil, err
	}
	if out.meta.Source, err = readString(varAttrSource, sourceCap); err != nil {
		return nil, err
	}
	if out.meta.Backtrace, err = readString(varAttrBacktrace, backtraceCap); err != nil {
		return nil, err
	}
	if out.meta.ArrayOrder, err = readString(varAttrArrayOrder, arrayOrderCap); err != nil {
		return nil, err
	}
	if out.rearrangerTag, err = readString(varAttrRearranger, rearrangerCap); err != nil {
		return nil, err
	}

	gsBuf, err := be.GetVara(ctx, varids[varGlobalSize], []int64{0}, []int64{int64(layout.NDims)})
	if err != nil {
		return nil, fmt.Errorf("read global_size: %w", err)
	}
	out.globalSize = decodeInt64s(gsBuf)

	mlBuf, err := be.GetVara(ctx, varids[varMaplen], []int64{0}, []int64{int64(layout.NTasks)})
	if err != nil {
		return nil, fmt.Errorf("read maplen: %w", err)
	}
	out.maplen = decodeInt64s(mlBuf)

	mapBuf, err := be.GetVara(ctx, varids[varMap], []int64{0}, []int64{int64(layout.NTasks) * int64(layout.MaxMaplen)})
	if err != nil {
		return nil, fmt.Errorf("read map: %w", err)
	}
	out.flatMap = decodeInt64s(mapBuf)

	return out.encode(), nil
}

// encodedBlob is the payload root packs for Bcast: every decoder rank
// needs the same information readAndEncode gathered, without re-touching
// be (only root has it open for reading in this call).
type encodedBlob struct {
	version       string
	meta          Metadata
	rearrangerTag string
	globalSize    []int64
	maplen        []int64
	flatMap       []int64
}

func (b encodedBlob) encode() []byte {
	strs := []string{b.version, b.meta.Title, b.meta.History, b.meta.Source, b.meta.Backtrace, b.meta.ArrayOrder, b.rearrangerTag}
	var buf []byte
	for _, s := range strs {
		buf = append(buf, encodeInt64s([]int64{int64(len(s))})...)
		buf = append(buf, []byte(s)...)
	}
	buf = append(buf, encodeInt64s([]int64{int64(len(b.globalSize))})...)
	buf = append(buf, encodeInt64s(b.globalSize)...)
	buf = append(buf, encodeInt64s([]int64{int64(len(b.maplen))})...)
	buf = append(buf, encodeInt64s(b.maplen)...)
	buf = append(buf, encodeInt64s([]int64{int64(len(b.flatMap))})...)
	buf = append(buf, encodeInt64s(b.flatMap)...)
	return buf
}

func decodeBlob(buf []byte, layout Layout) (globalDims []int, maplens []int, flatMap []int64, rearrangerTag string, meta Metadata, err error) {
	readStr := func() (string, error) {
		if len(buf) < 8 {
			return "", fmt.Errorf("truncated blob")
		}
		n := int(decodeInt64s(buf[:8])[0])
		buf = buf[8:]
		if len(buf) < n {
			return "", fmt.Errorf("truncated blob")
		}
		s := string(buf[:n])
		buf = buf[n:]
		return s, nil
	}
	readInts := func() ([]int64, error) {
		if len(buf) < 8 {
			return nil, fmt.Errorf("truncated blob")
		}
		n := int(decodeInt64s(buf[:8])[0])
		buf = buf[8:]
		need := n * 8
		if len(buf) < need {
			return nil, fmt.Errorf("truncated blob")
		}
		vals := decodeInt64s(buf[:need])
		buf = buf[need:]
		return vals, nil
	}

	var version string
	if version, err = readStr(); err != nil {
		return
	}
	_ = version
	if meta.Title, err = readStr(); err != nil {
		return
	}
	if meta.History, err = readStr(); err != nil {
		return
	}
	if meta.Source, err = readStr(); err != nil {
		return
	}
	if meta.Backtrace, err = readStr(); err != nil {
		return
	}
	if meta.ArrayOrder, err = readStr(); err != nil {
		return
	}
	if rearrangerTag, err = readStr(); err != nil {
		return
	}

	gs, gerr := readInts()
	if gerr != nil {
		err = gerr
		return
	}
	globalDims = make([]int, len(gs))
	for i, v := range gs {
		globalDims[i] = int(v)
	}

	ml, merr := readInts()
	if merr != nil {
		err = merr
		return
	}
	maplens = make([]int, len(ml))
	for i, v := range ml {
		maplens[i] = int(v)
	}

	flatMap, err = readInts()
	if err != nil {
		return
	}
	if len(flatMap) != layout.NTasks*layout.MaxMaplen {
		err = fmt.Errorf("map length %d does not match layout %d*%d", len(flatMap), layout.NTasks, layout.MaxMaplen)
		return
	}
	return
}

func trimNulls(buf []byte) string {
	for i, b := range buf {
		if b == 0 {
			return string(buf[:i])
		}
	}
	return string(buf)
}

// gatherMaps collects every rank's CompMap onto root in rank order; every
// other rank gets nil, nil back.
func gatherMaps(ctx context.Context, c comm.Communicator, local []int64) ([]int, [][]int64, error) {
	rank, size := c.Rank(), c.Size()

	if rank != comm.Root {
		if err := c.Send(ctx, comm.Root, gatherTag, encodeInt64s(local)); err != nil {
			return nil, nil, fmt.Errorf("send local map to root: %w", err)
		}
		return nil, nil, nil
	}

	maplens := make([]int, size)
	maps := make([][]int64, size)
	maplens[comm.Root] = len(local)
	maps[comm.Root] = append([]int64(nil), local...)
	for r := 0; r < size; r++ {
		if r == comm.Root {
			continue
		}
		buf, err := c.Recv(ctx, r, gatherTag)
		if err != nil {
			return nil, nil, fmt.Errorf("recv map from rank %d: %w", r, err)
		}
		m := decodeInt64s(buf)
		maplens[r] = len(m)
		maps[r] = m
	}
	return maplens, maps, nil
}

func encodeInt64s(vals []int64) []byte {
	buf := make([]byte, 8*len(vals))
	for i, v := range vals {
		binary.BigEndian.PutUint64(buf[i*8:], uint64(v))
	}
	return buf
}

func decodeInt64s(buf []byte) []int64 {
	out := make([]int64, len(buf)/8)
	for i := range out {
		out[i] = int64(binary.BigEndian.Uint64(buf[i*8:]))
	}
	return out
}
