// Copyright 2026 Google LLC
// SPDX-License-Identifier: Apache-2.0

package ops

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/google/provtrace/pkg/segment"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

const (
	// RecordSize is the size of one op record in an ops arena.
	RecordSize = 256
	// HeaderSize is the size of the fields common to every record.
	HeaderSize = 32
	// PathSize is the encoded size of a Path.
	PathSize = 66
	// PointerSize is the width of a traced-process pointer.
	PointerSize = 8
)

// Resolver maps traced-process addresses to their captured bytes.
type Resolver interface {
	Resolve(addr, n uint64) ([]byte, error)
	ResolveCString(addr uint64) ([]byte, error)
}

// fieldCodec visits the fields of a record in wire order. The same visit
// drives both decoding and encoding.
type fieldCodec interface {
	i32(*int32)
	u32(*uint32)
	i64(*int64)
	u64(*uint64)
	flag(*bool)
	// str is a pointer to a NUL-terminated string.
	str(*CString)
	// strv is a length followed by a pointer to an array of string pointers.
	strv(*[]CString)
}

func timespecFields(c fieldCodec, t *Timespec) {
	c.i64(&t.Sec)
	c.u32(&t.Nsec)
}

func pathFields(c fieldCodec, p *Path) {
	// The tracer stores the dirfd offset by AT_FDCWD so that zeroed memory means the cwd.
	raw := p.DirFD - unix.AT_FDCWD
	c.i32(&raw)
	p.DirFD = raw + unix.AT_FDCWD
	c.str(&p.Path)
	c.u32(&p.DeviceMajor)
	c.u32(&p.DeviceMinor)
	c.u64(&p.Inode)
	timespecFields(c, &p.Mtime)
	timespecFields(c, &p.Ctime)
	c.u64(&p.Size)
	c.u32(&p.Mode)
	c.flag(&p.StatValid)
	c.flag(&p.DirFDValid)
}

func headerFields(c fieldCodec, code *uint32, op *Op) {
	c.u32(code)
	timespecFields(c, &op.Time)
	c.u64(&op.PthreadID)
	c.u64(&op.ISOCThreadID)
}

func (o *InitProcessOp) fields(c fieldCodec) {
	c.i32(&o.PID)
	c.i32(&o.ParentPID)
	c.u32(&o.Epoch)
	c.flag(&o.IsRoot)
	pathFields(c, &o.Cwd)
	pathFields(c, &o.Exe)
}

func (o *InitThreadOp) fields(c fieldCodec) {
	c.i32(&o.TID)
}

func (o *OpenOp) fields(c fieldCodec) {
	pathFields(c, &o.Path)
	c.i32(&o.Flags)
	c.u32(&o.Mode)
	c.i32(&o.FD)
	c.i32(&o.Ferrno)
}

func (o *CloseOp) fields(c fieldCodec) {
	c.i32(&o.LowFD)
	c.i32(&o.HighFD)
	c.i32(&o.Ferrno)
}

func (o *ChdirOp) fields(c fieldCodec) {
	pathFields(c, &o.Path)
	c.i32(&o.Ferrno)
}

func (o *ExecOp) fields(c fieldCodec) {
	pathFields(c, &o.Path)
	c.i32(&o.Ferrno)
	c.strv(&o.Argv)
	c.strv(&o.Env)
}

func (o *CloneOp) fields(c fieldCodec) {
	c.i32(&o.Flags)
	c.flag(&o.RunAtforkHooks)
	tt := uint32(o.TaskType)
	c.u32(&tt)
	o.TaskType = TaskType(tt)
	c.u64(&o.TaskID)
	c.i32(&o.Ferrno)
}

func (o *ExitOp) fields(c fieldCodec) {
	c.i32(&o.Status)
	c.flag(&o.RunAtexitHooks)
}

func (o *AccessOp) fields(c fieldCodec) {
	pathFields(c, &o.Path)
	c.i32(&o.Mode)
	c.i32(&o.Flags)
	c.i32(&o.Ferrno)
}

func (o *StatOp) fields(c fieldCodec) {
	pathFields(c, &o.Path)
	c.i32(&o.Flags)
	c.i32(&o.Ferrno)
	s := &o.StatResult
	c.u32(&s.Mask)
	c.u32(&s.Nlink)
	c.u32(&s.UID)
	c.u32(&s.GID)
	c.u32(&s.Mode)
	c.u64(&s.Ino)
	c.u64(&s.Size)
	c.u64(&s.Blocks)
	c.u32(&s.Blksize)
	timespecFields(c, &s.Atime)
	timespecFields(c, &s.Btime)
	timespecFields(c, &s.Ctime)
	timespecFields(c, &s.Mtime)
	c.u32(&s.DevMajor)
	c.u32(&s.DevMinor)
}

func (o *ChownOp) fields(c fieldCodec) {
	pathFields(c, &o.Path)
	c.i32(&o.Flags)
	c.u32(&o.UID)
	c.u32(&o.GID)
	c.i32(&o.Ferrno)
}

func (o *ChmodOp) fields(c fieldCodec) {
	pathFields(c, &o.Path)
	c.i32(&o.Flags)
	c.u32(&o.Mode)
	c.i32(&o.Ferrno)
}

func (o *ReadLinkOp) fields(c fieldCodec) {
	pathFields(c, &o.LinkPath)
	c.str(&o.Referent)
	c.flag(&o.Truncated)
	c.flag(&o.Recursive)
	c.i32(&o.Ferrno)
}

type payload[T any] interface {
	*T
	fields(fieldCodec)
}

func visit[T Data, P payload[T]](c fieldCodec) Data {
	var d T
	P(&d).fields(c)
	return d
}

func visitPayload(c fieldCodec, code OpCode) (Data, error) {
	switch code {
	case CodeInitProcess:
		return visit[InitProcessOp](c), nil
	case CodeInitThread:
		return visit[InitThreadOp](c), nil
	case CodeOpen:
		return visit[OpenOp](c), nil
	case CodeClose:
		return visit[CloseOp](c), nil
	case CodeChdir:
		return visit[ChdirOp](c), nil
	case CodeExec:
		return visit[ExecOp](c), nil
	case CodeClone:
		return visit[CloneOp](c), nil
	case CodeExit:
		return visit[ExitOp](c), nil
	case CodeAccess:
		return visit[AccessOp](c), nil
	case CodeStat:
		return visit[StatOp](c), nil
	case CodeChown:
		return visit[ChownOp](c), nil
	case CodeChmod:
		return visit[ChmodOp](c), nil
	case CodeReadLink:
		return visit[ReadLinkOp](c), nil
	default:
		return nil, errors.Wrapf(ErrInvalidVariant, "op code %d", uint32(code))
	}
}

type decoder struct {
	buf []byte
	off int
	mem Resolver
	err error
}

func (d *decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if d.off+n > len(d.buf) {
		d.err = errors.Errorf("field at offset %d overruns %d byte record", d.off, len(d.buf))
		return nil
	}
	b := d.buf[d.off : d.off+n]
	d.off += n
	return b
}

func (d *decoder) i32(v *int32) {
	if b := d.take(4); b != nil {
		*v = int32(binary.LittleEndian.Uint32(b))
	}
}

func (d *decoder) u32(v *uint32) {
	if b := d.take(4); b != nil {
		*v = binary.LittleEndian.Uint32(b)
	}
}

func (d *decoder) i64(v *int64) {
	if b := d.take(8); b != nil {
		*v = int64(binary.LittleEndian.Uint64(b))
	}
}

func (d *decoder) u64(v *uint64) {
	if b := d.take(8); b != nil {
		*v = binary.LittleEndian.Uint64(b)
	}
}

func (d *decoder) flag(v *bool) {
	if b := d.take(1); b != nil {
		*v = b[0] != 0
	}
}

func (d *decoder) cstring(addr uint64) CString {
	if addr == 0 || d.err != nil {
		return ""
	}
	b, err := d.mem.ResolveCString(addr)
	if err != nil {
		d.err = err
		return ""
	}
	return CString(b)
}

func (d *decoder) str(v *CString) {
	var addr uint64
	d.u64(&addr)
	*v = d.cstring(addr)
}

func (d *decoder) strv(v *[]CString) {
	var n, addr uint64
	d.u64(&n)
	d.u64(&addr)
	*v = nil
	if d.err != nil || n == 0 || addr == 0 {
		return
	}
	if n > math.MaxUint64/PointerSize {
		d.err = errors.Wrapf(segment.ErrAddressNotMapped, "array of %d pointers at %#x", n, addr)
		return
	}
	raw, err := d.mem.Resolve(addr, n*PointerSize)
	if err != nil {
		d.err = err
		return
	}
	out := make([]CString, n)
	for i := range out {
		out[i] = d.cstring(binary.LittleEndian.Uint64(raw[i*PointerSize:]))
	}
	if d.err == nil {
		*v = out
	}
}

// Decode interprets one RecordSize record, resolving its pointers through mem.
func Decode(record []byte, mem Resolver) (Op, error) {
	if len(record) != RecordSize {
		return Op{}, errors.Errorf("record is %d bytes, want %d", len(record), RecordSize)
	}
	d := &decoder{buf: record, mem: mem}
	var op Op
	var code uint32
	headerFields(d, &code, &op)
	data, err := visitPayload(d, OpCode(code))
	if err != nil {
		return Op{}, err
	}
	if d.err != nil {
		return Op{}, errors.Wrapf(d.err, "decoding %v", OpCode(code))
	}
	op.Data = data
	return op, nil
}

type encoder struct {
	rec []byte
	e   *Encoder
}

func (w *encoder) i32(v *int32)  { w.rec = binary.LittleEndian.AppendUint32(w.rec, uint32(*v)) }
func (w *encoder) u32(v *uint32) { w.rec = binary.LittleEndian.AppendUint32(w.rec, *v) }
func (w *encoder) i64(v *int64)  { w.rec = binary.LittleEndian.AppendUint64(w.rec, uint64(*v)) }
func (w *encoder) u64(v *uint64) { w.rec = binary.LittleEndian.AppendUint64(w.rec, *v) }

func (w *encoder) flag(v *bool) {
	var b byte
	if *v {
		b = 1
	}
	w.rec = append(w.rec, b)
}

func (w *encoder) str(v *CString) {
	addr := w.e.cstring(*v)
	w.u64(&addr)
}

func (w *encoder) strv(v *[]CString) {
	n := uint64(len(*v))
	var addr uint64
	if n > 0 {
		ptrs := make([]byte, 0, n*PointerSize)
		for _, s := range *v {
			ptrs = binary.LittleEndian.AppendUint64(ptrs, w.e.cstring(s))
		}
		addr = w.e.alloc(ptrs)
	}
	w.u64(&n)
	w.u64(&addr)
}

// Encoder produces op records together with the data arena content their
// pointers refer to. It is the inverse of Decode.
type Encoder struct {
	base uint64
	data []byte
}

// NewEncoder returns an Encoder whose data arena content starts at base.
func NewEncoder(base uint64) *Encoder {
	return &Encoder{base: base}
}

func (e *Encoder) alloc(b []byte) uint64 {
	addr := e.base + uint64(len(e.data))
	e.data = append(e.data, b...)
	return addr
}

func (e *Encoder) cstring(s CString) uint64 {
	if s == "" {
		return 0
	}
	return e.alloc(append([]byte(s), 0))
}

// Encode returns the record for op. Strings are appended to the data arena.
func (e *Encoder) Encode(op Op) ([]byte, error) {
	if op.Data == nil {
		return nil, errors.Wrap(ErrInvalidVariant, "op without data")
	}
	w := &encoder{rec: make([]byte, 0, RecordSize), e: e}
	code := uint32(op.Data.Code())
	headerFields(w, &code, &op)
	switch d := op.Data.(type) {
	case InitProcessOp:
		d.fields(w)
	case InitThreadOp:
		d.fields(w)
	case OpenOp:
		d.fields(w)
	case CloseOp:
		d.fields(w)
	case ChdirOp:
		d.fields(w)
	case ExecOp:
		d.fields(w)
	case CloneOp:
		d.fields(w)
	case ExitOp:
		d.fields(w)
	case AccessOp:
		d.fields(w)
	case StatOp:
		d.fields(w)
	case ChownOp:
		d.fields(w)
	case ChmodOp:
		d.fields(w)
	case ReadLinkOp:
		d.fields(w)
	default:
		panic(fmt.Sprintf("unhandled op variant %T", d))
	}
	if len(w.rec) > RecordSize {
		return nil, errors.Errorf("%v payload is %d bytes, exceeds record size", op.Data.Code(), len(w.rec))
	}
	return append(w.rec, make([]byte, RecordSize-len(w.rec))...), nil
}

// Data returns the data arena content produced so far.
func (e *Encoder) Data() []byte { return e.data }

// Segment returns the data arena content as a segment, or false if it is empty.
func (e *Encoder) Segment() (segment.ByteSegment, bool) {
	if len(e.data) == 0 {
		return segment.ByteSegment{}, false
	}
	return segment.NewByteSegment(e.base, e.data), true
}
