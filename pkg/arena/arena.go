// Copyright 2026 Google LLC
// SPDX-License-Identifier: Apache-2.0

// Package arena reads the arena files a traced thread dumps to disk.
//
// Every thread writes two kinds of arena: ops arenas hold fixed-size op
// records, and data arenas hold the strings and arrays those records point
// to. When an arena fills up the thread starts a new one with a higher
// instantiation counter, so a thread's log is the concatenation of its arenas
// in counter order.
package arena

import (
	"context"
	"encoding/binary"
	"sort"

	"github.com/google/provtrace/pkg/ops"
	"github.com/google/provtrace/pkg/segment"
	"github.com/pkg/errors"
)

// HeaderSize is the size of the header at the start of every arena file.
const HeaderSize = 32

var (
	// ErrBadHeader is returned for headers whose sizes are inconsistent.
	ErrBadHeader = errors.New("bad arena header")
	// ErrDuplicateInstantiation is returned when two arenas of one kind share a counter.
	ErrDuplicateInstantiation = errors.New("duplicate arena instantiation")
	// ErrTruncatedArena is returned when an ops arena other than the last one
	// ends mid-record.
	ErrTruncatedArena = errors.New("ops arena truncated before the last arena")
)

// Header is the fixed prefix of an arena file.
type Header struct {
	Instantiation uint64
	BaseAddress   uint64
	Capacity      uint64
	Used          uint64
}

// ContentAddress is the traced-process address of the first content byte.
func (h Header) ContentAddress() uint64 { return h.BaseAddress + HeaderSize }

// Bytes encodes the header.
func (h Header) Bytes() []byte {
	b := make([]byte, 0, HeaderSize)
	for _, v := range []uint64{h.Instantiation, h.BaseAddress, h.Capacity, h.Used} {
		b = binary.LittleEndian.AppendUint64(b, v)
	}
	return b
}

// File is one parsed arena file.
type File struct {
	Name   string
	Header Header
	// Content holds the used bytes after the header, possibly fewer than the
	// header claims when the file was cut short.
	Content []byte
	// Short is set when the file holds fewer bytes than the header claims.
	Short bool
}

// Parse validates the header of b and returns the arena it describes.
func Parse(name string, b []byte) (File, error) {
	if len(b) < HeaderSize {
		return File{}, errors.Wrapf(ErrBadHeader, "%s: %d bytes is shorter than the header", name, len(b))
	}
	h := Header{
		Instantiation: binary.LittleEndian.Uint64(b[0:]),
		BaseAddress:   binary.LittleEndian.Uint64(b[8:]),
		Capacity:      binary.LittleEndian.Uint64(b[16:]),
		Used:          binary.LittleEndian.Uint64(b[24:]),
	}
	switch {
	case h.Used < HeaderSize:
		return File{}, errors.Wrapf(ErrBadHeader, "%s: used %d is smaller than the header", name, h.Used)
	case h.Used > h.Capacity:
		return File{}, errors.Wrapf(ErrBadHeader, "%s: used %d exceeds capacity %d", name, h.Used, h.Capacity)
	case h.BaseAddress+h.Used < h.BaseAddress:
		return File{}, errors.Wrapf(ErrBadHeader, "%s: arena at %#x wraps the address space", name, h.BaseAddress)
	}
	f := File{Name: name, Header: h}
	if uint64(len(b)) < h.Used {
		f.Short = true
		f.Content = b[HeaderSize:]
	} else {
		f.Content = b[HeaderSize:h.Used]
	}
	return f, nil
}

// Build returns the bytes of an arena file holding content. Capacity is
// rounded up to a whole page.
func Build(instantiation, base uint64, content []byte) []byte {
	used := uint64(HeaderSize + len(content))
	const page = 4096
	h := Header{
		Instantiation: instantiation,
		BaseAddress:   base,
		Capacity:      (used + page - 1) / page * page,
		Used:          used,
	}
	return append(h.Bytes(), content...)
}

// Sort orders arenas by instantiation counter.
func Sort(files []File) error {
	sort.SliceStable(files, func(i, j int) bool { return files[i].Header.Instantiation < files[j].Header.Instantiation })
	for i := 1; i < len(files); i++ {
		if files[i].Header.Instantiation == files[i-1].Header.Instantiation {
			return errors.Wrapf(ErrDuplicateInstantiation, "%s and %s share instantiation %d", files[i-1].Name, files[i].Name, files[i].Header.Instantiation)
		}
	}
	return nil
}

// Segments returns the data arenas as segments of traced memory. Arenas with
// no content are skipped.
func Segments(data []File) []segment.ByteSegment {
	var segs []segment.ByteSegment
	for _, f := range data {
		if len(f.Content) == 0 {
			continue
		}
		segs = append(segs, segment.NewByteSegment(f.Header.ContentAddress(), f.Content))
	}
	return segs
}

// Thread is the decoded log of one thread.
type Thread struct {
	Ops []ops.Op
	// Truncated names the ops arena whose trailing record was cut short, if any.
	Truncated string
}

// DecodeThread decodes the records of opsArenas, resolving their pointers
// through dataArenas. Both slices may be in any order.
//
// A partial record at the end of the last ops arena is dropped and reported in
// Thread.Truncated; any other inconsistency is an error. If ctx is cancelled the ops decoded so far
// are returned along with ctx's error.
func DecodeThread(ctx context.Context, opsArenas, dataArenas []File) (*Thread, error) {
	if err := Sort(opsArenas); err != nil {
		return nil, errors.Wrap(err, "ops arenas")
	}
	if err := Sort(dataArenas); err != nil {
		return nil, errors.Wrap(err, "data arenas")
	}
	tbl, err := segment.New(Segments(dataArenas)...)
	if err != nil {
		return nil, errors.Wrap(err, "data arenas")
	}
	th := &Thread{}
	for i, f := range opsArenas {
		n := len(f.Content) / ops.RecordSize
		if f.Short || len(f.Content)%ops.RecordSize != 0 {
			if i != len(opsArenas)-1 {
				return nil, errors.Wrap(ErrTruncatedArena, f.Name)
			}
			th.Truncated = f.Name
		}
		for r := 0; r < n; r++ {
			if err := ctx.Err(); err != nil {
				return th, err
			}
			rec := f.Content[r*ops.RecordSize : (r+1)*ops.RecordSize]
			op, err := ops.Decode(rec, tbl)
			if err != nil {
				return nil, errors.Wrapf(err, "%s: record %d", f.Name, r)
			}
			th.Ops = append(th.Ops, op)
		}
	}
	return th, nil
}

// Encode lays ops out as arena files the way a traced thread would, starting
// a new ops arena every perArena records. It returns the ops arenas and the
// single data arena, which is nil when no op carries a pointer.
func Encode(records []ops.Op, perArena int, opsBase, dataBase uint64) (opsFiles [][]byte, dataFile []byte, err error) {
	if perArena <= 0 {
		return nil, nil, errors.Errorf("records per arena must be positive, got %d", perArena)
	}
	enc := ops.NewEncoder(dataBase + HeaderSize)
	var cur []byte
	var inst uint64
	flush := func() {
		base := opsBase + inst*(1<<20)
		opsFiles = append(opsFiles, Build(inst, base, cur))
		cur = nil
		inst++
	}
	for i, op := range records {
		rec, err := enc.Encode(op)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "op %d", i)
		}
		cur = append(cur, rec...)
		if (i+1)%perArena == 0 {
			flush()
		}
	}
	if len(cur) > 0 || len(opsFiles) == 0 {
		flush()
	}
	if data := enc.Data(); len(data) > 0 {
		dataFile = Build(0, dataBase, data)
	}
	return opsFiles, dataFile, nil
}
