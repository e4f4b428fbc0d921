// Copyright 2026 Google LLC
// SPDX-License-Identifier: Apache-2.0

// Package segment provides an address-indexed view over a set of byte ranges
// captured from the virtual memory of a traced process.
//
// Each ByteSegment holds the bytes of one data arena together with the virtual
// address range they occupied in the traced process. A Table merges the segments
// of one thread so that pointers recorded by the tracer can be resolved without
// ever treating them as live addresses.
package segment

import (
	"bytes"
	"fmt"
	"slices"
	"sort"

	"github.com/pkg/errors"
)

var (
	// ErrOverlappingSegments is returned when two segments claim the same address.
	ErrOverlappingSegments = errors.New("overlapping segments")
	// ErrAddressNotMapped is returned when a requested range is not covered by one contiguous run of segments.
	ErrAddressNotMapped = errors.New("address not mapped")
	// ErrMissingNul is returned when a C string runs off the end of its segment run.
	ErrMissingNul = errors.New("missing NUL terminator")
	// ErrEmptySegment is returned for segments with Stop <= Start or a length mismatch.
	ErrEmptySegment = errors.New("invalid segment bounds")
)

// ByteSegment is a contiguous range of traced memory.
type ByteSegment struct {
	Bytes []byte
	Start uint64
	Stop  uint64
}

// NewByteSegment returns a segment starting at start that covers b.
func NewByteSegment(start uint64, b []byte) ByteSegment {
	return ByteSegment{Bytes: b, Start: start, Stop: start + uint64(len(b))}
}

// Len returns the number of bytes in the segment.
func (s ByteSegment) Len() uint64 { return s.Stop - s.Start }

func (s ByteSegment) String() string {
	return fmt.Sprintf("[%#x, %#x)", s.Start, s.Stop)
}

// Table is an immutable, ordered collection of non-overlapping segments.
type Table struct {
	segs []ByteSegment
}

// New builds a Table from segs, which may be given in any order.
func New(segs ...ByteSegment) (*Table, error) {
	sorted := slices.Clone(segs)
	for _, s := range sorted {
		if s.Stop <= s.Start || uint64(len(s.Bytes)) != s.Stop-s.Start {
			return nil, errors.Wrapf(ErrEmptySegment, "segment %v with %d bytes", s, len(s.Bytes))
		}
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })
	for i := 1; i < len(sorted); i++ {
		if sorted[i].Start < sorted[i-1].Stop {
			return nil, errors.Wrapf(ErrOverlappingSegments, "%v and %v", sorted[i-1], sorted[i])
		}
	}
	return &Table{segs: sorted}, nil
}

// Len returns the number of segments in the table.
func (t *Table) Len() int { return len(t.segs) }

// Segments returns the segments ordered by start address.
func (t *Table) Segments() []ByteSegment { return slices.Clone(t.segs) }

// find returns the index of the segment containing addr.
func (t *Table) find(addr uint64) (int, bool) {
	i := sort.Search(len(t.segs), func(i int) bool { return t.segs[i].Stop > addr })
	if i == len(t.segs) || t.segs[i].Start > addr {
		return 0, false
	}
	return i, true
}

// Contains reports whether addr lies inside any segment.
func (t *Table) Contains(addr uint64) bool {
	_, ok := t.find(addr)
	return ok
}

// Resolve returns a copy of the n bytes starting at addr.
// The range may span adjacent segments as long as they are contiguous.
func (t *Table) Resolve(addr, n uint64) ([]byte, error) {
	if n == 0 {
		return []byte{}, nil
	}
	if addr+n < addr {
		return nil, errors.Wrapf(ErrAddressNotMapped, "range at %#x of %d bytes overflows", addr, n)
	}
	i, ok := t.find(addr)
	if !ok {
		return nil, errors.Wrapf(ErrAddressNotMapped, "%#x", addr)
	}
	seg := t.segs[i]
	if addr+n <= seg.Stop {
		off := addr - seg.Start
		return bytes.Clone(seg.Bytes[off : off+n]), nil
	}
	// Check the whole run before allocating for it.
	end := addr + n
	last := i
	for t.segs[last].Stop < end {
		if last+1 == len(t.segs) || t.segs[last+1].Start != t.segs[last].Stop {
			return nil, errors.Wrapf(ErrAddressNotMapped, "range [%#x, %#x) is not contiguous", addr, end)
		}
		last++
	}
	out := make([]byte, 0, n)
	for _, seg := range t.segs[i : last+1] {
		lo := max(addr, seg.Start) - seg.Start
		hi := min(end, seg.Stop) - seg.Start
		out = append(out, seg.Bytes[lo:hi]...)
	}
	return out, nil
}

// ResolveCString returns a copy of the NUL-terminated string starting at addr,
// without the terminator.
func (t *Table) ResolveCString(addr uint64) ([]byte, error) {
	i, ok := t.find(addr)
	if !ok {
		return nil, errors.Wrapf(ErrAddressNotMapped, "%#x", addr)
	}
	var out []byte
	cur := addr
	for ; i < len(t.segs); i++ {
		seg := t.segs[i]
		// The first segment contains addr; later ones must continue the run.
		if seg.Start > cur {
			break
		}
		chunk := seg.Bytes[cur-seg.Start:]
		if j := bytes.IndexByte(chunk, 0); j >= 0 {
			return append(out, chunk[:j]...), nil
		}
		out = append(out, chunk...)
		cur = seg.Stop
	}
	return nil, errors.Wrapf(ErrMissingNul, "string at %#x", addr)
}
