// Copyright 2026 Google LLC
// SPDX-License-Identifier: Apache-2.0

package ops

import "golang.org/x/sys/unix"

// AccessMode is the effect an open has on the content of its file.
type AccessMode int

const (
	// Read only observes the current content.
	Read AccessMode = iota
	// FreshWrite replaces the content without regard to what was there.
	FreshWrite
	// MutatingWrite changes the content in place, so the result depends on the prior content.
	MutatingWrite
	// ReadMutatingWrite observes and then changes the content in place.
	ReadMutatingWrite
)

func (m AccessMode) String() string {
	switch m {
	case Read:
		return "read"
	case FreshWrite:
		return "fresh-write"
	case MutatingWrite:
		return "mutating-write"
	case ReadMutatingWrite:
		return "read-mutating-write"
	default:
		return "unknown"
	}
}

// Reads reports whether the mode observes the prior content.
func (m AccessMode) Reads() bool { return m == Read || m == ReadMutatingWrite }

// Writes reports whether the mode produces new content.
func (m AccessMode) Writes() bool { return m != Read }

// ClassifyOpen maps open(2) flags to an AccessMode.
//
// O_TRUNC, or O_CREAT together with O_EXCL, discards any prior content and
// makes the write fresh even when the file is also opened for reading.
func ClassifyOpen(flags int32) AccessMode {
	f := int(flags)
	acc := f & unix.O_ACCMODE
	if acc == unix.O_RDONLY {
		return Read
	}
	if f&unix.O_TRUNC != 0 || f&(unix.O_CREAT|unix.O_EXCL) == unix.O_CREAT|unix.O_EXCL {
		return FreshWrite
	}
	if acc == unix.O_WRONLY {
		return MutatingWrite
	}
	return ReadMutatingWrite
}
