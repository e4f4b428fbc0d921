// Copyright 2026 Google LLC
// SPDX-License-Identifier: Apache-2.0

// Package ops defines the operations recorded by the tracer and their binary
// and JSON encodings.
//
// An Op pairs a timestamp and thread identity with exactly one Data variant.
// Data is a closed set: every variant is declared in this file and consumers
// are expected to switch over all of them.
package ops

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrInvalidVariant is returned when a record carries an unknown op code.
var ErrInvalidVariant = errors.New("invalid op variant")

// OpCode selects the active Data variant of a binary record.
type OpCode uint32

const (
	codeInvalid OpCode = iota
	CodeInitProcess
	CodeInitThread
	CodeOpen
	CodeClose
	CodeChdir
	CodeExec
	CodeClone
	CodeExit
	CodeAccess
	CodeStat
	CodeChown
	CodeChmod
	CodeReadLink
	codeEnd
)

var codeNames = [...]string{
	codeInvalid:     "InvalidOp",
	CodeInitProcess: "InitProcessOp",
	CodeInitThread:  "InitThreadOp",
	CodeOpen:        "OpenOp",
	CodeClose:       "CloseOp",
	CodeChdir:       "ChdirOp",
	CodeExec:        "ExecOp",
	CodeClone:       "CloneOp",
	CodeExit:        "ExitOp",
	CodeAccess:      "AccessOp",
	CodeStat:        "StatOp",
	CodeChown:       "ChownOp",
	CodeChmod:       "ChmodOp",
	CodeReadLink:    "ReadLinkOp",
}

// String returns the variant name used in the packaged JSON form.
func (c OpCode) String() string {
	if c < codeEnd {
		return codeNames[c]
	}
	return fmt.Sprintf("OpCode(%d)", uint32(c))
}

// ParseOpCode returns the code of a variant name.
func ParseOpCode(name string) (OpCode, error) {
	for c := CodeInitProcess; c < codeEnd; c++ {
		if codeNames[c] == name {
			return c, nil
		}
	}
	return codeInvalid, errors.Wrapf(ErrInvalidVariant, "unknown variant %q", name)
}

// TaskType identifies what kind of task a clone created.
type TaskType uint32

const (
	TaskPID TaskType = iota
	TaskTID
	TaskISOCThread
	TaskPthread
)

func (t TaskType) String() string {
	switch t {
	case TaskPID:
		return "pid"
	case TaskTID:
		return "tid"
	case TaskISOCThread:
		return "ISO C thread"
	case TaskPthread:
		return "pthread"
	default:
		return fmt.Sprintf("TaskType(%d)", uint32(t))
	}
}

// Timespec is a point in time as recorded by the tracer.
type Timespec struct {
	Sec  int64  `json:"sec"`
	Nsec uint32 `json:"nsec"`
}

// Op is one recorded operation.
type Op struct {
	Data         Data
	Time         Timespec
	PthreadID    uint64
	ISOCThreadID uint64
}

// Data is the variant payload of an Op.
type Data interface {
	Code() OpCode
	isData()
}

// Path is a path argument as observed by the tracer, together with the result
// of the stat the tracer performed on it.
type Path struct {
	// DirFD is the directory the path is relative to, AT_FDCWD for the cwd.
	DirFD       int32    `json:"dirfd"`
	Path        CString  `json:"path"`
	DeviceMajor uint32   `json:"device_major"`
	DeviceMinor uint32   `json:"device_minor"`
	Inode       uint64   `json:"inode"`
	Mtime       Timespec `json:"mtime"`
	Ctime       Timespec `json:"ctime"`
	Size        uint64   `json:"size"`
	Mode        uint32   `json:"mode"`
	StatValid   bool     `json:"stat_valid"`
	DirFDValid  bool     `json:"dirfd_valid"`
}

// InitProcessOp is the first op of every exec epoch.
type InitProcessOp struct {
	PID       int32  `json:"pid"`
	ParentPID int32  `json:"parent_pid"`
	Epoch     uint32 `json:"epoch"`
	IsRoot    bool   `json:"is_root"`
	Cwd       Path   `json:"cwd"`
	Exe       Path   `json:"exe"`
}

// InitThreadOp is the first op of every thread.
type InitThreadOp struct {
	TID int32 `json:"tid"`
}

type OpenOp struct {
	Path   Path   `json:"path"`
	Flags  int32  `json:"flags"`
	Mode   uint32 `json:"mode"`
	FD     int32  `json:"fd"`
	Ferrno int32  `json:"ferrno"`
}

// CloseOp closes every descriptor in [LowFD, HighFD].
type CloseOp struct {
	LowFD  int32 `json:"low_fd"`
	HighFD int32 `json:"high_fd"`
	Ferrno int32 `json:"ferrno"`
}

type ChdirOp struct {
	Path   Path  `json:"path"`
	Ferrno int32 `json:"ferrno"`
}

type ExecOp struct {
	Path   Path      `json:"path"`
	Ferrno int32     `json:"ferrno"`
	Argv   []CString `json:"argv"`
	Env    []CString `json:"env"`
}

type CloneOp struct {
	Flags          int32    `json:"flags"`
	RunAtforkHooks bool     `json:"run_pthread_atfork_handlers"`
	TaskType       TaskType `json:"task_type"`
	TaskID         uint64   `json:"task_id"`
	Ferrno         int32    `json:"ferrno"`
}

// NewProcess reports whether the clone created a process rather than a thread.
func (o CloneOp) NewProcess() bool { return o.TaskType == TaskPID }

type ExitOp struct {
	Status         int32 `json:"status"`
	RunAtexitHooks bool  `json:"run_atexit_handlers"`
}

type AccessOp struct {
	Path   Path  `json:"path"`
	Mode   int32 `json:"mode"`
	Flags  int32 `json:"flags"`
	Ferrno int32 `json:"ferrno"`
}

// StatResult mirrors the fields of struct statx that the tracer keeps.
type StatResult struct {
	Mask     uint32   `json:"mask"`
	Nlink    uint32   `json:"nlink"`
	UID      uint32   `json:"uid"`
	GID      uint32   `json:"gid"`
	Mode     uint32   `json:"mode"`
	Ino      uint64   `json:"ino"`
	Size     uint64   `json:"size"`
	Blocks   uint64   `json:"blocks"`
	Blksize  uint32   `json:"blksize"`
	Atime    Timespec `json:"atime"`
	Btime    Timespec `json:"btime"`
	Ctime    Timespec `json:"ctime"`
	Mtime    Timespec `json:"mtime"`
	DevMajor uint32   `json:"dev_major"`
	DevMinor uint32   `json:"dev_minor"`
}

type StatOp struct {
	Path       Path       `json:"path"`
	Flags      int32      `json:"flags"`
	Ferrno     int32      `json:"ferrno"`
	StatResult StatResult `json:"stat_result"`
}

type ChownOp struct {
	Path   Path   `json:"path"`
	Flags  int32  `json:"flags"`
	UID    uint32 `json:"uid"`
	GID    uint32 `json:"gid"`
	Ferrno int32  `json:"ferrno"`
}

type ChmodOp struct {
	Path   Path   `json:"path"`
	Flags  int32  `json:"flags"`
	Mode   uint32 `json:"mode"`
	Ferrno int32  `json:"ferrno"`
}

// ReadLinkOp records a symlink read; Referent is the link target.
type ReadLinkOp struct {
	LinkPath  Path    `json:"linkpath"`
	Referent  CString `json:"referent"`
	Truncated bool    `json:"truncation"`
	Recursive bool    `json:"recursive_dereference"`
	Ferrno    int32   `json:"ferrno"`
}

func (InitProcessOp) Code() OpCode { return CodeInitProcess }
func (InitThreadOp) Code() OpCode  { return CodeInitThread }
func (OpenOp) Code() OpCode        { return CodeOpen }
func (CloseOp) Code() OpCode       { return CodeClose }
func (ChdirOp) Code() OpCode       { return CodeChdir }
func (ExecOp) Code() OpCode        { return CodeExec }
func (CloneOp) Code() OpCode       { return CodeClone }
func (ExitOp) Code() OpCode        { return CodeExit }
func (AccessOp) Code() OpCode      { return CodeAccess }
func (StatOp) Code() OpCode        { return CodeStat }
func (ChownOp) Code() OpCode       { return CodeChown }
func (ChmodOp) Code() OpCode       { return CodeChmod }
func (ReadLinkOp) Code() OpCode    { return CodeReadLink }

func (InitProcessOp) isData() {}
func (InitThreadOp) isData()  {}
func (OpenOp) isData()        {}
func (CloseOp) isData()       {}
func (ChdirOp) isData()       {}
func (ExecOp) isData()        {}
func (CloneOp) isData()       {}
func (ExitOp) isData()        {}
func (AccessOp) isData()      {}
func (StatOp) isData()        {}
func (ChownOp) isData()       {}
func (ChmodOp) isData()       {}
func (ReadLinkOp) isData()    {}

// Ferrno returns the errno the traced call reported, or 0 for variants that
// cannot fail.
func Ferrno(d Data) int32 {
	switch d := d.(type) {
	case InitProcessOp, InitThreadOp, ExitOp:
		return 0
	case OpenOp:
		return d.Ferrno
	case CloseOp:
		return d.Ferrno
	case ChdirOp:
		return d.Ferrno
	case ExecOp:
		return d.Ferrno
	case CloneOp:
		return d.Ferrno
	case AccessOp:
		return d.Ferrno
	case StatOp:
		return d.Ferrno
	case ChownOp:
		return d.Ferrno
	case ChmodOp:
		return d.Ferrno
	case ReadLinkOp:
		return d.Ferrno
	default:
		panic(fmt.Sprintf("unhandled op variant %T", d))
	}
}
