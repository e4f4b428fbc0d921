// Copyright 2026 Google LLC
// SPDX-License-Identifier: Apache-2.0

// Package provlog assembles the per-thread op logs of a provenance trace into
// a single ProvLog, from either the raw capture directory written by the
// tracer or the packaged archive produced from it.
package provlog

import (
	"cmp"
	"fmt"
	"iter"
	"maps"
	"slices"

	"github.com/google/provtrace/pkg/ops"
)

// OpQuad identifies one op in a ProvLog.
type OpQuad struct {
	PID   int32
	Epoch uint32
	TID   int32
	Index int
}

func (q OpQuad) String() string {
	return fmt.Sprintf("%d.%d.%d#%d", q.PID, q.Epoch, q.TID, q.Index)
}

// Thread returns the thread the op belongs to.
func (q OpQuad) Thread() ThreadKey { return ThreadKey{PID: q.PID, Epoch: q.Epoch, TID: q.TID} }

// CompareOpQuad orders ops by pid, then epoch, then tid, then index.
func CompareOpQuad(a, b OpQuad) int {
	return cmp.Or(
		cmp.Compare(a.PID, b.PID),
		cmp.Compare(a.Epoch, b.Epoch),
		cmp.Compare(a.TID, b.TID),
		cmp.Compare(a.Index, b.Index),
	)
}

// ThreadKey identifies one thread of one exec epoch.
type ThreadKey struct {
	PID   int32
	Epoch uint32
	TID   int32
}

func (k ThreadKey) String() string {
	return fmt.Sprintf("pid %d epoch %d tid %d", k.PID, k.Epoch, k.TID)
}

// Op returns the identity of the i-th op of the thread.
func (k ThreadKey) Op(i int) OpQuad { return OpQuad{PID: k.PID, Epoch: k.Epoch, TID: k.TID, Index: i} }

// InodeKey identifies an inode.
type InodeKey struct {
	DeviceMajor uint32
	DeviceMinor uint32
	Inode       uint64
}

func (k InodeKey) String() string {
	return fmt.Sprintf("%d:%d:%d", k.DeviceMajor, k.DeviceMinor, k.Inode)
}

// InodeOf returns the inode a stat-valid path refers to.
func InodeOf(p ops.Path) InodeKey {
	return InodeKey{DeviceMajor: p.DeviceMajor, DeviceMinor: p.DeviceMinor, Inode: p.Inode}
}

// InodeVersionKey identifies one observed content state of an inode.
type InodeVersionKey struct {
	InodeKey
	MtimeSec  int64
	MtimeNsec uint32
	Size      uint64
}

// InodeVersionOf returns the content state a stat-valid path observed.
func InodeVersionOf(p ops.Path) InodeVersionKey {
	return InodeVersionKey{InodeKey: InodeOf(p), MtimeSec: p.Mtime.Sec, MtimeNsec: p.Mtime.Nsec, Size: p.Size}
}

// ThreadLog is the op sequence of one thread.
type ThreadLog struct {
	TID int32
	Ops []ops.Op
}

// ExecEpochLog holds the threads of one program image of a process.
type ExecEpochLog struct {
	Epoch   uint32
	Threads map[int32]*ThreadLog
}

// ProcessLog holds the exec epochs of one process.
type ProcessLog struct {
	PID    int32
	Epochs map[uint32]*ExecEpochLog
}

// Host identifies the machine a trace was captured on.
type Host struct {
	Name string
	ID   uint64
}

// ProvLog is a complete provenance trace.
type ProvLog struct {
	// ID identifies the trace. Captures without one are assigned a random ID.
	ID        string
	Host      *Host
	Processes map[int32]*ProcessLog
	// Snapshots holds file contents captured in copy-files mode.
	Snapshots    map[InodeVersionKey][]byte
	HasSnapshots bool
}

// New returns an empty ProvLog.
func New(id string) *ProvLog {
	return &ProvLog{
		ID:        id,
		Processes: make(map[int32]*ProcessLog),
		Snapshots: make(map[InodeVersionKey][]byte),
	}
}

// AddThread stores th under k, creating the process and epoch as needed.
func (l *ProvLog) AddThread(k ThreadKey, th []ops.Op) {
	p, ok := l.Processes[k.PID]
	if !ok {
		p = &ProcessLog{PID: k.PID, Epochs: make(map[uint32]*ExecEpochLog)}
		l.Processes[k.PID] = p
	}
	e, ok := p.Epochs[k.Epoch]
	if !ok {
		e = &ExecEpochLog{Epoch: k.Epoch, Threads: make(map[int32]*ThreadLog)}
		p.Epochs[k.Epoch] = e
	}
	e.Threads[k.TID] = &ThreadLog{TID: k.TID, Ops: th}
}

// Thread returns the log of thread k.
func (l *ProvLog) Thread(k ThreadKey) (*ThreadLog, bool) {
	e, ok := l.Epoch(k.PID, k.Epoch)
	if !ok {
		return nil, false
	}
	th, ok := e.Threads[k.TID]
	return th, ok
}

// Epoch returns the log of one exec epoch.
func (l *ProvLog) Epoch(pid int32, epoch uint32) (*ExecEpochLog, bool) {
	p, ok := l.Processes[pid]
	if !ok {
		return nil, false
	}
	e, ok := p.Epochs[epoch]
	return e, ok
}

// Op returns the op identified by q.
func (l *ProvLog) Op(q OpQuad) (ops.Op, bool) {
	th, ok := l.Thread(q.Thread())
	if !ok || q.Index < 0 || q.Index >= len(th.Ops) {
		return ops.Op{}, false
	}
	return th.Ops[q.Index], true
}

// PIDs returns the traced pids in ascending order.
func (l *ProvLog) PIDs() []int32 { return slices.Sorted(maps.Keys(l.Processes)) }

// EpochNumbers returns the epochs of the process in ascending order.
func (p *ProcessLog) EpochNumbers() []uint32 { return slices.Sorted(maps.Keys(p.Epochs)) }

// TIDs returns the threads of the epoch in ascending order.
func (e *ExecEpochLog) TIDs() []int32 { return slices.Sorted(maps.Keys(e.Threads)) }

// Threads yields every thread in ascending ThreadKey order.
func (l *ProvLog) Threads() iter.Seq2[ThreadKey, *ThreadLog] {
	return func(yield func(ThreadKey, *ThreadLog) bool) {
		for _, pid := range l.PIDs() {
			p := l.Processes[pid]
			for _, epoch := range p.EpochNumbers() {
				e := p.Epochs[epoch]
				for _, tid := range e.TIDs() {
					if !yield(ThreadKey{PID: pid, Epoch: epoch, TID: tid}, e.Threads[tid]) {
						return
					}
				}
			}
		}
	}
}

// Ops yields every op in ascending OpQuad order.
func (l *ProvLog) Ops() iter.Seq2[OpQuad, ops.Op] {
	return func(yield func(OpQuad, ops.Op) bool) {
		for k, th := range l.Threads() {
			for i, op := range th.Ops {
				if !yield(k.Op(i), op) {
					return
				}
			}
		}
	}
}

// NumOps returns the total number of ops.
func (l *ProvLog) NumOps() int {
	var n int
	for _, th := range l.Threads() {
		n += len(th.Ops)
	}
	return n
}

// ParentPIDs maps every pid created by a successful process clone to the pid
// that created it.
func (l *ProvLog) ParentPIDs() map[int32]int32 {
	parents := make(map[int32]int32)
	for q, op := range l.Ops() {
		if c, ok := op.Data.(ops.CloneOp); ok && c.Ferrno == 0 && c.NewProcess() {
			parents[int32(c.TaskID)] = q.PID
		}
	}
	return parents
}

// RootPID returns the lowest traced pid that no traced clone created.
func (l *ProvLog) RootPID() (int32, bool) {
	parents := l.ParentPIDs()
	for _, pid := range l.PIDs() {
		if _, ok := parents[pid]; !ok {
			return pid, true
		}
	}
	return 0, false
}
