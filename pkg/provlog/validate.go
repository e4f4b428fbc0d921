// Copyright 2026 Google LLC
// SPDX-License-Identifier: Apache-2.0

package provlog

import (
	"fmt"
	"maps"
	"slices"

	"github.com/google/provtrace/pkg/ops"
)

const maxCheckedCloseRange = 1024

// Validate checks l for structural inconsistencies a correct capture would
// not contain, and returns one human-readable finding per problem.
func Validate(l *ProvLog) []string {
	var findings []string
	opened := make(map[int32]bool)
	closed := make(map[int32]bool)
	for _, pid := range l.PIDs() {
		p := l.Processes[pid]
		epochs := p.EpochNumbers()
		if len(epochs) == 0 {
			findings = append(findings, fmt.Sprintf("pid %d has no exec epochs", pid))
			continue
		}
		for want, got := range epochs {
			if uint32(want) != got {
				findings = append(findings, fmt.Sprintf("pid %d is missing exec epoch %d", pid, want))
				break
			}
		}
		for _, epoch := range epochs {
			e := p.Epochs[epoch]
			if len(e.Threads) == 0 {
				findings = append(findings, fmt.Sprintf("pid %d epoch %d has no threads", pid, epoch))
			}
			pthreads := make(map[uint64]bool)
			isoThreads := make(map[uint64]bool)
			for _, th := range e.Threads {
				for _, op := range th.Ops {
					pthreads[op.PthreadID] = true
					isoThreads[op.ISOCThreadID] = true
				}
			}
			for _, tid := range e.TIDs() {
				th := e.Threads[tid]
				k := ThreadKey{PID: pid, Epoch: epoch, TID: tid}
				if len(th.Ops) == 0 {
					findings = append(findings, fmt.Sprintf("%v has no ops", k))
				}
				for i, op := range th.Ops {
					q := k.Op(i)
					switch d := op.Data.(type) {
					case ops.InitProcessOp:
						if d.Epoch != epoch || (d.PID != 0 && d.PID != pid) {
							findings = append(findings, fmt.Sprintf("%v: InitProcessOp for pid %d epoch %d recorded under pid %d epoch %d", q, d.PID, d.Epoch, pid, epoch))
						}
					case ops.OpenOp:
						if d.Ferrno == 0 {
							opened[d.FD] = true
						}
					case ops.CloseOp:
						// closefrom-style ranges close whatever happens to be open.
						if d.Ferrno == 0 && int64(d.HighFD)-int64(d.LowFD) < maxCheckedCloseRange {
							for fd := int64(d.LowFD); fd <= int64(d.HighFD); fd++ {
								closed[int32(fd)] = true
							}
						}
					case ops.CloneOp:
						if d.Ferrno != 0 {
							continue
						}
						var tracked bool
						switch d.TaskType {
						case ops.TaskPID:
							_, tracked = l.Processes[int32(d.TaskID)]
						case ops.TaskTID:
							_, tracked = e.Threads[int32(d.TaskID)]
						case ops.TaskPthread:
							tracked = pthreads[d.TaskID]
						case ops.TaskISOCThread:
							tracked = isoThreads[d.TaskID]
						}
						if !tracked {
							findings = append(findings, fmt.Sprintf("%v: clone returned %v task %d that was not tracked", q, d.TaskType, d.TaskID))
						}
					case ops.InitThreadOp, ops.ChdirOp, ops.ExecOp, ops.ExitOp, ops.AccessOp,
						ops.StatOp, ops.ChownOp, ops.ChmodOp, ops.ReadLinkOp:
					default:
						panic(fmt.Sprintf("unhandled op variant %T", d))
					}
				}
			}
		}
	}
	var unopened []int32
	for fd := range closed {
		if fd > 2 && !opened[fd] {
			unopened = append(unopened, fd)
		}
	}
	if len(unopened) > 0 {
		slices.Sort(unopened)
		findings = append(findings, fmt.Sprintf("closed fds that were never opened: %v (opened: %v)", unopened, slices.Sorted(maps.Keys(opened))))
	}
	return findings
}
