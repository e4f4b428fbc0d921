// Copyright 2026 Google LLC
// SPDX-License-Identifier: Apache-2.0

// Package hbgraph builds the happens-before graph of a ProvLog.
//
// An edge from A to B means A happened before B, either because they are
// consecutive in one thread or because A synchronized with B by creating the
// task B runs in or by replacing the program image B starts.
package hbgraph

import (
	"fmt"

	"github.com/google/provtrace/pkg/digraph"
	"github.com/google/provtrace/pkg/ops"
	"github.com/google/provtrace/pkg/provlog"
	"github.com/pkg/errors"
)

// EdgeKind records why an edge was added.
type EdgeKind int

const (
	// ProgramOrder links consecutive ops of one thread.
	ProgramOrder EdgeKind = iota
	// ForkJoin links a task's creator to the task's first op.
	ForkJoin
	// Exec links a successful exec to the first op of the next epoch.
	Exec
)

func (k EdgeKind) String() string {
	switch k {
	case ProgramOrder:
		return "ProgramOrder"
	case ForkJoin:
		return "ForkJoin"
	case Exec:
		return "Exec"
	default:
		return fmt.Sprintf("EdgeKind(%d)", int(k))
	}
}

// MarshalText renders the kind by name.
func (k EdgeKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// ErrCyclic is returned when the ops of a trace cannot be ordered.
var ErrCyclic = errors.New("happens-before graph is cyclic")

// Graph is a happens-before graph over the ops of one ProvLog.
type Graph struct {
	*digraph.Graph[provlog.OpQuad, EdgeKind]
}

// First returns op 0 of thread k if k was captured with at least one op.
func First(l *provlog.ProvLog, k provlog.ThreadKey) (provlog.OpQuad, bool) {
	th, ok := l.Thread(k)
	if !ok || len(th.Ops) == 0 {
		return provlog.OpQuad{}, false
	}
	return k.Op(0), true
}

type builder struct {
	log      *provlog.ProvLog
	g        *Graph
	warnings []provlog.Warning
}

func (b *builder) warn(q provlog.OpQuad, format string, args ...any) {
	b.warnings = append(b.warnings, provlog.Warning{
		Kind:    provlog.IncompleteCapture,
		Where:   q.String(),
		Message: fmt.Sprintf(format, args...),
	})
}

// Build returns the happens-before graph of l along with the anomalies found
// while linking tasks. An error is returned only if the result would not be
// acyclic.
func Build(l *provlog.ProvLog) (*Graph, []provlog.Warning, error) {
	b := &builder{log: l, g: &Graph{digraph.New[provlog.OpQuad, EdgeKind]()}}
	for k, th := range l.Threads() {
		for i := range th.Ops {
			b.g.AddNode(k.Op(i))
			if i > 0 {
				b.g.AddEdge(k.Op(i-1), k.Op(i), ProgramOrder)
			}
		}
	}
	for q, op := range l.Ops() {
		b.syncEdges(q, op)
	}
	b.orphanThreads()
	if cycle := b.g.FindCycle(); cycle != nil {
		return nil, b.warnings, errors.Wrapf(ErrCyclic, "cycle through %v", cycle)
	}
	return b.g, b.warnings, nil
}

func (b *builder) syncEdges(q provlog.OpQuad, op ops.Op) {
	switch d := op.Data.(type) {
	case ops.CloneOp:
		if d.Ferrno != 0 {
			return
		}
		switch d.TaskType {
		case ops.TaskPID:
			child := int32(d.TaskID)
			target, ok := First(b.log, provlog.ThreadKey{PID: child, Epoch: 0, TID: child})
			if !ok {
				b.warn(q, "clone created pid %d, which was not captured", child)
				return
			}
			b.g.AddEdge(q, target, ForkJoin)
		case ops.TaskTID:
			tid := int32(d.TaskID)
			target, ok := First(b.log, provlog.ThreadKey{PID: q.PID, Epoch: q.Epoch, TID: tid})
			if !ok {
				b.warn(q, "clone created tid %d, which was not captured", tid)
				return
			}
			b.g.AddEdge(q, target, ForkJoin)
		case ops.TaskPthread, ops.TaskISOCThread:
			targets := b.firstOpsOfTask(q, d.TaskType, d.TaskID)
			if len(targets) == 0 {
				b.warn(q, "clone created %v %d, which was not captured", d.TaskType, d.TaskID)
			}
			for _, t := range targets {
				b.g.AddEdge(q, t, ForkJoin)
			}
		}
	case ops.ExecOp:
		if d.Ferrno != 0 {
			return
		}
		next := q.Epoch + 1
		target, ok := First(b.log, provlog.ThreadKey{PID: q.PID, Epoch: next, TID: q.PID})
		if !ok {
			b.warn(q, "exec succeeded but epoch %d of pid %d was not captured", next, q.PID)
			return
		}
		b.g.AddEdge(q, target, Exec)
	case ops.InitProcessOp, ops.InitThreadOp, ops.OpenOp, ops.CloseOp, ops.ChdirOp,
		ops.ExitOp, ops.AccessOp, ops.StatOp, ops.ChownOp, ops.ChmodOp, ops.ReadLinkOp:
	default:
		panic(fmt.Sprintf("unhandled op variant %T", d))
	}
}

// firstOpsOfTask finds, in every other thread of q's epoch, the first op that
// ran under the given library-level thread id.
func (b *builder) firstOpsOfTask(q provlog.OpQuad, tt ops.TaskType, id uint64) []provlog.OpQuad {
	e, _ := b.log.Epoch(q.PID, q.Epoch)
	var out []provlog.OpQuad
	for _, tid := range e.TIDs() {
		if tid == q.TID {
			continue
		}
		k := provlog.ThreadKey{PID: q.PID, Epoch: q.Epoch, TID: tid}
		for i, op := range e.Threads[tid].Ops {
			if (tt == ops.TaskPthread && op.PthreadID == id) || (tt == ops.TaskISOCThread && op.ISOCThreadID == id) {
				out = append(out, k.Op(i))
				break
			}
		}
	}
	return out
}

// orphanThreads attaches non-main threads whose creation was not observed to
// the start of their epoch's main thread.
func (b *builder) orphanThreads() {
	for k := range b.log.Threads() {
		if k.TID == k.PID {
			continue
		}
		first, ok := First(b.log, k)
		if !ok || b.g.InDegree(first) > 0 {
			continue
		}
		main, ok := First(b.log, provlog.ThreadKey{PID: k.PID, Epoch: k.Epoch, TID: k.PID})
		if !ok {
			b.warn(first, "thread has no creator and its epoch has no main thread")
			continue
		}
		b.g.AddEdge(main, first, ForkJoin)
	}
}

// Validate checks that g links every successful task creation and exec in l
// and has a single root, returning one finding per problem.
func Validate(g *Graph, l *provlog.ProvLog) []string {
	var findings []string
	var roots []provlog.OpQuad
	for _, n := range g.Nodes() {
		if g.InDegree(n) == 0 {
			roots = append(roots, n)
		}
	}
	if len(roots) != 1 {
		findings = append(findings, fmt.Sprintf("graph has %d roots, want 1: %v", len(roots), roots))
	}
	for q, op := range l.Ops() {
		switch d := op.Data.(type) {
		case ops.ExecOp:
			if d.Ferrno != 0 {
				continue
			}
			if !hasSuccessorWhere(g, q, func(s provlog.OpQuad) bool { return s.PID == q.PID && s.Epoch == q.Epoch+1 }) {
				findings = append(findings, fmt.Sprintf("%v: exec is not followed by epoch %d", q, q.Epoch+1))
			}
		case ops.CloneOp:
			if d.Ferrno != 0 {
				continue
			}
			var in func(provlog.OpQuad) bool
			switch d.TaskType {
			case ops.TaskPID:
				in = func(s provlog.OpQuad) bool { return s.PID == int32(d.TaskID) }
			case ops.TaskTID:
				in = func(s provlog.OpQuad) bool { return s.PID == q.PID && s.TID == int32(d.TaskID) }
			default:
				in = func(s provlog.OpQuad) bool { return s.PID == q.PID && s.TID != q.TID }
			}
			if !hasSuccessorWhere(g, q, in) {
				findings = append(findings, fmt.Sprintf("%v: clone of %v %d has no successor in the new task", q, d.TaskType, d.TaskID))
			}
		}
	}
	return findings
}

func hasSuccessorWhere(g *Graph, q provlog.OpQuad, pred func(provlog.OpQuad) bool) bool {
	for _, s := range g.Successors(q) {
		if pred(s) {
			return true
		}
	}
	return false
}
