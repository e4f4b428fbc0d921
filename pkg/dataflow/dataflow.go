// Copyright 2026 Google LLC
// SPDX-License-Identifier: Apache-2.0

// Package dataflow derives file lineage from a happens-before graph.
//
// The resulting graph relates exec epochs, each represented by the op that
// started it, to numbered versions of the inodes they read and wrote. Version
// numbers count writes in traversal order and say nothing about content.
package dataflow

import (
	"fmt"
	"maps"
	"path/filepath"
	"slices"

	"github.com/google/provtrace/pkg/digraph"
	"github.com/google/provtrace/pkg/hbgraph"
	"github.com/google/provtrace/pkg/ops"
	"github.com/google/provtrace/pkg/provlog"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// DefaultMaxSymlinkDepth is the number of symlinks followed before a path is
// given up on, matching the kernel's limit.
const DefaultMaxSymlinkDepth = 40

// Node is either an EpochNode or an InodeVersionNode.
type Node interface {
	isNode()
	String() string
}

// EpochNode is an exec epoch, identified by the op that started it.
type EpochNode struct {
	provlog.OpQuad
}

func (EpochNode) isNode() {}

func (n EpochNode) String() string { return "epoch@" + n.OpQuad.String() }

// InodeVersionNode is the Version-th write to an inode seen by the traversal.
type InodeVersionNode struct {
	Inode   provlog.InodeKey
	Version int
}

func (InodeVersionNode) isNode() {}

func (n InodeVersionNode) String() string { return fmt.Sprintf("%v v%d", n.Inode, n.Version) }

// EdgeKind records why an edge was added.
type EdgeKind int

const (
	// Lineage links a version to the one a mutating write derived from it.
	Lineage EdgeKind = iota
	// Write links an epoch to a version it produced.
	Write
	// Read links a version to an epoch that consumed it.
	Read
	// Spawn links a parent epoch to the first epoch of a process it cloned.
	Spawn
	// Exec links an epoch to the epoch that replaced it.
	Exec
)

func (k EdgeKind) String() string {
	switch k {
	case Lineage:
		return "Lineage"
	case Write:
		return "Write"
	case Read:
		return "Read"
	case Spawn:
		return "Spawn"
	case Exec:
		return "Exec"
	default:
		return fmt.Sprintf("EdgeKind(%d)", int(k))
	}
}

// MarshalText renders the kind by name.
func (k EdgeKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// Graph is a dataflow graph.
type Graph struct {
	*digraph.Graph[Node, EdgeKind]
}

// Result is the output of Build.
type Result struct {
	Graph *Graph
	// InodePaths lists, sorted, every absolute path an inode was reached by.
	InodePaths map[provlog.InodeKey][]string
	Warnings   []provlog.Warning
	// Unresolved counts ops skipped because their path could not be tied to
	// an inode.
	Unresolved int
}

// Option is an option for Build.
type Option interface{ set(*traversal) } // a base type for the options
type option func(*traversal)             // option implements Option.
func (o option) set(t *traversal)        { o(t) }

// MaxSymlinkDepth returns an option to bound how many recorded symlinks are
// followed while resolving one path.
func MaxSymlinkDepth(n int) Option {
	return option(func(t *traversal) { t.maxSymlinkDepth = n })
}

type epochID struct {
	pid   int32
	epoch uint32
}

// traversal is the state threaded through one ordered walk.
type traversal struct {
	log             *provlog.ProvLog
	maxSymlinkDepth int
	g               *Graph

	cwd      map[int32]string
	version  map[provlog.InodeKey]int
	producer map[InodeVersionNode]EpochNode
	ground   map[string]provlog.InodeKey
	symlinks map[string]string
	paths    map[provlog.InodeKey]map[string]bool
	inits    map[epochID]*EpochNode

	warnings   []provlog.Warning
	unresolved int
}

// Build walks hb in topological order, breaking ties by ascending OpQuad, and
// returns the dataflow graph of l.
func Build(l *provlog.ProvLog, hb *hbgraph.Graph, opts ...Option) (*Result, error) {
	t := &traversal{
		log:             l,
		maxSymlinkDepth: DefaultMaxSymlinkDepth,
		g:               &Graph{digraph.New[Node, EdgeKind]()},
		cwd:             make(map[int32]string),
		version:         make(map[provlog.InodeKey]int),
		producer:        make(map[InodeVersionNode]EpochNode),
		ground:          make(map[string]provlog.InodeKey),
		symlinks:        make(map[string]string),
		paths:           make(map[provlog.InodeKey]map[string]bool),
		inits:           make(map[epochID]*EpochNode),
	}
	for _, o := range opts {
		o.set(t)
	}
	order, err := hb.TopologicalSort(provlog.CompareOpQuad)
	if err != nil {
		return nil, errors.Wrap(err, "ordering happens-before graph")
	}
	for _, q := range order {
		op, ok := l.Op(q)
		if !ok {
			return nil, errors.Errorf("happens-before graph names %v, which is not in the log", q)
		}
		t.visit(q, op)
	}
	res := &Result{
		Graph:      t.g,
		InodePaths: make(map[provlog.InodeKey][]string, len(t.paths)),
		Warnings:   t.warnings,
		Unresolved: t.unresolved,
	}
	for ino, ps := range t.paths {
		res.InodePaths[ino] = slices.Sorted(maps.Keys(ps))
	}
	return res, nil
}

// epochInit returns the node standing for exec epoch (pid, epoch): its
// InitProcessOp, else the first op of its main thread, else the first op of
// its lowest-numbered thread.
func (t *traversal) epochInit(pid int32, epoch uint32) (EpochNode, bool) {
	id := epochID{pid, epoch}
	if n, ok := t.inits[id]; ok {
		if n == nil {
			return EpochNode{}, false
		}
		return *n, true
	}
	n := findEpochInit(t.log, pid, epoch)
	t.inits[id] = n
	if n == nil {
		return EpochNode{}, false
	}
	return *n, true
}

func findEpochInit(l *provlog.ProvLog, pid int32, epoch uint32) *EpochNode {
	e, ok := l.Epoch(pid, epoch)
	if !ok {
		return nil
	}
	tids := e.TIDs()
	for _, tid := range tids {
		k := provlog.ThreadKey{PID: pid, Epoch: epoch, TID: tid}
		for i, op := range e.Threads[tid].Ops {
			if _, ok := op.Data.(ops.InitProcessOp); ok {
				return &EpochNode{k.Op(i)}
			}
		}
	}
	if q, ok := hbgraph.First(l, provlog.ThreadKey{PID: pid, Epoch: epoch, TID: pid}); ok {
		return &EpochNode{q}
	}
	for _, tid := range tids {
		if q, ok := hbgraph.First(l, provlog.ThreadKey{PID: pid, Epoch: epoch, TID: tid}); ok {
			return &EpochNode{q}
		}
	}
	return nil
}

func (t *traversal) visit(q provlog.OpQuad, op ops.Op) {
	at, ok := t.epochInit(q.PID, q.Epoch)
	if !ok {
		return
	}
	if at.OpQuad == q {
		t.g.AddNode(at)
	}
	if ops.Ferrno(op.Data) != 0 {
		return
	}
	switch d := op.Data.(type) {
	case ops.InitProcessOp:
		if d.Cwd.Path != "" || d.Cwd.StatValid {
			if abs, ok := t.absolute(q.PID, d.Cwd); ok {
				t.cwd[q.PID] = abs
			}
			t.observe(q.PID, d.Cwd)
		}
		if d.Exe.Path != "" || d.Exe.StatValid {
			t.resolve(q.PID, d.Exe)
		}
	case ops.OpenOp:
		ino, ok := t.resolve(q.PID, d.Path)
		if !ok {
			return
		}
		mode := ops.ClassifyOpen(d.Flags)
		if mode.Reads() {
			t.read(q, at, ino)
		}
		if mode.Writes() {
			t.write(at, ino, mode == ops.FreshWrite)
		}
	case ops.ChdirOp:
		t.observe(q.PID, d.Path)
		if abs, ok := t.absolute(q.PID, d.Path); ok {
			t.cwd[q.PID] = abs
		} else {
			// Later relative paths cannot be placed.
			delete(t.cwd, q.PID)
		}
	case ops.ExecOp:
		if d.Path.Path != "" || d.Path.StatValid {
			t.resolve(q.PID, d.Path)
		}
		if next, ok := t.epochInit(q.PID, q.Epoch+1); ok {
			t.link(q, at, next, Exec)
		}
	case ops.CloneOp:
		if !d.NewProcess() {
			return
		}
		child := int32(d.TaskID)
		next, ok := t.epochInit(child, 0)
		if !ok {
			return
		}
		if cwd, ok := t.cwd[q.PID]; ok {
			t.cwd[child] = cwd
		}
		t.link(q, at, next, Spawn)
	case ops.ReadLinkOp:
		t.observe(q.PID, d.LinkPath)
		if d.Truncated || d.Referent == "" {
			return
		}
		if link, ok := t.absolute(q.PID, d.LinkPath); ok {
			target := string(d.Referent)
			if !filepath.IsAbs(target) {
				target = filepath.Join(filepath.Dir(link), target)
			}
			t.symlinks[link] = filepath.Clean(target)
		}
	case ops.StatOp:
		t.observe(q.PID, d.Path)
	case ops.AccessOp:
		t.observe(q.PID, d.Path)
	case ops.ChownOp:
		t.observe(q.PID, d.Path)
	case ops.ChmodOp:
		t.observe(q.PID, d.Path)
	case ops.InitThreadOp, ops.CloseOp, ops.ExitOp:
	default:
		panic(fmt.Sprintf("unhandled op variant %T", d))
	}
}

// link adds an edge between two epochs unless it would close a cycle.
func (t *traversal) link(q provlog.OpQuad, from, to EpochNode, kind EdgeKind) {
	if t.g.Reachable(to, from) {
		t.suppressed(q, "%v edge %v -> %v would close a cycle", kind, from, to)
		return
	}
	t.g.AddEdge(from, to, kind)
}

func (t *traversal) suppressed(q provlog.OpQuad, format string, args ...any) {
	t.warnings = append(t.warnings, provlog.Warning{
		Kind:    provlog.CycleSuppressed,
		Where:   q.String(),
		Message: fmt.Sprintf(format, args...),
	})
}

func (t *traversal) read(q provlog.OpQuad, at EpochNode, ino provlog.InodeKey) {
	v, ok := t.version[ino]
	if !ok {
		// Never written in the trace, so it came from outside.
		v = 0
		t.version[ino] = v
	}
	n := InodeVersionNode{Inode: ino, Version: v}
	if p, ok := t.producer[n]; ok && p == at {
		return
	}
	t.g.AddNode(n)
	if t.g.Reachable(at, n) {
		t.suppressed(q, "read of %v by %v would close a cycle", n, at)
		return
	}
	t.g.AddEdge(n, at, Read)
}

func (t *traversal) write(at EpochNode, ino provlog.InodeKey, fresh bool) {
	old, ok := t.version[ino]
	if !ok {
		old = -1
		if !fresh {
			// The write extends content that predates the trace.
			old = 0
			t.g.AddNode(InodeVersionNode{Inode: ino, Version: old})
		}
	}
	n := InodeVersionNode{Inode: ino, Version: old + 1}
	if !fresh && old >= 0 {
		t.g.AddEdge(InodeVersionNode{Inode: ino, Version: old}, n, Lineage)
	}
	t.g.AddEdge(at, n, Write)
	t.version[ino] = n.Version
	t.producer[n] = at
}

// absolute places p in the filesystem namespace using the process's cwd.
func (t *traversal) absolute(pid int32, p ops.Path) (string, bool) {
	s := string(p.Path)
	if s == "" {
		return "", false
	}
	if !filepath.IsAbs(s) {
		cwd, ok := t.cwd[pid]
		if !ok || p.DirFD != unix.AT_FDCWD {
			return "", false
		}
		s = filepath.Join(cwd, s)
	}
	return filepath.Clean(s), true
}

// observe records what p says about the filesystem without needing it to
// resolve.
func (t *traversal) observe(pid int32, p ops.Path) {
	if !p.StatValid {
		return
	}
	ino := provlog.InodeOf(p)
	if abs, ok := t.absolute(pid, p); ok {
		t.ground[abs] = ino
		t.addPath(ino, abs)
	}
}

// resolve ties p to an inode, either through the stat it carries or through
// paths grounded earlier in the walk, following recorded symlinks.
func (t *traversal) resolve(pid int32, p ops.Path) (provlog.InodeKey, bool) {
	if p.StatValid {
		t.observe(pid, p)
		return provlog.InodeOf(p), true
	}
	cur, ok := t.absolute(pid, p)
	if !ok {
		t.unresolved++
		return provlog.InodeKey{}, false
	}
	start := cur
	for hops := 0; ; hops++ {
		if ino, ok := t.ground[cur]; ok {
			t.addPath(ino, start)
			return ino, true
		}
		next, ok := t.symlinks[cur]
		if !ok || hops == t.maxSymlinkDepth {
			t.unresolved++
			return provlog.InodeKey{}, false
		}
		cur = next
	}
}

func (t *traversal) addPath(ino provlog.InodeKey, p string) {
	if t.paths[ino] == nil {
		t.paths[ino] = make(map[string]bool)
	}
	t.paths[ino][p] = true
}
