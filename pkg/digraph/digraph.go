// Copyright 2026 Google LLC
// SPDX-License-Identifier: Apache-2.0

// Package digraph provides a small directed graph with labelled edges and
// deterministic traversal orders.
package digraph

import (
	"container/heap"
	"fmt"
	"slices"

	"github.com/pkg/errors"
)

// ErrCycle is returned when an operation requires an acyclic graph.
var ErrCycle = errors.New("graph contains a cycle")

// Edge is a directed, labelled edge.
type Edge[N comparable, L any] struct {
	From  N
	To    N
	Label L
}

// Graph is a directed graph. Nodes and edges are kept in insertion order, and
// at most one edge exists between an ordered pair of nodes.
type Graph[N comparable, L any] struct {
	nodes []N
	index map[N]int
	succ  [][]int
	pred  [][]int
	label map[[2]int]L
	edges int
}

// New returns an empty graph.
func New[N comparable, L any]() *Graph[N, L] {
	return &Graph[N, L]{
		index: make(map[N]int),
		label: make(map[[2]int]L),
	}
}

// AddNode adds n if it is not already present and reports whether it was added.
func (g *Graph[N, L]) AddNode(n N) bool {
	if _, ok := g.index[n]; ok {
		return false
	}
	g.index[n] = len(g.nodes)
	g.nodes = append(g.nodes, n)
	g.succ = append(g.succ, nil)
	g.pred = append(g.pred, nil)
	return true
}

// AddEdge adds an edge from -> to, adding either node as needed. It reports
// false, leaving the existing label in place, if the edge was already present.
func (g *Graph[N, L]) AddEdge(from, to N, label L) bool {
	g.AddNode(from)
	g.AddNode(to)
	key := [2]int{g.index[from], g.index[to]}
	if _, ok := g.label[key]; ok {
		return false
	}
	g.label[key] = label
	g.succ[key[0]] = append(g.succ[key[0]], key[1])
	g.pred[key[1]] = append(g.pred[key[1]], key[0])
	g.edges++
	return true
}

// HasNode reports whether n is in the graph.
func (g *Graph[N, L]) HasNode(n N) bool {
	_, ok := g.index[n]
	return ok
}

// HasEdge reports whether the edge from -> to is in the graph.
func (g *Graph[N, L]) HasEdge(from, to N) bool {
	_, ok := g.Label(from, to)
	return ok
}

// Label returns the label of the edge from -> to.
func (g *Graph[N, L]) Label(from, to N) (L, bool) {
	var zero L
	i, ok := g.index[from]
	if !ok {
		return zero, false
	}
	j, ok := g.index[to]
	if !ok {
		return zero, false
	}
	l, ok := g.label[[2]int{i, j}]
	return l, ok
}

// NumNodes returns the number of nodes.
func (g *Graph[N, L]) NumNodes() int { return len(g.nodes) }

// NumEdges returns the number of edges.
func (g *Graph[N, L]) NumEdges() int { return g.edges }

// Nodes returns all nodes in insertion order.
func (g *Graph[N, L]) Nodes() []N { return slices.Clone(g.nodes) }

func (g *Graph[N, L]) collect(ids []int) []N {
	out := make([]N, len(ids))
	for i, id := range ids {
		out[i] = g.nodes[id]
	}
	return out
}

// Successors returns the targets of n's outgoing edges in insertion order.
func (g *Graph[N, L]) Successors(n N) []N {
	i, ok := g.index[n]
	if !ok {
		return nil
	}
	return g.collect(g.succ[i])
}

// Predecessors returns the sources of n's incoming edges in insertion order.
func (g *Graph[N, L]) Predecessors(n N) []N {
	i, ok := g.index[n]
	if !ok {
		return nil
	}
	return g.collect(g.pred[i])
}

// InDegree returns the number of edges into n.
func (g *Graph[N, L]) InDegree(n N) int {
	i, ok := g.index[n]
	if !ok {
		return 0
	}
	return len(g.pred[i])
}

// OutDegree returns the number of edges out of n.
func (g *Graph[N, L]) OutDegree(n N) int {
	i, ok := g.index[n]
	if !ok {
		return 0
	}
	return len(g.succ[i])
}

// Edges returns every edge, grouped by source in node insertion order.
func (g *Graph[N, L]) Edges() []Edge[N, L] {
	out := make([]Edge[N, L], 0, g.edges)
	for i, succ := range g.succ {
		for _, j := range succ {
			out = append(out, Edge[N, L]{From: g.nodes[i], To: g.nodes[j], Label: g.label[[2]int{i, j}]})
		}
	}
	return out
}

// nodeHeap is a min-heap of node ids ordered by a caller-supplied comparison.
type nodeHeap struct {
	ids  []int
	less func(a, b int) bool
}

func (h *nodeHeap) Len() int           { return len(h.ids) }
func (h *nodeHeap) Less(i, j int) bool { return h.less(h.ids[i], h.ids[j]) }
func (h *nodeHeap) Swap(i, j int)      { h.ids[i], h.ids[j] = h.ids[j], h.ids[i] }
func (h *nodeHeap) Push(x any)         { h.ids = append(h.ids, x.(int)) }
func (h *nodeHeap) Pop() any {
	n := len(h.ids)
	x := h.ids[n-1]
	h.ids = h.ids[:n-1]
	return x
}

// TopologicalSort returns the nodes so that every edge points forward.
//
// Among the nodes whose predecessors have all been emitted, the least under
// cmp is emitted next, so the result depends only on the graph and cmp. If the
// graph has a cycle, ErrCycle is returned with the nodes that could be ordered.
func (g *Graph[N, L]) TopologicalSort(cmp func(a, b N) int) ([]N, error) {
	indeg := make([]int, len(g.nodes))
	h := &nodeHeap{less: func(a, b int) bool { return cmp(g.nodes[a], g.nodes[b]) < 0 }}
	for i := range g.nodes {
		indeg[i] = len(g.pred[i])
		if indeg[i] == 0 {
			h.ids = append(h.ids, i)
		}
	}
	heap.Init(h)
	out := make([]N, 0, len(g.nodes))
	for h.Len() > 0 {
		i := heap.Pop(h).(int)
		out = append(out, g.nodes[i])
		for _, j := range g.succ[i] {
			indeg[j]--
			if indeg[j] == 0 {
				heap.Push(h, j)
			}
		}
	}
	if len(out) != len(g.nodes) {
		return out, errors.Wrapf(ErrCycle, "%d of %d nodes are on or behind a cycle", len(g.nodes)-len(out), len(g.nodes))
	}
	return out, nil
}

// Reachable reports whether to can be reached from from by following edges.
func (g *Graph[N, L]) Reachable(from, to N) bool {
	i, ok := g.index[from]
	if !ok {
		return false
	}
	j, ok := g.index[to]
	if !ok {
		return false
	}
	if i == j {
		return true
	}
	if len(g.succ[i]) == 0 || len(g.pred[j]) == 0 {
		return false
	}
	seen := make([]bool, len(g.nodes))
	seen[i] = true
	stack := []int{i}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, next := range g.succ[cur] {
			if next == j {
				return true
			}
			if !seen[next] {
				seen[next] = true
				stack = append(stack, next)
			}
		}
	}
	return false
}

// FindCycle returns the nodes of one cycle in edge order, or nil if the graph
// is acyclic.
func (g *Graph[N, L]) FindCycle() []N {
	const (
		unvisited = iota
		active
		done
	)
	state := make([]int, len(g.nodes))
	type frame struct{ node, next int }
	for root := range g.nodes {
		if state[root] != unvisited {
			continue
		}
		// Iterative DFS; the stack doubles as the current path.
		stack := []frame{{node: root}}
		state[root] = active
		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			if top.next == len(g.succ[top.node]) {
				state[top.node] = done
				stack = stack[:len(stack)-1]
				continue
			}
			child := g.succ[top.node][top.next]
			top.next++
			switch state[child] {
			case unvisited:
				state[child] = active
				stack = append(stack, frame{node: child})
			case active:
				var ids []int
				for k := len(stack) - 1; k >= 0; k-- {
					ids = append(ids, stack[k].node)
					if stack[k].node == child {
						break
					}
				}
				slices.Reverse(ids)
				return g.collect(ids)
			}
		}
	}
	return nil
}

// String summarizes the graph size.
func (g *Graph[N, L]) String() string {
	return fmt.Sprintf("digraph(%d nodes, %d edges)", len(g.nodes), g.edges)
}
