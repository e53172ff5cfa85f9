// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"container/heap"
	"slices"

	"github.com/gomlx/samediff/pkg/support/sets"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// vertexMinHeap is the ready set of the topological sort: the lowest id is scheduled first.
type vertexMinHeap []VertexId

func (h vertexMinHeap) Len() int           { return len(h) }
func (h vertexMinHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h vertexMinHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *vertexMinHeap) Push(x any)        { *h = append(*h, x.(VertexId)) }
func (h *vertexMinHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// TopologicalSort returns every vertex ordered so that each vertex comes after all of its producers.
//
// It uses Kahn's algorithm, and among the vertices ready at any moment it picks the lowest id, so the order
// is deterministic. It returns an error wrapping ErrCycleDetected if some vertices could not be scheduled.
func (g *Graph) TopologicalSort() ([]VertexId, error) {
	inDegree := make(map[VertexId]int, len(g.ids))
	ready := &vertexMinHeap{}
	for _, id := range g.ids {
		inDegree[id] = len(g.inEdges[id])
		if inDegree[id] == 0 {
			*ready = append(*ready, id)
		}
	}
	heap.Init(ready)

	order := make([]VertexId, 0, len(g.ids))
	for ready.Len() > 0 {
		id := heap.Pop(ready).(VertexId)
		order = append(order, id)
		for _, idx := range g.outEdges[id] {
			to := g.edges[idx].To
			inDegree[to]--
			if inDegree[to] == 0 {
				heap.Push(ready, to)
			}
		}
	}
	if len(order) != len(g.ids) {
		var unscheduled []VertexId
		for _, id := range g.ids {
			if inDegree[id] > 0 {
				unscheduled = append(unscheduled, id)
			}
		}
		return nil, errors.Wrapf(ErrCycleDetected, "%d of %d vertices could not be scheduled: %v",
			len(unscheduled), len(g.ids), unscheduled)
	}
	return order, nil
}

// OpOrder returns the execution plan: one action per op vertex, in topological order.
func (g *Graph) OpOrder() (OpOrder, error) {
	order, err := g.TopologicalSort()
	if err != nil {
		return OpOrder{}, err
	}
	var plan OpOrder
	for _, id := range order {
		v := g.vertices[id]
		if v.Kind != OpVertex {
			continue
		}
		plan.Actions = append(plan.Actions, OpExecAction{
			OpState: v.Op,
			Inputs:  slices.Clone(v.Op.Inputs),
			Output:  v.Op.Output,
		})
	}
	if klog.V(2).Enabled() {
		klog.Infof("graph.OpOrder: %d actions for %d vertices", len(plan.Actions), len(g.ids))
		for ii, action := range plan.Actions {
			klog.Infof("\t%d: %s", ii, action)
		}
	}
	return plan, nil
}

// Ancestors returns the given vertices and every vertex they (transitively) depend on.
func (g *Graph) Ancestors(ids ...VertexId) sets.Set[VertexId] {
	return g.reach(ids, g.inEdges, func(e Edge) VertexId { return e.From })
}

// Descendants returns the given vertices and every vertex that (transitively) depends on them.
func (g *Graph) Descendants(ids ...VertexId) sets.Set[VertexId] {
	return g.reach(ids, g.outEdges, func(e Edge) VertexId { return e.To })
}

func (g *Graph) reach(start []VertexId, adjacency map[VertexId][]int, next func(Edge) VertexId) sets.Set[VertexId] {
	visited := sets.Make[VertexId]()
	stack := slices.Clone(start)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited.Has(id) || !g.HasVertex(id) {
			continue
		}
		visited.Insert(id)
		for _, idx := range adjacency[id] {
			stack = append(stack, next(g.edges[idx]))
		}
	}
	return visited
}
