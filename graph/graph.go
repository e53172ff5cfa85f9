// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package graph holds the structure of a SameDiff computation: a directed acyclic graph of vertices, where
// each vertex is either a leaf variable or the output of one operation, and each edge links a variable to an
// operation consuming it.
//
// The package is purely structural: it knows nothing about shapes or values. Those are kept by the owning
// samediff.SameDiff context, keyed by VertexId.
//
// The main elements in the package are:
//
//   - Graph: the vertex arena, the edge list and the in/out adjacency.
//   - Vertex: a leaf variable (VariableVertex) or an operation output (OpVertex, with its OpState).
//   - OpState: the description of one operation instance, its name, category, inputs and static parameters.
//   - OpOrder: the ordered list of OpExecAction to execute, derived from the topological sort.
//
// Construction is strictly additive: vertices and edges are only appended, and VertexId values are never
// reused. The only way to remove anything is Rollback, used to undo a failed multi-step construction.
package graph

import (
	"fmt"
	"slices"

	"github.com/pkg/errors"
)

// VertexId identifies a vertex within a Graph. Ids start at 1 and are allocated in increasing order.
type VertexId int

// InvalidVertexId is the zero value, never assigned to a vertex.
const InvalidVertexId VertexId = 0

// VertexKind distinguishes leaf variables from operation outputs.
type VertexKind int

const (
	// VariableVertex is a leaf: a variable, scalar or placeholder bound by the user.
	VariableVertex VertexKind = iota

	// OpVertex is the output of an operation, described by the vertex's OpState.
	OpVertex
)

// String implements fmt.Stringer.
func (k VertexKind) String() string {
	switch k {
	case VariableVertex:
		return "Variable"
	case OpVertex:
		return "Op"
	}
	return fmt.Sprintf("VertexKind(%d)", int(k))
}

// Vertex of the graph.
type Vertex struct {
	Id   VertexId
	Kind VertexKind

	// Op is set for OpVertex vertices only.
	Op *OpState
}

// String implements fmt.Stringer.
func (v *Vertex) String() string {
	if v.Op != nil {
		return fmt.Sprintf("#%d %s", v.Id, v.Op)
	}
	return fmt.Sprintf("#%d %s", v.Id, v.Kind)
}

// Edge links the producer vertex From to the op vertex To that consumes it.
type Edge struct {
	From, To VertexId

	// Arg is the position of the first occurrence of From in the consumer's input list.
	Arg int
}

// String implements fmt.Stringer.
func (e Edge) String() string {
	return fmt.Sprintf("#%d->#%d[%d]", e.From, e.To, e.Arg)
}

// Graph is a DAG of vertices. It is not safe for concurrent mutation: a SameDiff context is its single writer.
type Graph struct {
	vertices map[VertexId]*Vertex
	ids      []VertexId // Ids in increasing order.
	lastId   VertexId

	edges []Edge
	// inEdges and outEdges map a vertex to the indices in edges of its incoming/outgoing edges, in creation order.
	inEdges, outEdges map[VertexId][]int
}

// New creates an empty Graph.
func New() *Graph {
	return &Graph{
		vertices: make(map[VertexId]*Vertex),
		inEdges:  make(map[VertexId][]int),
		outEdges: make(map[VertexId][]int),
	}
}

func (g *Graph) newVertex(kind VertexKind, op *OpState) *Vertex {
	g.lastId++
	v := &Vertex{Id: g.lastId, Kind: kind, Op: op}
	g.vertices[v.Id] = v
	g.ids = append(g.ids, v.Id)
	return v
}

// AddVariableVertex appends a new leaf vertex and returns its id.
func (g *Graph) AddVariableVertex() VertexId {
	return g.newVertex(VariableVertex, nil).Id
}

// AddOpVertex appends the output vertex of the operation and one edge from each distinct input.
// It sets op.Output to the new vertex id.
//
// It returns an error wrapping ErrDanglingEdge, without changing the graph, if an input doesn't exist.
func (g *Graph) AddOpVertex(op *OpState) (VertexId, error) {
	for _, input := range op.Inputs {
		if !g.HasVertex(input) {
			return InvalidVertexId, errors.Wrapf(ErrDanglingEdge, "op %q input #%d does not exist", op.Name, input)
		}
	}
	v := g.newVertex(OpVertex, op)
	op.Output = v.Id
	for arg, input := range op.Inputs {
		if slices.Index(op.Inputs, input) != arg {
			continue // Repeated input: only the first occurrence gets an edge.
		}
		g.addEdge(Edge{From: input, To: v.Id, Arg: arg})
	}
	return v.Id, nil
}

// AddEdge adds an edge between existing vertices. It is a no-op if the edge already exists.
//
// It returns an error wrapping ErrDanglingEdge if either endpoint doesn't exist. Adding edges that close a
// cycle is allowed here, but TopologicalSort will then fail with ErrCycleDetected.
func (g *Graph) AddEdge(from, to VertexId, arg int) error {
	if !g.HasVertex(from) || !g.HasVertex(to) {
		return errors.Wrapf(ErrDanglingEdge, "edge #%d->#%d", from, to)
	}
	for _, idx := range g.outEdges[from] {
		if g.edges[idx].To == to {
			return nil
		}
	}
	g.addEdge(Edge{From: from, To: to, Arg: arg})
	return nil
}

func (g *Graph) addEdge(e Edge) {
	idx := len(g.edges)
	g.edges = append(g.edges, e)
	g.outEdges[e.From] = append(g.outEdges[e.From], idx)
	g.inEdges[e.To] = append(g.inEdges[e.To], idx)
}

// HasVertex returns whether the vertex exists.
func (g *Graph) HasVertex(id VertexId) bool {
	_, found := g.vertices[id]
	return found
}

// Vertex returns the vertex with the given id, or nil if it doesn't exist.
func (g *Graph) Vertex(id VertexId) *Vertex {
	return g.vertices[id]
}

// VertexIds returns the ids of all vertices in increasing order.
func (g *Graph) VertexIds() []VertexId {
	return slices.Clone(g.ids)
}

// LastId returns the last allocated VertexId, or InvalidVertexId if none was allocated yet.
func (g *Graph) LastId() VertexId {
	return g.lastId
}

// NumVertices returns the number of vertices in the graph.
func (g *Graph) NumVertices() int {
	return len(g.ids)
}

// NumEdges returns the number of edges in the graph.
func (g *Graph) NumEdges() int {
	return len(g.edges)
}

// Edges returns a copy of the edges in creation order.
func (g *Graph) Edges() []Edge {
	return slices.Clone(g.edges)
}

// InEdges returns the edges arriving at the vertex, in creation order.
func (g *Graph) InEdges(id VertexId) []Edge {
	edges := make([]Edge, 0, len(g.inEdges[id]))
	for _, idx := range g.inEdges[id] {
		edges = append(edges, g.edges[idx])
	}
	return edges
}

// OutEdges returns the edges leaving the vertex, in creation order.
func (g *Graph) OutEdges(id VertexId) []Edge {
	edges := make([]Edge, 0, len(g.outEdges[id]))
	for _, idx := range g.outEdges[id] {
		edges = append(edges, g.edges[idx])
	}
	return edges
}

// VertexInDegree returns the number of edges arriving at the vertex.
func (g *Graph) VertexInDegree(id VertexId) int {
	return len(g.inEdges[id])
}

// VertexOutDegree returns the number of edges leaving the vertex.
func (g *Graph) VertexOutDegree(id VertexId) int {
	return len(g.outEdges[id])
}

// Inputs returns the vertices with in-degree 0, in increasing id order.
func (g *Graph) Inputs() []VertexId {
	var inputs []VertexId
	for _, id := range g.ids {
		if g.VertexInDegree(id) == 0 {
			inputs = append(inputs, id)
		}
	}
	return inputs
}

// Outputs returns the vertices with out-degree 0, in increasing id order.
func (g *Graph) Outputs() []VertexId {
	var outputs []VertexId
	for _, id := range g.ids {
		if g.VertexOutDegree(id) == 0 {
			outputs = append(outputs, id)
		}
	}
	return outputs
}

// Mark records the current size of the graph, see Rollback.
type Mark struct {
	numVertices, numEdges int
}

// Mark returns the current size of the graph, to be passed to Rollback.
func (g *Graph) Mark() Mark {
	return Mark{numVertices: len(g.ids), numEdges: len(g.edges)}
}

// Rollback removes every vertex and edge added after the mark was taken.
// The removed ids are not reused.
func (g *Graph) Rollback(mark Mark) {
	for _, id := range g.ids[mark.numVertices:] {
		delete(g.vertices, id)
		delete(g.inEdges, id)
		delete(g.outEdges, id)
	}
	g.ids = g.ids[:mark.numVertices]
	for _, e := range g.edges[mark.numEdges:] {
		if g.HasVertex(e.To) {
			g.inEdges[e.To] = trimEdgeIndices(g.inEdges[e.To], mark.numEdges)
		}
		if g.HasVertex(e.From) {
			g.outEdges[e.From] = trimEdgeIndices(g.outEdges[e.From], mark.numEdges)
		}
	}
	g.edges = g.edges[:mark.numEdges]
}

// trimEdgeIndices removes the indices >= numEdges. Indices are kept in increasing order, so they are at the end.
func trimEdgeIndices(indices []int, numEdges int) []int {
	for len(indices) > 0 && indices[len(indices)-1] >= numEdges {
		indices = indices[:len(indices)-1]
	}
	if len(indices) == 0 {
		return nil
	}
	return indices
}

// Clone returns a deep copy of the graph, with the same vertex ids.
func (g *Graph) Clone() *Graph {
	g2 := New()
	g2.lastId = g.lastId
	g2.ids = slices.Clone(g.ids)
	for id, v := range g.vertices {
		v2 := &Vertex{Id: v.Id, Kind: v.Kind}
		if v.Op != nil {
			v2.Op = v.Op.Clone()
		}
		g2.vertices[id] = v2
	}
	g2.edges = slices.Clone(g.edges)
	for id, indices := range g.inEdges {
		g2.inEdges[id] = slices.Clone(indices)
	}
	for id, indices := range g.outEdges {
		g2.outEdges[id] = slices.Clone(indices)
	}
	return g2
}

// Validate checks the integrity of the graph: every edge and op input references an existing vertex, and
// every op vertex is the output of its OpState. It returns an error wrapping ErrDanglingEdge otherwise.
func (g *Graph) Validate() error {
	for _, e := range g.edges {
		if !g.HasVertex(e.From) || !g.HasVertex(e.To) {
			return errors.Wrapf(ErrDanglingEdge, "edge %s", e)
		}
	}
	for _, id := range g.ids {
		v := g.vertices[id]
		if v.Kind != OpVertex {
			continue
		}
		if v.Op == nil || v.Op.Output != id {
			return errors.Wrapf(ErrDanglingEdge, "op vertex #%d is not the output of its op", id)
		}
		for _, input := range v.Op.Inputs {
			if !g.HasVertex(input) {
				return errors.Wrapf(ErrDanglingEdge, "op %s input #%d", v.Op, input)
			}
		}
	}
	return nil
}

// String returns a multi-line listing of the vertices and their incoming edges.
func (g *Graph) String() string {
	s := fmt.Sprintf("Graph: %d vertices, %d edges", len(g.ids), len(g.edges))
	for _, id := range g.ids {
		s += fmt.Sprintf("\n\t%s", g.vertices[id])
	}
	return s
}
