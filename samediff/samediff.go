// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package samediff builds, executes and differentiates symbolic computation graphs of named tensor variables.
//
// A SameDiff context owns one graph.Graph, the Variable objects naming its vertices, the tensor values bound
// to them and the registry of the ops it can use. A typical use:
//
//	sd := samediff.New()
//	x := sd.Var("x", tensors.FromValue([][]float64{{1, 2, 3, 4}}))
//	y := sd.Sigmoid(x)            // Named "sigmoid(x)".
//	dx := sd.Grad(y, x)           // Named "sigmoidderivative(x)".
//	results, err := sd.Eval(nil)  // Values of y and dx.
//
// ## Error Handling
//
// Builder methods (Var, Sigmoid, MMul, Grad, ...) panic with an error when the graph can't be built, for
// instance ErrShapeMismatch for incompatible operands. This way the graph can be written as a sequence of
// expressions, and errors checked once with TryBuild. The errors wrap the sentinels declared in this
// package, to be tested with errors.Is.
//
// Execution methods (Allocate, CreateOp, Exec, Eval, ...) return errors, and leave the graph intact.
//
// ## Concurrency
//
// A SameDiff context has a single writer: it must not be built or executed from more than one goroutine at a
// time. Distinct contexts share no mutable state and can be used concurrently. The execution of independent
// branches of one graph can be parallelized with SetParallelism.
package samediff

import (
	"fmt"
	"slices"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/samediff/backends"
	_ "github.com/gomlx/samediff/backends/default"
	"github.com/gomlx/samediff/graph"
	"github.com/gomlx/samediff/pkg/support/sets"
	"github.com/gomlx/samediff/types/shapes"
	"github.com/gomlx/samediff/types/tensors"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// State of a SameDiff context.
type State int

const (
	// Created is the state of an empty context.
	Created State = iota

	// Building means variables or ops were added since the last execution.
	Building

	// Allocated means every vertex has storage.
	Allocated

	// Executed means the forward values were computed.
	Executed

	// Differentiated means a gradient subgraph was appended.
	Differentiated
)

var stateNames = []string{"Created", "Building", "Allocated", "Executed", "Differentiated"}

// String implements fmt.Stringer.
func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// gradKey identifies a gradient request.
type gradKey struct {
	y, x graph.VertexId
}

// SameDiff is a context holding a computation graph, its variables and their values.
type SameDiff struct {
	id       uuid.UUID
	graph    *graph.Graph
	registry *Registry
	backend  backends.Backend

	// variables by name and by vertex.
	variables map[string]*Variable
	byId      map[graph.VertexId]*Variable

	// defs holds the resolved OpDef of each op vertex.
	defs map[graph.VertexId]*OpDef

	// storage holds the tensor of each vertex, once bound or allocated.
	storage map[graph.VertexId]*tensors.Tensor

	// bound are the leaves with a user provided value.
	bound sets.Set[graph.VertexId]

	state State

	// opOrder is the cached execution plan, reset whenever the graph changes.
	opOrder *graph.OpOrder

	outputs     []graph.VertexId
	gradCache   map[gradKey]*Variable
	parallelism int

	// nextName overrides the derived name of the next op, see Named.
	nextName string

	// uniqueNames makes derived name collisions get a numeric suffix, instead of failing. Used while
	// building gradients.
	uniqueNames bool
}

// New creates an empty SameDiff context, using the default backend (see backends.New) and a fresh
// registry with the builtin ops.
//
// It panics if the backend can't be created.
func New() *SameDiff {
	return NewWithBackend(backends.New())
}

// NewWithBackend creates an empty SameDiff context that executes on the given backend.
func NewWithBackend(backend backends.Backend) *SameDiff {
	sd := &SameDiff{
		id:        uuid.New(),
		graph:     graph.New(),
		registry:  NewRegistry(),
		backend:   backend,
		variables: make(map[string]*Variable),
		byId:      make(map[graph.VertexId]*Variable),
		defs:      make(map[graph.VertexId]*OpDef),
		storage:   make(map[graph.VertexId]*tensors.Tensor),
		bound:     sets.Make[graph.VertexId](),
		gradCache: make(map[gradKey]*Variable),
	}
	klog.V(1).Infof("samediff %s: created with backend %q", sd.id, backend.Name())
	return sd
}

// Id returns the unique id of the context, used in logs.
func (sd *SameDiff) Id() uuid.UUID { return sd.id }

// Graph returns the underlying graph. It should be treated as read-only: changing it directly breaks the
// invariants kept by the context.
func (sd *SameDiff) Graph() *graph.Graph { return sd.graph }

// Registry returns the op registry of the context. Custom ops can be registered into it.
func (sd *SameDiff) Registry() *Registry { return sd.registry }

// Backend returns the backend used to execute the ops.
func (sd *SameDiff) Backend() backends.Backend { return sd.backend }

// SetBackend changes the backend used in the following executions. It returns the context itself.
func (sd *SameDiff) SetBackend(backend backends.Backend) *SameDiff {
	sd.backend = backend
	return sd
}

// State returns the current state of the context.
func (sd *SameDiff) State() State { return sd.state }

// SetParallelism sets the number of ops executed concurrently. 0 (the default) executes sequentially,
// a negative value means no limit. It returns the context itself.
func (sd *SameDiff) SetParallelism(parallelism int) *SameDiff {
	sd.parallelism = parallelism
	return sd
}

// SetOutputs designates the variables returned by Eval; the last one is also the result of ExecAndEndResult.
// By default, Eval returns every op output that is not consumed by another op. It returns the context itself.
func (sd *SameDiff) SetOutputs(outputs ...*Variable) *SameDiff {
	sd.outputs = make([]graph.VertexId, 0, len(outputs))
	for _, v := range outputs {
		sd.checkOwnership(v)
		sd.outputs = append(sd.outputs, v.id)
	}
	return sd
}

// Outputs returns the variables returned by Eval.
func (sd *SameDiff) Outputs() []*Variable {
	ids := sd.outputs
	if len(ids) == 0 {
		ids = sd.defaultOutputs()
	}
	outputs := make([]*Variable, 0, len(ids))
	for _, id := range ids {
		outputs = append(outputs, sd.byId[id])
	}
	return outputs
}

// defaultOutputs are the op vertices with out-degree 0, or, if there are no ops, every leaf.
func (sd *SameDiff) defaultOutputs() []graph.VertexId {
	var ids []graph.VertexId
	for _, id := range sd.graph.Outputs() {
		if sd.graph.Vertex(id).Kind == graph.OpVertex {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return sd.graph.Outputs()
	}
	return ids
}

// Named sets the name of the variable created by the next op, instead of the derived one.
// It returns the context itself, so it can be chained: sd.Named("loss").Neg(sum).
func (sd *SameDiff) Named(name string) *SameDiff {
	sd.nextName = name
	return sd
}

// markBuilding moves the context back to the Building state and invalidates the cached plan.
func (sd *SameDiff) markBuilding() {
	sd.state = Building
	sd.opOrder = nil
}

// abortf discards the name pending from Named, and panics with an error wrapping cause.
// Builders call it for failures detected before addOp.
func (sd *SameDiff) abortf(cause error, format string, args ...any) {
	sd.nextName = ""
	panicf(cause, format, args...)
}

// checkOwnership panics if v doesn't belong to this context.
func (sd *SameDiff) checkOwnership(v *Variable) {
	if v == nil {
		sd.abortf(ErrForeignVariable, "nil variable")
	}
	if v.sd != sd || sd.byId[v.id] != v {
		sd.abortf(ErrForeignVariable, "variable %q belongs to another SameDiff context", v.name)
	}
}

// newLeaf creates a leaf variable.
func (sd *SameDiff) newLeaf(name string, shape shapes.Shape, value *tensors.Tensor) *Variable {
	sd.nextName = ""
	if name == "" {
		panicf(ErrDuplicateVariableName, "variables must have a non-empty name")
	}
	if _, found := sd.variables[name]; found {
		panicf(ErrDuplicateVariableName, "variable %q already exists", name)
	}
	id := sd.graph.AddVariableVertex()
	v := &Variable{sd: sd, id: id, name: name, shape: shape}
	sd.variables[name] = v
	sd.byId[id] = v
	if value != nil {
		sd.storage[id] = value.Clone()
		sd.bound.Insert(id)
	}
	sd.markBuilding()
	klog.V(2).Infof("samediff %s: leaf #%d %q %s", sd.id, id, name, shape)
	return v
}

// Var creates a leaf variable bound to a copy of the given value.
func (sd *SameDiff) Var(name string, value *tensors.Tensor) *Variable {
	if !value.Ok() {
		panicf(ErrShapeMismatch, "Var(%q): invalid tensor", name)
	}
	return sd.newLeaf(name, value.Shape(), value)
}

// Scalar creates a rank-0 leaf variable with the given value.
func (sd *SameDiff) Scalar(name string, value float64) *Variable {
	return sd.Var(name, tensors.FromScalar(value))
}

// Placeholder creates a leaf variable of the given shape, whose value must be bound (see Bind and Eval)
// before execution.
func (sd *SameDiff) Placeholder(name string, shape shapes.Shape) *Variable {
	if !shape.Ok() {
		panicf(ErrShapeMismatch, "Placeholder(%q): invalid shape", name)
	}
	return sd.newLeaf(name, shape.Clone(), nil)
}

// GetVariable returns the variable with the given name, or nil if it doesn't exist.
func (sd *SameDiff) GetVariable(name string) *Variable {
	return sd.variables[name]
}

// VariableById returns the variable of the given vertex, or nil if it doesn't exist.
func (sd *SameDiff) VariableById(id graph.VertexId) *Variable {
	return sd.byId[id]
}

// Variables returns all variables in creation order.
func (sd *SameDiff) Variables() []*Variable {
	vars := make([]*Variable, 0, len(sd.byId))
	for _, id := range sd.graph.VertexIds() {
		vars = append(vars, sd.byId[id])
	}
	return vars
}

// Bind copies value into the storage of the named leaf variable. The shape must match.
func (sd *SameDiff) Bind(name string, value *tensors.Tensor) error {
	v, found := sd.variables[name]
	if !found || !v.IsLeaf() {
		return errors.Wrapf(ErrMissingBinding, "no leaf variable named %q", name)
	}
	if !value.Ok() || !value.Shape().Equal(v.shape) {
		return errors.Wrapf(ErrShapeMismatch, "binding %q: variable has shape %s, value has shape %s",
			name, v.shape, value.Shape())
	}
	if t, found := sd.storage[v.id]; found {
		t.CopyFrom(value)
	} else {
		sd.storage[v.id] = value.Clone()
	}
	sd.bound.Insert(v.id)
	return nil
}

// Value returns the tensor bound to the named variable, or an error if it has no storage yet.
// The returned tensor is owned by the context: it is overwritten by the following executions.
func (sd *SameDiff) Value(name string) (*tensors.Tensor, error) {
	v, found := sd.variables[name]
	if !found {
		return nil, errors.Wrapf(ErrMissingBinding, "no variable named %q", name)
	}
	t := v.Value()
	if t == nil {
		return nil, errors.Wrapf(ErrUnallocatedStorage, "variable %q has no value", name)
	}
	return t, nil
}

// NumElements returns the number of elements of all variables in the graph, which is the number of values
// stored once the context is allocated.
func (sd *SameDiff) NumElements() int {
	total := 0
	for _, v := range sd.byId {
		total += v.shape.Size()
	}
	return total
}

// Memory returns the number of bytes of the tensors currently stored.
func (sd *SameDiff) Memory() uintptr {
	var total uintptr
	for _, t := range sd.storage {
		total += t.Memory()
	}
	return total
}

// Summary returns a multi-line description of the context: one line per variable with its kind, shape and
// producing op.
func (sd *SameDiff) Summary() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "SameDiff %s (%s): %d variables, %d edges, %s elements, %s stored\n",
		sd.id, sd.state, sd.graph.NumVertices(), sd.graph.NumEdges(),
		humanize.Comma(int64(sd.NumElements())), humanize.Bytes(uint64(sd.Memory())))
	outputs := sets.MakeWith(sd.outputIds()...)
	for _, v := range sd.Variables() {
		kind := "leaf"
		if op := v.Producer(); op != nil {
			kind = op.Name
		}
		marker := ""
		if outputs.Has(v.id) {
			marker = " *"
		}
		fmt.Fprintf(&sb, "\t#%-4d %-40s %-20s %s%s\n", v.id, v.name, kind, v.shape, marker)
	}
	return sb.String()
}

func (sd *SameDiff) outputIds() []graph.VertexId {
	if len(sd.outputs) > 0 {
		return slices.Clone(sd.outputs)
	}
	return sd.defaultOutputs()
}

// String implements fmt.Stringer.
func (sd *SameDiff) String() string {
	return fmt.Sprintf("SameDiff(%s, %d variables, %s)", sd.id, len(sd.byId), sd.state)
}
