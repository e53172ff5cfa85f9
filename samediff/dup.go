// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package samediff

import (
	"slices"

	"github.com/gomlx/samediff/graph"
	"github.com/gomlx/samediff/types/tensors"
	"github.com/google/uuid"
	"k8s.io/klog/v2"
)

// Dup returns an independent deep copy of the context: its graph, variables, registry, values and gradient
// cache. Vertex ids are preserved, each context owning its own id space, so a variable of the copy can be
// found with VariableById or GetVariable.
//
// Changes to either context, including values bound or computed, don't affect the other.
func (sd *SameDiff) Dup() *SameDiff {
	dup := &SameDiff{
		id:          uuid.New(),
		graph:       sd.graph.Clone(),
		registry:    sd.registry.Clone(),
		backend:     sd.backend,
		variables:   make(map[string]*Variable, len(sd.variables)),
		byId:        make(map[graph.VertexId]*Variable, len(sd.byId)),
		defs:        make(map[graph.VertexId]*OpDef, len(sd.defs)),
		storage:     make(map[graph.VertexId]*tensors.Tensor, len(sd.storage)),
		bound:       sd.bound.Clone(),
		state:       sd.state,
		outputs:     slices.Clone(sd.outputs),
		gradCache:   make(map[gradKey]*Variable, len(sd.gradCache)),
		parallelism: sd.parallelism,
	}
	for id, v := range sd.byId {
		v2 := &Variable{sd: dup, id: id, name: v.name, shape: v.shape.Clone()}
		dup.byId[id] = v2
		dup.variables[v.name] = v2
	}
	for id, def := range sd.defs {
		dup.defs[id], _ = dup.registry.Lookup(def.Name)
	}
	for id, t := range sd.storage {
		dup.storage[id] = t.Clone()
	}
	for key, v := range sd.gradCache {
		dup.gradCache[key] = dup.byId[v.id]
	}
	klog.V(1).Infof("samediff %s: duplicated as %s", sd.id, dup.id)
	return dup
}

// Equal returns whether both contexts hold the same graph (vertices, ops and edges), with the same variable
// names and shapes, and the same values bound to the same leaves.
func (sd *SameDiff) Equal(other *SameDiff) bool {
	if sd == other {
		return true
	}
	if other == nil || sd.graph.NumVertices() != other.graph.NumVertices() ||
		!slices.Equal(sd.graph.VertexIds(), other.graph.VertexIds()) ||
		!slices.Equal(sd.graph.Edges(), other.graph.Edges()) ||
		!sd.bound.Equal(other.bound) {
		return false
	}
	for _, id := range sd.graph.VertexIds() {
		v, v2 := sd.byId[id], other.byId[id]
		if v == nil || v2 == nil || v.name != v2.name || !v.shape.Equal(v2.shape) {
			return false
		}
		op, op2 := v.Producer(), v2.Producer()
		if (op == nil) != (op2 == nil) || (op != nil && !op.Equal(op2)) {
			return false
		}
	}
	for id := range sd.bound {
		if !sd.storage[id].Equal(other.storage[id]) {
			return false
		}
	}
	return true
}
