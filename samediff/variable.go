// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package samediff

import (
	"fmt"

	"github.com/gomlx/samediff/graph"
	"github.com/gomlx/samediff/types/shapes"
	"github.com/gomlx/samediff/types/tensors"
)

// Variable is a named vertex of a SameDiff graph: either a leaf (see SameDiff.Var, SameDiff.Scalar and
// SameDiff.Placeholder) or the output of an op.
//
// Variables are handles: the graph and the values are owned by the SameDiff context.
type Variable struct {
	sd    *SameDiff
	id    graph.VertexId
	name  string
	shape shapes.Shape
}

// SameDiff returns the context owning the variable.
func (v *Variable) SameDiff() *SameDiff { return v.sd }

// Id returns the vertex id of the variable.
func (v *Variable) Id() graph.VertexId { return v.id }

// Name of the variable, unique within its context.
func (v *Variable) Name() string { return v.name }

// Shape of the variable. It implements shapes.HasShape.
func (v *Variable) Shape() shapes.Shape { return v.shape }

// IsLeaf returns whether the variable is a leaf, as opposed to the output of an op.
func (v *Variable) IsLeaf() bool {
	return v.sd.graph.Vertex(v.id).Kind == graph.VariableVertex
}

// Producer returns the op producing the variable, or nil for leaves.
func (v *Variable) Producer() *graph.OpState {
	return v.sd.graph.Vertex(v.id).Op
}

// Value returns the tensor bound to the variable, or nil if there is none yet.
// The returned tensor is owned by the context.
func (v *Variable) Value() *tensors.Tensor {
	return v.sd.storage[v.id]
}

// String implements fmt.Stringer.
func (v *Variable) String() string {
	return fmt.Sprintf("%s%s", v.name, v.shape)
}

// Add returns v + other, see SameDiff.Add.
func (v *Variable) Add(other *Variable) *Variable { return v.sd.Add(v, other) }

// Sub returns v - other, see SameDiff.Sub.
func (v *Variable) Sub(other *Variable) *Variable { return v.sd.Sub(v, other) }

// RSub returns other - v, see SameDiff.RSub.
func (v *Variable) RSub(other *Variable) *Variable { return v.sd.RSub(v, other) }

// Mul returns v * other, see SameDiff.Mul.
func (v *Variable) Mul(other *Variable) *Variable { return v.sd.Mul(v, other) }

// Div returns v / other, see SameDiff.Div.
func (v *Variable) Div(other *Variable) *Variable { return v.sd.Div(v, other) }

// RDiv returns other / v, see SameDiff.RDiv.
func (v *Variable) RDiv(other *Variable) *Variable { return v.sd.RDiv(v, other) }

// AddScalar returns v + value.
func (v *Variable) AddScalar(value float64) *Variable { return v.sd.AddScalar(v, value) }

// MulScalar returns v * value.
func (v *Variable) MulScalar(value float64) *Variable { return v.sd.MulScalar(v, value) }

// RSubScalar returns value - v.
func (v *Variable) RSubScalar(value float64) *Variable { return v.sd.RSubScalar(v, value) }

// Neg returns -v.
func (v *Variable) Neg() *Variable { return v.sd.Neg(v) }

// MMul returns the matrix product of v and other.
func (v *Variable) MMul(other *Variable) *Variable { return v.sd.MMul(v, other) }

// Sum reduces v over the given axes, see SameDiff.Sum.
func (v *Variable) Sum(axes ...int) *Variable { return v.sd.Sum(v, axes...) }

// Reshape returns v with the given dimensions.
func (v *Variable) Reshape(dimensions ...int) *Variable { return v.sd.Reshape(v, dimensions...) }

// Transpose returns v with its axes reversed.
func (v *Variable) Transpose() *Variable { return v.sd.Transpose(v) }
