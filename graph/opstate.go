// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"fmt"
	"slices"
	"strings"
)

// Category groups operations by how they map inputs to outputs.
type Category int

const (
	// Transform is an element-wise op over one input (with optional scalar parameters).
	Transform Category = iota

	// Accumulation reduces one or more axes.
	Accumulation

	// Pairwise is an element-wise op over two inputs, with broadcasting.
	Pairwise

	// Broadcast expands an input to a larger shape.
	Broadcast

	// LinearAlgebra covers matrix products and tensor contractions.
	LinearAlgebra

	// Custom ops are registered by the user.
	Custom
)

var categoryNames = []string{"Transform", "Accumulation", "Pairwise", "Broadcast", "LinearAlgebra", "Custom"}

// String implements fmt.Stringer.
func (c Category) String() string {
	if c < 0 || int(c) >= len(categoryNames) {
		return fmt.Sprintf("Category(%d)", int(c))
	}
	return categoryNames[c]
}

// OpState describes one operation instance: which op, on which inputs, producing which output, and with
// which static parameters.
type OpState struct {
	// Name of the op, as registered in the op registry. E.g.: "sigmoid", "mmul".
	Name     string
	Category Category

	// Inputs in positional order. The same vertex may appear more than once.
	Inputs []VertexId

	// Output is the op vertex holding the result, set by Graph.AddOpVertex.
	Output VertexId

	// Axes of a reduction, permutation of a permute, or the axis of cosineSimilarity.
	Axes []int

	// Scalars are the scalar parameters, e.g. the 1 in rsub(x,1).
	Scalars []float64

	// AxisPairs holds the contracted axes of each operand of a tensor contraction.
	AxisPairs [2][]int

	// Dimensions are the target dimensions of a reshape or a broadcast.
	Dimensions []int
}

// Clone returns a deep copy of the OpState.
func (op *OpState) Clone() *OpState {
	return &OpState{
		Name:       op.Name,
		Category:   op.Category,
		Inputs:     slices.Clone(op.Inputs),
		Output:     op.Output,
		Axes:       slices.Clone(op.Axes),
		Scalars:    slices.Clone(op.Scalars),
		AxisPairs:  [2][]int{slices.Clone(op.AxisPairs[0]), slices.Clone(op.AxisPairs[1])},
		Dimensions: slices.Clone(op.Dimensions),
	}
}

// SameParameters returns whether both ops have the same name and static parameters. Inputs and output are
// not compared.
func (op *OpState) SameParameters(other *OpState) bool {
	return op.Name == other.Name && op.Category == other.Category &&
		slices.Equal(op.Axes, other.Axes) && slices.Equal(op.Scalars, other.Scalars) &&
		slices.Equal(op.AxisPairs[0], other.AxisPairs[0]) && slices.Equal(op.AxisPairs[1], other.AxisPairs[1]) &&
		slices.Equal(op.Dimensions, other.Dimensions)
}

// Equal compares name, parameters, inputs and output.
func (op *OpState) Equal(other *OpState) bool {
	return op.SameParameters(other) && slices.Equal(op.Inputs, other.Inputs) && op.Output == other.Output
}

// String implements fmt.Stringer.
func (op *OpState) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s[%s](", op.Name, op.Category)
	for ii, input := range op.Inputs {
		if ii > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "#%d", input)
	}
	sb.WriteString(")")
	if len(op.Axes) > 0 {
		fmt.Fprintf(&sb, " axes=%v", op.Axes)
	}
	if len(op.Scalars) > 0 {
		fmt.Fprintf(&sb, " scalars=%v", op.Scalars)
	}
	if len(op.AxisPairs[0]) > 0 || len(op.AxisPairs[1]) > 0 {
		fmt.Fprintf(&sb, " contract=%v/%v", op.AxisPairs[0], op.AxisPairs[1])
	}
	if len(op.Dimensions) > 0 {
		fmt.Fprintf(&sb, " dims=%v", op.Dimensions)
	}
	fmt.Fprintf(&sb, " -> #%d", op.Output)
	return sb.String()
}

// OpExecAction is one entry of an execution plan.
type OpExecAction struct {
	OpState *OpState
	Inputs  []VertexId
	Output  VertexId
}

// String implements fmt.Stringer.
func (a OpExecAction) String() string {
	return a.OpState.String()
}

// OpOrder is the ordered execution plan of a graph.
type OpOrder struct {
	Actions []OpExecAction
}

// Len returns the number of actions.
func (o OpOrder) Len() int { return len(o.Actions) }

// Last returns the last action. It panics if the plan is empty.
func (o OpOrder) Last() OpExecAction { return o.Actions[len(o.Actions)-1] }
