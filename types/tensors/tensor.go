// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tensors implements a `Tensor`, the concrete multi-dimensional value bound to the variables of a
// SameDiff graph.
//
// A Tensor is defined by its shape and a flat row-major slice of float64 values. There are various ways to
// construct one:
//
//   - FromShape(shape shapes.Shape): creates a tensor with the given shape, and zero values.
//
//   - FromScalarAndDimensions(value float64, dimensions ...int): creates a Tensor with the given dimensions,
//     filled with the scalar value given.
//
//   - FromFlatDataAndDimensions(data []float64, dimensions ...int): creates a Tensor with the given dimensions,
//     and sets the flattened values with the given data. Example:
//
//     t := FromFlatDataAndDimensions([]float64{1, 2, 3, 4}, 2, 2) // Tensor with [[1,2], [3,4]]
//
//   - FromValue[S MultiDimensionSlice](value S): conversion from a scalar or an arbitrary multidimensional
//     slice of float64. Slices of rank > 1 must be regular. Example:
//
//     t := FromValue([][]float64{{1,2}, {3, 5}, {7, 11}})
package tensors

import (
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/samediff/types/shapes"
)

// Tensor is a multidimensional array of float64 values, stored as a flat row-major slice.
//
// A Tensor is not safe for concurrent mutation; the graph engine writes each output tensor from a single
// goroutine.
type Tensor struct {
	shape shapes.Shape
	flat  []float64
}

// FromShape returns a Tensor with the given shape, with the data initialized with zeros.
func FromShape(shape shapes.Shape) *Tensor {
	if shape.DType != dtypes.Float64 {
		exceptions.Panicf("tensors.FromShape(%s): only Float64 tensors are supported", shape)
	}
	return &Tensor{shape: shape.Clone(), flat: make([]float64, shape.Size())}
}

// FromScalar creates a scalar (rank-0) tensor.
func FromScalar(value float64) *Tensor {
	return FromScalarAndDimensions(value)
}

// FromScalarAndDimensions creates a tensor with the given dimensions, filled with the given value.
func FromScalarAndDimensions(value float64, dimensions ...int) *Tensor {
	t := FromShape(shapes.MakeF64(dimensions...))
	t.Fill(value)
	return t
}

// FromFlatDataAndDimensions creates a tensor with the given dimensions, filled with the flattened values
// given in `data`. The data is copied.
func FromFlatDataAndDimensions(data []float64, dimensions ...int) *Tensor {
	shape := shapes.MakeF64(dimensions...)
	if len(data) != shape.Size() {
		exceptions.Panicf("FromFlatDataAndDimensions(%s): data size is %d, but dimensions size is %d",
			shape, len(data), shape.Size())
	}
	return &Tensor{shape: shape, flat: slices.Clone(data)}
}

// Linspace returns a tensor of the given dimensions holding evenly spaced values from start to stop
// (inclusive) in row-major order.
func Linspace(start, stop float64, dimensions ...int) *Tensor {
	t := FromShape(shapes.MakeF64(dimensions...))
	n := len(t.flat)
	if n == 1 {
		t.flat[0] = start
		return t
	}
	step := (stop - start) / float64(n-1)
	for ii := range t.flat {
		t.flat[ii] = start + float64(ii)*step
	}
	return t
}

// Shape of the tensor.
func (t *Tensor) Shape() shapes.Shape { return t.shape }

// DType returns the DType of the tensor's shape, always dtypes.Float64.
func (t *Tensor) DType() dtypes.DType { return t.shape.DType }

// Rank returns the rank of the tensor's shape.
func (t *Tensor) Rank() int { return t.shape.Rank() }

// IsScalar returns whether the tensor represents a scalar value.
func (t *Tensor) IsScalar() bool { return t.shape.IsScalar() }

// Size returns the number of elements in the tensor.
func (t *Tensor) Size() int { return t.shape.Size() }

// Memory returns the number of bytes used to store the tensor.
func (t *Tensor) Memory() uintptr { return t.shape.Memory() }

// Ok returns whether the Tensor is in a valid state.
func (t *Tensor) Ok() bool {
	return t != nil && t.shape.Ok() && len(t.flat) == t.shape.Size()
}

// AssertValid panics if the tensor is nil or invalid.
func (t *Tensor) AssertValid() {
	if t == nil {
		exceptions.Panicf("Tensor is nil")
	}
	if !t.Ok() {
		exceptions.Panicf("Tensor with shape %s is invalid", t.shape)
	}
}

// Flat returns the underlying flat storage. Changes to it change the tensor.
func (t *Tensor) Flat() []float64 { return t.flat }

// CopyFlatData returns a copy of the flat storage.
func (t *Tensor) CopyFlatData() []float64 { return slices.Clone(t.flat) }

// AssignFlatData copies the given values into the tensor. It panics if the size doesn't match.
func (t *Tensor) AssignFlatData(flat []float64) {
	if len(flat) != len(t.flat) {
		exceptions.Panicf("AssignFlatData: tensor %s has %d elements, got %d values", t.shape, len(t.flat), len(flat))
	}
	copy(t.flat, flat)
}

// CopyFrom copies the values of another tensor with the same shape.
func (t *Tensor) CopyFrom(from *Tensor) {
	if !t.shape.Equal(from.shape) {
		exceptions.Panicf("CopyFrom: shapes %s and %s differ", t.shape, from.shape)
	}
	copy(t.flat, from.flat)
}

// Fill sets every element to value.
func (t *Tensor) Fill(value float64) {
	for ii := range t.flat {
		t.flat[ii] = value
	}
}

// ToScalar returns the value of a single-element tensor. It panics if the tensor has more than one element.
func (t *Tensor) ToScalar() float64 {
	if len(t.flat) != 1 {
		exceptions.Panicf("ToScalar: tensor %s has %d elements", t.shape, len(t.flat))
	}
	return t.flat[0]
}

// Clone returns a deep copy of the tensor.
func (t *Tensor) Clone() *Tensor {
	t.AssertValid()
	return &Tensor{shape: t.shape.Clone(), flat: slices.Clone(t.flat)}
}

// Reshape returns a new tensor holding a copy of the values with the given dimensions.
// It panics if the number of elements differs.
func (t *Tensor) Reshape(dimensions ...int) *Tensor {
	shape, err := shapes.ReshapeShape(t.shape, dimensions)
	if err != nil {
		panic(err)
	}
	return &Tensor{shape: shape, flat: slices.Clone(t.flat)}
}
