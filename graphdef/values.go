// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graphdef

import (
	"github.com/gomlx/samediff/types/shapes"
	"github.com/gomlx/samediff/types/tensors"
	"github.com/pkg/errors"
	"github.com/zclconf/go-cty/cty"
)

// shapeOf validates the dimensions of a shape attribute.
func shapeOf(dimensions []int) (shapes.Shape, error) {
	for _, dim := range dimensions {
		if dim <= 0 {
			return shapes.Invalid(), errors.Errorf("invalid shape %v: dimensions must be positive", dimensions)
		}
	}
	return shapes.MakeF64(dimensions...), nil
}

// tensorFromValue converts a number or nested lists of numbers to a tensor. If dimensions is not empty,
// the values are reshaped to it, and a single number fills it.
func tensorFromValue(value cty.Value, dimensions []int) (*tensors.Tensor, error) {
	var flat []float64
	valueDims, err := flattenValue(value, 0, nil, &flat)
	if err != nil {
		return nil, err
	}
	if len(dimensions) == 0 {
		return tensors.FromFlatDataAndDimensions(flat, valueDims...), nil
	}
	shape, err := shapeOf(dimensions)
	if err != nil {
		return nil, err
	}
	switch len(flat) {
	case shape.Size():
		return tensors.FromFlatDataAndDimensions(flat, dimensions...), nil
	case 1:
		return tensors.FromScalarAndDimensions(flat[0], dimensions...), nil
	}
	return nil, errors.Errorf("value has %d elements (dimensions %v), shape %v requires %d",
		len(flat), valueDims, dimensions, shape.Size())
}

// flattenValue appends the numbers of value to flat in row-major order, and returns the dimensions
// found, checking that nested lists at the same depth have the same length.
func flattenValue(value cty.Value, depth int, dimensions []int, flat *[]float64) ([]int, error) {
	if value.IsNull() || !value.IsKnown() {
		return nil, errors.New("value must be a known number or list of numbers")
	}
	ty := value.Type()
	switch {
	case ty == cty.Number:
		if depth != len(dimensions) {
			return nil, errors.Errorf("irregular value: number found at depth %d, expected %d", depth, len(dimensions))
		}
		f, _ := value.AsBigFloat().Float64()
		*flat = append(*flat, f)
		return dimensions, nil
	case ty.IsTupleType() || ty.IsListType():
		length := value.LengthInt()
		if length == 0 {
			return nil, errors.New("empty lists are not valid values")
		}
		if depth == len(dimensions) {
			if len(*flat) > 0 {
				return nil, errors.Errorf("irregular value: list found at depth %d", depth)
			}
			dimensions = append(dimensions, length)
		} else if dimensions[depth] != length {
			return nil, errors.Errorf("irregular value: list of length %d at depth %d, expected %d",
				length, depth, dimensions[depth])
		}
		var err error
		for it := value.ElementIterator(); it.Next(); {
			_, elem := it.Element()
			dimensions, err = flattenValue(elem, depth+1, dimensions, flat)
			if err != nil {
				return nil, err
			}
		}
		return dimensions, nil
	}
	return nil, errors.Errorf("unsupported value of type %s", ty.FriendlyName())
}
