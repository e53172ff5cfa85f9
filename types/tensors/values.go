// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"fmt"
	"math"
	"reflect"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/samediff/types/shapes"
	"github.com/pkg/errors"
)

// MultiDimensionSlice lists the Go types a Tensor can be converted to/from. There are no recursions in
// generics' constraint definitions, so we enumerate up to 6 levels of slices. FromAnyValue works with any
// arbitrary number.
type MultiDimensionSlice interface {
	float64 | []float64 | [][]float64 | [][][]float64 | [][][][]float64 | [][][][][]float64 | [][][][][][]float64
}

// FromValue returns a tensor constructed from the given multi-dimension slice (or scalar).
// If the rank of the `value` is larger than 1, the shape of all sub-slices must be the same.
//
// It panics if the shape is not regular.
func FromValue[S MultiDimensionSlice](value S) *Tensor {
	return FromAnyValue(value)
}

// FromAnyValue is a non-generic version of FromValue. If value is a *Tensor already, it is returned as is.
//
// It panics with an error if `value` type is unsupported or the shape is not regular.
func FromAnyValue(value any) *Tensor {
	if valueT, ok := value.(*Tensor); ok {
		return valueT
	}
	shape, err := shapeForValue(value)
	if err != nil {
		panic(errors.Wrapf(err, "cannot create shape from %T", value))
	}
	t := FromShape(shape)
	if shape.IsScalar() {
		t.flat[0] = reflect.ValueOf(value).Float()
		return t
	}
	copySlicesRecursively(reflect.ValueOf(t.flat), reflect.ValueOf(value), shape.Strides())
	return t
}

// copySlicesRecursively copy values on a multi-dimension slice to a flat data slice
// assuming the strides for each dimension.
func copySlicesRecursively(data reflect.Value, mdSlice reflect.Value, strides []int) {
	if len(strides) == 1 {
		reflect.Copy(data, mdSlice)
		return
	}
	subStrides := strides[1:]
	for ii := range mdSlice.Len() {
		subData := data.Slice(ii*strides[0], (ii+1)*strides[0])
		copySlicesRecursively(subData, mdSlice.Index(ii), subStrides)
	}
}

func shapeForValue(v any) (shape shapes.Shape, err error) {
	err = shapeForValueRecursive(&shape, reflect.ValueOf(v), reflect.TypeOf(v))
	return
}

func shapeForValueRecursive(shape *shapes.Shape, v reflect.Value, t reflect.Type) error {
	if t == nil {
		return errors.New("cannot convert nil to a tensor")
	}
	switch t.Kind() {
	case reflect.Slice:
		t = t.Elem()
		shape.Dimensions = append(shape.Dimensions, v.Len())
		shapePrefix := shape.Clone()
		if v.Len() == 0 {
			return errors.Errorf("value with empty slice not valid for Tensor conversion: %T", v.Interface())
		}
		if err := shapeForValueRecursive(shape, v.Index(0), t); err != nil {
			return err
		}
		for ii := 1; ii < v.Len(); ii++ {
			shapeTest := shapePrefix.Clone()
			if err := shapeForValueRecursive(&shapeTest, v.Index(ii), t); err != nil {
				return err
			}
			if !shape.Equal(shapeTest) {
				return errors.Errorf("sub-slices have irregular shapes, found shapes %q, and %q", shape, shapeTest)
			}
		}
	case reflect.Float64:
		shape.DType = dtypes.Float64
	default:
		return errors.Errorf("cannot convert type %s to a tensor, only float64 values are supported", t)
	}
	return nil
}

// Value returns a multidimensional slice (or a float64 for a scalar) with a copy of the values.
func (t *Tensor) Value() any {
	t.AssertValid()
	if t.IsScalar() {
		return t.flat[0]
	}
	flatCopyV := reflect.ValueOf(t.CopyFlatData())
	if t.Rank() == 1 {
		return flatCopyV.Interface()
	}
	return convertDataToSlices(flatCopyV, t.shape.Dimensions...).Interface()
}

// convertDataToSlices takes data as a flat slice, and creates a multidimensional slices with the given
// dimensions that points to the given data.
func convertDataToSlices(dataV reflect.Value, dimensions ...int) reflect.Value {
	resultT := dataV.Type().Elem()
	for range dimensions {
		resultT = reflect.SliceOf(resultT)
	}
	strides := shapes.MakeF64(dimensions...).Strides()
	return createSlicesRecursively(resultT, dataV, dimensions, strides)
}

func createSlicesRecursively(resultT reflect.Type, data reflect.Value, dimensions []int, strides []int) reflect.Value {
	if len(strides) == 1 {
		return data
	}
	slice := reflect.MakeSlice(resultT, dimensions[0], dimensions[0])
	for ii := range dimensions[0] {
		subData := data.Slice(ii*strides[0], (ii+1)*strides[0])
		slice.Index(ii).Set(createSlicesRecursively(resultT.Elem(), subData, dimensions[1:], strides[1:]))
	}
	return slice
}

// Equal checks whether t and otherTensor have the same shape and exactly the same values.
// NaN values are considered equal to each other.
func (t *Tensor) Equal(otherTensor *Tensor) bool {
	return t.InDelta(otherTensor, 0)
}

// InDelta checks whether t and otherTensor have the same shape and values within delta of each other.
// Both must be valid, otherwise it panics.
func (t *Tensor) InDelta(otherTensor *Tensor, delta float64) bool {
	t.AssertValid()
	otherTensor.AssertValid()
	if t == otherTensor {
		return true
	}
	if !t.shape.Equal(otherTensor.shape) {
		return false
	}
	for ii, v0 := range t.flat {
		v1 := otherTensor.flat[ii]
		if math.IsNaN(v0) || math.IsNaN(v1) {
			if math.IsNaN(v0) != math.IsNaN(v1) {
				return false
			}
			continue
		}
		if v0 != v1 && math.Abs(v0-v1) > delta {
			return false
		}
	}
	return true
}

// MaxSizeForString is the largest tensor whose values are printed by String.
var MaxSizeForString = 500

// String pretty-prints the tensor shape and, if not too large, its values.
func (t *Tensor) String() string {
	if t == nil {
		return "<nil>"
	}
	if !t.Ok() {
		return fmt.Sprintf("invalid tensor %s", t.shape)
	}
	if t.Size() > MaxSizeForString {
		return fmt.Sprintf("%s: (... too large, %d values ...)", t.shape, t.Size())
	}
	var sb strings.Builder
	sb.WriteString(t.shape.String())
	sb.WriteString(": ")
	writeValues(&sb, t.flat, t.shape.Dimensions)
	return sb.String()
}

func writeValues(sb *strings.Builder, flat []float64, dimensions []int) {
	if len(dimensions) == 0 {
		fmt.Fprintf(sb, "%.4g", flat[0])
		return
	}
	sb.WriteByte('[')
	stride := len(flat) / dimensions[0]
	for ii := range dimensions[0] {
		if ii > 0 {
			sb.WriteString(", ")
		}
		writeValues(sb, flat[ii*stride:(ii+1)*stride], dimensions[1:])
	}
	sb.WriteByte(']')
}

// TryFromAnyValue is FromAnyValue returning an error instead of panicking.
func TryFromAnyValue(value any) (t *Tensor, err error) {
	err = exceptions.TryCatch[error](func() { t = FromAnyValue(value) })
	return
}
