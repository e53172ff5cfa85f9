// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shapes

import (
	"math"
	"slices"

	"github.com/pkg/errors"
)

// ErrIncompatible is the cause of every error returned by the shape-inference rules below.
var ErrIncompatible = errors.New("incompatible shapes")

// AllAxes can be given as an axis to the reduction rules to mean every axis of the operand.
const AllAxes = math.MaxInt

// BroadcastShapes returns the shape resulting from an element-wise operation over operands of
// the given shapes, using numpy broadcasting rules: axes are aligned on the right, and each pair
// of dimensions must be equal or one of them must be 1.
func BroadcastShapes(operands ...Shape) (Shape, error) {
	if len(operands) == 0 {
		return Invalid(), errors.Wrap(ErrIncompatible, "no operands to broadcast")
	}
	dtype := operands[0].DType
	rank := 0
	for _, operand := range operands {
		if operand.DType != dtype {
			return Invalid(), errors.Wrapf(ErrIncompatible, "mixed dtypes %s and %s", dtype, operand.DType)
		}
		rank = max(rank, operand.Rank())
	}
	dims := make([]int, rank)
	for ii := range dims {
		dims[ii] = 1
	}
	for _, operand := range operands {
		offset := rank - operand.Rank()
		for axis, dim := range operand.Dimensions {
			outAxis := axis + offset
			switch {
			case dims[outAxis] == dim || dim == 1:
			case dims[outAxis] == 1:
				dims[outAxis] = dim
			default:
				return Invalid(), errors.Wrapf(ErrIncompatible, "cannot broadcast %v: axis %d has dimensions %d and %d",
					operands, outAxis, dims[outAxis], dim)
			}
		}
	}
	return Shape{DType: dtype, Dimensions: dims}, nil
}

// CanBroadcastTo returns whether the operand can be broadcast to the target shape.
func CanBroadcastTo(operand, target Shape) bool {
	if operand.Rank() > target.Rank() {
		return false
	}
	broadcast, err := BroadcastShapes(operand, target)
	return err == nil && broadcast.Equal(target)
}

// NormalizeAxes converts negative axes to their positive equivalent, expands AllAxes, sorts and
// removes duplicates. It returns an error if any axis is out of range for the given rank.
func NormalizeAxes(rank int, axes []int) ([]int, error) {
	if len(axes) == 0 || slices.Contains(axes, AllAxes) {
		all := make([]int, rank)
		for ii := range all {
			all[ii] = ii
		}
		return all, nil
	}
	normalized := make([]int, 0, len(axes))
	for _, axis := range axes {
		adjusted := axis
		if adjusted < 0 {
			adjusted += rank
		}
		if adjusted < 0 || adjusted >= rank {
			return nil, errors.Wrapf(ErrIncompatible, "axis %d out of range for rank %d", axis, rank)
		}
		normalized = append(normalized, adjusted)
	}
	slices.Sort(normalized)
	return slices.Compact(normalized), nil
}

// ReduceShape returns the shape of a reduction over the given axes. Reduced axes are kept with
// dimension 1, so the result always has the operand's rank and broadcasts back against it.
// An empty list of axes, or AllAxes, reduces every axis.
func ReduceShape(operand Shape, axes []int) (Shape, error) {
	normalized, err := NormalizeAxes(operand.Rank(), axes)
	if err != nil {
		return Invalid(), err
	}
	output := operand.Clone()
	for _, axis := range normalized {
		output.Dimensions[axis] = 1
	}
	return output, nil
}

// ReshapeShape returns the operand reshaped to the given dimensions, which must hold the same
// number of elements.
func ReshapeShape(operand Shape, dimensions []int) (Shape, error) {
	size := 1
	for _, dim := range dimensions {
		if dim <= 0 {
			return Invalid(), errors.Wrapf(ErrIncompatible, "reshape to %v: dimensions must be > 0", dimensions)
		}
		size *= dim
	}
	if size != operand.Size() {
		return Invalid(), errors.Wrapf(ErrIncompatible, "cannot reshape %s (%d elements) to %v (%d elements)",
			operand, operand.Size(), dimensions, size)
	}
	return Make(operand.DType, dimensions...), nil
}

// ReverseAxes returns the permutation that reverses the axes of a tensor of the given rank.
// It is the permutation used by a plain transpose.
func ReverseAxes(rank int) []int {
	permutation := make([]int, rank)
	for ii := range permutation {
		permutation[ii] = rank - 1 - ii
	}
	return permutation
}

// PermuteShape returns the shape with its axes reordered: output axis i is operand axis permutation[i].
func PermuteShape(operand Shape, permutation []int) (Shape, error) {
	if len(permutation) != operand.Rank() {
		return Invalid(), errors.Wrapf(ErrIncompatible, "permutation %v has the wrong length for %s", permutation, operand)
	}
	seen := make([]bool, operand.Rank())
	output := Shape{DType: operand.DType, Dimensions: make([]int, operand.Rank())}
	for ii, axis := range permutation {
		if axis < 0 || axis >= operand.Rank() || seen[axis] {
			return Invalid(), errors.Wrapf(ErrIncompatible, "invalid permutation %v for %s", permutation, operand)
		}
		seen[axis] = true
		output.Dimensions[ii] = operand.Dimensions[axis]
	}
	return output, nil
}

// InversePermutation returns the permutation that undoes the given one.
func InversePermutation(permutation []int) []int {
	inverse := make([]int, len(permutation))
	for ii, axis := range permutation {
		inverse[axis] = ii
	}
	return inverse
}

// MatMulShape returns the shape of the matrix product of lhs `[m, k]` and rhs `[k, n]`.
func MatMulShape(lhs, rhs Shape) (Shape, error) {
	if lhs.DType != rhs.DType {
		return Invalid(), errors.Wrapf(ErrIncompatible, "matmul of mixed dtypes %s and %s", lhs, rhs)
	}
	if lhs.Rank() != 2 || rhs.Rank() != 2 {
		return Invalid(), errors.Wrapf(ErrIncompatible, "matmul requires rank-2 operands, got %s and %s", lhs, rhs)
	}
	if lhs.Dimensions[1] != rhs.Dimensions[0] {
		return Invalid(), errors.Wrapf(ErrIncompatible, "matmul inner dimensions differ: %s x %s", lhs, rhs)
	}
	return Make(lhs.DType, lhs.Dimensions[0], rhs.Dimensions[1]), nil
}

// FreeAxes returns the axes of a tensor of the given rank that are not in contracted, in order.
func FreeAxes(rank int, contracted []int) []int {
	free := make([]int, 0, rank)
	for axis := range rank {
		if !slices.Contains(contracted, axis) {
			free = append(free, axis)
		}
	}
	return free
}

// TensorDotShape returns the shape of the tensor contraction of lhs and rhs over the paired axes
// lhsAxes[i] <-> rhsAxes[i]. The output holds the free axes of lhs followed by the free axes of rhs.
func TensorDotShape(lhs, rhs Shape, lhsAxes, rhsAxes []int) (Shape, error) {
	if lhs.DType != rhs.DType {
		return Invalid(), errors.Wrapf(ErrIncompatible, "tensor contraction of mixed dtypes %s and %s", lhs, rhs)
	}
	if len(lhsAxes) != len(rhsAxes) {
		return Invalid(), errors.Wrapf(ErrIncompatible, "contraction axes %v and %v have different lengths", lhsAxes, rhsAxes)
	}
	for ii := range lhsAxes {
		lhsAxis, rhsAxis := lhsAxes[ii], rhsAxes[ii]
		if lhsAxis < 0 || lhsAxis >= lhs.Rank() || rhsAxis < 0 || rhsAxis >= rhs.Rank() {
			return Invalid(), errors.Wrapf(ErrIncompatible, "contraction axes %v/%v out of range for %s and %s",
				lhsAxes, rhsAxes, lhs, rhs)
		}
		if lhs.Dimensions[lhsAxis] != rhs.Dimensions[rhsAxis] {
			return Invalid(), errors.Wrapf(ErrIncompatible, "contracted axes %d of %s and %d of %s have different dimensions",
				lhsAxis, lhs, rhsAxis, rhs)
		}
	}
	if len(slices.Compact(slices.Sorted(slices.Values(lhsAxes)))) != len(lhsAxes) ||
		len(slices.Compact(slices.Sorted(slices.Values(rhsAxes)))) != len(rhsAxes) {
		return Invalid(), errors.Wrapf(ErrIncompatible, "repeated contraction axes %v/%v", lhsAxes, rhsAxes)
	}
	dims := make([]int, 0, lhs.Rank()+rhs.Rank()-2*len(lhsAxes))
	for _, axis := range FreeAxes(lhs.Rank(), lhsAxes) {
		dims = append(dims, lhs.Dimensions[axis])
	}
	for _, axis := range FreeAxes(rhs.Rank(), rhsAxes) {
		dims = append(dims, rhs.Dimensions[axis])
	}
	return Make(lhs.DType, dims...), nil
}
