// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simplego

import (
	"slices"

	"github.com/gomlx/samediff/backends"
	"github.com/gomlx/samediff/types/shapes"
	"github.com/gomlx/samediff/types/tensors"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

func init() {
	setNodeExecutor(backends.OpTypeMatMul, 2, execMatMul)
	setNodeExecutor(backends.OpTypeTensorDot, 2, execTensorDot)
}

// matMul multiplies the row-major lhs [m, k] by rhs [k, n] into out [m, n] using gonum.
func matMul(lhs []float64, m, k int, rhs []float64, n int, out []float64) {
	var result mat.Dense
	result.Mul(mat.NewDense(m, k, lhs), mat.NewDense(k, n, rhs))
	copy(out, result.RawMatrix().Data)
}

// execMatMul multiplies two rank-2 operands.
func execMatMul(op backends.Op, inputs []*tensors.Tensor, output *tensors.Tensor) error {
	lhs, rhs := inputs[0], inputs[1]
	want, err := shapes.MatMulShape(lhs.Shape(), rhs.Shape())
	if err != nil {
		return err
	}
	if !want.Equal(output.Shape()) {
		return errors.Errorf("%s: expected output shape %s, got %s", op.Type, want, output.Shape())
	}
	m, k, n := lhs.Shape().Dimensions[0], lhs.Shape().Dimensions[1], rhs.Shape().Dimensions[1]
	matMul(lhs.Flat(), m, k, rhs.Flat(), n, output.Flat())
	return nil
}

// execTensorDot contracts the axes Op.AxisPairs[0] of lhs with Op.AxisPairs[1] of rhs.
//
// Both operands are transposed to matrices, lhs to [free, contracted] and rhs to [contracted, free], and
// multiplied. The result layout, free axes of lhs followed by free axes of rhs, is then already the
// row-major layout of the output.
func execTensorDot(op backends.Op, inputs []*tensors.Tensor, output *tensors.Tensor) error {
	lhs, rhs := inputs[0], inputs[1]
	lhsAxes, rhsAxes := op.AxisPairs[0], op.AxisPairs[1]
	want, err := shapes.TensorDotShape(lhs.Shape(), rhs.Shape(), lhsAxes, rhsAxes)
	if err != nil {
		return err
	}
	if !want.Equal(output.Shape()) {
		return errors.Errorf("%s: expected output shape %s, got %s", op.Type, want, output.Shape())
	}

	lhsFree := shapes.FreeAxes(lhs.Rank(), lhsAxes)
	rhsFree := shapes.FreeAxes(rhs.Rank(), rhsAxes)
	contractedSize := 1
	for _, axis := range lhsAxes {
		contractedSize *= lhs.Shape().Dimensions[axis]
	}
	m := lhs.Size() / contractedSize
	n := rhs.Size() / contractedSize

	lhsMatrix := permuted(lhs, slices.Concat(lhsFree, lhsAxes))
	rhsMatrix := permuted(rhs, slices.Concat(rhsAxes, rhsFree))
	matMul(lhsMatrix, m, contractedSize, rhsMatrix, n, output.Flat())
	return nil
}

// permuted returns the flat values of t with its axes permuted.
func permuted(t *tensors.Tensor, permutation []int) []float64 {
	if slices.IsSorted(permutation) {
		return t.Flat()
	}
	outShape, err := shapes.PermuteShape(t.Shape(), permutation)
	if err != nil {
		panic(err) // Permutations built here are always valid.
	}
	out := make([]float64, t.Size())
	transposeFlat(t.Flat(), t.Shape(), permutation, out, outShape)
	return out
}
