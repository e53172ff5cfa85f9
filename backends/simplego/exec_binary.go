// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simplego

import (
	"github.com/gomlx/samediff/backends"
	"github.com/gomlx/samediff/types/shapes"
	"github.com/gomlx/samediff/types/tensors"
	"github.com/pkg/errors"
)

// This file implements binary operations with implicit numpy broadcasting.
// The common case of operands with the same shape, or one of them of size 1, skips the index arithmetic.

func init() {
	for opType, fn := range map[backends.OpType]func(lhs, rhs float64) float64{
		backends.OpTypeAdd:  func(lhs, rhs float64) float64 { return lhs + rhs },
		backends.OpTypeSub:  func(lhs, rhs float64) float64 { return lhs - rhs },
		backends.OpTypeRSub: func(lhs, rhs float64) float64 { return rhs - lhs },
		backends.OpTypeMul:  func(lhs, rhs float64) float64 { return lhs * rhs },
		backends.OpTypeDiv:  func(lhs, rhs float64) float64 { return lhs / rhs },
		backends.OpTypeRDiv: func(lhs, rhs float64) float64 { return rhs / lhs },
	} {
		setNodeExecutor(opType, 2, binaryExecutor(fn))
	}
}

func binaryExecutor(fn func(lhs, rhs float64) float64) nodeExecutor {
	return func(op backends.Op, inputs []*tensors.Tensor, output *tensors.Tensor) error {
		lhs, rhs := inputs[0], inputs[1]
		outputShape := output.Shape()
		broadcastShape, err := shapes.BroadcastShapes(lhs.Shape(), rhs.Shape())
		if err != nil {
			return err
		}
		if !broadcastShape.Equal(outputShape) {
			return errors.Errorf("%s: operands %s and %s broadcast to %s, but output has shape %s",
				op.Type, lhs.Shape(), rhs.Shape(), broadcastShape, outputShape)
		}
		lhsFlat, rhsFlat, out := lhs.Flat(), rhs.Flat(), output.Flat()
		lhsIsScalarOr1, rhsIsScalarOr1 := len(lhsFlat) == 1, len(rhsFlat) == 1
		switch {
		case lhs.Shape().Equal(outputShape) && rhs.Shape().Equal(outputShape):
			for ii := range out {
				out[ii] = fn(lhsFlat[ii], rhsFlat[ii])
			}
		case lhsIsScalarOr1 && rhs.Shape().Equal(outputShape):
			c := lhsFlat[0]
			for ii := range out {
				out[ii] = fn(c, rhsFlat[ii])
			}
		case rhsIsScalarOr1 && lhs.Shape().Equal(outputShape):
			c := rhsFlat[0]
			for ii := range out {
				out[ii] = fn(lhsFlat[ii], c)
			}
		default:
			lhsShape, rhsShape := lhs.Shape(), rhs.Shape()
			for flat, indices := range outputShape.Iter() {
				out[flat] = fn(lhsFlat[lhsShape.FlatIndex(indices)], rhsFlat[rhsShape.FlatIndex(indices)])
			}
		}
		return nil
	}
}
