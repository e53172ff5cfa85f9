// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simplego

import (
	"math"

	"github.com/gomlx/samediff/backends"
	"github.com/gomlx/samediff/types/tensors"
	"github.com/pkg/errors"
)

func init() {
	for opType, fn := range map[backends.OpType]func(x float64) float64{
		backends.OpTypeIdentity: func(x float64) float64 { return x },
		backends.OpTypeSigmoid:  sigmoid,
		backends.OpTypeTanh:     math.Tanh,
		backends.OpTypeExp:      math.Exp,
		backends.OpTypeLog:      math.Log,
		backends.OpTypeNeg:      func(x float64) float64 { return -x },
		backends.OpTypeSqrt:     math.Sqrt,
		backends.OpTypeSquare:   func(x float64) float64 { return x * x },
		backends.OpTypeAbs:      math.Abs,
		backends.OpTypeRelu:     func(x float64) float64 { return max(x, 0) },
		backends.OpTypeSign:     sign,
		backends.OpTypeSigmoidDerivative: func(x float64) float64 {
			s := sigmoid(x)
			return s * (1 - s)
		},
		backends.OpTypeTanhDerivative: func(x float64) float64 {
			t := math.Tanh(x)
			return 1 - t*t
		},
		backends.OpTypeReluDerivative: func(x float64) float64 {
			if x > 0 {
				return 1
			}
			return 0
		},
		backends.OpTypeOnesLike:  func(float64) float64 { return 1 },
		backends.OpTypeZerosLike: func(float64) float64 { return 0 },
	} {
		setNodeExecutor(opType, 1, unaryExecutor(fn))
	}

	for opType, fn := range map[backends.OpType]func(x, s float64) float64{
		backends.OpTypeAddScalar:  func(x, s float64) float64 { return x + s },
		backends.OpTypeSubScalar:  func(x, s float64) float64 { return x - s },
		backends.OpTypeRSubScalar: func(x, s float64) float64 { return s - x },
		backends.OpTypeMulScalar:  func(x, s float64) float64 { return x * s },
		backends.OpTypeDivScalar:  func(x, s float64) float64 { return x / s },
		backends.OpTypeRDivScalar: func(x, s float64) float64 { return s / x },
		backends.OpTypePow:        math.Pow,
	} {
		setNodeExecutor(opType, 1, scalarExecutor(fn))
	}
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

func sign(x float64) float64 {
	switch {
	case x > 0:
		return 1
	case x < 0:
		return -1
	}
	return x // Keeps 0, -0 and NaN.
}

// unaryOperandAndOutput is a convenience function to get the input and output of an element-wise op.
func unaryOperandAndOutput(op backends.Op, inputs []*tensors.Tensor, output *tensors.Tensor) (input []float64, out []float64, err error) {
	if !inputs[0].Shape().Equal(output.Shape()) {
		return nil, nil, errors.Errorf("%s: input shape %s differs from output shape %s", op.Type, inputs[0].Shape(), output.Shape())
	}
	return inputs[0].Flat(), output.Flat(), nil
}

func unaryExecutor(fn func(x float64) float64) nodeExecutor {
	return func(op backends.Op, inputs []*tensors.Tensor, output *tensors.Tensor) error {
		input, out, err := unaryOperandAndOutput(op, inputs, output)
		if err != nil {
			return err
		}
		for ii, x := range input {
			out[ii] = fn(x)
		}
		return nil
	}
}

func scalarExecutor(fn func(x, s float64) float64) nodeExecutor {
	return func(op backends.Op, inputs []*tensors.Tensor, output *tensors.Tensor) error {
		if len(op.Scalars) != 1 {
			return errors.Errorf("%s requires exactly one scalar parameter, got %v", op.Type, op.Scalars)
		}
		input, out, err := unaryOperandAndOutput(op, inputs, output)
		if err != nil {
			return err
		}
		s := op.Scalars[0]
		for ii, x := range input {
			out[ii] = fn(x, s)
		}
		return nil
	}
}
