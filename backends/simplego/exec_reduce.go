// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simplego

import (
	"math"

	"github.com/gomlx/samediff/backends"
	"github.com/gomlx/samediff/types/shapes"
	"github.com/gomlx/samediff/types/tensors"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

func init() {
	setNodeExecutor(backends.OpTypeReduceSum, 1, execReduce(0, func(acc, x float64) float64 { return acc + x }, nil, floats.Sum))
	setNodeExecutor(backends.OpTypeReduceMean, 1, execReduce(0,
		func(acc, x float64) float64 { return acc + x },
		func(acc float64, count int) float64 { return acc / float64(count) },
		func(flat []float64) float64 { return floats.Sum(flat) / float64(len(flat)) }))
	setNodeExecutor(backends.OpTypeReduceMax, 1, execReduce(math.Inf(-1), math.Max, nil, floats.Max))
	setNodeExecutor(backends.OpTypeReduceMin, 1, execReduce(math.Inf(1), math.Min, nil, floats.Min))
	setNodeExecutor(backends.OpTypeReduceNorm2, 1, execReduce(0,
		func(acc, x float64) float64 { return acc + x*x },
		func(acc float64, _ int) float64 { return math.Sqrt(acc) },
		func(flat []float64) float64 { return floats.Norm(flat, 2) }))
	setNodeExecutor(backends.OpTypeCosineSimilarity, 2, execCosineSimilarity)
}

// checkReduceOutput returns an error if the output doesn't have the keep-dims shape of the reduction.
func checkReduceOutput(op backends.Op, input, output shapes.Shape) error {
	want, err := shapes.ReduceShape(input, op.Axes)
	if err != nil {
		return err
	}
	if !want.Equal(output) {
		return errors.Errorf("%s of %s over axes %v: expected output shape %s, got %s",
			op.Type, input, op.Axes, want, output)
	}
	return nil
}

// execReduce returns an executor for a reduction defined by the initial accumulator value, the accumulation
// function and an optional finalize function applied to each accumulated value with the number of reduced
// elements. full is used when every axis is reduced.
func execReduce(initial float64, accumulate func(acc, x float64) float64,
	finalize func(acc float64, count int) float64, full func(flat []float64) float64) nodeExecutor {
	return func(op backends.Op, inputs []*tensors.Tensor, output *tensors.Tensor) error {
		input := inputs[0]
		if err := checkReduceOutput(op, input.Shape(), output.Shape()); err != nil {
			return err
		}
		out := output.Flat()
		if len(out) == 1 {
			out[0] = full(input.Flat())
			return nil
		}
		for ii := range out {
			out[ii] = initial
		}
		outputShape := output.Shape()
		inputFlat := input.Flat()
		for flat, indices := range input.Shape().Iter() {
			outIdx := outputShape.FlatIndex(indices)
			out[outIdx] = accumulate(out[outIdx], inputFlat[flat])
		}
		if finalize != nil {
			count := input.Size() / output.Size()
			for ii, acc := range out {
				out[ii] = finalize(acc, count)
			}
		}
		return nil
	}
}

// execCosineSimilarity computes dot(x, y) / (|x| * |y|) over Op.Axes.
func execCosineSimilarity(op backends.Op, inputs []*tensors.Tensor, output *tensors.Tensor) error {
	x, y := inputs[0], inputs[1]
	if !x.Shape().Equal(y.Shape()) {
		return errors.Errorf("%s requires operands of the same shape, got %s and %s", op.Type, x.Shape(), y.Shape())
	}
	if err := checkReduceOutput(op, x.Shape(), output.Shape()); err != nil {
		return err
	}
	out := output.Flat()
	xFlat, yFlat := x.Flat(), y.Flat()
	if len(out) == 1 {
		out[0] = floats.Dot(xFlat, yFlat) / (floats.Norm(xFlat, 2) * floats.Norm(yFlat, 2))
		return nil
	}
	dot := make([]float64, len(out))
	xNorm2 := make([]float64, len(out))
	yNorm2 := make([]float64, len(out))
	outputShape := output.Shape()
	for flat, indices := range x.Shape().Iter() {
		outIdx := outputShape.FlatIndex(indices)
		dot[outIdx] += xFlat[flat] * yFlat[flat]
		xNorm2[outIdx] += xFlat[flat] * xFlat[flat]
		yNorm2[outIdx] += yFlat[flat] * yFlat[flat]
	}
	for ii := range out {
		out[ii] = dot[ii] / math.Sqrt(xNorm2[ii]*yNorm2[ii])
	}
	return nil
}
