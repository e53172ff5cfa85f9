// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simplego

import (
	"github.com/gomlx/samediff/backends"
	"github.com/gomlx/samediff/types/shapes"
	"github.com/gomlx/samediff/types/tensors"
	"github.com/pkg/errors"
)

func init() {
	setNodeExecutor(backends.OpTypeBroadcast, 1, execBroadcast)
	setNodeExecutor(backends.OpTypeReshape, 1, execReshape)
	setNodeExecutor(backends.OpTypeTranspose, 1, execTranspose)
	setNodeExecutor(backends.OpTypePermute, 1, execPermute)
}

// execBroadcast expands the operand to the output shape, following numpy broadcasting rules.
func execBroadcast(op backends.Op, inputs []*tensors.Tensor, output *tensors.Tensor) error {
	input := inputs[0]
	if !shapes.CanBroadcastTo(input.Shape(), output.Shape()) {
		return errors.Errorf("%s: cannot broadcast %s to %s", op.Type, input.Shape(), output.Shape())
	}
	inputShape, inputFlat, out := input.Shape(), input.Flat(), output.Flat()
	if len(inputFlat) == 1 {
		output.Fill(inputFlat[0])
		return nil
	}
	for flat, indices := range output.Shape().Iter() {
		out[flat] = inputFlat[inputShape.FlatIndex(indices)]
	}
	return nil
}

// execReshape copies the values over: the flat layout is the same for any dimensions.
func execReshape(op backends.Op, inputs []*tensors.Tensor, output *tensors.Tensor) error {
	if inputs[0].Size() != output.Size() {
		return errors.Errorf("%s: cannot reshape %s to %s", op.Type, inputs[0].Shape(), output.Shape())
	}
	copy(output.Flat(), inputs[0].Flat())
	return nil
}

// execTranspose reverses the order of the axes.
func execTranspose(op backends.Op, inputs []*tensors.Tensor, output *tensors.Tensor) error {
	return transposeTo(op, inputs[0], shapes.ReverseAxes(inputs[0].Rank()), output)
}

// execPermute reorders the axes: output axis i is the operand axis Op.Axes[i].
func execPermute(op backends.Op, inputs []*tensors.Tensor, output *tensors.Tensor) error {
	return transposeTo(op, inputs[0], op.Axes, output)
}

func transposeTo(op backends.Op, input *tensors.Tensor, permutation []int, output *tensors.Tensor) error {
	want, err := shapes.PermuteShape(input.Shape(), permutation)
	if err != nil {
		return err
	}
	if !want.Equal(output.Shape()) {
		return errors.Errorf("%s of %s with permutation %v: expected output shape %s, got %s",
			op.Type, input.Shape(), permutation, want, output.Shape())
	}
	transposeFlat(input.Flat(), input.Shape(), permutation, output.Flat(), want)
	return nil
}

// transposeFlat writes into out (with shape outShape) the values of in (with shape inShape) permuted.
func transposeFlat(in []float64, inShape shapes.Shape, permutation []int, out []float64, outShape shapes.Shape) {
	inStrides := inShape.Strides()
	// Stride in the input for each output axis.
	strides := make([]int, len(permutation))
	for outAxis, inAxis := range permutation {
		strides[outAxis] = inStrides[inAxis]
	}
	for flat, indices := range outShape.Iter() {
		inIdx := 0
		for axis, idx := range indices {
			inIdx += idx * strides[axis]
		}
		out[flat] = in[inIdx]
	}
}
