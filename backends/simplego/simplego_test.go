// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simplego

import (
	"math"
	"testing"

	"github.com/gomlx/samediff/backends"
	"github.com/gomlx/samediff/types/shapes"
	"github.com/gomlx/samediff/types/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var backend = New("")

// exec runs op and returns the output allocated with the given dimensions.
func exec(t *testing.T, op backends.Op, outputDims []int, inputs ...*tensors.Tensor) *tensors.Tensor {
	output := tensors.FromShape(shapes.MakeF64(outputDims...))
	require.NoError(t, backend.Exec(op, inputs, output))
	return output
}

func TestCapabilities(t *testing.T) {
	for opType := backends.OpTypeIdentity; opType < backends.OpTypeLast; opType++ {
		assert.True(t, backend.Capabilities().Supports(opType), "op %s not supported", opType)
	}
	assert.False(t, backend.Capabilities().Supports(backends.OpTypeInvalid))
	assert.Equal(t, BackendName, backend.Name())
}

func TestUnary(t *testing.T) {
	x := tensors.FromValue([]float64{-1, 0, 2})
	got := exec(t, backends.Op{Type: backends.OpTypeSigmoid}, []int{3}, x)
	assert.InDeltaSlice(t, []float64{0.2689414, 0.5, 0.8807971}, got.Flat(), 1e-6)

	got = exec(t, backends.Op{Type: backends.OpTypeSigmoidDerivative}, []int{3}, x)
	assert.InDeltaSlice(t, []float64{0.1966119, 0.25, 0.1049936}, got.Flat(), 1e-6)

	got = exec(t, backends.Op{Type: backends.OpTypeNeg}, []int{3}, x)
	assert.Equal(t, []float64{1, 0, -2}, got.Flat())

	got = exec(t, backends.Op{Type: backends.OpTypeRelu}, []int{3}, x)
	assert.Equal(t, []float64{0, 0, 2}, got.Flat())

	got = exec(t, backends.Op{Type: backends.OpTypeSign}, []int{3}, x)
	assert.Equal(t, []float64{-1, 0, 1}, got.Flat())

	got = exec(t, backends.Op{Type: backends.OpTypeOnesLike}, []int{3}, x)
	assert.Equal(t, []float64{1, 1, 1}, got.Flat())

	got = exec(t, backends.Op{Type: backends.OpTypeLog}, []int{3}, tensors.FromValue([]float64{1, math.E, 0}))
	assert.Equal(t, 0.0, got.Flat()[0])
	assert.InDelta(t, 1.0, got.Flat()[1], 1e-12)
	assert.True(t, math.IsInf(got.Flat()[2], -1))

	err := backend.Exec(backends.Op{Type: backends.OpTypeExp}, []*tensors.Tensor{x}, tensors.FromShape(shapes.MakeF64(2)))
	require.Error(t, err)
}

func TestScalarOps(t *testing.T) {
	x := tensors.FromValue([]float64{1, 2, 4})
	got := exec(t, backends.Op{Type: backends.OpTypeRSubScalar, Scalars: []float64{1}}, []int{3}, x)
	assert.Equal(t, []float64{0, -1, -3}, got.Flat())

	got = exec(t, backends.Op{Type: backends.OpTypeRDivScalar, Scalars: []float64{8}}, []int{3}, x)
	assert.Equal(t, []float64{8, 4, 2}, got.Flat())

	got = exec(t, backends.Op{Type: backends.OpTypePow, Scalars: []float64{2}}, []int{3}, x)
	assert.Equal(t, []float64{1, 4, 16}, got.Flat())

	err := backend.Exec(backends.Op{Type: backends.OpTypeAddScalar}, []*tensors.Tensor{x}, tensors.FromShape(x.Shape()))
	require.Error(t, err, "missing scalar parameter")
}

func TestBinary(t *testing.T) {
	a := tensors.FromValue([][]float64{{1, 2, 3}, {4, 5, 6}})
	b := tensors.FromValue([][]float64{{10, 20, 30}, {40, 50, 60}})
	got := exec(t, backends.Op{Type: backends.OpTypeAdd}, []int{2, 3}, a, b)
	assert.Equal(t, []float64{11, 22, 33, 44, 55, 66}, got.Flat())

	got = exec(t, backends.Op{Type: backends.OpTypeRSub}, []int{2, 3}, a, b)
	assert.Equal(t, []float64{9, 18, 27, 36, 45, 54}, got.Flat())

	// Scalar operand.
	got = exec(t, backends.Op{Type: backends.OpTypeMul}, []int{2, 3}, tensors.FromScalar(2), a)
	assert.Equal(t, []float64{2, 4, 6, 8, 10, 12}, got.Flat())

	// Row and column broadcast.
	row := tensors.FromValue([]float64{1, 2, 3})
	col := tensors.FromValue([][]float64{{10}, {20}})
	got = exec(t, backends.Op{Type: backends.OpTypeAdd}, []int{2, 3}, col, row)
	assert.Equal(t, []float64{11, 12, 13, 21, 22, 23}, got.Flat())

	got = exec(t, backends.Op{Type: backends.OpTypeDiv}, []int{2, 3}, a, row)
	assert.Equal(t, []float64{1, 1, 1, 4, 2.5, 2}, got.Flat())

	err := backend.Exec(backends.Op{Type: backends.OpTypeAdd}, []*tensors.Tensor{a, tensors.FromValue([]float64{1, 2})},
		tensors.FromShape(a.Shape()))
	require.Error(t, err)
	err = backend.Exec(backends.Op{Type: backends.OpTypeAdd}, []*tensors.Tensor{a}, tensors.FromShape(a.Shape()))
	require.Error(t, err, "wrong number of inputs")
}

func TestReduce(t *testing.T) {
	x := tensors.FromValue([][]float64{{1, 2, 3, 4}})
	got := exec(t, backends.Op{Type: backends.OpTypeReduceSum, Axes: []int{1}}, []int{1, 1}, x)
	assert.Equal(t, []float64{10}, got.Flat())

	m := tensors.FromValue([][]float64{{1, 2, 3}, {4, 5, 6}})
	got = exec(t, backends.Op{Type: backends.OpTypeReduceSum, Axes: []int{0}}, []int{1, 3}, m)
	assert.Equal(t, []float64{5, 7, 9}, got.Flat())

	got = exec(t, backends.Op{Type: backends.OpTypeReduceMean, Axes: []int{1}}, []int{2, 1}, m)
	assert.Equal(t, []float64{2, 5}, got.Flat())

	got = exec(t, backends.Op{Type: backends.OpTypeReduceMax, Axes: []int{-1}}, []int{2, 1}, m)
	assert.Equal(t, []float64{3, 6}, got.Flat())

	got = exec(t, backends.Op{Type: backends.OpTypeReduceMin, Axes: []int{shapes.AllAxes}}, []int{1, 1}, m)
	assert.Equal(t, []float64{1}, got.Flat())

	got = exec(t, backends.Op{Type: backends.OpTypeReduceNorm2}, []int{1, 1}, tensors.FromValue([][]float64{{3, 4}}))
	assert.Equal(t, []float64{5}, got.Flat())

	got = exec(t, backends.Op{Type: backends.OpTypeReduceNorm2, Axes: []int{0}}, []int{1, 2},
		tensors.FromValue([][]float64{{3, 6}, {4, 8}}))
	assert.Equal(t, []float64{5, 10}, got.Flat())

	err := backend.Exec(backends.Op{Type: backends.OpTypeReduceSum, Axes: []int{1}}, []*tensors.Tensor{m},
		tensors.FromShape(shapes.MakeF64(2)))
	require.Error(t, err, "reduced axes must be kept")
}

func TestCosineSimilarity(t *testing.T) {
	x := tensors.FromValue([][]float64{{1, 0}, {1, 1}})
	y := tensors.FromValue([][]float64{{0, 1}, {2, 2}})
	got := exec(t, backends.Op{Type: backends.OpTypeCosineSimilarity, Axes: []int{1}}, []int{2, 1}, x, y)
	assert.InDeltaSlice(t, []float64{0, 1}, got.Flat(), 1e-12)

	got = exec(t, backends.Op{Type: backends.OpTypeCosineSimilarity}, []int{1, 1}, x, x)
	assert.InDelta(t, 1.0, got.Flat()[0], 1e-12)
}

func TestShapeOps(t *testing.T) {
	row := tensors.FromValue([][]float64{{1, 2, 3}})
	got := exec(t, backends.Op{Type: backends.OpTypeBroadcast}, []int{2, 3}, row)
	assert.Equal(t, []float64{1, 2, 3, 1, 2, 3}, got.Flat())

	got = exec(t, backends.Op{Type: backends.OpTypeBroadcast}, []int{2, 2}, tensors.FromScalar(7))
	assert.Equal(t, []float64{7, 7, 7, 7}, got.Flat())

	got = exec(t, backends.Op{Type: backends.OpTypeReshape}, []int{3, 1}, row)
	assert.Equal(t, []float64{1, 2, 3}, got.Flat())

	m := tensors.FromValue([][]float64{{1, 2, 3}, {4, 5, 6}})
	got = exec(t, backends.Op{Type: backends.OpTypeTranspose}, []int{3, 2}, m)
	assert.Equal(t, []float64{1, 4, 2, 5, 3, 6}, got.Flat())

	cube := tensors.Linspace(0, 23, 2, 3, 4)
	got = exec(t, backends.Op{Type: backends.OpTypePermute, Axes: []int{2, 0, 1}}, []int{4, 2, 3}, cube)
	// got[k][i][j] == cube[i][j][k]
	assert.Equal(t, 1.0, got.Flat()[1*6+0*3+0])
	assert.Equal(t, 23.0, got.Flat()[3*6+1*3+2])

	err := backend.Exec(backends.Op{Type: backends.OpTypeBroadcast}, []*tensors.Tensor{m},
		tensors.FromShape(shapes.MakeF64(3, 3)))
	require.Error(t, err)
}

func TestLinearAlgebra(t *testing.T) {
	a := tensors.FromValue([][]float64{{1, 2}, {3, 4}, {5, 6}})
	b := tensors.FromValue([][]float64{{1}, {1}})
	got := exec(t, backends.Op{Type: backends.OpTypeMatMul}, []int{3, 1}, a, b)
	assert.Equal(t, []float64{3, 7, 11}, got.Flat())

	err := backend.Exec(backends.Op{Type: backends.OpTypeMatMul}, []*tensors.Tensor{b, a},
		tensors.FromShape(shapes.MakeF64(2, 2)))
	require.Error(t, err)

	// TensorDot contracting axis 1 of a with axis 0 of a 2x2 identity is a plain matmul.
	identity := tensors.FromValue([][]float64{{1, 0}, {0, 1}})
	got = exec(t, backends.Op{Type: backends.OpTypeTensorDot, AxisPairs: [2][]int{{1}, {0}}}, []int{3, 2}, a, identity)
	assert.Equal(t, a.Flat(), got.Flat())

	// Contracting axis 0 of x with axis 1 of y, both 2x2x2.
	x := tensors.Linspace(1, 8, 2, 2, 2)
	y := tensors.Linspace(1, 8, 2, 2, 2)
	got = exec(t, backends.Op{Type: backends.OpTypeTensorDot, AxisPairs: [2][]int{{0}, {1}}}, []int{2, 2, 2, 2}, x, y)
	want := make([]float64, 16)
	xf, yf := x.Flat(), y.Flat()
	for i := range 2 { // x free axis 1
		for j := range 2 { // x free axis 2
			for k := range 2 { // y free axis 0
				for l := range 2 { // y free axis 2
					var sum float64
					for c := range 2 {
						sum += xf[c*4+i*2+j] * yf[k*4+c*2+l]
					}
					want[i*8+j*4+k*2+l] = sum
				}
			}
		}
	}
	assert.Equal(t, want, got.Flat())
}

func TestUnknownOp(t *testing.T) {
	err := backend.Exec(backends.Op{Type: backends.OpTypeInvalid}, nil, tensors.FromScalar(0))
	require.Error(t, err)
	err = backend.Exec(backends.Op{Type: backends.OpType(9999)}, nil, tensors.FromScalar(0))
	require.Error(t, err)
}
