// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backends

import (
	"testing"

	"github.com/gomlx/samediff/types/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct{ config string }

func (f *fakeBackend) Name() string                                      { return "fake" }
func (f *fakeBackend) Description() string                               { return "fake backend: " + f.config }
func (f *fakeBackend) Capabilities() Capabilities                        { return Capabilities{} }
func (f *fakeBackend) Exec(Op, []*tensors.Tensor, *tensors.Tensor) error { return nil }

func TestNewWithConfig(t *testing.T) {
	Register("fake", func(config string) Backend { return &fakeBackend{config: config} })
	assert.Contains(t, List(), "fake")

	b := NewWithConfig("fake:some config")
	assert.Equal(t, "fake backend: some config", b.Description())
	b = NewWithConfig("fake")
	assert.Equal(t, "fake", b.Name())

	require.Panics(t, func() { NewWithConfig("unknown:") })

	t.Setenv(SAMEDIFF_BACKEND, "fake:from env")
	b, err := NewOrErr()
	require.NoError(t, err)
	assert.Equal(t, "fake backend: from env", b.Description())

	t.Setenv(SAMEDIFF_BACKEND, "missing")
	_, err = NewOrErr()
	require.Error(t, err)
}

func TestOpType(t *testing.T) {
	assert.Equal(t, "MatMul", OpTypeMatMul.String())
	assert.Equal(t, "OpType(1000)", OpType(1000).String())
	for opType := OpTypeInvalid; opType < OpTypeLast; opType++ {
		assert.NotEmpty(t, opType.String(), "OpType %d has no name", int(opType))
		parsed, err := OpTypeString(opType.String())
		require.NoError(t, err)
		assert.Equal(t, opType, parsed)
	}
	_, err := OpTypeString("NoSuchOp")
	require.Error(t, err)
}

func TestOp(t *testing.T) {
	op := Op{Type: OpTypeReduceSum, Axes: []int{1}}
	assert.Equal(t, "ReduceSum(axes=[1])", op.String())
	assert.Equal(t, 0.0, op.Scalar())

	op = Op{Type: OpTypeTensorDot, AxisPairs: [2][]int{{0}, {1}}}
	clone := op.Clone()
	clone.AxisPairs[0][0] = 5
	assert.Equal(t, 0, op.AxisPairs[0][0])
	assert.Equal(t, "TensorDot(contract=[0]/[1])", op.String())

	assert.True(t, Capabilities{Operations: map[OpType]bool{OpTypeAdd: true}}.Supports(OpTypeAdd))
}
