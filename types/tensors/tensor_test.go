// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"bytes"
	"encoding/gob"
	"math"
	"path/filepath"
	"testing"

	"github.com/gomlx/samediff/types/shapes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromValue(t *testing.T) {
	tensor := FromValue([][]float64{{1, 2, 3}, {4, 5, 6}})
	assert.Equal(t, []int{2, 3}, tensor.Shape().Dimensions)
	assert.Equal(t, []float64{1, 2, 3, 4, 5, 6}, tensor.Flat())
	assert.Equal(t, [][]float64{{1, 2, 3}, {4, 5, 6}}, tensor.Value())

	scalar := FromValue(3.0)
	assert.True(t, scalar.IsScalar())
	assert.Equal(t, 3.0, scalar.Value())
	assert.Equal(t, 3.0, scalar.ToScalar())

	vector := FromValue([]float64{1, 2})
	assert.Equal(t, []float64{1, 2}, vector.Value())

	require.Panics(t, func() { FromAnyValue([][]float64{{1, 2}, {3}}) })
	require.Panics(t, func() { FromAnyValue([]int{1, 2}) })
	_, err := TryFromAnyValue([]float32{1})
	require.Error(t, err)
	same, err := TryFromAnyValue(tensor)
	require.NoError(t, err)
	assert.Same(t, tensor, same)
}

func TestConstructors(t *testing.T) {
	zeros := FromShape(shapes.MakeF64(2, 2))
	assert.Equal(t, []float64{0, 0, 0, 0}, zeros.Flat())

	sevens := FromScalarAndDimensions(7, 3)
	assert.Equal(t, []float64{7, 7, 7}, sevens.Flat())

	data := []float64{1, 2, 3, 4}
	flat := FromFlatDataAndDimensions(data, 4, 1)
	data[0] = 100
	assert.Equal(t, 1.0, flat.Flat()[0], "data must be copied")
	require.Panics(t, func() { FromFlatDataAndDimensions(data, 3) })

	lin := Linspace(1, 4, 1, 4)
	assert.Equal(t, []float64{1, 2, 3, 4}, lin.Flat())
	assert.Equal(t, []int{1, 4}, lin.Shape().Dimensions)

	reshaped := lin.Reshape(4, 1)
	assert.Equal(t, []int{4, 1}, reshaped.Shape().Dimensions)
	require.Panics(t, func() { lin.Reshape(3) })
}

func TestEqualAndClone(t *testing.T) {
	a := FromValue([]float64{1, 2, math.NaN()})
	b := a.Clone()
	assert.True(t, a.Equal(b))
	b.Flat()[0] = 1.0001
	assert.False(t, a.Equal(b))
	assert.True(t, a.InDelta(b, 1e-3))
	assert.False(t, a.Equal(FromValue([][]float64{{1, 2, math.NaN()}})))

	c := FromShape(a.Shape())
	c.CopyFrom(a)
	assert.True(t, a.Equal(c))
	require.Panics(t, func() { c.CopyFrom(FromScalar(1)) })
}

func TestString(t *testing.T) {
	assert.Equal(t, "(Float64)[2 2]: [[1, 2], [3, 4]]", FromValue([][]float64{{1, 2}, {3, 4}}).String())
	assert.Equal(t, "(Float64): 0.5", FromScalar(0.5).String())
}

func TestSerialize(t *testing.T) {
	tensor := FromValue([][]float64{{0.52, 1.12, 0.77}, {0.88, -1.08, 0.15}})
	var buf bytes.Buffer
	require.NoError(t, tensor.GobSerialize(gob.NewEncoder(&buf)))
	got, err := GobDeserialize(gob.NewDecoder(&buf))
	require.NoError(t, err)
	assert.True(t, tensor.Equal(got))

	path := filepath.Join(t.TempDir(), "tensor.bin")
	require.NoError(t, FromScalar(2).Save(path))
	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2.0, loaded.ToScalar())

	_, err = Load(filepath.Join(t.TempDir(), "missing.bin"))
	require.Error(t, err)
}
