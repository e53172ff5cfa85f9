// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package samediff_test

import (
	"testing"

	"github.com/gomlx/samediff/graph"
	"github.com/gomlx/samediff/samediff"
	"github.com/gomlx/samediff/types/shapes"
	"github.com/gomlx/samediff/types/tensors"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGradSigmoid(t *testing.T) {
	sd := samediff.New()
	x := sd.Var("x", tensors.FromValue([][]float64{{1, 2, 3, 4}}))
	y := sd.Sigmoid(x)
	g := sd.Grad(y, x)
	assert.Equal(t, "sigmoidderivative(x)", g.Name())
	assert.NoError(t, g.Shape().CheckDims(1, 4))

	// Cached: same variable, no new vertices.
	numVertices := sd.Graph().NumVertices()
	assert.Same(t, g, sd.Grad(y, x))
	assert.Equal(t, numVertices, sd.Graph().NumVertices())

	sd.SetOutputs(g)
	got := must.M1(sd.Eval(nil))[0]
	for ii, v := range []float64{1, 2, 3, 4} {
		s := sigmoid(v)
		assert.InDelta(t, s*(1-s), got.Flat()[ii], 1e-12)
	}
}

func TestGradErrors(t *testing.T) {
	sd := samediff.New()
	x := sd.Var("x", tensors.FromValue([]float64{1, 2}))
	w := sd.Var("w", tensors.FromValue([]float64{3, 4}))
	y := sd.Sigmoid(x)
	m := sd.Max(sd.Mul(x, w))
	numVertices, numEdges := sd.Graph().NumVertices(), sd.Graph().NumEdges()

	err := samediff.TryBuild(func() { sd.Grad(y, w) })
	require.ErrorIs(t, err, samediff.ErrNoGradientPath)
	assert.True(t, samediff.IsDifferentiationError(err))

	err = samediff.TryBuild(func() { sd.Grad(x, y) })
	require.ErrorIs(t, err, samediff.ErrNoGradientPath)

	err = samediff.TryBuild(func() { sd.Grad(m, w) })
	require.ErrorIs(t, err, samediff.ErrUnsupportedOpDerivative)
	assert.Equal(t, numVertices, sd.Graph().NumVertices())
	assert.Equal(t, numEdges, sd.Graph().NumEdges())

	// Ops without a rule outside of the path don't matter.
	require.NoError(t, samediff.TryBuild(func() { sd.Grad(y, x) }))
}

func TestGradRollback(t *testing.T) {
	sd := samediff.New()
	require.NoError(t, sd.Registry().Register(samediff.OpDef{
		Name:      "identity",
		Category:  graph.Custom,
		NumInputs: 1,
		InferShape: func(inputs []shapes.Shape, _ samediff.Params) (shapes.Shape, error) {
			return inputs[0], nil
		},
		Kernel: func(inputs []*tensors.Tensor, output *tensors.Tensor, _ samediff.Params) error {
			output.CopyFrom(inputs[0])
			return nil
		},
		Derivative: func(dc *samediff.DerivativeContext) []*samediff.Variable {
			dc.SameDiff.Exp(dc.Inputs[0])
			panic(errors.New("broken derivative"))
		},
	}))
	x := sd.Var("x", tensors.FromValue([]float64{1, 2}))
	y := sd.Custom("identity", samediff.Params{}, sd.Sigmoid(x))
	must.M1(sd.Exec())
	numVertices, numEdges := sd.Graph().NumVertices(), sd.Graph().NumEdges()

	err := samediff.TryBuild(func() { sd.Grad(y, x) })
	require.ErrorContains(t, err, "broken derivative")
	assert.Equal(t, numVertices, sd.Graph().NumVertices())
	assert.Equal(t, numEdges, sd.Graph().NumEdges())
	assert.Nil(t, sd.GetVariable("exp(sigmoid(x))"))
	assert.Len(t, sd.Variables(), numVertices)
	assert.Equal(t, samediff.Executed, sd.State())
	require.NoError(t, sd.Graph().Validate())

	// Vertex ids are not reused.
	z := sd.Exp(x)
	assert.Greater(t, int(z.Id()), numVertices+1)
	_, err = sd.Exec()
	require.NoError(t, err)
}

func TestGradSpecialCases(t *testing.T) {
	sd := samediff.New()
	x := sd.Var("x", tensors.FromValue([]float64{1, -2, 3}))

	// Gradient of x with respect to itself.
	ones := sd.Grad(x, x)
	assert.Equal(t, "onesLike(x)", ones.Name())

	// Several paths are accumulated: d/dx sum(x*x + x) = 2x + 1.
	y := sd.Sum(sd.Add(sd.Mul(x, x), x))
	g := sd.Grad(y, x)

	// Gradient stopped by an op whose output doesn't depend on the input values.
	z := sd.Sum(sd.OnesLike(x))
	zeros := sd.Grad(z, x)
	assert.Equal(t, "zerosLike(x)", zeros.Name())

	gradients := sd.Gradients(sd.Sum(sd.Mul(x, x)), x, x)
	assert.Same(t, gradients[0], gradients[1])

	sd.SetOutputs(ones, g, zeros, gradients[0])
	results := must.M1(sd.Eval(nil))
	assert.Equal(t, []float64{1, 1, 1}, results[0].Flat())
	assert.Equal(t, []float64{3, -3, 7}, results[1].Flat())
	assert.Equal(t, []float64{0, 0, 0}, results[2].Flat())
	assert.Equal(t, []float64{2, -4, 6}, results[3].Flat())
}

// checkGradient compares the gradients of build(x) with respect to x against central finite differences of
// the sum of build(x), both with an implicit upstream gradient and through a sum.
func checkGradient(t *testing.T, name string, value *tensors.Tensor, build func(sd *samediff.SameDiff, x *samediff.Variable) *samediff.Variable) {
	t.Run(name, func(t *testing.T) {
		sd := samediff.New()
		x := sd.Placeholder("x", value.Shape())
		fx := build(sd, x)
		loss := sd.Named("loss").Sum(fx)
		gradLoss := sd.Grad(loss, x)
		gradFx := sd.Grad(fx, x)
		require.True(t, gradLoss.Shape().Equal(x.Shape()), "gradient shape %s", gradLoss.Shape())
		sd.SetOutputs(loss, gradLoss, gradFx)

		results, err := sd.Eval(map[string]*tensors.Tensor{"x": value})
		require.NoError(t, err)
		const epsilon = 1e-6
		numeric := make([]float64, value.Size())
		for ii := range numeric {
			perturbed := value.Clone()
			perturbed.Flat()[ii] += epsilon
			plus := must.M1(sd.Eval(map[string]*tensors.Tensor{"x": perturbed}))[0].ToScalar()
			perturbed.Flat()[ii] -= 2 * epsilon
			minus := must.M1(sd.Eval(map[string]*tensors.Tensor{"x": perturbed}))[0].ToScalar()
			numeric[ii] = (plus - minus) / (2 * epsilon)
		}
		assert.InDeltaSlice(t, numeric, results[1].Flat(), 1e-5, "grad(loss, x)")
		assert.InDeltaSlice(t, numeric, results[2].Flat(), 1e-5, "grad(f(x), x)")
	})
}

func TestGradNumeric(t *testing.T) {
	positive := tensors.FromValue([][]float64{{0.5, 1.5, 2}, {3, 0.7, 1.1}})
	mixed := tensors.FromValue([][]float64{{-0.5, 1.5, 2}, {-3, 0.7, -1.1}})
	constant := func(sd *samediff.SameDiff, name string, value any) *samediff.Variable {
		return sd.Var(name, tensors.FromAnyValue(value))
	}
	type Case struct {
		name  string
		value *tensors.Tensor
		build func(sd *samediff.SameDiff, x *samediff.Variable) *samediff.Variable
	}
	cases := []Case{
		{"sigmoid", mixed, (*samediff.SameDiff).Sigmoid},
		{"tanh", mixed, (*samediff.SameDiff).Tanh},
		{"exp", mixed, (*samediff.SameDiff).Exp},
		{"log", positive, (*samediff.SameDiff).Log},
		{"neg", mixed, (*samediff.SameDiff).Neg},
		{"sqrt", positive, (*samediff.SameDiff).Sqrt},
		{"square", mixed, (*samediff.SameDiff).Square},
		{"abs", mixed, (*samediff.SameDiff).Abs},
		{"relu", mixed, (*samediff.SameDiff).Relu},
		{"addScalar", mixed, func(sd *samediff.SameDiff, x *samediff.Variable) *samediff.Variable {
			return sd.Square(sd.AddScalar(x, 2))
		}},
		{"subScalar", mixed, func(sd *samediff.SameDiff, x *samediff.Variable) *samediff.Variable {
			return sd.Square(sd.SubScalar(x, 2))
		}},
		{"rsubScalar", mixed, func(sd *samediff.SameDiff, x *samediff.Variable) *samediff.Variable {
			return sd.Square(sd.RSubScalar(x, 1))
		}},
		{"mulScalar", mixed, func(sd *samediff.SameDiff, x *samediff.Variable) *samediff.Variable {
			return sd.MulScalar(x, -3)
		}},
		{"divScalar", mixed, func(sd *samediff.SameDiff, x *samediff.Variable) *samediff.Variable {
			return sd.Exp(sd.DivScalar(x, 4))
		}},
		{"rdivScalar", positive, func(sd *samediff.SameDiff, x *samediff.Variable) *samediff.Variable {
			return sd.RDivScalar(x, 3)
		}},
		{"pow", positive, func(sd *samediff.SameDiff, x *samediff.Variable) *samediff.Variable {
			return sd.Pow(x, 2.5)
		}},
		{"add", mixed, func(sd *samediff.SameDiff, x *samediff.Variable) *samediff.Variable {
			return sd.Square(sd.Add(x, constant(sd, "b", []float64{1, 2, 3})))
		}},
		{"addBroadcastOperand", tensors.FromValue([]float64{1, -2, 3}), func(sd *samediff.SameDiff, x *samediff.Variable) *samediff.Variable {
			return sd.Square(sd.Add(constant(sd, "m", [][]float64{{1, 2, 3}, {4, 5, 6}}), x))
		}},
		{"sub", mixed, func(sd *samediff.SameDiff, x *samediff.Variable) *samediff.Variable {
			return sd.Square(sd.Sub(constant(sd, "b", [][]float64{{1}, {2}}), x))
		}},
		{"rsub", mixed, func(sd *samediff.SameDiff, x *samediff.Variable) *samediff.Variable {
			return sd.Square(sd.RSub(x, constant(sd, "b", 0.5)))
		}},
		{"mul", mixed, func(sd *samediff.SameDiff, x *samediff.Variable) *samediff.Variable {
			return sd.Mul(sd.Sigmoid(x), x)
		}},
		{"mulBroadcastOperand", tensors.FromValue([][]float64{{2}, {-1}}), func(sd *samediff.SameDiff, x *samediff.Variable) *samediff.Variable {
			return sd.Mul(constant(sd, "m", [][]float64{{1, 2, 3}, {4, 5, 6}}), sd.Square(x))
		}},
		{"div", positive, func(sd *samediff.SameDiff, x *samediff.Variable) *samediff.Variable {
			return sd.Div(sd.Sigmoid(x), x)
		}},
		{"rdiv", positive, func(sd *samediff.SameDiff, x *samediff.Variable) *samediff.Variable {
			return sd.RDiv(x, constant(sd, "b", []float64{1, -2, 3}))
		}},
		{"sum", mixed, func(sd *samediff.SameDiff, x *samediff.Variable) *samediff.Variable {
			return sd.Square(sd.Sum(x, 1))
		}},
		{"mean", mixed, func(sd *samediff.SameDiff, x *samediff.Variable) *samediff.Variable {
			return sd.Square(sd.Mean(x, 0))
		}},
		{"norm2", mixed, func(sd *samediff.SameDiff, x *samediff.Variable) *samediff.Variable {
			return sd.Norm2(x, 1)
		}},
		{"broadcast", tensors.FromValue([]float64{1, -2, 3}), func(sd *samediff.SameDiff, x *samediff.Variable) *samediff.Variable {
			return sd.Sigmoid(sd.BroadcastTo(x, 2, 3))
		}},
		{"reshape", mixed, func(sd *samediff.SameDiff, x *samediff.Variable) *samediff.Variable {
			return sd.Sigmoid(sd.Reshape(x, 3, 2))
		}},
		{"transpose", mixed, func(sd *samediff.SameDiff, x *samediff.Variable) *samediff.Variable {
			return sd.MMul(sd.Transpose(x), constant(sd, "b", [][]float64{{1, 2, 3}, {-1, 0.5, 2}}))
		}},
		{"permute", tensors.Linspace(-1, 1, 2, 3, 2), func(sd *samediff.SameDiff, x *samediff.Variable) *samediff.Variable {
			return sd.Mul(sd.Permute(x, 2, 0, 1), constant(sd, "b", [][][]float64{{{1, 2, 3}, {4, 5, 6}}, {{-1, -2, -3}, {0, 1, 0}}}))
		}},
		{"mmulLhs", mixed, func(sd *samediff.SameDiff, x *samediff.Variable) *samediff.Variable {
			return sd.Sigmoid(sd.MMul(x, constant(sd, "w", [][]float64{{1}, {-2}, {0.5}})))
		}},
		{"mmulRhs", tensors.FromValue([][]float64{{1}, {-2}, {0.5}}), func(sd *samediff.SameDiff, x *samediff.Variable) *samediff.Variable {
			return sd.Sigmoid(sd.MMul(constant(sd, "a", [][]float64{{-0.5, 1.5, 2}, {-3, 0.7, -1.1}}), x))
		}},
		{"tensorMmulLhs", tensors.Linspace(-1, 1, 2, 3, 4), func(sd *samediff.SameDiff, x *samediff.Variable) *samediff.Variable {
			y := constant(sd, "y", [][]float64{{1, 2, 3}, {-1, 0.5, 2}, {0, 1, -1}, {2, 2, 1}})
			return sd.Tanh(sd.TensorMmul(x, y, []int{2, 1}, []int{0, 1}))
		}},
		{"tensorMmulRhs", tensors.Linspace(-1, 1, 4, 3), func(sd *samediff.SameDiff, x *samediff.Variable) *samediff.Variable {
			lhs := sd.Var("lhs", tensors.Linspace(-2, 2, 2, 3, 4))
			return sd.Tanh(sd.TensorMmul(lhs, x, []int{-1, 1}, []int{0, 1}))
		}},
		{"cosineSimilarity", mixed, func(sd *samediff.SameDiff, x *samediff.Variable) *samediff.Variable {
			return sd.CosineSimilarity(x, constant(sd, "b", [][]float64{{1, 2, 3}, {-1, 0.5, 2}}), 1)
		}},
		{"cosineSimilaritySelf", mixed, func(sd *samediff.SameDiff, x *samediff.Variable) *samediff.Variable {
			return sd.CosineSimilarity(x, sd.Exp(x), 0)
		}},
		{"sharedSubexpression", mixed, func(sd *samediff.SameDiff, x *samediff.Variable) *samediff.Variable {
			s := sd.Sigmoid(x)
			return sd.Mul(sd.Log(s), sd.RSubScalar(s, 1))
		}},
	}
	for _, c := range cases {
		checkGradient(t, c.name, c.value, c.build)
	}
}
