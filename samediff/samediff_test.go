// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package samediff_test

import (
	"math"
	"strings"
	"testing"

	"github.com/gomlx/samediff/backends"
	"github.com/gomlx/samediff/graph"
	"github.com/gomlx/samediff/samediff"
	"github.com/gomlx/samediff/types/shapes"
	"github.com/gomlx/samediff/types/tensors"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sigmoid(x float64) float64 { return 1 / (1 + math.Exp(-x)) }

func TestSigmoidScenario(t *testing.T) {
	sd := samediff.New()
	x := sd.Var("x", tensors.FromValue([][]float64{{1, 2, 3, 4}}))
	y := sd.Sigmoid(x)
	assert.Equal(t, 2, sd.Graph().NumVertices())
	assert.Len(t, sd.Graph().Edges(), 1)
	assert.Equal(t, "sigmoid(x)", y.Name())
	assert.NoError(t, y.Shape().CheckDims(1, 4))

	got := must.M1(sd.ExecAndEndResult())
	want := make([]float64, 4)
	for ii := range want {
		want[ii] = sigmoid(float64(ii + 1))
	}
	assert.Equal(t, want, got.Flat())
	assert.Equal(t, 8, sd.NumElements())
}

func TestSumScenario(t *testing.T) {
	sd := samediff.New()
	x := sd.Var("x", tensors.FromValue([][]float64{{1, 2, 3, 4}}))
	y := sd.Sum(x, 1)
	assert.Equal(t, "sum(x)", y.Name())
	assert.Equal(t, 2, sd.Graph().NumVertices())
	assert.Len(t, sd.Graph().Edges(), 1)
	assert.NoError(t, y.Shape().CheckDims(1, 1))
	assert.Equal(t, []float64{10}, must.M1(sd.ExecAndEndResult()).Flat())

	all := sd.Named("total").Sum(x, shapes.AllAxes)
	assert.Equal(t, "total", all.Name())
	assert.Equal(t, []int{0, 1}, all.Producer().Axes)
}

func TestMMulScenario(t *testing.T) {
	sd := samediff.New()
	value := tensors.Linspace(1, 4, 4)
	for ii, v := range value.Flat() {
		value.Flat()[ii] = sigmoid(v)
	}
	value = value.Reshape(2, 2)
	x := sd.Var("x", value)
	y := sd.Var("y", value)
	z := sd.MMul(x, y)
	assert.Equal(t, "mmul(x,y)", z.Name())
	assert.NoError(t, z.Shape().CheckDims(2, 2))
	assert.Equal(t, []graph.VertexId{x.Id(), y.Id()}, sd.Graph().Inputs())
	assert.Equal(t, []graph.VertexId{z.Id()}, sd.Graph().Outputs())
	assert.Equal(t, 2, sd.Graph().VertexInDegree(z.Id()))

	got := must.M1(sd.ExecAndEndResult())
	v := value.Flat()
	want := []float64{
		v[0]*v[0] + v[1]*v[2], v[0]*v[1] + v[1]*v[3],
		v[2]*v[0] + v[3]*v[2], v[2]*v[1] + v[3]*v[3],
	}
	assert.InDeltaSlice(t, want, got.Flat(), 1e-12)
}

func TestEvalScenario(t *testing.T) {
	sd := samediff.New()
	x := sd.Placeholder("x", shapes.MakeF64(4))
	sd.Sigmoid(x)
	input := tensors.Linspace(1, 4, 4)
	results, err := sd.Eval(map[string]*tensors.Tensor{"x": input})
	require.NoError(t, err)
	require.Len(t, results, 1)
	want := make([]float64, 4)
	for ii, v := range input.Flat() {
		want[ii] = sigmoid(v)
	}
	assert.Equal(t, want, results[0].Flat())

	// Same bindings, bit-identical results.
	again := must.M1(sd.Eval(map[string]*tensors.Tensor{"x": input}))
	assert.True(t, results[0].Equal(again[0]))
}

func TestNaming(t *testing.T) {
	sd := samediff.New()
	x := sd.Var("x", tensors.FromScalarAndDimensions(0.5, 2, 2))
	one := sd.Scalar("one", 1)
	assert.Equal(t, "rsub(x,1)", sd.RSubScalar(x, 1).Name())
	assert.Equal(t, "add(x,0.25)", x.AddScalar(0.25).Name())
	assert.Equal(t, "rsub(x,one)", x.RSub(one).Name())
	assert.Equal(t, "pow(x,3)", sd.Pow(x, 3).Name())
	assert.Equal(t, "neg(log(x))", sd.Log(x).Neg().Name())
	assert.Equal(t, "mmul(x,transpose(x))", x.MMul(x.Transpose()).Name())
	assert.Equal(t, "reshape(x)", x.Reshape(4).Name())

	// Same op over the same operands returns the existing variable.
	numVertices := sd.Graph().NumVertices()
	s1 := sd.Sigmoid(x)
	s2 := sd.Sigmoid(x)
	assert.Same(t, s1, s2)
	assert.Equal(t, numVertices+1, sd.Graph().NumVertices())
	assert.Same(t, s1, sd.GetVariable("sigmoid(x)"))
}

func TestConstructionErrors(t *testing.T) {
	sd := samediff.New()
	x := sd.Var("x", tensors.FromScalarAndDimensions(1, 2, 3))
	w := sd.Var("w", tensors.FromScalarAndDimensions(1, 2, 3))
	numVertices, numEdges := sd.Graph().NumVertices(), sd.Graph().NumEdges()

	err := samediff.TryBuild(func() { sd.MMul(x, w) })
	require.ErrorIs(t, err, samediff.ErrShapeMismatch)
	assert.True(t, samediff.IsConstructionError(err))

	err = samediff.TryBuild(func() { sd.Add(x, sd.Var("v", tensors.FromScalarAndDimensions(1, 4))) })
	require.ErrorIs(t, err, samediff.ErrShapeMismatch)
	require.NotNil(t, sd.GetVariable("v"))
	numVertices++

	err = samediff.TryBuild(func() { sd.Var("x", tensors.FromScalar(1)) })
	require.ErrorIs(t, err, samediff.ErrDuplicateVariableName)

	// Same derived name, different parameters.
	sd.Sum(x, 0)
	numVertices, numEdges = numVertices+1, numEdges+1
	err = samediff.TryBuild(func() { sd.Sum(x, 1) })
	require.ErrorIs(t, err, samediff.ErrDuplicateVariableName)
	require.NoError(t, samediff.TryBuild(func() { sd.Named("sum1(x)").Sum(x, 1) }))
	numVertices, numEdges = numVertices+1, numEdges+1

	err = samediff.TryBuild(func() { sd.Custom("foo", samediff.Params{}, x) })
	require.ErrorIs(t, err, samediff.ErrUnknownOp)
	assert.True(t, samediff.IsConstructionError(err))

	err = samediff.TryBuild(func() { sd.Sum(x, 2) })
	require.ErrorIs(t, err, samediff.ErrShapeMismatch)

	err = samediff.TryBuild(func() { sd.Reshape(x, 5) })
	require.ErrorIs(t, err, samediff.ErrShapeMismatch)

	err = samediff.TryBuild(func() { sd.Permute(x, 0, 0) })
	require.ErrorIs(t, err, samediff.ErrShapeMismatch)

	err = samediff.TryBuild(func() { sd.BroadcastTo(x, 0, 2) })
	require.ErrorIs(t, err, samediff.ErrShapeMismatch)
	assert.True(t, samediff.IsConstructionError(err))

	other := samediff.New()
	err = samediff.TryBuild(func() { sd.Sigmoid(other.Scalar("a", 1)) })
	require.ErrorIs(t, err, samediff.ErrForeignVariable)
	err = samediff.TryBuild(func() { sd.Sigmoid(nil) })
	require.ErrorIs(t, err, samediff.ErrForeignVariable)
	assert.True(t, samediff.IsConstructionError(err))
	assert.False(t, samediff.IsExecutionError(err))

	// Failed calls don't leave anything behind.
	assert.Equal(t, numVertices, sd.Graph().NumVertices())
	assert.Equal(t, numEdges, sd.Graph().NumEdges())
	require.NoError(t, sd.Graph().Validate())

	// Panics that are not errors are not captured.
	require.Panics(t, func() { _ = samediff.TryBuild(func() { panic("not an error") }) })
}

func TestNamedAfterFailure(t *testing.T) {
	sd := samediff.New()
	x := sd.Var("x", tensors.FromScalarAndDimensions(1, 2, 3))
	y := sd.Var("y", tensors.FromScalarAndDimensions(1, 2, 3))
	other := samediff.New().Scalar("a", 1)

	failures := map[string]func(){
		"sum":              func() { sd.Named("total").Sum(x, 5) },
		"mean":             func() { sd.Named("total").Mean(x, -3) },
		"cosineSimilarity": func() { sd.Named("total").CosineSimilarity(x, y, 2) },
		"tensorMmul":       func() { sd.Named("total").TensorMmul(x, y, []int{4}, []int{0}) },
		"foreign":          func() { sd.Named("total").Sigmoid(other) },
		"broadcast":        func() { sd.Named("total").BroadcastTo(x, -1, 3) },
	}
	for name, fn := range failures {
		require.Error(t, samediff.TryBuild(fn), name)
		assert.Equal(t, "sigmoid(x)", sd.Sigmoid(x).Name(), "after failed %s", name)
		assert.Nil(t, sd.GetVariable("total"), "after failed %s", name)
	}
}

func TestExecAndEndResultOutputs(t *testing.T) {
	sd := samediff.New()
	x := sd.Var("x", tensors.FromValue([]float64{1, 2}))
	loss := sd.Sum(sd.Square(x))
	grad := sd.Grad(loss, x)

	// Without designated outputs, the last op of the plan is the end result.
	got := must.M1(sd.ExecAndEndResult())
	assert.Equal(t, []float64{2, 4}, got.Flat())

	sd.SetOutputs(loss)
	got = must.M1(sd.ExecAndEndResult())
	assert.Equal(t, []float64{5}, got.Flat())

	sd.SetOutputs(loss, grad)
	got = must.M1(sd.ExecAndEndResult())
	assert.Equal(t, []float64{2, 4}, got.Flat())
}

func TestStateMachine(t *testing.T) {
	sd := samediff.New()
	assert.Equal(t, samediff.Created, sd.State())
	x := sd.Var("x", tensors.FromValue([]float64{1, 2}))
	assert.Equal(t, samediff.Building, sd.State())
	y := sd.Sigmoid(x)
	require.NoError(t, sd.Allocate())
	assert.Equal(t, samediff.Allocated, sd.State())
	ops, err := sd.Exec()
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, "sigmoid", ops[0].Name())
	assert.Equal(t, samediff.Executed, sd.State())
	sd.Grad(y, x)
	assert.Equal(t, samediff.Differentiated, sd.State())
	sd.Tanh(x)
	assert.Equal(t, samediff.Building, sd.State())
	plan := must.M1(sd.OpOrder())
	assert.Equal(t, 3, plan.Len())
	assert.Equal(t, "tanh", plan.Last().OpState.Name)
	_, err = sd.Exec()
	require.NoError(t, err)
	assert.Equal(t, samediff.Executed, sd.State())
	assert.Equal(t, "Executed", sd.State().String())
}

func TestExecutionErrors(t *testing.T) {
	sd := samediff.New()
	x := sd.Placeholder("x", shapes.MakeF64(2))
	w := sd.Var("w", tensors.FromValue([]float64{1, 2}))
	y := sd.Mul(x, w)

	_, err := sd.Exec()
	require.ErrorIs(t, err, samediff.ErrMissingBinding)
	assert.True(t, samediff.IsExecutionError(err))

	_, err = sd.Eval(map[string]*tensors.Tensor{"z": tensors.FromValue([]float64{1, 2})})
	require.ErrorIs(t, err, samediff.ErrMissingBinding)
	_, err = sd.Eval(map[string]*tensors.Tensor{y.Name(): tensors.FromValue([]float64{1, 2})})
	require.ErrorIs(t, err, samediff.ErrMissingBinding)
	_, err = sd.Eval(map[string]*tensors.Tensor{"x": tensors.FromValue([]float64{1, 2, 3})})
	require.ErrorIs(t, err, samediff.ErrShapeMismatch)
	_, err = sd.Value("x")
	require.ErrorIs(t, err, samediff.ErrUnallocatedStorage)

	// The graph is intact: retry with the right binding.
	results, err := sd.Eval(map[string]*tensors.Tensor{"x": tensors.FromValue([]float64{3, 4})})
	require.NoError(t, err)
	assert.Equal(t, []float64{3, 8}, results[0].Flat())
	assert.Equal(t, []float64{3, 4}, must.M1(sd.Value("x")).Flat())
}

func TestCreateOp(t *testing.T) {
	sd := samediff.New()
	x := sd.Var("x", tensors.FromValue([]float64{0, 1}))
	y := sd.Sigmoid(x)
	plan := must.M1(sd.OpOrder())
	require.Equal(t, 1, plan.Len())
	action := plan.Actions[0]
	assert.Equal(t, y.Id(), action.Output)

	_, err := sd.CreateOp(graph.Transform, action)
	require.ErrorIs(t, err, samediff.ErrUnallocatedStorage)

	require.NoError(t, sd.Allocate())
	_, err = sd.CreateOp(graph.Pairwise, action)
	require.ErrorIs(t, err, samediff.ErrUnknownOp)

	op, err := sd.CreateOp(graph.Transform, action)
	require.NoError(t, err)
	require.NoError(t, op.Exec())
	assert.Equal(t, []float64{0.5, sigmoid(1)}, op.Z().Flat())
	assert.Same(t, y, op.Output())
	assert.Equal(t, "sigmoid(x) = sigmoid[Transform](#1) -> #2", op.String())

	// A backend without sigmoid.
	sd.SetBackend(&withoutOp{Backend: backends.New(), opType: backends.OpTypeSigmoid})
	_, err = sd.CreateOp(graph.Transform, action)
	require.ErrorIs(t, err, samediff.ErrUnknownOp)
	_, err = sd.Exec()
	require.ErrorIs(t, err, samediff.ErrUnknownOp)
}

// withoutOp is a backend that doesn't support opType.
type withoutOp struct {
	backends.Backend
	opType backends.OpType
}

func (b *withoutOp) Capabilities() backends.Capabilities {
	c := b.Backend.Capabilities().Clone()
	delete(c.Operations, b.opType)
	return c
}

func TestExecOps(t *testing.T) {
	sd := samediff.New()
	x := sd.Var("x", tensors.FromValue([]float64{1, 2}))
	sd.MulScalar(x, 2).AddScalar(1)
	ops := must.M1(sd.Exec())
	require.Len(t, ops, 2)
	assert.Equal(t, []float64{3, 5}, ops[1].Z().Flat())

	require.NoError(t, sd.Bind("x", tensors.FromValue([]float64{10, 20})))
	got := must.M1(sd.ExecOps(ops))
	assert.Equal(t, []float64{21, 41}, got.Flat())

	err := sd.Bind("x", tensors.FromValue([]float64{1}))
	require.ErrorIs(t, err, samediff.ErrShapeMismatch)
	err = sd.Bind("mul(x,2)", tensors.FromValue([]float64{1, 2}))
	require.ErrorIs(t, err, samediff.ErrMissingBinding)
}

func TestOutputs(t *testing.T) {
	sd := samediff.New()
	x := sd.Var("x", tensors.FromValue([]float64{1, 2}))
	a := sd.Neg(x)
	b := sd.Square(x)
	assert.Equal(t, []*samediff.Variable{a, b}, sd.Outputs())
	results := must.M1(sd.Eval(nil))
	require.Len(t, results, 2)
	assert.Equal(t, []float64{-1, -2}, results[0].Flat())
	assert.Equal(t, []float64{1, 4}, results[1].Flat())

	sd.SetOutputs(b, x)
	results = must.M1(sd.Eval(nil))
	require.Len(t, results, 2)
	assert.Equal(t, []float64{1, 4}, results[0].Flat())
	assert.Equal(t, []float64{1, 2}, results[1].Flat())

	// Results are copies.
	results[1].Flat()[0] = 100
	assert.Equal(t, []float64{1, 2}, x.Value().Flat())

	leavesOnly := samediff.New()
	leavesOnly.Scalar("a", 1)
	results = must.M1(leavesOnly.Eval(nil))
	require.Len(t, results, 1)
	assert.Equal(t, 1.0, results[0].ToScalar())
}

func TestCustomOp(t *testing.T) {
	sd := samediff.New()
	err := sd.Registry().Register(samediff.OpDef{
		Name:       "double",
		Category:   graph.Custom,
		NumInputs:  1,
		InferShape: func(inputs []shapes.Shape, _ samediff.Params) (shapes.Shape, error) { return inputs[0], nil },
		Kernel: func(inputs []*tensors.Tensor, output *tensors.Tensor, _ samediff.Params) error {
			for ii, v := range inputs[0].Flat() {
				output.Flat()[ii] = 2 * v
			}
			return nil
		},
		Derivative: func(dc *samediff.DerivativeContext) []*samediff.Variable {
			return []*samediff.Variable{dc.SameDiff.MulScalar(dc.UpstreamOrOnes(), 2)}
		},
	})
	require.NoError(t, err)
	require.Error(t, sd.Registry().Register(samediff.OpDef{Name: "double"}))
	require.Error(t, sd.Registry().Register(samediff.OpDef{Name: "noImplementation", NumInputs: 1,
		InferShape: func(inputs []shapes.Shape, _ samediff.Params) (shapes.Shape, error) { return inputs[0], nil }}))

	x := sd.Var("x", tensors.FromValue([]float64{1, 2, 3}))
	y := sd.Custom("double", samediff.Params{}, x)
	assert.Equal(t, "double(x)", y.Name())
	assert.Equal(t, graph.Custom, y.Producer().Category)
	g := sd.Grad(sd.Sum(sd.Square(y)), x)
	sd.SetOutputs(y, g)
	results := must.M1(sd.Eval(nil))
	assert.Equal(t, []float64{2, 4, 6}, results[0].Flat())
	// d/dx sum((2x)^2) = 8x
	assert.Equal(t, []float64{8, 16, 24}, results[1].Flat())

	// Registries are per context.
	_, found := samediff.New().Registry().Lookup("double")
	assert.False(t, found)
	assert.Contains(t, sd.Registry().Names(), "double")
}

func TestDupAndEqual(t *testing.T) {
	sd := samediff.New()
	x := sd.Var("x", tensors.FromValue([][]float64{{1, 2}, {3, 4}}))
	w := sd.Var("w", tensors.FromValue([][]float64{{0.5}, {-1}}))
	loss := sd.Sum(sd.Sigmoid(x.MMul(w)))
	g := sd.Grad(loss, w)
	must.M1(sd.Exec())

	dup := sd.Dup()
	assert.NotEqual(t, sd.Id(), dup.Id())
	assert.True(t, sd.Equal(dup))
	assert.True(t, dup.Equal(sd))
	assert.Equal(t, sd.Graph().NumVertices(), dup.Graph().NumVertices())
	assert.Equal(t, sd.Graph().Edges(), dup.Graph().Edges())
	for _, v := range sd.Variables() {
		v2 := dup.VariableById(v.Id())
		require.NotNil(t, v2)
		assert.Equal(t, v.Name(), v2.Name())
		assert.True(t, v.Shape().Equal(v2.Shape()))
		assert.Same(t, dup, v2.SameDiff())
		if v.Value() != nil {
			assert.NotSame(t, v.Value(), v2.Value())
			assert.True(t, v.Value().Equal(v2.Value()))
		}
	}

	// Gradient cache is remapped.
	assert.Same(t, dup.GetVariable(g.Name()), dup.Grad(dup.GetVariable(loss.Name()), dup.GetVariable("w")))

	// Independent storage and graph.
	require.NoError(t, dup.Bind("w", tensors.FromValue([][]float64{{0}, {0}})))
	assert.Equal(t, []float64{0.5, -1}, w.Value().Flat())
	assert.False(t, sd.Equal(dup))
	dup.Neg(dup.GetVariable("w"))
	assert.Nil(t, sd.GetVariable("neg(w)"))
	assert.NotEqual(t, sd.Graph().NumVertices(), dup.Graph().NumVertices())

	// Variables of one context are rejected by the other.
	err := samediff.TryBuild(func() { dup.Neg(x) })
	require.Error(t, err)
}

func TestParallelExecution(t *testing.T) {
	build := func(parallelism int) *samediff.SameDiff {
		sd := samediff.New().SetParallelism(parallelism)
		x := sd.Var("x", tensors.Linspace(-2, 2, 4, 5))
		var branches []*samediff.Variable
		branches = append(branches, sd.Sigmoid(x), sd.Tanh(x), sd.Exp(x), sd.Square(x), sd.Relu(x), sd.Abs(x))
		total := branches[0]
		for _, b := range branches[1:] {
			total = sd.Add(total, b)
		}
		sd.Mean(sd.MMul(total, sd.Transpose(x)), 1)
		return sd
	}
	want := must.M1(build(0).ExecAndEndResult())
	for _, parallelism := range []int{-1, 1, 3} {
		sd := build(parallelism)
		for range 3 {
			got, err := sd.ExecAndEndResult()
			require.NoError(t, err)
			assert.True(t, want.Equal(got), "parallelism=%d: %s != %s", parallelism, got, want)
		}
	}
}

func TestSummary(t *testing.T) {
	sd := samediff.New()
	x := sd.Var("x", tensors.FromValue([]float64{1, 2}))
	sd.Sigmoid(x)
	summary := sd.Summary()
	assert.True(t, strings.Contains(summary, "sigmoid(x)"), summary)
	assert.Contains(t, summary, "2 variables, 1 edges")
	assert.Contains(t, sd.String(), "2 variables")
	assert.Equal(t, "x(Float64)[2]", x.String())
}

func TestErrorWrapping(t *testing.T) {
	err := errors.Wrap(samediff.ErrNoGradientPath, "context")
	assert.True(t, samediff.IsDifferentiationError(err))
	assert.False(t, samediff.IsExecutionError(err))
	assert.True(t, samediff.IsIntegrityError(errors.Wrap(graph.ErrCycleDetected, "context")))
}
