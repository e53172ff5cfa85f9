// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package samediff

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/gomlx/samediff/graph"
	"github.com/gomlx/samediff/types/shapes"
	"k8s.io/klog/v2"
)

// addOp validates and appends one op application to the graph, and returns its output variable.
//
// Every check is done before the graph is changed, so a failing call leaves the context untouched.
func (sd *SameDiff) addOp(opName string, params Params, inputs ...*Variable) *Variable {
	explicitName := sd.nextName
	sd.nextName = ""

	def, found := sd.registry.Lookup(opName)
	if !found {
		panicf(ErrUnknownOp, "op %q is not registered", opName)
	}
	for _, input := range inputs {
		sd.checkOwnership(input)
	}
	if len(inputs) != def.NumInputs {
		panicf(ErrShapeMismatch, "op %q takes %d inputs, got %d", opName, def.NumInputs, len(inputs))
	}
	if len(params.Scalars) != def.NumScalars {
		panicf(ErrShapeMismatch, "op %q takes %d scalar parameters, got %d", opName, def.NumScalars, len(params.Scalars))
	}
	inputShapes := make([]shapes.Shape, len(inputs))
	for ii, input := range inputs {
		inputShapes[ii] = input.shape
	}
	outputShape, err := def.InferShape(inputShapes, params)
	if err != nil {
		panicf(ErrShapeMismatch, "%s(%s): %v", opName, joinNames(inputs), err)
	}

	op := &graph.OpState{
		Name:       def.Name,
		Category:   def.Category,
		Inputs:     make([]graph.VertexId, len(inputs)),
		Axes:       slices.Clone(params.Axes),
		Scalars:    slices.Clone(params.Scalars),
		AxisPairs:  [2][]int{slices.Clone(params.AxisPairs[0]), slices.Clone(params.AxisPairs[1])},
		Dimensions: slices.Clone(params.Dimensions),
	}
	for ii, input := range inputs {
		op.Inputs[ii] = input.id
	}

	name := explicitName
	if name == "" {
		name = deriveName(def, inputs, params)
	}
	if existing, found := sd.variables[name]; found {
		if producer := existing.Producer(); producer != nil && producer.SameParameters(op) &&
			slices.Equal(producer.Inputs, op.Inputs) {
			// Same op over the same operands: reuse the existing output.
			return existing
		}
		if explicitName != "" || !sd.uniqueNames {
			panicf(ErrDuplicateVariableName, "%s: name %q is already used by %s", op.Name, name, existing)
		}
		name = sd.uniqueName(name)
	}

	id, err := sd.graph.AddOpVertex(op)
	if err != nil {
		panic(err)
	}
	v := &Variable{sd: sd, id: id, name: name, shape: outputShape}
	sd.variables[name] = v
	sd.byId[id] = v
	sd.defs[id] = def
	sd.markBuilding()
	if klog.V(2).Enabled() {
		klog.Infof("samediff %s: #%d %q = %s %s", sd.id, id, name, op, outputShape)
	}
	return v
}

// deriveName returns the name of an op output, a pure function of the op, its operands names and its
// scalar parameters: e.g. "mmul(x,w)" or "rsub(x,1)".
func deriveName(def *OpDef, inputs []*Variable, params Params) string {
	parts := make([]string, 0, len(inputs)+len(params.Scalars))
	for _, input := range inputs {
		parts = append(parts, input.name)
	}
	for _, value := range params.Scalars {
		parts = append(parts, strconv.FormatFloat(value, 'g', -1, 64))
	}
	return fmt.Sprintf("%s(%s)", def.namePrefix(), strings.Join(parts, ","))
}

// uniqueName appends the first free numeric suffix to name.
func (sd *SameDiff) uniqueName(name string) string {
	for ii := 1; ; ii++ {
		candidate := fmt.Sprintf("%s_%d", name, ii)
		if _, found := sd.variables[candidate]; !found {
			return candidate
		}
	}
}

func joinNames(vars []*Variable) string {
	names := make([]string, len(vars))
	for ii, v := range vars {
		if v == nil {
			names[ii] = "<nil>"
			continue
		}
		names[ii] = v.name
	}
	return strings.Join(names, ",")
}

// normalizeAxes validates and normalizes the axes of x for a reduction.
func (sd *SameDiff) normalizeAxes(opName string, x *Variable, axes []int) []int {
	sd.checkOwnership(x)
	normalized, err := shapes.NormalizeAxes(x.shape.Rank(), axes)
	if err != nil {
		sd.abortf(ErrShapeMismatch, "%s(%s): %v", opName, x.name, err)
	}
	return normalized
}

// normalizeAxis converts a negative axis of x to its positive equivalent, keeping the order of the axes.
func (sd *SameDiff) normalizeAxis(opName string, x *Variable, axes []int) []int {
	sd.checkOwnership(x)
	rank := x.shape.Rank()
	normalized := make([]int, len(axes))
	for ii, axis := range axes {
		if axis < 0 {
			axis += rank
		}
		if axis < 0 || axis >= rank {
			sd.abortf(ErrShapeMismatch, "%s(%s): axis %d out of range for rank %d", opName, x.name, axes[ii], rank)
		}
		normalized[ii] = axis
	}
	return normalized
}

// Custom applies an op registered by name, see Registry.Register.
func (sd *SameDiff) Custom(opName string, params Params, inputs ...*Variable) *Variable {
	return sd.addOp(opName, params, inputs...)
}

// Sigmoid returns 1/(1+exp(-x)), element-wise.
func (sd *SameDiff) Sigmoid(x *Variable) *Variable { return sd.addOp("sigmoid", Params{}, x) }

// Tanh returns the hyperbolic tangent of x, element-wise.
func (sd *SameDiff) Tanh(x *Variable) *Variable { return sd.addOp("tanh", Params{}, x) }

// Exp returns e^x, element-wise.
func (sd *SameDiff) Exp(x *Variable) *Variable { return sd.addOp("exp", Params{}, x) }

// Log returns the natural logarithm of x, element-wise.
func (sd *SameDiff) Log(x *Variable) *Variable { return sd.addOp("log", Params{}, x) }

// Neg returns -x.
func (sd *SameDiff) Neg(x *Variable) *Variable { return sd.addOp("neg", Params{}, x) }

// Sqrt returns the square root of x, element-wise.
func (sd *SameDiff) Sqrt(x *Variable) *Variable { return sd.addOp("sqrt", Params{}, x) }

// Square returns x*x, element-wise.
func (sd *SameDiff) Square(x *Variable) *Variable { return sd.addOp("square", Params{}, x) }

// Abs returns |x|, element-wise.
func (sd *SameDiff) Abs(x *Variable) *Variable { return sd.addOp("abs", Params{}, x) }

// Relu returns max(x, 0), element-wise.
func (sd *SameDiff) Relu(x *Variable) *Variable { return sd.addOp("relu", Params{}, x) }

// Sign returns -1, 0 or 1 according to the sign of x, element-wise.
func (sd *SameDiff) Sign(x *Variable) *Variable { return sd.addOp("sign", Params{}, x) }

// SigmoidDerivative returns sigmoid(x)*(1-sigmoid(x)), element-wise.
func (sd *SameDiff) SigmoidDerivative(x *Variable) *Variable {
	return sd.addOp("sigmoidderivative", Params{}, x)
}

// TanhDerivative returns 1-tanh(x)^2, element-wise.
func (sd *SameDiff) TanhDerivative(x *Variable) *Variable {
	return sd.addOp("tanhderivative", Params{}, x)
}

// ReluDerivative returns 1 where x > 0 and 0 elsewhere.
func (sd *SameDiff) ReluDerivative(x *Variable) *Variable {
	return sd.addOp("reluderivative", Params{}, x)
}

// OnesLike returns a tensor of ones with the shape of x.
func (sd *SameDiff) OnesLike(x *Variable) *Variable { return sd.addOp("onesLike", Params{}, x) }

// ZerosLike returns a tensor of zeros with the shape of x.
func (sd *SameDiff) ZerosLike(x *Variable) *Variable { return sd.addOp("zerosLike", Params{}, x) }

func scalarParams(value float64) Params { return Params{Scalars: []float64{value}} }

// AddScalar returns x + value. It is named "add(x,value)".
func (sd *SameDiff) AddScalar(x *Variable, value float64) *Variable {
	return sd.addOp("addScalar", scalarParams(value), x)
}

// SubScalar returns x - value.
func (sd *SameDiff) SubScalar(x *Variable, value float64) *Variable {
	return sd.addOp("subScalar", scalarParams(value), x)
}

// RSubScalar returns value - x.
func (sd *SameDiff) RSubScalar(x *Variable, value float64) *Variable {
	return sd.addOp("rsubScalar", scalarParams(value), x)
}

// MulScalar returns x * value.
func (sd *SameDiff) MulScalar(x *Variable, value float64) *Variable {
	return sd.addOp("mulScalar", scalarParams(value), x)
}

// DivScalar returns x / value.
func (sd *SameDiff) DivScalar(x *Variable, value float64) *Variable {
	return sd.addOp("divScalar", scalarParams(value), x)
}

// RDivScalar returns value / x.
func (sd *SameDiff) RDivScalar(x *Variable, value float64) *Variable {
	return sd.addOp("rdivScalar", scalarParams(value), x)
}

// Pow returns x^exponent, element-wise.
func (sd *SameDiff) Pow(x *Variable, exponent float64) *Variable {
	return sd.addOp("pow", scalarParams(exponent), x)
}

// Add returns x + y, with broadcasting.
func (sd *SameDiff) Add(x, y *Variable) *Variable { return sd.addOp("add", Params{}, x, y) }

// Sub returns x - y, with broadcasting.
func (sd *SameDiff) Sub(x, y *Variable) *Variable { return sd.addOp("sub", Params{}, x, y) }

// RSub returns y - x, with broadcasting.
func (sd *SameDiff) RSub(x, y *Variable) *Variable { return sd.addOp("rsub", Params{}, x, y) }

// Mul returns x * y, element-wise with broadcasting.
func (sd *SameDiff) Mul(x, y *Variable) *Variable { return sd.addOp("mul", Params{}, x, y) }

// Div returns x / y, element-wise with broadcasting.
func (sd *SameDiff) Div(x, y *Variable) *Variable { return sd.addOp("div", Params{}, x, y) }

// RDiv returns y / x, element-wise with broadcasting.
func (sd *SameDiff) RDiv(x, y *Variable) *Variable { return sd.addOp("rdiv", Params{}, x, y) }

// Sum reduces x over the given axes. The reduced axes are kept with dimension 1.
// No axes, or shapes.AllAxes, reduces every axis.
func (sd *SameDiff) Sum(x *Variable, axes ...int) *Variable {
	return sd.addOp("sum", Params{Axes: sd.normalizeAxes("sum", x, axes)}, x)
}

// Mean reduces x over the given axes with the arithmetic mean, see Sum for the axes convention.
func (sd *SameDiff) Mean(x *Variable, axes ...int) *Variable {
	return sd.addOp("mean", Params{Axes: sd.normalizeAxes("mean", x, axes)}, x)
}

// Max reduces x over the given axes with the maximum, see Sum for the axes convention.
func (sd *SameDiff) Max(x *Variable, axes ...int) *Variable {
	return sd.addOp("max", Params{Axes: sd.normalizeAxes("max", x, axes)}, x)
}

// Min reduces x over the given axes with the minimum, see Sum for the axes convention.
func (sd *SameDiff) Min(x *Variable, axes ...int) *Variable {
	return sd.addOp("min", Params{Axes: sd.normalizeAxes("min", x, axes)}, x)
}

// Norm2 reduces x over the given axes with the euclidean norm, see Sum for the axes convention.
func (sd *SameDiff) Norm2(x *Variable, axes ...int) *Variable {
	return sd.addOp("norm2", Params{Axes: sd.normalizeAxes("norm2", x, axes)}, x)
}

// CosineSimilarity returns dot(x,y)/(|x|*|y|) over the given axis. x and y must have the same shape,
// and the axis is kept with dimension 1.
func (sd *SameDiff) CosineSimilarity(x, y *Variable, axis int) *Variable {
	return sd.addOp("cosineSimilarity", Params{Axes: sd.normalizeAxis("cosineSimilarity", x, []int{axis})}, x, y)
}

// BroadcastTo expands x to the given dimensions, following the usual broadcasting rules.
func (sd *SameDiff) BroadcastTo(x *Variable, dimensions ...int) *Variable {
	return sd.addOp("broadcast", Params{Dimensions: slices.Clone(dimensions)}, x)
}

// Reshape returns x with the given dimensions, which must hold the same number of elements.
func (sd *SameDiff) Reshape(x *Variable, dimensions ...int) *Variable {
	return sd.addOp("reshape", Params{Dimensions: slices.Clone(dimensions)}, x)
}

// Transpose reverses the axes of x.
func (sd *SameDiff) Transpose(x *Variable) *Variable { return sd.addOp("transpose", Params{}, x) }

// Permute reorders the axes of x: output axis i is axis permutation[i] of x.
func (sd *SameDiff) Permute(x *Variable, permutation ...int) *Variable {
	return sd.addOp("permute", Params{Axes: slices.Clone(permutation)}, x)
}

// MMul returns the matrix product of x `[m, k]` and y `[k, n]`.
func (sd *SameDiff) MMul(x, y *Variable) *Variable { return sd.addOp("mmul", Params{}, x, y) }

// TensorMmul contracts x and y over the paired axes xAxes[i] <-> yAxes[i]. The output holds the free axes
// of x followed by the free axes of y.
func (sd *SameDiff) TensorMmul(x, y *Variable, xAxes, yAxes []int) *Variable {
	params := Params{AxisPairs: [2][]int{
		sd.normalizeAxis("tensorMmul", x, xAxes),
		sd.normalizeAxis("tensorMmul", y, yAxes),
	}}
	return sd.addOp("tensorMmul", params, x, y)
}
