// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package samediff

import (
	"slices"

	"github.com/gomlx/samediff/backends"
	"github.com/gomlx/samediff/graph"
	"github.com/gomlx/samediff/types/shapes"
	"github.com/gomlx/samediff/types/tensors"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
)

// Params are the static parameters of an op instance.
type Params struct {
	// Axes of a reduction, permutation of a permute, or the axis of cosineSimilarity.
	Axes []int

	// Scalars are the scalar parameters, e.g. the 1 in rsub(x,1).
	Scalars []float64

	// AxisPairs are the contracted axes of each operand of a tensor contraction.
	AxisPairs [2][]int

	// Dimensions are the target dimensions of a reshape or a broadcast.
	Dimensions []int
}

func paramsOf(op *graph.OpState) Params {
	return Params{Axes: op.Axes, Scalars: op.Scalars, AxisPairs: op.AxisPairs, Dimensions: op.Dimensions}
}

// InferShapeFn validates the input shapes of an op and returns its output shape.
type InferShapeFn func(inputs []shapes.Shape, params Params) (shapes.Shape, error)

// KernelFn computes an op outside the backend, writing the result into output, already allocated.
type KernelFn func(inputs []*tensors.Tensor, output *tensors.Tensor, params Params) error

// DerivativeFn builds the gradient of one op with respect to each of its inputs, see DerivativeContext.
// It returns one Variable per input, nil for inputs that are not requested or get no gradient.
type DerivativeFn func(dc *DerivativeContext) []*Variable

// OpDef is the registered definition of an op.
type OpDef struct {
	// Name is the registry key, stored in graph.OpState.Name.
	Name string

	// NamePrefix is used to derive the names of output variables, if different from Name.
	// E.g.: "addScalar" outputs are named "add(x,1)".
	NamePrefix string

	Category graph.Category

	// OpType executed by the backend. Ignored if Kernel is set.
	OpType backends.OpType

	// Kernel executes the op in Go instead of the backend, used by custom ops.
	Kernel KernelFn

	// NumInputs is the exact number of inputs.
	NumInputs int

	// NumScalars is the exact number of scalar parameters.
	NumScalars int

	InferShape InferShapeFn

	// Derivative rule. If nil, and NoGradient is false, differentiating through the op fails
	// with ErrUnsupportedOpDerivative.
	Derivative DerivativeFn

	// NoGradient marks ops whose output doesn't depend on the value of their inputs (onesLike, sign),
	// so gradients stop there without error.
	NoGradient bool
}

func (def *OpDef) namePrefix() string {
	if def.NamePrefix != "" {
		return def.NamePrefix
	}
	return def.Name
}

// HasDerivative returns whether gradients can flow through the op.
func (def *OpDef) HasDerivative() bool {
	return def.Derivative != nil || def.NoGradient
}

// backendOp returns the descriptor of the op for the backend.
func (def *OpDef) backendOp(op *graph.OpState) backends.Op {
	return backends.Op{Type: def.OpType, Axes: op.Axes, Scalars: op.Scalars, AxisPairs: op.AxisPairs}
}

// Registry maps op names to their definitions. Each SameDiff context owns its own Registry.
type Registry struct {
	defs map[string]*OpDef
}

// NewRegistry returns a registry populated with the builtin ops.
func NewRegistry() *Registry {
	r := &Registry{defs: make(map[string]*OpDef)}
	for _, def := range builtinOps() {
		if err := r.Register(def); err != nil {
			panic(err)
		}
	}
	return r
}

// Register adds a new op definition. It fails if the name is taken, or if the definition is incomplete.
func (r *Registry) Register(def OpDef) error {
	if def.Name == "" {
		return errors.New("op definition without a name")
	}
	if _, found := r.defs[def.Name]; found {
		return errors.Errorf("op %q already registered", def.Name)
	}
	if def.NumInputs < 1 {
		return errors.Errorf("op %q must take at least one input", def.Name)
	}
	if def.InferShape == nil {
		return errors.Errorf("op %q has no shape inference function", def.Name)
	}
	if def.Kernel == nil && (def.OpType <= backends.OpTypeInvalid || def.OpType >= backends.OpTypeLast) {
		return errors.Errorf("op %q needs either a backend OpType or a Kernel", def.Name)
	}
	r.defs[def.Name] = &def
	return nil
}

// Lookup returns the definition of the named op.
func (r *Registry) Lookup(name string) (*OpDef, bool) {
	def, found := r.defs[name]
	return def, found
}

// Names returns the names of all registered ops, sorted.
func (r *Registry) Names() []string {
	names := maps.Keys(r.defs)
	slices.Sort(names)
	return names
}

// Clone returns an independent copy of the registry.
func (r *Registry) Clone() *Registry {
	r2 := &Registry{defs: make(map[string]*OpDef, len(r.defs))}
	for name, def := range r.defs {
		defCopy := *def
		r2.defs[name] = &defCopy
	}
	return r2
}

// Shape inference functions of the builtin ops.

func sameShape(inputs []shapes.Shape, _ Params) (shapes.Shape, error) {
	return inputs[0], nil
}

func broadcastShape(inputs []shapes.Shape, _ Params) (shapes.Shape, error) {
	return shapes.BroadcastShapes(inputs...)
}

func reduceShape(inputs []shapes.Shape, params Params) (shapes.Shape, error) {
	return shapes.ReduceShape(inputs[0], params.Axes)
}

func broadcastToShape(inputs []shapes.Shape, params Params) (shapes.Shape, error) {
	for _, dim := range params.Dimensions {
		if dim <= 0 {
			return shapes.Invalid(), errors.Wrapf(shapes.ErrIncompatible, "broadcast to %v: dimensions must be > 0",
				params.Dimensions)
		}
	}
	target := shapes.MakeF64(params.Dimensions...)
	if !shapes.CanBroadcastTo(inputs[0], target) {
		return shapes.Invalid(), errors.Wrapf(shapes.ErrIncompatible, "cannot broadcast %s to %s", inputs[0], target)
	}
	return target, nil
}

func reshapeShape(inputs []shapes.Shape, params Params) (shapes.Shape, error) {
	return shapes.ReshapeShape(inputs[0], params.Dimensions)
}

func transposeShape(inputs []shapes.Shape, _ Params) (shapes.Shape, error) {
	return shapes.PermuteShape(inputs[0], shapes.ReverseAxes(inputs[0].Rank()))
}

func permuteShape(inputs []shapes.Shape, params Params) (shapes.Shape, error) {
	return shapes.PermuteShape(inputs[0], params.Axes)
}

func matMulShape(inputs []shapes.Shape, _ Params) (shapes.Shape, error) {
	return shapes.MatMulShape(inputs[0], inputs[1])
}

func tensorDotShape(inputs []shapes.Shape, params Params) (shapes.Shape, error) {
	return shapes.TensorDotShape(inputs[0], inputs[1], params.AxisPairs[0], params.AxisPairs[1])
}

func cosineSimilarityShape(inputs []shapes.Shape, params Params) (shapes.Shape, error) {
	if err := shapes.CheckSameShape(inputs[0], inputs[1]); err != nil {
		return shapes.Invalid(), err
	}
	return shapes.ReduceShape(inputs[0], params.Axes)
}

// builtinOps lists the definitions registered by NewRegistry.
func builtinOps() []OpDef {
	unary := func(name string, opType backends.OpType, derivative DerivativeFn) OpDef {
		return OpDef{Name: name, Category: graph.Transform, OpType: opType, NumInputs: 1,
			InferShape: sameShape, Derivative: derivative}
	}
	noGradient := func(def OpDef) OpDef {
		def.NoGradient = true
		return def
	}
	scalar := func(name, prefix string, opType backends.OpType, derivative DerivativeFn) OpDef {
		return OpDef{Name: name, NamePrefix: prefix, Category: graph.Transform, OpType: opType, NumInputs: 1,
			NumScalars: 1, InferShape: sameShape, Derivative: derivative}
	}
	pairwise := func(name string, opType backends.OpType, derivative DerivativeFn) OpDef {
		return OpDef{Name: name, Category: graph.Pairwise, OpType: opType, NumInputs: 2,
			InferShape: broadcastShape, Derivative: derivative}
	}
	reduce := func(name string, opType backends.OpType, derivative DerivativeFn) OpDef {
		return OpDef{Name: name, Category: graph.Accumulation, OpType: opType, NumInputs: 1,
			InferShape: reduceShape, Derivative: derivative}
	}
	return []OpDef{
		unary("sigmoid", backends.OpTypeSigmoid, derivSigmoid),
		unary("tanh", backends.OpTypeTanh, derivTanh),
		unary("exp", backends.OpTypeExp, derivExp),
		unary("log", backends.OpTypeLog, derivLog),
		unary("neg", backends.OpTypeNeg, derivNeg),
		unary("sqrt", backends.OpTypeSqrt, derivSqrt),
		unary("square", backends.OpTypeSquare, derivSquare),
		unary("abs", backends.OpTypeAbs, derivAbs),
		unary("relu", backends.OpTypeRelu, derivRelu),
		noGradient(unary("sign", backends.OpTypeSign, nil)),
		unary("sigmoidderivative", backends.OpTypeSigmoidDerivative, nil),
		unary("tanhderivative", backends.OpTypeTanhDerivative, nil),
		unary("reluderivative", backends.OpTypeReluDerivative, nil),
		noGradient(unary("onesLike", backends.OpTypeOnesLike, nil)),
		noGradient(unary("zerosLike", backends.OpTypeZerosLike, nil)),

		scalar("addScalar", "add", backends.OpTypeAddScalar, derivAddScalar),
		scalar("subScalar", "sub", backends.OpTypeSubScalar, derivAddScalar),
		scalar("rsubScalar", "rsub", backends.OpTypeRSubScalar, derivRSubScalar),
		scalar("mulScalar", "mul", backends.OpTypeMulScalar, derivMulScalar),
		scalar("divScalar", "div", backends.OpTypeDivScalar, derivDivScalar),
		scalar("rdivScalar", "rdiv", backends.OpTypeRDivScalar, derivRDivScalar),
		scalar("pow", "", backends.OpTypePow, derivPow),

		pairwise("add", backends.OpTypeAdd, derivAdd),
		pairwise("sub", backends.OpTypeSub, derivSub),
		pairwise("rsub", backends.OpTypeRSub, derivRSub),
		pairwise("mul", backends.OpTypeMul, derivMul),
		pairwise("div", backends.OpTypeDiv, derivDiv),
		pairwise("rdiv", backends.OpTypeRDiv, derivRDiv),

		reduce("sum", backends.OpTypeReduceSum, derivSum),
		reduce("mean", backends.OpTypeReduceMean, derivMean),
		reduce("max", backends.OpTypeReduceMax, nil),
		reduce("min", backends.OpTypeReduceMin, nil),
		reduce("norm2", backends.OpTypeReduceNorm2, derivNorm2),
		{Name: "cosineSimilarity", Category: graph.Accumulation, OpType: backends.OpTypeCosineSimilarity,
			NumInputs: 2, InferShape: cosineSimilarityShape, Derivative: derivCosineSimilarity},

		{Name: "broadcast", Category: graph.Broadcast, OpType: backends.OpTypeBroadcast, NumInputs: 1,
			InferShape: broadcastToShape, Derivative: derivBroadcast},
		{Name: "reshape", Category: graph.Transform, OpType: backends.OpTypeReshape, NumInputs: 1,
			InferShape: reshapeShape, Derivative: derivReshape},
		{Name: "transpose", Category: graph.Transform, OpType: backends.OpTypeTranspose, NumInputs: 1,
			InferShape: transposeShape, Derivative: derivTranspose},
		{Name: "permute", Category: graph.Transform, OpType: backends.OpTypePermute, NumInputs: 1,
			InferShape: permuteShape, Derivative: derivPermute},

		{Name: "mmul", Category: graph.LinearAlgebra, OpType: backends.OpTypeMatMul, NumInputs: 2,
			InferShape: matMulShape, Derivative: derivMMul},
		{Name: "tensorMmul", Category: graph.LinearAlgebra, OpType: backends.OpTypeTensorDot, NumInputs: 2,
			InferShape: tensorDotShape, Derivative: derivTensorMmul},
	}
}
