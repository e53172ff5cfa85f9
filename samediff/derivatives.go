// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package samediff

import (
	"slices"

	"github.com/gomlx/samediff/graph"
	"github.com/gomlx/samediff/types/shapes"
)

// This file holds the derivative rules of the builtin ops: each builds the vector-Jacobian product (VJP) of
// one op, that is, the upstream gradient of the output propagated back to each input.

// DerivativeContext is passed to a DerivativeFn with the op being differentiated.
type DerivativeContext struct {
	SameDiff *SameDiff
	Op       *graph.OpState

	// Inputs and Output of the op.
	Inputs []*Variable
	Output *Variable

	// Upstream is the gradient flowing into Output. It is nil when Output is the variable being
	// differentiated, in which case it stands for a tensor of ones.
	Upstream *Variable

	// Wrt marks which inputs need a gradient. Rules may skip building the others.
	Wrt []bool
}

// Params returns the static parameters of the op.
func (dc *DerivativeContext) Params() Params {
	return paramsOf(dc.Op)
}

// UpstreamOrOnes returns Upstream, or a tensor of ones shaped like Output if it is nil.
func (dc *DerivativeContext) UpstreamOrOnes() *Variable {
	if dc.Upstream != nil {
		return dc.Upstream
	}
	return dc.SameDiff.OnesLike(dc.Output)
}

// Chain multiplies the local derivative by the upstream gradient. With an implicit upstream the local
// derivative is returned as is, broadcast to the output shape if needed.
func (dc *DerivativeContext) Chain(local *Variable) *Variable {
	if dc.Upstream == nil {
		if local.shape.Equal(dc.Output.shape) {
			return local
		}
		return dc.SameDiff.BroadcastTo(local, dc.Output.shape.Dimensions...)
	}
	return dc.SameDiff.Mul(local, dc.Upstream)
}

// reduceToShape sums the axes of g that were broadcast to produce it from a value of the given shape.
func (sd *SameDiff) reduceToShape(g *Variable, target shapes.Shape) *Variable {
	if g.shape.Equal(target) {
		return g
	}
	offset := g.shape.Rank() - target.Rank()
	var axes []int
	for axis, dim := range g.shape.Dimensions {
		if axis < offset || (target.Dimensions[axis-offset] == 1 && dim != 1) {
			axes = append(axes, axis)
		}
	}
	if len(axes) > 0 {
		g = sd.Sum(g, axes...)
	}
	if !g.shape.Equal(target) {
		g = sd.Reshape(g, target.Dimensions...)
	}
	return g
}

func derivSigmoid(dc *DerivativeContext) []*Variable {
	return []*Variable{dc.Chain(dc.SameDiff.SigmoidDerivative(dc.Inputs[0]))}
}

func derivTanh(dc *DerivativeContext) []*Variable {
	return []*Variable{dc.Chain(dc.SameDiff.TanhDerivative(dc.Inputs[0]))}
}

func derivExp(dc *DerivativeContext) []*Variable {
	return []*Variable{dc.Chain(dc.Output)}
}

func derivLog(dc *DerivativeContext) []*Variable {
	sd, x := dc.SameDiff, dc.Inputs[0]
	if dc.Upstream == nil {
		return []*Variable{sd.RDivScalar(x, 1)}
	}
	return []*Variable{sd.Div(dc.Upstream, x)}
}

func derivNeg(dc *DerivativeContext) []*Variable {
	return []*Variable{dc.SameDiff.Neg(dc.UpstreamOrOnes())}
}

func derivSqrt(dc *DerivativeContext) []*Variable {
	// d/dx sqrt(x) = 0.5/sqrt(x)
	return []*Variable{dc.Chain(dc.SameDiff.RDivScalar(dc.Output, 0.5))}
}

func derivSquare(dc *DerivativeContext) []*Variable {
	return []*Variable{dc.Chain(dc.SameDiff.MulScalar(dc.Inputs[0], 2))}
}

func derivAbs(dc *DerivativeContext) []*Variable {
	return []*Variable{dc.Chain(dc.SameDiff.Sign(dc.Inputs[0]))}
}

func derivRelu(dc *DerivativeContext) []*Variable {
	return []*Variable{dc.Chain(dc.SameDiff.ReluDerivative(dc.Inputs[0]))}
}

// derivAddScalar is used by addScalar and subScalar.
func derivAddScalar(dc *DerivativeContext) []*Variable {
	return []*Variable{dc.UpstreamOrOnes()}
}

func derivRSubScalar(dc *DerivativeContext) []*Variable {
	return []*Variable{dc.SameDiff.Neg(dc.UpstreamOrOnes())}
}

func derivMulScalar(dc *DerivativeContext) []*Variable {
	return []*Variable{dc.SameDiff.MulScalar(dc.UpstreamOrOnes(), dc.Op.Scalars[0])}
}

func derivDivScalar(dc *DerivativeContext) []*Variable {
	return []*Variable{dc.SameDiff.MulScalar(dc.UpstreamOrOnes(), 1/dc.Op.Scalars[0])}
}

func derivRDivScalar(dc *DerivativeContext) []*Variable {
	// d/dx c/x = -c/x^2 = -output/x
	sd := dc.SameDiff
	return []*Variable{dc.Chain(sd.Neg(sd.Div(dc.Output, dc.Inputs[0])))}
}

func derivPow(dc *DerivativeContext) []*Variable {
	sd, x, p := dc.SameDiff, dc.Inputs[0], dc.Op.Scalars[0]
	return []*Variable{dc.Chain(sd.MulScalar(sd.Pow(x, p-1), p))}
}

// pairwiseGrads builds the gradients of both operands of a pairwise op, reducing the broadcast axes.
// gradX and gradY return gradients shaped like the output.
func pairwiseGrads(dc *DerivativeContext, gradX, gradY func() *Variable) []*Variable {
	sd := dc.SameDiff
	grads := make([]*Variable, 2)
	if dc.Wrt[0] {
		grads[0] = sd.reduceToShape(gradX(), dc.Inputs[0].shape)
	}
	if dc.Wrt[1] {
		grads[1] = sd.reduceToShape(gradY(), dc.Inputs[1].shape)
	}
	return grads
}

func derivAdd(dc *DerivativeContext) []*Variable {
	return pairwiseGrads(dc, dc.UpstreamOrOnes, dc.UpstreamOrOnes)
}

func derivSub(dc *DerivativeContext) []*Variable {
	sd := dc.SameDiff
	return pairwiseGrads(dc, dc.UpstreamOrOnes,
		func() *Variable { return sd.Neg(dc.UpstreamOrOnes()) })
}

func derivRSub(dc *DerivativeContext) []*Variable {
	sd := dc.SameDiff
	return pairwiseGrads(dc,
		func() *Variable { return sd.Neg(dc.UpstreamOrOnes()) },
		dc.UpstreamOrOnes)
}

func derivMul(dc *DerivativeContext) []*Variable {
	x, y := dc.Inputs[0], dc.Inputs[1]
	return pairwiseGrads(dc,
		func() *Variable { return dc.Chain(y) },
		func() *Variable { return dc.Chain(x) })
}

// derivDivide returns the gradients of numerator/denominator with respect to each of its operands.
func derivDivide(dc *DerivativeContext, denominator *Variable) (gradNumerator, gradDenominator func() *Variable) {
	sd := dc.SameDiff
	gradNumerator = func() *Variable {
		return sd.Div(dc.UpstreamOrOnes(), denominator)
	}
	gradDenominator = func() *Variable {
		// -u * n/d^2 = -u * output/d
		return sd.Neg(dc.Chain(sd.Div(dc.Output, denominator)))
	}
	return
}

func derivDiv(dc *DerivativeContext) []*Variable {
	gradX, gradY := derivDivide(dc, dc.Inputs[1])
	return pairwiseGrads(dc, gradX, gradY)
}

func derivRDiv(dc *DerivativeContext) []*Variable {
	gradY, gradX := derivDivide(dc, dc.Inputs[0])
	return pairwiseGrads(dc, gradX, gradY)
}

func derivSum(dc *DerivativeContext) []*Variable {
	sd, x := dc.SameDiff, dc.Inputs[0]
	if dc.Upstream == nil {
		return []*Variable{sd.OnesLike(x)}
	}
	return []*Variable{sd.BroadcastTo(dc.Upstream, x.shape.Dimensions...)}
}

func derivMean(dc *DerivativeContext) []*Variable {
	sd, x := dc.SameDiff, dc.Inputs[0]
	count := float64(x.shape.Size() / dc.Output.shape.Size())
	return []*Variable{sd.DivScalar(derivSum(dc)[0], count)}
}

func derivNorm2(dc *DerivativeContext) []*Variable {
	// d/dx |x| = x/|x|
	sd, x := dc.SameDiff, dc.Inputs[0]
	g := sd.Div(x, dc.Output)
	if dc.Upstream != nil {
		g = sd.Mul(g, dc.Upstream)
	}
	return []*Variable{g}
}

func derivCosineSimilarity(dc *DerivativeContext) []*Variable {
	// For c = x.y/(|x||y|): dc/dx = y/(|x||y|) - c*x/|x|^2, and symmetrically for y.
	sd, x, y, axis := dc.SameDiff, dc.Inputs[0], dc.Inputs[1], dc.Op.Axes[0]
	normX, normY := sd.Norm2(x, axis), sd.Norm2(y, axis)
	normProduct := sd.Mul(normX, normY)
	partial := func(self, other, norm *Variable) *Variable {
		g := sd.Sub(sd.Div(other, normProduct), sd.Mul(dc.Output, sd.Div(self, sd.Square(norm))))
		if dc.Upstream != nil {
			g = sd.Mul(g, dc.Upstream)
		}
		return g
	}
	grads := make([]*Variable, 2)
	if dc.Wrt[0] {
		grads[0] = partial(x, y, normX)
	}
	if dc.Wrt[1] {
		grads[1] = partial(y, x, normY)
	}
	return grads
}

func derivBroadcast(dc *DerivativeContext) []*Variable {
	return []*Variable{dc.SameDiff.reduceToShape(dc.UpstreamOrOnes(), dc.Inputs[0].shape)}
}

func derivReshape(dc *DerivativeContext) []*Variable {
	sd, x := dc.SameDiff, dc.Inputs[0]
	if dc.Upstream == nil {
		return []*Variable{sd.OnesLike(x)}
	}
	return []*Variable{sd.Reshape(dc.Upstream, x.shape.Dimensions...)}
}

func derivTranspose(dc *DerivativeContext) []*Variable {
	sd, x := dc.SameDiff, dc.Inputs[0]
	if dc.Upstream == nil {
		return []*Variable{sd.OnesLike(x)}
	}
	return []*Variable{sd.Transpose(dc.Upstream)}
}

func derivPermute(dc *DerivativeContext) []*Variable {
	sd, x := dc.SameDiff, dc.Inputs[0]
	if dc.Upstream == nil {
		return []*Variable{sd.OnesLike(x)}
	}
	return []*Variable{sd.Permute(dc.Upstream, shapes.InversePermutation(dc.Op.Axes)...)}
}

func derivMMul(dc *DerivativeContext) []*Variable {
	// For z = x·w: dx = u·wᵀ, dw = xᵀ·u.
	sd, x, w := dc.SameDiff, dc.Inputs[0], dc.Inputs[1]
	u := dc.UpstreamOrOnes()
	grads := make([]*Variable, 2)
	if dc.Wrt[0] {
		grads[0] = sd.MMul(u, sd.Transpose(w))
	}
	if dc.Wrt[1] {
		grads[1] = sd.MMul(sd.Transpose(x), u)
	}
	return grads
}

func derivTensorMmul(dc *DerivativeContext) []*Variable {
	sd, x, y := dc.SameDiff, dc.Inputs[0], dc.Inputs[1]
	xAxes, yAxes := dc.Op.AxisPairs[0], dc.Op.AxisPairs[1]
	xFree := shapes.FreeAxes(x.shape.Rank(), xAxes)
	yFree := shapes.FreeAxes(y.shape.Rank(), yAxes)
	u := dc.UpstreamOrOnes()

	// The output axes of u are xFree followed by yFree.
	uXAxes := make([]int, len(xFree))
	for ii := range uXAxes {
		uXAxes[ii] = ii
	}
	uYAxes := make([]int, len(yFree))
	for ii := range uYAxes {
		uYAxes[ii] = len(xFree) + ii
	}

	// permuteBack reorders a contraction result whose axis j corresponds to operand axis sourceAxes[j].
	permuteBack := func(g *Variable, sourceAxes []int) *Variable {
		permutation := shapes.InversePermutation(sourceAxes)
		identity := true
		for ii, axis := range permutation {
			identity = identity && ii == axis
		}
		if identity {
			return g
		}
		return sd.Permute(g, permutation...)
	}
	// pairedAxes returns, for the contracted axes of one operand in increasing order, the paired axes of the
	// other operand.
	pairedAxes := func(axes, paired []int) []int {
		sorted := slices.Sorted(slices.Values(axes))
		result := make([]int, len(sorted))
		for ii, axis := range sorted {
			result[ii] = paired[slices.Index(axes, axis)]
		}
		return result
	}

	grads := make([]*Variable, 2)
	if dc.Wrt[0] {
		// Result axes: xFree, then the x axes paired with y's contracted axes in increasing order.
		g := sd.TensorMmul(u, y, uYAxes, yFree)
		grads[0] = permuteBack(g, append(slices.Clone(xFree), pairedAxes(yAxes, xAxes)...))
	}
	if dc.Wrt[1] {
		// Result axes: the y axes paired with x's contracted axes in increasing order, then yFree.
		g := sd.TensorMmul(x, u, xFree, uXAxes)
		grads[1] = permuteBack(g, append(pairedAxes(xAxes, yAxes), yFree...))
	}
	return grads
}
