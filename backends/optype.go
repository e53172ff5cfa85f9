// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backends

import (
	"fmt"
	"slices"
	"strings"
)

// OpType is an enum of all generic operations that can be supported by a Backend.
type OpType int

const (
	OpTypeInvalid OpType = iota
	OpTypeIdentity

	// Transform: element-wise unary operations.
	OpTypeSigmoid
	OpTypeTanh
	OpTypeExp
	OpTypeLog
	OpTypeNeg
	OpTypeSqrt
	OpTypeSquare
	OpTypeAbs
	OpTypeRelu
	OpTypeSign
	OpTypeSigmoidDerivative
	OpTypeTanhDerivative
	OpTypeReluDerivative
	OpTypeOnesLike
	OpTypeZerosLike

	// Transform: element-wise with a scalar parameter, Op.Scalars[0].
	OpTypeAddScalar
	OpTypeSubScalar
	OpTypeRSubScalar
	OpTypeMulScalar
	OpTypeDivScalar
	OpTypeRDivScalar
	OpTypePow

	// Pairwise: element-wise binary operations with implicit broadcasting.
	OpTypeAdd
	OpTypeSub
	OpTypeRSub
	OpTypeMul
	OpTypeDiv
	OpTypeRDiv

	// Accumulation: reductions over Op.Axes, keeping the reduced axes with dimension 1.
	OpTypeReduceSum
	OpTypeReduceMean
	OpTypeReduceMax
	OpTypeReduceMin
	OpTypeReduceNorm2
	OpTypeCosineSimilarity

	// Shape operations.
	OpTypeBroadcast
	OpTypeReshape
	OpTypeTranspose
	OpTypePermute

	// Linear algebra.
	OpTypeMatMul
	OpTypeTensorDot

	// OpTypeLast should always be kept the last, it is used as a counter/marker for OpType.
	OpTypeLast
)

var opTypeNames = [...]string{
	OpTypeInvalid:           "Invalid",
	OpTypeIdentity:          "Identity",
	OpTypeSigmoid:           "Sigmoid",
	OpTypeTanh:              "Tanh",
	OpTypeExp:               "Exp",
	OpTypeLog:               "Log",
	OpTypeNeg:               "Neg",
	OpTypeSqrt:              "Sqrt",
	OpTypeSquare:            "Square",
	OpTypeAbs:               "Abs",
	OpTypeRelu:              "Relu",
	OpTypeSign:              "Sign",
	OpTypeSigmoidDerivative: "SigmoidDerivative",
	OpTypeTanhDerivative:    "TanhDerivative",
	OpTypeReluDerivative:    "ReluDerivative",
	OpTypeOnesLike:          "OnesLike",
	OpTypeZerosLike:         "ZerosLike",
	OpTypeAddScalar:         "AddScalar",
	OpTypeSubScalar:         "SubScalar",
	OpTypeRSubScalar:        "RSubScalar",
	OpTypeMulScalar:         "MulScalar",
	OpTypeDivScalar:         "DivScalar",
	OpTypeRDivScalar:        "RDivScalar",
	OpTypePow:               "Pow",
	OpTypeAdd:               "Add",
	OpTypeSub:               "Sub",
	OpTypeRSub:              "RSub",
	OpTypeMul:               "Mul",
	OpTypeDiv:               "Div",
	OpTypeRDiv:              "RDiv",
	OpTypeReduceSum:         "ReduceSum",
	OpTypeReduceMean:        "ReduceMean",
	OpTypeReduceMax:         "ReduceMax",
	OpTypeReduceMin:         "ReduceMin",
	OpTypeReduceNorm2:       "ReduceNorm2",
	OpTypeCosineSimilarity:  "CosineSimilarity",
	OpTypeBroadcast:         "Broadcast",
	OpTypeReshape:           "Reshape",
	OpTypeTranspose:         "Transpose",
	OpTypePermute:           "Permute",
	OpTypeMatMul:            "MatMul",
	OpTypeTensorDot:         "TensorDot",
	OpTypeLast:              "Last",
}

// String implements fmt.Stringer.
func (i OpType) String() string {
	if i < 0 || int(i) >= len(opTypeNames) {
		return fmt.Sprintf("OpType(%d)", i)
	}
	return opTypeNames[i]
}

// OpTypeString returns the OpType with the given name, case-insensitive.
func OpTypeString(name string) (OpType, error) {
	for ii, opName := range opTypeNames {
		if strings.EqualFold(opName, name) {
			return OpType(ii), nil
		}
	}
	return OpTypeInvalid, fmt.Errorf("%q does not belong to OpType values", name)
}

// Op describes one operation to a Backend: its type and the static parameters it was built with.
type Op struct {
	Type OpType

	// Axes of a reduction, the permutation of a Permute, or the axis of CosineSimilarity.
	Axes []int

	// Scalars holds the scalar parameter of the *Scalar ops and the exponent of Pow.
	Scalars []float64

	// AxisPairs holds the contracted axes of TensorDot: AxisPairs[0] for the lhs and AxisPairs[1] for the rhs.
	AxisPairs [2][]int
}

// Scalar returns Scalars[0], or 0 if there are no scalar parameters.
func (op Op) Scalar() float64 {
	if len(op.Scalars) == 0 {
		return 0
	}
	return op.Scalars[0]
}

// String implements fmt.Stringer.
func (op Op) String() string {
	var parts []string
	if len(op.Axes) > 0 {
		parts = append(parts, fmt.Sprintf("axes=%v", op.Axes))
	}
	if len(op.Scalars) > 0 {
		parts = append(parts, fmt.Sprintf("scalars=%v", op.Scalars))
	}
	if len(op.AxisPairs[0]) > 0 || len(op.AxisPairs[1]) > 0 {
		parts = append(parts, fmt.Sprintf("contract=%v/%v", op.AxisPairs[0], op.AxisPairs[1]))
	}
	if len(parts) == 0 {
		return op.Type.String()
	}
	return fmt.Sprintf("%s(%s)", op.Type, strings.Join(parts, ", "))
}

// Clone returns a deep copy of the op descriptor.
func (op Op) Clone() Op {
	return Op{
		Type:      op.Type,
		Axes:      slices.Clone(op.Axes),
		Scalars:   slices.Clone(op.Scalars),
		AxisPairs: [2][]int{slices.Clone(op.AxisPairs[0]), slices.Clone(op.AxisPairs[1])},
	}
}
