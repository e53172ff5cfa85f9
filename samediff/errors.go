// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package samediff

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/samediff/graph"
	"github.com/pkg/errors"
)

// Construction errors: returned (as panics, see TryBuild) by the builder methods.
var (
	// ErrShapeMismatch is raised when the input shapes of an op are incompatible, or when a binding has the
	// wrong shape.
	ErrShapeMismatch = errors.New("shape mismatch")

	// ErrDuplicateVariableName is raised when a new variable would take a name already in use.
	ErrDuplicateVariableName = errors.New("duplicate variable name")

	// ErrUnknownOp is raised when an op name has no registered implementation. CreateOp also returns it
	// when the backend doesn't support the op.
	ErrUnknownOp = errors.New("unknown op")

	// ErrForeignVariable is raised when a builder is given a nil variable, or one created by another context.
	ErrForeignVariable = errors.New("variable not in context")
)

// Execution errors: returned by Allocate, CreateOp, Exec and Eval.
var (
	// ErrMissingBinding is returned when a leaf variable has no value bound at execution time, or a binding
	// refers to an unknown leaf.
	ErrMissingBinding = errors.New("missing binding")

	// ErrUnallocatedStorage is returned when an op is created before storage was allocated for its vertices.
	ErrUnallocatedStorage = errors.New("unallocated storage")
)

// Differentiation errors: raised by Grad and Gradients.
var (
	// ErrNoGradientPath is raised when the input doesn't reach the output through any edge sequence.
	ErrNoGradientPath = errors.New("no gradient path")

	// ErrUnsupportedOpDerivative is raised when an op on the gradient path has no derivative rule.
	ErrUnsupportedOpDerivative = errors.New("unsupported op derivative")
)

// IsConstructionError returns whether err was raised while building the graph.
func IsConstructionError(err error) bool {
	return errors.Is(err, ErrShapeMismatch) || errors.Is(err, ErrDuplicateVariableName) ||
		errors.Is(err, ErrUnknownOp) || errors.Is(err, ErrForeignVariable)
}

// IsExecutionError returns whether err was returned while executing the graph.
func IsExecutionError(err error) bool {
	return errors.Is(err, ErrMissingBinding) || errors.Is(err, ErrUnallocatedStorage)
}

// IsDifferentiationError returns whether err was raised while building a gradient.
func IsDifferentiationError(err error) bool {
	return errors.Is(err, ErrNoGradientPath) || errors.Is(err, ErrUnsupportedOpDerivative)
}

// IsIntegrityError returns whether err signals a corrupted graph structure. See graph.IsIntegrityError.
func IsIntegrityError(err error) bool {
	return graph.IsIntegrityError(err)
}

// TryBuild runs the graph building function fn, and returns any error it panicked with.
//
// Builder methods (Var, Sigmoid, MMul, Grad, ...) panic on errors, so a whole graph can be built without
// checking for errors at every op. Panics that are not errors are re-thrown.
func TryBuild(fn func()) error {
	return exceptions.TryCatch[error](fn)
}

// panicf panics with an error wrapping the sentinel cause.
func panicf(cause error, format string, args ...any) {
	panic(errors.Wrapf(cause, format, args...))
}
