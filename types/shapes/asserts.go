// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shapes

import (
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// UncheckedAxis can be used in CheckDims or AssertDims for an axis whose dimension doesn't matter.
const UncheckedAxis = int(-1)

// HasShape is implemented by objects with an associated Shape: tensors.Tensor, samediff.Variable
// and Shape itself.
type HasShape interface {
	Shape() Shape
}

// CheckDims checks that the shape has the given rank and dimensions. UncheckedAxis matches any dimension.
func (s Shape) CheckDims(dimensions ...int) error {
	if s.Rank() != len(dimensions) {
		return errors.Wrapf(ErrIncompatible, "shape %s has rank %d, wanted %d", s, s.Rank(), len(dimensions))
	}
	for ii, wantDim := range dimensions {
		if wantDim != UncheckedAxis && s.Dimensions[ii] != wantDim {
			return errors.Wrapf(ErrIncompatible, "shape %s axis %d has dimension %d, wanted %d (wanted %v)",
				s, ii, s.Dimensions[ii], wantDim, dimensions)
		}
	}
	return nil
}

// AssertDims is like CheckDims, but panics if the dimensions don't match.
func (s Shape) AssertDims(dimensions ...int) {
	if err := s.CheckDims(dimensions...); err != nil {
		exceptions.Panicf("shapes.AssertDims(%v): %+v", dimensions, err)
	}
}

// CheckDims checks the dimensions of anything with a shape.
func CheckDims(shaped HasShape, dimensions ...int) error {
	return shaped.Shape().CheckDims(dimensions...)
}

// AssertDims panics if shaped doesn't have the given dimensions.
func AssertDims(shaped HasShape, dimensions ...int) {
	shaped.Shape().AssertDims(dimensions...)
}

// CheckRank checks that the shape has the given rank.
func (s Shape) CheckRank(rank int) error {
	if s.Rank() != rank {
		return errors.Wrapf(ErrIncompatible, "shape %s has rank %d, wanted %d", s, s.Rank(), rank)
	}
	return nil
}

// CheckSameShape returns an error wrapping ErrIncompatible if the two shapes differ.
func CheckSameShape(lhs, rhs HasShape) error {
	if !lhs.Shape().Equal(rhs.Shape()) {
		return errors.Wrapf(ErrIncompatible, "shapes %s and %s differ", lhs.Shape(), rhs.Shape())
	}
	return nil
}
