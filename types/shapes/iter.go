// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shapes

import "iter"

// Iter iterates over all indices of the shape in row-major order, yielding the flat position
// alongside the multi-dimensional index.
//
// The yielded index slice is owned by the iterator and reused: don't change or keep it.
func (s Shape) Iter() iter.Seq2[int, []int] {
	return func(yield func(int, []int) bool) {
		if !s.Ok() {
			return
		}
		rank := s.Rank()
		indices := make([]int, rank)
		size := s.Size()
		for flat := range size {
			if !yield(flat, indices) {
				return
			}
			// Increment the indices, last axis changing fastest.
			for axis := rank - 1; axis >= 0; axis-- {
				indices[axis]++
				if indices[axis] < s.Dimensions[axis] {
					break
				}
				indices[axis] = 0
			}
		}
	}
}

// FlatIndex converts a multi-dimensional index into the position in the row-major flat storage.
// Axes where the shape has dimension 1 are treated as broadcast and ignore the index value,
// which lets a kernel read a broadcast operand with the output's indices.
func (s Shape) FlatIndex(indices []int) int {
	flat := 0
	offset := len(indices) - s.Rank()
	for axis, dim := range s.Dimensions {
		flat *= dim
		if dim > 1 {
			flat += indices[axis+offset]
		}
	}
	return flat
}
