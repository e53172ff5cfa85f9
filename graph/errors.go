// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import "github.com/pkg/errors"

var (
	// ErrCycleDetected is returned by TopologicalSort when not every vertex could be scheduled.
	ErrCycleDetected = errors.New("cycle detected in graph")

	// ErrDanglingEdge is returned when an edge or an op input references a vertex that doesn't exist.
	ErrDanglingEdge = errors.New("edge references unknown vertex")
)

// IsIntegrityError returns whether err signals a corrupted graph structure.
func IsIntegrityError(err error) bool {
	return errors.Is(err, ErrCycleDetected) || errors.Is(err, ErrDanglingEdge)
}
