// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backends

import "maps"

// Capabilities lists the kernels a Backend implements. SameDiff checks it when an op is executed, so
// an op without a kernel fails with an unknown-op error instead of panicking inside the backend.
type Capabilities struct {
	// Operations implemented by the backend. Missing entries are not supported.
	Operations map[OpType]bool
}

// Supports returns whether the backend has a kernel for opType.
func (c Capabilities) Supports(opType OpType) bool {
	return c.Operations[opType]
}

// Clone returns a copy of c that can be modified independently.
func (c Capabilities) Clone() Capabilities {
	c2 := Capabilities{Operations: make(map[OpType]bool, len(c.Operations))}
	maps.Copy(c2.Operations, c.Operations)
	return c2
}
