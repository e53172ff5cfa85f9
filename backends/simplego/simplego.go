// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package simplego implements a simple and very portable pure Go backend for SameDiff.
//
// It implements every backends.OpType on float64 tensors. Kernels are registered in a table indexed by
// OpType during package initialization, one file per family of operations.
package simplego

import (
	"github.com/gomlx/samediff/backends"
	"github.com/gomlx/samediff/types/tensors"
	"github.com/pkg/errors"
)

// BackendName to be used in SAMEDIFF_BACKEND to specify this backend.
const BackendName = "go"

// Registers New() as the default constructor for the "go" backend.
func init() {
	backends.Register(BackendName, New)
}

// New constructs a new SimpleGo Backend.
// There are no configurations, the string is simply ignored.
func New(_ string) backends.Backend {
	return &Backend{}
}

// Backend implements the backends.Backend interface.
type Backend struct{}

// Compile-time check that simplego.Backend implements backends.Backend.
var _ backends.Backend = &Backend{}

// Name returns the short name of the backend.
func (b *Backend) Name() string { return BackendName }

// String implements fmt.Stringer.
func (b *Backend) String() string { return BackendName }

// Description is a longer description of the Backend that can be used to pretty-print.
func (b *Backend) Description() string {
	return "SimpleGo: portable pure Go backend (float64)"
}

// Capabilities returns information about what is supported by this backend.
func (b *Backend) Capabilities() backends.Capabilities {
	return Capabilities
}

// nodeExecutor computes the output of one op. The output is already allocated with the expected shape.
type nodeExecutor func(op backends.Op, inputs []*tensors.Tensor, output *tensors.Tensor) error

// nodeExecutors should be populated during initialization (`init` functions) for the ops implemented.
var nodeExecutors [backends.OpTypeLast]nodeExecutor

// numInputs holds the number of inputs expected by each op, if not 1.
var numInputs [backends.OpTypeLast]int

// Capabilities of the SimpleGo backend, the set of supported operations. It is filled in from
// the registered executors.
var Capabilities = backends.Capabilities{Operations: make(map[backends.OpType]bool)}

func setNodeExecutor(opType backends.OpType, inputs int, executor nodeExecutor) {
	nodeExecutors[opType] = executor
	numInputs[opType] = inputs
	Capabilities.Operations[opType] = true
}

// Exec implements backends.Backend.
func (b *Backend) Exec(op backends.Op, inputs []*tensors.Tensor, output *tensors.Tensor) error {
	if op.Type <= backends.OpTypeInvalid || op.Type >= backends.OpTypeLast || nodeExecutors[op.Type] == nil {
		return errors.Errorf("simplego: op %s not implemented", op.Type)
	}
	if len(inputs) != numInputs[op.Type] {
		return errors.Errorf("simplego: op %s takes %d inputs, got %d", op.Type, numInputs[op.Type], len(inputs))
	}
	for ii, input := range inputs {
		if !input.Ok() {
			return errors.Errorf("simplego: op %s input #%d is invalid", op.Type, ii)
		}
	}
	if !output.Ok() {
		return errors.Errorf("simplego: op %s output is invalid", op.Type)
	}
	if err := nodeExecutors[op.Type](op, inputs, output); err != nil {
		return errors.WithMessagef(err, "simplego: executing %s", op)
	}
	return nil
}
