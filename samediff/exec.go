// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package samediff

import (
	"fmt"
	"sync"

	"github.com/gomlx/samediff/backends"
	"github.com/gomlx/samediff/graph"
	"github.com/gomlx/samediff/internal/workerspool"
	"github.com/gomlx/samediff/types/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Op is an executable operation: one action of the execution plan, resolved to its definition and bound to
// the storage of its input and output vertices. It is created by CreateOp, and returned by Exec.
type Op struct {
	sd        *SameDiff
	def       *OpDef
	action    graph.OpExecAction
	inputs    []*tensors.Tensor
	output    *tensors.Tensor
	backendOp backends.Op
}

// Name of the op, as registered.
func (op *Op) Name() string { return op.def.Name }

// Def returns the definition of the op.
func (op *Op) Def() *OpDef { return op.def }

// Action returns the plan entry the op was created from.
func (op *Op) Action() graph.OpExecAction { return op.action }

// Output returns the variable holding the result.
func (op *Op) Output() *Variable { return op.sd.byId[op.action.Output] }

// Z returns the output tensor, owned by the context.
func (op *Op) Z() *tensors.Tensor { return op.output }

// String implements fmt.Stringer.
func (op *Op) String() string {
	return fmt.Sprintf("%s = %s", op.Output().name, op.action.OpState)
}

// Exec computes the op, overwriting its output storage.
func (op *Op) Exec() error {
	var err error
	if op.def.Kernel != nil {
		err = op.def.Kernel(op.inputs, op.output, paramsOf(op.action.OpState))
	} else {
		err = op.sd.backend.Exec(op.backendOp, op.inputs, op.output)
	}
	if err != nil {
		return errors.WithMessagef(err, "executing %s", op)
	}
	return nil
}

// plan returns the cached execution plan, computing it if the graph changed since.
func (sd *SameDiff) plan() (*graph.OpOrder, error) {
	if sd.opOrder != nil {
		return sd.opOrder, nil
	}
	order, err := sd.graph.OpOrder()
	if err != nil {
		return nil, err
	}
	sd.opOrder = &order
	klog.V(1).Infof("samediff %s: execution plan with %d ops", sd.id, order.Len())
	return sd.opOrder, nil
}

// OpOrder returns the execution plan: the op vertices in topological order.
func (sd *SameDiff) OpOrder() (graph.OpOrder, error) {
	plan, err := sd.plan()
	if err != nil {
		return graph.OpOrder{}, err
	}
	return *plan, nil
}

// Allocate makes sure every vertex has storage, binding zeros to the ones without a value.
// Leaves allocated this way are still considered unbound by Exec.
func (sd *SameDiff) Allocate() error {
	if err := sd.graph.Validate(); err != nil {
		return err
	}
	for id, v := range sd.byId {
		if _, found := sd.storage[id]; !found {
			sd.storage[id] = tensors.FromShape(v.shape)
		}
	}
	if sd.state < Allocated {
		sd.state = Allocated
	}
	return nil
}

// CreateOp resolves a plan action into an executable Op bound to the current storage.
//
// It returns an error wrapping ErrUnknownOp if the op is not registered with the given category, or if it is
// not supported by the backend, and ErrUnallocatedStorage if any of its vertices has no storage yet
// (see Allocate).
func (sd *SameDiff) CreateOp(category graph.Category, action graph.OpExecAction) (*Op, error) {
	if action.OpState == nil {
		return nil, errors.Wrapf(ErrUnknownOp, "action for #%d has no op", action.Output)
	}
	def, found := sd.defs[action.Output]
	if !found {
		def, found = sd.registry.Lookup(action.OpState.Name)
		if !found {
			return nil, errors.Wrapf(ErrUnknownOp, "op %q is not registered", action.OpState.Name)
		}
	}
	if def.Category != category {
		return nil, errors.Wrapf(ErrUnknownOp, "op %q is registered as %s, not %s", def.Name, def.Category, category)
	}
	if def.Kernel == nil && !sd.backend.Capabilities().Supports(def.OpType) {
		return nil, errors.Wrapf(ErrUnknownOp, "op %q (%s) is not supported by backend %q",
			def.Name, def.OpType, sd.backend.Name())
	}
	op := &Op{
		sd:        sd,
		def:       def,
		action:    action,
		inputs:    make([]*tensors.Tensor, len(action.Inputs)),
		backendOp: def.backendOp(action.OpState),
	}
	for ii, input := range action.Inputs {
		t, found := sd.storage[input]
		if !found {
			return nil, errors.Wrapf(ErrUnallocatedStorage, "input #%d of %s", input, action.OpState)
		}
		op.inputs[ii] = t
	}
	t, found := sd.storage[action.Output]
	if !found {
		return nil, errors.Wrapf(ErrUnallocatedStorage, "output of %s", action.OpState)
	}
	op.output = t
	return op, nil
}

// checkBindings returns an error wrapping ErrMissingBinding for the first leaf that is consumed by an op, or
// listed in extra, and has no value bound.
func (sd *SameDiff) checkBindings(extra ...graph.VertexId) error {
	check := func(id graph.VertexId) error {
		if sd.graph.Vertex(id).Kind == graph.VariableVertex && !sd.bound.Has(id) {
			return errors.Wrapf(ErrMissingBinding, "variable %q has no value", sd.byId[id].name)
		}
		return nil
	}
	for _, id := range sd.graph.VertexIds() {
		if sd.graph.VertexOutDegree(id) == 0 {
			continue
		}
		if err := check(id); err != nil {
			return err
		}
	}
	for _, id := range extra {
		if err := check(id); err != nil {
			return err
		}
	}
	return nil
}

// Exec runs the whole execution plan once, and returns the executed ops in order.
//
// Storage is allocated as needed. It fails with an error wrapping ErrMissingBinding if a leaf used by an op
// has no value. On error the graph is left intact, and values already computed are kept.
func (sd *SameDiff) Exec() ([]*Op, error) {
	plan, err := sd.plan()
	if err != nil {
		return nil, err
	}
	if err := sd.checkBindings(); err != nil {
		return nil, err
	}
	if err := sd.Allocate(); err != nil {
		return nil, err
	}
	ops := make([]*Op, 0, plan.Len())
	for _, action := range plan.Actions {
		op, err := sd.CreateOp(action.OpState.Category, action)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	if sd.parallelism == 0 {
		err = executeSequential(ops)
	} else {
		err = sd.executeParallel(ops)
	}
	if err != nil {
		return nil, err
	}
	sd.state = Executed
	return ops, nil
}

// ExecAndEndResult runs the plan, and returns a copy of the terminal output: the last variable given to
// SetOutputs, or, if no outputs were set, the output of the last op in the plan.
func (sd *SameDiff) ExecAndEndResult() (*tensors.Tensor, error) {
	ops, err := sd.Exec()
	if err != nil {
		return nil, err
	}
	if len(sd.outputs) > 0 {
		end := sd.byId[sd.outputs[len(sd.outputs)-1]]
		value := sd.storage[end.id]
		if value == nil {
			return nil, errors.Wrapf(ErrMissingBinding, "samediff %s: output %q has no value", sd.id, end.name)
		}
		return value.Clone(), nil
	}
	if len(ops) == 0 {
		return nil, errors.Errorf("samediff %s: graph has no ops to execute", sd.id)
	}
	return ops[len(ops)-1].Z().Clone(), nil
}

// ExecOps executes again a list of ops returned by Exec, in order, and returns a copy of the output of the
// last one. Values bound with Bind since then are used, since ops read the storage in place.
func (sd *SameDiff) ExecOps(ops []*Op) (*tensors.Tensor, error) {
	if len(ops) == 0 {
		return nil, errors.New("no ops to execute")
	}
	for _, op := range ops {
		if op.sd != sd {
			return nil, errors.Errorf("op %s belongs to another SameDiff context", op)
		}
	}
	if err := executeSequential(ops); err != nil {
		return nil, err
	}
	sd.state = Executed
	return ops[len(ops)-1].Z().Clone(), nil
}

func executeSequential(ops []*Op) error {
	for _, op := range ops {
		if err := op.Exec(); err != nil {
			return err
		}
	}
	return nil
}

// executeParallel executes the ops as soon as their inputs are computed, using readiness counters.
func (sd *SameDiff) executeParallel(ops []*Op) error {
	if len(ops) == 0 {
		return nil
	}
	// dependents[i] are the ops consuming the output of op i, and remainingDeps[i] the number of distinct
	// producer ops op i still waits for.
	opIndex := make(map[graph.VertexId]int, len(ops))
	for ii, op := range ops {
		opIndex[op.action.Output] = ii
	}
	dependents := make([][]int, len(ops))
	remainingDeps := make([]int, len(ops))
	for ii, op := range ops {
		for _, e := range sd.graph.InEdges(op.action.Output) {
			if producer, found := opIndex[e.From]; found {
				dependents[producer] = append(dependents[producer], ii)
				remainingDeps[ii]++
			}
		}
	}

	var (
		readyToExecute = make(chan int, len(ops)+1) // protected by execMu
		collectErrors  []error                      // protected by execMu
		execMu         sync.Mutex
		completed      int
	)
	stopExecutionFn := sync.OnceFunc(func() { close(readyToExecute) })
	for ii, deps := range remainingDeps {
		if deps == 0 {
			readyToExecute <- ii
		}
	}

	workers := workerspool.New(sd.parallelism)
	for opIdx := range readyToExecute {
		execFn := func() {
			err := ops[opIdx].Exec()
			execMu.Lock()
			defer execMu.Unlock()
			if len(collectErrors) > 0 {
				return
			}
			if err != nil {
				collectErrors = append(collectErrors, err)
				stopExecutionFn()
				return
			}
			completed++
			if completed == len(ops) {
				stopExecutionFn()
				return
			}
			for _, depIdx := range dependents[opIdx] {
				remainingDeps[depIdx]--
				if remainingDeps[depIdx] == 0 {
					readyToExecute <- depIdx
				}
			}
		}
		if !workers.StartIfAvailable(execFn) {
			// No worker free: run it in the dispatching goroutine.
			execFn()
		}
	}
	workers.Wait()
	if len(collectErrors) > 0 {
		return collectErrors[0]
	}
	return nil
}

// Eval binds the given values to the leaves with the same names, runs the plan, and returns copies of the
// values of the outputs (see SetOutputs).
//
// Bindings are validated before anything is changed: unknown names or op outputs fail with ErrMissingBinding,
// and values with the wrong shape with ErrShapeMismatch.
func (sd *SameDiff) Eval(bindings map[string]*tensors.Tensor) ([]*tensors.Tensor, error) {
	for name, value := range bindings {
		v, found := sd.variables[name]
		if !found || !v.IsLeaf() {
			return nil, errors.Wrapf(ErrMissingBinding, "no leaf variable named %q to bind", name)
		}
		if value == nil || !value.Ok() || !value.Shape().Equal(v.shape) {
			var shape any = "invalid"
			if value != nil && value.Ok() {
				shape = value.Shape()
			}
			return nil, errors.Wrapf(ErrShapeMismatch, "binding %q: variable has shape %s, value has shape %v",
				name, v.shape, shape)
		}
	}
	outputIds := sd.outputIds()
	for name, value := range bindings {
		if err := sd.Bind(name, value); err != nil {
			return nil, err
		}
	}
	if err := sd.checkBindings(outputIds...); err != nil {
		return nil, err
	}
	if _, err := sd.Exec(); err != nil {
		return nil, err
	}
	results := make([]*tensors.Tensor, len(outputIds))
	for ii, id := range outputIds {
		results[ii] = sd.storage[id].Clone()
	}
	return results, nil
}
