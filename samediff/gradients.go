// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package samediff

import (
	"github.com/gomlx/samediff/graph"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Grad returns a variable holding the gradient of y with respect to x, see Gradients.
func (sd *SameDiff) Grad(y, x *Variable) *Variable {
	return sd.Gradients(y, x)[0]
}

// Gradients appends to the graph the reverse-mode derivative of y with respect to each of xs, and returns the
// variables holding them. Each gradient has the shape of its x.
//
// If y is not a scalar, the result is the gradient of the sum of its elements. Gradients are cached per
// (y, x) pair, so asking again returns the same variables.
//
// It panics with an error wrapping ErrNoGradientPath if some x doesn't reach y, and with
// ErrUnsupportedOpDerivative if an op on the way has no derivative rule. In both cases the graph is
// unchanged. Use TryBuild to recover the error.
func (sd *SameDiff) Gradients(y *Variable, xs ...*Variable) []*Variable {
	sd.checkOwnership(y)
	results := make([]*Variable, len(xs))
	var missing []*Variable
	for ii, x := range xs {
		sd.checkOwnership(x)
		if cached, found := sd.gradCache[gradKey{y.id, x.id}]; found {
			results[ii] = cached
			continue
		}
		missing = append(missing, x)
	}
	if len(missing) == 0 {
		return results
	}

	built := sd.buildGradients(y, missing)
	for ii, x := range xs {
		if results[ii] == nil {
			results[ii] = built[x.id]
			sd.gradCache[gradKey{y.id, x.id}] = results[ii]
		}
	}
	sd.state = Differentiated
	return results
}

// buildGradients builds the gradients of y with respect to xs, all or nothing.
func (sd *SameDiff) buildGradients(y *Variable, xs []*Variable) (grads map[graph.VertexId]*Variable) {
	ancestors := sd.graph.Ancestors(y.id)
	xIds := make([]graph.VertexId, len(xs))
	for ii, x := range xs {
		if !ancestors.Has(x.id) {
			panicf(ErrNoGradientPath, "%q does not depend on %q", y.name, x.name)
		}
		xIds[ii] = x.id
	}
	onPath := ancestors.Intersect(sd.graph.Descendants(xIds...))
	order, err := sd.graph.TopologicalSort()
	if err != nil {
		panic(err)
	}

	// needsRule reports whether gradients have to flow through the op of vertex id.
	needsRule := func(id graph.VertexId) bool {
		v := sd.graph.Vertex(id)
		if !onPath.Has(id) || v.Kind != graph.OpVertex {
			return false
		}
		for _, input := range v.Op.Inputs {
			if onPath.Has(input) {
				return true
			}
		}
		return false
	}
	for _, id := range order {
		if needsRule(id) && !sd.defs[id].HasDerivative() {
			panicf(ErrUnsupportedOpDerivative, "op %q producing %q has no derivative rule, needed for grad(%s, %s)",
				sd.defs[id].Name, sd.byId[id].name, y.name, xs[0].name)
		}
	}

	// Everything appended from here on is dropped if a rule panics.
	mark := sd.graph.Mark()
	numVertices := sd.graph.NumVertices()
	lastId := sd.graph.LastId()
	previousState := sd.state
	sd.uniqueNames = true
	defer func() {
		sd.uniqueNames = false
		if r := recover(); r != nil {
			sd.rollback(mark, lastId)
			sd.state = previousState
			panic(r)
		}
	}()

	// adjoints hold the accumulated gradient of y with respect to each vertex on the path.
	adjoints := make(map[graph.VertexId]*Variable)
	for ii := len(order) - 1; ii >= 0; ii-- {
		id := order[ii]
		if !needsRule(id) {
			continue
		}
		upstream, found := adjoints[id]
		if !found && id != y.id {
			// Gradient stopped before reaching this op.
			continue
		}
		def := sd.defs[id]
		if def.NoGradient {
			continue
		}
		op := sd.graph.Vertex(id).Op
		dc := &DerivativeContext{
			SameDiff: sd,
			Op:       op,
			Inputs:   make([]*Variable, len(op.Inputs)),
			Output:   sd.byId[id],
			Upstream: upstream,
			Wrt:      make([]bool, len(op.Inputs)),
		}
		for jj, input := range op.Inputs {
			dc.Inputs[jj] = sd.byId[input]
			dc.Wrt[jj] = onPath.Has(input)
		}
		inputGrads := def.Derivative(dc)
		if len(inputGrads) != len(op.Inputs) {
			panic(errors.Errorf("derivative of %q returned %d gradients for %d inputs",
				def.Name, len(inputGrads), len(op.Inputs)))
		}
		for jj, g := range inputGrads {
			if !dc.Wrt[jj] || g == nil {
				continue
			}
			input := dc.Inputs[jj]
			if !g.shape.Equal(input.shape) {
				panic(errors.Errorf("derivative of %q with respect to %q has shape %s, wanted %s",
					def.Name, input.name, g.shape, input.shape))
			}
			if previous, found := adjoints[input.id]; found {
				g = sd.Add(previous, g)
			}
			adjoints[input.id] = g
		}
	}

	grads = make(map[graph.VertexId]*Variable, len(xs))
	for _, x := range xs {
		switch g, found := adjoints[x.id]; {
		case x.id == y.id:
			grads[x.id] = sd.OnesLike(x)
		case found:
			grads[x.id] = g
		default:
			grads[x.id] = sd.ZerosLike(x)
		}
	}
	if klog.V(1).Enabled() {
		klog.Infof("samediff %s: gradients of %q appended %d vertices", sd.id, y.name,
			sd.graph.NumVertices()-numVertices)
	}
	return grads
}

// rollback drops every vertex created after mark, and the variables and values attached to them.
func (sd *SameDiff) rollback(mark graph.Mark, lastId graph.VertexId) {
	sd.graph.Rollback(mark)
	for id, v := range sd.byId {
		if id <= lastId {
			continue
		}
		delete(sd.byId, id)
		delete(sd.variables, v.name)
		delete(sd.defs, id)
		delete(sd.storage, id)
		sd.bound.Delete(id)
	}
	sd.opOrder = nil
}
