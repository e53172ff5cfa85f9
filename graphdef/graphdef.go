// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package graphdef builds SameDiff graphs from HCL definition files.
//
// A definition declares leaf variables, placeholders, ops and gradients as labeled blocks, and optionally the
// outputs of the graph:
//
//	variable "x" {
//	  value = [[1, 2, 3, 4]]
//	}
//	placeholder "w" {
//	  shape = [4, 1]
//	}
//	op "y" {
//	  type   = "mmul"
//	  inputs = ["x", "w"]
//	}
//	op "loss" {
//	  type   = "sum"
//	  inputs = ["y"]
//	}
//	gradient "dw" {
//	  of  = "loss"
//	  wrt = "w"
//	}
//	outputs = ["loss", "dw"]
//
// Op blocks name their output variable with the block label. Gradient variables keep their derived names
// (e.g. "mmul(x,w)"), and the label is an alias usable by other blocks. Blocks may reference each other
// in any order, as long as there are no cycles.
package graphdef

import (
	"context"
	"os"

	"github.com/gomlx/samediff/samediff"
	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/pkg/errors"
	"github.com/zclconf/go-cty/cty"
	"k8s.io/klog/v2"
)

// Definition is the decoded content of a definition file.
type Definition struct {
	Variables    []*VariableBlock    `hcl:"variable,block"`
	Placeholders []*PlaceholderBlock `hcl:"placeholder,block"`
	Ops          []*OpBlock          `hcl:"op,block"`
	Gradients    []*GradientBlock    `hcl:"gradient,block"`
	Outputs      []string            `hcl:"outputs,optional"`
}

// VariableBlock declares a leaf variable with a value: a number or nested lists of numbers.
// If Shape is given, the values are reshaped to it, and a single number fills the whole shape.
type VariableBlock struct {
	Name  string    `hcl:"name,label"`
	Shape []int     `hcl:"shape,optional"`
	Value cty.Value `hcl:"value"`
}

// PlaceholderBlock declares a leaf variable to be bound later.
type PlaceholderBlock struct {
	Name  string `hcl:"name,label"`
	Shape []int  `hcl:"shape"`
}

// OpBlock applies the registered op Type to the Inputs.
type OpBlock struct {
	Name       string    `hcl:"name,label"`
	Type       string    `hcl:"type"`
	Inputs     []string  `hcl:"inputs"`
	Axes       []int     `hcl:"axes,optional"`
	Scalars    []float64 `hcl:"scalars,optional"`
	Dimensions []int     `hcl:"dimensions,optional"`
	XAxes      []int     `hcl:"x_axes,optional"`
	YAxes      []int     `hcl:"y_axes,optional"`
}

// GradientBlock declares the gradient of Of with respect to Wrt.
type GradientBlock struct {
	Name string `hcl:"name,label"`
	Of   string `hcl:"of"`
	Wrt  string `hcl:"wrt"`
}

// Parse decodes the HCL source of a definition. filename is only used in error messages.
func Parse(filename string, src []byte) (*Definition, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, errors.Wrapf(diags, "failed to parse HCL file %s", filename)
	}
	return decode(filename, file)
}

// ParseFile reads and decodes a definition file.
func ParseFile(filePath string) (*Definition, error) {
	src, err := os.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read graph definition %q", filePath)
	}
	return Parse(filePath, src)
}

func decode(filename string, file *hcl.File) (*Definition, error) {
	var def Definition
	diags := gohcl.DecodeBody(file.Body, nil, &def)
	if diags.HasErrors() {
		return nil, errors.Wrapf(diags, "failed to decode HCL file %s", filename)
	}
	return &def, nil
}

// LoadFile parses the definition file and builds its graph, see Definition.Build.
func LoadFile(ctx context.Context, filePath string) (*Graph, error) {
	def, err := ParseFile(filePath)
	if err != nil {
		return nil, err
	}
	g, err := def.Build(ctx)
	if err != nil {
		return nil, errors.WithMessagef(err, "building graph from %q", filePath)
	}
	return g, nil
}

// Graph is a SameDiff context built from a Definition.
type Graph struct {
	SD *samediff.SameDiff

	// Blocks maps each block label to its variable.
	Blocks map[string]*samediff.Variable
}

// Variable returns the variable of the block with the given label, or the SameDiff variable with that name.
func (g *Graph) Variable(name string) *samediff.Variable {
	if v, found := g.Blocks[name]; found {
		return v
	}
	return g.SD.GetVariable(name)
}

// Build creates a new SameDiff context with the definition's variables, ops and gradients.
//
// Construction errors of the graph (e.g. samediff.ErrShapeMismatch) are returned wrapped with the block
// that caused them.
func (def *Definition) Build(ctx context.Context) (*Graph, error) {
	return def.BuildWith(ctx, samediff.New())
}

// BuildWith is like Build, but adds the definition to the given context, which may hold custom ops
// registered in its samediff.Registry.
func (def *Definition) BuildWith(ctx context.Context, sd *samediff.SameDiff) (*Graph, error) {
	logger := klog.FromContext(ctx)
	g := &Graph{SD: sd, Blocks: make(map[string]*samediff.Variable)}
	declare := func(name string, build func() *samediff.Variable) error {
		if _, found := g.Blocks[name]; found {
			return errors.Errorf("block %q declared more than once", name)
		}
		var v *samediff.Variable
		if err := samediff.TryBuild(func() { v = build() }); err != nil {
			return errors.WithMessagef(err, "block %q", name)
		}
		g.Blocks[name] = v
		return nil
	}

	for _, block := range def.Variables {
		value, err := tensorFromValue(block.Value, block.Shape)
		if err != nil {
			return nil, errors.WithMessagef(err, "variable %q", block.Name)
		}
		if err = declare(block.Name, func() *samediff.Variable { return sd.Var(block.Name, value) }); err != nil {
			return nil, err
		}
	}
	for _, block := range def.Placeholders {
		shape, err := shapeOf(block.Shape)
		if err != nil {
			return nil, errors.WithMessagef(err, "placeholder %q", block.Name)
		}
		if err = declare(block.Name, func() *samediff.Variable { return sd.Placeholder(block.Name, shape) }); err != nil {
			return nil, err
		}
	}

	// Ops and gradients are built in sweeps: each sweep builds the pending blocks whose references are
	// all available, in declaration order.
	type pending struct {
		name       string
		references []string
		build      func(inputs []*samediff.Variable) *samediff.Variable
	}
	var todo []pending
	for _, block := range def.Ops {
		todo = append(todo, pending{name: block.Name, references: block.Inputs, build: block.builder(sd)})
	}
	for _, block := range def.Gradients {
		todo = append(todo, pending{
			name:       block.Name,
			references: []string{block.Of, block.Wrt},
			build: func(inputs []*samediff.Variable) *samediff.Variable {
				return sd.Grad(inputs[0], inputs[1])
			},
		})
	}
	for len(todo) > 0 {
		var remaining []pending
		for _, p := range todo {
			inputs := make([]*samediff.Variable, 0, len(p.references))
			for _, ref := range p.references {
				if v := g.Variable(ref); v != nil {
					inputs = append(inputs, v)
				}
			}
			if len(inputs) < len(p.references) {
				remaining = append(remaining, p)
				continue
			}
			if err := declare(p.name, func() *samediff.Variable { return p.build(inputs) }); err != nil {
				return nil, err
			}
			logger.V(2).Info("built block", "name", p.name, "variable", g.Blocks[p.name].Name())
		}
		if len(remaining) == len(todo) {
			return nil, errors.Errorf("block %q references undefined variables or is part of a cycle: %q",
				remaining[0].name, remaining[0].references)
		}
		todo = remaining
	}

	if len(def.Outputs) > 0 {
		outputs := make([]*samediff.Variable, len(def.Outputs))
		for ii, name := range def.Outputs {
			outputs[ii] = g.Variable(name)
			if outputs[ii] == nil {
				return nil, errors.Errorf("output %q is not defined", name)
			}
		}
		sd.SetOutputs(outputs...)
	}
	logger.V(1).Info("built graph", "samediff", sd.Id(), "variables", len(sd.Variables()), "blocks", len(g.Blocks))
	return g, nil
}

// builder returns the function that applies the op to its resolved inputs, under the block name.
func (block *OpBlock) builder(sd *samediff.SameDiff) func(inputs []*samediff.Variable) *samediff.Variable {
	return func(inputs []*samediff.Variable) *samediff.Variable {
		named := sd.Named(block.Name)
		switch block.Type {
		case "sum", "mean", "max", "min", "norm2":
			if len(inputs) != 1 {
				break
			}
			reduce := map[string]func(*samediff.Variable, ...int) *samediff.Variable{
				"sum": named.Sum, "mean": named.Mean, "max": named.Max, "min": named.Min, "norm2": named.Norm2,
			}[block.Type]
			return reduce(inputs[0], block.Axes...)
		case "cosineSimilarity":
			if len(inputs) != 2 || len(block.Axes) != 1 {
				break
			}
			return named.CosineSimilarity(inputs[0], inputs[1], block.Axes[0])
		case "tensorMmul":
			if len(inputs) != 2 {
				break
			}
			return named.TensorMmul(inputs[0], inputs[1], block.XAxes, block.YAxes)
		}
		return named.Custom(block.Type, samediff.Params{
			Axes:       block.Axes,
			Scalars:    block.Scalars,
			Dimensions: block.Dimensions,
			AxisPairs:  [2][]int{block.XAxes, block.YAxes},
		}, inputs...)
	}
}
