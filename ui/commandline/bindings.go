// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/gomlx/samediff/pkg/support/fsutil"
	"github.com/gomlx/samediff/pkg/support/sets"
	"github.com/gomlx/samediff/samediff"
	"github.com/gomlx/samediff/types/tensors"
	"github.com/pkg/errors"
)

// ParseBindings binds the leaf variables of sd from settings -- typically the contents of a flag set by the
// user. The settings are a list separated by ";": e.g.: "x=1,2,3,4;lr=0.1".
//
// Each value is a comma separated list of numbers, in row-major order, with as many values as the variable
// has elements. A single value fills the whole variable. "_" is removed from numbers, so "1_000" is 1000.
//
// An entry "file:<path>" reads more settings from the file, one or more per line. Empty lines and lines
// starting with "#" are ignored.
//
// It returns the names of the variables bound, in the order they were given.
func ParseBindings(sd *samediff.SameDiff, settings string) (names []string, err error) {
	for _, setting := range strings.Split(settings, ";") {
		names, err = parseBinding(sd, setting, names)
		if err != nil {
			return
		}
	}
	return
}

func parseBinding(sd *samediff.SameDiff, setting string, names []string) ([]string, error) {
	setting = strings.TrimSpace(setting)
	if setting == "" {
		return names, nil
	}
	if filePath, isFile := strings.CutPrefix(setting, "file:"); isFile {
		filePath, err := fsutil.ExpandHome(filePath)
		if err != nil {
			return names, err
		}
		contents, err := os.ReadFile(filePath)
		if err != nil {
			return names, errors.Wrapf(err, "failed to read bindings from file %q", filePath)
		}
		for _, line := range strings.Split(string(contents), "\n") {
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			for _, fileSetting := range strings.Split(line, ";") {
				names, err = parseBinding(sd, fileSetting, names)
				if err != nil {
					return names, err
				}
			}
		}
		return names, nil
	}

	name, valueStr, found := strings.Cut(setting, "=")
	if !found {
		return names, errors.Errorf("can't parse binding %q: each binding requires the format \"<name>=<values>\"",
			setting)
	}
	name = strings.TrimSpace(name)
	v := sd.GetVariable(name)
	if v == nil {
		return names, errors.Wrapf(samediff.ErrMissingBinding, "can't bind %q: unknown variable", name)
	}
	if !v.IsLeaf() {
		return names, errors.Wrapf(samediff.ErrMissingBinding, "can't bind %q: it is computed by an op", name)
	}
	parts := strings.Split(valueStr, ",")
	values := make([]float64, len(parts))
	for ii, part := range parts {
		part = strings.ReplaceAll(strings.TrimSpace(part), "_", "")
		if err := json.Unmarshal([]byte(part), &values[ii]); err != nil {
			return names, errors.Wrapf(err, "failed to parse value %q for variable %q", part, name)
		}
	}
	shape := v.Shape()
	var value *tensors.Tensor
	switch len(values) {
	case shape.Size():
		value = tensors.FromFlatDataAndDimensions(values, shape.Dimensions...)
	case 1:
		value = tensors.FromScalarAndDimensions(values[0], shape.Dimensions...)
	default:
		return names, errors.Wrapf(samediff.ErrShapeMismatch, "variable %q has shape %s (%d elements), got %d values",
			name, shape, shape.Size(), len(values))
	}
	if err := sd.Bind(name, value); err != nil {
		return names, err
	}
	return append(names, name), nil
}

// CreateBindingsFlag creates a string flag in fs (flag.CommandLine if nil) with the given flagName (if empty it
// will be named "set") and with a description of the leaf variables of sd that can be bound.
//
// The flag should be created before the call to `fs.Parse()`.
//
// Example usage:
//
//	func main() {
//		sd := buildGraph()
//		settings := commandline.CreateBindingsFlag(nil, sd, "")
//		flag.Parse()
//		_, err := commandline.ParseBindings(sd, *settings)
//		if err != nil { panic(err) }
//		fmt.Println(commandline.SprintBindings(sd))
//		...
//	}
func CreateBindingsFlag(fs *flag.FlagSet, sd *samediff.SameDiff, flagName string) *string {
	if fs == nil {
		fs = flag.CommandLine
	}
	if flagName == "" {
		flagName = "set"
	}
	parts := []string{
		`Bind leaf variables of the graph. ` +
			`It should be a list of elements "name=v0,v1,..." separated by ";", values in row-major order. ` +
			`It can also be given an entry like: "file:bindings.txt", in ` +
			`which case the file will be read and the bindings will be parsed, ` +
			`with new-lines working as ";" and lines starting with "#" are considered comments. ` +
			`Variables that can be bound:`,
	}
	for _, v := range sd.Variables() {
		if v.IsLeaf() {
			parts = append(parts, fmt.Sprintf("%q: shape %s", v.Name(), v.Shape()))
		}
	}
	var settings string
	fs.StringVar(&settings, flagName, "", strings.Join(parts, "\n"))
	return &settings
}

// SprintBindings pretty-prints the values bound to the leaf variables of sd, one per line.
// Variables without a value are listed as "<unbound>".
func SprintBindings(sd *samediff.SameDiff) string {
	var parts []string
	for _, v := range sd.Variables() {
		if !v.IsLeaf() {
			continue
		}
		value := "<unbound>"
		if t := v.Value(); t != nil {
			value = t.String()
		}
		parts = append(parts, fmt.Sprintf("\t%q %s: %s", v.Name(), v.Shape(), value))
	}
	return strings.Join(parts, "\n")
}

// SprintModifiedBindings is like SprintBindings, but only for the given names, sorted and without
// duplicates, as returned by ParseBindings.
func SprintModifiedBindings(sd *samediff.SameDiff, names []string) string {
	var parts []string
	for _, name := range sets.Sorted(sets.MakeWith(names...)) {
		v := sd.GetVariable(name)
		if v == nil || v.Value() == nil {
			continue
		}
		parts = append(parts, fmt.Sprintf("\t%q: %s", name, v.Value()))
	}
	return strings.Join(parts, "\n")
}
