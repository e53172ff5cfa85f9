// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package commandline contains convenience UI tools to build, bind and run SameDiff graphs from the
// command line: bindings given as flags, summary tables and a progress bar for iterative loops.
package commandline

import (
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/samediff/samediff"
	"github.com/gomlx/samediff/types/tensors"
)

var headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)

// SummaryTable renders a table with one row per variable of sd: id, name, kind (the producing op or "leaf"),
// shape and whether it has a value.
func SummaryTable(sd *samediff.SameDiff) string {
	table := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		Headers("#", "Name", "Kind", "Shape", "Value").
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row < 0:
				return headerStyle
			case col == 0:
				return rightAlignedStyle
			}
			return normalStyle
		})
	for _, v := range sd.Variables() {
		kind := "leaf"
		if op := v.Producer(); op != nil {
			kind = fmt.Sprintf("%s [%s]", op.Name, op.Category)
		}
		value := "-"
		if t := v.Value(); t != nil {
			value = humanize.Bytes(uint64(t.Memory()))
		}
		table.Row(fmt.Sprintf("%d", v.Id()), v.Name(), kind, v.Shape().String(), value)
	}
	return fmt.Sprintf("%s\n%s elements in %d variables, state %s\n", table.String(),
		humanize.Comma(int64(sd.NumElements())), len(sd.Variables()), sd.State())
}

// ReportEval evaluates sd with the given bindings (see SameDiff.Eval) and prints the name and value of
// each output to w.
func ReportEval(w io.Writer, sd *samediff.SameDiff, bindings map[string]*tensors.Tensor) error {
	results, err := sd.Eval(bindings)
	if err != nil {
		return err
	}
	for ii, v := range sd.Outputs() {
		if _, err = fmt.Fprintf(w, "%s = %s\n", v.Name(), results[ii]); err != nil {
			return err
		}
	}
	return nil
}
