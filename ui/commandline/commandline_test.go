// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"bytes"
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gomlx/samediff/samediff"
	"github.com/gomlx/samediff/types/shapes"
	"github.com/gomlx/samediff/types/tensors"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestGraph() *samediff.SameDiff {
	sd := samediff.New()
	x := sd.Placeholder("x", shapes.MakeF64(2, 2))
	lr := sd.Placeholder("lr", shapes.MakeF64())
	sd.Mul(x, lr)
	return sd
}

func TestParseBindings(t *testing.T) {
	sd := createTestGraph()
	names, err := ParseBindings(sd, "x=1,2,3,4;lr=1_000;")
	require.NoError(t, err)
	assert.Equal(t, []string{"x", "lr"}, names)
	assert.Equal(t, [][]float64{{1, 2}, {3, 4}}, sd.GetVariable("x").Value().Value())
	assert.Equal(t, 1000.0, sd.GetVariable("lr").Value().Value())

	// A single value fills the variable.
	_, err = ParseBindings(sd, "x=0.5")
	require.NoError(t, err)
	assert.Equal(t, [][]float64{{0.5, 0.5}, {0.5, 0.5}}, sd.GetVariable("x").Value().Value())

	_, err = ParseBindings(sd, "q=3")
	require.ErrorIs(t, err, samediff.ErrMissingBinding)
	_, err = ParseBindings(sd, "mul(x,lr)=3")
	require.ErrorIs(t, err, samediff.ErrMissingBinding)
	_, err = ParseBindings(sd, "x=1,2,3")
	require.ErrorIs(t, err, samediff.ErrShapeMismatch)
	_, err = ParseBindings(sd, "x=a")
	require.Error(t, err)
	_, err = ParseBindings(sd, "x")
	require.Error(t, err)
}

func TestParseBindingsFromFile(t *testing.T) {
	sd := createTestGraph()
	path := filepath.Join(t.TempDir(), "bindings.txt")
	require.NoError(t, os.WriteFile(path, []byte("# Inputs\nx=1,1,2,2\n\nlr=0.1\n"), 0o644))
	names, err := ParseBindings(sd, "file:"+path+";lr=0.2")
	require.NoError(t, err)
	assert.Equal(t, []string{"x", "lr", "lr"}, names)
	assert.Equal(t, 0.2, sd.GetVariable("lr").Value().Value())
	assert.Equal(t, "\t\"lr\": (Float64): 0.2\n\t\"x\": (Float64)[2 2]: [[1, 1], [2, 2]]",
		SprintModifiedBindings(sd, names))

	_, err = ParseBindings(sd, "file:"+path+".missing")
	require.Error(t, err)
}

func TestSprintBindings(t *testing.T) {
	sd := createTestGraph()
	require.NoError(t, sd.Bind("lr", tensors.FromScalar(3)))
	printed := SprintBindings(sd)
	assert.Contains(t, printed, `"x"`)
	assert.Contains(t, printed, "<unbound>")
	assert.Contains(t, printed, `"lr"`)
	assert.NotContains(t, printed, "mul(x,lr)")
}

func TestSummaryTable(t *testing.T) {
	sd := createTestGraph()
	table := SummaryTable(sd)
	for _, want := range []string{"Name", "x", "lr", "mul(x,lr)", "leaf", "Building"} {
		assert.Contains(t, table, want)
	}
}

func TestReportEval(t *testing.T) {
	sd := createTestGraph()
	var buf bytes.Buffer
	err := ReportEval(&buf, sd, map[string]*tensors.Tensor{
		"x":  tensors.FromValue([][]float64{{1, 2}, {3, 4}}),
		"lr": tensors.FromScalar(2),
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(buf.String(), "mul(x,lr) = "))
	assert.Contains(t, buf.String(), "[[2, 4], [6, 8]]")

	err = ReportEval(&buf, sd, map[string]*tensors.Tensor{"x": tensors.FromScalar(1)})
	require.True(t, errors.Is(err, samediff.ErrShapeMismatch))
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "1.50s", FormatDuration(1500*time.Millisecond))
	assert.Equal(t, "12.35ms", FormatDuration(12345*time.Microsecond))
	assert.Equal(t, "2.00m", FormatDuration(2*time.Minute))
	assert.Equal(t, "17ns", FormatDuration(17))
	assert.Equal(t, "-1.00µs", FormatDuration(-time.Microsecond))
}

func TestProgressBar(t *testing.T) {
	maxUpdateFrequency = 0
	var buf bytes.Buffer
	pBar := newProgressBar(&buf, 3, func() (string, string) { return "Extra", "42" })
	for step := range 3 {
		pBar.Update(step, Metric{Name: "Loss", Value: "0.25"})
	}
	pBar.Update(1) // Already reported: ignored.
	pBar.Done()
	pBar.Done()
	out := buf.String()
	assert.Contains(t, out, "3 of 3")
	assert.Contains(t, out, "Loss")
	assert.Contains(t, out, "Extra")
	assert.Contains(t, out, "42")
}

func TestCreateBindingsFlag(t *testing.T) {
	sd := createTestGraph()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	settings := CreateBindingsFlag(fs, sd, "")
	usage := fs.Lookup("set").Usage
	assert.Contains(t, usage, `"x": shape`)
	assert.Contains(t, usage, `"lr": shape`)
	assert.NotContains(t, usage, "mul(x,lr)")
	require.NoError(t, fs.Parse([]string{"-set", "x=1,2,3,4;lr=2"}))
	names, err := ParseBindings(sd, *settings)
	require.NoError(t, err)
	assert.Equal(t, []string{"x", "lr"}, names)
}
