// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// samediff builds, evaluates and differentiates graphs defined in HCL files, and runs the logistic
// regression example.
//
// Usage:
//
//	samediff [flags] eval <graph.hcl> [-set "x=1,2;..."] [-publish <url>]
//	samediff [flags] grad <graph.hcl> -of <name> -wrt <name>[,<name>...] [-set ...]
//	samediff [flags] summary <graph.hcl>
//	samediff [flags] logreg [-steps 5] [-lr 0.01] [-checkpoint <dir or gs://bucket/prefix>]
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	flagNoColor     = flag.Bool("nocolor", false, "Disable colors in the output.")
	flagParallelism = flag.Int("parallelism", 0,
		"Parallelism of the graph execution: 0 runs ops sequentially, a negative value uses as many goroutines as needed.")
)

type command struct {
	name, usage string
	run         func(ctx context.Context, args []string) error
}

var commands = []command{
	{"eval", "eval <graph.hcl>: evaluates the outputs of the graph.", runEval},
	{"grad", "grad <graph.hcl> -of <name> -wrt <names>: evaluates gradients.", runGrad},
	{"summary", "summary <graph.hcl>: lists the variables of the graph.", runSummary},
	{"logreg", "logreg: trains the logistic regression example.", runLogReg},
}

func main() {
	ctx := context.Background()
	err := run(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%+v\n", err)
		os.Exit(1)
	}
}

func usage() {
	out := flag.CommandLine.Output()
	_, _ = fmt.Fprintf(out, "Usage: %s [flags] <command> [command flags]\n\nCommands:\n", os.Args[0])
	for _, cmd := range commands {
		_, _ = fmt.Fprintf(out, "  %s\n", cmd.usage)
	}
	_, _ = fmt.Fprintln(out, "\nFlags:")
	flag.PrintDefaults()
}

func run(ctx context.Context) error {
	klog.InitFlags(nil)
	flag.Usage = usage
	flag.Parse()
	if *flagNoColor {
		lipgloss.SetColorProfile(termenv.Ascii)
	}

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		return errors.New("missing command")
	}
	for _, cmd := range commands {
		if cmd.name == args[0] {
			return cmd.run(ctx, args[1:])
		}
	}
	names := make([]string, len(commands))
	for ii, cmd := range commands {
		names[ii] = cmd.name
	}
	return errors.Errorf("unknown command %q, valid commands are: %s", args[0], strings.Join(names, ", "))
}
