// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/gomlx/samediff/graphdef"
	"github.com/gomlx/samediff/samediff"
	"github.com/gomlx/samediff/transport"
	"github.com/gomlx/samediff/ui/commandline"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// loadGraph builds the graph of the definition file given as the first argument, and returns the
// remaining arguments.
func loadGraph(ctx context.Context, command string, args []string) (*graphdef.Graph, []string, error) {
	if len(args) == 0 || strings.HasPrefix(args[0], "-") {
		return nil, nil, errors.Errorf("%s: missing graph definition file", command)
	}
	g, err := graphdef.LoadFile(ctx, args[0])
	if err != nil {
		return nil, nil, err
	}
	g.SD.SetParallelism(*flagParallelism)
	return g, args[1:], nil
}

// parseBindings creates the command flags with fn, parses args and binds the values given with "-set".
func parseBindings(command string, sd *samediff.SameDiff, args []string, fn func(fs *flag.FlagSet)) error {
	fs := flag.NewFlagSet(command, flag.ContinueOnError)
	settings := commandline.CreateBindingsFlag(fs, sd, "")
	if fn != nil {
		fn(fs)
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() > 0 {
		return errors.Errorf("%s: unexpected arguments %q", command, fs.Args())
	}
	names, err := commandline.ParseBindings(sd, *settings)
	if err != nil {
		return err
	}
	if len(names) > 0 && klog.V(1).Enabled() {
		klog.Infof("Bindings set:\n%s", commandline.SprintModifiedBindings(sd, names))
	}
	return nil
}

func runEval(ctx context.Context, args []string) error {
	g, args, err := loadGraph(ctx, "eval", args)
	if err != nil {
		return err
	}
	var publishURL, event string
	err = parseBindings("eval", g.SD, args, func(fs *flag.FlagSet) {
		fs.StringVar(&publishURL, "publish", "", "If set, publish the outputs to the socket.io server at this URL.")
		fs.StringVar(&event, "event", "tensor", "Event used to publish the outputs.")
	})
	if err != nil {
		return err
	}
	if err = commandline.ReportEval(os.Stdout, g.SD, nil); err != nil {
		return err
	}
	if publishURL == "" {
		return nil
	}
	client, err := transport.DialSocketIO(ctx, transport.SocketIOConfig{URL: publishURL, Event: event})
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()
	for _, v := range g.SD.Outputs() {
		if err = client.Publish(ctx, v.Value()); err != nil {
			return errors.WithMessagef(err, "publishing %q", v.Name())
		}
	}
	fmt.Printf("Published %d outputs to %s\n", len(g.SD.Outputs()), publishURL)
	return nil
}

func runGrad(ctx context.Context, args []string) error {
	g, args, err := loadGraph(ctx, "grad", args)
	if err != nil {
		return err
	}
	var of, wrt string
	err = parseBindings("grad", g.SD, args, func(fs *flag.FlagSet) {
		fs.StringVar(&of, "of", "", "Name of the variable to differentiate.")
		fs.StringVar(&wrt, "wrt", "", "Comma separated names of the variables to differentiate with respect to.")
	})
	if err != nil {
		return err
	}
	y := g.Variable(of)
	if y == nil {
		return errors.Errorf("grad: -of variable %q not found", of)
	}
	var xs []*samediff.Variable
	for _, name := range strings.Split(wrt, ",") {
		x := g.Variable(strings.TrimSpace(name))
		if x == nil {
			return errors.Errorf("grad: -wrt variable %q not found", name)
		}
		xs = append(xs, x)
	}
	var grads []*samediff.Variable
	if err = samediff.TryBuild(func() { grads = g.SD.Gradients(y, xs...) }); err != nil {
		return err
	}
	g.SD.SetOutputs(grads...)
	return commandline.ReportEval(os.Stdout, g.SD, nil)
}

func runSummary(ctx context.Context, args []string) error {
	g, args, err := loadGraph(ctx, "summary", args)
	if err != nil {
		return err
	}
	if len(args) > 0 {
		return errors.Errorf("summary: unexpected arguments %q", args)
	}
	fmt.Println(commandline.SummaryTable(g.SD))
	order, err := g.SD.OpOrder()
	if err != nil {
		return err
	}
	fmt.Println("Execution order:")
	for ii, action := range order.Actions {
		fmt.Printf("\t%3d: %s\n", ii, action)
	}
	return nil
}
