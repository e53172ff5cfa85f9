// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/samediff/checkpoints"
	"github.com/gomlx/samediff/examples/logreg"
	"github.com/gomlx/samediff/types/tensors"
	"github.com/gomlx/samediff/ui/commandline"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// openStore returns a GCSStore for "gs://bucket/prefix" locations, or a DirStore otherwise.
func openStore(ctx context.Context, location string) (checkpoints.Store, func(), error) {
	if bucketPath, isGCS := strings.CutPrefix(location, "gs://"); isGCS {
		bucket, prefix, _ := strings.Cut(bucketPath, "/")
		store, err := checkpoints.NewGCSStore(ctx, bucket, prefix)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	}
	store, err := checkpoints.NewDirStore(location)
	return store, func() {}, err
}

func runLogReg(ctx context.Context, args []string) error {
	cfg := logreg.DefaultConfig()
	fs := flag.NewFlagSet("logreg", flag.ContinueOnError)
	fs.Float64Var(&cfg.LearningRate, "lr", cfg.LearningRate, "Learning rate of the gradient descent.")
	fs.IntVar(&cfg.Steps, "steps", cfg.Steps, "Number of gradient descent steps.")
	fs.Uint64Var(&cfg.Seed, "seed", cfg.Seed, "Seed for the initial weights.")
	checkpointPath := fs.String("checkpoint", "",
		"Directory or \"gs://bucket/prefix\" where to save the weights. If it has checkpoints, training resumes "+
			"from the latest one.")
	keep := fs.Int("keep", 3, "Number of checkpoints to keep, -1 keeps all.")
	noProgress := fs.Bool("noprogress", false, "Don't display the progress bar.")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg.Parallelism = *flagParallelism

	m, err := logreg.NewModel(cfg)
	if err != nil {
		return err
	}
	var handler *checkpoints.Handler
	if *checkpointPath != "" {
		store, closeStore, err := openStore(ctx, *checkpointPath)
		if err != nil {
			return err
		}
		defer closeStore()
		handler = checkpoints.New(store).Keep(*keep).ExcludeVars("x", "y", "lr", "one")
		name, _, err := handler.LoadLatest(ctx, m.SD)
		switch {
		case errors.Is(err, checkpoints.ErrNotFound):
			klog.V(1).Infof("No checkpoint in %q, starting from random weights", *checkpointPath)
		case err != nil:
			return err
		default:
			fmt.Printf("Resuming from checkpoint %q\n", name)
		}
	}
	fmt.Printf("Initial weights: %s\n", m.Weights.Value())

	var pBar *commandline.ProgressBar
	if !*noProgress {
		pBar = commandline.NewProgressBar(cfg.Steps, func() (string, string) {
			return "Stored", humanize.Bytes(uint64(m.SD.Memory()))
		})
	}
	losses, err := m.Train(cfg.Steps, func(step int, loss float64, weights *tensors.Tensor) {
		if pBar != nil {
			pBar.Update(step, commandline.Metric{Name: "Loss", Value: fmt.Sprintf("%.6f", loss)})
		}
	})
	if pBar != nil {
		pBar.Done()
	}
	if err != nil {
		return err
	}
	for step, loss := range losses {
		fmt.Printf("Step %d: loss=%.6f\n", step, loss)
	}
	fmt.Printf("Final weights: %s\n", m.Weights.Value())

	if handler != nil {
		name, err := handler.Save(ctx, m.SD, cfg.Steps)
		if err != nil {
			return err
		}
		fmt.Printf("Saved checkpoint %q\n", name)
	}
	return nil
}
