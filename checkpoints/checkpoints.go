// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package checkpoints saves and loads the values of the leaf variables of a SameDiff graph.
//
// The main object is the Handler, created with New over a Store: a DirStore for a local directory or a
// GCSStore for a Google Cloud Storage bucket. Each Handler.Save writes a new checkpoint, named with an
// increasing counter and the step, and removes the older ones beyond Handler.Keep.
//
// Example: resume the weights of a model, if there is a checkpoint, and save them after training.
//
//	store, err := checkpoints.NewDirStore(*flagCheckpoint)
//	if err != nil { ... }
//	handler := checkpoints.New(store).Keep(3)
//	_, _, err = handler.LoadLatest(ctx, sd)
//	if err != nil && !errors.Is(err, checkpoints.ErrNotFound) { ... }
//	... train ...
//	_, err = handler.Save(ctx, sd, step)
package checkpoints

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/gomlx/samediff/pkg/support/sets"
	"github.com/gomlx/samediff/samediff"
	"github.com/gomlx/samediff/types/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const baseNamePrefix = "checkpoint-"

var checkpointNameRegex = regexp.MustCompile(`^checkpoint-n(\d+)-`)

// Handler saves and loads checkpoints of SameDiff graphs to a Store.
type Handler struct {
	store    Store
	keep     int
	count    int
	excluded sets.Set[string]
}

// New creates a Handler that keeps the last checkpoint only, see Keep.
func New(store Store) *Handler {
	return &Handler{store: store, keep: 1, count: -1, excluded: sets.Make[string]()}
}

// ExcludeVars configures Handler to neither save nor load the variables with the given names.
// The function can be called multiple times, adding variables to be excluded.
func (h *Handler) ExcludeVars(names ...string) *Handler {
	for _, name := range names {
		h.excluded.Insert(name)
	}
	return h
}

// Keep configures the number of checkpoints to keep. If set to -1, it will never erase older checkpoints.
func (h *Handler) Keep(n int) *Handler {
	h.keep = n
	return h
}

// String implements fmt.Stringer.
func (h *Handler) String() string {
	return fmt.Sprintf("checkpoints.Handler(%T)", h.store)
}

// serializedData is the header of a checkpoint, followed by the values of the variables, in order.
type serializedData struct {
	SameDiffId string
	Step       int
	SavedAt    time.Time
	Variables  []string
}

// List returns the names of the checkpoints in the store, older first.
func (h *Handler) List(ctx context.Context) ([]string, error) {
	names, err := h.store.List(ctx)
	if err != nil {
		return nil, err
	}
	checkpoints := names[:0]
	for _, name := range names {
		if checkpointNameRegex.MatchString(name) {
			checkpoints = append(checkpoints, name)
		}
	}
	return checkpoints, nil
}

// nextCount returns the counter of the next checkpoint, one more than the largest one in the store.
func (h *Handler) nextCount(ctx context.Context) (int, error) {
	if h.count >= 0 {
		return h.count + 1, nil
	}
	names, err := h.List(ctx)
	if err != nil {
		return 0, err
	}
	maxCount := -1
	for _, name := range names {
		count, err := strconv.Atoi(checkpointNameRegex.FindStringSubmatch(name)[1])
		if err == nil && count > maxCount {
			maxCount = count
		}
	}
	return maxCount + 1, nil
}

// Save writes a new checkpoint with the values of the leaf variables of sd that have storage, and returns
// its name. Older checkpoints beyond Keep are removed.
func (h *Handler) Save(ctx context.Context, sd *samediff.SameDiff, step int) (string, error) {
	count, err := h.nextCount(ctx)
	if err != nil {
		return "", err
	}
	header := serializedData{SameDiffId: sd.Id().String(), Step: step, SavedAt: time.Now()}
	var values []*tensors.Tensor
	for _, v := range sd.Variables() {
		if v.IsLeaf() && v.Value() != nil && !h.excluded.Has(v.Name()) {
			header.Variables = append(header.Variables, v.Name())
			values = append(values, v.Value())
		}
	}
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err = enc.Encode(&header); err != nil {
		return "", errors.Wrapf(err, "%s: failed to encode checkpoint header", h)
	}
	for ii, value := range values {
		if err = value.GobSerialize(enc); err != nil {
			return "", errors.WithMessagef(err, "%s: saving variable %q", h, header.Variables[ii])
		}
	}
	name := fmt.Sprintf("%sn%07d-step-%08d", baseNamePrefix, count, step)
	if err = h.store.Put(ctx, name, buf.Bytes()); err != nil {
		return "", errors.WithMessagef(err, "%s: saving checkpoint %q", h, name)
	}
	h.count = count
	klog.FromContext(ctx).V(1).Info("saved checkpoint", "name", name, "variables", len(values))
	return name, h.keepNCheckpoints(ctx)
}

// keepNCheckpoints removes the oldest checkpoints beyond the configured number.
func (h *Handler) keepNCheckpoints(ctx context.Context) error {
	if h.keep < 0 {
		return nil
	}
	names, err := h.List(ctx)
	if err != nil {
		return errors.WithMessagef(err, "%s failed to list saved checkpoints", h)
	}
	if len(names) <= h.keep {
		return nil
	}
	for _, name := range names[:len(names)-h.keep] {
		if err = h.store.Delete(ctx, name); err != nil {
			return errors.WithMessagef(err, "%s failed to remove excess checkpoint %q", h, name)
		}
	}
	return nil
}

// Load binds the values saved in the named checkpoint to the leaf variables of sd with the same name, and
// returns the names of the variables bound. Saved variables that sd doesn't have, or that are excluded, are
// ignored.
//
// Values with a different shape than the variable fail with samediff.ErrShapeMismatch.
func (h *Handler) Load(ctx context.Context, sd *samediff.SameDiff, name string) (bound []string, err error) {
	data, err := h.store.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	dec := gob.NewDecoder(bytes.NewReader(data))
	var header serializedData
	if err = dec.Decode(&header); err != nil {
		return nil, errors.Wrapf(err, "%s: failed to decode header of checkpoint %q", h, name)
	}
	logger := klog.FromContext(ctx)
	for _, varName := range header.Variables {
		value, err := tensors.GobDeserialize(dec)
		if err != nil {
			return bound, errors.WithMessagef(err, "%s: loading variable %q from %q", h, varName, name)
		}
		v := sd.GetVariable(varName)
		if v == nil || !v.IsLeaf() || h.excluded.Has(varName) {
			logger.V(1).Info("checkpoint variable not used", "checkpoint", name, "variable", varName)
			continue
		}
		if err = sd.Bind(varName, value); err != nil {
			return bound, errors.WithMessagef(err, "%s: loading checkpoint %q", h, name)
		}
		bound = append(bound, varName)
	}
	logger.V(1).Info("loaded checkpoint", "name", name, "step", header.Step, "bound", len(bound))
	return bound, nil
}

// LoadLatest loads the most recent checkpoint, see Load. It returns an error wrapping ErrNotFound if there
// are no checkpoints.
func (h *Handler) LoadLatest(ctx context.Context, sd *samediff.SameDiff) (name string, bound []string, err error) {
	names, err := h.List(ctx)
	if err != nil {
		return "", nil, err
	}
	if len(names) == 0 {
		return "", nil, errors.Wrapf(ErrNotFound, "%s has no checkpoints", h)
	}
	name = names[len(names)-1]
	bound, err = h.Load(ctx, sd, name)
	return name, bound, err
}

// Step returns the step stored in the named checkpoint.
func (h *Handler) Step(ctx context.Context, name string) (int, error) {
	data, err := h.store.Get(ctx, name)
	if err != nil {
		return 0, err
	}
	var header serializedData
	if err = gob.NewDecoder(bytes.NewReader(data)).Decode(&header); err != nil {
		return 0, errors.Wrapf(err, "%s: failed to decode header of checkpoint %q", h, name)
	}
	return header.Step, nil
}
