// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"encoding/gob"
	"os"

	"github.com/gomlx/samediff/types/shapes"
	"github.com/pkg/errors"
)

// GobSerialize Tensor in binary format.
//
// It returns an error for I/O errors.
// It panics for invalid tensors.
func (t *Tensor) GobSerialize(encoder *gob.Encoder) (err error) {
	t.AssertValid()
	err = t.shape.GobSerialize(encoder)
	if err != nil {
		return
	}
	err = encoder.Encode(t.flat)
	if err != nil {
		err = errors.Wrapf(err, "failed to write tensor data")
	}
	return
}

// GobDeserialize a Tensor from the decoder. Returns new Tensor or an error.
func GobDeserialize(decoder *gob.Decoder) (t *Tensor, err error) {
	shape, err := shapes.GobDeserialize(decoder)
	if err != nil {
		err = errors.Wrapf(err, "failed to deserialize Tensor shape data")
		return
	}
	var flat []float64
	err = decoder.Decode(&flat)
	if err != nil {
		err = errors.Wrapf(err, "failed to deserialize Tensor data")
		return
	}
	if len(flat) != shape.Size() {
		err = errors.Errorf("deserialized Tensor with shape %s has %d values", shape, len(flat))
		return
	}
	t = &Tensor{shape: shape, flat: flat}
	return
}

// Save the tensor to the given file path.
//
// It returns an error for I/O errors.
// It may panic if the tensor is invalid.
func (t *Tensor) Save(filePath string) (err error) {
	t.AssertValid()
	var f *os.File
	f, err = os.Create(filePath)
	if err != nil {
		err = errors.Wrapf(err, "creating %q to save tensor", filePath)
		return
	}
	err = t.GobSerialize(gob.NewEncoder(f))
	if err != nil {
		_ = f.Close()
		err = errors.WithMessagef(err, "saving Tensor to %q", filePath)
		return
	}
	err = f.Close()
	if err != nil {
		err = errors.Wrapf(err, "close file %q, where tensor was saved", filePath)
	}
	return
}

// Load a tensor from the file path given.
func Load(filePath string) (t *Tensor, err error) {
	f, err := os.Open(filePath)
	if err != nil {
		err = errors.Wrapf(err, "opening %q to load Tensor", filePath)
		return
	}
	defer func() { _ = f.Close() }()
	t, err = GobDeserialize(gob.NewDecoder(f))
	if err != nil {
		err = errors.WithMessagef(err, "loading Tensor from %q", filePath)
	}
	return
}
