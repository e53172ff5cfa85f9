// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/gomlx/samediff/types/tensors"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// Encoding of the tensor values on the wire.
type Encoding uint8

const (
	// EncodingFloat64 sends the values as is.
	EncodingFloat64 Encoding = iota

	// EncodingFloat16 converts the values to IEEE 754 half precision, 4 times smaller. It is lossy: values
	// are rounded to about 3 significant digits, and values out of the float16 range become infinite.
	EncodingFloat16
)

// String implements fmt.Stringer.
func (e Encoding) String() string {
	switch e {
	case EncodingFloat64:
		return "Float64"
	case EncodingFloat16:
		return "Float16"
	}
	return fmt.Sprintf("Encoding(%d)", int(e))
}

// Message is one decoded tensor with the id it was sent with.
type Message struct {
	Id     uuid.UUID
	Tensor *tensors.Tensor
}

// wireMessage is the gob encoded form of a Message.
type wireMessage struct {
	Id         uuid.UUID
	Encoding   Encoding
	Dimensions []int
	Float64    []float64
	Float16    []uint16
}

// Codec converts tensors to and from bytes.
type Codec struct {
	Encoding Encoding
}

// Marshal encodes t with the given message id.
func (c Codec) Marshal(id uuid.UUID, t *tensors.Tensor) ([]byte, error) {
	if t == nil || !t.Ok() {
		return nil, errors.New("can't marshal an invalid tensor")
	}
	msg := wireMessage{Id: id, Encoding: c.Encoding, Dimensions: t.Shape().Dimensions}
	switch c.Encoding {
	case EncodingFloat64:
		msg.Float64 = t.Flat()
	case EncodingFloat16:
		msg.Float16 = make([]uint16, t.Size())
		for ii, v := range t.Flat() {
			msg.Float16[ii] = float16.Fromfloat32(float32(v)).Bits()
		}
	default:
		return nil, errors.Errorf("unknown encoding %s", c.Encoding)
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&msg); err != nil {
		return nil, errors.Wrapf(err, "failed to encode message %s", id)
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes a message encoded by Marshal. The encoding is read from the message, so any Codec can
// decode it.
func (c Codec) Unmarshal(data []byte) (Message, error) {
	var msg wireMessage
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&msg); err != nil {
		return Message{}, errors.Wrap(err, "failed to decode message")
	}
	size := 1
	for _, dim := range msg.Dimensions {
		if dim <= 0 {
			return Message{}, errors.Errorf("message %s has invalid dimensions %v", msg.Id, msg.Dimensions)
		}
		size *= dim
	}
	var flat []float64
	switch msg.Encoding {
	case EncodingFloat64:
		flat = msg.Float64
	case EncodingFloat16:
		flat = make([]float64, len(msg.Float16))
		for ii, bits := range msg.Float16 {
			flat[ii] = float64(float16.Frombits(bits).Float32())
		}
	default:
		return Message{}, errors.Errorf("message %s has unknown encoding %s", msg.Id, msg.Encoding)
	}
	if len(flat) != size {
		return Message{}, errors.Errorf("message %s has %d values for dimensions %v", msg.Id, len(flat), msg.Dimensions)
	}
	return Message{Id: msg.Id, Tensor: tensors.FromFlatDataAndDimensions(flat, msg.Dimensions...)}, nil
}
