// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package transport moves tensors between processes or goroutines: a Publisher sends tensors and a Receiver
// gets them back, equal by value.
//
// Two implementations are provided: Memory, a buffered in-process channel, and SocketIO, a socket.io client
// exchanging messages encoded with Codec over a named event.
package transport

import (
	"context"

	"github.com/gomlx/samediff/types/tensors"
	"github.com/pkg/errors"
)

// Publisher sends tensors.
type Publisher interface {
	// Publish sends t. The tensor can be modified by the caller once Publish returns.
	Publish(ctx context.Context, t *tensors.Tensor) error
}

// Receiver gets tensors, in the order they were published.
type Receiver interface {
	// Receive blocks until a tensor is available, the context is done or the transport is closed.
	Receive(ctx context.Context) (*tensors.Tensor, error)
}

// Transport is both a Publisher and a Receiver that can be closed.
type Transport interface {
	Publisher
	Receiver

	// Close releases the transport. Pending and following Receive calls return ErrClosed.
	Close() error
}

// ErrClosed is returned by operations on a closed Transport.
var ErrClosed = errors.New("transport closed")
