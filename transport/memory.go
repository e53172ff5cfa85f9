// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"sync"

	"github.com/gomlx/samediff/types/tensors"
	"github.com/google/uuid"
	"k8s.io/klog/v2"
)

// Memory is an in-process Transport backed by a buffered channel.
// Published tensors are copied, so the receiver never shares storage with the publisher.
type Memory struct {
	queue     chan Message
	done      chan struct{}
	closeOnce sync.Once
}

var _ Transport = (*Memory)(nil)

// NewMemory creates a Memory transport that holds up to bufferSize published tensors not yet received.
// Publish blocks while the buffer is full.
func NewMemory(bufferSize int) *Memory {
	return &Memory{
		queue: make(chan Message, bufferSize),
		done:  make(chan struct{}),
	}
}

// Publish implements Publisher.
func (m *Memory) Publish(ctx context.Context, t *tensors.Tensor) error {
	msg := Message{Id: uuid.New(), Tensor: t.Clone()}
	select {
	case <-m.done:
		return ErrClosed
	default:
	}
	select {
	case m.queue <- msg:
		klog.FromContext(ctx).V(2).Info("published tensor", "id", msg.Id, "shape", t.Shape())
		return nil
	case <-m.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive implements Receiver.
func (m *Memory) Receive(ctx context.Context) (*tensors.Tensor, error) {
	select {
	case <-m.done:
		return nil, ErrClosed
	default:
	}
	select {
	case msg := <-m.queue:
		klog.FromContext(ctx).V(2).Info("received tensor", "id", msg.Id)
		return msg.Tensor, nil
	case <-m.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close implements Transport. Tensors not yet received are dropped.
func (m *Memory) Close() error {
	m.closeOnce.Do(func() { close(m.done) })
	return nil
}
