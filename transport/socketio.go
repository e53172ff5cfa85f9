// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gomlx/samediff/types/tensors"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/zishang520/engine.io-client-go/transports"
	"github.com/zishang520/engine.io/v2/types"
	"github.com/zishang520/socket.io-client-go/socket"
	"k8s.io/klog/v2"
)

// SocketIOConfig configures a SocketIO transport.
type SocketIOConfig struct {
	// URL of the socket.io server, e.g. "http://localhost:3000/socket.io/".
	URL string

	// Namespace to join, "/" if empty.
	Namespace string

	// Event name used to publish and receive tensors. Defaults to "tensor".
	Event string

	// Codec used to encode the tensors.
	Codec Codec

	// ConnectTimeout is the maximum time to wait for the connection. Defaults to 15 seconds.
	ConnectTimeout time.Duration

	// BufferSize is the number of received tensors held until Receive is called. Defaults to 16.
	// Messages arriving when the buffer is full are dropped with a warning.
	BufferSize int

	InsecureSkipVerify bool
}

// SocketIO is a Transport over a socket.io connection. Tensors are published as base64 strings of the
// Codec encoding on the configured event, and every message received on the event is queued for Receive.
//
// The server is expected to relay the event to the subscribers (possibly including the publisher itself).
type SocketIO struct {
	cfg    SocketIOConfig
	client *socket.Socket

	received  chan Message
	done      chan struct{}
	closeOnce sync.Once
}

var _ Transport = (*SocketIO)(nil)

// DialSocketIO connects to the socket.io server and returns a SocketIO transport once connected.
func DialSocketIO(ctx context.Context, cfg SocketIOConfig) (*SocketIO, error) {
	if cfg.Event == "" {
		cfg.Event = "tensor"
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 15 * time.Second
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 16
	}
	logger := klog.FromContext(ctx).WithValues("url", cfg.URL, "event", cfg.Event)

	parsedURL, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse socket.io URL %q", cfg.URL)
	}
	if parsedURL.Scheme == "" || parsedURL.Host == "" {
		return nil, errors.Errorf("socket.io URL %q must have a scheme and a host", cfg.URL)
	}
	opts := socket.DefaultOptions()
	if parsedURL.Path != "" {
		opts.SetPath(parsedURL.Path)
	}
	if cfg.InsecureSkipVerify {
		logger.Info("Skipping TLS certificate verification")
		opts.SetTLSClientConfig(&tls.Config{InsecureSkipVerify: true})
	}
	opts.SetTransports(types.NewSet(transports.WebSocket))

	baseURL := fmt.Sprintf("%s://%s", parsedURL.Scheme, parsedURL.Host)
	manager := socket.NewManager(baseURL, opts)
	io := manager.Socket(cfg.Namespace, opts)
	s := &SocketIO{
		cfg:      cfg,
		client:   io,
		received: make(chan Message, cfg.BufferSize),
		done:     make(chan struct{}),
	}

	connectChan := make(chan error, 1)
	io.Once(types.EventName("connect"), func(...any) {
		logger.V(1).Info("connected", "sid", io.Id())
		connectChan <- nil
	})
	io.Once(types.EventName("connect_error"), func(errs ...any) {
		err := errors.New("connect_error")
		if len(errs) > 0 {
			if e, ok := errs[0].(error); ok {
				err = e
			}
		}
		connectChan <- err
	})
	io.On(types.EventName(cfg.Event), func(data ...any) {
		s.onMessage(logger, data)
	})

	io.Connect()
	select {
	case err := <-connectChan:
		if err != nil {
			io.Disconnect()
			return nil, errors.Wrapf(err, "socket.io connection to %q failed", cfg.URL)
		}
		return s, nil
	case <-ctx.Done():
		io.Disconnect()
		return nil, errors.Wrapf(ctx.Err(), "waiting for socket.io connection to %q", cfg.URL)
	case <-time.After(cfg.ConnectTimeout):
		io.Disconnect()
		return nil, errors.Errorf("timed out after %s waiting for socket.io connection to %q", cfg.ConnectTimeout, cfg.URL)
	}
}

// onMessage decodes a message received on the event and queues it.
func (s *SocketIO) onMessage(logger klog.Logger, data []any) {
	msg, err := decodeEventData(s.cfg.Codec, data)
	if err != nil {
		logger.Error(err, "dropping invalid message")
		return
	}
	select {
	case <-s.done:
	case s.received <- msg:
		logger.V(2).Info("received tensor", "id", msg.Id, "shape", msg.Tensor.Shape())
	default:
		logger.Info("receive buffer full, dropping tensor", "id", msg.Id)
	}
}

// encodeEventData returns the payload emitted for t.
func encodeEventData(codec Codec, id uuid.UUID, t *tensors.Tensor) (string, error) {
	data, err := codec.Marshal(id, t)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// decodeEventData decodes the arguments of a received event.
func decodeEventData(codec Codec, data []any) (Message, error) {
	if len(data) == 0 {
		return Message{}, errors.New("event without data")
	}
	payload, ok := data[0].(string)
	if !ok {
		return Message{}, errors.Errorf("event data is %T, expected a base64 string", data[0])
	}
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return Message{}, errors.Wrap(err, "invalid base64 event data")
	}
	return codec.Unmarshal(raw)
}

// Publish implements Publisher.
func (s *SocketIO) Publish(ctx context.Context, t *tensors.Tensor) error {
	select {
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	if !s.client.Connected() {
		return errors.Errorf("socket.io client %s is not connected", s.client.Id())
	}
	id := uuid.New()
	payload, err := encodeEventData(s.cfg.Codec, id, t)
	if err != nil {
		return err
	}
	s.client.Emit(s.cfg.Event, payload)
	klog.FromContext(ctx).V(2).Info("published tensor", "id", id, "shape", t.Shape(), "bytes", len(payload))
	return nil
}

// Receive implements Receiver.
func (s *SocketIO) Receive(ctx context.Context) (*tensors.Tensor, error) {
	select {
	case <-s.done:
		return nil, ErrClosed
	default:
	}
	select {
	case msg := <-s.received:
		return msg.Tensor, nil
	case <-s.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close implements Transport, disconnecting the client.
func (s *SocketIO) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.client.Disconnect()
	})
	return nil
}
