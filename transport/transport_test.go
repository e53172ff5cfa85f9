// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/gomlx/samediff/samediff"
	"github.com/gomlx/samediff/types/tensors"
	"github.com/google/uuid"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodec(t *testing.T) {
	id := uuid.New()
	for _, value := range []*tensors.Tensor{
		tensors.FromScalar(-3.25),
		tensors.FromValue([]float64{1, 2, 3}),
		tensors.Linspace(-1, 1, 2, 3, 4),
	} {
		data, err := Codec{}.Marshal(id, value)
		require.NoError(t, err)
		msg, err := Codec{}.Unmarshal(data)
		require.NoError(t, err)
		assert.Equal(t, id, msg.Id)
		assert.True(t, value.Equal(msg.Tensor), "got %s, wanted %s", msg.Tensor, value)

		// Any codec decodes the float16 encoding, with some precision loss.
		data16, err := Codec{Encoding: EncodingFloat16}.Marshal(id, value)
		require.NoError(t, err)
		msg, err = Codec{}.Unmarshal(data16)
		require.NoError(t, err)
		assert.True(t, value.InDelta(msg.Tensor, 1e-3), "got %s, wanted %s", msg.Tensor, value)
	}

	_, err := Codec{}.Unmarshal([]byte("not a message"))
	require.Error(t, err)
	_, err = Codec{Encoding: Encoding(7)}.Marshal(id, tensors.FromScalar(1))
	require.Error(t, err)
	assert.Equal(t, "Encoding(7)", Encoding(7).String())
}

func TestMemory(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(2)
	value := tensors.FromValue([][]float64{{1, 2}, {3, 4}})
	require.NoError(t, m.Publish(ctx, value))
	value.Fill(0) // Published values are copies.
	require.NoError(t, m.Publish(ctx, tensors.FromScalar(5)))

	got, err := m.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, [][]float64{{1, 2}, {3, 4}}, got.Value())
	got, err = m.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5.0, got.Value())

	// Nothing to receive: the context deadline is reached.
	timeoutCtx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	_, err = m.Receive(timeoutCtx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
	_, err = m.Receive(ctx)
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, m.Publish(ctx, value), ErrClosed)
}

// TestMemoryGraphRoundTrip publishes the result of a graph from one goroutine and evaluates it in another graph.
func TestMemoryGraphRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(0)
	defer func() { _ = m.Close() }()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		sd := samediff.New()
		x := sd.Var("x", tensors.FromValue([][]float64{{1, 2, 3, 4}}))
		sd.Sigmoid(x)
		result := must.M1(sd.ExecAndEndResult())
		assert.NoError(t, m.Publish(ctx, result))
	}()

	received, err := m.Receive(ctx)
	require.NoError(t, err)
	wg.Wait()
	want := []float64{1 / (1 + math.Exp(-1)), 1 / (1 + math.Exp(-2)), 1 / (1 + math.Exp(-3)), 1 / (1 + math.Exp(-4))}
	require.Equal(t, []int{1, 4}, received.Shape().Dimensions)
	assert.InDeltaSlice(t, want, received.Flat(), 1e-12)

	// The received tensor binds to a placeholder of another graph.
	sd := samediff.New()
	y := sd.Placeholder("y", received.Shape())
	sd.MulScalar(y, 2)
	got := must.M1(sd.Eval(map[string]*tensors.Tensor{"y": received}))
	assert.InDeltaSlice(t, []float64{2 * want[0], 2 * want[1], 2 * want[2], 2 * want[3]}, got[0].Flat(), 1e-12)
}

func TestSocketIOEventData(t *testing.T) {
	id := uuid.New()
	value := tensors.FromValue([]float64{0.5, 1.5})
	payload, err := encodeEventData(Codec{}, id, value)
	require.NoError(t, err)
	msg, err := decodeEventData(Codec{}, []any{payload})
	require.NoError(t, err)
	assert.Equal(t, id, msg.Id)
	assert.True(t, value.Equal(msg.Tensor))

	_, err = decodeEventData(Codec{}, nil)
	require.Error(t, err)
	_, err = decodeEventData(Codec{}, []any{42})
	require.Error(t, err)
	_, err = decodeEventData(Codec{}, []any{"%%%"})
	require.Error(t, err)
}

func TestDialSocketIOErrors(t *testing.T) {
	_, err := DialSocketIO(context.Background(), SocketIOConfig{URL: "localhost"})
	require.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = DialSocketIO(ctx, SocketIOConfig{URL: "http://127.0.0.1:1/socket.io/", ConnectTimeout: time.Second})
	require.Error(t, err)
}
