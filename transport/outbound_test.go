// Copyright (c) 2026 Tiltfactory, Inc.
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.

package transport_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tiltfactory/clustermesh/mesherrors"
	"github.com/tiltfactory/clustermesh/meshtest"
	"github.com/tiltfactory/clustermesh/transport"
)

func newTestOutbound(t *testing.T, bus *meshtest.Bus, maxPending int) *transport.Outbound {
	t.Helper()
	table := transport.NewTable(nil, 0, nil)
	out := transport.NewOutbound(bus, table, testReply, maxPending, nil, nil, nil)
	require.NoError(t, out.Start())
	t.Cleanup(func() { require.NoError(t, out.Stop()) })
	return out
}

// echoResponder answers every request on the subject by echoing the payload
// back on the message's reply subject.
func echoResponder(t *testing.T, bus *meshtest.Bus) {
	t.Helper()
	_, err := bus.Subscribe(testSubject, func(msg transport.Message) {
		require.NoError(t, bus.Publish(transport.Message{
			Subject: msg.Reply,
			Header: transport.Header{
				transport.HeaderCorrelationID: msg.Header.Get(transport.HeaderCorrelationID),
			},
			Data: msg.Data,
		}))
	})
	require.NoError(t, err)
}

func TestCallRoundTrip(t *testing.T) {
	bus := meshtest.NewBus()
	echoResponder(t, bus)
	out := newTestOutbound(t, bus, 16)

	data, err := out.Call(context.Background(), testSubject, "room.join", []byte("hello"), time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)
}

func TestCallTimesOutWithoutReply(t *testing.T) {
	bus := meshtest.NewBus()
	out := newTestOutbound(t, bus, 16)

	start := time.Now()
	_, err := out.Call(context.Background(), testSubject, "room.join", nil, 50*time.Millisecond)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.True(t, mesherrors.IsTimeout(err), "want timeout, got %v", err)
	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond,
		"a request must never time out before its deadline")
}

func TestCallRemoteError(t *testing.T) {
	bus := meshtest.NewBus()
	_, err := bus.Subscribe(testSubject, func(msg transport.Message) {
		require.NoError(t, bus.Publish(transport.Message{
			Subject: msg.Reply,
			Header: transport.Header{
				transport.HeaderCorrelationID: msg.Header.Get(transport.HeaderCorrelationID),
				transport.HeaderErrorCode:     "BUSY",
				transport.HeaderErrorMessage:  "server is overloaded",
			},
		}))
	})
	require.NoError(t, err)
	out := newTestOutbound(t, bus, 16)

	_, err = out.Call(context.Background(), testSubject, "room.join", nil, time.Second)
	require.Error(t, err)
	assert.True(t, mesherrors.IsBusy(err), "want busy, got %v", err)
	assert.Contains(t, err.Error(), "server is overloaded")
}

func TestCallApplicationErrorKeepsRemoteCode(t *testing.T) {
	bus := meshtest.NewBus()
	_, err := bus.Subscribe(testSubject, func(msg transport.Message) {
		require.NoError(t, bus.Publish(transport.Message{
			Subject: msg.Reply,
			Header: transport.Header{
				transport.HeaderCorrelationID: msg.Header.Get(transport.HeaderCorrelationID),
				transport.HeaderErrorCode:     "ROOM_FULL",
				transport.HeaderErrorMessage:  "no seats left",
			},
		}))
	})
	require.NoError(t, err)
	out := newTestOutbound(t, bus, 16)

	_, err = out.Call(context.Background(), testSubject, "room.join", nil, time.Second)
	require.Error(t, err)
	status := mesherrors.FromError(err)
	assert.Equal(t, mesherrors.CodeRemoteError, status.Code())
	assert.Equal(t, "ROOM_FULL", status.Name(), "the remote code must cross the mesh verbatim")
}

func TestCallCanceledContext(t *testing.T) {
	bus := meshtest.NewBus()
	out := newTestOutbound(t, bus, 16)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := out.Call(ctx, testSubject, "room.join", nil, time.Second)
	require.Error(t, err)
}

func TestCallQueuedWhileReconnecting(t *testing.T) {
	bus := meshtest.NewBus()
	echoResponder(t, bus)
	out := newTestOutbound(t, bus, 16)

	bus.SetState(transport.Connecting)

	done := make(chan struct{})
	var data []byte
	var callErr error
	go func() {
		defer close(done)
		data, callErr = out.Call(context.Background(), testSubject, "room.join", []byte("queued"), 2*time.Second)
	}()

	// Nothing may reach the wire until the connection is back.
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, bus.Published())

	bus.SetState(transport.Connected)
	select {
	case <-done:
		require.NoError(t, callErr)
		assert.Equal(t, []byte("queued"), data)
	case <-time.After(time.Second):
		t.Fatal("queued call must complete after reconnection")
	}
}

func TestCallRejectedPastPendingCeiling(t *testing.T) {
	bus := meshtest.NewBus()
	out := newTestOutbound(t, bus, 1)

	bus.SetState(transport.Connecting)
	require.NoError(t, out.OneWay(testSubject, []byte("fills-the-queue")))

	_, err := out.Call(context.Background(), testSubject, "room.join", nil, time.Second)
	require.Error(t, err)
	assert.True(t, mesherrors.IsConnectionError(err), "want connection error, got %v", err)
}

func TestCallFailsWhileShuttingDown(t *testing.T) {
	bus := meshtest.NewBus()
	out := newTestOutbound(t, bus, 16)

	bus.SetState(transport.ShuttingDown)
	_, err := out.Call(context.Background(), testSubject, "room.join", nil, time.Second)
	require.Error(t, err)
	assert.True(t, mesherrors.IsConnectionError(err))
}

func TestOneWayDelivers(t *testing.T) {
	bus := meshtest.NewBus()
	got := make(chan []byte, 1)
	_, err := bus.Subscribe("mesh.push.room.room-1", func(msg transport.Message) {
		got <- msg.Data
	})
	require.NoError(t, err)
	out := newTestOutbound(t, bus, 16)

	require.NoError(t, out.OneWay("mesh.push.room.room-1", []byte("notice")))
	select {
	case data := <-got:
		assert.Equal(t, []byte("notice"), data)
	case <-time.After(time.Second):
		t.Fatal("one-way message not delivered")
	}
}

func TestLateReplyIsDiscarded(t *testing.T) {
	bus := meshtest.NewBus()
	out := newTestOutbound(t, bus, 16)

	var pending []transport.Message
	_, err := bus.Subscribe(testSubject, func(msg transport.Message) {
		pending = append(pending, msg)
	})
	require.NoError(t, err)

	_, err = out.Call(context.Background(), testSubject, "room.join", nil, 30*time.Millisecond)
	require.Error(t, err)
	require.True(t, mesherrors.IsTimeout(err))

	// Answering after the timeout must be a no-op rather than a crash or a
	// stray completion.
	require.Len(t, pending, 1)
	require.NoError(t, bus.Publish(transport.Message{
		Subject: pending[0].Reply,
		Header: transport.Header{
			transport.HeaderCorrelationID: pending[0].Header.Get(transport.HeaderCorrelationID),
		},
		Data: []byte("too late"),
	}))
}
