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

package clustermesh_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	clustermesh "github.com/tiltfactory/clustermesh"
	"github.com/tiltfactory/clustermesh/cluster"
	"github.com/tiltfactory/clustermesh/mesherrors"
	"github.com/tiltfactory/clustermesh/meshtest"
	"github.com/tiltfactory/clustermesh/transport"
)

func testConfig() clustermesh.Config {
	cfg := clustermesh.DefaultConfig()
	cfg.Bus.RequestTimeoutMs = 100
	cfg.Bus.ServerShutdownDeadlineMs = 200
	return cfg
}

// newNode builds an unstarted node wired to the shared in-memory bus and
// directory.
func newNode(t *testing.T, bus *meshtest.Bus, dir *meshtest.Directory, id, kind string, opts ...clustermesh.Option) *clustermesh.Node {
	t.Helper()
	self := cluster.Server{ID: id, Kind: kind, Frontend: kind == "room"}
	opts = append(opts, clustermesh.WithBus(bus), clustermesh.WithBackend(dir))
	node, err := clustermesh.New(self, testConfig(), opts...)
	require.NoError(t, err)
	return node
}

func TestRPCRoundTrip(t *testing.T) {
	bus := meshtest.NewBus()
	dir := meshtest.NewDirectory()

	room := newNode(t, bus, dir, "room-1", "room")
	room.HandleRPC(func(rpc *transport.RPC) {
		out := make([]byte, len(rpc.Data()))
		for i, b := range rpc.Data() {
			out[i] = b + 3
		}
		require.NoError(t, rpc.Respond(out))
	})
	require.NoError(t, room.Start())
	defer func() { _ = room.Stop() }()

	conn := newNode(t, bus, dir, "conn-1", "connector")
	require.NoError(t, conn.Start())
	defer func() { _ = conn.Stop() }()

	start := time.Now()
	reply, err := conn.SendRPC(context.Background(), "", "room.join", []byte{1, 2, 3})
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Equal(t, []byte{4, 5, 6}, reply)
	assert.Less(t, elapsed, 100*time.Millisecond)
}

func TestRPCTimesOutOnSilentHandler(t *testing.T) {
	bus := meshtest.NewBus()
	dir := meshtest.NewDirectory()

	room := newNode(t, bus, dir, "room-1", "room")
	room.HandleRPC(func(rpc *transport.RPC) {
		// Never responds; the caller's timeout is the only way out.
	})
	require.NoError(t, room.Start())
	defer func() { _ = room.Stop() }()

	conn := newNode(t, bus, dir, "conn-1", "connector")
	require.NoError(t, conn.Start())
	defer func() { _ = conn.Stop() }()

	start := time.Now()
	_, err := conn.SendRPC(context.Background(), "", "room.join", nil)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.True(t, mesherrors.IsTimeout(err), "want timeout, got %v", err)
	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond,
		"the timeout must not fire before the request deadline")
}

func TestRPCNoServerFoundFailsFast(t *testing.T) {
	bus := meshtest.NewBus()
	dir := meshtest.NewDirectory()

	conn := newNode(t, bus, dir, "conn-1", "connector")
	require.NoError(t, conn.Start())
	defer func() { _ = conn.Stop() }()

	start := time.Now()
	_, err := conn.SendRPC(context.Background(), "", "room.join", nil)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.True(t, mesherrors.IsNoServerFound(err), "want no-server-found, got %v", err)
	assert.Less(t, elapsed, 50*time.Millisecond,
		"an unknown target must fail without consuming the request timeout")
}

func TestRPCAfterTargetLeaves(t *testing.T) {
	bus := meshtest.NewBus()
	dir := meshtest.NewDirectory()

	room := newNode(t, bus, dir, "room-1", "room")
	room.HandleRPC(func(rpc *transport.RPC) {
		require.NoError(t, rpc.Respond(nil))
	})
	require.NoError(t, room.Start())

	conn := newNode(t, bus, dir, "conn-1", "connector")
	require.NoError(t, conn.Start())
	defer func() { _ = conn.Stop() }()

	_, err := conn.SendRPC(context.Background(), "", "room.join", nil)
	require.NoError(t, err)

	require.NoError(t, room.Shutdown(context.Background()))

	// The departure propagates through the watch; once it lands, requests
	// must fail fast with no-server-found.
	require.Eventually(t, func() bool {
		_, err := conn.SendRPC(context.Background(), "", "room.join", nil)
		return mesherrors.IsNoServerFound(err)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRPCInFlightSurvivesTargetRemoval(t *testing.T) {
	bus := meshtest.NewBus()
	dir := meshtest.NewDirectory()

	// A generous request timeout keeps the client deadline out of the way
	// while the request is deliberately parked in the handler.
	cfg := testConfig()
	cfg.Bus.RequestTimeoutMs = 2000

	entered := make(chan struct{})
	release := make(chan struct{})
	room, err := clustermesh.New(
		cluster.Server{ID: "room-1", Kind: "room", Frontend: true}, cfg,
		clustermesh.WithBus(bus), clustermesh.WithBackend(dir))
	require.NoError(t, err)
	room.HandleRPC(func(rpc *transport.RPC) {
		entered <- struct{}{}
		<-release
		require.NoError(t, rpc.Respond([]byte("still here")))
	})
	require.NoError(t, room.Start())
	defer func() { _ = room.Stop() }()

	conn, err := clustermesh.New(
		cluster.Server{ID: "conn-1", Kind: "connector"}, cfg,
		clustermesh.WithBus(bus), clustermesh.WithBackend(dir))
	require.NoError(t, err)
	require.NoError(t, conn.Start())
	defer func() { _ = conn.Stop() }()

	type result struct {
		data []byte
		err  error
	}
	got := make(chan result, 1)
	go func() {
		data, err := conn.SendRPC(context.Background(), "", "room.join", nil)
		got <- result{data, err}
	}()
	<-entered

	// The target vanishes from the directory while the request sits in its
	// handler, and the caller's view drops it before the reply is sent.
	dir.Delete("mesh/servers/room/room-1")
	require.Eventually(t, func() bool {
		for _, s := range conn.Servers() {
			if s.ID == "room-1" {
				return false
			}
		}
		return true
	}, 2*time.Second, 5*time.Millisecond, "removal must reach the caller's registry")

	close(release)
	select {
	case res := <-got:
		require.NoError(t, res.err, "an already-dispatched request must not be failed by the removal")
		assert.Equal(t, []byte("still here"), res.data)
	case <-time.After(time.Second):
		t.Fatal("in-flight reply never arrived")
	}
}

func TestRPCByExplicitServerID(t *testing.T) {
	bus := meshtest.NewBus()
	dir := meshtest.NewDirectory()

	for _, id := range []string{"room-1", "room-2"} {
		id := id
		room := newNode(t, bus, dir, id, "room")
		room.HandleRPC(func(rpc *transport.RPC) {
			require.NoError(t, rpc.Respond([]byte(id)))
		})
		require.NoError(t, room.Start())
		defer func() { _ = room.Stop() }()
	}

	conn := newNode(t, bus, dir, "conn-1", "connector")
	require.NoError(t, conn.Start())
	defer func() { _ = conn.Stop() }()

	reply, err := conn.SendRPC(context.Background(), "room-2", "room.join", nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("room-2"), reply)
}

func TestRPCInvalidRoute(t *testing.T) {
	bus := meshtest.NewBus()
	dir := meshtest.NewDirectory()

	conn := newNode(t, bus, dir, "conn-1", "connector")
	require.NoError(t, conn.Start())
	defer func() { _ = conn.Stop() }()

	_, err := conn.SendRPC(context.Background(), "", "noseparator", nil)
	require.Error(t, err)
	assert.Equal(t, mesherrors.CodeProtocolViolation, mesherrors.FromError(err).Code())
}

func TestPushAndKick(t *testing.T) {
	bus := meshtest.NewBus()
	dir := meshtest.NewDirectory()

	pushed := make(chan []byte, 1)
	room := newNode(t, bus, dir, "room-1", "room")
	room.HandleRPC(func(rpc *transport.RPC) { _ = rpc.Respond(nil) })
	room.HandlePush(func(data []byte) { pushed <- data })
	room.HandleKick(func(rpc *transport.RPC) {
		require.NoError(t, rpc.Respond([]byte("kicked")))
	})
	require.NoError(t, room.Start())
	defer func() { _ = room.Stop() }()

	conn := newNode(t, bus, dir, "conn-1", "connector")
	require.NoError(t, conn.Start())
	defer func() { _ = conn.Stop() }()

	require.NoError(t, conn.SendPushToUser("room-1", "room", []byte("hi")))
	select {
	case data := <-pushed:
		assert.Equal(t, []byte("hi"), data)
	case <-time.After(time.Second):
		t.Fatal("push not delivered")
	}

	answer, err := conn.SendKick(context.Background(), "room-1", "room", []byte("user-7"))
	require.NoError(t, err)
	assert.Equal(t, []byte("kicked"), answer)
}

func TestShutdownCompletesByDeadline(t *testing.T) {
	bus := meshtest.NewBus()
	dir := meshtest.NewDirectory()

	entered := make(chan struct{}, 1)
	room := newNode(t, bus, dir, "room-1", "room")
	room.HandleRPC(func(rpc *transport.RPC) {
		entered <- struct{}{} // never responds
	})
	require.NoError(t, room.Start())

	conn := newNode(t, bus, dir, "conn-1", "connector")
	require.NoError(t, conn.Start())
	defer func() { _ = conn.Stop() }()

	go func() {
		_, _ = conn.SendRPC(context.Background(), "", "room.join", nil)
	}()
	<-entered

	// With a request stuck in a handler, Shutdown must still return by the
	// configured deadline, abandoning it.
	start := time.Now()
	require.NoError(t, room.Shutdown(context.Background()))
	assert.Less(t, time.Since(start), time.Second)
}

func TestClusterListener(t *testing.T) {
	bus := meshtest.NewBus()
	dir := meshtest.NewDirectory()

	events := make(chan string, 16)
	conn := newNode(t, bus, dir, "conn-1", "connector",
		clustermesh.WithListener(chanListener{events}))
	require.NoError(t, conn.Start())
	defer func() { _ = conn.Stop() }()

	room := newNode(t, bus, dir, "room-1", "room")
	require.NoError(t, room.Start())

	require.Eventually(t, func() bool {
		select {
		case ev := <-events:
			return ev == "added room/room-1"
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond, "join must be observed as ServerAdded")

	require.NoError(t, room.Shutdown(context.Background()))
	require.Eventually(t, func() bool {
		select {
		case ev := <-events:
			return ev == "removed room/room-1"
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond, "departure must be observed as ServerRemoved")
}

func TestSendBeforeStart(t *testing.T) {
	bus := meshtest.NewBus()
	dir := meshtest.NewDirectory()

	conn := newNode(t, bus, dir, "conn-1", "connector")
	_, err := conn.SendRPC(context.Background(), "", "room.join", nil)
	require.Error(t, err)

	require.Error(t, conn.SendPushToUser("room-1", "room", nil))
}

func TestNewRejectsInvalidInput(t *testing.T) {
	_, err := clustermesh.New(cluster.Server{}, testConfig())
	require.Error(t, err, "a server without id and kind must be rejected")

	cfg := testConfig()
	cfg.Bus.RequestTimeoutMs = 0
	_, err = clustermesh.New(cluster.Server{ID: "a", Kind: "b"}, cfg)
	require.Error(t, err)
	assert.Equal(t, mesherrors.CodeInitialization, mesherrors.FromError(err).Code())
}

type chanListener struct {
	events chan string
}

func (l chanListener) ServerAdded(s cluster.Server) { l.events <- "added " + s.String() }

func (l chanListener) ServerRemoved(s cluster.Server) { l.events <- "removed " + s.String() }
