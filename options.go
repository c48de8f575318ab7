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

package clustermesh

import (
	"github.com/opentracing/opentracing-go"
	"go.uber.org/zap"

	"github.com/tiltfactory/clustermesh/cluster"
	"github.com/tiltfactory/clustermesh/discovery"
	"github.com/tiltfactory/clustermesh/internal/clock"
	"github.com/tiltfactory/clustermesh/transport"
)

// Option customizes a Node beyond its configuration.
type Option func(*Node)

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(n *Node) {
		if logger != nil {
			n.logger = logger
		}
	}
}

// WithTracer enables trace-context propagation on outbound RPCs.
func WithTracer(tracer opentracing.Tracer) Option {
	return func(n *Node) { n.tracer = tracer }
}

// WithClock replaces the time source, for deterministic tests.
func WithClock(clk clock.Clock) Option {
	return func(n *Node) {
		if clk != nil {
			n.clk = clk
		}
	}
}

// WithBus injects a message bus, bypassing the configured connection.
func WithBus(bus transport.Bus) Option {
	return func(n *Node) { n.bus = bus }
}

// WithBackend injects a directory backend, bypassing the configured
// connection.
func WithBackend(backend discovery.Backend) Option {
	return func(n *Node) { n.backend = backend }
}

// WithListener registers a cluster-change listener. Notifications are
// delivered in order, from a dedicated goroutine.
func WithListener(l cluster.Listener) Option {
	return func(n *Node) { n.listener = l }
}
