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
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/opentracing/opentracing-go"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/tiltfactory/clustermesh/cluster"
	"github.com/tiltfactory/clustermesh/discovery"
	"github.com/tiltfactory/clustermesh/internal/clock"
	"github.com/tiltfactory/clustermesh/mesherrors"
	"github.com/tiltfactory/clustermesh/pkg/lifecycle"
	"github.com/tiltfactory/clustermesh/transport"
	"github.com/tiltfactory/clustermesh/transport/natsbus"
)

// Node is one server's membership in the mesh: a registration in the
// service directory, a mirrored view of every other member, and an RPC
// endpoint on the message bus. A process creates exactly the nodes it
// wants; there is no package-level singleton.
type Node struct {
	cfg      Config
	self     cluster.Server
	logger   *zap.Logger
	clk      clock.Clock
	tracer   opentracing.Tracer
	listener cluster.Listener

	bus     transport.Bus
	backend discovery.Backend

	once      *lifecycle.Once
	registry  *cluster.Registry
	notifier  *cluster.Notifier
	directory *discovery.Client
	table     *transport.Table
	outbound  *transport.Outbound
	inbound   *transport.Inbound

	rpcHandler  transport.RPCHandler
	kickHandler transport.RPCHandler
	pushHandler transport.PushHandler

	fatal chan error
}

// New returns an unstarted node for the given server identity.
func New(self cluster.Server, cfg Config, opts ...Option) (*Node, error) {
	if err := self.Validate(); err != nil {
		return nil, mesherrors.InitializationErrorf("invalid server descriptor: %s", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	n := &Node{
		cfg:    cfg,
		self:   self,
		logger: zap.NewNop(),
		clk:    clock.NewReal(),
		once:   lifecycle.NewOnce(),
		fatal:  make(chan error, 1),
	}
	for _, opt := range opts {
		opt(n)
	}
	n.logger = n.logger.With(zap.String("server", self.String()))
	return n, nil
}

// HandleRPC registers the handler for inbound RPC requests. Must be called
// before Start.
func (n *Node) HandleRPC(h transport.RPCHandler) { n.rpcHandler = h }

// HandleKick registers the handler for inbound kick commands. Must be
// called before Start. Kicks are correlated, so the handler answers through
// the RPC's respond surface.
func (n *Node) HandleKick(h transport.RPCHandler) { n.kickHandler = h }

// HandlePush registers the handler for inbound one-way pushes. Must be
// called before Start.
func (n *Node) HandlePush(h transport.PushHandler) { n.pushHandler = h }

// Self returns the local server descriptor.
func (n *Node) Self() cluster.Server { return n.self }

// Fatal delivers at most one error that ends the node's useful life: lease
// expiry in the directory or permanent loss of the bus connection. The
// owning process decides what to do, typically Shutdown and exit.
func (n *Node) Fatal() <-chan error { return n.fatal }

// Start brings the node up: bus connection, RPC subscriptions, then the
// directory registration, in that order so the node only advertises itself
// once it can answer. A failure anywhere rolls back what already started.
func (n *Node) Start() error {
	return n.once.Start(func() error {
		var started []func() error
		abort := func(cause error) error {
			for i := len(started) - 1; i >= 0; i-- {
				if err := started[i](); err != nil {
					n.logger.Warn("rollback step failed", zap.Error(err))
				}
			}
			return cause
		}

		if n.bus == nil {
			bus, err := natsbus.Connect(natsbus.Config{
				URL:                     n.cfg.Bus.URL,
				ConnectionTimeout:       n.cfg.Bus.ConnectionTimeout(),
				MaxReconnectionAttempts: n.cfg.Bus.MaxReconnectionAttempts,
			}, n.logger, n.reportFatal)
			if err != nil {
				return abort(err)
			}
			n.bus = bus
			started = append(started, bus.Close)
		}

		if n.backend == nil {
			backend, err := discovery.NewEtcdBackend(n.cfg.Directory.Endpoints, n.cfg.Directory.DialTimeout())
			if err != nil {
				return abort(mesherrors.InitializationErrorf("connecting to service directory: %s", err))
			}
			n.backend = backend
			started = append(started, backend.Close)
		}

		if n.listener != nil {
			n.notifier = cluster.NewNotifier(n.listener, 0, n.logger)
			if err := n.notifier.Start(); err != nil {
				return abort(err)
			}
			started = append(started, n.notifier.Stop)
		}
		n.registry = cluster.NewRegistry(n.notifier)

		n.table = transport.NewTable(n.clk, 0, n.logger)
		if err := n.table.Start(); err != nil {
			return abort(err)
		}
		started = append(started, n.table.Stop)

		prefix := n.cfg.Directory.Prefix
		n.outbound = transport.NewOutbound(
			n.bus, n.table,
			transport.ReplySubject(prefix, n.self.ID),
			n.cfg.Bus.MaxPendingMsgs,
			n.clk, n.logger, n.tracer,
		)
		if err := n.outbound.Start(); err != nil {
			return abort(err)
		}
		started = append(started, n.outbound.Stop)

		n.inbound = transport.NewInbound(
			n.bus,
			n.cfg.Bus.ServerMaxNumberOfRPCs,
			n.cfg.Bus.MaxPendingMsgs,
			n.clk, n.logger,
		)
		if n.rpcHandler != nil {
			n.inbound.Handle(transport.RequestSubject(prefix, n.self.Kind, n.self.ID), n.rpcHandler)
		}
		if n.kickHandler != nil {
			n.inbound.Handle(transport.KickSubject(prefix, n.self.Kind, n.self.ID), n.kickHandler)
		}
		if n.pushHandler != nil {
			n.inbound.HandlePush(transport.PushSubject(prefix, n.self.Kind, n.self.ID), n.pushHandler)
		}
		if err := n.inbound.Start(); err != nil {
			return abort(err)
		}
		started = append(started, n.inbound.Stop)

		n.directory = discovery.NewClient(n.backend, n.registry, n.self, discovery.Options{
			Prefix:           prefix,
			KindFilters:      n.cfg.Directory.ServerTypeFilters,
			HeartbeatTTL:     n.cfg.Directory.HeartbeatTTL(),
			SyncInterval:     n.cfg.Directory.SyncServersInterval(),
			MaxRetries:       n.cfg.Directory.MaxNumberOfRetries,
			LogHeartbeat:     n.cfg.Directory.LogHeartbeat,
			LogServerSync:    n.cfg.Directory.LogServerSync,
			LogServerDetails: n.cfg.Directory.LogServerDetails,
		}, n.clk, n.logger)
		if err := n.directory.Start(); err != nil {
			return abort(err)
		}

		go func() {
			select {
			case err := <-n.directory.Fatal():
				n.reportFatal(err)
			case <-n.once.Stopping():
			}
		}()

		n.logger.Info("node started", zap.String("prefix", prefix))
		return nil
	})
}

// Stop tears the node down immediately: deregister, drop subscriptions,
// fail outstanding calls. Use Shutdown for a graceful drain first.
func (n *Node) Stop() error {
	return n.once.Stop(func() error {
		var err error
		if n.directory != nil {
			err = multierr.Append(err, n.directory.Stop())
		}
		if n.inbound != nil {
			err = multierr.Append(err, n.inbound.Stop())
		}
		if n.outbound != nil {
			err = multierr.Append(err, n.outbound.Stop())
		}
		if n.table != nil {
			err = multierr.Append(err, n.table.Stop())
		}
		if n.notifier != nil {
			err = multierr.Append(err, n.notifier.Stop())
		}
		if n.bus != nil {
			err = multierr.Append(err, n.bus.Close())
		}
		n.logger.Info("node stopped")
		return err
	})
}

// Shutdown leaves the mesh gracefully: deregister first so peers stop
// routing here, reject new inbound work, drain in-flight requests, then
// tear everything down. It always completes by the context deadline or, if
// the context has none, by the configured shutdown deadline; in-flight
// requests still unanswered at that point are abandoned and logged.
func (n *Node) Shutdown(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.cfg.Bus.ShutdownDeadline())
		defer cancel()
	}

	var err error
	if n.directory != nil {
		err = multierr.Append(err, n.directory.Stop())
	}
	if n.inbound != nil {
		if abandoned := n.inbound.Drain(ctx); abandoned > 0 {
			n.logger.Warn("abandoning in-flight rpcs at shutdown deadline",
				zap.Int64("count", abandoned))
		}
	}
	return multierr.Append(err, n.Stop())
}

// WaitShutdownSignal blocks until the process receives SIGINT or SIGTERM,
// or the node is stopped from another goroutine.
func (n *Node) WaitShutdownSignal() {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)
	select {
	case sig := <-sigs:
		n.logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	case <-n.once.Stopping():
	}
}

// SendRPC sends a correlated request and blocks until the reply or the
// request timeout. An empty serverID targets the first known server of the
// kind named by the route's leading segment. An unknown target fails fast
// with NO_SERVER_FOUND, without consuming the timeout.
func (n *Node) SendRPC(ctx context.Context, serverID, route string, payload []byte) ([]byte, error) {
	if !n.once.IsRunning() {
		return nil, mesherrors.InternalErrorf("node is not running")
	}
	kind, err := kindFromRoute(route)
	if err != nil {
		return nil, err
	}
	target, err := n.resolveTarget(ctx, serverID, kind)
	if err != nil {
		return nil, err
	}
	subject := transport.RequestSubject(n.cfg.Directory.Prefix, target.Kind, target.ID)
	return n.outbound.Call(ctx, subject, route, payload, n.cfg.Bus.RequestTimeout())
}

// SendPushToUser delivers a one-way payload to the given frontend server.
func (n *Node) SendPushToUser(serverID, serverKind string, payload []byte) error {
	if !n.once.IsRunning() {
		return mesherrors.InternalErrorf("node is not running")
	}
	target, err := n.resolveTarget(context.Background(), serverID, serverKind)
	if err != nil {
		return err
	}
	return n.outbound.OneWay(
		transport.PushSubject(n.cfg.Directory.Prefix, target.Kind, target.ID),
		payload,
	)
}

// SendKick tells the given frontend server to kick a user and waits for its
// answer.
func (n *Node) SendKick(ctx context.Context, serverID, serverKind string, payload []byte) ([]byte, error) {
	if !n.once.IsRunning() {
		return nil, mesherrors.InternalErrorf("node is not running")
	}
	target, err := n.resolveTarget(ctx, serverID, serverKind)
	if err != nil {
		return nil, err
	}
	subject := transport.KickSubject(n.cfg.Directory.Prefix, target.Kind, target.ID)
	return n.outbound.Call(ctx, subject, "kick", payload, n.cfg.Bus.RequestTimeout())
}

// ServerByID returns the server with the given id, falling through to the
// directory on a cache miss.
func (n *Node) ServerByID(ctx context.Context, id, kind string) (cluster.Server, bool, error) {
	if n.directory == nil {
		return cluster.Server{}, false, mesherrors.InternalErrorf("node is not running")
	}
	return n.directory.ServerByID(ctx, id, kind)
}

// ServersByKind returns every known server of the kind.
func (n *Node) ServersByKind(ctx context.Context, kind string) ([]cluster.Server, error) {
	if n.directory == nil {
		return nil, mesherrors.InternalErrorf("node is not running")
	}
	return n.directory.ServersByKind(ctx, kind)
}

// Servers returns a snapshot of every known server.
func (n *Node) Servers() []cluster.Server {
	if n.registry == nil {
		return nil
	}
	snapshot := n.registry.Snapshot()
	out := make([]cluster.Server, 0, len(snapshot))
	for _, s := range snapshot {
		out = append(out, s)
	}
	return out
}

func (n *Node) resolveTarget(ctx context.Context, serverID, kind string) (cluster.Server, error) {
	if serverID != "" {
		s, ok, err := n.directory.ServerByID(ctx, serverID, kind)
		if err != nil {
			return cluster.Server{}, err
		}
		if !ok {
			return cluster.Server{}, mesherrors.NoServerFoundErrorf(
				"no server %q of kind %q", serverID, kind)
		}
		return s, nil
	}
	if s, ok := n.registry.Find(kind, ""); ok {
		return s, nil
	}
	servers, err := n.directory.ServersByKind(ctx, kind)
	if err != nil {
		return cluster.Server{}, err
	}
	if len(servers) == 0 {
		return cluster.Server{}, mesherrors.NoServerFoundErrorf("no server of kind %q", kind)
	}
	return servers[0], nil
}

func (n *Node) reportFatal(err error) {
	select {
	case n.fatal <- err:
	default:
	}
}

// kindFromRoute extracts the target server kind from a route of the form
// "kind.handler.method".
func kindFromRoute(route string) (string, error) {
	parts := strings.SplitN(route, ".", 2)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", mesherrors.ProtocolViolationErrorf("invalid route %q, want kind.handler.method", route)
	}
	return parts[0], nil
}
