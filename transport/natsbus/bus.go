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

// Package natsbus implements the message bus on a NATS connection. The
// client library owns reconnection; this package translates its connection
// events into bus states and escalates an exhausted reconnection budget as
// a fatal connection loss.
package natsbus

import (
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/tiltfactory/clustermesh/internal/backoff"
	"github.com/tiltfactory/clustermesh/mesherrors"
	"github.com/tiltfactory/clustermesh/transport"
)

// Config holds the connection settings of the bus.
type Config struct {
	// URL is the server address, e.g. "nats://127.0.0.1:4222".
	URL string

	// ConnectionTimeout bounds the initial dial.
	ConnectionTimeout time.Duration

	// MaxReconnectionAttempts bounds how many times a lost connection is
	// retried before the loss becomes fatal. Zero disables reconnection.
	MaxReconnectionAttempts int
}

// Bus is a transport.Bus over a single NATS connection.
type Bus struct {
	conn   *nats.Conn
	logger *zap.Logger

	mu        sync.Mutex
	state     transport.ConnState
	callbacks []func(transport.ConnState)

	// onFatal fires once when the reconnection budget is exhausted.
	onFatal func(error)
}

var _ transport.Bus = (*Bus)(nil)

// Connect dials the server and returns a connected bus. onFatal, when
// non-nil, is invoked if the connection is lost for good.
func Connect(cfg Config, logger *zap.Logger, onFatal func(error)) (*Bus, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Bus{
		logger:  logger.Named("natsbus"),
		state:   transport.Connecting,
		onFatal: onFatal,
	}

	delay, err := backoff.NewExponential(100*time.Millisecond, 100*time.Millisecond, 5*time.Second)
	if err != nil {
		return nil, err
	}
	timeout := cfg.ConnectionTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	conn, err := nats.Connect(cfg.URL,
		nats.Timeout(timeout),
		nats.MaxReconnects(cfg.MaxReconnectionAttempts),
		nats.CustomReconnectDelay(func(attempt int) time.Duration {
			return delay.Duration(uint(attempt))
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			b.logger.Warn("bus connection lost, reconnecting", zap.Error(err))
			b.setState(transport.Connecting)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			b.logger.Info("bus reconnected", zap.String("url", c.ConnectedUrl()))
			b.setState(transport.Connected)
		}),
		nats.ClosedHandler(func(c *nats.Conn) {
			b.setState(transport.Disconnected)
			if err := c.LastError(); err != nil && b.onFatal != nil {
				b.onFatal(mesherrors.ConnectionErrorf(
					"bus connection lost permanently after %d reconnection attempts: %s",
					cfg.MaxReconnectionAttempts, err))
			}
		}),
	)
	if err != nil {
		return nil, mesherrors.ConnectionErrorf("connecting to message bus at %s: %s", cfg.URL, err)
	}
	b.conn = conn
	b.setState(transport.Connected)
	return b, nil
}

func (b *Bus) Publish(msg transport.Message) error {
	out := &nats.Msg{
		Subject: msg.Subject,
		Reply:   msg.Reply,
		Data:    msg.Data,
	}
	if len(msg.Header) > 0 {
		out.Header = make(nats.Header, len(msg.Header))
		for k, v := range msg.Header {
			out.Header.Set(k, v)
		}
	}
	if err := b.conn.PublishMsg(out); err != nil {
		return mesherrors.ConnectionErrorf("publishing to %s: %s", msg.Subject, err)
	}
	return nil
}

func (b *Bus) Subscribe(subject string, h transport.Handler) (transport.Subscription, error) {
	sub, err := b.conn.Subscribe(subject, func(m *nats.Msg) {
		h(fromNATS(m))
	})
	if err != nil {
		return nil, mesherrors.ConnectionErrorf("subscribing to %s: %s", subject, err)
	}
	return sub, nil
}

func (b *Bus) State() transport.ConnState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Bus) OnStateChange(f func(transport.ConnState)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.callbacks = append(b.callbacks, f)
}

// Close drains the connection so in-flight subscription callbacks finish
// before teardown.
func (b *Bus) Close() error {
	b.setState(transport.ShuttingDown)
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
		b.setState(transport.Disconnected)
		return mesherrors.ConnectionErrorf("draining bus connection: %s", err)
	}
	b.setState(transport.Disconnected)
	return nil
}

func (b *Bus) setState(s transport.ConnState) {
	b.mu.Lock()
	if b.state == s {
		b.mu.Unlock()
		return
	}
	// ShuttingDown is sticky so a drain-time disconnect event cannot
	// resurrect the bus into Connecting.
	if b.state == transport.ShuttingDown && s != transport.Disconnected {
		b.mu.Unlock()
		return
	}
	b.state = s
	cbs := make([]func(transport.ConnState), len(b.callbacks))
	copy(cbs, b.callbacks)
	b.mu.Unlock()
	for _, cb := range cbs {
		cb(s)
	}
}

func fromNATS(m *nats.Msg) transport.Message {
	msg := transport.Message{
		Subject: m.Subject,
		Reply:   m.Reply,
		Data:    m.Data,
	}
	if len(m.Header) > 0 {
		msg.Header = make(transport.Header, len(m.Header))
		for k := range m.Header {
			msg.Header[k] = m.Header.Get(k)
		}
	}
	return msg
}
