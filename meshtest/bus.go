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

// Package meshtest provides in-memory doubles of the node's external
// dependencies: a subject-routed message bus and a lease-and-watch
// directory. Both are deterministic and support failure injection, so the
// full node can be exercised without a broker or a directory server.
package meshtest

import (
	"sync"

	"github.com/tiltfactory/clustermesh/transport"
)

// Bus is an in-memory transport.Bus. A single Bus instance is shared by
// every endpoint in a test; messages published on a subject are delivered
// synchronously to all handlers subscribed to it.
type Bus struct {
	mu        sync.Mutex
	handlers  map[string]map[int]transport.Handler
	nextSub   int
	state     transport.ConnState
	callbacks []func(transport.ConnState)
	published []transport.Message

	// PublishErr, when non-nil, fails every Publish with it.
	PublishErr error

	// Drop, when true, accepts publishes but delivers nothing. Simulates
	// message loss.
	Drop bool
}

var _ transport.Bus = (*Bus)(nil)

// NewBus returns a connected in-memory bus.
func NewBus() *Bus {
	return &Bus{
		handlers: make(map[string]map[int]transport.Handler),
		state:    transport.Connected,
	}
}

// Publish delivers the message to every subscriber of its subject before
// returning.
func (b *Bus) Publish(msg transport.Message) error {
	b.mu.Lock()
	if b.PublishErr != nil {
		err := b.PublishErr
		b.mu.Unlock()
		return err
	}
	b.published = append(b.published, msg)
	if b.Drop {
		b.mu.Unlock()
		return nil
	}
	hs := make([]transport.Handler, 0, len(b.handlers[msg.Subject]))
	for _, h := range b.handlers[msg.Subject] {
		hs = append(hs, h)
	}
	b.mu.Unlock()

	// Delivery happens outside the lock so handlers can publish replies.
	for _, h := range hs {
		h(msg)
	}
	return nil
}

func (b *Bus) Subscribe(subject string, h transport.Handler) (transport.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.handlers[subject] == nil {
		b.handlers[subject] = make(map[int]transport.Handler)
	}
	id := b.nextSub
	b.nextSub++
	b.handlers[subject][id] = h
	return &busSubscription{bus: b, subject: subject, id: id}, nil
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

func (b *Bus) Close() error {
	b.SetState(transport.Disconnected)
	return nil
}

// SetState transitions the bus and fires the registered callbacks, the way
// a real connection's I/O loop would on disconnect and reconnect.
func (b *Bus) SetState(s transport.ConnState) {
	b.mu.Lock()
	if b.state == s {
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

// Published returns every message accepted by Publish, in order, including
// dropped ones.
func (b *Bus) Published() []transport.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]transport.Message, len(b.published))
	copy(out, b.published)
	return out
}

type busSubscription struct {
	bus     *Bus
	subject string
	id      int
}

func (s *busSubscription) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	delete(s.bus.handlers[s.subject], s.id)
	return nil
}
