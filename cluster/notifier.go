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

package cluster

import (
	"sync"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/tiltfactory/clustermesh/pkg/lifecycle"
)

// NotificationKind is the kind of a membership change event.
type NotificationKind int

const (
	// ServerAdded means a member appeared in the directory.
	ServerAdded NotificationKind = iota

	// ServerRemoved means a member disappeared from the directory, either
	// deliberately or because its lease lapsed.
	ServerRemoved
)

func (k NotificationKind) String() string {
	switch k {
	case ServerAdded:
		return "server-added"
	case ServerRemoved:
		return "server-removed"
	}
	return "unknown"
}

// Notification is one membership change event.
type Notification struct {
	Kind   NotificationKind
	Server Server
}

// Listener receives membership change events. Implementations are invoked
// from a single dedicated goroutine, one event at a time, in queue order.
type Listener interface {
	ServerAdded(Server)
	ServerRemoved(Server)
}

const defaultNotifierCapacity = 1024

// Notifier decouples registry mutation from the embedder's notification
// callback: events are enqueued onto a bounded ordered channel drained by a
// dedicated worker. Per-server ordering is preserved (an added event for a
// given id always precedes a later removed event for the same id); global
// ordering across different ids follows queue order.
type Notifier struct {
	once     *lifecycle.Once
	listener Listener
	mu       sync.RWMutex // guards events against send-after-close
	events   chan Notification
	dropped  atomic.Int64
	logger   *zap.Logger
}

// NewNotifier returns a Notifier delivering to the given listener. A nil
// listener discards all events. Capacity <= 0 selects the default bound.
func NewNotifier(listener Listener, capacity int, logger *zap.Logger) *Notifier {
	if capacity <= 0 {
		capacity = defaultNotifierCapacity
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{
		once:     lifecycle.NewOnce(),
		listener: listener,
		events:   make(chan Notification, capacity),
		logger:   logger,
	}
}

// Start launches the drain worker.
func (n *Notifier) Start() error {
	return n.once.Start(func() error {
		go n.drain()
		return nil
	})
}

// Stop drains nothing further; events already queued are delivered before
// the worker exits.
func (n *Notifier) Stop() error {
	return n.once.Stop(func() error {
		n.mu.Lock()
		close(n.events)
		n.mu.Unlock()
		return nil
	})
}

// Notify enqueues one event. It never blocks registry mutation: if the
// queue is full the event is dropped and counted, which only happens when
// the embedder's callback stalls for the time it takes the directory to
// produce a queue's worth of membership changes.
func (n *Notifier) Notify(kind NotificationKind, server Server) {
	if n.listener == nil {
		return
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	if !n.once.IsRunning() {
		return
	}
	select {
	case n.events <- Notification{Kind: kind, Server: server}:
	default:
		n.dropped.Inc()
		n.logger.Error("cluster notification queue full, dropping event",
			zap.Stringer("kind", kind),
			zap.String("server", server.String()),
		)
	}
}

// Dropped returns how many events were discarded because the queue was full.
func (n *Notifier) Dropped() int64 {
	return n.dropped.Load()
}

func (n *Notifier) drain() {
	for ev := range n.events {
		switch ev.Kind {
		case ServerAdded:
			n.listener.ServerAdded(ev.Server)
		case ServerRemoved:
			n.listener.ServerRemoved(ev.Server)
		}
	}
}
