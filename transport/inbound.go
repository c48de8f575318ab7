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

package transport

import (
	"context"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/tiltfactory/clustermesh/internal/clock"
	"github.com/tiltfactory/clustermesh/mesherrors"
	"github.com/tiltfactory/clustermesh/pkg/lifecycle"
)

// RPC is one inbound request. The registered handler must eventually call
// Respond or RespondError exactly once; the first response wins and any
// later one is a logged no-op.
type RPC struct {
	route     string
	data      []byte
	reply     string
	cid       string
	bus       Bus
	responded atomic.Bool
	logger    *zap.Logger
	finish    func()
}

// Route returns the application route of the request.
func (r *RPC) Route() string { return r.route }

// Data returns the opaque request payload.
func (r *RPC) Data() []byte { return r.data }

// Respond publishes the reply payload to the caller. Responding more than
// once is a protocol violation: the first response wins and subsequent
// calls return an error without publishing.
func (r *RPC) Respond(payload []byte) error {
	if !r.claim() {
		return mesherrors.ProtocolViolationErrorf("rpc for route %q already responded", r.route)
	}
	defer r.finish()
	return r.bus.Publish(Message{
		Subject: r.reply,
		Header:  Header{HeaderCorrelationID: r.cid},
		Data:    payload,
	})
}

// RespondError answers the caller with an error status instead of a
// payload. The status code and full message text cross the wire verbatim.
func (r *RPC) RespondError(st *mesherrors.Status) error {
	if st == nil {
		return r.Respond(nil)
	}
	if !r.claim() {
		return mesherrors.ProtocolViolationErrorf("rpc for route %q already responded", r.route)
	}
	defer r.finish()
	header := Header{
		HeaderCorrelationID: r.cid,
		HeaderErrorCode:     st.Code().String(),
		HeaderErrorMessage:  st.Message(),
	}
	if st.Name() != "" {
		header[HeaderErrorName] = st.Name()
	}
	return r.bus.Publish(Message{Subject: r.reply, Header: header})
}

func (r *RPC) claim() bool {
	if !r.responded.CompareAndSwap(false, true) {
		r.logger.Error("rpc responded more than once, keeping first response",
			zap.String("route", r.route))
		return false
	}
	return true
}

// RPCHandler executes one inbound request.
type RPCHandler func(*RPC)

// PushHandler consumes one inbound one-way payload.
type PushHandler func(data []byte)

// Inbound receives requests from the bus and runs them on a bounded worker
// pool: at most maxConcurrent handler invocations run at once, at most
// maxPending accepted requests wait in the queue, and anything beyond that
// is answered with a BUSY reply rather than dropped on the floor.
type Inbound struct {
	once *lifecycle.Once
	bus  Bus
	clk  clock.Clock

	maxConcurrent int
	maxPending    int

	rpcHandlers  map[string]RPCHandler
	pushHandlers map[string]PushHandler

	queue     chan Message
	subs      []Subscription
	accepting atomic.Bool
	inflight  atomic.Int64
	logger    *zap.Logger
}

// NewInbound returns an Inbound bound to the given bus. Handlers are
// registered with Handle and HandlePush before Start.
func NewInbound(bus Bus, maxConcurrent, maxPending int, clk clock.Clock, logger *zap.Logger) *Inbound {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	if maxPending <= 0 {
		maxPending = 1
	}
	if clk == nil {
		clk = clock.NewReal()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Inbound{
		once:          lifecycle.NewOnce(),
		bus:           bus,
		clk:           clk,
		maxConcurrent: maxConcurrent,
		maxPending:    maxPending,
		rpcHandlers:   make(map[string]RPCHandler),
		pushHandlers:  make(map[string]PushHandler),
		queue:         make(chan Message, maxPending),
		logger:        logger,
	}
}

// Handle registers the RPC handler for a subject. Must be called before
// Start.
func (in *Inbound) Handle(subject string, h RPCHandler) {
	in.rpcHandlers[subject] = h
}

// HandlePush registers the one-way handler for a subject. Must be called
// before Start.
func (in *Inbound) HandlePush(subject string, h PushHandler) {
	in.pushHandlers[subject] = h
}

// Start subscribes to every registered subject and launches the worker
// pool.
func (in *Inbound) Start() error {
	return in.once.Start(func() error {
		for subject := range in.rpcHandlers {
			if err := in.subscribe(subject); err != nil {
				return err
			}
		}
		for subject := range in.pushHandlers {
			if err := in.subscribe(subject); err != nil {
				return err
			}
		}
		in.accepting.Store(true)
		for i := 0; i < in.maxConcurrent; i++ {
			go in.worker()
		}
		return nil
	})
}

func (in *Inbound) subscribe(subject string) error {
	sub, err := in.bus.Subscribe(subject, in.onMessage)
	if err != nil {
		in.unsubscribeAll()
		return mesherrors.ConnectionErrorf("subscribing to %s: %s", subject, err)
	}
	in.subs = append(in.subs, sub)
	return nil
}

// StopAccepting rejects all further inbound requests with BUSY while
// letting queued and in-flight ones proceed. First step of a graceful
// shutdown.
func (in *Inbound) StopAccepting() {
	in.accepting.Store(false)
}

// Inflight returns the number of accepted requests that have not been
// responded to yet, including queued ones.
func (in *Inbound) Inflight() int64 {
	return in.inflight.Load()
}

// Drain stops accepting, then blocks until every accepted request has been
// responded to or the context expires, and returns how many were
// abandoned. An abandoned request's eventual response, if any, still
// publishes harmlessly.
func (in *Inbound) Drain(ctx context.Context) int64 {
	in.StopAccepting()
	for {
		remaining := in.inflight.Load()
		if remaining == 0 {
			return 0
		}
		select {
		case <-ctx.Done():
			return in.inflight.Load()
		case <-in.clk.After(5 * time.Millisecond):
		}
	}
}

// Stop tears the subscriptions and worker pool down. Requests still queued
// are dropped; call Drain first for a graceful shutdown. The queue channel
// is never closed: a delivery that raced past the accepting check may still
// enqueue harmlessly, and workers exit through the lifecycle's stopping
// signal instead.
func (in *Inbound) Stop() error {
	return in.once.Stop(func() error {
		in.StopAccepting()
		in.unsubscribeAll()
		return nil
	})
}

func (in *Inbound) unsubscribeAll() {
	var err error
	for _, sub := range in.subs {
		err = multierr.Append(err, sub.Unsubscribe())
	}
	in.subs = nil
	if err != nil {
		in.logger.Warn("failed to unsubscribe cleanly", zap.Error(err))
	}
}

// onMessage runs on the bus receive loop: it only classifies and enqueues.
func (in *Inbound) onMessage(msg Message) {
	if !in.accepting.Load() {
		in.replyBusy(msg)
		return
	}
	// Counted before the enqueue so the worker's decrement can never land
	// ahead of the increment and Drain never sees a transient zero while an
	// accepted request is still unanswered.
	in.inflight.Inc()
	select {
	case in.queue <- msg:
	default:
		in.inflight.Dec()
		in.replyBusy(msg)
	}
}

// replyBusy sends the negative backpressure reply for a request the node
// cannot take on. One-way messages have no reply subject and are dropped.
func (in *Inbound) replyBusy(msg Message) {
	if msg.Reply == "" {
		in.logger.Warn("dropping one-way message, server at capacity",
			zap.String("subject", msg.Subject))
		return
	}
	in.logger.Warn("rejecting rpc, server at capacity", zap.String("subject", msg.Subject))
	err := in.bus.Publish(Message{
		Subject: msg.Reply,
		Header: Header{
			HeaderCorrelationID: msg.Header.Get(HeaderCorrelationID),
			HeaderErrorCode:     mesherrors.CodeBusy.String(),
			HeaderErrorMessage:  "server is overloaded",
		},
	})
	if err != nil {
		in.logger.Error("failed to publish busy reply", zap.Error(err))
	}
}

func (in *Inbound) worker() {
	for {
		select {
		case msg := <-in.queue:
			in.dispatch(msg)
		case <-in.once.Stopping():
			return
		}
	}
}

func (in *Inbound) dispatch(msg Message) {
	if h, ok := in.pushHandlers[msg.Subject]; ok {
		h(msg.Data)
		in.inflight.Dec()
		return
	}
	h, ok := in.rpcHandlers[msg.Subject]
	if !ok {
		in.logger.Error("no handler for subject", zap.String("subject", msg.Subject))
		in.inflight.Dec()
		return
	}
	done := make(chan struct{})
	rpc := &RPC{
		route:  msg.Header.Get(HeaderRoute),
		data:   msg.Data,
		reply:  msg.Reply,
		cid:    msg.Header.Get(HeaderCorrelationID),
		bus:    in.bus,
		logger: in.logger,
		finish: func() {
			in.inflight.Dec()
			close(done)
		},
	}
	h(rpc)
	// The worker is held until the handler responds, which is what bounds
	// concurrent handler executions to the pool size. Handlers that hand
	// the RPC to another goroutine release the worker when that goroutine
	// responds. At teardown the wait is abandoned so a handler that never
	// responds cannot strand the worker; a late Respond still publishes.
	select {
	case <-done:
	case <-in.once.Stopping():
	}
}
