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
	"sync"
	"time"

	"github.com/opentracing/opentracing-go"
	"github.com/opentracing/opentracing-go/ext"
	"go.uber.org/zap"

	"github.com/tiltfactory/clustermesh/internal/clock"
	"github.com/tiltfactory/clustermesh/mesherrors"
	"github.com/tiltfactory/clustermesh/pkg/lifecycle"
)

// Outbound sends correlated requests and one-way messages over the bus.
// While the bus is reconnecting, sends are queued up to a ceiling and
// flushed when the connection returns; past the ceiling they fail with a
// connection error.
type Outbound struct {
	once   *lifecycle.Once
	bus    Bus
	table  *Table
	clk    clock.Clock
	logger *zap.Logger
	tracer opentracing.Tracer

	replySubject string

	mu         sync.Mutex
	queued     []Message
	maxPending int

	replySub Subscription
}

// NewOutbound returns an Outbound replying on the given subject. A nil
// tracer disables tracing.
func NewOutbound(
	bus Bus,
	table *Table,
	replySubject string,
	maxPending int,
	clk clock.Clock,
	logger *zap.Logger,
	tracer opentracing.Tracer,
) *Outbound {
	if maxPending <= 0 {
		maxPending = 1
	}
	if clk == nil {
		clk = clock.NewReal()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Outbound{
		once:         lifecycle.NewOnce(),
		bus:          bus,
		table:        table,
		clk:          clk,
		logger:       logger,
		tracer:       tracer,
		replySubject: replySubject,
		maxPending:   maxPending,
	}
}

// Start subscribes to the reply subject and hooks the bus state so queued
// sends flush on reconnection.
func (o *Outbound) Start() error {
	return o.once.Start(func() error {
		sub, err := o.bus.Subscribe(o.replySubject, o.onReply)
		if err != nil {
			return mesherrors.ConnectionErrorf("subscribing to reply subject %s: %s", o.replySubject, err)
		}
		o.replySub = sub
		o.bus.OnStateChange(func(s ConnState) {
			if s == Connected {
				o.flush()
			}
		})
		return nil
	})
}

// Stop unsubscribes and drops anything still queued.
func (o *Outbound) Stop() error {
	return o.once.Stop(func() error {
		o.mu.Lock()
		dropped := len(o.queued)
		o.queued = nil
		o.mu.Unlock()
		if dropped > 0 {
			o.logger.Warn("dropping queued outbound messages on stop", zap.Int("count", dropped))
		}
		if o.replySub != nil {
			return o.replySub.Unsubscribe()
		}
		return nil
	})
}

// Call publishes a correlated request to the subject and suspends the
// caller until the reply arrives or the timeout fires. This is the only
// intentional blocking point the transport exposes.
func (o *Outbound) Call(ctx context.Context, subject, route string, payload []byte, timeout time.Duration) ([]byte, error) {
	call := o.table.Register(o.clk.Now().Add(timeout))

	header := Header{
		HeaderCorrelationID: call.ID(),
		HeaderRoute:         route,
	}
	var span opentracing.Span
	if o.tracer != nil {
		span = o.tracer.StartSpan(route)
		ext.SpanKindRPCClient.Set(span)
		ext.PeerService.Set(span, subject)
		defer span.Finish()
		if err := o.tracer.Inject(span.Context(), opentracing.TextMap, header); err != nil {
			o.logger.Debug("failed to inject trace context", zap.Error(err))
		}
	}

	msg := Message{Subject: subject, Reply: o.replySubject, Header: header, Data: payload}
	if err := o.sendOrQueue(msg); err != nil {
		// The entry can no longer be answered; completing it here keeps
		// the table from carrying it to the sweep.
		o.table.Resolve(call.ID(), Result{})
		<-call.Done()
		if span != nil {
			ext.Error.Set(span, true)
		}
		return nil, err
	}

	timer := o.clk.Timer(timeout)
	defer timer.Stop()
	select {
	case res := <-call.Done():
		return o.finishCall(span, res)
	case <-timer.C():
		// Whichever of this expiry and a concurrent resolution wins the
		// table's check-and-remove determines the outcome; either way the
		// entry completes exactly once and Done emits it.
		o.table.Expire(call.ID())
		res := <-call.Done()
		return o.finishCall(span, res)
	case <-ctx.Done():
		// Early abort: stop awaiting and let the sweep complete the entry,
		// discarding its result.
		if span != nil {
			ext.Error.Set(span, true)
		}
		if ctx.Err() == context.DeadlineExceeded {
			return nil, mesherrors.TimeoutErrorf("request %s: %s", call.ID(), ctx.Err())
		}
		return nil, mesherrors.FromError(ctx.Err())
	}
}

func (o *Outbound) finishCall(span opentracing.Span, res Result) ([]byte, error) {
	if res.Err != nil {
		if span != nil {
			ext.Error.Set(span, true)
		}
		return nil, res.Err
	}
	return res.Data, nil
}

// OneWay publishes a fire-and-forget message to the subject. Delivery is
// best-effort at the bus's own reliability level; no correlation entry is
// created.
func (o *Outbound) OneWay(subject string, payload []byte) error {
	return o.sendOrQueue(Message{Subject: subject, Data: payload})
}

func (o *Outbound) sendOrQueue(msg Message) error {
	switch o.bus.State() {
	case Connected:
		if err := o.bus.Publish(msg); err != nil {
			return mesherrors.ConnectionErrorf("publishing to %s: %s", msg.Subject, err)
		}
		return nil
	case Connecting:
		o.mu.Lock()
		defer o.mu.Unlock()
		if len(o.queued) >= o.maxPending {
			return mesherrors.ConnectionErrorf("pending message ceiling of %d reached while reconnecting", o.maxPending)
		}
		o.queued = append(o.queued, msg)
		return nil
	case ShuttingDown:
		return mesherrors.ConnectionErrorf("transport is shutting down")
	default:
		return mesherrors.ConnectionErrorf("not connected to the message bus")
	}
}

// flush publishes everything queued during a reconnection window.
func (o *Outbound) flush() {
	o.mu.Lock()
	queued := o.queued
	o.queued = nil
	o.mu.Unlock()
	for _, msg := range queued {
		if err := o.bus.Publish(msg); err != nil {
			o.logger.Error("failed to flush queued message", zap.String("subject", msg.Subject), zap.Error(err))
		}
	}
	if len(queued) > 0 {
		o.logger.Info("flushed queued outbound messages", zap.Int("count", len(queued)))
	}
}

// onReply resolves the correlation entry for an arriving reply. Late
// replies, whose entries were already timed out, are no-ops.
func (o *Outbound) onReply(msg Message) {
	cid := msg.Header.Get(HeaderCorrelationID)
	if cid == "" {
		o.logger.Error("reply without correlation id", zap.String("subject", msg.Subject))
		return
	}
	res := Result{Data: msg.Data}
	if codeStr := msg.Header.Get(HeaderErrorCode); codeStr != "" {
		res = Result{Err: statusFromHeaders(codeStr, msg.Header)}
	}
	if !o.table.Resolve(cid, res) {
		o.logger.Debug("discarding late reply", zap.String("cid", cid))
	}
}

// statusFromHeaders rebuilds the remote error. Known symbolic codes map
// back onto themselves; anything else is surfaced verbatim as a remote
// error named by the remote's own code.
func statusFromHeaders(codeStr string, h Header) *mesherrors.Status {
	message := h.Get(HeaderErrorMessage)
	if code, ok := mesherrors.CodeFromString(codeStr); ok && code != mesherrors.CodeOK {
		st := mesherrors.Newf(code, "%s", message)
		if name := h.Get(HeaderErrorName); name != "" {
			st = st.WithName(name)
		}
		return st
	}
	return mesherrors.RemoteErrorf(codeStr, "%s", message)
}
