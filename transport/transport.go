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

// Package transport implements the RPC layer of the node on top of a
// subject-addressed message bus: correlated request/reply, one-way sends,
// and inbound dispatch with bounded concurrency.
//
// Application payloads are opaque byte slices; everything the runtime needs
// (correlation id, route, error codes) travels in message headers.
package transport

import "fmt"

// Well-known header keys. These cross the wire and must stay stable.
const (
	// HeaderCorrelationID links an outbound request to its reply.
	HeaderCorrelationID = "Mesh-Cid"

	// HeaderRoute names the application route of a request.
	HeaderRoute = "Mesh-Route"

	// HeaderErrorCode carries the symbolic error code of a failed reply.
	HeaderErrorCode = "Mesh-Error-Code"

	// HeaderErrorName carries a remote application error code verbatim.
	HeaderErrorName = "Mesh-Error-Name"

	// HeaderErrorMessage carries the failed reply's message text.
	HeaderErrorMessage = "Mesh-Error-Message"
)

// Header carries string metadata alongside an opaque payload.
type Header map[string]string

// Get returns the value for the key, or "".
func (h Header) Get(key string) string {
	if h == nil {
		return ""
	}
	return h[key]
}

// Set stores the value under the key. Part of the opentracing TextMapWriter
// carrier contract.
func (h Header) Set(key, value string) {
	h[key] = value
}

// ForeachKey iterates over all header pairs. Part of the opentracing
// TextMapReader carrier contract.
func (h Header) ForeachKey(handler func(key, val string) error) error {
	for k, v := range h {
		if err := handler(k, v); err != nil {
			return err
		}
	}
	return nil
}

// Message is one unit on the bus.
type Message struct {
	// Subject is the routing key the message is published on.
	Subject string

	// Reply, when non-empty, is the subject a correlated answer should be
	// published to.
	Reply string

	// Header carries runtime metadata. May be nil.
	Header Header

	// Data is the opaque application payload.
	Data []byte
}

// Handler consumes inbound messages. Implementations must not retain the
// message's Data slice past the call.
type Handler func(Message)

// Subscription is a live interest in a subject.
type Subscription interface {
	Unsubscribe() error
}

// ConnState is the connection state of a Bus.
type ConnState int32

const (
	// Disconnected means no connection exists and none is being attempted.
	// Terminal once the reconnection budget is exhausted.
	Disconnected ConnState = iota

	// Connecting means a connection or reconnection attempt is in progress.
	Connecting

	// Connected means the bus is usable for sends.
	Connected

	// ShuttingDown means a graceful drain is in progress; no new work is
	// accepted.
	ShuttingDown
)

func (s ConnState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case ShuttingDown:
		return "shutting-down"
	}
	return "unknown"
}

// Bus is the message transport the RPC layer runs on: reliable pub/sub with
// subjects and a connection state. Implementations own reconnection; state
// transitions are reported through OnStateChange from the I/O loop that owns
// the connection.
type Bus interface {
	// Publish sends the message. Only legal in Connected; implementations
	// may buffer internally but are not required to.
	Publish(Message) error

	// Subscribe registers a handler for the subject. Handlers are invoked
	// from the bus's receive loop and should hand work off quickly.
	Subscribe(subject string, h Handler) (Subscription, error)

	// State returns the current connection state.
	State() ConnState

	// OnStateChange registers a callback invoked on every state
	// transition. Must be called before the state can change.
	OnStateChange(func(ConnState))

	// Close tears the connection down. The final state is Disconnected.
	Close() error
}

// RequestSubject is the subject a server receives RPC requests on.
func RequestSubject(prefix, kind, id string) string {
	return fmt.Sprintf("%s.servers.%s.%s", prefix, kind, id)
}

// PushSubject is the subject a frontend server receives user pushes on.
func PushSubject(prefix, kind, id string) string {
	return fmt.Sprintf("%s.push.%s.%s", prefix, kind, id)
}

// KickSubject is the subject a frontend server receives kick commands on.
func KickSubject(prefix, kind, id string) string {
	return fmt.Sprintf("%s.kick.%s.%s", prefix, kind, id)
}

// ReplySubject is the subject a server receives correlated answers on.
func ReplySubject(prefix, id string) string {
	return fmt.Sprintf("%s.reply.%s", prefix, id)
}
