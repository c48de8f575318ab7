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

// Package discovery keeps the node's membership in a shared service
// directory and mirrors the directory into the local registry: it registers
// the local descriptor under a renewable lease, watches peers come and go,
// and periodically reconciles a full snapshot to repair missed watch
// events.
package discovery

import (
	"context"
	"time"
)

// LeaseID identifies a time-bounded registration in the directory.
type LeaseID int64

// EventType is the type of a directory watch event.
type EventType int

const (
	// EventPut means a key was created or updated.
	EventPut EventType = iota

	// EventDelete means a key was removed, deliberately or by lease
	// expiry.
	EventDelete
)

// Event is one directory change observed by a watch.
type Event struct {
	Type  EventType
	Key   string
	Value []byte
}

// Backend is the narrow slice of a lease-and-watch key-value store the
// client needs. The production implementation wraps an etcd client; tests
// run against an in-memory directory.
type Backend interface {
	// Grant creates a lease with the given time to live.
	Grant(ctx context.Context, ttl time.Duration) (LeaseID, error)

	// KeepAliveOnce renews the lease. It fails if the lease has already
	// expired, in which case the node's registration is gone.
	KeepAliveOnce(ctx context.Context, id LeaseID) error

	// Revoke destroys the lease, deleting every key attached to it.
	Revoke(ctx context.Context, id LeaseID) error

	// Put stores the value under the key, attached to the lease.
	Put(ctx context.Context, key string, value []byte, lease LeaseID) error

	// GetPrefix returns every key-value pair under the prefix.
	GetPrefix(ctx context.Context, prefix string) (map[string][]byte, error)

	// Watch streams changes under the prefix until the context ends. The
	// returned channel closes on transport disruption; the caller restarts
	// the watch and runs a full sync to repair missed deltas.
	Watch(ctx context.Context, prefix string) (<-chan Event, error)

	// Close releases the backend connection.
	Close() error
}
