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

package meshtest

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/tiltfactory/clustermesh/discovery"
)

// Directory is an in-memory discovery.Backend with real lease-to-key
// binding: revoking or expiring a lease deletes its keys and notifies
// watchers, exactly as a directory server's TTL expiry would.
type Directory struct {
	mu        sync.Mutex
	kvs       map[string]dirEntry
	leases    map[discovery.LeaseID]bool // true once expired
	nextLease discovery.LeaseID
	watchers  map[int]*dirWatcher
	nextWatch int

	// Failure injection. Each, when non-nil, fails the corresponding call.
	GrantErr     error
	KeepAliveErr error
	PutErr       error
	GetErr       error
	WatchErr     error
}

type dirEntry struct {
	value []byte
	lease discovery.LeaseID
}

type dirWatcher struct {
	prefix string
	ch     chan discovery.Event
}

var _ discovery.Backend = (*Directory)(nil)

// NewDirectory returns an empty in-memory directory.
func NewDirectory() *Directory {
	return &Directory{
		kvs:      make(map[string]dirEntry),
		leases:   make(map[discovery.LeaseID]bool),
		watchers: make(map[int]*dirWatcher),
	}
}

func (d *Directory) Grant(_ context.Context, _ time.Duration) (discovery.LeaseID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.GrantErr != nil {
		return 0, d.GrantErr
	}
	d.nextLease++
	d.leases[d.nextLease] = false
	return d.nextLease, nil
}

func (d *Directory) KeepAliveOnce(_ context.Context, id discovery.LeaseID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.KeepAliveErr != nil {
		return d.KeepAliveErr
	}
	expired, ok := d.leases[id]
	if !ok || expired {
		return errors.New("lease not found or expired")
	}
	return nil
}

func (d *Directory) Revoke(_ context.Context, id discovery.LeaseID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dropLeaseLocked(id)
	delete(d.leases, id)
	return nil
}

func (d *Directory) Put(_ context.Context, key string, value []byte, lease discovery.LeaseID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.PutErr != nil {
		return d.PutErr
	}
	v := make([]byte, len(value))
	copy(v, value)
	d.kvs[key] = dirEntry{value: v, lease: lease}
	d.notifyLocked(discovery.Event{Type: discovery.EventPut, Key: key, Value: v})
	return nil
}

func (d *Directory) GetPrefix(_ context.Context, prefix string) (map[string][]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.GetErr != nil {
		return nil, d.GetErr
	}
	out := make(map[string][]byte)
	for k, e := range d.kvs {
		if strings.HasPrefix(k, prefix) {
			out[k] = e.value
		}
	}
	return out, nil
}

func (d *Directory) Watch(ctx context.Context, prefix string) (<-chan discovery.Event, error) {
	d.mu.Lock()
	if d.WatchErr != nil {
		err := d.WatchErr
		d.mu.Unlock()
		return nil, err
	}
	id := d.nextWatch
	d.nextWatch++
	w := &dirWatcher{prefix: prefix, ch: make(chan discovery.Event, 64)}
	d.watchers[id] = w
	d.mu.Unlock()

	go func() {
		<-ctx.Done()
		d.mu.Lock()
		if cur, ok := d.watchers[id]; ok && cur == w {
			delete(d.watchers, id)
			close(w.ch)
		}
		d.mu.Unlock()
	}()
	return w.ch, nil
}

func (d *Directory) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, w := range d.watchers {
		delete(d.watchers, id)
		close(w.ch)
	}
	return nil
}

// Delete removes a key directly, as another process deregistering would.
func (d *Directory) Delete(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.kvs[key]; !ok {
		return
	}
	delete(d.kvs, key)
	d.notifyLocked(discovery.Event{Type: discovery.EventDelete, Key: key})
}

// ExpireLease simulates TTL expiry: the lease stops renewing and every key
// attached to it is deleted, with delete events to watchers.
func (d *Directory) ExpireLease(id discovery.LeaseID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.leases[id] = true
	d.dropLeaseLocked(id)
}

// DisruptWatches closes every open watch channel without deleting any keys,
// simulating a transport break in the watch stream.
func (d *Directory) DisruptWatches() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, w := range d.watchers {
		delete(d.watchers, id)
		close(w.ch)
	}
}

// Keys returns every stored key, for assertions.
func (d *Directory) Keys() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.kvs))
	for k := range d.kvs {
		out = append(out, k)
	}
	return out
}

func (d *Directory) dropLeaseLocked(id discovery.LeaseID) {
	for k, e := range d.kvs {
		if e.lease == id {
			delete(d.kvs, k)
			d.notifyLocked(discovery.Event{Type: discovery.EventDelete, Key: k})
		}
	}
}

func (d *Directory) notifyLocked(ev discovery.Event) {
	for _, w := range d.watchers {
		if !strings.HasPrefix(ev.Key, w.prefix) {
			continue
		}
		select {
		case w.ch <- ev:
		default:
		}
	}
}
