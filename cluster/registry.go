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

import "sync"

// Registry is the in-memory cache of known cluster members, keyed by id and
// indexed by kind. All mutation funnels through the service directory client
// (watch and sync outputs); every other component holds a read-only view.
//
// Kind lookups resolve in insertion order, which makes the minimal
// "first match" selection policy deterministic.
type Registry struct {
	mu       sync.RWMutex
	byID     map[string]Server
	byKind   map[string][]string // ids in insertion order
	notifier *Notifier
}

// NewRegistry returns an empty registry. Changes are forwarded to the given
// notifier; a nil notifier disables notifications.
func NewRegistry(notifier *Notifier) *Registry {
	return &Registry{
		byID:     make(map[string]Server),
		byKind:   make(map[string][]string),
		notifier: notifier,
	}
}

// Upsert inserts or replaces the descriptor and reports whether the set
// changed. Re-upserting an identical descriptor (a lease refresh) is not a
// change and emits no notification. A changed descriptor for an existing id
// is modeled as removal of the old value plus insertion of the new one, and
// notifies both.
//
// The matching notification is queued before Upsert returns, under the
// registry lock, so enqueue order always matches mutation order even when
// mutators race on the same id. Notify is a non-blocking enqueue, so
// holding the lock across it cannot stall the writer.
func (r *Registry) Upsert(s Server) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	old, exists := r.byID[s.ID]
	if exists && old == s {
		return false
	}
	r.byID[s.ID] = s
	if !exists {
		r.byKind[s.Kind] = append(r.byKind[s.Kind], s.ID)
	} else if old.Kind != s.Kind {
		r.removeKindIndex(old.Kind, s.ID)
		r.byKind[s.Kind] = append(r.byKind[s.Kind], s.ID)
	}

	if exists {
		r.notify(ServerRemoved, old)
	}
	r.notify(ServerAdded, s)
	return true
}

// Remove deletes the descriptor for the id, returning it and whether it was
// present. The removal notification is queued before Remove returns, under
// the same lock discipline as Upsert.
func (r *Registry) Remove(id string) (Server, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[id]
	if !ok {
		return Server{}, false
	}
	delete(r.byID, id)
	r.removeKindIndex(s.Kind, id)

	r.notify(ServerRemoved, s)
	return s, true
}

// Get returns the descriptor for the id.
func (r *Registry) Get(id string) (Server, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byID[id]
	return s, ok
}

// Find returns a member of the given kind. With a non-empty id the member
// must match both; with an empty id the first member of the kind, in
// insertion order, is selected.
func (r *Registry) Find(kind, id string) (Server, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if id != "" {
		s, ok := r.byID[id]
		if !ok || (kind != "" && s.Kind != kind) {
			return Server{}, false
		}
		return s, true
	}
	ids := r.byKind[kind]
	if len(ids) == 0 {
		return Server{}, false
	}
	return r.byID[ids[0]], true
}

// ByKind returns all members of the kind in insertion order.
func (r *Registry) ByKind(kind string) []Server {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := r.byKind[kind]
	servers := make([]Server, 0, len(ids))
	for _, id := range ids {
		servers = append(servers, r.byID[id])
	}
	return servers
}

// Snapshot returns a copy of every known descriptor, keyed by id.
func (r *Registry) Snapshot() map[string]Server {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Server, len(r.byID))
	for id, s := range r.byID {
		out[id] = s
	}
	return out
}

// Len returns the number of known members.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// Clear empties the registry without emitting notifications. Used during
// local shutdown after deregistration, where the process is leaving rather
// than observing peers leave.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID = make(map[string]Server)
	r.byKind = make(map[string][]string)
}

func (r *Registry) removeKindIndex(kind, id string) {
	ids := r.byKind[kind]
	for i, existing := range ids {
		if existing == id {
			r.byKind[kind] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(r.byKind[kind]) == 0 {
		delete(r.byKind, kind)
	}
}

func (r *Registry) notify(kind NotificationKind, s Server) {
	if r.notifier != nil {
		r.notifier.Notify(kind, s)
	}
}
