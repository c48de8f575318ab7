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

package discovery

import (
	"context"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// EtcdBackend implements Backend against an etcd cluster.
type EtcdBackend struct {
	client *clientv3.Client
}

var _ Backend = (*EtcdBackend)(nil)

// NewEtcdBackend dials the given endpoints.
func NewEtcdBackend(endpoints []string, dialTimeout time.Duration) (*EtcdBackend, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, err
	}
	return &EtcdBackend{client: client}, nil
}

// Grant creates an etcd lease. TTLs are whole seconds in etcd; fractions
// round up so a lease never expires earlier than asked.
func (b *EtcdBackend) Grant(ctx context.Context, ttl time.Duration) (LeaseID, error) {
	seconds := int64((ttl + time.Second - 1) / time.Second)
	resp, err := b.client.Grant(ctx, seconds)
	if err != nil {
		return 0, err
	}
	return LeaseID(resp.ID), nil
}

// KeepAliveOnce renews the lease once.
func (b *EtcdBackend) KeepAliveOnce(ctx context.Context, id LeaseID) error {
	_, err := b.client.KeepAliveOnce(ctx, clientv3.LeaseID(id))
	return err
}

// Revoke destroys the lease and with it every attached key.
func (b *EtcdBackend) Revoke(ctx context.Context, id LeaseID) error {
	_, err := b.client.Revoke(ctx, clientv3.LeaseID(id))
	return err
}

// Put stores the value under the key, attached to the lease.
func (b *EtcdBackend) Put(ctx context.Context, key string, value []byte, lease LeaseID) error {
	var opts []clientv3.OpOption
	if lease != 0 {
		opts = append(opts, clientv3.WithLease(clientv3.LeaseID(lease)))
	}
	_, err := b.client.Put(ctx, key, string(value), opts...)
	return err
}

// GetPrefix returns every key-value pair under the prefix.
func (b *EtcdBackend) GetPrefix(ctx context.Context, prefix string) (map[string][]byte, error) {
	resp, err := b.client.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		out[string(kv.Key)] = kv.Value
	}
	return out, nil
}

// Watch streams changes under the prefix. The channel closes when etcd
// cancels the watch or the context ends.
func (b *EtcdBackend) Watch(ctx context.Context, prefix string) (<-chan Event, error) {
	wch := b.client.Watch(ctx, prefix, clientv3.WithPrefix())
	out := make(chan Event)
	go func() {
		defer close(out)
		for resp := range wch {
			if resp.Err() != nil {
				return
			}
			for _, ev := range resp.Events {
				e := Event{Key: string(ev.Kv.Key), Value: ev.Kv.Value}
				switch ev.Type {
				case clientv3.EventTypePut:
					e.Type = EventPut
				case clientv3.EventTypeDelete:
					e.Type = EventDelete
				default:
					continue
				}
				select {
				case out <- e:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Close releases the etcd client.
func (b *EtcdBackend) Close() error {
	return b.client.Close()
}
