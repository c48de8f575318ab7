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
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tiltfactory/clustermesh/cluster"
	"github.com/tiltfactory/clustermesh/internal/backoff"
	"github.com/tiltfactory/clustermesh/internal/clock"
	"github.com/tiltfactory/clustermesh/mesherrors"
	"github.com/tiltfactory/clustermesh/pkg/lifecycle"
)

// Options configures the directory client.
type Options struct {
	// Prefix namespaces every key this mesh writes.
	Prefix string

	// KindFilters restricts which server kinds are watched and synced.
	// Empty means all kinds.
	KindFilters []string

	// HeartbeatTTL is the lease time to live. The lease is renewed every
	// TTL/3.
	HeartbeatTTL time.Duration

	// SyncInterval is how often a full snapshot is reconciled against the
	// registry, as a correctness backstop independent of the watch stream.
	SyncInterval time.Duration

	// MaxRetries bounds registration attempts during startup. Exceeding it
	// fails initialization; after startup, directory trouble degrades to
	// stale-cache operation instead.
	MaxRetries int

	// LogHeartbeat, LogServerSync and LogServerDetails gate the debug
	// logging of the respective loops.
	LogHeartbeat     bool
	LogServerSync    bool
	LogServerDetails bool
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.Prefix == "" {
		out.Prefix = "mesh"
	}
	if out.HeartbeatTTL <= 0 {
		out.HeartbeatTTL = 60 * time.Second
	}
	if out.SyncInterval <= 0 {
		out.SyncInterval = 120 * time.Second
	}
	if out.MaxRetries < 0 {
		out.MaxRetries = 0
	}
	return out
}

// Client registers the local server in the directory under a renewable
// lease and is the single writer of the registry: watch events and periodic
// sync snapshots both funnel through it.
type Client struct {
	once     *lifecycle.Once
	backend  Backend
	registry *cluster.Registry
	self     cluster.Server
	opts     Options
	clk      clock.Clock
	logger   *zap.Logger
	retry    *backoff.Exponential

	lease  LeaseID
	ctx    context.Context
	cancel context.CancelFunc
	fatal  chan error
}

// NewClient returns an unstarted directory client.
func NewClient(
	backend Backend,
	registry *cluster.Registry,
	self cluster.Server,
	opts Options,
	clk clock.Clock,
	logger *zap.Logger,
) *Client {
	if clk == nil {
		clk = clock.NewReal()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	retry, _ := backoff.NewExponential(100*time.Millisecond, 100*time.Millisecond, 5*time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		once:     lifecycle.NewOnce(),
		backend:  backend,
		registry: registry,
		self:     self,
		opts:     opts.withDefaults(),
		clk:      clk,
		logger:   logger.Named("discovery"),
		retry:    retry,
		ctx:      ctx,
		cancel:   cancel,
		fatal:    make(chan error, 1),
	}
}

// Start registers the local server, loads the initial snapshot and launches
// the heartbeat, watch and sync loops. Registration is retried up to
// MaxRetries; exhausting the budget is fatal to initialization.
func (c *Client) Start() error {
	return c.once.Start(func() error {
		if err := c.register(); err != nil {
			return err
		}
		if err := c.Sync(c.ctx); err != nil {
			return mesherrors.InitializationErrorf("initial server sync: %s", err)
		}
		go c.heartbeatLoop()
		go c.watchLoop()
		go c.syncLoop()
		return nil
	})
}

// Stop deregisters the local server, clears the registry and releases the
// backend. Always invoked before the transport teardown so peers observe a
// deliberate removal rather than a lease lapse.
func (c *Client) Stop() error {
	return c.once.Stop(func() error {
		c.cancel()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.backend.Revoke(ctx, c.lease); err != nil {
			c.logger.Warn("failed to revoke directory lease", zap.Error(err))
		}
		c.registry.Clear()
		return c.backend.Close()
	})
}

// Fatal delivers at most one cluster-membership-threatening error: a lease
// that could not be renewed before expiry. The process owning the node
// should treat it as loss of cluster membership.
func (c *Client) Fatal() <-chan error {
	return c.fatal
}

// ServerByID returns the server with the given id. On a registry miss the
// cache is lazily filled from the directory for that kind before giving
// up.
func (c *Client) ServerByID(ctx context.Context, id, kind string) (cluster.Server, bool, error) {
	if s, ok := c.registry.Get(id); ok {
		return s, true, nil
	}
	if err := c.fillKind(ctx, kind); err != nil {
		return cluster.Server{}, false, err
	}
	s, ok := c.registry.Get(id)
	return s, ok, nil
}

// ServersByKind returns every known server of the kind, lazily filling the
// cache on a complete miss.
func (c *Client) ServersByKind(ctx context.Context, kind string) ([]cluster.Server, error) {
	if servers := c.registry.ByKind(kind); len(servers) > 0 {
		return servers, nil
	}
	if err := c.fillKind(ctx, kind); err != nil {
		return nil, err
	}
	return c.registry.ByKind(kind), nil
}

// Sync fetches a full snapshot and reconciles the registry against it by
// diffing ids: ids gone from the snapshot are removed, new ids are added,
// unchanged descriptors are left untouched. Applying the diff is
// idempotent, which is what lets the watch stream and the sync loop share
// the registry safely.
func (c *Client) Sync(ctx context.Context) error {
	kvs, err := c.backend.GetPrefix(ctx, c.serversPrefix())
	if err != nil {
		return mesherrors.DirectoryUnavailableErrorf("fetching server snapshot: %s", err)
	}

	desired := make(map[string]cluster.Server, len(kvs))
	for key, value := range kvs {
		kind, _, ok := c.parseServerKey(key)
		if !ok || !c.watchesKind(kind) {
			continue
		}
		s, err := cluster.UnmarshalServer(value)
		if err != nil {
			c.logger.Warn("skipping malformed directory entry", zap.String("key", key), zap.Error(err))
			continue
		}
		desired[s.ID] = s
	}

	var added, removed int
	for id := range c.registry.Snapshot() {
		if _, ok := desired[id]; !ok {
			c.registry.Remove(id)
			removed++
		}
	}
	for _, s := range desired {
		if c.registry.Upsert(s) {
			added++
		}
	}

	if c.opts.LogServerSync {
		c.logger.Debug("synced servers from directory",
			zap.Int("total", len(desired)),
			zap.Int("changed", added),
			zap.Int("removed", removed),
		)
	}
	return nil
}

func (c *Client) register() error {
	value, err := cluster.MarshalServer(c.self)
	if err != nil {
		return mesherrors.InitializationErrorf("encoding local server descriptor: %s", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-c.clk.After(c.retry.Duration(uint(attempt - 1))):
			case <-c.ctx.Done():
				return mesherrors.InitializationErrorf("registration canceled")
			}
		}
		lease, err := c.backend.Grant(c.ctx, c.opts.HeartbeatTTL)
		if err != nil {
			lastErr = err
			c.logger.Warn("directory lease grant failed", zap.Int("attempt", attempt), zap.Error(err))
			continue
		}
		if err := c.backend.Put(c.ctx, c.selfKey(), value, lease); err != nil {
			lastErr = err
			c.logger.Warn("directory registration failed", zap.Int("attempt", attempt), zap.Error(err))
			continue
		}
		c.lease = lease
		c.logger.Info("registered in service directory",
			zap.String("key", c.selfKey()),
			zap.Duration("ttl", c.opts.HeartbeatTTL),
		)
		return nil
	}
	return mesherrors.InitializationErrorf(
		"directory unreachable after %d retries: %s", c.opts.MaxRetries, lastErr)
}

// heartbeatLoop renews the lease every TTL/3. Individual renewal failures
// are retried on the next tick; once failures have spanned a full TTL the
// lease is gone, peers have observed a removal, and the condition is
// surfaced as fatal rather than silently retried forever.
func (c *Client) heartbeatLoop() {
	interval := c.opts.HeartbeatTTL / 3
	lastRenewed := c.clk.Now()
	timer := c.clk.Timer(interval)
	defer timer.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-timer.C():
		}

		if err := c.backend.KeepAliveOnce(c.ctx, c.lease); err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.logger.Warn("lease renewal failed", zap.Error(err))
			if c.clk.Now().Sub(lastRenewed) >= c.opts.HeartbeatTTL {
				c.reportFatal(mesherrors.DirectoryUnavailableErrorf(
					"directory lease expired, cluster membership lost: %s", err))
				return
			}
		} else {
			lastRenewed = c.clk.Now()
			if c.opts.LogHeartbeat {
				c.logger.Debug("directory lease renewed", zap.Duration("ttl", c.opts.HeartbeatTTL))
			}
		}
		timer.Reset(interval)
	}
}

// watchLoop consumes directory change events. The stream is infinite and
// restartable: when it breaks, a full sync repairs whatever the watch
// missed before the stream resumes.
func (c *Client) watchLoop() {
	for {
		events, err := c.backend.Watch(c.ctx, c.serversPrefix())
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.logger.Warn("directory watch failed, retrying", zap.Error(err))
			select {
			case <-c.clk.After(c.retry.Duration(0)):
				continue
			case <-c.ctx.Done():
				return
			}
		}

		for ev := range events {
			c.applyEvent(ev)
		}
		if c.ctx.Err() != nil {
			return
		}
		c.logger.Warn("directory watch interrupted, resyncing")
		if err := c.Sync(c.ctx); err != nil {
			c.logger.Warn("resync after watch interruption failed", zap.Error(err))
		}
	}
}

func (c *Client) syncLoop() {
	timer := c.clk.Timer(c.opts.SyncInterval)
	defer timer.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-timer.C():
		}
		// Post-init directory trouble degrades to stale-cache operation.
		if err := c.Sync(c.ctx); err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.logger.Warn("periodic server sync failed, serving stale cache", zap.Error(err))
		}
		timer.Reset(c.opts.SyncInterval)
	}
}

func (c *Client) applyEvent(ev Event) {
	kind, id, ok := c.parseServerKey(ev.Key)
	if !ok || !c.watchesKind(kind) {
		return
	}
	switch ev.Type {
	case EventPut:
		s, err := cluster.UnmarshalServer(ev.Value)
		if err != nil {
			c.logger.Warn("ignoring malformed server descriptor",
				zap.String("key", ev.Key), zap.Error(err))
			return
		}
		if c.registry.Upsert(s) && c.opts.LogServerDetails {
			c.logger.Debug("server added", zap.String("server", s.String()),
				zap.String("hostname", s.Hostname), zap.Bool("frontend", s.Frontend))
		}
	case EventDelete:
		if s, ok := c.registry.Remove(id); ok && c.opts.LogServerDetails {
			c.logger.Debug("server removed", zap.String("server", s.String()))
		}
	}
}

func (c *Client) fillKind(ctx context.Context, kind string) error {
	if kind == "" || !c.watchesKind(kind) {
		return nil
	}
	kvs, err := c.backend.GetPrefix(ctx, fmt.Sprintf("%s/servers/%s/", c.opts.Prefix, kind))
	if err != nil {
		return mesherrors.DirectoryUnavailableErrorf("fetching servers of kind %q: %s", kind, err)
	}
	for key, value := range kvs {
		s, err := cluster.UnmarshalServer(value)
		if err != nil {
			c.logger.Warn("skipping malformed directory entry", zap.String("key", key), zap.Error(err))
			continue
		}
		c.registry.Upsert(s)
	}
	return nil
}

func (c *Client) reportFatal(err error) {
	select {
	case c.fatal <- err:
	default:
	}
}

func (c *Client) selfKey() string {
	return fmt.Sprintf("%s/servers/%s/%s", c.opts.Prefix, c.self.Kind, c.self.ID)
}

func (c *Client) serversPrefix() string {
	return fmt.Sprintf("%s/servers/", c.opts.Prefix)
}

// parseServerKey splits "<prefix>/servers/<kind>/<id>" into kind and id.
func (c *Client) parseServerKey(key string) (kind, id string, ok bool) {
	rest, found := strings.CutPrefix(key, c.serversPrefix())
	if !found {
		return "", "", false
	}
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

func (c *Client) watchesKind(kind string) bool {
	if len(c.opts.KindFilters) == 0 {
		return true
	}
	if kind == c.self.Kind {
		// The local kind is always tracked so the node can see its own
		// registration and siblings.
		return true
	}
	for _, k := range c.opts.KindFilters {
		if k == kind {
			return true
		}
	}
	return false
}
