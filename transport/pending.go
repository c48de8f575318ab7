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
	"sort"
	"sync"
	"time"

	"github.com/nats-io/nuid"
	"go.uber.org/zap"

	"github.com/tiltfactory/clustermesh/internal/clock"
	"github.com/tiltfactory/clustermesh/mesherrors"
	"github.com/tiltfactory/clustermesh/pkg/lifecycle"
)

// Result is the outcome of one outbound request: a reply payload or an
// error, never both.
type Result struct {
	Data []byte
	Err  error
}

// Call is one outstanding outbound request.
type Call struct {
	id       string
	deadline time.Time
	done     chan Result
}

// ID returns the correlation id of the call.
func (c *Call) ID() string { return c.id }

// Deadline returns the absolute time after which the call times out.
func (c *Call) Deadline() time.Time { return c.deadline }

// Done emits the call's single Result.
func (c *Call) Done() <-chan Result { return c.done }

const defaultSweepInterval = 50 * time.Millisecond

// Table tracks outstanding outbound requests by correlation id. Every
// registered entry is completed exactly once, by whichever of reply
// resolution and deadline sweep removes it from the table first; removal is
// an atomic check-and-delete under the table lock, so the two paths can
// never both complete the same entry.
type Table struct {
	once   *lifecycle.Once
	mu     sync.Mutex
	calls  map[string]*Call
	clk    clock.Clock
	every  time.Duration
	logger *zap.Logger
}

// NewTable returns a correlation table swept at the given interval. A zero
// interval selects the default. A nil clock selects real time.
func NewTable(clk clock.Clock, sweepInterval time.Duration, logger *zap.Logger) *Table {
	if clk == nil {
		clk = clock.NewReal()
	}
	if sweepInterval <= 0 {
		sweepInterval = defaultSweepInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Table{
		once:   lifecycle.NewOnce(),
		calls:  make(map[string]*Call),
		clk:    clk,
		every:  sweepInterval,
		logger: logger,
	}
}

// Start launches the periodic sweep loop.
func (t *Table) Start() error {
	return t.once.Start(func() error {
		// The timer is created before Start returns so the first sweep is
		// scheduled relative to the start time, not goroutine scheduling.
		timer := t.clk.Timer(t.every)
		go t.sweepLoop(timer)
		return nil
	})
}

// Stop halts the sweep loop and fails every outstanding call with a
// connection error, so no caller stays suspended across shutdown.
func (t *Table) Stop() error {
	return t.once.Stop(func() error {
		t.mu.Lock()
		orphans := make([]*Call, 0, len(t.calls))
		for _, c := range t.calls {
			orphans = append(orphans, c)
		}
		t.calls = make(map[string]*Call)
		t.mu.Unlock()

		for _, c := range orphans {
			c.done <- Result{Err: mesherrors.ConnectionErrorf("rpc transport shut down with request %s in flight", c.id)}
		}
		return nil
	})
}

// Register creates a new entry with a fresh correlation id and the given
// absolute deadline.
func (t *Table) Register(deadline time.Time) *Call {
	c := &Call{
		id:       nuid.Next(),
		deadline: deadline,
		done:     make(chan Result, 1),
	}
	t.mu.Lock()
	t.calls[c.id] = c
	t.mu.Unlock()
	return c
}

// Resolve completes the entry with the given result. It returns false if
// the id is no longer present, meaning the entry was already resolved or
// swept; callers must treat that as a no-op, not an error.
func (t *Table) Resolve(id string, res Result) bool {
	c, ok := t.take(id)
	if !ok {
		return false
	}
	c.done <- res
	return true
}

// Expire completes the entry with a timeout error if it is still present.
func (t *Table) Expire(id string) bool {
	c, ok := t.take(id)
	if !ok {
		return false
	}
	c.done <- Result{Err: mesherrors.TimeoutErrorf("request %s timed out", c.id)}
	return true
}

// Sweep times out every entry whose deadline is at or before now, oldest
// deadline first, and returns how many were completed.
func (t *Table) Sweep(now time.Time) int {
	t.mu.Lock()
	var expired []*Call
	for _, c := range t.calls {
		if !c.deadline.After(now) {
			expired = append(expired, c)
		}
	}
	for _, c := range expired {
		delete(t.calls, c.id)
	}
	t.mu.Unlock()

	sort.Slice(expired, func(i, j int) bool {
		return expired[i].deadline.Before(expired[j].deadline)
	})
	for _, c := range expired {
		c.done <- Result{Err: mesherrors.TimeoutErrorf("request %s timed out", c.id)}
	}
	if len(expired) > 0 {
		t.logger.Debug("swept expired rpc entries", zap.Int("count", len(expired)))
	}
	return len(expired)
}

// Len returns the number of outstanding entries.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}

// take removes and returns the entry for the id. This is the single point
// of completion exclusivity: exactly one caller gets ok=true per id.
func (t *Table) take(id string) (*Call, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.calls[id]
	if ok {
		delete(t.calls, id)
	}
	return c, ok
}

func (t *Table) sweepLoop(timer clock.Timer) {
	defer timer.Stop()
	for {
		select {
		case <-timer.C():
			t.Sweep(t.clk.Now())
			timer.Reset(t.every)
		case <-t.once.Stopping():
			return
		}
	}
}
