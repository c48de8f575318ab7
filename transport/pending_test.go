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
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tiltfactory/clustermesh/internal/clock"
	"github.com/tiltfactory/clustermesh/mesherrors"
)

func TestTableResolve(t *testing.T) {
	fake := clock.NewFake()
	table := NewTable(fake, time.Second, nil)

	call := table.Register(fake.Now().Add(time.Second))
	require.Equal(t, 1, table.Len())

	require.True(t, table.Resolve(call.ID(), Result{Data: []byte("pong")}))
	res := <-call.Done()
	require.NoError(t, res.Err)
	assert.Equal(t, []byte("pong"), res.Data)
	assert.Zero(t, table.Len())
}

func TestTableSweepTimesOutOnlyExpired(t *testing.T) {
	fake := clock.NewFake()
	table := NewTable(fake, time.Second, nil)

	early := table.Register(fake.Now().Add(100 * time.Millisecond))
	late := table.Register(fake.Now().Add(10 * time.Second))

	fake.Add(100 * time.Millisecond)
	assert.Equal(t, 1, table.Sweep(fake.Now()))

	res := <-early.Done()
	require.Error(t, res.Err)
	assert.True(t, mesherrors.IsTimeout(res.Err))

	select {
	case <-late.Done():
		t.Fatal("unexpired entry was swept")
	default:
	}
	assert.Equal(t, 1, table.Len())
}

func TestLateReplyIsNoOp(t *testing.T) {
	fake := clock.NewFake()
	table := NewTable(fake, time.Second, nil)

	call := table.Register(fake.Now().Add(time.Millisecond))
	fake.Add(time.Millisecond)
	require.Equal(t, 1, table.Sweep(fake.Now()))

	// The reply arrives after the sweep already timed the entry out.
	assert.False(t, table.Resolve(call.ID(), Result{Data: []byte("late")}))

	res := <-call.Done()
	assert.True(t, mesherrors.IsTimeout(res.Err))

	// A fresh entry is unaffected by late replies aimed at dead ids.
	fresh := table.Register(fake.Now().Add(time.Hour))
	assert.False(t, table.Resolve(call.ID(), Result{Data: []byte("stale")}))
	require.True(t, table.Resolve(fresh.ID(), Result{Data: []byte("ok")}))
	res = <-fresh.Done()
	assert.Equal(t, []byte("ok"), res.Data)
}

func TestExpire(t *testing.T) {
	fake := clock.NewFake()
	table := NewTable(fake, time.Second, nil)

	call := table.Register(fake.Now().Add(time.Second))
	require.True(t, table.Expire(call.ID()))
	assert.False(t, table.Expire(call.ID()))
	res := <-call.Done()
	assert.True(t, mesherrors.IsTimeout(res.Err))
}

// TestExactlyOneCompletion races reply resolution against deadline sweeps
// and expiry over randomized interleavings: every entry must complete
// exactly once, never zero times, never twice.
func TestExactlyOneCompletion(t *testing.T) {
	fake := clock.NewFake()
	table := NewTable(fake, time.Second, nil)
	rng := rand.New(rand.NewSource(42))

	const entries = 400
	calls := make([]*Call, entries)
	for i := range calls {
		// Deadlines scattered around "now" so sweeps and resolves contend.
		calls[i] = table.Register(fake.Now().Add(time.Duration(rng.Intn(20)) * time.Millisecond))
	}

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			local := rand.New(rand.NewSource(seed))
			<-start
			for _, c := range calls {
				switch local.Intn(3) {
				case 0:
					table.Resolve(c.ID(), Result{Data: []byte("r")})
				case 1:
					table.Expire(c.ID())
				case 2:
					table.Sweep(fake.Now().Add(time.Duration(local.Intn(25)) * time.Millisecond))
				}
			}
		}(int64(i))
	}
	close(start)
	wg.Wait()

	// Whatever survived the races is completed by a final sweep.
	table.Sweep(fake.Now().Add(time.Hour))
	assert.Zero(t, table.Len())

	for i, c := range calls {
		select {
		case <-c.Done():
		default:
			t.Fatalf("entry %d was never completed", i)
		}
		// The result channel holds at most one value, so a second receive
		// succeeding would mean a double completion.
		select {
		case <-c.Done():
			t.Fatalf("entry %d was completed twice", i)
		default:
		}
	}
}

func TestSweepLoopRuns(t *testing.T) {
	fake := clock.NewFake()
	table := NewTable(fake, 50*time.Millisecond, nil)
	require.NoError(t, table.Start())
	defer func() { require.NoError(t, table.Stop()) }()

	call := table.Register(fake.Now().Add(40 * time.Millisecond))
	fake.Add(50 * time.Millisecond)

	select {
	case res := <-call.Done():
		assert.True(t, mesherrors.IsTimeout(res.Err))
	case <-time.After(time.Second):
		t.Fatal("sweep loop did not time the entry out")
	}
}

func TestStopFailsOutstandingCalls(t *testing.T) {
	table := NewTable(clock.NewFake(), time.Second, nil)
	require.NoError(t, table.Start())

	call := table.Register(time.Now().Add(time.Hour))
	require.NoError(t, table.Stop())

	res := <-call.Done()
	require.Error(t, res.Err)
	assert.True(t, mesherrors.IsConnectionError(res.Err))
	assert.Zero(t, table.Len())
}
