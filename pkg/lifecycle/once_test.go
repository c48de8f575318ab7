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

package lifecycle

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartRunsExactlyOnce(t *testing.T) {
	once := NewOnce()
	var calls int
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, once.Start(func() error {
				calls++
				return nil
			}))
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, calls)
	assert.Equal(t, Running, once.State())
	assert.True(t, once.IsRunning())
}

func TestStartErrorShared(t *testing.T) {
	once := NewOnce()
	wantErr := errors.New("did not start")
	require.Equal(t, wantErr, once.Start(func() error { return wantErr }))
	assert.Equal(t, Errored, once.State())

	// Later starts and stops observe the same error without running.
	assert.Equal(t, wantErr, once.Start(func() error {
		t.Fatal("second start function ran")
		return nil
	}))
	assert.Equal(t, wantErr, once.Stop(func() error {
		t.Fatal("stop function ran after errored start")
		return nil
	}))
}

func TestStopBeforeStart(t *testing.T) {
	once := NewOnce()
	assert.NoError(t, once.Stop(func() error {
		t.Fatal("stop function ran on idle lifecycle")
		return nil
	}))
	assert.Equal(t, Stopped, once.State())

	assert.NoError(t, once.Start(func() error {
		t.Fatal("start function ran after stop")
		return nil
	}))
}

func TestStartThenStop(t *testing.T) {
	once := NewOnce()
	require.NoError(t, once.Start(nil))

	select {
	case <-once.Stopping():
		t.Fatal("stopping channel closed while running")
	default:
	}

	var stops int
	require.NoError(t, once.Stop(func() error {
		stops++
		return nil
	}))
	require.NoError(t, once.Stop(func() error {
		stops++
		return nil
	}))
	assert.Equal(t, 1, stops)
	assert.Equal(t, Stopped, once.State())
	assert.False(t, once.IsRunning())

	select {
	case <-once.Stopping():
	default:
		t.Fatal("stopping channel still open after stop")
	}
	select {
	case <-once.Stopped():
	default:
		t.Fatal("stopped channel still open after stop")
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", Idle.String())
	assert.Equal(t, "running", Running.String())
	assert.Equal(t, "stopped", Stopped.String())
	assert.Equal(t, "unknown", State(42).String())
}
