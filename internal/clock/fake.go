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

package clock

import (
	"runtime"
	"sort"
	"sync"
	"time"
)

// Fake is a Clock that only moves forward when Add is called. The initial
// time is the Unix epoch.
type Fake struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

var _ Clock = (*Fake)(nil)

// NewFake returns a programmatically advanced Clock.
func NewFake() *Fake {
	return &Fake{now: time.Unix(0, 0)}
}

// Now returns the fake current time.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Add moves the fake time forward, firing every timer whose deadline is
// reached, in deadline order.
func (f *Fake) Add(d time.Duration) {
	f.mu.Lock()
	end := f.now.Add(d)
	f.fire(end)
	if f.now.Before(end) {
		f.now = end
	}
	f.mu.Unlock()
	nap()
}

// fire fires and removes all timers with deadlines at or before end.
// Called with the lock held; releases it around each tick.
func (f *Fake) fire(end time.Time) {
	for {
		sort.SliceStable(f.timers, func(i, j int) bool {
			return f.timers[i].deadline.Before(f.timers[j].deadline)
		})
		if len(f.timers) == 0 || f.timers[0].deadline.After(end) {
			return
		}
		t := f.timers[0]
		f.timers = f.timers[1:]
		if f.now.Before(t.deadline) {
			f.now = t.deadline
		}
		f.mu.Unlock()
		t.tick(t.deadline)
		f.mu.Lock()
	}
}

// After produces a channel that emits once the fake time has advanced past
// the duration.
func (f *Fake) After(d time.Duration) <-chan time.Time {
	return f.Timer(d).C()
}

// Timer produces a timer that fires once the fake time has advanced past the
// duration.
func (f *Fake) Timer(d time.Duration) Timer {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &fakeTimer{
		clock:    f,
		ch:       make(chan time.Time, 1),
		deadline: f.now.Add(d),
	}
	f.timers = append(f.timers, t)
	return t
}

// Sleep blocks until the fake time has been advanced by the duration.
// The clock must be moved forward from another goroutine.
func (f *Fake) Sleep(d time.Duration) {
	<-f.After(d)
}

type fakeTimer struct {
	clock    *Fake
	ch       chan time.Time
	deadline time.Time
}

func (t *fakeTimer) C() <-chan time.Time { return t.ch }

func (t *fakeTimer) tick(now time.Time) {
	select {
	case t.ch <- now:
	default:
	}
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	for i, pending := range t.clock.timers {
		if pending == t {
			t.clock.timers = append(t.clock.timers[:i], t.clock.timers[i+1:]...)
			return true
		}
	}
	return false
}

func (t *fakeTimer) Reset(d time.Duration) bool {
	active := t.Stop()
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	t.deadline = t.clock.now.Add(d)
	t.clock.timers = append(t.clock.timers, t)
	return active
}

// nap gives goroutines unblocked by a timer a chance to run before Add
// returns, which keeps fake-clock tests deterministic enough in practice.
func nap() {
	for i := 0; i < 16; i++ {
		runtime.Gosched()
	}
	time.Sleep(time.Millisecond)
}
