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

// Package clock abstracts time for components that sweep deadlines or renew
// leases, so their timing behavior is testable without sleeping.
package clock

import "time"

// Clock is the time source used by deadline sweeps, heartbeats and periodic
// sync loops.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	Timer(d time.Duration) Timer
	Sleep(d time.Duration)
}

// Timer is a resettable, stoppable single-shot timer.
type Timer interface {
	C() <-chan time.Time
	Stop() bool
	Reset(d time.Duration) bool
}

// Real is a Clock backed by the time package.
type Real struct{}

// NewReal returns a real-time Clock.
func NewReal() Real { return Real{} }

var _ Clock = Real{}

// Now returns the current time.
func (Real) Now() time.Time { return time.Now() }

// After produces a channel that emits once the duration has passed.
func (Real) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Timer produces a timer that fires after the duration.
func (Real) Timer(d time.Duration) Timer { return &realTimer{t: time.NewTimer(d)} }

// Sleep pauses the calling goroutine for the duration.
func (Real) Sleep(d time.Duration) { time.Sleep(d) }

type realTimer struct {
	t *time.Timer
}

func (t *realTimer) C() <-chan time.Time        { return t.t.C }
func (t *realTimer) Stop() bool                 { return t.t.Stop() }
func (t *realTimer) Reset(d time.Duration) bool { return t.t.Reset(d) }
