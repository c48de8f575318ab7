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

// Package lifecycle provides an at-most-once start/stop state machine shared
// by every long-lived component of the node.
package lifecycle

import (
	"sync"

	"go.uber.org/atomic"
)

// State represents the states a lifecycle object advances through.
type State int32

const (
	// Idle indicates the lifecycle has not been operated on yet.
	Idle State = iota

	// Starting indicates the start function is running.
	Starting

	// Running indicates the start function finished without error.
	Running

	// Stopping indicates the stop function is running.
	Stopping

	// Stopped indicates the stop function finished.
	Stopped

	// Errored indicates start or stop returned an error and the object's
	// actual state can no longer be reasoned about.
	Errored
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	case Errored:
		return "errored"
	}
	return "unknown"
}

// Once guards an object with at-most-once Start and Stop functions. The
// observable state only moves forward. Start blocks until the object is at
// least Running, Stop until it is at least Stopped; concurrent callers of
// either receive the first call's error.
type Once struct {
	state      atomic.Int32
	errMu      sync.Mutex
	err        error
	startCh    chan struct{}
	stoppingCh chan struct{}
	stopCh     chan struct{}
}

// NewOnce returns a lifecycle controller in the Idle state.
func NewOnce() *Once {
	return &Once{
		startCh:    make(chan struct{}),
		stoppingCh: make(chan struct{}),
		stopCh:     make(chan struct{}),
	}
}

// Start runs f at most once. Callers losing the race block until the winner
// finishes and share its error. Starting after Stop is a no-op returning the
// recorded error.
func (o *Once) Start(f func() error) error {
	if o.state.CompareAndSwap(int32(Idle), int32(Starting)) {
		var err error
		if f != nil {
			err = f()
		}
		if err != nil {
			o.setError(err)
			o.state.Store(int32(Errored))
			close(o.stoppingCh)
			close(o.stopCh)
		} else {
			o.state.Store(int32(Running))
		}
		close(o.startCh)
		return err
	}

	<-o.startCh
	return o.loadError()
}

// Stop runs f at most once, after waiting for any in-flight Start to finish.
// Stopping an Idle object transitions it directly to Stopped without running
// f.
func (o *Once) Stop(f func() error) error {
	if o.state.CompareAndSwap(int32(Idle), int32(Stopped)) {
		close(o.startCh)
		close(o.stoppingCh)
		close(o.stopCh)
		return nil
	}

	<-o.startCh

	if o.state.CompareAndSwap(int32(Running), int32(Stopping)) {
		close(o.stoppingCh)
		var err error
		if f != nil {
			err = f()
		}
		if err != nil {
			o.setError(err)
			o.state.Store(int32(Errored))
		} else {
			o.state.Store(int32(Stopped))
		}
		close(o.stopCh)
		return err
	}

	<-o.stopCh
	return o.loadError()
}

// Stopping returns a channel that closes once the lifecycle enters Stopping
// or beyond, letting background loops exit early during a drain.
func (o *Once) Stopping() <-chan struct{} {
	return o.stoppingCh
}

// Stopped returns a channel that closes once the lifecycle reaches Stopped
// or Errored.
func (o *Once) Stopped() <-chan struct{} {
	return o.stopCh
}

// State returns the current state.
func (o *Once) State() State {
	return State(o.state.Load())
}

// IsRunning returns whether the state is exactly Running.
func (o *Once) IsRunning() bool {
	return o.State() == Running
}

func (o *Once) setError(err error) {
	o.errMu.Lock()
	o.err = err
	o.errMu.Unlock()
}

func (o *Once) loadError() error {
	o.errMu.Lock()
	defer o.errMu.Unlock()
	return o.err
}
