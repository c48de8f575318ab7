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

// Package backoff provides the retry wait strategy used by bus reconnection
// and directory retries.
package backoff

import (
	"errors"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/multierr"
)

// Exponential is a full-jitter exponential backoff strategy: the wait for
// attempt n is drawn uniformly from [Min, min(Max, Min+Base*2^n)].
// The zero value is not usable; construct with NewExponential.
type Exponential struct {
	base, min, max time.Duration
	minMaxDiff     int64

	mu   sync.Mutex
	rand *rand.Rand
}

// NewExponential returns a new Exponential strategy. A zero base defaults to
// one millisecond, a zero max to one minute.
func NewExponential(base, min, max time.Duration) (*Exponential, error) {
	if base == 0 {
		base = time.Millisecond
	}
	if max == 0 {
		max = time.Minute
	}

	var err error
	if base < 0 {
		err = multierr.Append(err, errors.New("exponential backoff base must be greater than zero"))
	}
	if min < 0 {
		err = multierr.Append(err, errors.New("exponential backoff min must be non-negative"))
	}
	if max < min {
		err = multierr.Append(err, errors.New("exponential backoff max must not be less than min"))
	}
	if err != nil {
		return nil, err
	}

	return &Exponential{
		base:       base,
		min:        min,
		max:        max,
		minMaxDiff: max.Nanoseconds() - min.Nanoseconds(),
		rand:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// Duration returns how long to wait before the given attempt (0-based).
func (e *Exponential) Duration(attempt uint) time.Duration {
	spread := (1 << attempt) * e.base.Nanoseconds()
	// The shift overflows for large attempts; both that and exceeding the
	// max clamp to the full [min, max] interval.
	if spread <= 0 || spread > e.minMaxDiff {
		spread = e.minMaxDiff
	}

	e.mu.Lock()
	jitter := e.rand.Int63n(spread + 1)
	e.mu.Unlock()

	return e.min + time.Duration(jitter)
}
