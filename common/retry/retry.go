// Copyright 2024 The Authfleet Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package retry implements bounded retries of operations that may fail with
// retryable errors.
package retry

import (
	"context"
	"time"

	"github.com/authfleet/authfleet/common/clock"
)

// Stop is a sentinel Duration returned by an Iterator to indicate that no
// more retries should be performed.
const Stop time.Duration = -1

// Iterator decides how long to wait before the next retry, or returns Stop.
type Iterator interface {
	// Next is called after each failed attempt with the error that it produced.
	Next(ctx context.Context, err error) time.Duration
}

// Factory produces a fresh Iterator for one retry loop.
type Factory func() Iterator

// Callback is invoked before each sleep between retries.
type Callback func(err error, wait time.Duration)

// Retry runs 'fn', retrying per the iterator produced by 'f' while it keeps
// failing. Returns nil on the first success, or the last error once the
// iterator says Stop or the context is done.
//
// 'cb' may be nil. It is called before each sleep, usually to log the retry.
func Retry(ctx context.Context, f Factory, fn func() error, cb Callback) error {
	var it Iterator
	if f != nil {
		it = f()
	}
	for {
		err := fn()
		if err == nil {
			return nil
		}
		if it == nil {
			return err
		}
		wait := it.Next(ctx, err)
		if wait == Stop {
			return err
		}
		if cb != nil {
			cb(err, wait)
		}
		if serr := clock.Sleep(ctx, wait); serr != nil {
			return err
		}
	}
}

// Limited is an Iterator that retries up to a fixed number of times with a
// constant delay.
type Limited struct {
	Delay   time.Duration // sleep between attempts
	Retries int           // number of retries (not counting the first attempt)

	attempt int
}

// Next implements Iterator.
func (l *Limited) Next(ctx context.Context, err error) time.Duration {
	if l.attempt >= l.Retries {
		return Stop
	}
	l.attempt++
	return l.Delay
}

// ExponentialBackoff is a Limited iterator whose delay doubles (by default)
// after every attempt, up to MaxDelay.
type ExponentialBackoff struct {
	Limited

	Multiplier float64       // delay growth factor, 2 if <= 1
	MaxDelay   time.Duration // delay ceiling, no ceiling if 0
}

// Next implements Iterator.
func (e *ExponentialBackoff) Next(ctx context.Context, err error) time.Duration {
	d := e.Limited.Next(ctx, err)
	if d == Stop {
		return Stop
	}
	mult := e.Multiplier
	if mult <= 1 {
		mult = 2
	}
	next := time.Duration(float64(e.Limited.Delay) * mult)
	if e.MaxDelay > 0 && next > e.MaxDelay {
		next = e.MaxDelay
	}
	e.Limited.Delay = next
	return d
}

// Default is a Factory with a small fixed budget suitable for outbound RPCs:
// 4 attempts total with exponential backoff starting at 50ms.
func Default() Iterator {
	return &ExponentialBackoff{
		Limited: Limited{
			Delay:   50 * time.Millisecond,
			Retries: 3,
		},
		MaxDelay: 2 * time.Second,
	}
}
