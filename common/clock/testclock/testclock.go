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

// Package testclock implements clock.Clock for tests.
package testclock

import (
	"context"
	"sync"
	"time"

	"github.com/authfleet/authfleet/common/clock"
)

// TestTimeUTC is an arbitrary time point in UTC for testing.
var TestTimeUTC = time.Date(2024, time.February, 3, 4, 5, 6, 0, time.UTC)

// TestClock is a clock.Clock with additional methods to instrument it.
type TestClock interface {
	clock.Clock

	// Set sets the test clock's time.
	Set(time.Time)

	// Add advances the test clock's time.
	Add(time.Duration)
}

// New returns a TestClock instance set at the specified time.
//
// Sleep on the returned clock advances the clock's time by the slept duration
// immediately instead of blocking, so code that retries with delays runs
// instantly in tests.
func New(now time.Time) TestClock {
	return &testClock{now: now}
}

// UseTime instantiates a TestClock and returns a context configured to use it.
func UseTime(ctx context.Context, now time.Time) (context.Context, TestClock) {
	tc := New(now)
	return clock.Set(ctx, tc), tc
}

type testClock struct {
	m   sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.m.Lock()
	defer c.m.Unlock()
	return c.now
}

func (c *testClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.Add(d)
	return nil
}

func (c *testClock) Set(t time.Time) {
	c.m.Lock()
	defer c.m.Unlock()
	if t.Before(c.now) {
		panic("testclock: cannot go backwards in time")
	}
	c.now = t
}

func (c *testClock) Add(d time.Duration) {
	c.m.Lock()
	defer c.m.Unlock()
	c.now = c.now.Add(d)
}
