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

// Package clock exposes an injectable source of time.
//
// All code that reads the current time or sleeps must go through this package
// so tests can substitute a test clock via the context.
package clock

import (
	"context"
	"time"
)

// Clock is an interface to system time and timers.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// Sleep blocks for the given duration or until the context is canceled,
	// whichever comes first. Returns ctx.Err() if the context was canceled.
	Sleep(ctx context.Context, d time.Duration) error
}

var clockKey = "clock.Clock"

// Set returns a new context with the given clock installed.
func Set(ctx context.Context, c Clock) context.Context {
	return context.WithValue(ctx, &clockKey, c)
}

// Get returns the Clock installed in the context, or the system clock if none
// is installed.
func Get(ctx context.Context) Clock {
	if c, ok := ctx.Value(&clockKey).(Clock); ok {
		return c
	}
	return systemClock{}
}

// Now is a shortcut for Get(ctx).Now().
func Now(ctx context.Context) time.Time {
	return Get(ctx).Now()
}

// Sleep is a shortcut for Get(ctx).Sleep(ctx, d).
func Sleep(ctx context.Context, d time.Duration) error {
	return Get(ctx).Sleep(ctx, d)
}

// Since is a shortcut for Now(ctx).Sub(t).
func Since(ctx context.Context, t time.Time) time.Duration {
	return Now(ctx).Sub(t)
}

// systemClock implements Clock on top of the real system time.
type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now()
}

func (systemClock) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
