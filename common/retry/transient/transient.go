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

// Package transient distinguishes errors caused by transient conditions
// (network hiccups, unavailable backends) from terminal ones.
//
// The distinction matters everywhere a security decision is made: a failure
// to fetch trust material must surface as a retryable server error, never as
// "unauthenticated" or "forbidden".
package transient

import (
	"context"
	"time"

	"github.com/authfleet/authfleet/common/errors"
	"github.com/authfleet/authfleet/common/retry"
)

// Tag is applied to errors caused by transient conditions.
//
//	return transient.Tag.Apply(err)
//	if transient.Tag.In(err) { ... }
var Tag tag

type tag struct{}

// Apply marks the error as transient. Returns nil if 'err' is nil.
func (tag) Apply(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err}
}

// In returns true if any error in the chain is marked as transient.
func (tag) In(err error) bool {
	var t transientError
	return errors.As(err, &t)
}

type transientError struct {
	inner error
}

func (t transientError) Error() string { return t.inner.Error() }
func (t transientError) Unwrap() error { return t.inner }

// Only returns a retry.Factory that retries only transient errors, using the
// given factory for the retry schedule.
func Only(f retry.Factory) retry.Factory {
	if f == nil {
		return nil
	}
	return func() retry.Iterator {
		if it := f(); it != nil {
			return &onlyIterator{it}
		}
		return nil
	}
}

type onlyIterator struct {
	retry.Iterator
}

func (i *onlyIterator) Next(ctx context.Context, err error) time.Duration {
	if !Tag.In(err) {
		return retry.Stop
	}
	return i.Iterator.Next(ctx, err)
}
