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

// Package errors implements error creation and annotation helpers used
// throughout the codebase.
//
// It intentionally stays close to the standard library: annotated errors
// support errors.Is and errors.Unwrap chains, the helpers here just make
// constructing them terser.
package errors

import (
	"errors"
	"fmt"
)

// New returns an error that formats as the given text.
func New(text string) error {
	return errors.New(text)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target any) bool {
	return errors.As(err, target)
}

// Unwrap returns the result of calling the Unwrap method on err.
func Unwrap(err error) error {
	return errors.Unwrap(err)
}

// Annotator is a builder for annotated errors, returned by Reason and
// Annotate.
type Annotator struct {
	err error
}

// Err finalizes the annotator, returning the annotated error.
func (a *Annotator) Err() error {
	return a.err
}

// Reason starts building a new error with the given reason.
//
//	return errors.Reason("bad value %q", val).Err()
func Reason(format string, args ...any) *Annotator {
	return &Annotator{err: fmt.Errorf(format, args...)}
}

// Annotate starts building an error that wraps 'err' with additional context.
//
//	return errors.Annotate(err, "fetching %q", url).Err()
//
// Returns an Annotator producing nil if 'err' is nil.
func Annotate(err error, format string, args ...any) *Annotator {
	if err == nil {
		return &Annotator{}
	}
	return &Annotator{err: fmt.Errorf(format+": %w", append(args, err)...)}
}
