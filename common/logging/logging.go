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

// Package logging defines a context-scoped leveled logging interface.
//
// The logger itself lives in the context. Libraries log through the
// package-level helpers (logging.Warningf etc.) and whoever sets up the
// process decides where the output actually goes (see the gologger
// subpackage for the standard backend).
package logging

import (
	"context"
)

// Level is a logging severity.
type Level int

// Logging levels, in increasing severity.
const (
	Debug Level = iota
	Info
	Warning
	Error
)

// Logger is the interface to a logging backend.
type Logger interface {
	// LogCall logs a single formatted message at the given level.
	LogCall(l Level, format string, args []any)
}

var loggerKey = "logging.Logger"

// Set returns a new context with the given logger installed.
func Set(ctx context.Context, l Logger) context.Context {
	return context.WithValue(ctx, &loggerKey, l)
}

// Get returns the logger installed in the context, or a null logger that
// swallows everything if none is installed.
func Get(ctx context.Context) Logger {
	if l, ok := ctx.Value(&loggerKey).(Logger); ok {
		return l
	}
	return Null
}

// Null is a logger that silently ignores all messages.
var Null Logger = nullLogger{}

type nullLogger struct{}

func (nullLogger) LogCall(Level, string, []any) {}

// Debugf logs a debug message to the logger in the context.
func Debugf(ctx context.Context, format string, args ...any) {
	Get(ctx).LogCall(Debug, format, args)
}

// Infof logs an info message to the logger in the context.
func Infof(ctx context.Context, format string, args ...any) {
	Get(ctx).LogCall(Info, format, args)
}

// Warningf logs a warning message to the logger in the context.
func Warningf(ctx context.Context, format string, args ...any) {
	Get(ctx).LogCall(Warning, format, args)
}

// Errorf logs an error message to the logger in the context.
func Errorf(ctx context.Context, format string, args ...any) {
	Get(ctx).LogCall(Error, format, args)
}
