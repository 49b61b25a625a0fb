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

// Package gologger provides a logging.Logger backed by the go-logging
// library, writing formatted leveled messages to a io.Writer.
package gologger

import (
	"context"
	"io"
	"os"

	gol "github.com/op/go-logging"

	"github.com/authfleet/authfleet/common/logging"
)

// StandardFormat prints time, logging level and the message, colored when
// the output supports it.
const StandardFormat = `%{color}[%{time:15:04:05.000} %{level:.4s}]%{color:reset} %{message}`

// StdConfig is the configuration used by Use: all levels to stderr.
var StdConfig = LoggerConfig{Out: os.Stderr, Format: StandardFormat, Level: gol.DEBUG}

// LoggerConfig describes how to construct a go-logging based logger.
type LoggerConfig struct {
	Out    io.Writer // where to write the log to
	Format string    // go-logging format string, StandardFormat if empty
	Level  gol.Level // minimum logged level
}

// NewLogger returns a logging.Logger writing through go-logging.
func (lc *LoggerConfig) NewLogger() logging.Logger {
	format := lc.Format
	if format == "" {
		format = StandardFormat
	}
	backend := gol.NewBackendFormatter(
		gol.NewLogBackend(lc.Out, "", 0),
		gol.MustStringFormatter(format))
	leveled := gol.AddModuleLevel(backend)
	leveled.SetLevel(lc.Level, "")
	l := gol.MustGetLogger("")
	l.SetBackend(leveled)
	return &loggerImpl{l}
}

// Use installs a logger with the given config into the context.
func (lc *LoggerConfig) Use(ctx context.Context) context.Context {
	return logging.Set(ctx, lc.NewLogger())
}

// Use installs the standard stderr logger into the context.
func Use(ctx context.Context) context.Context {
	cfg := StdConfig
	return cfg.Use(ctx)
}

type loggerImpl struct {
	l *gol.Logger
}

func (li *loggerImpl) LogCall(l logging.Level, format string, args []any) {
	switch l {
	case logging.Debug:
		li.l.Debugf(format, args...)
	case logging.Info:
		li.l.Infof(format, args...)
	case logging.Warning:
		li.l.Warningf(format, args...)
	default:
		li.l.Errorf(format, args...)
	}
}
