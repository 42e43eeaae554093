// elPrep: a high-performance tool for analyzing SAM/BAM files.
// Copyright (c) 2021 imec vzw.

// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version, and Additional Terms
// (see below).

// This program is distributed in the hope that it will be useful, but
// WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the GNU
// Affero General Public License for more details.

// You should have received a copy of the GNU Affero General Public
// License and Additional Terms along with this program. If not, see
// <https://github.com/ExaScience/elprep/blob/master/LICENSE.txt>.

// Package logger wraps zerolog with module-scoped loggers.
//
// Every logger carries a module tag that names the stage or package
// that emitted an event. Levels can be set per module.
package logger

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

const rootName = "root"

// ContextKey is the key to store a Logger in a context.
var ContextKey = contextKey{}

type contextKey struct{}

// Logging is the logging configuration.
type Logging struct {
	// Env is "dev" for human-readable console output on stderr, and
	// anything else for JSON lines on stderr.
	Env string
	// Level is the default level, for example "info" or "debug".
	Level string
	// Modules and Levels set the level of individual modules.
	Modules []string
	Levels  []string
	// Output overrides stderr.
	Output io.Writer
}

// Logger is a zerolog logger tagged with a module.
type Logger struct {
	*zerolog.Logger
	base        *zerolog.Logger
	modules     map[string]zerolog.Level
	module      string
	development bool
}

// Module returns the module of the logger.
func (l *Logger) Module() string {
	return l.module
}

// Named returns a logger for a sub-module of l.
func (l *Logger) Named(name ...string) *Logger {
	var mm []string
	if l.module == rootName {
		mm = name
	} else {
		mm = append([]string{l.module}, name...)
	}
	var moduleBuilder strings.Builder
	level := l.GetLevel()
	for i, m := range mm {
		if i != 0 {
			moduleBuilder.WriteString(".")
		}
		moduleBuilder.WriteString(strings.ToUpper(m))
		if ml, ok := l.modules[moduleBuilder.String()]; ok {
			level = ml
		}
	}
	module := moduleBuilder.String()
	sub := l.base.With().Str("module", module).Logger().Level(level)
	return &Logger{module: module, base: l.base, modules: l.modules, development: l.development, Logger: &sub}
}

// Loggable is implemented by components that accept a logger.
type Loggable interface {
	SetLogger(*Logger)
}

// Fetch returns a sub-module of the logger stored in ctx, or of the
// root logger if ctx holds none.
func Fetch(ctx context.Context, module string) *Logger {
	if l, ok := ctx.Value(ContextKey).(*Logger); ok {
		return l.Named(module)
	}
	return GetLogger(module)
}

// WithContext returns a context that carries l.
func WithContext(ctx context.Context, l *Logger) context.Context {
	return context.WithValue(ctx, ContextKey, l)
}

var root = rootLogger{}

type rootLogger struct {
	m sync.Mutex
	l atomic.Pointer[Logger]
}

func (rl *rootLogger) get() *Logger {
	if l := rl.l.Load(); l != nil {
		return l
	}
	rl.m.Lock()
	defer rl.m.Unlock()
	if l := rl.l.Load(); l != nil {
		return l
	}
	l, err := getLogger(Logging{Env: "prod", Level: "info"})
	if err != nil {
		panic(err)
	}
	rl.l.Store(l)
	return l
}

func (rl *rootLogger) set(cfg Logging) error {
	l, err := getLogger(cfg)
	if err != nil {
		return err
	}
	rl.l.Store(l)
	return nil
}

// GetLogger returns a logger for the given module path.
func GetLogger(scope ...string) *Logger {
	l := root.get()
	if len(scope) == 0 {
		return l
	}
	return l.Named(scope...)
}

// Init replaces the root logger.
func Init(cfg Logging) error {
	return root.set(cfg)
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	l := zerolog.Nop()
	return &Logger{module: rootName, base: &l, Logger: &l}
}

func getLogger(cfg Logging) (*Logger, error) {
	if cfg.Level == "" {
		cfg.Level = "info"
	}
	lvl, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	if len(cfg.Modules) != len(cfg.Levels) {
		return nil, fmt.Errorf("%v log modules but %v log levels", len(cfg.Modules), len(cfg.Levels))
	}
	modules := make(map[string]zerolog.Level, len(cfg.Modules))
	for i, m := range cfg.Modules {
		ml, err := zerolog.ParseLevel(cfg.Levels[i])
		if err != nil {
			return nil, fmt.Errorf("level of log module %v: %w", m, err)
		}
		modules[strings.ToUpper(m)] = ml
	}
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	development := cfg.Env == "dev"
	var w io.Writer = out
	if development {
		cw := zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
		cw.FormatLevel = func(i interface{}) string {
			return strings.ToUpper(fmt.Sprintf("| %-6s|", i))
		}
		cw.FormatFieldName = func(i interface{}) string {
			return fmt.Sprintf("%s:", i)
		}
		w = cw
	}
	l := zerolog.New(w).Level(lvl).With().Timestamp().Logger()
	return &Logger{module: rootName, base: &l, modules: modules, development: development, Logger: &l}, nil
}
