// Copyright (c) 2025 The Hearth developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package log

import (
	"context"
	"log/slog"
	"os"
	"sync/atomic"
)

const (
	// LevelTrace sits below slog's predefined levels.
	LevelTrace = slog.Level(-8)
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
)

// Logger is the logging interface carried around by packages.
type Logger interface {
	Trace(msg string, ctx ...any)
	Debug(msg string, ctx ...any)
	Info(msg string, ctx ...any)
	Warn(msg string, ctx ...any)
	Error(msg string, ctx ...any)
	With(ctx ...any) Logger
}

type logger struct {
	inner *slog.Logger
}

func (l *logger) write(level slog.Level, msg string, ctx []any) {
	l.inner.Log(context.Background(), level, msg, ctx...)
}

func (l *logger) Trace(msg string, ctx ...any) { l.write(LevelTrace, msg, ctx) }
func (l *logger) Debug(msg string, ctx ...any) { l.write(LevelDebug, msg, ctx) }
func (l *logger) Info(msg string, ctx ...any)  { l.write(LevelInfo, msg, ctx) }
func (l *logger) Warn(msg string, ctx ...any)  { l.write(LevelWarn, msg, ctx) }
func (l *logger) Error(msg string, ctx ...any) { l.write(LevelError, msg, ctx) }

func (l *logger) With(ctx ...any) Logger {
	return &logger{l.inner.With(ctx...)}
}

var root atomic.Pointer[logger]

func init() {
	root.Store(&logger{slog.New(DiscardHandler())})
}

// SetDefault sets the handler backing all loggers obtained via WithContext.
// Loggers created before the call pick up the new handler as well.
func SetDefault(h slog.Handler) {
	root.Store(&logger{slog.New(h)})
}

// WithContext returns a logger bound to the given key/value context.
// The conventional use is a package level `var logger = log.WithContext("pkg", "...")`.
func WithContext(ctx ...any) Logger {
	return &dynamic{ctx: ctx}
}

// dynamic defers handler resolution so SetDefault takes effect on
// package-level loggers created during init.
type dynamic struct {
	ctx []any
}

func (d *dynamic) resolve() Logger {
	return root.Load().With(d.ctx...)
}

func (d *dynamic) Trace(msg string, ctx ...any) { d.resolve().Trace(msg, ctx...) }
func (d *dynamic) Debug(msg string, ctx ...any) { d.resolve().Debug(msg, ctx...) }
func (d *dynamic) Info(msg string, ctx ...any)  { d.resolve().Info(msg, ctx...) }
func (d *dynamic) Warn(msg string, ctx ...any)  { d.resolve().Warn(msg, ctx...) }
func (d *dynamic) Error(msg string, ctx ...any) { d.resolve().Error(msg, ctx...) }

func (d *dynamic) With(ctx ...any) Logger {
	merged := make([]any, 0, len(d.ctx)+len(ctx))
	merged = append(merged, d.ctx...)
	merged = append(merged, ctx...)
	return &dynamic{ctx: merged}
}

// Stderr is a convenience for the common "log everything at or above lvl to stderr" setup.
func Stderr(lvl slog.Level) {
	SetDefault(NewTermHandler(os.Stderr, lvl))
}
