package fiberio

import (
	"context"
	"os"

	"github.com/rs/zerolog"
)

// Package-level global logger. A package-level global is appropriate here:
// logging is a cross-cutting infrastructure concern, not part of any single
// Scheduler/IOManager's state, and every worker goroutine needs access to it
// without threading a logger through every call site. SetLogger lets an
// embedding application redirect output (and level) before calling Start.
var pkgLogger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

// SetLogger replaces the package-level logger used by Scheduler, IOManager,
// and the tcpserver components when no context-scoped logger is present.
func SetLogger(l zerolog.Logger) {
	pkgLogger = l
}

// Logger returns the current package-level logger.
func Logger() *zerolog.Logger {
	return &pkgLogger
}

type loggerCtxKey struct{}

// WithLogger returns a context carrying l, retrievable via LoggerFromContext.
func WithLogger(ctx context.Context, l zerolog.Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, l)
}

// LoggerFromContext returns the logger bound to ctx, falling back to the
// package-level logger if ctx carries none.
func LoggerFromContext(ctx context.Context) *zerolog.Logger {
	if l, ok := ctx.Value(loggerCtxKey{}).(zerolog.Logger); ok {
		return &l
	}
	return Logger()
}
