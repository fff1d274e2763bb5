package mailkit

import (
	"log/slog"
	"os"
	"sync/atomic"
)

// Logger defines the minimal logging interface used across mailkit and its
// backends.
//
// Implementations must be safe for concurrent use.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
	WithAttrs(args ...any) Logger
}

var globalLogger atomic.Value // stores Logger

func init() {
	globalLogger.Store(defaultLogger())
}

// defaultLogger returns the library's default slog-based logger.
func defaultLogger() Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})
	return SlogLogger(slog.New(handler))
}

// SetLogger replaces the global logger used by every mailkit package.
// Passing nil restores the built-in slog logger.
func SetLogger(logger Logger) {
	if logger == nil {
		globalLogger.Store(defaultLogger())
		return
	}
	globalLogger.Store(logger)
}

// SetSlogLogger is a convenience helper for using a *slog.Logger directly.
func SetSlogLogger(logger *slog.Logger) {
	SetLogger(SlogLogger(logger))
}

// SlogLogger adapts a *slog.Logger to the Logger interface.
func SlogLogger(logger *slog.Logger) Logger {
	if logger == nil {
		return nil
	}
	return slogAdapter{logger: logger}
}

type slogAdapter struct {
	logger *slog.Logger
}

func (s slogAdapter) Debug(msg string, args ...any) { s.logger.Debug(msg, args...) }

func (s slogAdapter) Info(msg string, args ...any) { s.logger.Info(msg, args...) }

func (s slogAdapter) Warn(msg string, args ...any) { s.logger.Warn(msg, args...) }

func (s slogAdapter) Error(msg string, args ...any) { s.logger.Error(msg, args...) }

func (s slogAdapter) WithAttrs(args ...any) Logger {
	return slogAdapter{logger: s.logger.With(args...)}
}

// Log returns the currently configured logger.
func Log() Logger {
	if v := globalLogger.Load(); v != nil {
		if l, ok := v.(Logger); ok {
			return l
		}
	}
	// Reached only before init has stored a logger.
	l := defaultLogger()
	globalLogger.Store(l)
	return l
}

// ComponentLogger returns the configured logger tagged with a component name,
// e.g. "mailkit/imap".
func ComponentLogger(component string) Logger {
	return Log().WithAttrs("component", component)
}

// ConnectionLogger adds per-connection context to a component logger.
// connNum < 0 signals that the caller has no active connection context.
func ConnectionLogger(component string, connNum int, mailbox string) Logger {
	logger := ComponentLogger(component)
	if connNum < 0 && mailbox == "" {
		return logger
	}

	var args []any
	if connNum >= 0 {
		args = append(args, "conn", connNum)
	}
	if mailbox != "" {
		args = append(args, "mailbox", mailbox)
	}
	return logger.WithAttrs(args...)
}
