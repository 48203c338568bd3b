// Package klog provides structured logging for the kernel simulation.
//
// It wraps log/slog, the same way a real kernel's printk would wrap a
// ring buffer: callers attach context (pid, tid, connection) and the
// handler decides format and destination. Text output is used by the
// CLI; JSON is used by the debug API and test harnesses that want to
// grep structured fields.
package klog

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync"
)

type ctxKey struct{}

var (
	defaultLogger *slog.Logger
	loggerMu      sync.RWMutex
)

func init() {
	defaultLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

// Config configures a logger.
type Config struct {
	Level     slog.Level
	Format    string // "text" or "json"
	Output    io.Writer
	AddSource bool
}

// New creates a logger from Config.
func New(cfg Config) *slog.Logger {
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: cfg.Level, AddSource: cfg.AddSource}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(cfg.Output, opts)
	} else {
		handler = slog.NewTextHandler(cfg.Output, opts)
	}
	return slog.New(handler)
}

// SetDefault installs the process-wide default logger.
func SetDefault(l *slog.Logger) {
	loggerMu.Lock()
	defer loggerMu.Unlock()
	defaultLogger = l
}

// Default returns the process-wide default logger.
func Default() *slog.Logger {
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	return defaultLogger
}

// WithPID attaches a process id field.
func WithPID(l *slog.Logger, pid int) *slog.Logger { return l.With(slog.Int("pid", pid)) }

// WithTID attaches a thread id field.
func WithTID(l *slog.Logger, tid int) *slog.Logger { return l.With(slog.Int("tid", tid)) }

// WithCPU attaches a cpu id field.
func WithCPU(l *slog.Logger, cpu uint32) *slog.Logger { return l.With(slog.Uint64("cpu", uint64(cpu))) }

// WithConn attaches a tcp 4-tuple description.
func WithConn(l *slog.Logger, desc string) *slog.Logger { return l.With(slog.String("conn", desc)) }

// ContextWithLogger stores l in ctx.
func ContextWithLogger(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// FromContext retrieves the logger stashed in ctx, or the default.
func FromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(ctxKey{}).(*slog.Logger); ok {
		return l
	}
	return Default()
}

func Info(msg string, args ...any)  { Default().Info(msg, args...) }
func Warn(msg string, args ...any)  { Default().Warn(msg, args...) }
func Error(msg string, args ...any) { Default().Error(msg, args...) }
func Debug(msg string, args ...any) { Default().Debug(msg, args...) }
