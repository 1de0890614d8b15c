// Package logger provides a process-wide structured logger built on log/slog.
//
// The singleton is mutated by Initialize at process startup and is safe for
// concurrent use thereafter; tests may swap it transiently.
package logger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync/atomic"
)

var singleton atomic.Value // *slog.Logger

func init() {
	singleton.Store(slog.New(slog.NewTextHandler(os.Stderr, nil)))
}

// envReader abstracts os.Getenv so Initialize is testable without mutating
// the real process environment.
type envReader interface {
	Getenv(key string) string
}

type osEnv struct{}

func (osEnv) Getenv(key string) string { return os.Getenv(key) }

// Initialize configures the singleton logger from the environment. When
// UNSTRUCTURED_LOGS is unset, missing, or not a valid bool, human-readable
// text logging is used; "false" switches to JSON.
func Initialize(debug bool) {
	initializeWithEnv(osEnv{}, debug)
}

func initializeWithEnv(env envReader, debug bool) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if unstructuredLogsWithEnv(env) {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	singleton.Store(slog.New(handler))
}

func unstructuredLogsWithEnv(env envReader) bool {
	v := env.Getenv("UNSTRUCTURED_LOGS")
	if v == "" {
		return true
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return true
	}
	return b
}

// Get returns the current singleton logger.
func Get() *slog.Logger {
	return singleton.Load().(*slog.Logger)
}

func Debug(msg string)                      { Get().Debug(msg) }
func Debugf(format string, args ...any)      { Get().Debug(sprintf(format, args...)) }
func Debugw(msg string, kv ...any)           { Get().Debug(msg, kv...) }
func Info(msg string)                        { Get().Info(msg) }
func Infof(format string, args ...any)       { Get().Info(sprintf(format, args...)) }
func Infow(msg string, kv ...any)            { Get().Info(msg, kv...) }
func Warn(msg string)                        { Get().Warn(msg) }
func Warnf(format string, args ...any)       { Get().Warn(sprintf(format, args...)) }
func Warnw(msg string, kv ...any)            { Get().Warn(msg, kv...) }
func Error(msg string)                       { Get().Error(msg) }
func Errorf(format string, args ...any)      { Get().Error(sprintf(format, args...)) }
func Errorw(msg string, kv ...any)           { Get().Error(msg, kv...) }

// InfoContext/ErrorContext/WarnContext pass ctx through to the slog handler;
// the gateway uses these on the request hot path. The text and JSON handlers
// installed here add no attributes from ctx.
func InfoContext(ctx context.Context, msg string, kv ...any)  { Get().InfoContext(ctx, msg, kv...) }
func ErrorContext(ctx context.Context, msg string, kv ...any) { Get().ErrorContext(ctx, msg, kv...) }
func WarnContext(ctx context.Context, msg string, kv ...any)  { Get().WarnContext(ctx, msg, kv...) }

func sprintf(format string, args ...any) string {
	if len(args) == 0 {
		return format
	}
	return fmt.Sprintf(format, args...)
}
