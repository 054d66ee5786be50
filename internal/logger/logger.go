// Package logger provides a process-wide structured logger for tool-gating.
//
// It wraps a zap.SugaredLogger behind an atomic singleton so that every
// package can log through package-level functions (Info, Errorf, ...)
// without threading a logger value through every constructor.
package logger

import (
	"os"
	"strconv"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var singleton atomic.Pointer[zap.SugaredLogger]

func init() {
	singleton.Store(newDefault(false))
}

func newDefault(debug bool) *zap.SugaredLogger {
	level := zapcore.InfoLevel
	if debug {
		level = zapcore.DebugLevel
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.EncoderConfig.TimeKey = "ts"
	if unstructured() {
		cfg.Encoding = "console"
		cfg.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	}
	l, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		// Logging is not available yet; fall back to a no-op logger rather
		// than crash the process over a cosmetic failure.
		l = zap.NewNop()
	}
	return l.Sugar()
}

// unstructured reports whether TOOLGATE_UNSTRUCTURED_LOGS requests plain
// console output instead of JSON. Defaults to true (console), matching
// local-development ergonomics; set to "false" for JSON logs in production.
func unstructured() bool {
	v, ok := os.LookupEnv("TOOLGATE_UNSTRUCTURED_LOGS")
	if !ok {
		return true
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return true
	}
	return b
}

// Initialize (re)builds the singleton logger from the process environment.
// Call once at process start, before any other package logs.
func Initialize() {
	debug, _ := strconv.ParseBool(os.Getenv("TOOLGATE_DEBUG"))
	singleton.Store(newDefault(debug))
}

// Get returns the current singleton logger.
func Get() *zap.SugaredLogger {
	return singleton.Load()
}

// SetForTest installs l as the singleton logger. Exposed so that tests in
// other packages can capture log output; not for production use.
func SetForTest(l *zap.SugaredLogger) (restore func()) {
	prev := singleton.Load()
	singleton.Store(l)
	return func() { singleton.Store(prev) }
}

func Debug(args ...any)                   { Get().Debug(args...) }
func Debugf(template string, args ...any) { Get().Debugf(template, args...) }
func Debugw(msg string, kv ...any)        { Get().Debugw(msg, kv...) }

func Info(args ...any)                   { Get().Info(args...) }
func Infof(template string, args ...any) { Get().Infof(template, args...) }
func Infow(msg string, kv ...any)        { Get().Infow(msg, kv...) }

func Warn(args ...any)                   { Get().Warn(args...) }
func Warnf(template string, args ...any) { Get().Warnf(template, args...) }
func Warnw(msg string, kv ...any)        { Get().Warnw(msg, kv...) }

func Error(args ...any)                   { Get().Error(args...) }
func Errorf(template string, args ...any) { Get().Errorf(template, args...) }
func Errorw(msg string, kv ...any)        { Get().Errorw(msg, kv...) }

func Panic(args ...any)                   { Get().Panic(args...) }
func Panicf(template string, args ...any) { Get().Panicf(template, args...) }
func Panicw(msg string, kv ...any)        { Get().Panicw(msg, kv...) }

// Sync flushes any buffered log entries. Call before process exit.
func Sync() error {
	return Get().Sync()
}
