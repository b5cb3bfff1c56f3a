package logger

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// global is the logger used when a context carries none.
	//nolint:gochecknoglobals // Both binaries log through one process-wide core.
	global *zap.SugaredLogger
	// level is shared by every logger derived from global.
	//nolint:gochecknoglobals // --log-level changes it after the logger is built.
	level = zap.NewAtomicLevelAt(zap.InfoLevel)
)

// levels maps accepted --log-level and log_level values.
//
//nolint:gochecknoglobals // Read-only lookup table.
var levels = map[string]zapcore.Level{
	"debug":   zapcore.DebugLevel,
	"info":    zapcore.InfoLevel,
	"warn":    zapcore.WarnLevel,
	"warning": zapcore.WarnLevel,
	"error":   zapcore.ErrorLevel,
}

func init() { //nolint:gochecknoinits // Packages log before any command parses its flags.
	global = New(level, os.Stderr)
}

// New creates a console logger writing to w.
// Reports and build summaries go to stdout, so the binaries log to stderr.
func New(enabler zapcore.LevelEnabler, w io.Writer, options ...zap.Option) *zap.SugaredLogger {
	if enabler == nil {
		enabler = level
	}

	if w == nil {
		w = os.Stderr
	}

	//nolint:exhaustruct // Remaining encoder fields keep zap defaults.
	encoder := zapcore.NewConsoleEncoder(zapcore.EncoderConfig{
		TimeKey:          "time",
		MessageKey:       "message",
		LevelKey:         "level",
		NameKey:          "logger",
		LineEnding:       zapcore.DefaultLineEnding,
		EncodeLevel:      zapcore.CapitalLevelEncoder,
		EncodeTime:       zapcore.ISO8601TimeEncoder,
		EncodeDuration:   zapcore.StringDurationEncoder,
		EncodeName:       zapcore.FullNameEncoder,
		ConsoleSeparator: "  ",
	})

	return zap.New(zapcore.NewCore(encoder, zapcore.AddSync(w), enabler), options...).Sugar()
}

// ParseLogLevel converts a configured level name.
func ParseLogLevel(s string) (zapcore.Level, bool) {
	l, ok := levels[strings.ToLower(strings.TrimSpace(s))]

	return l, ok
}

// SetLevelFromString applies a configured level to the global logger.
// An empty string keeps the current level.
func SetLevelFromString(s string) error {
	if strings.TrimSpace(s) == "" {
		return nil
	}

	l, ok := ParseLogLevel(s)
	if !ok {
		return fmt.Errorf("unknown log level %q", s)
	}

	level.SetLevel(l)

	return nil
}

// Level returns the current global level.
func Level() zapcore.Level {
	return level.Level()
}

// Logger returns the global logger.
func Logger() *zap.SugaredLogger {
	return global
}

// Info writes an information level message using the logger from the context.
func Info(ctx context.Context, args ...any) {
	FromContext(ctx).Info(args...)
}

// DebugKV writes a message and key-value pairs at the debug level.
func DebugKV(ctx context.Context, message string, kvs ...any) {
	FromContext(ctx).Debugw(message, kvs...)
}

// InfoKV writes a message and key-value pairs at the information level.
func InfoKV(ctx context.Context, message string, kvs ...any) {
	FromContext(ctx).Infow(message, kvs...)
}

// WarnKV writes a message and key-value pairs at the warning level.
// Installation warnings are logged here as well as recorded in the report.
func WarnKV(ctx context.Context, message string, kvs ...any) {
	FromContext(ctx).Warnw(message, kvs...)
}

// ErrorKV writes a message and key-value pairs at the error level.
func ErrorKV(ctx context.Context, message string, kvs ...any) {
	FromContext(ctx).Errorw(message, kvs...)
}
