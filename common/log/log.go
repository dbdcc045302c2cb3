// Package log wraps zap behind the small leveled interface used across the
// node. Components receive a Logger by injection and name themselves with
// Named so every line carries the component that emitted it.
package log

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is an interface that can log to different levels.
//
//nolint:interfacebloat
type Logger interface {
	Info(keyvals ...interface{})
	Debug(keyvals ...interface{})
	Warn(keyvals ...interface{})
	Error(keyvals ...interface{})
	Fatal(keyvals ...interface{})
	Panic(keyvals ...interface{})
	Infow(msg string, keyvals ...interface{})
	Debugw(msg string, keyvals ...interface{})
	Warnw(msg string, keyvals ...interface{})
	Errorw(msg string, keyvals ...interface{})
	Fatalw(msg string, keyvals ...interface{})
	Panicw(msg string, keyvals ...interface{})
	With(args ...interface{}) Logger
	Named(s string) Logger
	AddCallerSkip(skip int) Logger
}

type log struct {
	*zap.SugaredLogger
}

func (l *log) AddCallerSkip(skip int) Logger {
	return &log{l.Desugar().WithOptions(zap.AddCallerSkip(skip)).Sugar()}
}

func (l *log) With(args ...interface{}) Logger {
	return &log{l.SugaredLogger.With(args...)}
}

func (l *log) Named(s string) Logger {
	return &log{l.SugaredLogger.Named(s)}
}

const (
	DebugLevel = int(zapcore.DebugLevel)
	InfoLevel  = int(zapcore.InfoLevel)
	WarnLevel  = int(zapcore.WarnLevel)
	ErrorLevel = int(zapcore.ErrorLevel)
	PanicLevel = int(zapcore.PanicLevel)
	FatalLevel = int(zapcore.FatalLevel)
)

// DefaultLevel is the level of the process-wide default logger.
var DefaultLevel = InfoLevel

// ParseLevel maps the textual levels accepted in configuration files to the
// zap levels used by New.
func ParseLevel(s string) (int, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DebugLevel, nil
	case "", "info":
		return InfoLevel, nil
	case "warn", "warning":
		return WarnLevel, nil
	case "error":
		return ErrorLevel, nil
	}
	return 0, fmt.Errorf("unknown log level %q", s)
}

var defaultOnce sync.Once

// ConfigureDefaultLogger replaces the process-wide logger.
func ConfigureDefaultLogger(output zapcore.WriteSyncer, level int, jsonFormat bool) {
	defaultOnce.Do(func() {})
	zap.ReplaceGlobals(newZapLogger(output, encoder(jsonFormat), level))
}

// DefaultLogger returns the process-wide logger, logging JSON to stdout at
// DefaultLevel unless ConfigureDefaultLogger was called first.
func DefaultLogger() Logger {
	defaultOnce.Do(func() {
		zap.ReplaceGlobals(newZapLogger(nil, encoder(true), DefaultLevel))
	})
	return &log{zap.S()}
}

// New returns a logger that prints statements at the given level.
func New(output zapcore.WriteSyncer, level int, isJSON bool) Logger {
	return &log{newZapLogger(output, encoder(isJSON), level).Sugar()}
}

func newZapLogger(output zapcore.WriteSyncer, enc zapcore.Encoder, level int) *zap.Logger {
	if output == nil {
		output = os.Stdout
	}
	core := zapcore.NewCore(enc, output, zapcore.Level(level))
	return zap.New(core, zap.WithCaller(true))
}

func encoder(isJSON bool) zapcore.Encoder {
	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncodeLevel = zapcore.CapitalLevelEncoder
	if isJSON {
		return zapcore.NewJSONEncoder(cfg)
	}
	return zapcore.NewConsoleEncoder(cfg)
}

type ctxLoggerKey struct{}

// ToContext attaches l to ctx.
func ToContext(ctx context.Context, l Logger) context.Context {
	return context.WithValue(ctx, ctxLoggerKey{}, l)
}

// FromContext returns the logger attached with ToContext, if any.
func FromContext(ctx context.Context) (Logger, bool) {
	l, ok := ctx.Value(ctxLoggerKey{}).(Logger)
	return l, ok
}

// FromContextOrDefault returns the logger attached with ToContext, or the
// default logger.
func FromContextOrDefault(ctx context.Context) Logger {
	if l, ok := FromContext(ctx); ok {
		return l
	}
	return DefaultLogger()
}
