// Package logger provides structured logging for opsflow
package logger

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu     sync.RWMutex
	global *zap.Logger
)

// contextKey is the type for context keys
type contextKey string

const (
	// RunIDKey is the context key for the ETL run id
	RunIDKey contextKey = "run_id"
	// JobIDKey is the context key for job ID
	JobIDKey contextKey = "job_id"
	// SourceKey is the context key for the source tag being processed
	SourceKey contextKey = "source"
	// BatchIDKey is the context key for the staging batch id
	BatchIDKey contextKey = "batch_id"
)

var contextFields = []contextKey{RunIDKey, JobIDKey, SourceKey, BatchIDKey}

// Config represents logger configuration
type Config struct {
	Level       string
	Development bool
	Encoding    string // json or console
	OutputPaths []string
}

// Init replaces the process logger. The previous logger is flushed.
func Init(cfg Config) error {
	l, err := newLogger(cfg)
	if err != nil {
		return err
	}
	mu.Lock()
	prev := global
	global = l
	mu.Unlock()
	if prev != nil {
		_ = prev.Sync()
	}
	return nil
}

func newLogger(cfg Config) (*zap.Logger, error) {
	if cfg.Level == "" {
		cfg.Level = "info"
	}
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}
	encoding := cfg.Encoding
	if encoding == "" {
		encoding = "json"
	}

	enc := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	if cfg.Development {
		enc.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	outputs := cfg.OutputPaths
	if len(outputs) == 0 {
		outputs = []string{"stdout"}
	}

	zc := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      cfg.Development,
		Encoding:         encoding,
		EncoderConfig:    enc,
		OutputPaths:      outputs,
		ErrorOutputPaths: []string{"stderr"},
	}
	opts := []zap.Option{}
	if cfg.Development {
		opts = append(opts, zap.AddStacktrace(zapcore.ErrorLevel))
	}
	l, err := zc.Build(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return l, nil
}

// Get returns the process logger, building an info level JSON logger on
// first use.
func Get() *zap.Logger {
	mu.RLock()
	l := global
	mu.RUnlock()
	if l != nil {
		return l
	}

	mu.Lock()
	defer mu.Unlock()
	if global == nil {
		var err error
		if global, err = newLogger(Config{}); err != nil {
			global = zap.NewNop()
		}
	}
	return global
}

// FromContext decorates base with whichever pipeline ids are present in ctx.
func FromContext(ctx context.Context, base *zap.Logger) *zap.Logger {
	if ctx == nil {
		return base
	}
	for _, key := range contextFields {
		if v, ok := ctx.Value(key).(string); ok && v != "" {
			base = base.With(zap.String(string(key), v))
		}
	}
	return base
}

// ContextWith stores a pipeline id under key.
func ContextWith(ctx context.Context, key contextKey, value string) context.Context {
	return context.WithValue(ctx, key, value)
}

// OrDefault returns l tagged with component, falling back to the process
// logger when l is nil.
func OrDefault(l *zap.Logger, component string) *zap.Logger {
	if l == nil {
		l = Get()
	}
	return l.With(zap.String("component", component))
}

// Sync flushes any buffered log entries
func Sync() error {
	mu.RLock()
	defer mu.RUnlock()
	if global == nil {
		return nil
	}
	return global.Sync()
}
