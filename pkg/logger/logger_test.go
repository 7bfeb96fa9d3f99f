package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestFromContext(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	base := zap.New(core)

	ctx := ContextWith(context.Background(), RunIDKey, "run-1")
	ctx = ContextWith(ctx, SourceKey, "pos")
	ctx = ContextWith(ctx, BatchIDKey, "")

	FromContext(ctx, base).Info("hello")

	entries := logs.All()
	if assert.Len(t, entries, 1) {
		fields := entries[0].ContextMap()
		assert.Equal(t, "run-1", fields["run_id"])
		assert.Equal(t, "pos", fields["source"])
		assert.NotContains(t, fields, "batch_id")
		assert.NotContains(t, fields, "job_id")
	}
}

func TestNewLoggerRejectsBadLevel(t *testing.T) {
	_, err := newLogger(Config{Level: "loud", Encoding: "json"})
	assert.Error(t, err)
}

func TestOrDefault(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	OrDefault(zap.New(core), "staging").Info("x")
	assert.Equal(t, "staging", logs.All()[0].ContextMap()["component"])
	assert.NotNil(t, OrDefault(nil, "staging"))
}

func TestInitReplacesProcessLogger(t *testing.T) {
	first := Get()
	assert.NotNil(t, first)
	assert.Same(t, first, Get())

	assert.NoError(t, Init(Config{Level: "debug", Encoding: "console"}))
	assert.NotSame(t, first, Get())
	assert.True(t, Get().Core().Enabled(zap.DebugLevel))

	assert.Error(t, Init(Config{Level: "loud"}))
	assert.True(t, Get().Core().Enabled(zap.DebugLevel), "a failed Init keeps the current logger")
}
