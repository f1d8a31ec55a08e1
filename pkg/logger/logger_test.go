package logger

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewParsesLevel(t *testing.T) {
	assert.True(t, New("debug").Core().Enabled(zapcore.DebugLevel))
	assert.False(t, New("warn").Core().Enabled(zapcore.InfoLevel))
	assert.True(t, New("bogus").Core().Enabled(zapcore.InfoLevel))
	assert.False(t, New("bogus").Core().Enabled(zapcore.DebugLevel))
}

func TestContextLogger_AddsContextFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	cl := NewContextLogger(zap.New(core))

	ctx := WithRequestID(context.Background(), "req-1")
	ctx = WithUserID(ctx, "alice")
	ctx = WithCallID(ctx, "call-9")
	cl.LogRequest(ctx, "POST", "/api/v1/calls/call-9/accept", 200, 12)

	entries := logs.All()
	if assert.Len(t, entries, 1) {
		fields := entries[0].ContextMap()
		assert.Equal(t, "req-1", fields["request_id"])
		assert.Equal(t, "alice", fields["user_id"])
		assert.Equal(t, "call-9", fields["call_id"])
		assert.Equal(t, "POST", fields["method"])
		assert.Equal(t, int64(200), fields["status_code"])
		assert.Equal(t, int64(12), fields["duration_ms"])
		_, hasTrace := fields["trace_id"]
		assert.False(t, hasTrace)
	}
	assert.Equal(t, "req-1", RequestID(ctx))
}

func TestContextLogger_LogError(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	cl := NewContextLogger(zap.New(core))

	cl.LogError(context.Background(), errors.New("boom"), "relay failed", zap.String("peer", "bob"))

	entries := logs.FilterMessage("relay failed").All()
	if assert.Len(t, entries, 1) {
		assert.Equal(t, zapcore.ErrorLevel, entries[0].Level)
		assert.Equal(t, "boom", entries[0].ContextMap()["error"])
		assert.Equal(t, "bob", entries[0].ContextMap()["peer"])
	}
}
