package tracing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.False(t, cfg.Enabled)
	assert.Equal(t, "callengine", cfg.ServiceName)
	assert.Equal(t, "http://localhost:14268/api/traces", cfg.JaegerURL)
	assert.Equal(t, 1.0, cfg.SampleRate)
}

func TestInitDisabled(t *testing.T) {
	tp, err := Init(DefaultConfig())
	require.NoError(t, err)
	assert.NoError(t, tp.Shutdown(context.Background()))
}

func TestStartSpanWithoutProvider(t *testing.T) {
	ctx, span := StartSpan(context.Background(), "test.operation")
	require.NotNil(t, span)
	AddSpanAttributes(ctx, attribute.String("test.key", "value"), attribute.Int("test.number", 42))
	RecordError(ctx, errors.New("boom"))
	MeasureDuration(ctx, time.Now().Add(-10*time.Millisecond), "test.operation")
	span.End()
}

func TestTraceHelpers(t *testing.T) {
	ctx := context.Background()

	_, span := TraceHTTPRequest(ctx, "GET", "/api/v1/calls")
	assert.NotNil(t, span)
	span.End()

	_, span = TraceSignal(ctx, "offer", "call-1", "alice")
	assert.NotNil(t, span)
	span.End()

	_, span = TracePeerOperation(ctx, "create_offer", "call-1", "bob")
	assert.NotNil(t, span)
	span.End()

	_, span = TraceStoreOperation(ctx, "save", "redis")
	assert.NotNil(t, span)
	span.End()
}

func TestTraceSignalRecordsAttributes(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := tracesdk.NewTracerProvider(tracesdk.WithSpanProcessor(recorder))
	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)
	t.Cleanup(func() { otel.SetTracerProvider(previous) })

	ctx, span := TraceSignal(context.Background(), "offer", "call-1", "alice")
	RecordError(ctx, errors.New("recipient offline"))
	span.End()

	ended := recorder.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, "signal.offer", ended[0].Name())
	assert.Equal(t, codes.Error, ended[0].Status().Code)
	assert.Contains(t, ended[0].Attributes(), CallIDKey.String("call-1"))
	assert.Contains(t, ended[0].Attributes(), UserIDKey.String("alice"))
}
