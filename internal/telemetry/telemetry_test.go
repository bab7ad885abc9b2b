package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestSetupDisabled(t *testing.T) {
	before := otel.GetTracerProvider()

	tp, shutdown, err := Setup(context.Background(), "graphcache-test", "")
	require.NoError(t, err)
	require.NotNil(t, tp)
	assert.NoError(t, shutdown(context.Background()))
	assert.Equal(t, before, otel.GetTracerProvider(), "no global provider is registered")

	_, span := tp.Tracer("test").Start(context.Background(), "op")
	assert.False(t, span.SpanContext().IsValid())
	span.End()
}

func TestSetupEnabled(t *testing.T) {
	// Non-routable address so no export happens.
	tp, shutdown, err := Setup(context.Background(), "graphcache-test", "http://192.0.2.1:4318")
	require.NoError(t, err)
	_, ok := tp.(*sdktrace.TracerProvider)
	assert.True(t, ok)
	assert.Equal(t, tp, otel.GetTracerProvider())

	assert.NoError(t, shutdown(context.Background()))
}
