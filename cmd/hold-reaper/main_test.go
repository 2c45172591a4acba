package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestRun_BuildFailureShutsDownTracer(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("JAEGER_ENDPOINT", "")
	t.Setenv("MYSQL_DSN", "not-a-dsn")

	code := run()

	assert.Equal(t, 1, code)
	tp, ok := otel.GetTracerProvider().(*sdktrace.TracerProvider)
	require.True(t, ok, "tracer provider is installed before components are built")
	_, span := tp.Tracer("test").Start(context.Background(), "after-exit")
	defer span.End()
	assert.False(t, span.IsRecording(), "tracer provider was shut down")
}
