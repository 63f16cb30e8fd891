package log

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestZerologAdapterFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewZerologAdapterWithWriter(&buf, zerolog.DebugLevel).
		With(map[string]interface{}{"component": "test"})

	logger.Error(context.Background(), "store failed", errors.New("boom"), map[string]interface{}{"code_prefix": "abc"})

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "error", entry["level"])
	assert.Equal(t, "store failed", entry["message"])
	assert.Equal(t, "boom", entry["error"])
	assert.Equal(t, "test", entry["component"])
	assert.Equal(t, "abc", entry["code_prefix"])
	assert.NotContains(t, entry, "trace_id")
}

func TestZerologAdapterTraceInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := NewZerologAdapterWithWriter(&buf, zerolog.InfoLevel)

	tp := sdktrace.NewTracerProvider()
	ctx, span := tp.Tracer("test").Start(context.Background(), "op")
	defer span.End()

	logger.Info(ctx, "hello")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, span.SpanContext().TraceID().String(), entry["trace_id"])
	assert.Equal(t, span.SpanContext().SpanID().String(), entry["span_id"])
}

func TestParseLevel(t *testing.T) {
	lvl, err := ParseLevel("debug")
	require.NoError(t, err)
	assert.Equal(t, zerolog.DebugLevel, lvl)

	lvl, err = ParseLevel("loud")
	assert.Error(t, err)
	assert.Equal(t, zerolog.InfoLevel, lvl)
}
