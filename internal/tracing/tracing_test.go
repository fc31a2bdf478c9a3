package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestSpansReachExporter(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	tp, err := NewProvider(Config{ServiceName: "crankd-test"}, exp)
	require.NoError(t, err)
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	ctx, parent := StartSpan(context.Background(), "crank.pass", "")
	_, child := StartSpan(ctx, "remote.fetch", "CLIENT")
	child.WithAttributes(map[string]string{"host": "compute.example"})
	EndSpan(child, errors.New("status 503"))
	parent.SetInt("tasks", 3)
	EndSpan(parent, nil)

	spans := exp.GetSpans()
	require.Len(t, spans, 2)
	assert.Equal(t, "remote.fetch", spans[0].Name)
	assert.Equal(t, codes.Error, spans[0].Status.Code)
	assert.Equal(t, spans[1].SpanContext.SpanID(), spans[0].Parent.SpanID())
	assert.Equal(t, codes.Ok, spans[1].Status.Code)
}

func TestNilSpanIsSafe(t *testing.T) {
	var s *Span
	s.WithAttributes(map[string]string{"a": "b"}).SetInt("n", 1)
	EndSpan(s, nil)

	shutdown, err := Init(Config{})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}
