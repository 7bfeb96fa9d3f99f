package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestStartAndEndSpan(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	SetProvider(tp)
	t.Cleanup(func() { SetProvider(nil) })

	_, span := StartSpan(context.Background(), "run", map[string]string{"job_id": "j1"})
	EndSpan(span, errors.New("boom"))

	spans := exp.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "run", spans[0].Name)
	assert.Equal(t, codes.Error, spans[0].Status.Code)
	assert.Equal(t, "j1", spans[0].Attributes[0].Value.AsString())
}

func TestSamplerFor(t *testing.T) {
	assert.Equal(t, sdktrace.NeverSample().Description(), samplerFor(0).Description())
	assert.Equal(t, sdktrace.AlwaysSample().Description(), samplerFor(1).Description())
	assert.Contains(t, samplerFor(0.5).Description(), "TraceIDRatioBased")
}
