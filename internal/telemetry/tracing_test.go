package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInitTracerProviderRecordsSpans(t *testing.T) {
	// Mutates the global provider; not parallel.
	recorder := tracetest.NewSpanRecorder()
	tp, err := InitTracerProvider(context.Background(), TracerOptions{
		ServiceName: "harvester-test",
	})
	require.NoError(t, err)
	tp.RegisterSpanProcessor(recorder)
	t.Cleanup(func() { require.NoError(t, tp.Shutdown(context.Background())) })

	_, span := tp.Tracer("test").Start(context.Background(), "sweep.point")
	span.End()

	ended := recorder.Ended()
	require.Len(t, ended, 1)
	require.Equal(t, "sweep.point", ended[0].Name())
	val, ok := ended[0].Resource().Set().Value("service.name")
	require.True(t, ok)
	require.Equal(t, "harvester-test", val.AsString())
}

func TestInitTracerProviderWithProcessors(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp, err := InitTracerProvider(context.Background(), TracerOptions{
		Processors: []sdktrace.SpanProcessor{recorder},
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, tp.Shutdown(context.Background())) })

	_, span := tp.Tracer("test").Start(context.Background(), "harvest.run")
	span.End()

	ended := recorder.Ended()
	require.Len(t, ended, 1)
	val, ok := ended[0].Resource().Set().Value("service.name")
	require.True(t, ok)
	require.Equal(t, "portal-harvester", val.AsString())
}
