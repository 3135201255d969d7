package otel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/tsarna/wsbridge/pkg/bridge/o11y"
)

func newTestProvider(t *testing.T) (*Provider, *sdkmetric.ManualReader, *tracetest.SpanRecorder) {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	t.Cleanup(func() {
		_ = mp.Shutdown(context.Background())
		_ = tp.Shutdown(context.Background())
	})

	return NewProviderFrom(mp, tp, "wsbridge-test", "0.0.0"), reader, recorder
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Aggregation {
	t.Helper()

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	out := make(map[string]metricdata.Aggregation)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m.Data
		}
	}
	return out
}

func TestProvider_Counter(t *testing.T) {
	provider, reader, _ := newTestProvider(t)
	ctx := context.Background()

	counter := provider.Counter("bridge_messages_received_total")
	counter.Add(ctx, 2, o11y.Label{Key: "topic", Value: "chatter"})
	counter.Add(ctx, 3, o11y.Label{Key: "topic", Value: "chatter"})

	data := collect(t, reader)
	sum, ok := data["bridge_messages_received_total"].(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, sum.DataPoints, 1)
	assert.Equal(t, int64(5), sum.DataPoints[0].Value)
}

func TestProvider_GaugeKeepsLastValue(t *testing.T) {
	provider, reader, _ := newTestProvider(t)
	ctx := context.Background()

	gauge := provider.Gauge("websocket_active_connections")
	gauge.Set(ctx, 4)
	gauge.Set(ctx, 2)

	data := collect(t, reader)
	g, ok := data["websocket_active_connections"].(metricdata.Gauge[float64])
	require.True(t, ok)
	require.Len(t, g.DataPoints, 1)
	assert.Equal(t, 2.0, g.DataPoints[0].Value)
}

func TestProvider_Histogram(t *testing.T) {
	provider, reader, _ := newTestProvider(t)
	ctx := context.Background()

	histogram := provider.Histogram("websocket_connection_duration_seconds")
	histogram.Record(ctx, 1.5)
	histogram.Record(ctx, 0.5)

	data := collect(t, reader)
	h, ok := data["websocket_connection_duration_seconds"].(metricdata.Histogram[float64])
	require.True(t, ok)
	require.Len(t, h.DataPoints, 1)
	assert.Equal(t, uint64(2), h.DataPoints[0].Count)
	assert.Equal(t, 2.0, h.DataPoints[0].Sum)
}

func TestProvider_Span(t *testing.T) {
	provider, _, recorder := newTestProvider(t)

	_, span := provider.StartSpan(context.Background(), "bridge.message")
	span.SetAttributes(o11y.Label{Key: "topic", Value: "chatter"})
	span.SetStatus(o11y.SpanStatusError, "malformed")
	span.End()

	ended := recorder.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, "bridge.message", ended[0].Name())
	assert.Equal(t, "malformed", ended[0].Status().Description)
}
