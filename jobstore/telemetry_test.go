package jobstore

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func counterValue(t *testing.T, reader sdkmetric.Reader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "%s is not an int64 sum", name)
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			return total
		}
	}
	return 0
}

func TestTelemetry(t *testing.T) {
	ctx := context.Background()
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	s := newTestStore(t, WithTracerProvider(tp), WithMeterProvider(mp))

	w, err := s.WriteFileStream(ctx, "")
	require.NoError(t, err)
	_, err = io.WriteString(w, "0123456789")
	require.NoError(t, err)
	require.NoError(t, w.Close())

	_, err = s.engine.ReadWhole(ctx, w.ID())
	require.NoError(t, err)
	_, err = s.Load(ctx, NewJobID())
	require.Error(t, err)

	assert.Equal(t, int64(10), counterValue(t, reader, "jobstore.bytes.written"))
	assert.Equal(t, int64(10), counterValue(t, reader, "jobstore.bytes.read"))
	assert.Zero(t, counterValue(t, reader, "jobstore.stream.failures"))

	spans := make(map[string]sdktrace.ReadOnlySpan)
	for _, sp := range sr.Ended() {
		spans[sp.Name()] = sp
	}
	require.Contains(t, spans, "jobstore.UploadStream")
	require.Contains(t, spans, "jobstore.Load")

	up := spans["jobstore.UploadStream"]
	assert.Contains(t, up.Attributes(), attribute.String("jobstore.id", w.ID()))
	assert.Contains(t, up.Attributes(), attribute.String("jobstore.container", "test--toil"))
	assert.Equal(t, codes.Unset, up.Status().Code)
	assert.Equal(t, codes.Error, spans["jobstore.Load"].Status().Code)
}
