package jobstore

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/Duke-GCB/toil/jobstore"

// instruments holds the tracer and counters shared by a store and its engine.
type instruments struct {
	tracer          trace.Tracer
	bytesWritten    metric.Int64Counter
	bytesRead       metric.Int64Counter
	streamFailures  metric.Int64Counter
	destroyAttempts metric.Int64Counter
	container       attribute.KeyValue
}

func newInstruments(tp trace.TracerProvider, mp metric.MeterProvider, container string) (*instruments, error) {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(instrumentationName)

	in := &instruments{
		tracer:    tp.Tracer(instrumentationName),
		container: attribute.String("jobstore.container", container),
	}

	var err error
	if in.bytesWritten, err = meter.Int64Counter("jobstore.bytes.written",
		metric.WithDescription("Bytes uploaded to the backend"),
		metric.WithUnit("By")); err != nil {
		return nil, fmt.Errorf("failed to create counter: %w", err)
	}
	if in.bytesRead, err = meter.Int64Counter("jobstore.bytes.read",
		metric.WithDescription("Bytes downloaded from the backend"),
		metric.WithUnit("By")); err != nil {
		return nil, fmt.Errorf("failed to create counter: %w", err)
	}
	if in.streamFailures, err = meter.Int64Counter("jobstore.stream.failures",
		metric.WithDescription("Stream workers that ended with an error")); err != nil {
		return nil, fmt.Errorf("failed to create counter: %w", err)
	}
	if in.destroyAttempts, err = meter.Int64Counter("jobstore.destroy.attempts",
		metric.WithDescription("Container destroy cycles, including retries")); err != nil {
		return nil, fmt.Errorf("failed to create counter: %w", err)
	}
	return in, nil
}

// start opens the span for one store operation.
func (in *instruments) start(ctx context.Context, op, id string) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{in.container}
	if id != "" {
		attrs = append(attrs, attribute.String("jobstore.id", id))
	}
	return in.tracer.Start(ctx, "jobstore."+op, trace.WithAttributes(attrs...))
}

func (in *instruments) count(ctx context.Context, c metric.Int64Counter, n int64) {
	c.Add(ctx, n, metric.WithAttributes(in.container))
}

// end records err on span and ends it.
func end(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
