package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// sinkSpanProcessor forwards finished spans into a Sink as Events, so the
// otel SDK's span machinery (start/end, attributes, status) becomes one
// more source of structured log lines rather than requiring a collector
// endpoint — there is no OTLP exporter dependency in this module, and
// standalone/CLI operation has nowhere to ship traces to.
type sinkSpanProcessor struct {
	sink Sink
}

func (p *sinkSpanProcessor) OnStart(context.Context, sdktrace.ReadWriteSpan) {}

func (p *sinkSpanProcessor) OnEnd(s sdktrace.ReadOnlySpan) {
	fields := map[string]any{
		"trace_id":    s.SpanContext().TraceID().String(),
		"span_id":     s.SpanContext().SpanID().String(),
		"duration_ms": s.EndTime().Sub(s.StartTime()).Milliseconds(),
	}
	for _, kv := range s.Attributes() {
		fields[string(kv.Key)] = kv.Value.AsInterface()
	}
	level := "info"
	var err error
	if s.Status().Code == 1 { // codes.Error
		level = "error"
		err = &spanError{msg: s.Status().Description}
	}
	_ = p.sink.Emit(context.Background(), Event{
		Op: s.Name(), Level: level, Fields: fields, Err: err, At: s.EndTime(),
	})
}

func (p *sinkSpanProcessor) Shutdown(context.Context) error   { return nil }
func (p *sinkSpanProcessor) ForceFlush(context.Context) error { return nil }

type spanError struct{ msg string }

func (e *spanError) Error() string { return e.msg }

// NewTracer builds a process-wide tracer that reports every span to sink.
// Returns a shutdown func the caller should defer.
func NewTracer(name string, sink Sink) (oteltrace.Tracer, func(context.Context) error) {
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithSpanProcessor(&sinkSpanProcessor{sink: sink}),
	)
	otel.SetTracerProvider(tp)
	return tp.Tracer(name), tp.Shutdown
}

// StartSpan is a small convenience wrapper used throughout the engine to
// start a span and always defer span.End().
func StartSpan(ctx context.Context, tracer oteltrace.Tracer, op string) (context.Context, oteltrace.Span) {
	return tracer.Start(ctx, op, oteltrace.WithTimestamp(time.Now()))
}
