package telemetry

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// TracerName is the instrumentation scope of spans emitted by this module.
const TracerName = "fabrichost"

// Tracer returns the module's tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(TracerName)
}

// Install registers a global tracer provider that reports finished spans to
// the default slog logger. The returned function flushes and shuts it down.
func Install() func(context.Context) error {
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(LogProcessor{}))
	otel.SetTracerProvider(tp)
	return tp.Shutdown
}

// LogProcessor logs every ended span at debug level, and at warn level when
// the span ended with an error.
type LogProcessor struct{}

var _ sdktrace.SpanProcessor = LogProcessor{}

func (LogProcessor) OnStart(context.Context, sdktrace.ReadWriteSpan) {}

func (LogProcessor) OnEnd(s sdktrace.ReadOnlySpan) {
	attrs := []any{
		"span", s.Name(),
		"trace_id", s.SpanContext().TraceID().String(),
		"elapsed", s.EndTime().Sub(s.StartTime()),
	}
	if s.Status().Code == codes.Error {
		slog.Warn("Span failed.", append(attrs, "err", s.Status().Description)...)
		return
	}
	slog.Debug("Span ended.", attrs...)
}

func (LogProcessor) Shutdown(context.Context) error   { return nil }
func (LogProcessor) ForceFlush(context.Context) error { return nil }
