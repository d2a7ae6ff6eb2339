package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"time"
)

type (
	// NoopLogger discards all log output.
	NoopLogger struct{}

	// NoopMetrics discards all metric recordings.
	NoopMetrics struct{}

	// NoopTracer produces no-op spans.
	NoopTracer struct {
		tracer trace.Tracer
	}

	noopSpan struct {
		span trace.Span
	}
)

// NewNoopLogger returns a Logger that discards everything.
func NewNoopLogger() Logger { return NoopLogger{} }

// NewNoopMetrics returns a Metrics recorder that discards everything.
func NewNoopMetrics() Metrics { return NoopMetrics{} }

// NewNoopTracer returns a Tracer whose spans record nothing.
func NewNoopTracer() Tracer {
	return &NoopTracer{tracer: noop.NewTracerProvider().Tracer("noop")}
}

func (NoopLogger) Debug(context.Context, string, ...any) {}
func (NoopLogger) Info(context.Context, string, ...any)  {}
func (NoopLogger) Warn(context.Context, string, ...any)  {}
func (NoopLogger) Error(context.Context, string, ...any) {}

func (NoopMetrics) IncCounter(string, float64, ...string)           {}
func (NoopMetrics) RecordTimer(string, time.Duration, ...string)    {}
func (NoopMetrics) RecordGauge(string, float64, ...string)          {}

func (t *NoopTracer) Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span) {
	newCtx, span := t.tracer.Start(ctx, name, opts...)
	return newCtx, &noopSpan{span: span}
}

func (t *NoopTracer) Span(ctx context.Context) Span {
	return &noopSpan{span: trace.SpanFromContext(ctx)}
}

func (s *noopSpan) End(opts ...trace.SpanEndOption)           { s.span.End(opts...) }
func (s *noopSpan) AddEvent(string, ...any)                   {}
func (s *noopSpan) SetStatus(codes.Code, string)              {}
func (s *noopSpan) RecordError(error, ...trace.EventOption)   {}
