// Package telemetry provides the logging, metrics, and tracing facades used
// by engine services. Implementations delegate to Clue and OpenTelemetry;
// the interfaces are intentionally small so tests can provide lightweight
// stubs and pure packages stay free of provider imports.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Logger captures structured logging used throughout the engine.
type Logger interface {
	Debug(ctx context.Context, msg string, keyvals ...any)
	Info(ctx context.Context, msg string, keyvals ...any)
	Warn(ctx context.Context, msg string, keyvals ...any)
	Error(ctx context.Context, msg string, keyvals ...any)
}

// Metrics exposes counter and histogram helpers for engine instrumentation.
type Metrics interface {
	IncCounter(name string, value float64, tags ...string)
	RecordTimer(name string, duration time.Duration, tags ...string)
	RecordGauge(name string, value float64, tags ...string)
}

// Tracer abstracts span creation so engine code can remain agnostic of the
// underlying OpenTelemetry provider.
type Tracer interface {
	Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
	Span(ctx context.Context) Span
}

// Span represents an in-flight tracing span.
type Span interface {
	End(opts ...trace.SpanEndOption)
	AddEvent(name string, attrs ...any)
	SetStatus(code codes.Code, description string)
	RecordError(err error, opts ...trace.EventOption)
}

// Metric names emitted by the execution engine. Exposed so dashboards and
// tests agree on spelling.
const (
	// MetricOutcomesRecorded counts committed recordOutcome transactions.
	MetricOutcomesRecorded = "flowspec.outcomes.recorded"
	// MetricTasksStarted counts committed startTask transactions.
	MetricTasksStarted = "flowspec.tasks.started"
	// MetricFlowsCompleted counts flows transitioned to COMPLETED.
	MetricFlowsCompleted = "flowspec.flows.completed"
	// MetricFlowsBlocked counts flows transitioned to BLOCKED.
	MetricFlowsBlocked = "flowspec.flows.blocked"
	// MetricFanOutsTriggered counts child flows created by fan-out rules.
	MetricFanOutsTriggered = "flowspec.fanouts.triggered"
	// MetricHookDispatchErrors counts suppressed hook subscriber failures.
	MetricHookDispatchErrors = "flowspec.hooks.dispatch_errors"
	// MetricScheduleCommits counts committed schedule blocks.
	MetricScheduleCommits = "flowspec.schedule.commits"
)
