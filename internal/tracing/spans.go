package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span attribute keys.
const (
	AttrRunID     = "run.id"
	AttrProjectID = "project.id"
	AttrStage     = "run.stage"
	AttrStatus    = "run.status"
	AttrTaskID    = "task.id"
	AttrTaskKind  = "task.kind"
	AttrExitCode  = "process.exit_code"
	AttrSpecCount = "specs.count"
	AttrPort      = "net.port"
	AttrFramework = "runner.framework"
)

// Span names.
const (
	SpanRun         = "run"
	SpanPrefixStage = "run.stage."
	SpanPrefixTask  = "task."
)

// StartRun opens the root span of one run pipeline.
func StartRun(ctx context.Context, tracer trace.Tracer, runID, projectID string) (context.Context, trace.Span) {
	return tracer.Start(ctx, SpanRun,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String(AttrRunID, runID),
			attribute.String(AttrProjectID, projectID),
		))
}

// StartStage opens a child span for one pipeline stage.
func StartStage(ctx context.Context, tracer trace.Tracer, stage string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.String(AttrStage, stage))
	return tracer.Start(ctx, SpanPrefixStage+stage, trace.WithAttributes(attrs...))
}

// End records err on span, if any, and ends it.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
