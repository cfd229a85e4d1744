package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for teamsd spans.
var (
	AttrAgentID     = attribute.Key("teamsd.agent.id")
	AttrTaskID      = attribute.Key("teamsd.task.id")
	AttrIterationID = attribute.Key("teamsd.iteration.id")
	AttrPhase       = attribute.Key("teamsd.phase")
	AttrToolName    = attribute.Key("teamsd.tool.name")
	AttrModel       = attribute.Key("teamsd.llm.model")
)

// StartSpan is a convenience wrapper that starts an internal span with
// common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartClientSpan starts a span for an outbound call (LLM API, web search).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
