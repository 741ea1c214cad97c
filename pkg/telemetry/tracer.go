// Package telemetry provides OpenTelemetry observability for persona chat
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracer is the global tracer for persona chat
var tracer = otel.Tracer("characters")

// Span names
const (
	// Session spans
	SpanSessionSubmit = "characters.session.submit"
	SpanSessionFlush  = "characters.session.flush"
	SpanSessionSelect = "characters.session.select"
	SpanSessionEnd    = "characters.session.end"

	// Completion spans
	SpanCompletionGenerate = "characters.completion.generate"

	// Store spans
	SpanStoreRecordTurn       = "characters.store.record_turn"
	SpanStoreRecordTranscript = "characters.store.record_transcript"
)

// StartSessionSpan starts a span for a session operation
func StartSessionSpan(ctx context.Context, name, sessionID string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.String(KeySessionID, sessionID))
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// StartCompletionSpan starts a span for a completion call
func StartCompletionSpan(ctx context.Context, provider, model string, maxOutputTokens int) (context.Context, trace.Span) {
	return tracer.Start(ctx, SpanCompletionGenerate, trace.WithAttributes(CompletionAttrs(provider, model, maxOutputTokens)...))
}

// StartStoreSpan starts a span for a conversation store write
func StartStoreSpan(ctx context.Context, name, driver, character string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String(KeyStoreDriver, driver),
		attribute.String(KeyPersonaName, character),
	))
}

// RecordError records an error on a span with optional error type/category
func RecordError(span trace.Span, err error, errorType, errorCategory string) {
	if err == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("exception.message", err.Error()),
		attribute.String("exception.type", errorType),
		attribute.String(KeyErrorType, errorType),
	}

	if errorCategory != "" {
		attrs = append(attrs, attribute.String(KeyErrorCategory, errorCategory))
	}

	span.RecordError(err, trace.WithAttributes(attrs...))
	span.SetStatus(codes.Error, err.Error())
}

// SetTranscriptLength sets the transcript length as a span attribute
func SetTranscriptLength(span trace.Span, length int) {
	span.SetAttributes(attribute.Int(KeyTranscriptLength, length))
}

// SetCompletionStatus sets the tagged completion status on a span
func SetCompletionStatus(span trace.Span, status string) {
	span.SetAttributes(attribute.String(KeyCompletionStatus, status))
}

// GetTraceID returns the trace ID from context if available
func GetTraceID(ctx context.Context) string {
	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		return span.SpanContext().TraceID().String()
	}
	return ""
}

// ErrorTypeFromError extracts a human-readable error type
func ErrorTypeFromError(err error) string {
	if err == nil {
		return ""
	}
	return fmt.Sprintf("%T", err)
}
