// Package telemetry provides OpenTelemetry observability for persona chat
package telemetry

import "go.opentelemetry.io/otel/attribute"

// Semantic convention keys for chat attributes
const (
	// Session attributes
	KeySessionID = "characters.session.id"

	// Persona attributes
	KeyPersonaKey  = "characters.persona.key"
	KeyPersonaName = "characters.persona.name"

	// Transcript attributes
	KeyTranscriptLength = "characters.transcript.length"
	KeyFlushForced      = "characters.flush.forced"

	// Completion attributes
	KeyCompletionProvider = "characters.completion.provider"
	KeyCompletionModel    = "characters.completion.model"
	KeyCompletionStatus   = "characters.completion.status"
	KeyMaxOutputTokens    = "characters.completion.max_output_tokens"

	// Store attributes
	KeyStoreDriver = "characters.store.driver"

	// Error attributes
	KeyErrorType     = "characters.error.type"
	KeyErrorCategory = "characters.error.category"
)

// Error categories
const (
	ErrorCategoryCompletion  = "completion_failure"
	ErrorCategoryPersistence = "persistence_failure"
)

// PersonaAttrs returns the attributes identifying a persona
func PersonaAttrs(key, name string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(KeyPersonaKey, key),
		attribute.String(KeyPersonaName, name),
	}
}

// CompletionAttrs returns the attributes identifying a completion backend
func CompletionAttrs(provider, model string, maxOutputTokens int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(KeyCompletionProvider, provider),
		attribute.String(KeyCompletionModel, model),
		attribute.Int(KeyMaxOutputTokens, maxOutputTokens),
	}
}
