// Package events provides in-process streaming of chat session events
package events

import (
	"slices"
	"time"

	"github.com/bytedance/sonic"

	"github.com/Gigaversity/characters.ai/internal/session"
)

// EventType represents the type of event
type EventType string

const (
	// EventTurnRecorded is emitted when an exchange has been stored
	EventTurnRecorded = EventType(session.EventTurnRecorded)
	// EventTranscriptFlushed is emitted when a transcript snapshot has been stored
	EventTranscriptFlushed = EventType(session.EventTranscriptFlushed)
	// EventPersonaSwitched is emitted when the active persona changes
	EventPersonaSwitched = EventType(session.EventPersonaSwitched)
	// EventSessionEnded is emitted once when the session is torn down
	EventSessionEnded = EventType(session.EventSessionEnded)
	// EventOperatorError is emitted for failures absorbed by the session
	EventOperatorError EventType = "operator.error"
)

// Event represents a single session event
type Event struct {
	ID         string         `json:"id"`
	Type       EventType      `json:"type"`
	Timestamp  int64          `json:"timestamp"`
	SessionID  string         `json:"session_id,omitempty"`
	PersonaKey string         `json:"persona_key,omitempty"`
	Character  string         `json:"character,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
}

// NewEvent creates a new event with the current timestamp
func NewEvent(eventType EventType, sessionID, personaKey, character string, data map[string]any) *Event {
	return &Event{
		Type:       eventType,
		Timestamp:  time.Now().Unix(),
		SessionID:  sessionID,
		PersonaKey: personaKey,
		Character:  character,
		Data:       data,
	}
}

// Message returns the error text of an operator event
func (e *Event) Message() string {
	if msg, ok := e.Data["error"].(string); ok {
		return msg
	}
	return ""
}

// EventFilter narrows the events a stream forwards. Zero fields match
// anything.
type EventFilter struct {
	Types     []EventType `json:"types,omitempty"`
	SessionID string      `json:"session_id,omitempty"`
	Character string      `json:"character,omitempty"`
}

// Match reports whether event passes the filter
func (f EventFilter) Match(event *Event) bool {
	if len(f.Types) > 0 && !slices.Contains(f.Types, event.Type) {
		return false
	}
	if f.SessionID != "" && event.SessionID != f.SessionID {
		return false
	}
	return f.Character == "" || event.Character == f.Character
}

// FormatEvent formats an event for JSONL output
func FormatEvent(event *Event) ([]byte, error) {
	return sonic.Marshal(event)
}
