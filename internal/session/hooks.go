package session

import (
	"context"
	"fmt"

	"github.com/Gigaversity/characters.ai/pkg/types"
)

// FailureKind classifies an error surfaced to the operator channel
type FailureKind string

const (
	FailureCompletion  FailureKind = "completion_failure"
	FailurePersistence FailureKind = "persistence_failure"
)

// Failure is an error absorbed by the session and reported to the operator
type Failure struct {
	Kind      FailureKind
	Character string
	Err       error
}

func (f Failure) Error() string {
	return fmt.Sprintf("%s (%s): %v", f.Kind, f.Character, f.Err)
}

func (f Failure) Unwrap() error {
	return f.Err
}

// Reporter receives errors that do not interrupt the session
type Reporter interface {
	Report(ctx context.Context, kind FailureKind, character string, err error)
}

// EventType names a session lifecycle event
type EventType string

const (
	EventTurnRecorded      EventType = "turn.recorded"
	EventTranscriptFlushed EventType = "transcript.flushed"
	EventPersonaSwitched   EventType = "persona.switched"
	EventSessionEnded      EventType = "session.ended"
)

// Event describes a lifecycle transition
type Event struct {
	Type       EventType
	SessionID  string
	PersonaKey string
	Character  string
	Data       map[string]any
}

// Notifier receives lifecycle events
type Notifier interface {
	Notify(ctx context.Context, event Event)
}

// Recorder is the persistence the session writes through
type Recorder interface {
	RecordTurn(ctx context.Context, character, userMessage, botReply string) error
	RecordTranscript(ctx context.Context, character string, turns []types.Turn) error
}

type nopReporter struct{}

func (nopReporter) Report(context.Context, FailureKind, string, error) {}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, Event) {}
