// Package session tracks per-persona transcripts for one user session and
// decides when they are persisted.
//
// Each persona moves through three states. A transcript with no turns is
// Empty. Appending a turn makes it Active. Flushing records the full ordered
// transcript as one snapshot and marks it Flushed at its current length; the
// next append makes it Active again and the next flush re-saves everything.
// Every completed exchange is also recorded on its own, independent of flushes.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Gigaversity/characters.ai/internal/completion"
	"github.com/Gigaversity/characters.ai/internal/logger"
	"github.com/Gigaversity/characters.ai/internal/persona"
	"github.com/Gigaversity/characters.ai/pkg/telemetry"
	"github.com/Gigaversity/characters.ai/pkg/types"
)

// FallbackReply replaces a reply the completion service could not produce
const FallbackReply = "Sorry, unable to answer your question at the moment."

// DefaultMaxOutputTokens bounds each generated reply
const DefaultMaxOutputTokens = 2054

var (
	// ErrEmptyInput is returned for blank submissions, which are ignored
	ErrEmptyInput = errors.New("empty input")
	// ErrNoPendingUserTurn is returned when a reply has no question to answer
	ErrNoPendingUserTurn = errors.New("no pending user turn")
	// ErrSessionEnded is returned by mutating calls after End
	ErrSessionEnded = errors.New("session has ended")
	// ErrUnknownPersona is returned for keys missing from the registry
	ErrUnknownPersona = persona.ErrUnknownPersona
)

// State is the flush state of one persona's transcript
type State string

const (
	StateEmpty   State = "empty"
	StateActive  State = "active"
	StateFlushed State = "flushed"
)

// Options tunes a session
type Options struct {
	MaxOutputTokens int
	Notifier        Notifier
}

// Round is the outcome of one Submit
type Round struct {
	PersonaKey string
	Character  string
	UserText   string
	Reply      string
	Status     completion.Status
	Fallback   bool
	Failures   []Failure
}

// Session owns the transcripts of one user session
type Session struct {
	mu sync.Mutex

	id       string
	registry *persona.Registry
	client   completion.Client
	recorder Recorder
	reporter Reporter
	notifier Notifier

	maxOutputTokens int

	active      string
	transcripts map[string][]types.Turn
	flushed     map[string]int
	ended       bool
}

// New creates a session with the registry's first persona selected
func New(registry *persona.Registry, client completion.Client, recorder Recorder, reporter Reporter, opts Options) *Session {
	if reporter == nil {
		reporter = nopReporter{}
	}
	notifier := opts.Notifier
	if notifier == nil {
		notifier = nopNotifier{}
	}
	maxTokens := opts.MaxOutputTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxOutputTokens
	}

	return &Session{
		id:              uuid.New().String(),
		registry:        registry,
		client:          client,
		recorder:        recorder,
		reporter:        reporter,
		notifier:        notifier,
		maxOutputTokens: maxTokens,
		active:          registry.First().Key,
		transcripts:     make(map[string][]types.Turn),
		flushed:         make(map[string]int),
	}
}

// ID returns the session identifier
func (s *Session) ID() string {
	return s.id
}

// Personas lists the selectable personas in order
func (s *Session) Personas() []persona.Persona {
	return s.registry.List()
}

// Active returns the selected persona
func (s *Session) Active() persona.Persona {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, _ := s.registry.Get(s.active)
	return p
}

// Transcript returns a copy of the persona's turns
func (s *Session) Transcript(key string) []types.Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	turns := s.transcripts[key]
	out := make([]types.Turn, len(turns))
	copy(out, turns)
	return out
}

// State reports the flush state of the persona's transcript
func (s *Session) State(key string) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked(key)
}

// Marker returns the persona's flush marker
func (s *Session) Marker(key string) types.FlushMarker {
	s.mu.Lock()
	defer s.mu.Unlock()
	return types.FlushMarker{PersonaKey: key, LastFlushedLength: s.flushed[key]}
}

// Ended reports whether End has run
func (s *Session) Ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

func (s *Session) stateLocked(key string) State {
	n := len(s.transcripts[key])
	switch {
	case n == 0:
		return StateEmpty
	case s.flushed[key] == n:
		return StateFlushed
	default:
		return StateActive
	}
}

// AppendUserTurn adds a question to the persona's transcript. It is valid
// in any state, including after an unanswered question.
func (s *Session) AppendUserTurn(key, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return ErrSessionEnded
	}
	return s.appendUserLocked(key, text)
}

// AppendAssistantTurn answers the persona's pending question
func (s *Session) AppendAssistantTurn(key, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return ErrSessionEnded
	}
	return s.appendAssistantLocked(key, text)
}

func (s *Session) appendUserLocked(key, text string) error {
	if !s.registry.Has(key) {
		return fmt.Errorf("%w: %q", ErrUnknownPersona, key)
	}
	s.transcripts[key] = append(s.transcripts[key], types.UserTurn(text))
	return nil
}

func (s *Session) appendAssistantLocked(key, text string) error {
	if !s.registry.Has(key) {
		return fmt.Errorf("%w: %q", ErrUnknownPersona, key)
	}
	if !s.pendingLocked(key) {
		return ErrNoPendingUserTurn
	}
	s.transcripts[key] = append(s.transcripts[key], types.AssistantTurn(text))
	return nil
}

func (s *Session) pendingLocked(key string) bool {
	turns := s.transcripts[key]
	return len(turns) > 0 && turns[len(turns)-1].Role == types.ConversationRoleUser
}

// Submit runs one question/answer round against the active persona.
// Completion and persistence failures do not fail the round; they are
// reported and listed on the returned Round.
func (s *Session) Submit(ctx context.Context, text string) (Round, error) {
	if strings.TrimSpace(text) == "" {
		return Round{}, ErrEmptyInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return Round{}, ErrSessionEnded
	}

	p, err := s.registry.Get(s.active)
	if err != nil {
		return Round{}, err
	}

	ctx, span := telemetry.StartSessionSpan(ctx, telemetry.SpanSessionSubmit, s.id, telemetry.PersonaAttrs(p.Key, p.DisplayName)...)
	defer span.End()

	if err := s.appendUserLocked(p.Key, text); err != nil {
		return Round{}, err
	}

	round := Round{PersonaKey: p.Key, Character: p.DisplayName, UserText: text}

	result := s.client.Generate(ctx, p.Prompt+"\nUser question: "+text, s.maxOutputTokens)
	round.Status = result.Status
	round.Reply = result.Text
	if !result.Ok() {
		round.Reply = FallbackReply
		round.Fallback = true
		cause := result.Err
		if cause == nil {
			cause = completion.ErrEmptyResponse
		}
		round.Failures = append(round.Failures, s.reportLocked(ctx, FailureCompletion, p.DisplayName, cause))
	}

	if err := s.appendAssistantLocked(p.Key, round.Reply); err != nil {
		return round, err
	}
	telemetry.SetTranscriptLength(span, len(s.transcripts[p.Key]))

	if err := s.recorder.RecordTurn(ctx, p.DisplayName, text, round.Reply); err != nil {
		round.Failures = append(round.Failures, s.reportLocked(ctx, FailurePersistence, p.DisplayName, err))
	} else {
		s.notifier.Notify(ctx, Event{
			Type:       EventTurnRecorded,
			SessionID:  s.id,
			PersonaKey: p.Key,
			Character:  p.DisplayName,
			Data:       map[string]any{"status": string(round.Status), "fallback": round.Fallback},
		})
	}

	return round, nil
}

// Flush snapshots the persona's transcript unless it is empty or already
// flushed at its current length. It reports whether a record was written.
func (s *Session) Flush(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return false, ErrSessionEnded
	}
	if !s.registry.Has(key) {
		return false, fmt.Errorf("%w: %q", ErrUnknownPersona, key)
	}
	return s.flushLocked(ctx, key, false)
}

// flushLocked writes the whole transcript as one record; forced skips the
// already-flushed check.
func (s *Session) flushLocked(ctx context.Context, key string, forced bool) (bool, error) {
	turns := s.transcripts[key]
	if len(turns) == 0 {
		return false, nil
	}
	if !forced && s.flushed[key] == len(turns) {
		return false, nil
	}

	p, _ := s.registry.Get(key)
	ctx, span := telemetry.StartSessionSpan(ctx, telemetry.SpanSessionFlush, s.id,
		append(telemetry.PersonaAttrs(p.Key, p.DisplayName), attribute.Bool(telemetry.KeyFlushForced, forced))...)
	defer span.End()
	telemetry.SetTranscriptLength(span, len(turns))

	snapshot := make([]types.Turn, len(turns))
	copy(snapshot, turns)

	if err := s.recorder.RecordTranscript(ctx, p.DisplayName, snapshot); err != nil {
		telemetry.RecordError(span, err, telemetry.ErrorTypeFromError(err), telemetry.ErrorCategoryPersistence)
		return false, s.reportLocked(ctx, FailurePersistence, p.DisplayName, err)
	}

	s.flushed[key] = len(snapshot)
	logger.Debugf(ctx, "Flushed %d turns for %s", len(snapshot), p.DisplayName)
	s.notifier.Notify(ctx, Event{
		Type:       EventTranscriptFlushed,
		SessionID:  s.id,
		PersonaKey: key,
		Character:  p.DisplayName,
		Data:       map[string]any{"length": len(snapshot), "forced": forced},
	})
	return true, nil
}

// Select switches the active persona, flushing the previous one first.
// A failed flush is reported and returned but the switch still happens.
func (s *Session) Select(ctx context.Context, key string) ([]Failure, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return nil, ErrSessionEnded
	}
	if !s.registry.Has(key) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPersona, key)
	}
	if key == s.active {
		return nil, nil
	}

	ctx, span := telemetry.StartSessionSpan(ctx, telemetry.SpanSessionSelect, s.id, attribute.String(telemetry.KeyPersonaKey, key))
	defer span.End()

	var failures []Failure
	previous := s.active
	if _, err := s.flushLocked(ctx, previous, false); err != nil {
		failures = append(failures, asFailure(err))
	}
	s.active = key

	logger.Infof(ctx, "Switched persona from %s to %s", previous, key)
	s.notifier.Notify(ctx, Event{
		Type:       EventPersonaSwitched,
		SessionID:  s.id,
		PersonaKey: key,
		Character:  s.displayName(key),
		Data:       map[string]any{"from": previous},
	})
	return failures, nil
}

// Reset flushes the persona's transcript and then clears it. The transcript
// is kept when the flush fails.
func (s *Session) Reset(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return ErrSessionEnded
	}
	if !s.registry.Has(key) {
		return fmt.Errorf("%w: %q", ErrUnknownPersona, key)
	}
	if _, err := s.flushLocked(ctx, key, false); err != nil {
		return err
	}
	delete(s.transcripts, key)
	delete(s.flushed, key)
	return nil
}

// End is the session teardown hook. It runs once; every non-empty transcript
// is snapshotted regardless of earlier flushes. Later calls return nil.
func (s *Session) End(ctx context.Context) []Failure {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return nil
	}
	s.ended = true

	ctx, span := telemetry.StartSessionSpan(ctx, telemetry.SpanSessionEnd, s.id)
	defer span.End()

	var (
		failures []Failure
		flushed  int
	)
	for _, key := range s.registry.Keys() {
		ok, err := s.flushLocked(ctx, key, true)
		if err != nil {
			failures = append(failures, asFailure(err))
			continue
		}
		if ok {
			flushed++
		}
	}

	logger.Infof(ctx, "Session %s ended, %d transcripts saved", s.id, flushed)
	s.notifier.Notify(ctx, Event{
		Type:      EventSessionEnded,
		SessionID: s.id,
		Data:      map[string]any{"transcripts": flushed, "failures": len(failures)},
	})
	return failures
}

func (s *Session) reportLocked(ctx context.Context, kind FailureKind, character string, err error) Failure {
	s.reporter.Report(ctx, kind, character, err)
	return Failure{Kind: kind, Character: character, Err: err}
}

func (s *Session) displayName(key string) string {
	p, err := s.registry.Get(key)
	if err != nil {
		return key
	}
	return p.DisplayName
}

func asFailure(err error) Failure {
	var f Failure
	if errors.As(err, &f) {
		return f
	}
	return Failure{Kind: FailurePersistence, Err: err}
}
