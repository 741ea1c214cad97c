package events

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/Gigaversity/characters.ai/internal/logger"
	"github.com/Gigaversity/characters.ai/internal/session"
	"github.com/Gigaversity/characters.ai/pkg/telemetry"
)

// Reporter is the operator channel. It logs absorbed failures and relays
// them, along with session lifecycle events, onto the bus.
type Reporter struct {
	bus *Bus
}

// NewReporter creates a reporter publishing on bus
func NewReporter(bus *Bus) *Reporter {
	return &Reporter{bus: bus}
}

// Report logs err at error level and publishes an operator.error event
func (r *Reporter) Report(ctx context.Context, kind session.FailureKind, character string, err error) {
	if err == nil {
		return
	}
	fields := logrus.Fields{
		"kind":      string(kind),
		"character": character,
	}
	if traceID := telemetry.GetTraceID(ctx); traceID != "" {
		fields["trace_id"] = traceID
	}
	logger.ErrorWithFields(ctx, err, fields)

	event := NewEvent(EventOperatorError, "", "", character, map[string]any{
		"kind":  string(kind),
		"error": err.Error(),
	})
	if pubErr := r.bus.Publish(ctx, event); pubErr != nil {
		logger.Warnf(ctx, "Dropping operator event: %v", pubErr)
	}
}

// Notify relays a session lifecycle event onto the bus
func (r *Reporter) Notify(ctx context.Context, e session.Event) {
	event := NewEvent(EventType(e.Type), e.SessionID, e.PersonaKey, e.Character, e.Data)
	if err := r.bus.Publish(ctx, event); err != nil {
		logger.Debugf(ctx, "Dropping %s event: %v", e.Type, err)
	}
}

var (
	_ session.Reporter = (*Reporter)(nil)
	_ session.Notifier = (*Reporter)(nil)
)
