package webhooks

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Gigaversity/characters.ai/internal/events"
)

type received struct {
	header  http.Header
	body    []byte
	payload Payload
}

func newReceiver(t *testing.T, status int) (*httptest.Server, chan received) {
	t.Helper()
	ch := make(chan received, 10)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var p Payload
		_ = json.Unmarshal(body, &p)
		ch <- received{header: r.Header.Clone(), body: body, payload: p}
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, ch
}

func startManager(t *testing.T) *Manager {
	t.Helper()
	m := NewManager(time.Second)
	m.Start(1)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = m.Stop(ctx)
	})
	return m
}

func waitFor(t *testing.T, ch chan received) received {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("no delivery received")
		return received{}
	}
}

func TestEmit_DeliversSignedPayload(t *testing.T) {
	srv, ch := newReceiver(t, http.StatusOK)
	m := startManager(t)
	require.NoError(t, m.Register(&Webhook{
		ID:      "ops",
		URL:     srv.URL,
		Secret:  "s3cret",
		Headers: map[string]string{"X-Team": "chat"},
		Enabled: true,
	}))

	event := events.NewEvent(events.EventOperatorError, "sess-1", "NTR", "NTR", map[string]any{
		"kind":  "completion_failure",
		"error": "quota exceeded",
	})
	m.Emit(event)

	r := waitFor(t, ch)
	assert.Equal(t, "application/json", r.header.Get("Content-Type"))
	assert.Equal(t, "ops", r.header.Get("X-Webhook-ID"))
	assert.Equal(t, "operator.error", r.header.Get("X-Webhook-Event"))
	assert.Equal(t, "chat", r.header.Get("X-Team"))
	assert.True(t, VerifySignature(r.body, r.header.Get("X-Webhook-Signature"), "s3cret"))
	assert.False(t, VerifySignature(r.body, r.header.Get("X-Webhook-Signature"), "other"))

	assert.Equal(t, events.EventOperatorError, r.payload.Event)
	assert.Equal(t, "sess-1", r.payload.SessionID)
	assert.Equal(t, "NTR", r.payload.Character)
	assert.Equal(t, "quota exceeded", r.payload.Data["error"])
	assert.NotEmpty(t, r.payload.DeliveryID)
	assert.Equal(t, r.payload.DeliveryID, r.header.Get("X-Webhook-Delivery-ID"))
}

func TestEmit_SkipsUnsubscribedAndDisabled(t *testing.T) {
	srv, ch := newReceiver(t, http.StatusOK)
	m := startManager(t)
	require.NoError(t, m.Register(&Webhook{
		ID:      "errors-only",
		URL:     srv.URL,
		Events:  []events.EventType{events.EventOperatorError},
		Enabled: true,
	}))
	require.NoError(t, m.Register(&Webhook{ID: "off", URL: srv.URL}))

	m.Emit(events.NewEvent(events.EventPersonaSwitched, "s", "Steve Jobs", "Steve Jobs", nil))
	m.Emit(events.NewEvent(events.EventOperatorError, "s", "NTR", "NTR", map[string]any{"error": "boom"}))

	r := waitFor(t, ch)
	assert.Equal(t, events.EventOperatorError, r.payload.Event)
	assert.Equal(t, "errors-only", r.payload.WebhookID)

	select {
	case extra := <-ch:
		t.Fatalf("unexpected delivery %s to %s", extra.payload.Event, extra.payload.WebhookID)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestForward_RelaysBusEvents(t *testing.T) {
	srv, ch := newReceiver(t, http.StatusOK)
	m := startManager(t)
	require.NoError(t, m.Register(&Webhook{ID: "all", URL: srv.URL, Enabled: true}))

	bus := events.NewBus()
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Forward(ctx, bus)

	require.NoError(t, bus.Publish(ctx, events.NewEvent(events.EventSessionEnded, "s", "", "", nil)))

	r := waitFor(t, ch)
	assert.Equal(t, events.EventSessionEnded, r.payload.Event)
}

func TestDeliveryHistory_RecordsFailures(t *testing.T) {
	srv, ch := newReceiver(t, http.StatusInternalServerError)
	m := startManager(t)
	require.NoError(t, m.Register(&Webhook{ID: "flaky", URL: srv.URL, Enabled: true}))

	m.Emit(events.NewEvent(events.EventOperatorError, "s", "NTR", "NTR", nil))
	waitFor(t, ch)

	require.Eventually(t, func() bool {
		return len(m.GetDeliveryHistory(0)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	result := m.GetDeliveryHistory(10)[0]
	assert.False(t, result.Success)
	assert.Equal(t, http.StatusInternalServerError, result.StatusCode)
	assert.Equal(t, "HTTP 500", result.Error)
}

func TestDeliveryHistory_WrapsOldestFirst(t *testing.T) {
	m := NewManager(0)
	for i := 0; i < historySize+5; i++ {
		m.recordDelivery(&DeliveryResult{StatusCode: i})
	}

	all := m.GetDeliveryHistory(0)
	require.Len(t, all, historySize)
	assert.Equal(t, 5, all[0].StatusCode)
	assert.Equal(t, historySize+4, all[len(all)-1].StatusCode)

	last := m.GetDeliveryHistory(2)
	assert.Equal(t, historySize+3, last[0].StatusCode)
	assert.Equal(t, historySize+4, last[1].StatusCode)
}

func TestRegisterValidation(t *testing.T) {
	m := NewManager(0)
	assert.ErrorIs(t, m.Register(&Webhook{URL: "http://x"}), ErrMissingID)
	assert.ErrorIs(t, m.Register(&Webhook{ID: "a"}), ErrMissingURL)
	assert.ErrorIs(t, m.Unregister("missing"), ErrNotFound)

	require.NoError(t, m.Register(&Webhook{ID: "b", URL: "http://b"}))
	require.NoError(t, m.Register(&Webhook{ID: "a", URL: "http://a"}))
	list := m.List()
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].ID)

	require.NoError(t, m.Unregister("a"))
	assert.Len(t, m.List(), 1)
}

func TestStop_FlushesEventsPublishedBeforeBusClose(t *testing.T) {
	srv, ch := newReceiver(t, http.StatusOK)
	m := NewManager(time.Second)
	m.Start(1)
	require.NoError(t, m.Register(&Webhook{ID: "all", URL: srv.URL, Enabled: true}))

	bus := events.NewBus()
	m.Forward(context.Background(), bus)

	ctx := context.Background()
	require.NoError(t, bus.Publish(ctx, events.NewEvent(events.EventOperatorError, "s", "NTR", "NTR", map[string]any{"error": "db gone"})))
	require.NoError(t, bus.Publish(ctx, events.NewEvent(events.EventTranscriptFlushed, "s", "NTR", "NTR", nil)))
	require.NoError(t, bus.Publish(ctx, events.NewEvent(events.EventSessionEnded, "s", "", "", nil)))
	require.NoError(t, bus.Close())

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, m.Stop(stopCtx))

	require.Len(t, ch, 3)
	var got []events.EventType
	for i := 0; i < 3; i++ {
		got = append(got, (<-ch).payload.Event)
	}
	assert.Equal(t, []events.EventType{
		events.EventOperatorError, events.EventTranscriptFlushed, events.EventSessionEnded,
	}, got)
}
