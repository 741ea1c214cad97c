package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Gigaversity/characters.ai/internal/completion"
	"github.com/Gigaversity/characters.ai/internal/persona"
	"github.com/Gigaversity/characters.ai/internal/session"
	"github.com/Gigaversity/characters.ai/pkg/types"
)

type scriptedClient struct {
	results []completion.Result
}

func (c *scriptedClient) Generate(context.Context, string, int) completion.Result {
	if len(c.results) == 0 {
		return completion.OK("Stay hungry.")
	}
	r := c.results[0]
	c.results = c.results[1:]
	return r
}

type memoryStore struct {
	turns       []types.TurnRecord
	transcripts []types.TranscriptRecord
	turnErr     error
}

func (m *memoryStore) RecordTurn(_ context.Context, character, user, bot string) error {
	if m.turnErr != nil {
		return m.turnErr
	}
	m.turns = append(m.turns, types.TurnRecord{
		ID: int64(len(m.turns) + 1), Character: character, UserMessage: user, BotReply: bot, Timestamp: time.Now(),
	})
	return nil
}

func (m *memoryStore) RecordTranscript(ctx context.Context, character string, turns []types.Turn) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.transcripts = append(m.transcripts, types.TranscriptRecord{
		ID: int64(len(m.transcripts) + 1), Character: character, Conversation: turns, Timestamp: time.Now(),
	})
	return nil
}

func (m *memoryStore) RecentTurns(_ context.Context, character string, limit int) ([]types.TurnRecord, error) {
	var out []types.TurnRecord
	for i := len(m.turns) - 1; i >= 0; i-- {
		if character == "" || m.turns[i].Character == character {
			out = append(out, m.turns[i])
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memoryStore) RecentTranscripts(_ context.Context, character string, _ int) ([]types.TranscriptRecord, error) {
	var out []types.TranscriptRecord
	for _, rec := range m.transcripts {
		if character == "" || rec.Character == character {
			out = append(out, rec)
		}
	}
	return out, nil
}

func newTestServer(t *testing.T, results ...completion.Result) (*Server, *session.Session, *memoryStore) {
	t.Helper()
	reg, err := persona.Default()
	require.NoError(t, err)
	store := &memoryStore{}
	sess := session.New(reg, &scriptedClient{results: results}, store, nil, session.Options{})
	return New(sess, store), sess, store
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestListPersonas_HidesPrompts(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec := do(t, s, http.MethodGet, "/api/personas", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "You are now embodying")

	body := decode[struct {
		Active   string            `json:"active"`
		Personas []persona.Persona `json:"personas"`
	}](t, rec)
	assert.Equal(t, "NTR", body.Active)
	assert.Len(t, body.Personas, 3)
}

func TestSendMessage_Round(t *testing.T) {
	s, _, store := newTestServer(t, completion.OK("Hi there"))

	rec := do(t, s, http.MethodPost, "/api/session/messages", `{"message":"Hello"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decode[MessageResponse](t, rec)
	assert.Equal(t, "Hi there", resp.Reply)
	assert.Equal(t, "ok", resp.Status)
	assert.False(t, resp.Fallback)
	assert.Empty(t, resp.Errors)
	assert.Equal(t, []types.Turn{types.UserTurn("Hello"), types.AssistantTurn("Hi there")}, resp.Transcript)
	require.Len(t, store.turns, 1)
	assert.Equal(t, "NTR", store.turns[0].Character)
}

func TestSendMessage_FailuresReturnedInBody(t *testing.T) {
	s, _, store := newTestServer(t, completion.Failed(errors.New("quota exceeded")))
	store.turnErr = errors.New("db gone")

	rec := do(t, s, http.MethodPost, "/api/session/messages", `{"message":"Hello"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decode[MessageResponse](t, rec)
	assert.True(t, resp.Fallback)
	assert.Equal(t, session.FallbackReply, resp.Reply)
	require.Len(t, resp.Errors, 2)
	assert.Contains(t, resp.Errors[0], "quota exceeded")
	assert.Contains(t, resp.Errors[1], "db gone")
}

func TestSendMessage_EmptyInput(t *testing.T) {
	s, _, _ := newTestServer(t)
	rec := do(t, s, http.MethodPost, "/api/session/messages", `{"message":"   "}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSelectPersona_FlushesPrevious(t *testing.T) {
	s, _, store := newTestServer(t)

	do(t, s, http.MethodPost, "/api/session/messages", `{"message":"Hello"}`)
	rec := do(t, s, http.MethodPut, "/api/session/persona", `{"key":"Steve Jobs"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decode[SessionResponse](t, rec)
	assert.Equal(t, "Steve Jobs", resp.Active.Key)
	assert.Equal(t, session.StateEmpty, resp.State)
	require.Len(t, store.transcripts, 1)
	assert.Equal(t, "NTR", store.transcripts[0].Character)

	rec = do(t, s, http.MethodPut, "/api/session/persona", `{"key":"Ada"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEndSession_ThenRejectsMessages(t *testing.T) {
	s, sess, store := newTestServer(t)

	do(t, s, http.MethodPost, "/api/session/messages", `{"message":"Hello"}`)
	rec := do(t, s, http.MethodPost, "/api/session/end", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[EndResponse](t, rec).Ended)
	assert.True(t, sess.Ended())
	assert.Len(t, store.transcripts, 1)

	rec = do(t, s, http.MethodPost, "/api/session/messages", `{"message":"again"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, s, http.MethodGet, "/api/session", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[SessionResponse](t, rec).Ended)
}

func TestEndSession_SurvivesClientDisconnect(t *testing.T) {
	s, sess, store := newTestServer(t)
	do(t, s, http.MethodPost, "/api/session/messages", `{"message":"Hello"}`)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, "/api/session/end", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[EndResponse](t, rec).Errors)
	assert.True(t, sess.Ended())
	require.Len(t, store.transcripts, 1)
	assert.Len(t, store.transcripts[0].Conversation, 2)
}

func TestHistoryRoutes(t *testing.T) {
	s, _, _ := newTestServer(t)
	do(t, s, http.MethodPost, "/api/session/messages", `{"message":"one"}`)
	do(t, s, http.MethodPost, "/api/session/messages", `{"message":"two"}`)
	do(t, s, http.MethodPut, "/api/session/persona", `{"key":"Steve Jobs"}`)

	rec := do(t, s, http.MethodGet, "/api/history/turns?character=NTR&limit=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	turns := decode[[]types.TurnRecord](t, rec)
	require.Len(t, turns, 1)
	assert.Equal(t, "two", turns[0].UserMessage)

	rec = do(t, s, http.MethodGet, "/api/history/transcripts", "")
	require.Equal(t, http.StatusOK, rec.Code)
	transcripts := decode[[]types.TranscriptRecord](t, rec)
	require.Len(t, transcripts, 1)
	assert.Len(t, transcripts[0].Conversation, 4)

	rec = do(t, s, http.MethodGet, "/api/history/turns?character=Steve%20Jobs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]\n", rec.Body.String())

	rec = do(t, s, http.MethodGet, "/api/history/turns?limit=abc", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRun_EndsSessionOnCancel(t *testing.T) {
	s, sess, store := newTestServer(t)
	_, err := sess.Submit(context.Background(), "Hello")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, "127.0.0.1:0") }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
	assert.True(t, sess.Ended())
	assert.Len(t, store.transcripts, 1)
}
