// Package server exposes one chat session over a JSON HTTP API
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"

	"github.com/Gigaversity/characters.ai/internal/logger"
	"github.com/Gigaversity/characters.ai/internal/persona"
	"github.com/Gigaversity/characters.ai/internal/session"
	"github.com/Gigaversity/characters.ai/pkg/types"
)

const shutdownTimeout = 10 * time.Second

// Chat is the session surface served over HTTP
type Chat interface {
	ID() string
	Active() persona.Persona
	Personas() []persona.Persona
	Transcript(key string) []types.Turn
	State(key string) session.State
	Marker(key string) types.FlushMarker
	Ended() bool
	Submit(ctx context.Context, text string) (session.Round, error)
	Select(ctx context.Context, key string) ([]session.Failure, error)
	End(ctx context.Context) []session.Failure
}

// History is the read side of the conversation store
type History interface {
	RecentTurns(ctx context.Context, character string, limit int) ([]types.TurnRecord, error)
	RecentTranscripts(ctx context.Context, character string, limit int) ([]types.TranscriptRecord, error)
}

// Server wires the chat session to echo routes
type Server struct {
	echo    *echo.Echo
	chat    Chat
	history History
}

// New creates a server for chat. history may be nil, which disables the
// history routes.
func New(chat Chat, history History) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover(), middleware.CORS(), requestLogger())

	s := &Server{
		echo:    e,
		chat:    chat,
		history: history,
	}
	s.setupRoutes()
	return s
}

// Handler exposes the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Run serves on addr until ctx is cancelled, then ends the chat session and
// shuts the listener down.
func (s *Server) Run(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Infof(ctx, "Serving chat API on %s", addr)
		if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		s.chat.End(context.WithoutCancel(ctx))
		return err
	case <-ctx.Done():
	}

	endCtx := context.WithoutCancel(ctx)
	if failures := s.chat.End(endCtx); len(failures) > 0 {
		logger.Warnf(endCtx, "Session ended with %d persistence failures", len(failures))
	}

	shutdownCtx, cancel := context.WithTimeout(endCtx, shutdownTimeout)
	defer cancel()
	if err := s.echo.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down server: %w", err)
	}
	return nil
}

func (s *Server) setupRoutes() {
	api := s.echo.Group("/api")
	api.GET("/personas", s.listPersonas)

	api.GET("/session", s.getSession)
	api.PUT("/session/persona", s.selectPersona)
	api.POST("/session/messages", s.sendMessage)
	api.POST("/session/end", s.endSession)

	if s.history != nil {
		api.GET("/history/turns", s.listTurns)
		api.GET("/history/transcripts", s.listTranscripts)
	}
}

func requestLogger() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			logger.GetLogger(c.Request().Context()).WithFields(logrus.Fields{
				"method":  v.Method,
				"uri":     v.URI,
				"status":  v.Status,
				"latency": v.Latency.String(),
			}).Info("request")
			return nil
		},
	})
}

// SelectRequest is the body of PUT /api/session/persona
type SelectRequest struct {
	Key string `json:"key"`
}

// MessageRequest is the body of POST /api/session/messages
type MessageRequest struct {
	Message string `json:"message"`
}

// SessionResponse describes the session and its active transcript
type SessionResponse struct {
	ID         string            `json:"id"`
	Active     persona.Persona   `json:"active"`
	State      session.State     `json:"state"`
	Marker     types.FlushMarker `json:"marker"`
	Ended      bool              `json:"ended"`
	Transcript []types.Turn      `json:"transcript"`
	Errors     []string          `json:"errors,omitempty"`
}

// MessageResponse is the outcome of one round
type MessageResponse struct {
	Persona    string       `json:"persona"`
	Reply      string       `json:"reply"`
	Status     string       `json:"status"`
	Fallback   bool         `json:"fallback"`
	Transcript []types.Turn `json:"transcript"`
	Errors     []string     `json:"errors,omitempty"`
}

// EndResponse is the outcome of ending the session
type EndResponse struct {
	Ended  bool     `json:"ended"`
	Errors []string `json:"errors,omitempty"`
}

func (s *Server) listPersonas(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"active":   s.chat.Active().Key,
		"personas": s.chat.Personas(),
	})
}

func (s *Server) sessionResponse(failures []session.Failure) SessionResponse {
	active := s.chat.Active()
	return SessionResponse{
		ID:         s.chat.ID(),
		Active:     active,
		State:      s.chat.State(active.Key),
		Marker:     s.chat.Marker(active.Key),
		Ended:      s.chat.Ended(),
		Transcript: s.chat.Transcript(active.Key),
		Errors:     failureMessages(failures),
	}
}

func (s *Server) getSession(c echo.Context) error {
	return c.JSON(http.StatusOK, s.sessionResponse(nil))
}

func (s *Server) selectPersona(c echo.Context) error {
	req := new(SelectRequest)
	if err := c.Bind(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	failures, err := s.chat.Select(c.Request().Context(), req.Key)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, s.sessionResponse(failures))
}

func (s *Server) sendMessage(c echo.Context) error {
	req := new(MessageRequest)
	if err := c.Bind(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	round, err := s.chat.Submit(c.Request().Context(), req.Message)
	if err != nil {
		return toHTTPError(err)
	}

	return c.JSON(http.StatusOK, MessageResponse{
		Persona:    round.Character,
		Reply:      round.Reply,
		Status:     string(round.Status),
		Fallback:   round.Fallback,
		Transcript: s.chat.Transcript(round.PersonaKey),
		Errors:     failureMessages(round.Failures),
	})
}

func (s *Server) endSession(c echo.Context) error {
	// Snapshots must outlive a client that disconnects mid-request
	failures := s.chat.End(context.WithoutCancel(c.Request().Context()))
	return c.JSON(http.StatusOK, EndResponse{Ended: true, Errors: failureMessages(failures)})
}

func (s *Server) listTurns(c echo.Context) error {
	limit, err := queryLimit(c)
	if err != nil {
		return err
	}
	records, err := s.history.RecentTurns(c.Request().Context(), c.QueryParam("character"), limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if records == nil {
		records = []types.TurnRecord{}
	}
	return c.JSON(http.StatusOK, records)
}

func (s *Server) listTranscripts(c echo.Context) error {
	limit, err := queryLimit(c)
	if err != nil {
		return err
	}
	records, err := s.history.RecentTranscripts(c.Request().Context(), c.QueryParam("character"), limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if records == nil {
		records = []types.TranscriptRecord{}
	}
	return c.JSON(http.StatusOK, records)
}

func queryLimit(c echo.Context) (int, error) {
	raw := c.QueryParam("limit")
	if raw == "" {
		return 0, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "limit must be a non-negative integer")
	}
	return limit, nil
}

func failureMessages(failures []session.Failure) []string {
	if len(failures) == 0 {
		return nil
	}
	out := make([]string, 0, len(failures))
	for _, f := range failures {
		out = append(out, f.Error())
	}
	return out
}

func toHTTPError(err error) error {
	switch {
	case errors.Is(err, session.ErrEmptyInput):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, session.ErrUnknownPersona):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, session.ErrSessionEnded):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
