// Package completion wraps hosted text-generation services behind a single call
package completion

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Gigaversity/characters.ai/internal/config"
)

// Status tags the outcome of a generation call
type Status string

const (
	StatusOK    Status = "ok"
	StatusEmpty Status = "empty"
	StatusError Status = "error"
)

// ErrEmptyResponse describes a call that succeeded without usable text
var ErrEmptyResponse = errors.New("completion returned no usable text")

// Result is the tagged outcome of Generate
type Result struct {
	Status Status
	Text   string
	Err    error
}

// OK builds a successful result; blank text is reported as empty
func OK(text string) Result {
	if strings.TrimSpace(text) == "" {
		return Empty()
	}
	return Result{Status: StatusOK, Text: text}
}

// Empty builds a result for a response without usable text
func Empty() Result {
	return Result{Status: StatusEmpty, Err: ErrEmptyResponse}
}

// Failed builds a result for a call that did not complete
func Failed(err error) Result {
	return Result{Status: StatusError, Err: err}
}

// Ok reports whether the result carries usable text
func (r Result) Ok() bool {
	return r.Status == StatusOK
}

// Client generates text for a fully assembled prompt
type Client interface {
	Generate(ctx context.Context, prompt string, maxOutputTokens int) Result
}

// New creates the client for the configured provider
func New(ctx context.Context, cfg config.CompletionConfig) (Client, error) {
	switch cfg.Provider {
	case config.ProviderGemini, "":
		return NewGeminiClient(ctx, cfg)
	case config.ProviderOpenAI:
		return NewOpenAIClient(cfg), nil
	default:
		return nil, fmt.Errorf("unknown completion provider: %s", cfg.Provider)
	}
}

// withTimeout bounds a single call when a timeout is configured
func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}
