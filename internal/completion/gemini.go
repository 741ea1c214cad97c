package completion

import (
	"context"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/Gigaversity/characters.ai/internal/config"
	"github.com/Gigaversity/characters.ai/pkg/telemetry"
)

// DefaultGeminiModel is used when no model is configured
const DefaultGeminiModel = "gemini-2.5-flash"

// contentGenerator is the slice of *genai.Models the client needs
type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// GeminiClient generates text with the Gemini API
type GeminiClient struct {
	models  contentGenerator
	model   string
	timeout time.Duration
}

// NewGeminiClient creates a Gemini-backed client
func NewGeminiClient(ctx context.Context, cfg config.CompletionConfig) (*GeminiClient, error) {
	genClient, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}

	model := cfg.Model
	if model == "" {
		model = DefaultGeminiModel
	}

	return &GeminiClient{
		models:  genClient.Models,
		model:   model,
		timeout: cfg.Timeout,
	}, nil
}

// Generate sends prompt as a single user content and returns the reply text
func (g *GeminiClient) Generate(ctx context.Context, prompt string, maxOutputTokens int) Result {
	ctx, span := telemetry.StartCompletionSpan(ctx, config.ProviderGemini, g.model, maxOutputTokens)
	defer span.End()

	ctx, cancel := withTimeout(ctx, g.timeout)
	defer cancel()

	res, err := g.models.GenerateContent(ctx, g.model, genai.Text(prompt), &genai.GenerateContentConfig{
		MaxOutputTokens: int32(maxOutputTokens),
	})
	if err != nil {
		telemetry.RecordError(span, err, telemetry.ErrorTypeFromError(err), telemetry.ErrorCategoryCompletion)
		telemetry.SetCompletionStatus(span, string(StatusError))
		return Failed(fmt.Errorf("gemini generate: %w", err))
	}

	result := OK(responseText(res))
	telemetry.SetCompletionStatus(span, string(result.Status))
	return result
}

// responseText joins the text parts of the first candidate that has any.
// Blocked prompts come back with no candidates or no parts.
func responseText(res *genai.GenerateContentResponse) string {
	if res == nil {
		return ""
	}
	for _, cand := range res.Candidates {
		if cand == nil || cand.Content == nil {
			continue
		}
		var sb strings.Builder
		for _, part := range cand.Content.Parts {
			if part == nil || part.Thought {
				continue
			}
			sb.WriteString(part.Text)
		}
		if text := sb.String(); strings.TrimSpace(text) != "" {
			return text
		}
	}
	return ""
}
