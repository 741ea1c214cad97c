package completion

import (
	"context"
	"fmt"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/Gigaversity/characters.ai/internal/config"
	"github.com/Gigaversity/characters.ai/pkg/telemetry"
)

// DefaultOpenAIModel is used when no model is configured
const DefaultOpenAIModel = openai.GPT4oMini

// OpenAIClient generates text with an OpenAI-compatible chat completions API
type OpenAIClient struct {
	client  *openai.Client
	model   string
	timeout time.Duration
}

// NewOpenAIClient creates an OpenAI-backed client. BaseURL selects a
// compatible endpoint other than api.openai.com.
func NewOpenAIClient(cfg config.CompletionConfig) *OpenAIClient {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	model := cfg.Model
	if model == "" {
		model = DefaultOpenAIModel
	}

	return &OpenAIClient{
		client:  openai.NewClientWithConfig(clientCfg),
		model:   model,
		timeout: cfg.Timeout,
	}
}

// Generate sends prompt as one user message and returns the first choice
func (o *OpenAIClient) Generate(ctx context.Context, prompt string, maxOutputTokens int) Result {
	ctx, span := telemetry.StartCompletionSpan(ctx, config.ProviderOpenAI, o.model, maxOutputTokens)
	defer span.End()

	ctx, cancel := withTimeout(ctx, o.timeout)
	defer cancel()

	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		MaxTokens: maxOutputTokens,
	})
	if err != nil {
		telemetry.RecordError(span, err, telemetry.ErrorTypeFromError(err), telemetry.ErrorCategoryCompletion)
		telemetry.SetCompletionStatus(span, string(StatusError))
		return Failed(fmt.Errorf("openai chat completion: %w", err))
	}

	if len(resp.Choices) == 0 {
		telemetry.SetCompletionStatus(span, string(StatusEmpty))
		return Empty()
	}

	result := OK(resp.Choices[0].Message.Content)
	telemetry.SetCompletionStatus(span, string(result.Status))
	return result
}
