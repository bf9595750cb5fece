package llm

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
)

// OpenAIClient implements pipeline.LLMClient against any OpenAI-compatible
// chat completions endpoint, OpenRouter included.
type OpenAIClient struct {
	log       *slog.Logger
	client    *openai.LLM
	model     string
	maxTokens int
}

// NewOpenAIClient creates a client for the chat completions API at baseURL.
func NewOpenAIClient(log *slog.Logger, apiKey, baseURL, model string, maxTokens int) (*OpenAIClient, error) {
	opts := []openai.Option{
		openai.WithToken(apiKey),
		openai.WithModel(model),
	}
	if baseURL != "" {
		opts = append(opts, openai.WithBaseURL(baseURL))
	}

	client, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create openai client: %w", err)
	}

	return &OpenAIClient{
		log:       log,
		client:    client,
		model:     model,
		maxTokens: maxTokens,
	}, nil
}

// Complete sends a system and user message and returns the first choice.
func (c *OpenAIClient) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	start := time.Now()
	c.log.Debug("llm: openai call starting", "model", c.model, "maxTokens", c.maxTokens, "userPromptLen", len(userPrompt))

	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, systemPrompt),
		llms.TextParts(llms.ChatMessageTypeHuman, userPrompt),
	}

	resp, err := c.client.GenerateContent(ctx, messages, llms.WithMaxTokens(c.maxTokens))
	duration := time.Since(start)
	if err != nil {
		c.log.Error("llm: openai call failed", "duration", duration, "error", err)
		return "", fmt.Errorf("openai API error: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyResponse
	}

	choice := resp.Choices[0]
	c.log.Debug("llm: openai call completed", "duration", duration, "stopReason", choice.StopReason)
	return choice.Content, nil
}
