// Package llm provides the model clients the pipeline calls.
package llm

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/malbeclabs/sqlagent/pkg/agent/pipeline"
	"github.com/malbeclabs/sqlagent/pkg/config"
)

// ErrEmptyResponse is returned when the model replies without any text.
var ErrEmptyResponse = errors.New("no text content in response")

var (
	_ pipeline.LLMClient = (*AnthropicClient)(nil)
	_ pipeline.LLMClient = (*OpenAIClient)(nil)
)

// New returns the client for the configured provider. It fails when the
// provider has no credential so misconfiguration surfaces at startup.
func New(log *slog.Logger, cfg config.LLMConfig) (pipeline.LLMClient, error) {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w for provider %s", config.ErrMissingAPIKey, cfg.Provider)
	}

	switch cfg.Provider {
	case config.ProviderAnthropic:
		return NewAnthropicClient(log, cfg.APIKey, cfg.BaseURL, cfg.Model, int64(cfg.MaxTokens)), nil
	case config.ProviderOpenAI, "":
		return NewOpenAIClient(log, cfg.APIKey, cfg.BaseURL, cfg.Model, cfg.MaxTokens)
	default:
		return nil, fmt.Errorf("unsupported LLM provider: %q", cfg.Provider)
	}
}
