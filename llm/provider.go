package llm

import (
	"context"
	"fmt"
	"net/http"
)

type ProviderConfig struct {
	Provider string
	APIKey   string
	Model    string
	BaseURL  string
}

// NewLanguageModel builds the model named by cfg.Provider. Call timeouts
// are left to the Summarizer.
func NewLanguageModel(ctx context.Context, cfg ProviderConfig) (LanguageModel, error) {
	switch cfg.Provider {
	case "anthropic", "":
		return NewAnthropicLanguageModel(
			cfg.APIKey,
			cfg.Model,
			cfg.BaseURL,
			0,
			&http.Client{},
		), nil
	case "openai":
		return NewOpenAILanguageModel(cfg.APIKey, cfg.Model, cfg.BaseURL), nil
	case "gemini":
		model, err := NewGeminiLanguageModel(ctx, cfg.APIKey, cfg.Model)
		if err != nil {
			return nil, err
		}
		return model, nil
	default:
		return nil, fmt.Errorf("unknown language model provider: %s", cfg.Provider)
	}
}
