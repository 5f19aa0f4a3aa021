package llm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLanguageModel(t *testing.T) {
	ctx := context.Background()

	model, err := NewLanguageModel(ctx, ProviderConfig{APIKey: "k"})
	require.NoError(t, err)
	assert.IsType(t, &AnthropicLanguageModel{}, model)

	model, err = NewLanguageModel(ctx, ProviderConfig{Provider: "openai", APIKey: "k"})
	require.NoError(t, err)
	assert.IsType(t, &OpenAILanguageModel{}, model)

	_, err = NewLanguageModel(ctx, ProviderConfig{Provider: "llama"})
	assert.EqualError(t, err, "unknown language model provider: llama")
}
