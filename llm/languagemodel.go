// Package llm wraps the chat language models used to summarize huddles and
// the summarization prompts themselves.
package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/sashabaranov/go-openai"

	"node.town/huddle/upstream"
)

const service = "summarization"

type LanguageModel interface {
	ChatCompletion(ctx context.Context, req *ChatCompletionRequest) (string, error)
}

type ChatCompletionRequest struct {
	SystemPrompt string
	UserMessages []string
	MaxTokens    int
	Temperature  float32
	// JSON asks the provider for a JSON object response where supported.
	JSON bool
}

func (r *ChatCompletionRequest) WithUserMessage(
	message string,
) *ChatCompletionRequest {
	r.UserMessages = append(r.UserMessages, message)
	return r
}

type OpenAILanguageModel struct {
	client *openai.Client
	model  string
}

func NewOpenAILanguageModel(apiKey, model, baseURL string) *OpenAILanguageModel {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	if model == "" {
		model = openai.GPT4o
	}
	return &OpenAILanguageModel{
		client: openai.NewClientWithConfig(config),
		model:  model,
	}
}

func (o *OpenAILanguageModel) ChatCompletion(
	ctx context.Context,
	req *ChatCompletionRequest,
) (string, error) {
	messages := []openai.ChatCompletionMessage{
		{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.SystemPrompt,
		},
	}
	for _, userMessage := range req.UserMessages {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleUser,
			Content: userMessage,
		})
	}

	request := openai.ChatCompletionRequest{
		Model:       o.model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	if req.JSON {
		request.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	resp, err := o.client.CreateChatCompletion(ctx, request)
	if err != nil {
		return "", openAIError(err)
	}
	if len(resp.Choices) == 0 {
		return "", nil
	}
	return resp.Choices[0].Message.Content, nil
}

func openAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &upstream.Error{
			Kind:    upstream.KindService,
			Service: service,
			Status:  apiErr.HTTPStatusCode,
			Msg:     apiErr.Message,
			Err:     err,
		}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &upstream.Error{
			Kind:    upstream.KindService,
			Service: service,
			Status:  reqErr.HTTPStatusCode,
			Err:     err,
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return upstream.Timeout(service, err)
	}
	return fmt.Errorf("OpenAI API error: %w", err)
}
