package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"node.town/huddle/upstream"
)

const GeminiModel = "gemini-1.5-pro"

type GeminiLanguageModel struct {
	client *genai.Client
	model  string
}

func NewGeminiLanguageModel(
	ctx context.Context,
	apiKey, model string,
) (*GeminiLanguageModel, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("error creating gemini client: %w", err)
	}
	if model == "" {
		model = GeminiModel
	}
	return &GeminiLanguageModel{client: client, model: model}, nil
}

func (g *GeminiLanguageModel) Close() error {
	return g.client.Close()
}

func (g *GeminiLanguageModel) ChatCompletion(
	ctx context.Context,
	req *ChatCompletionRequest,
) (string, error) {
	model := g.client.GenerativeModel(g.model)
	if req.MaxTokens > 0 {
		model.GenerationConfig.SetMaxOutputTokens(int32(req.MaxTokens))
	}
	model.GenerationConfig.SetTemperature(req.Temperature)
	if req.JSON {
		model.GenerationConfig.ResponseMIMEType = "application/json"
	}
	model.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(req.SystemPrompt)},
	}

	parts := make([]genai.Part, 0, len(req.UserMessages))
	for _, m := range req.UserMessages {
		parts = append(parts, genai.Text(m))
	}

	resp, err := model.GenerateContent(ctx, parts...)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", upstream.Timeout(service, err)
		}
		return "", &upstream.Error{
			Kind:    upstream.KindService,
			Service: service,
			Msg:     "gemini request failed",
			Err:     err,
		}
	}
	return getResponseText(resp), nil
}

func getResponseText(resp *genai.GenerateContentResponse) string {
	var text strings.Builder
	for _, candidate := range resp.Candidates {
		if candidate.Content != nil {
			for _, part := range candidate.Content.Parts {
				if t, ok := part.(genai.Text); ok {
					text.WriteString(string(t))
				}
			}
		}
	}
	return text.String()
}
