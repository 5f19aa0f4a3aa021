package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"node.town/huddle/upstream"
)

const (
	AnthropicBaseURL = "https://api.anthropic.com/v1"
	AnthropicModel   = "claude-sonnet-4-20250514"
	anthropicVersion = "2023-06-01"
)

// AnthropicLanguageModel calls the Messages API directly over HTTP.
type AnthropicLanguageModel struct {
	apiKey     string
	model      string
	baseURL    string
	timeout    time.Duration
	httpClient *http.Client
}

func NewAnthropicLanguageModel(
	apiKey, model, baseURL string,
	timeout time.Duration,
	httpClient *http.Client,
) *AnthropicLanguageModel {
	if model == "" {
		model = AnthropicModel
	}
	if baseURL == "" {
		baseURL = AnthropicBaseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &AnthropicLanguageModel{
		apiKey:     apiKey,
		model:      model,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		timeout:    timeout,
		httpClient: httpClient,
	}
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	System      string             `json:"system,omitempty"`
	Temperature *float32           `json:"temperature,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

func (a *AnthropicLanguageModel) ChatCompletion(
	ctx context.Context,
	req *ChatCompletionRequest,
) (string, error) {
	body := anthropicRequest{
		Model:     a.model,
		MaxTokens: req.MaxTokens,
		System:    req.SystemPrompt,
	}
	if req.Temperature > 0 {
		t := req.Temperature
		body.Temperature = &t
	}
	for _, m := range req.UserMessages {
		body.Messages = append(body.Messages, anthropicMessage{Role: "user", Content: m})
	}

	header := http.Header{}
	header.Set("x-api-key", a.apiKey)
	header.Set("anthropic-version", anthropicVersion)

	respBody, err := upstream.PostJSON(ctx, a.httpClient, upstream.Request{
		Service: service,
		URL:     a.baseURL + "/messages",
		Header:  header,
		Timeout: a.timeout,
	}, body)
	if err != nil {
		return "", err
	}

	var resp anthropicResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return "", upstream.ProtocolError(service, "undecodable response", err)
	}
	for _, block := range resp.Content {
		if block.Type == "text" {
			return block.Text, nil
		}
	}
	return "", nil
}
