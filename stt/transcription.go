// Package stt turns recorded audio chunks into word-timestamped text using
// the Whisper transcription API.
package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"node.town/huddle/upstream"
)

const (
	DefaultBaseURL = "https://api.openai.com/v1"
	DefaultModel   = "whisper-1"
	DefaultTimeout = 60 * time.Second

	service = "transcription"
)

// Word offsets are seconds relative to the start of the chunk.
type Word struct {
	Word  string  `json:"word"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

type Result struct {
	Text  string `json:"text"`
	Words []Word `json:"words"`
}

type Config struct {
	APIKey  string
	Model   string
	BaseURL string
	Timeout time.Duration
}

type WhisperClient struct {
	apiKey     string
	model      string
	baseURL    string
	timeout    time.Duration
	httpClient *http.Client
	logger     *log.Logger
}

func NewWhisperClient(
	cfg Config,
	httpClient *http.Client,
	logger *log.Logger,
) *WhisperClient {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if logger == nil {
		logger = log.Default()
	}
	return &WhisperClient{
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		timeout:    cfg.Timeout,
		httpClient: httpClient,
		logger:     logger,
	}
}

// Transcribe sends one audio chunk for transcription. language is an
// optional ISO hint; mimeType picks the uploaded file's extension.
func (c *WhisperClient) Transcribe(
	ctx context.Context,
	audio []byte,
	language string,
	mimeType string,
) (*Result, error) {
	if len(audio) == 0 {
		return nil, upstream.InvalidInput(service, "audio is empty")
	}

	parts := []upstream.Part{
		upstream.File("file", upstream.AudioFileName("audio", mimeType), audio),
		upstream.Field("model", c.model),
		upstream.Field("response_format", "verbose_json"),
		upstream.Field("timestamp_granularities[]", "word"),
	}
	if language != "" {
		parts = append(parts, upstream.Field("language", language))
	}

	header := http.Header{}
	header.Set("Authorization", fmt.Sprintf("Bearer %s", c.apiKey))

	start := time.Now()
	body, err := upstream.PostMultipart(ctx, c.httpClient, upstream.Request{
		Service: service,
		URL:     c.baseURL + "/audio/transcriptions",
		Header:  header,
		Timeout: c.timeout,
	}, parts...)
	if err != nil {
		c.logger.Error("transcription failed", "error", err)
		return nil, err
	}

	result, err := normalize(body)
	if err != nil {
		return nil, err
	}

	c.logger.Debug(
		"transcribed",
		"bytes", len(audio),
		"words", len(result.Words),
		"took", time.Since(start),
	)
	return result, nil
}

type verboseResponse struct {
	Text     json.RawMessage `json:"text"`
	Words    []Word          `json:"words"`
	Segments []struct {
		Words []Word `json:"words"`
	} `json:"segments"`
}

// normalize accepts both response shapes: a flat word list, or words nested
// under segments.
func normalize(body []byte) (*Result, error) {
	var resp verboseResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, upstream.ProtocolError(service, "undecodable response", err)
	}

	var text string
	if len(resp.Text) == 0 || string(resp.Text) == "null" ||
		json.Unmarshal(resp.Text, &text) != nil {
		return nil, upstream.ProtocolError(service, "response has no text field", nil)
	}

	words := resp.Words
	if len(words) == 0 {
		for _, seg := range resp.Segments {
			words = append(words, seg.Words...)
		}
	}
	if words == nil {
		words = []Word{}
	}
	sort.SliceStable(words, func(i, j int) bool {
		return words[i].Start < words[j].Start
	})

	return &Result{Text: text, Words: words}, nil
}
