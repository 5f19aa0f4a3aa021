// Package diarize talks to the speaker diarization service: it labels who
// spoke when in an audio chunk and enrolls voice samples for known users.
package diarize

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"node.town/huddle/upstream"
)

const (
	DefaultURL       = "http://localhost:8000/diarize"
	DefaultThreshold = 0.65
	DefaultTimeout   = 30 * time.Second

	service = "diarization"
)

// Segment offsets are milliseconds relative to the start of the chunk.
type Segment struct {
	SpeakerLabel string  `json:"speakerLabel"`
	StartMs      int64   `json:"startMs"`
	EndMs        int64   `json:"endMs"`
	Confidence   float64 `json:"confidence"`
}

type Result struct {
	Segments []Segment `json:"segments"`
}

type Config struct {
	URL       string
	EnrollURL string
	Threshold float64
	Timeout   time.Duration
}

type Client struct {
	url        string
	enrollURL  string
	threshold  float64
	timeout    time.Duration
	httpClient *http.Client
	logger     *log.Logger
}

func NewClient(cfg Config, httpClient *http.Client, logger *log.Logger) *Client {
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	if cfg.EnrollURL == "" {
		cfg.EnrollURL = EnrollURL(cfg.URL)
	}
	if cfg.Threshold == 0 {
		cfg.Threshold = DefaultThreshold
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
	return &Client{
		url:        cfg.URL,
		enrollURL:  cfg.EnrollURL,
		threshold:  cfg.Threshold,
		timeout:    cfg.Timeout,
		httpClient: httpClient,
		logger:     logger,
	}
}

// EnrollURL derives the enrollment endpoint from the diarization endpoint.
func EnrollURL(diarizeURL string) string {
	trimmed := strings.TrimSuffix(diarizeURL, "/")
	if strings.HasSuffix(trimmed, "/diarize") {
		return strings.TrimSuffix(trimmed, "/diarize") + "/enroll"
	}
	return trimmed + "/enroll"
}

type segmentsResponse struct {
	Segments *[]struct {
		SpeakerLabel string  `json:"speaker_label"`
		StartMs      float64 `json:"start_ms"`
		EndMs        float64 `json:"end_ms"`
		Confidence   float64 `json:"confidence"`
	} `json:"segments"`
}

// ProcessChunk labels the speakers in one chunk of a session's audio.
func (c *Client) ProcessChunk(
	ctx context.Context,
	audio []byte,
	sessionID string,
	mimeType string,
) (*Result, error) {
	if len(audio) == 0 {
		return nil, upstream.InvalidInput(service, "audio is empty")
	}
	if sessionID == "" {
		return nil, upstream.InvalidInput(service, "session id is empty")
	}

	body, err := upstream.PostMultipart(ctx, c.httpClient, upstream.Request{
		Service: service,
		URL:     c.url,
		Timeout: c.timeout,
	},
		upstream.File("audio", upstream.AudioFileName("chunk", mimeType), audio),
		upstream.Field("session_id", sessionID),
		upstream.Field("threshold", strconv.FormatFloat(c.threshold, 'f', -1, 64)),
	)
	if err != nil {
		return nil, err
	}

	var resp segmentsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, upstream.ProtocolError(service, "undecodable response", err)
	}
	if resp.Segments == nil {
		return nil, upstream.ProtocolError(service, "response has no segments array", nil)
	}

	result := &Result{Segments: make([]Segment, 0, len(*resp.Segments))}
	for _, s := range *resp.Segments {
		result.Segments = append(result.Segments, Segment{
			SpeakerLabel: s.SpeakerLabel,
			StartMs:      int64(math.Floor(s.StartMs)),
			EndMs:        int64(math.Floor(s.EndMs)),
			Confidence:   s.Confidence,
		})
	}

	c.logger.Debug("diarized", "session", sessionID, "segments", len(result.Segments))
	return result, nil
}

// EnrollSpeaker uploads a voice sample so later chunks can be matched to
// userID. Failures are reported, never retried.
func (c *Client) EnrollSpeaker(ctx context.Context, userID string, audio []byte) error {
	if userID == "" {
		return upstream.InvalidInput(service, "user id is empty")
	}
	if len(audio) == 0 {
		return upstream.InvalidInput(service, "audio is empty")
	}

	_, err := upstream.PostMultipart(ctx, c.httpClient, upstream.Request{
		Service: service,
		URL:     c.enrollURL,
		Timeout: c.timeout,
	},
		upstream.File("audio", "enrollment.wav", audio),
		upstream.Field("user_id", userID),
	)
	if err != nil {
		c.logger.Error("enrollment failed", "user", userID, "error", err)
		return err
	}

	c.logger.Info("enrolled voice", "user", userID)
	return nil
}
