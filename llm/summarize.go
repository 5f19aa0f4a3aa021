package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"node.town/huddle/transcript"
	"node.town/huddle/upstream"
)

// SpeakerUpdate is one participant's standup update.
type SpeakerUpdate struct {
	SpeakerLabel string   `json:"speakerLabel"`
	Name         *string  `json:"name"`
	Yesterday    string   `json:"yesterday"`
	Today        string   `json:"today"`
	Blockers     []string `json:"blockers"`
	ActionItems  []string `json:"actionItems"`
	Confidence   float64  `json:"confidence"`
}

type HuddleSummary struct {
	Speakers    []SpeakerUpdate `json:"speakers"`
	MeetingDate string          `json:"meetingDate,omitempty"`
	TeamName    string          `json:"teamName,omitempty"`
	DurationMs  int64           `json:"durationMs,omitempty"`
}

const summarySchema = `{
  "speakers": [
    {
      "speakerLabel": "string (the speaker identifier)",
      "name": "string or null (matched name if known)",
      "yesterday": "string (%s)",
      "today": "string (%s)",
      "blockers": ["array of blocker strings"],
      "actionItems": ["array of action item strings"],
      "confidence": "number 0-1 (confidence in speaker attribution)"
    }
  ]
}`

var incrementalSystemPrompt = `You are HuddleSync, an AI assistant that analyzes team standup/huddle meeting transcripts. Extract each speaker's update and organize it into structured summaries.

You must respond with valid JSON matching this schema:
` + fmt.Sprintf(summarySchema,
	"what they did yesterday/previously",
	"what they plan to do today",
) + `

If a speaker hasn't mentioned a category (yesterday, today, blockers), use an empty string or empty array. This is an incremental summary; the meeting may still be in progress.`

var finalSystemPrompt = `You are HuddleSync, an AI assistant that analyzes team standup/huddle meeting transcripts. This is the FINAL summary for a completed meeting. Extract each speaker's complete update and organize it into structured summaries.

You must respond with valid JSON matching this schema:
` + fmt.Sprintf(summarySchema,
	"comprehensive summary of what they did yesterday/previously",
	"comprehensive summary of what they plan to do today",
) + `

Be thorough, this is the final record. Flag any segments where speaker attribution is uncertain with a lower confidence score. If speakers reference each other, note cross-references in action items.`

var fencePattern = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")

type Summarizer struct {
	model     LanguageModel
	maxTokens int
	timeout   time.Duration
	logger    *log.Logger
}

// NewSummarizer bounds every model call by timeout when it is positive.
func NewSummarizer(
	model LanguageModel,
	maxTokens int,
	timeout time.Duration,
	logger *log.Logger,
) *Summarizer {
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Summarizer{
		model:     model,
		maxTokens: maxTokens,
		timeout:   timeout,
		logger:    logger,
	}
}

// GenerateIncrementalSummary summarizes a meeting that may still be running.
func (s *Summarizer) GenerateIncrementalSummary(
	ctx context.Context,
	segments []transcript.Segment,
	teamName string,
	participants []string,
) (*HuddleSummary, error) {
	msg := fmt.Sprintf(
		"Team: %s\nParticipants: %s\n\nTranscript so far:\n%s\n\nProvide the incremental summary as JSON.",
		teamName,
		strings.Join(participants, ", "),
		transcript.Render(segments),
	)
	return s.complete(ctx, incrementalSystemPrompt, msg)
}

// GenerateFinalSummary summarizes a completed meeting held on date
// (YYYY-MM-DD) and stamps the result with the date and team.
func (s *Summarizer) GenerateFinalSummary(
	ctx context.Context,
	segments []transcript.Segment,
	teamName string,
	participants []string,
	date string,
) (*HuddleSummary, error) {
	msg := fmt.Sprintf(
		"Team: %s\nDate: %s\nParticipants: %s\n\nComplete meeting transcript:\n%s\n\nProvide the final comprehensive summary as JSON.",
		teamName,
		date,
		strings.Join(participants, ", "),
		transcript.Render(segments),
	)
	summary, err := s.complete(ctx, finalSystemPrompt, msg)
	if err != nil {
		return nil, err
	}
	summary.MeetingDate = date
	summary.TeamName = teamName
	return summary, nil
}

func (s *Summarizer) complete(
	ctx context.Context,
	systemPrompt, userMessage string,
) (*HuddleSummary, error) {
	req := (&ChatCompletionRequest{
		SystemPrompt: systemPrompt,
		MaxTokens:    s.maxTokens,
		JSON:         true,
	}).WithUserMessage(userMessage)

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	start := time.Now()
	text, err := s.model.ChatCompletion(ctx, req)
	if err != nil {
		return nil, err
	}

	summary, err := ParseSummary(text)
	if err != nil {
		s.logger.Error("unusable summary", "error", err)
		return nil, err
	}

	s.logger.Info("summarized", "speakers", len(summary.Speakers), "took", time.Since(start))
	return summary, nil
}

// ParseSummary decodes a model response, tolerating a surrounding markdown
// code fence. The response must be an object with a speakers array whose
// entries each carry a speakerLabel.
func ParseSummary(text string) (*HuddleSummary, error) {
	if strings.TrimSpace(text) == "" {
		return nil, upstream.SummarizationError("no text response from model", nil)
	}

	jsonText := strings.TrimSpace(text)
	if m := fencePattern.FindStringSubmatch(jsonText); m != nil {
		jsonText = strings.TrimSpace(m[1])
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(jsonText))
	if err != nil {
		return nil, upstream.SummarizationError(
			"failed to parse model response as JSON: "+excerpt(text, 200),
			err,
		)
	}
	if err := summaryShape.Validate(doc); err != nil {
		return nil, upstream.SummarizationError(
			"model response is not a huddle summary: "+excerpt(text, 200),
			err,
		)
	}

	var summary HuddleSummary
	if err := json.Unmarshal([]byte(jsonText), &summary); err != nil {
		return nil, upstream.SummarizationError(
			"failed to parse model response as JSON: "+excerpt(text, 200),
			err,
		)
	}
	return &summary, nil
}

func excerpt(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
