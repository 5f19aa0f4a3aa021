package llm

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"node.town/huddle/transcript"
	"node.town/huddle/upstream"
)

type fakeModel struct {
	reply string
	err   error
	reqs  []*ChatCompletionRequest
}

func (f *fakeModel) ChatCompletion(ctx context.Context, req *ChatCompletionRequest) (string, error) {
	f.reqs = append(f.reqs, req)
	return f.reply, f.err
}

var segments = []transcript.Segment{
	{SpeakerLabel: "SPEAKER_00", Text: "shipped the login page", StartMs: 0, EndMs: 4200},
	{SpeakerLabel: "SPEAKER_01", Text: "blocked on review", StartMs: 65000, EndMs: 68000},
}

const speakerJSON = `{"speakers":[{"speakerLabel":"SPEAKER_00","name":null,"yesterday":"login page","today":"","blockers":[],"actionItems":[],"confidence":0.8}]}`

func TestIncrementalSummary(t *testing.T) {
	model := &fakeModel{reply: speakerJSON}
	s := NewSummarizer(model, 0, time.Second, nil)

	summary, err := s.GenerateIncrementalSummary(context.Background(), segments, "Core", []string{"Ana", "Ben"})
	require.NoError(t, err)
	require.Len(t, summary.Speakers, 1)
	assert.Equal(t, "login page", summary.Speakers[0].Yesterday)
	assert.Nil(t, summary.Speakers[0].Name)
	assert.Empty(t, summary.MeetingDate)

	require.Len(t, model.reqs, 1)
	req := model.reqs[0]
	assert.Equal(t, 4096, req.MaxTokens)
	assert.Contains(t, req.SystemPrompt, "incremental summary")
	assert.Equal(t, []string{
		"Team: Core\nParticipants: Ana, Ben\n\nTranscript so far:\n" +
			"[00:00-00:04] SPEAKER_00: shipped the login page\n" +
			"[01:05-01:08] SPEAKER_01: blocked on review\n\n" +
			"Provide the incremental summary as JSON.",
	}, req.UserMessages)
}

func TestFinalSummary(t *testing.T) {
	model := &fakeModel{reply: "```json\n" + speakerJSON + "\n```"}
	s := NewSummarizer(model, 1000, 0, nil)

	summary, err := s.GenerateFinalSummary(context.Background(), segments, "Core", []string{"Ana"}, "2025-03-04")
	require.NoError(t, err)
	assert.Equal(t, "2025-03-04", summary.MeetingDate)
	assert.Equal(t, "Core", summary.TeamName)
	assert.Len(t, summary.Speakers, 1)

	req := model.reqs[0]
	assert.Contains(t, req.SystemPrompt, "FINAL summary")
	assert.True(t, strings.HasPrefix(req.UserMessages[0], "Team: Core\nDate: 2025-03-04\nParticipants: Ana\n\nComplete meeting transcript:\n"))
	assert.True(t, strings.HasSuffix(req.UserMessages[0], "Provide the final comprehensive summary as JSON."))
}

func TestParseSummary(t *testing.T) {
	t.Run("bare fence", func(t *testing.T) {
		summary, err := ParseSummary("Here you go:\n```\n{\"speakers\":[]}\n```\nthanks")
		require.NoError(t, err)
		assert.Empty(t, summary.Speakers)
		assert.NotNil(t, summary.Speakers)
	})

	wrongShape := []struct {
		name string
		text string
	}{
		{"missing speakers", `{}`},
		{"null", `null`},
		{"unrelated object", `{"answer":"all good"}`},
		{"speakers not an array", `{"speakers":{"SPEAKER_00":"hi"}}`},
		{"speaker without label", `{"speakers":[{}]}`},
		{"empty label", `{"speakers":[{"speakerLabel":""}]}`},
		{"confidence out of range", `{"speakers":[{"speakerLabel":"SPEAKER_00","confidence":3}]}`},
	}
	for _, tt := range wrongShape {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseSummary(tt.text)
			var uerr *upstream.Error
			require.ErrorAs(t, err, &uerr)
			assert.Equal(t, upstream.KindSummarization, uerr.Kind)
			assert.Contains(t, uerr.Msg, tt.text)
		})
	}

	t.Run("minimal speaker", func(t *testing.T) {
		summary, err := ParseSummary(`{"speakers":[{"speakerLabel":"SPEAKER_01","name":"Ana"}]}`)
		require.NoError(t, err)
		require.Len(t, summary.Speakers, 1)
		assert.Equal(t, "SPEAKER_01", summary.Speakers[0].SpeakerLabel)
		assert.Equal(t, "Ana", *summary.Speakers[0].Name)
	})

	t.Run("empty", func(t *testing.T) {
		_, err := ParseSummary("  ")
		kind, _ := upstream.KindOf(err)
		assert.Equal(t, upstream.KindSummarization, kind)
	})

	t.Run("not json", func(t *testing.T) {
		text := strings.Repeat("x", 300)
		_, err := ParseSummary(text)
		var uerr *upstream.Error
		require.ErrorAs(t, err, &uerr)
		assert.Equal(t, upstream.KindSummarization, uerr.Kind)
		assert.Contains(t, uerr.Msg, strings.Repeat("x", 200))
		assert.NotContains(t, uerr.Msg, strings.Repeat("x", 201))
	})
}

func TestSummaryModelFailure(t *testing.T) {
	boom := upstream.ServiceError("summarization", 529, "overloaded")
	s := NewSummarizer(&fakeModel{err: boom}, 0, 0, nil)

	_, err := s.GenerateIncrementalSummary(context.Background(), segments, "Core", nil)
	assert.True(t, errors.Is(err, boom))
}
