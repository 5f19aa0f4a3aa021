package pipeline

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"node.town/huddle/diarize"
	"node.town/huddle/llm"
	"node.town/huddle/stt"
	"node.town/huddle/transcript"
	"node.town/huddle/upstream"
)

type fakeTranscriber struct {
	result *stt.Result
	err    error
	wait   <-chan struct{}
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, audio []byte, language, mimeType string) (*stt.Result, error) {
	if f.wait != nil {
		<-f.wait
	}
	return f.result, f.err
}

type fakeDiarizer struct {
	result  *diarize.Result
	err     error
	started chan<- struct{}
}

func (f *fakeDiarizer) ProcessChunk(ctx context.Context, audio []byte, sessionID, mimeType string) (*diarize.Result, error) {
	if f.started != nil {
		close(f.started)
	}
	return f.result, f.err
}

type fakeSummarizer struct {
	mu          sync.Mutex
	incremental int
	final       int
	date        string
}

func (f *fakeSummarizer) GenerateIncrementalSummary(ctx context.Context, segments []transcript.Segment, teamName string, participants []string) (*llm.HuddleSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.incremental++
	return &llm.HuddleSummary{Speakers: []llm.SpeakerUpdate{}}, nil
}

func (f *fakeSummarizer) GenerateFinalSummary(ctx context.Context, segments []transcript.Segment, teamName string, participants []string, date string) (*llm.HuddleSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.final++
	f.date = date
	return &llm.HuddleSummary{Speakers: []llm.SpeakerUpdate{}, MeetingDate: date, TeamName: teamName}, nil
}

var hiThere = &stt.Result{
	Text: "hi there",
	Words: []stt.Word{
		{Word: "hi", Start: 0, End: 0.4},
		{Word: "there", Start: 0.4, End: 0.9},
	},
}

func TestProcessAudioChunk(t *testing.T) {
	dr := &diarize.Result{Segments: []diarize.Segment{
		{SpeakerLabel: "SPEAKER_00", StartMs: 0, EndMs: 1000, Confidence: 0.9},
	}}
	o := NewOrchestrator(&fakeTranscriber{result: hiThere}, &fakeDiarizer{result: dr}, &fakeSummarizer{}, nil)

	chunk, err := o.ProcessAudioChunk(context.Background(), []byte{1}, "s1", "")
	require.NoError(t, err)
	assert.Equal(t, []transcript.Segment{
		{SpeakerLabel: "SPEAKER_00", Text: "hi there", StartMs: 0, EndMs: 900},
	}, chunk.Segments)
	assert.Same(t, hiThere, chunk.RawTranscription)
	assert.Same(t, dr, chunk.RawDiarization)
}

func TestProcessAudioChunkRunsConcurrently(t *testing.T) {
	started := make(chan struct{})
	o := NewOrchestrator(
		&fakeTranscriber{result: hiThere, wait: started},
		&fakeDiarizer{result: &diarize.Result{}, started: started},
		&fakeSummarizer{},
		nil,
	)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := o.ProcessAudioChunk(context.Background(), []byte{1}, "s1", "")
		assert.NoError(t, err)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("transcription never saw diarization start")
	}
}

func TestProcessAudioChunkDiarizationFailure(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"service error", upstream.ServiceError("diarization", 500, "")},
		{"timeout", upstream.Timeout("diarization", context.DeadlineExceeded)},
		{"protocol error", upstream.ProtocolError("diarization", "no segments", nil)},
		{"other", errors.New("connection refused")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := NewOrchestrator(&fakeTranscriber{result: hiThere}, &fakeDiarizer{err: tt.err}, &fakeSummarizer{}, nil)

			chunk, err := o.ProcessAudioChunk(context.Background(), []byte{1}, "s1", "")
			require.NoError(t, err)
			assert.Empty(t, chunk.RawDiarization.Segments)
			assert.Equal(t, []transcript.Segment{
				{SpeakerLabel: transcript.UnknownSpeaker, Text: "hi there", StartMs: 0, EndMs: 900},
			}, chunk.Segments)
		})
	}
}

func TestProcessAudioChunkDiarizationTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(time.Second):
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	diarizer := diarize.NewClient(diarize.Config{URL: srv.URL, Timeout: 30 * time.Millisecond}, srv.Client(), nil)
	o := NewOrchestrator(&fakeTranscriber{result: hiThere}, diarizer, &fakeSummarizer{}, nil)

	chunk, err := o.ProcessAudioChunk(context.Background(), []byte{1}, "s1", "audio/webm")
	require.NoError(t, err)
	require.Len(t, chunk.Segments, 1)
	assert.Equal(t, transcript.UnknownSpeaker, chunk.Segments[0].SpeakerLabel)
}

func TestProcessAudioChunkTranscriptionFailure(t *testing.T) {
	boom := upstream.ServiceError("transcription", 500, "boom")
	o := NewOrchestrator(&fakeTranscriber{err: boom}, &fakeDiarizer{result: &diarize.Result{}}, &fakeSummarizer{}, nil)

	_, err := o.ProcessAudioChunk(context.Background(), []byte{1}, "s1", "")
	assert.Same(t, boom, err)
}

func TestGenerateSummary(t *testing.T) {
	s := &fakeSummarizer{}
	clock := func() time.Time { return time.Date(2025, 6, 1, 23, 30, 0, 0, time.FixedZone("PDT", -7*60*60)) }
	o := NewOrchestrator(&fakeTranscriber{}, &fakeDiarizer{}, s, nil, WithClock(clock))

	_, err := o.GenerateSummary(context.Background(), "s1", nil, true, "Core", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, s.incremental)
	assert.Equal(t, 0, s.final)

	summary, err := o.GenerateSummary(context.Background(), "s1", nil, false, "Core", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, s.final)
	assert.Equal(t, "2025-06-02", s.date)
	assert.Equal(t, "2025-06-02", summary.MeetingDate)
}
