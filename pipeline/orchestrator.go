package pipeline

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"node.town/huddle/diarize"
	"node.town/huddle/etc"
	"node.town/huddle/llm"
	"node.town/huddle/stt"
	"node.town/huddle/transcript"
)

type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, language, mimeType string) (*stt.Result, error)
}

type Diarizer interface {
	ProcessChunk(ctx context.Context, audio []byte, sessionID, mimeType string) (*diarize.Result, error)
}

type Summarizer interface {
	GenerateIncrementalSummary(
		ctx context.Context,
		segments []transcript.Segment,
		teamName string,
		participants []string,
	) (*llm.HuddleSummary, error)
	GenerateFinalSummary(
		ctx context.Context,
		segments []transcript.Segment,
		teamName string,
		participants []string,
		date string,
	) (*llm.HuddleSummary, error)
}

type ProcessedChunk struct {
	Segments         []transcript.Segment
	RawTranscription *stt.Result
	RawDiarization   *diarize.Result
}

type Orchestrator struct {
	transcriber Transcriber
	diarizer    Diarizer
	summarizer  Summarizer
	language    string
	logger      *log.Logger
	now         func() time.Time
}

type Option func(*Orchestrator)

// WithLanguage sets the language hint passed to transcription.
func WithLanguage(language string) Option {
	return func(o *Orchestrator) { o.language = language }
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

func NewOrchestrator(
	transcriber Transcriber,
	diarizer Diarizer,
	summarizer Summarizer,
	logger *log.Logger,
	opts ...Option,
) *Orchestrator {
	if logger == nil {
		logger = log.Default()
	}
	o := &Orchestrator{
		transcriber: transcriber,
		diarizer:    diarizer,
		summarizer:  summarizer,
		logger:      logger,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// ProcessAudioChunk transcribes and diarizes one chunk concurrently and
// merges the results. A diarization failure of any kind degrades to an
// unattributed transcript; a transcription failure is returned as is.
func (o *Orchestrator) ProcessAudioChunk(
	ctx context.Context,
	audio []byte,
	sessionID string,
	mimeType string,
) (*ProcessedChunk, error) {
	var (
		tr *stt.Result
		dr *diarize.Result
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		res, err := o.diarizer.ProcessChunk(gctx, audio, sessionID, mimeType)
		if err != nil {
			o.logger.Warn(
				"diarization failed, continuing with transcription only",
				"session", sessionID,
				"error", err,
			)
			res = &diarize.Result{Segments: []diarize.Segment{}}
		}
		dr = res
		return nil
	})
	g.Go(func() error {
		res, err := o.transcriber.Transcribe(gctx, audio, o.language, mimeType)
		if err != nil {
			return err
		}
		tr = res
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return &ProcessedChunk{
		Segments:         Merge(tr, dr),
		RawTranscription: tr,
		RawDiarization:   dr,
	}, nil
}

// GenerateSummary produces an incremental or a final summary of segments.
// Final summaries are dated with the current UTC day.
func (o *Orchestrator) GenerateSummary(
	ctx context.Context,
	sessionID string,
	segments []transcript.Segment,
	isIncremental bool,
	teamName string,
	participants []string,
) (*llm.HuddleSummary, error) {
	o.logger.Debug(
		"summarizing",
		"session", sessionID,
		"segments", len(segments),
		"incremental", isIncremental,
	)
	if isIncremental {
		return o.summarizer.GenerateIncrementalSummary(ctx, segments, teamName, participants)
	}
	date := etc.Day(o.now())
	return o.summarizer.GenerateFinalSummary(ctx, segments, teamName, participants, date)
}
