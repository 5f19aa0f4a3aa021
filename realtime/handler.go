package realtime

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"

	"node.town/huddle/db"
	"node.town/huddle/llm"
	"node.town/huddle/pipeline"
	"node.town/huddle/session"
	"node.town/huddle/transcript"
)

// DefaultChunksPerSummary is about a minute of 5 second chunks.
const DefaultChunksPerSummary = 12

type Orchestrator interface {
	ProcessAudioChunk(ctx context.Context, audio []byte, sessionID, mimeType string) (*pipeline.ProcessedChunk, error)
	GenerateSummary(
		ctx context.Context,
		sessionID string,
		segments []transcript.Segment,
		isIncremental bool,
		teamName string,
		participants []string,
	) (*llm.HuddleSummary, error)
}

// Store is the slice of persistence the session lifecycle needs.
type Store interface {
	LookupSession(ctx context.Context, sessionID string) (*db.SessionInfo, error)
	UpsertTranscript(ctx context.Context, sessionID string, segments []transcript.Segment) error
	InsertSummary(ctx context.Context, sessionID string, summary *llm.HuddleSummary, isFinal bool) (string, error)
	UpdateSessionStatus(ctx context.Context, sessionID string, status db.Status) error
	SpeakerNames(ctx context.Context, sessionID string) (map[string]string, error)
}

// Broadcaster delivers an event to every connection in a session's room.
type Broadcaster interface {
	Broadcast(sessionID string, e Event)
}

// Sender delivers an event to a single connection.
type Sender interface {
	Send(e Event)
}

// Handler applies inbound events to session state. Calls for one session
// must not overlap; the Server runs them through a session.Queue.
type Handler struct {
	registry         *session.Registry
	orchestrator     Orchestrator
	store            Store
	rooms            Broadcaster
	chunksPerSummary int
	logger           *log.Logger
	now              func() time.Time
}

func NewHandler(
	registry *session.Registry,
	orchestrator Orchestrator,
	store Store,
	rooms Broadcaster,
	chunksPerSummary int,
	logger *log.Logger,
) *Handler {
	if chunksPerSummary <= 0 {
		chunksPerSummary = DefaultChunksPerSummary
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Handler{
		registry:         registry,
		orchestrator:     orchestrator,
		store:            store,
		rooms:            rooms,
		chunksPerSummary: chunksPerSummary,
		logger:           logger,
		now:              time.Now,
	}
}

// HandleAudioChunk runs one chunk through the pipeline and fans the result
// out to the session. Chunks for absent or paused sessions are dropped.
func (h *Handler) HandleAudioChunk(
	ctx context.Context,
	sessionID string,
	chunk AudioChunk,
	from Sender,
) {
	state, ok := h.registry.Get(sessionID)
	if !ok || state.IsPaused {
		h.logger.Debug("dropping chunk", "session", sessionID, "seq", chunk.SequenceNum, "registered", ok)
		return
	}

	result, err := h.orchestrator.ProcessAudioChunk(ctx, chunk.AudioData, sessionID, chunk.MimeType)
	if err != nil {
		h.logger.Error("audio chunk processing failed", "session", sessionID, "seq", chunk.SequenceNum, "error", err)
		from.Send(errorEvent("Audio processing failed", CodeProcessingError))
		return
	}

	h.registry.AppendSegments(sessionID, result.Segments)
	count := h.registry.IncrementChunkCount(sessionID)
	if count == 0 {
		return
	}

	h.rooms.Broadcast(sessionID, Event{
		Type: TypeTranscriptUpdate,
		Data: TranscriptUpdate{Segments: result.Segments},
	})
	if result.RawDiarization != nil {
		for _, seg := range result.RawDiarization.Segments {
			h.rooms.Broadcast(sessionID, Event{
				Type: TypeSpeakerDetected,
				Data: SpeakerDetected{SpeakerLabel: seg.SpeakerLabel, Confidence: seg.Confidence},
			})
		}
	}

	snapshot, _ := h.registry.Snapshot(sessionID)
	if err := h.store.UpsertTranscript(ctx, sessionID, snapshot); err != nil {
		h.logger.Warn("failed to save transcript", "session", sessionID, "error", err)
	}

	if count%h.chunksPerSummary == 0 && len(snapshot) > 0 {
		h.incrementalSummary(ctx, state, snapshot, count)
	}
}

func (h *Handler) incrementalSummary(
	ctx context.Context,
	state session.State,
	snapshot []transcript.Segment,
	count int,
) {
	id := state.SessionID
	segments := transcript.WithNames(snapshot, h.speakerNames(ctx, id))

	summary, err := h.orchestrator.GenerateSummary(ctx, id, segments, true, state.TeamName, state.Participants)
	if err != nil {
		h.logger.Error("incremental summary failed", "session", id, "chunks", count, "error", err)
		return
	}

	h.rooms.Broadcast(id, Event{
		Type: TypeSummaryUpdate,
		Data: SummaryUpdate{Summary: summary, IsFinal: false},
	})
	if _, err := h.store.InsertSummary(ctx, id, summary, false); err != nil {
		h.logger.Warn("failed to save incremental summary", "session", id, "error", err)
	}
	h.registry.MarkSummarized(id, count)
}

// HandleControl applies a lifecycle action.
func (h *Handler) HandleControl(
	ctx context.Context,
	sessionID string,
	action Action,
	from Sender,
) {
	switch action {
	case ActionStart:
		h.start(ctx, sessionID, from)
	case ActionPause:
		if h.registry.SetPaused(sessionID, true) {
			h.rooms.Broadcast(sessionID, statusEvent(StatusPaused))
		}
	case ActionResume:
		if h.registry.SetPaused(sessionID, false) {
			h.rooms.Broadcast(sessionID, statusEvent(StatusActive))
		}
	case ActionEnd:
		h.end(ctx, sessionID, from)
	default:
		from.Send(errorEvent(fmt.Sprintf("Unknown session action %q", action), CodeBadAction))
	}
}

func (h *Handler) start(ctx context.Context, sessionID string, from Sender) {
	info, err := h.store.LookupSession(ctx, sessionID)
	if err != nil {
		h.logger.Error("session start failed", "session", sessionID, "error", err)
		from.Send(errorEvent("Failed to start session", CodeStartError))
		return
	}

	// A second start replaces the live entry and its transcript.
	if prev, exists := h.registry.Get(sessionID); exists {
		h.logger.Warn(
			"restarting live session",
			"session", sessionID,
			"discarded_segments", len(prev.Segments),
			"chunks", prev.ChunkCount,
		)
	}

	h.registry.Create(sessionID, info.TeamID, info.TeamName, info.Participants)
	h.logger.Info("session started", "session", sessionID, "team", info.TeamName, "participants", len(info.Participants))
	h.rooms.Broadcast(sessionID, statusEvent(StatusActive))
}

// end always removes the registry entry, whether or not the final summary
// could be produced and saved.
func (h *Handler) end(ctx context.Context, sessionID string, from Sender) {
	defer h.registry.Delete(sessionID)

	state, ok := h.registry.Get(sessionID)
	if !ok || len(state.Segments) == 0 {
		if ok {
			if err := h.store.UpdateSessionStatus(ctx, sessionID, db.StatusCompleted); err != nil {
				h.logger.Warn("failed to mark empty session completed", "session", sessionID, "error", err)
			}
		}
		h.rooms.Broadcast(sessionID, statusEvent(StatusCompleted))
		return
	}

	if err := h.finish(ctx, state); err != nil {
		h.logger.Error("session end failed", "session", sessionID, "error", err)
		if err := h.store.UpdateSessionStatus(ctx, sessionID, db.StatusFailed); err != nil {
			h.logger.Warn("failed to mark session failed", "session", sessionID, "error", err)
		}
		from.Send(errorEvent("Failed to end session", CodeEndError))
		h.rooms.Broadcast(sessionID, Event{
			Type: TypeSessionStatus,
			Data: SessionStatus{Status: StatusFailed, Error: "Failed to end session"},
		})
		return
	}

	h.logger.Info("session completed", "session", sessionID, "segments", len(state.Segments))
}

func (h *Handler) finish(ctx context.Context, state session.State) error {
	id := state.SessionID

	if err := h.store.UpdateSessionStatus(ctx, id, db.StatusProcessing); err != nil {
		h.logger.Warn("failed to mark session processing", "session", id, "error", err)
	}

	segments := transcript.WithNames(state.Segments, h.speakerNames(ctx, id))
	summary, err := h.orchestrator.GenerateSummary(ctx, id, segments, false, state.TeamName, state.Participants)
	if err != nil {
		return fmt.Errorf("final summary: %w", err)
	}
	summary.DurationMs = h.now().Sub(state.StartedAt).Milliseconds()

	if _, err := h.store.InsertSummary(ctx, id, summary, true); err != nil {
		return fmt.Errorf("saving final summary: %w", err)
	}
	if err := h.store.UpdateSessionStatus(ctx, id, db.StatusCompleted); err != nil {
		return fmt.Errorf("marking session completed: %w", err)
	}

	h.rooms.Broadcast(id, Event{
		Type: TypeSummaryUpdate,
		Data: SummaryUpdate{Summary: summary, IsFinal: true},
	})
	h.rooms.Broadcast(id, statusEvent(StatusCompleted))
	return nil
}

func (h *Handler) speakerNames(ctx context.Context, sessionID string) map[string]string {
	names, err := h.store.SpeakerNames(ctx, sessionID)
	if err != nil {
		h.logger.Warn("failed to load speaker names", "session", sessionID, "error", err)
		return nil
	}
	return names
}
