// Package realtime serves the huddle websocket protocol: clients stream
// audio chunks and lifecycle controls in, and receive transcript, speaker,
// summary and status events for their session.
package realtime

import (
	"encoding/json"
	"fmt"

	"node.town/huddle/llm"
	"node.town/huddle/transcript"
)

// Client to server.
const (
	TypeAudioChunk     = "audio_chunk"
	TypeSessionControl = "session_control"
)

// Server to client.
const (
	TypeTranscriptUpdate = "transcript_update"
	TypeSpeakerDetected  = "speaker_detected"
	TypeSummaryUpdate    = "summary_update"
	TypeSessionStatus    = "session_status"
	TypeError            = "error"
)

type Action string

const (
	ActionStart  Action = "start"
	ActionPause  Action = "pause"
	ActionResume Action = "resume"
	ActionEnd    Action = "end"
)

// Statuses broadcast in session_status events.
const (
	StatusActive    = "ACTIVE"
	StatusPaused    = "PAUSED"
	StatusCompleted = "COMPLETED"
	StatusFailed    = "FAILED"
)

// Codes carried by error events.
const (
	CodeProcessingError = "PROCESSING_ERROR"
	CodeStartError      = "START_ERROR"
	CodeEndError        = "END_ERROR"
	CodeBadEvent        = "BAD_EVENT"
	CodeBadAction       = "BAD_ACTION"
	CodeBusy            = "BUSY"
	CodeUnavailable     = "UNAVAILABLE"
)

// Envelope is the frame format in both directions.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// AudioChunk carries one recorded chunk; AudioData is base64 in JSON.
type AudioChunk struct {
	AudioData   []byte `json:"audioData"`
	SequenceNum int    `json:"sequenceNum"`
	Timestamp   int64  `json:"timestamp"`
	MimeType    string `json:"mimeType,omitempty"`
}

type SessionControl struct {
	Action Action `json:"action"`
}

type Event struct {
	Type string
	Data any
}

func (e Event) MarshalJSON() ([]byte, error) {
	data, err := json.Marshal(e.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", e.Type, err)
	}
	return json.Marshal(Envelope{Type: e.Type, Data: data})
}

type TranscriptUpdate struct {
	Segments []transcript.Segment `json:"segments"`
}

type SpeakerDetected struct {
	SpeakerLabel string  `json:"speakerLabel"`
	Confidence   float64 `json:"confidence"`
}

type SummaryUpdate struct {
	Summary *llm.HuddleSummary `json:"summary"`
	IsFinal bool               `json:"isFinal"`
}

type SessionStatus struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type ErrorEvent struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

func statusEvent(status string) Event {
	return Event{Type: TypeSessionStatus, Data: SessionStatus{Status: status}}
}

func errorEvent(message, code string) Event {
	return Event{Type: TypeError, Data: ErrorEvent{Message: message, Code: code}}
}
