// Package session tracks live huddles in memory and serializes the work
// done for each of them.
package session

import (
	"sync"
	"time"

	"node.town/huddle/transcript"
)

// State is a live session. Values handed out by the Registry are copies;
// mutate through the Registry.
type State struct {
	SessionID             string
	TeamID                string
	TeamName              string
	Participants          []string
	Segments              []transcript.Segment
	ChunkCount            int
	IsPaused              bool
	LastSummaryChunkIndex int
	StartedAt             time.Time
}

func (s *State) clone() State {
	c := *s
	c.Participants = append([]string(nil), s.Participants...)
	c.Segments = append([]transcript.Segment(nil), s.Segments...)
	return c
}

type Registry struct {
	mu       sync.Mutex
	sessions map[string]*State
	now      func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*State),
		now:      time.Now,
	}
}

// Create registers a fresh session, replacing any existing entry with the
// same id.
func (r *Registry) Create(
	sessionID, teamID, teamName string,
	participants []string,
) State {
	s := &State{
		SessionID:    sessionID,
		TeamID:       teamID,
		TeamName:     teamName,
		Participants: append([]string(nil), participants...),
		Segments:     []transcript.Segment{},
		StartedAt:    r.now(),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[sessionID] = s
	return s.clone()
}

func (r *Registry) Get(sessionID string) (State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return State{}, false
	}
	return s.clone(), true
}

// Snapshot returns a copy of the session's transcript so far.
func (r *Registry) Snapshot(sessionID string) ([]transcript.Segment, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return nil, false
	}
	return append([]transcript.Segment(nil), s.Segments...), true
}

func (r *Registry) SetPaused(sessionID string, paused bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if ok {
		s.IsPaused = paused
	}
	return ok
}

// MarkSummarized records the chunk count at which the latest incremental
// summary was produced.
func (r *Registry) MarkSummarized(sessionID string, chunkIndex int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if ok {
		s.LastSummaryChunkIndex = chunkIndex
	}
	return ok
}

// AppendSegments is a no-op for unknown sessions.
func (r *Registry) AppendSegments(sessionID string, segments []transcript.Segment) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if ok {
		s.Segments = append(s.Segments, segments...)
	}
	return ok
}

// IncrementChunkCount returns the new count, or 0 for unknown sessions.
func (r *Registry) IncrementChunkCount(sessionID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return 0
	}
	s.ChunkCount++
	return s.ChunkCount
}

func (r *Registry) Delete(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, sessionID)
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
