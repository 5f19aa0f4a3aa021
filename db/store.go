// Package db persists huddle sessions, transcripts and summaries. Postgres
// is the production store; SQLite backs local development and tests.
package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"

	"node.town/huddle/llm"
	"node.town/huddle/transcript"
)

var ErrNotFound = errors.New("not found")

type Status string

const (
	StatusActive     Status = "ACTIVE"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

type SessionInfo struct {
	SessionID    string
	TeamID       string
	TeamName     string
	Status       Status
	Participants []string
}

type SpeakerRow struct {
	SpeakerLabel string
	UserName     *string
	Yesterday    string
	Today        string
	Blockers     []string
	ActionItems  []string
	Confidence   float64
}

type SummaryRecord struct {
	SummaryID   string
	SessionID   string
	Summary     llm.HuddleSummary
	IsFinal     bool
	GeneratedAt time.Time
	Speakers    []SpeakerRow
}

type Store interface {
	Migrate(ctx context.Context) error
	CreateSession(ctx context.Context, teamID, startedBy string) (string, error)
	LookupSession(ctx context.Context, sessionID string) (*SessionInfo, error)
	UpsertTranscript(ctx context.Context, sessionID string, segments []transcript.Segment) error
	InsertSummary(ctx context.Context, sessionID string, summary *llm.HuddleSummary, isFinal bool) (string, error)
	UpdateSessionStatus(ctx context.Context, sessionID string, status Status) error
	LatestSummary(ctx context.Context, sessionID string) (*SummaryRecord, error)
	MapSpeaker(ctx context.Context, sessionID, speakerLabel, userID string) error
	SpeakerNames(ctx context.Context, sessionID string) (map[string]string, error)
	MarkVoiceEnrolled(ctx context.Context, userID string) error
	Close()
}

// Open connects to the database named by driver ("postgres" or "sqlite3").
func Open(ctx context.Context, driver, url string, logger *log.Logger) (Store, error) {
	switch driver {
	case "postgres", "pgx":
		return OpenPostgres(ctx, url, logger)
	case "sqlite3", "sqlite":
		return OpenSQLite(url, logger)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", driver)
	}
}

// Placeholders are numbered in order of first appearance so the same text
// binds correctly under both drivers.
const (
	insertSessionSQL = `
		INSERT INTO huddle_sessions (session_id, team_id, started_by, status, started_at)
		VALUES ($1, $2, $3, $4, $5)`

	lookupSessionSQL = `
		SELECT s.team_id, t.name, s.status
		FROM huddle_sessions s
		JOIN teams t ON t.team_id = s.team_id
		WHERE s.session_id = $1`

	teamMembersSQL = `
		SELECT display_name FROM users
		WHERE team_id = $1
		ORDER BY display_name`

	upsertTranscriptSQL = `
		INSERT INTO transcripts (session_id, segments, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (session_id) DO UPDATE
		SET segments = excluded.segments, updated_at = excluded.updated_at`

	insertSummarySQL = `
		INSERT INTO summaries (summary_id, session_id, content, is_final, generated_at)
		VALUES ($1, $2, $3, $4, $5)`

	insertSpeakerSummarySQL = `
		INSERT INTO speaker_summaries (
			summary_id, position, speaker_label, user_name,
			yesterday, today, blockers, action_items, confidence
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	endSessionSQL = `
		UPDATE huddle_sessions SET status = $1, ended_at = $2
		WHERE session_id = $3`

	updateStatusSQL = `
		UPDATE huddle_sessions SET status = $1
		WHERE session_id = $2`

	latestSummarySQL = `
		SELECT summary_id, content, is_final, generated_at
		FROM summaries
		WHERE session_id = $1
		ORDER BY is_final DESC, generated_at DESC
		LIMIT 1`

	speakerSummariesSQL = `
		SELECT speaker_label, user_name, yesterday, today,
			blockers, action_items, confidence
		FROM speaker_summaries
		WHERE summary_id = $1
		ORDER BY position`

	sessionMemberSQL = `
		SELECT 1 FROM huddle_sessions s
		JOIN users u ON u.team_id = s.team_id
		WHERE s.session_id = $1 AND u.user_id = $2`

	upsertMappingSQL = `
		INSERT INTO speaker_mappings (session_id, speaker_label, user_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (session_id, speaker_label) DO UPDATE
		SET user_id = excluded.user_id`

	speakerNamesSQL = `
		SELECT m.speaker_label, u.display_name
		FROM speaker_mappings m
		JOIN users u ON u.user_id = m.user_id
		WHERE m.session_id = $1`

	markEnrolledSQL = `
		UPDATE users SET voice_enrolled = $1
		WHERE user_id = $2`
)

func encodeJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode json: %w", err)
	}
	return string(data), nil
}

type speakerParams struct {
	userName    *string
	blockers    string
	actionItems string
}

func speakerRowParams(s llm.SpeakerUpdate) (speakerParams, error) {
	blockers := s.Blockers
	if blockers == nil {
		blockers = []string{}
	}
	actionItems := s.ActionItems
	if actionItems == nil {
		actionItems = []string{}
	}

	b, err := encodeJSON(blockers)
	if err != nil {
		return speakerParams{}, err
	}
	a, err := encodeJSON(actionItems)
	if err != nil {
		return speakerParams{}, err
	}
	return speakerParams{userName: s.Name, blockers: b, actionItems: a}, nil
}

func decodeSpeakerLists(row *SpeakerRow, blockers, actionItems []byte) error {
	if err := json.Unmarshal(blockers, &row.Blockers); err != nil {
		return fmt.Errorf("failed to decode blockers: %w", err)
	}
	if err := json.Unmarshal(actionItems, &row.ActionItems); err != nil {
		return fmt.Errorf("failed to decode action items: %w", err)
	}
	return nil
}

func decodeSummary(content []byte, summary *llm.HuddleSummary) error {
	if err := json.Unmarshal(content, summary); err != nil {
		return fmt.Errorf("failed to decode summary: %w", err)
	}
	if summary.Speakers == nil {
		summary.Speakers = []llm.SpeakerUpdate{}
	}
	return nil
}
