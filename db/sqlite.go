package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	_ "github.com/mattn/go-sqlite3"

	"node.town/huddle/etc"
	"node.town/huddle/llm"
	"node.town/huddle/transcript"
)

type SQLite struct {
	db        *sql.DB
	stmtCache sync.Map
	logger    *log.Logger
	now       func() time.Time
}

// OpenSQLite opens a database file, or an in-memory one for ":memory:".
func OpenSQLite(path string, logger *log.Logger) (*SQLite, error) {
	sqlDB, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if logger == nil {
		logger = log.Default()
	}
	return &SQLite{db: sqlDB, logger: logger, now: time.Now}, nil
}

func (s *SQLite) Close() {
	s.stmtCache.Range(func(_, value interface{}) bool {
		if stmt, ok := value.(*sql.Stmt); ok {
			stmt.Close()
		}
		return true
	})
	s.db.Close()
}

func (s *SQLite) prepareStmt(ctx context.Context, query string) (*sql.Stmt, error) {
	if stmt, ok := s.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}
	stmt, err := s.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, err
	}
	s.stmtCache.Store(query, stmt)
	return stmt, nil
}

func (s *SQLite) exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	s.logger.Debug("executing statement", "query", query)
	stmt, err := s.prepareStmt(ctx, query)
	if err != nil {
		return nil, err
	}
	return stmt.ExecContext(ctx, args...)
}

func (s *SQLite) queryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	stmt, err := s.prepareStmt(ctx, query)
	if err != nil {
		return s.db.QueryRowContext(ctx, query, args...)
	}
	return stmt.QueryRowContext(ctx, args...)
}

func (s *SQLite) query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	stmt, err := s.prepareStmt(ctx, query)
	if err != nil {
		return nil, err
	}
	return stmt.QueryContext(ctx, args...)
}

func (s *SQLite) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS migration_history (
			id TEXT PRIMARY KEY,
			applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`)
	if err != nil {
		return fmt.Errorf("error creating migration_history table: %w", err)
	}

	list, err := migrations("sqlite")
	if err != nil {
		return err
	}

	for _, m := range list {
		var applied bool
		err := s.db.QueryRowContext(ctx, "SELECT 1 FROM migration_history WHERE id = ?", m.ID).Scan(&applied)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("error checking migration status: %w", err)
		}
		if applied {
			s.logger.Debug("skipping migration (already applied)", "id", m.ID)
			continue
		}

		s.logger.Info("applying migration", "id", m.ID)
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("error starting transaction: %w", err)
		}
		if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("error applying migration %s: %w", m.ID, err)
		}
		if _, err := tx.ExecContext(ctx, "INSERT INTO migration_history (id) VALUES (?)", m.ID); err != nil {
			tx.Rollback()
			return fmt.Errorf("error recording migration %s: %w", m.ID, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("error committing migration %s: %w", m.ID, err)
		}
	}
	return nil
}

func (s *SQLite) CreateSession(ctx context.Context, teamID, startedBy string) (string, error) {
	id := etc.NewFreshID()
	_, err := s.exec(ctx, insertSessionSQL, id, teamID, startedBy, string(StatusActive), s.now().UTC())
	if err != nil {
		return "", fmt.Errorf("failed to create session: %w", err)
	}
	return id, nil
}

func (s *SQLite) LookupSession(ctx context.Context, sessionID string) (*SessionInfo, error) {
	info := &SessionInfo{SessionID: sessionID}
	var status string
	err := s.queryRow(ctx, lookupSessionSQL, sessionID).Scan(&info.TeamID, &info.TeamName, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up session: %w", err)
	}
	info.Status = Status(status)

	rows, err := s.query(ctx, teamMembersSQL, info.TeamID)
	if err != nil {
		return nil, fmt.Errorf("failed to list team members: %w", err)
	}
	defer rows.Close()

	info.Participants = []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan team member: %w", err)
		}
		info.Participants = append(info.Participants, name)
	}
	return info, rows.Err()
}

func (s *SQLite) UpsertTranscript(ctx context.Context, sessionID string, segments []transcript.Segment) error {
	data, err := encodeJSON(segments)
	if err != nil {
		return err
	}
	if _, err := s.exec(ctx, upsertTranscriptSQL, sessionID, data, s.now().UTC()); err != nil {
		return fmt.Errorf("failed to save transcript: %w", err)
	}
	return nil
}

func (s *SQLite) InsertSummary(
	ctx context.Context,
	sessionID string,
	summary *llm.HuddleSummary,
	isFinal bool,
) (string, error) {
	content, err := encodeJSON(summary)
	if err != nil {
		return "", err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	id := etc.NewFreshID()
	if _, err := tx.ExecContext(ctx, insertSummarySQL, id, sessionID, content, isFinal, s.now().UTC()); err != nil {
		return "", fmt.Errorf("failed to save summary: %w", err)
	}

	for i, sp := range summary.Speakers {
		params, err := speakerRowParams(sp)
		if err != nil {
			return "", err
		}
		_, err = tx.ExecContext(ctx, insertSpeakerSummarySQL,
			id, i, sp.SpeakerLabel, params.userName,
			sp.Yesterday, sp.Today, params.blockers, params.actionItems, sp.Confidence,
		)
		if err != nil {
			return "", fmt.Errorf("failed to save speaker summary: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit summary: %w", err)
	}
	return id, nil
}

func (s *SQLite) UpdateSessionStatus(ctx context.Context, sessionID string, status Status) error {
	var (
		res sql.Result
		err error
	)
	if status.Terminal() {
		res, err = s.exec(ctx, endSessionSQL, string(status), s.now().UTC(), sessionID)
	} else {
		res, err = s.exec(ctx, updateStatusSQL, string(status), sessionID)
	}
	if err != nil {
		return fmt.Errorf("failed to update session status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLite) LatestSummary(ctx context.Context, sessionID string) (*SummaryRecord, error) {
	rec := &SummaryRecord{SessionID: sessionID}
	var content []byte
	err := s.queryRow(ctx, latestSummarySQL, sessionID).
		Scan(&rec.SummaryID, &content, &rec.IsFinal, &rec.GeneratedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load summary: %w", err)
	}
	if err := decodeSummary(content, &rec.Summary); err != nil {
		return nil, err
	}

	rows, err := s.query(ctx, speakerSummariesSQL, rec.SummaryID)
	if err != nil {
		return nil, fmt.Errorf("failed to load speaker summaries: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			row                   SpeakerRow
			blockers, actionItems []byte
		)
		err := rows.Scan(
			&row.SpeakerLabel, &row.UserName, &row.Yesterday, &row.Today,
			&blockers, &actionItems, &row.Confidence,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan speaker summary: %w", err)
		}
		if err := decodeSpeakerLists(&row, blockers, actionItems); err != nil {
			return nil, err
		}
		rec.Speakers = append(rec.Speakers, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to load speaker summaries: %w", err)
	}
	return rec, nil
}

func (s *SQLite) MapSpeaker(ctx context.Context, sessionID, speakerLabel, userID string) error {
	var one int
	err := s.queryRow(ctx, sessionMemberSQL, sessionID, userID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to check session membership: %w", err)
	}

	if _, err := s.exec(ctx, upsertMappingSQL, sessionID, speakerLabel, userID); err != nil {
		return fmt.Errorf("failed to map speaker: %w", err)
	}
	return nil
}

func (s *SQLite) SpeakerNames(ctx context.Context, sessionID string) (map[string]string, error) {
	rows, err := s.query(ctx, speakerNamesSQL, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load speaker names: %w", err)
	}
	defer rows.Close()

	names := make(map[string]string)
	for rows.Next() {
		var label, name string
		if err := rows.Scan(&label, &name); err != nil {
			return nil, fmt.Errorf("failed to scan speaker name: %w", err)
		}
		names[label] = name
	}
	return names, rows.Err()
}

func (s *SQLite) MarkVoiceEnrolled(ctx context.Context, userID string) error {
	res, err := s.exec(ctx, markEnrolledSQL, true, userID)
	if err != nil {
		return fmt.Errorf("failed to mark voice enrolled: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
