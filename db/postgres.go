package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"node.town/huddle/etc"
	"node.town/huddle/llm"
	"node.town/huddle/transcript"
)

type Postgres struct {
	pool   *pgxpool.Pool
	logger *log.Logger
	now    func() time.Time
}

func OpenPostgres(ctx context.Context, url string, logger *log.Logger) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to reach database: %w", err)
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Postgres{pool: pool, logger: logger, now: time.Now}, nil
}

func (p *Postgres) Close() {
	p.pool.Close()
}

func (p *Postgres) Migrate(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS migration_history (
			id TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`)
	if err != nil {
		return fmt.Errorf("error creating migration_history table: %w", err)
	}

	list, err := migrations("postgres")
	if err != nil {
		return err
	}

	for _, m := range list {
		var applied int
		err := p.pool.QueryRow(ctx, "SELECT 1 FROM migration_history WHERE id = $1", m.ID).Scan(&applied)
		if err == nil {
			p.logger.Debug("skipping migration (already applied)", "id", m.ID)
			continue
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("error checking migration status: %w", err)
		}

		p.logger.Info("applying migration", "id", m.ID)
		tx, err := p.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("error starting transaction: %w", err)
		}
		if _, err := tx.Exec(ctx, m.SQL); err != nil {
			tx.Rollback(ctx)
			return fmt.Errorf("error applying migration %s: %w", m.ID, err)
		}
		if _, err := tx.Exec(ctx, "INSERT INTO migration_history (id) VALUES ($1)", m.ID); err != nil {
			tx.Rollback(ctx)
			return fmt.Errorf("error recording migration %s: %w", m.ID, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("error committing migration %s: %w", m.ID, err)
		}
	}
	return nil
}

func (p *Postgres) CreateSession(ctx context.Context, teamID, startedBy string) (string, error) {
	id := etc.NewFreshID()
	_, err := p.pool.Exec(ctx, insertSessionSQL, id, teamID, startedBy, string(StatusActive), p.now().UTC())
	if err != nil {
		return "", fmt.Errorf("failed to create session: %w", err)
	}
	return id, nil
}

func (p *Postgres) LookupSession(ctx context.Context, sessionID string) (*SessionInfo, error) {
	info := &SessionInfo{SessionID: sessionID}
	var status string
	err := p.pool.QueryRow(ctx, lookupSessionSQL, sessionID).Scan(&info.TeamID, &info.TeamName, &status)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up session: %w", err)
	}
	info.Status = Status(status)

	rows, err := p.pool.Query(ctx, teamMembersSQL, info.TeamID)
	if err != nil {
		return nil, fmt.Errorf("failed to list team members: %w", err)
	}
	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to list team members: %w", err)
	}
	info.Participants = names
	return info, nil
}

func (p *Postgres) UpsertTranscript(ctx context.Context, sessionID string, segments []transcript.Segment) error {
	data, err := encodeJSON(segments)
	if err != nil {
		return err
	}
	if _, err := p.pool.Exec(ctx, upsertTranscriptSQL, sessionID, data, p.now().UTC()); err != nil {
		return fmt.Errorf("failed to save transcript: %w", err)
	}
	return nil
}

// InsertSummary stores the summary and one row per speaker in a single
// transaction.
func (p *Postgres) InsertSummary(
	ctx context.Context,
	sessionID string,
	summary *llm.HuddleSummary,
	isFinal bool,
) (string, error) {
	content, err := encodeJSON(summary)
	if err != nil {
		return "", err
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	id := etc.NewFreshID()
	if _, err := tx.Exec(ctx, insertSummarySQL, id, sessionID, content, isFinal, p.now().UTC()); err != nil {
		return "", fmt.Errorf("failed to save summary: %w", err)
	}

	for i, s := range summary.Speakers {
		params, err := speakerRowParams(s)
		if err != nil {
			return "", err
		}
		_, err = tx.Exec(ctx, insertSpeakerSummarySQL,
			id, i, s.SpeakerLabel, params.userName,
			s.Yesterday, s.Today, params.blockers, params.actionItems, s.Confidence,
		)
		if err != nil {
			return "", fmt.Errorf("failed to save speaker summary: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("failed to commit summary: %w", err)
	}
	return id, nil
}

func (p *Postgres) UpdateSessionStatus(ctx context.Context, sessionID string, status Status) error {
	var (
		tag pgconn.CommandTag
		err error
	)
	if status.Terminal() {
		tag, err = p.pool.Exec(ctx, endSessionSQL, string(status), p.now().UTC(), sessionID)
	} else {
		tag, err = p.pool.Exec(ctx, updateStatusSQL, string(status), sessionID)
	}
	if err != nil {
		return fmt.Errorf("failed to update session status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) LatestSummary(ctx context.Context, sessionID string) (*SummaryRecord, error) {
	rec := &SummaryRecord{SessionID: sessionID}
	var content []byte
	err := p.pool.QueryRow(ctx, latestSummarySQL, sessionID).
		Scan(&rec.SummaryID, &content, &rec.IsFinal, &rec.GeneratedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load summary: %w", err)
	}
	if err := decodeSummary(content, &rec.Summary); err != nil {
		return nil, err
	}

	rows, err := p.pool.Query(ctx, speakerSummariesSQL, rec.SummaryID)
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

func (p *Postgres) MapSpeaker(ctx context.Context, sessionID, speakerLabel, userID string) error {
	var one int
	err := p.pool.QueryRow(ctx, sessionMemberSQL, sessionID, userID).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to check session membership: %w", err)
	}

	if _, err := p.pool.Exec(ctx, upsertMappingSQL, sessionID, speakerLabel, userID); err != nil {
		return fmt.Errorf("failed to map speaker: %w", err)
	}
	return nil
}

func (p *Postgres) SpeakerNames(ctx context.Context, sessionID string) (map[string]string, error) {
	rows, err := p.pool.Query(ctx, speakerNamesSQL, sessionID)
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

func (p *Postgres) MarkVoiceEnrolled(ctx context.Context, userID string) error {
	tag, err := p.pool.Exec(ctx, markEnrolledSQL, true, userID)
	if err != nil {
		return fmt.Errorf("failed to mark voice enrolled: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
