package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/openmailer/dispatch/internal/model"
)

// SQLite implements Store on a local SQLite database.
type SQLite struct {
	db *sql.DB
}

var _ Store = (*SQLite)(nil)

// OpenSQLite opens (creating if needed) the database at path and runs
// migrations.
func OpenSQLite(path string) (*SQLite, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &SQLite{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) migrate() error {
	migrations := []string{
		migrationSessions,
		migrationRecipients,
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

const migrationSessions = `
CREATE TABLE IF NOT EXISTS sessions (
    id TEXT PRIMARY KEY,
    status TEXT NOT NULL,
    total INTEGER NOT NULL,
    sent_count INTEGER NOT NULL DEFAULT 0,
    failed_count INTEGER NOT NULL DEFAULT 0,
    resume_at TIMESTAMP,
    started_at TIMESTAMP NOT NULL,
    finished_at TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
`

const migrationRecipients = `
CREATE TABLE IF NOT EXISTS recipients (
    id TEXT PRIMARY KEY,
    session_id TEXT REFERENCES sessions(id),
    email TEXT NOT NULL,
    company TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'pending',
    error TEXT NOT NULL DEFAULT '',
    sent_at TIMESTAMP,
    position INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_recipients_session_id ON recipients(session_id);
`

// CreateSession creates a running session and returns its id.
func (s *SQLite) CreateSession(ctx context.Context, total int) (string, error) {
	id := uuid.New().String()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, status, total, started_at)
		VALUES (?, ?, ?, ?)`,
		id, model.SessionRunning, total, time.Now(),
	)
	if err != nil {
		return "", fmt.Errorf("failed to create session: %w", err)
	}
	return id, nil
}

// Session returns a session by id, or nil if it does not exist.
func (s *SQLite) Session(ctx context.Context, id string) (*model.Session, error) {
	sess := &model.Session{}
	var resumeAt, finishedAt sql.NullTime

	err := s.db.QueryRowContext(ctx, `
		SELECT id, status, total, sent_count, failed_count, resume_at, started_at, finished_at
		FROM sessions WHERE id = ?`, id,
	).Scan(&sess.ID, &sess.Status, &sess.Total, &sess.SentCount, &sess.FailedCount,
		&resumeAt, &sess.StartedAt, &finishedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if resumeAt.Valid {
		sess.ResumeAt = &resumeAt.Time
	}
	if finishedAt.Valid {
		sess.FinishedAt = &finishedAt.Time
	}
	return sess, nil
}

// UpdateSession applies a partial update to a session.
func (s *SQLite) UpdateSession(ctx context.Context, id string, upd SessionUpdate) error {
	sets := []string{}
	args := []any{}

	if upd.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, *upd.Status)
	}
	if upd.SentCount != nil {
		sets = append(sets, "sent_count = ?")
		args = append(args, *upd.SentCount)
	}
	if upd.FailedCount != nil {
		sets = append(sets, "failed_count = ?")
		args = append(args, *upd.FailedCount)
	}
	if upd.ResumeAt != nil {
		sets = append(sets, "resume_at = ?")
		args = append(args, *upd.ResumeAt)
	} else if upd.ClearResumeAt {
		sets = append(sets, "resume_at = NULL")
	}
	if upd.FinishedAt != nil {
		sets = append(sets, "finished_at = ?")
		args = append(args, *upd.FinishedAt)
	}
	if len(sets) == 0 {
		return nil
	}

	query := "UPDATE sessions SET " + strings.Join(sets, ", ") + " WHERE id = ?"
	args = append(args, id)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("session %s not found", id)
	}
	return nil
}

// ActiveSessions returns all non-terminal sessions.
func (s *SQLite) ActiveSessions(ctx context.Context) ([]*model.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, status, total, sent_count, failed_count, resume_at, started_at, finished_at
		FROM sessions
		WHERE status IN (?, ?)
		ORDER BY started_at`,
		model.SessionRunning, model.SessionPaused,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sessions := []*model.Session{}
	for rows.Next() {
		sess := &model.Session{}
		var resumeAt, finishedAt sql.NullTime
		if err := rows.Scan(&sess.ID, &sess.Status, &sess.Total, &sess.SentCount, &sess.FailedCount,
			&resumeAt, &sess.StartedAt, &finishedAt); err != nil {
			return nil, err
		}
		if resumeAt.Valid {
			sess.ResumeAt = &resumeAt.Time
		}
		if finishedAt.Valid {
			sess.FinishedAt = &finishedAt.Time
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// AssignRecipients tags recipients with the owning session and records
// their order.
func (s *SQLite) AssignRecipients(ctx context.Context, sessionID string, recipients []model.Recipient) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO recipients (id, session_id, email, company, status, error, position)
		VALUES (?, ?, ?, ?, ?, '', ?)
		ON CONFLICT(id) DO UPDATE SET
			session_id = excluded.session_id,
			status = excluded.status,
			error = '',
			sent_at = NULL,
			position = excluded.position`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i, r := range recipients {
		if _, err := stmt.ExecContext(ctx, r.ID, sessionID, r.Email, r.Company, model.RecipientPending, i); err != nil {
			return fmt.Errorf("failed to assign recipient %s: %w", r.ID, err)
		}
	}

	return tx.Commit()
}

// Recipients returns a session's recipients in assignment order.
func (s *SQLite) Recipients(ctx context.Context, sessionID string) ([]*model.Recipient, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, email, company, status, error, sent_at
		FROM recipients
		WHERE session_id = ?
		ORDER BY position`, sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	recipients := []*model.Recipient{}
	for rows.Next() {
		r := &model.Recipient{}
		var sentAt sql.NullTime
		if err := rows.Scan(&r.ID, &r.SessionID, &r.Email, &r.Company, &r.Status, &r.Error, &sentAt); err != nil {
			return nil, err
		}
		if sentAt.Valid {
			r.SentAt = &sentAt.Time
		}
		recipients = append(recipients, r)
	}
	return recipients, rows.Err()
}

// UpdateRecipient applies a partial update to a recipient.
func (s *SQLite) UpdateRecipient(ctx context.Context, id string, upd RecipientUpdate) error {
	sets := []string{}
	args := []any{}

	if upd.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, *upd.Status)
	}
	if upd.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, *upd.Error)
	}
	if upd.SentAt != nil {
		sets = append(sets, "sent_at = ?")
		args = append(args, *upd.SentAt)
	}
	if len(sets) == 0 {
		return nil
	}

	query := "UPDATE recipients SET " + strings.Join(sets, ", ") + " WHERE id = ?"
	args = append(args, id)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update recipient: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("recipient %s not found", id)
	}
	return nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}
