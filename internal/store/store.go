// Package store persists send sessions and per-recipient outcomes. It
// is the source of truth for resume-after-restart: the dispatcher only
// ever trusts what was last durably written here.
package store

import (
	"context"
	"time"

	"github.com/openmailer/dispatch/internal/model"
)

// SessionUpdate carries the session fields to change. Nil fields are
// left untouched; ClearResumeAt removes a previously set resume time.
type SessionUpdate struct {
	Status        *model.SessionStatus
	SentCount     *int
	FailedCount   *int
	ResumeAt      *time.Time
	ClearResumeAt bool
	FinishedAt    *time.Time
}

// RecipientUpdate carries the recipient fields to change. Error set to
// a non-nil empty string clears a previous error.
type RecipientUpdate struct {
	Status *model.RecipientStatus
	Error  *string
	SentAt *time.Time
}

// Store is the durable record of dispatch runs. Implementations must
// support independent read/update per session without cross-session
// interference; last-writer-wins at the field level is acceptable.
type Store interface {
	// CreateSession creates a running session with the given total
	// and returns its id.
	CreateSession(ctx context.Context, total int) (string, error)

	// Session returns a session by id, or nil if it does not exist.
	Session(ctx context.Context, id string) (*model.Session, error)

	// UpdateSession applies a partial update to a session.
	UpdateSession(ctx context.Context, id string, upd SessionUpdate) error

	// ActiveSessions returns all non-terminal sessions.
	ActiveSessions(ctx context.Context) ([]*model.Session, error)

	// AssignRecipients tags the recipients with the owning session id,
	// resets them to pending, and records their order.
	AssignRecipients(ctx context.Context, sessionID string, recipients []model.Recipient) error

	// Recipients returns a session's recipients in assignment order.
	Recipients(ctx context.Context, sessionID string) ([]*model.Recipient, error)

	// UpdateRecipient applies a partial update to a recipient.
	UpdateRecipient(ctx context.Context, id string, upd RecipientUpdate) error

	// Close releases the underlying storage.
	Close() error
}
