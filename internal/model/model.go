// Package model defines the core data types shared across the dispatch
// service: send sessions, recipients, templates, and relay credentials.
package model

import (
	"fmt"
	"time"
)

// SessionStatus is the lifecycle state of a send session.
type SessionStatus string

const (
	SessionRunning   SessionStatus = "running"
	SessionPaused    SessionStatus = "paused"
	SessionCompleted SessionStatus = "completed"
	SessionAborted   SessionStatus = "aborted"
)

// Terminal reports whether the status is final. A terminal session never
// receives further recipient or counter updates.
func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionAborted
}

// RecipientStatus is the per-session delivery state of a recipient.
type RecipientStatus string

const (
	RecipientPending RecipientStatus = "pending"
	RecipientSent    RecipientStatus = "sent"
	RecipientFailed  RecipientStatus = "failed"
)

// Session represents one end-to-end dispatch run over a fixed recipient
// batch. Total is fixed at creation; SentCount+FailedCount grows
// monotonically toward it.
type Session struct {
	ID          string        `json:"id"`
	Status      SessionStatus `json:"status"`
	Total       int           `json:"total"`
	SentCount   int           `json:"sent_count"`
	FailedCount int           `json:"failed_count"`
	ResumeAt    *time.Time    `json:"resume_at,omitempty"`
	StartedAt   time.Time     `json:"started_at"`
	FinishedAt  *time.Time    `json:"finished_at,omitempty"`
}

// Recipient is one addressable target of a dispatch. Identity is the
// immutable ID; Status, Error and SentAt mutate exactly once per session.
type Recipient struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id,omitempty"`
	Email     string          `json:"email"`
	Company   string          `json:"company"`
	Status    RecipientStatus `json:"status"`
	Error     string          `json:"error,omitempty"`
	SentAt    *time.Time      `json:"sent_at,omitempty"`
}

// Template holds the two interpolation targets of an outgoing message.
type Template struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// Schedule is the pacing and daily-window policy for a session. The
// window is a single contiguous [StartHour, EndHour) range; overnight
// wraparound is not supported.
type Schedule struct {
	DelayMs   int `json:"delay_ms"`
	StartHour int `json:"start_hour"`
	EndHour   int `json:"end_hour"`
}

// DefaultSchedule returns the stock pacing policy: 3s between sends,
// window 09:00-18:00.
func DefaultSchedule() Schedule {
	return Schedule{DelayMs: 3000, StartHour: 9, EndHour: 18}
}

// Validate checks the schedule invariants.
func (s Schedule) Validate() error {
	if s.DelayMs < 0 {
		return fmt.Errorf("delay_ms must not be negative, got %d", s.DelayMs)
	}
	if s.StartHour < 0 || s.StartHour > 23 {
		return fmt.Errorf("start_hour must be in [0,23], got %d", s.StartHour)
	}
	if s.EndHour < 1 || s.EndHour > 24 {
		return fmt.Errorf("end_hour must be in [1,24], got %d", s.EndHour)
	}
	if s.EndHour <= s.StartHour {
		return fmt.Errorf("end_hour (%d) must be greater than start_hour (%d)", s.EndHour, s.StartHour)
	}
	return nil
}

// Credential holds the relay connection settings for one session. Secret
// is supplied fresh with each start request and is never persisted.
type Credential struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Secure   bool   `json:"secure"`
	User     string `json:"user"`
	Secret   string `json:"-"`
	FromName string `json:"from_name"`
}

// Addr returns the host:port dial target of the relay.
func (c Credential) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Attachment references a single file attached unchanged to every
// message in a session.
type Attachment struct {
	URL      string `json:"url"`
	Filename string `json:"filename"`
}
