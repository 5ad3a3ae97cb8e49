package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/openmailer/dispatch/internal/metrics"
	"github.com/openmailer/dispatch/internal/model"
	"github.com/openmailer/dispatch/internal/store"
	"github.com/openmailer/dispatch/internal/transport"
)

var (
	// ErrSessionActive is returned when a start request names a
	// session that is already being dispatched.
	ErrSessionActive = errors.New("session is already active")

	// ErrSessionFinished is returned when a start request names a
	// session in a terminal state.
	ErrSessionFinished = errors.New("session is already finished")

	// ErrSessionNotFound is returned when a start request names an
	// unknown session.
	ErrSessionNotFound = errors.New("session not found")
)

// Contact is one recipient of a start request.
type Contact struct {
	Email   string
	Company string
}

// StartRequest describes a dispatch session to start. An empty
// SessionID creates a new session; a non-empty one resumes the
// pending recipients of a stored session.
type StartRequest struct {
	SessionID  string
	Contacts   []Contact
	Template   model.Template
	Schedule   model.Schedule
	Credential model.Credential
	Attachment *model.Attachment
}

// FetchFunc downloads a session attachment.
type FetchFunc func(ctx context.Context, url, filename string) (*transport.Attachment, error)

// Manager owns the running session goroutines. At most one goroutine
// dispatches a given session at a time.
type Manager struct {
	controller *Controller
	store      store.Store
	logger     *slog.Logger
	fetch      FetchFunc

	mu     sync.Mutex
	active map[string]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewManager(controller *Controller, st store.Store, logger *slog.Logger) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		controller: controller,
		store:      st,
		logger:     logger,
		fetch:      transport.FetchAttachment,
		active:     make(map[string]struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// SetFetchFunc overrides the attachment downloader.
func (m *Manager) SetFetchFunc(fn FetchFunc) {
	m.fetch = fn
}

// Start validates the request, persists the session and launches its
// dispatch goroutine. The goroutine outlives the request context;
// only Shutdown stops it.
func (m *Manager) Start(ctx context.Context, req StartRequest) (string, error) {
	if err := req.Schedule.Validate(); err != nil {
		return "", fmt.Errorf("invalid schedule: %w", err)
	}

	var attachment *transport.Attachment
	if req.Attachment != nil {
		att, err := m.fetch(ctx, req.Attachment.URL, req.Attachment.Filename)
		if err != nil {
			return "", fmt.Errorf("fetch attachment: %w", err)
		}
		attachment = att
	}

	var (
		sessionID  string
		recipients []model.Recipient
	)
	if req.SessionID == "" {
		if len(req.Contacts) == 0 {
			return "", errors.New("no contacts to dispatch")
		}
		id, err := m.store.CreateSession(ctx, len(req.Contacts))
		if err != nil {
			return "", fmt.Errorf("create session: %w", err)
		}
		sessionID = id

		recipients = make([]model.Recipient, len(req.Contacts))
		for i, c := range req.Contacts {
			recipients[i] = model.Recipient{
				ID:      uuid.NewString(),
				Email:   c.Email,
				Company: c.Company,
			}
		}
		if err := m.store.AssignRecipients(ctx, sessionID, recipients); err != nil {
			return "", fmt.Errorf("assign recipients: %w", err)
		}
		for i := range recipients {
			recipients[i].SessionID = sessionID
			recipients[i].Status = model.RecipientPending
		}
	} else {
		sessionID = req.SessionID
		sess, err := m.store.Session(ctx, sessionID)
		if err != nil {
			return "", fmt.Errorf("load session: %w", err)
		}
		if sess == nil {
			return "", ErrSessionNotFound
		}
		if sess.Status.Terminal() {
			return "", ErrSessionFinished
		}

		all, err := m.store.Recipients(ctx, sessionID)
		if err != nil {
			return "", fmt.Errorf("load recipients: %w", err)
		}
		for _, r := range all {
			if r.Status == model.RecipientPending {
				recipients = append(recipients, *r)
			}
		}
	}

	if !m.reserve(sessionID) {
		return "", ErrSessionActive
	}

	job := Job{
		SessionID:  sessionID,
		Recipients: recipients,
		Template:   req.Template,
		Schedule:   req.Schedule,
		Credential: req.Credential,
		Attachment: attachment,
	}

	metrics.IncSessionsStarted()
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer m.release(sessionID)
		if err := m.controller.Run(m.ctx, job); err != nil && !errors.Is(err, context.Canceled) {
			m.logger.Error("session dispatch failed", "session_id", sessionID, "error", err)
		}
	}()

	return sessionID, nil
}

func (m *Manager) reserve(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.active[sessionID]; ok {
		return false
	}
	m.active[sessionID] = struct{}{}
	metrics.SetSessionsActive(len(m.active))
	return true
}

func (m *Manager) release(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.active, sessionID)
	metrics.SetSessionsActive(len(m.active))
}

// IsActive reports whether a session is currently being dispatched.
func (m *Manager) IsActive(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.active[sessionID]
	return ok
}

// ActiveCount returns the number of sessions being dispatched.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// Shutdown cancels all session goroutines and waits for them to
// persist their final state.
func (m *Manager) Shutdown() {
	m.cancel()
	m.wg.Wait()
}
