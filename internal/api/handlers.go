package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/mail"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/openmailer/dispatch/internal/dispatch"
	"github.com/openmailer/dispatch/internal/model"
)

// StartSessionRequest is the request body for POST /sessions
type StartSessionRequest struct {
	SessionID  string             `json:"session_id,omitempty"`
	Contacts   []ContactRequest   `json:"contacts,omitempty"`
	Template   TemplateRequest    `json:"template"`
	Schedule   *ScheduleRequest   `json:"schedule,omitempty"`
	SMTP       SMTPRequest        `json:"smtp"`
	Attachment *AttachmentRequest `json:"attachment,omitempty"`
}

// ContactRequest is one recipient in a start request
type ContactRequest struct {
	Email   string `json:"email"`
	Company string `json:"company,omitempty"`
}

// TemplateRequest is the message template of a start request
type TemplateRequest struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// ScheduleRequest overrides the configured send window
type ScheduleRequest struct {
	DelayMs   int `json:"delay_ms"`
	StartHour int `json:"start_hour"`
	EndHour   int `json:"end_hour"`
}

// SMTPRequest carries the transport credential; it is used for the
// lifetime of the session and never persisted
type SMTPRequest struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Secure   bool   `json:"secure"`
	User     string `json:"user"`
	Password string `json:"password"`
	FromName string `json:"from_name,omitempty"`
}

// AttachmentRequest names a file to fetch and attach to every message
type AttachmentRequest struct {
	URL      string `json:"url"`
	Filename string `json:"filename"`
}

// StartSessionResponse is the response for POST /sessions
type StartSessionResponse struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
}

// SessionResponse is the response for GET /sessions/{id}
type SessionResponse struct {
	ID          string              `json:"id"`
	Status      string              `json:"status"`
	Total       int                 `json:"total"`
	SentCount   int                 `json:"sent_count"`
	FailedCount int                 `json:"failed_count"`
	ResumeAt    *time.Time          `json:"resume_at,omitempty"`
	StartedAt   time.Time           `json:"started_at"`
	FinishedAt  *time.Time          `json:"finished_at,omitempty"`
	Recipients  []RecipientResponse `json:"recipients,omitempty"`
}

// RecipientResponse is one recipient's per-run status
type RecipientResponse struct {
	ID      string     `json:"id"`
	Email   string     `json:"email"`
	Company string     `json:"company,omitempty"`
	Status  string     `json:"status"`
	Error   string     `json:"error,omitempty"`
	SentAt  *time.Time `json:"sent_at,omitempty"`
}

// ActiveSessionsResponse is the response for GET /sessions/active
type ActiveSessionsResponse struct {
	Sessions []SessionResponse `json:"sessions"`
}

// HealthResponse is the response for GET /health
type HealthResponse struct {
	Status         string `json:"status"`
	Version        string `json:"version"`
	Uptime         string `json:"uptime"`
	ActiveSessions int    `json:"active_sessions"`
}

// ErrorResponse is the error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// handleStartSession handles POST /api/v1/sessions
func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req StartSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if msg := s.validateStart(&req); msg != "" {
		s.sendError(w, http.StatusBadRequest, msg)
		return
	}

	start := dispatch.StartRequest{
		SessionID: req.SessionID,
		Template: model.Template{
			Subject: req.Template.Subject,
			Body:    req.Template.Body,
		},
		Schedule: s.scheduleFor(req.Schedule),
		Credential: model.Credential{
			Host:     req.SMTP.Host,
			Port:     req.SMTP.Port,
			Secure:   req.SMTP.Secure,
			User:     req.SMTP.User,
			Secret:   req.SMTP.Password,
			FromName: req.SMTP.FromName,
		},
	}
	for _, c := range req.Contacts {
		start.Contacts = append(start.Contacts, dispatch.Contact{
			Email:   c.Email,
			Company: c.Company,
		})
	}
	if req.Attachment != nil {
		start.Attachment = &model.Attachment{
			URL:      req.Attachment.URL,
			Filename: req.Attachment.Filename,
		}
	}

	id, err := s.dispatcher.Start(r.Context(), start)
	if err != nil {
		switch {
		case errors.Is(err, dispatch.ErrSessionActive):
			s.sendError(w, http.StatusConflict, "Session is already active")
		case errors.Is(err, dispatch.ErrSessionFinished):
			s.sendError(w, http.StatusConflict, "Session is already finished")
		case errors.Is(err, dispatch.ErrSessionNotFound):
			s.sendError(w, http.StatusNotFound, "Session not found")
		default:
			s.logger.Error("failed to start session", "error", err)
			s.sendError(w, http.StatusBadRequest, err.Error())
		}
		return
	}

	s.logger.Info("session accepted via API",
		"session_id", id,
		"contacts", len(req.Contacts),
	)

	s.sendJSON(w, http.StatusAccepted, StartSessionResponse{
		SessionID: id,
		Status:    "accepted",
	})
}

// validateStart returns a client-facing message for the first invalid
// field, or an empty string when the request is well-formed.
func (s *Server) validateStart(req *StartSessionRequest) string {
	if req.SessionID == "" && len(req.Contacts) == 0 {
		return "contacts is required"
	}
	for _, c := range req.Contacts {
		if _, err := mail.ParseAddress(c.Email); err != nil {
			return "invalid contact email: " + c.Email
		}
	}
	if req.Template.Subject == "" {
		return "template.subject is required"
	}
	if req.Template.Body == "" {
		return "template.body is required"
	}
	if req.SMTP.Host == "" {
		return "smtp.host is required"
	}
	if req.SMTP.Port <= 0 || req.SMTP.Port > 65535 {
		return "smtp.port must be in (0,65535]"
	}
	if req.SMTP.User == "" {
		return "smtp.user is required"
	}
	if req.SMTP.Password == "" {
		return "smtp.password is required"
	}
	if req.Attachment != nil && req.Attachment.URL == "" {
		return "attachment.url is required"
	}
	return ""
}

// scheduleFor merges a request schedule with the configured defaults.
func (s *Server) scheduleFor(req *ScheduleRequest) model.Schedule {
	sched := model.Schedule{
		DelayMs:   s.config.Schedule.DelayMs,
		StartHour: s.config.Schedule.StartHour,
		EndHour:   s.config.Schedule.EndHour,
	}
	if req == nil {
		return sched
	}
	if req.DelayMs > 0 {
		sched.DelayMs = req.DelayMs
	}
	if req.StartHour != 0 || req.EndHour != 0 {
		sched.StartHour = req.StartHour
		sched.EndHour = req.EndHour
	}
	return sched
}

// handleGetSession handles GET /api/v1/sessions/{id}
func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		s.sendError(w, http.StatusBadRequest, "id is required")
		return
	}

	sess, err := s.store.Session(r.Context(), id)
	if err != nil {
		s.logger.Error("failed to get session", "session_id", id, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to get session")
		return
	}
	if sess == nil {
		s.sendError(w, http.StatusNotFound, "Session not found")
		return
	}

	recipients, err := s.store.Recipients(r.Context(), id)
	if err != nil {
		s.logger.Error("failed to get recipients", "session_id", id, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to get recipients")
		return
	}

	resp := sessionResponse(sess)
	for _, rcpt := range recipients {
		resp.Recipients = append(resp.Recipients, RecipientResponse{
			ID:      rcpt.ID,
			Email:   rcpt.Email,
			Company: rcpt.Company,
			Status:  string(rcpt.Status),
			Error:   rcpt.Error,
			SentAt:  rcpt.SentAt,
		})
	}

	s.sendJSON(w, http.StatusOK, resp)
}

// handleActiveSessions handles GET /api/v1/sessions/active
func (s *Server) handleActiveSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.store.ActiveSessions(r.Context())
	if err != nil {
		s.logger.Error("failed to list active sessions", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to list sessions")
		return
	}

	resp := ActiveSessionsResponse{Sessions: []SessionResponse{}}
	for _, sess := range sessions {
		resp.Sessions = append(resp.Sessions, sessionResponse(sess))
	}

	s.sendJSON(w, http.StatusOK, resp)
}

// handleSMTPTest handles POST /api/v1/smtp/test
func (s *Server) handleSMTPTest(w http.ResponseWriter, r *http.Request) {
	var req SMTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Host == "" || req.Port <= 0 {
		s.sendError(w, http.StatusBadRequest, "host and port are required")
		return
	}

	cred := model.Credential{
		Host:   req.Host,
		Port:   req.Port,
		Secure: req.Secure,
		User:   req.User,
		Secret: req.Password,
	}
	if err := s.verifier.Verify(r.Context(), cred); err != nil {
		s.sendJSON(w, http.StatusOK, map[string]any{
			"ok":    false,
			"error": err.Error(),
		})
		return
	}

	s.sendJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, HealthResponse{
		Status:         "ok",
		Version:        "0.1.0",
		Uptime:         time.Since(s.startTime).String(),
		ActiveSessions: s.dispatcher.ActiveCount(),
	})
}

func sessionResponse(sess *model.Session) SessionResponse {
	return SessionResponse{
		ID:          sess.ID,
		Status:      string(sess.Status),
		Total:       sess.Total,
		SentCount:   sess.SentCount,
		FailedCount: sess.FailedCount,
		ResumeAt:    sess.ResumeAt,
		StartedAt:   sess.StartedAt,
		FinishedAt:  sess.FinishedAt,
	}
}

// sendJSON sends a JSON response
func (s *Server) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

// sendError sends an error response
func (s *Server) sendError(w http.ResponseWriter, status int, message string) {
	s.sendJSON(w, status, ErrorResponse{Error: message})
}
