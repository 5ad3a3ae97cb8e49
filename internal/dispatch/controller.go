// Package dispatch drives bulk send sessions: one goroutine per
// session walks the recipient list, holding every send inside the
// configured daily window and persisting progress after each attempt.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/openmailer/dispatch/internal/events"
	"github.com/openmailer/dispatch/internal/metrics"
	"github.com/openmailer/dispatch/internal/model"
	"github.com/openmailer/dispatch/internal/schedule"
	"github.com/openmailer/dispatch/internal/store"
	"github.com/openmailer/dispatch/internal/template"
	"github.com/openmailer/dispatch/internal/transport"
)

// Sender delivers a single rendered message.
type Sender interface {
	Send(ctx context.Context, cred model.Credential, msg *transport.Message) error
}

// Job is one unit of dispatch work: the recipients still owed a
// message plus everything needed to render and deliver it.
type Job struct {
	SessionID  string
	Recipients []model.Recipient
	Template   model.Template
	Schedule   model.Schedule
	Credential model.Credential
	Attachment *transport.Attachment
}

// Controller executes dispatch jobs against the store and transport.
type Controller struct {
	store  store.Store
	events events.Publisher
	sender Sender
	clock  schedule.Clock
	logger *slog.Logger
}

func NewController(st store.Store, pub events.Publisher, sender Sender, clock schedule.Clock, logger *slog.Logger) *Controller {
	if clock == nil {
		clock = schedule.System()
	}
	return &Controller{
		store:  st,
		events: pub,
		sender: sender,
		clock:  clock,
		logger: logger,
	}
}

// Run processes the job to completion. It returns nil when the
// session reaches a terminal state, the context error when cancelled
// mid-flight (the session keeps its last persisted state), and a
// store error when progress can no longer be persisted (the session
// is marked aborted).
func (c *Controller) Run(ctx context.Context, job Job) error {
	log := c.logger.With("session_id", job.SessionID)

	sess, err := c.store.Session(ctx, job.SessionID)
	if err != nil {
		return c.abort(ctx, job.SessionID, fmt.Errorf("load session: %w", err))
	}
	if sess == nil {
		return fmt.Errorf("session %s not found", job.SessionID)
	}
	sent := sess.SentCount
	failed := sess.FailedCount

	log.Info("session dispatch started",
		"recipients", len(job.Recipients),
		"delay_ms", job.Schedule.DelayMs,
		"window", fmt.Sprintf("%02d-%02d", job.Schedule.StartHour, job.Schedule.EndHour))

	for i, rcpt := range job.Recipients {
		if err := c.holdForWindow(ctx, job, log); err != nil {
			return err
		}

		outcome := c.deliver(ctx, job, rcpt, log)
		if ctx.Err() != nil {
			// Shutdown mid-delivery: keep the last persisted state.
			log.Info("session dispatch interrupted", "sent", sent, "failed", failed)
			return ctx.Err()
		}
		if outcome.sent {
			sent++
		} else {
			failed++
		}

		if err := c.persistOutcome(ctx, job.SessionID, rcpt, outcome, sent, failed); err != nil {
			return c.abort(ctx, job.SessionID, err)
		}

		if i < len(job.Recipients)-1 {
			delay := time.Duration(job.Schedule.DelayMs) * time.Millisecond
			if err := c.clock.Sleep(ctx, delay); err != nil {
				log.Info("session dispatch interrupted", "sent", sent, "failed", failed)
				return err
			}
		}
	}

	now := c.clock.Now()
	completed := model.SessionCompleted
	if err := c.store.UpdateSession(ctx, job.SessionID, store.SessionUpdate{
		Status:     &completed,
		FinishedAt: &now,
	}); err != nil {
		return c.abort(ctx, job.SessionID, fmt.Errorf("finalize session: %w", err))
	}
	c.events.Publish(job.SessionID, events.EventSessionUpdated, events.SessionUpdated{
		Status: string(model.SessionCompleted),
	})
	metrics.IncSessionsFinished("completed")

	log.Info("session dispatch completed", "sent", sent, "failed", failed)
	return nil
}

type outcome struct {
	sent   bool
	errMsg string
	sentAt time.Time
}

// holdForWindow pauses the session until the next window opening when
// the current time falls outside [StartHour, EndHour). Outside the
// window the resume target is always StartHour of the following day.
func (c *Controller) holdForWindow(ctx context.Context, job Job, log *slog.Logger) error {
	now := c.clock.Now()
	if schedule.WithinWindow(now, job.Schedule.StartHour, job.Schedule.EndHour) {
		return nil
	}

	wait := schedule.UntilNextStart(now, job.Schedule.StartHour)
	resumeAt := now.Add(wait)

	paused := model.SessionPaused
	if err := c.store.UpdateSession(ctx, job.SessionID, store.SessionUpdate{
		Status:   &paused,
		ResumeAt: &resumeAt,
	}); err != nil {
		return c.abort(ctx, job.SessionID, fmt.Errorf("persist pause: %w", err))
	}
	c.events.Publish(job.SessionID, events.EventSessionPaused, events.SessionPaused{ResumeAt: resumeAt})
	c.events.Publish(job.SessionID, events.EventSessionUpdated, events.SessionUpdated{
		Status: string(model.SessionPaused),
	})
	metrics.IncSchedulePauses()

	log.Info("session paused outside send window", "resume_at", resumeAt)

	if err := c.clock.Sleep(ctx, wait); err != nil {
		return err
	}

	running := model.SessionRunning
	if err := c.store.UpdateSession(ctx, job.SessionID, store.SessionUpdate{
		Status:        &running,
		ClearResumeAt: true,
	}); err != nil {
		return c.abort(ctx, job.SessionID, fmt.Errorf("persist resume: %w", err))
	}
	c.events.Publish(job.SessionID, events.EventSessionUpdated, events.SessionUpdated{
		Status: string(model.SessionRunning),
	})

	log.Info("session resumed")
	return nil
}

func (c *Controller) deliver(ctx context.Context, job Job, rcpt model.Recipient, log *slog.Logger) outcome {
	subject := template.Render(job.Template.Subject, rcpt)
	body := template.Render(job.Template.Body, rcpt)

	msg := &transport.Message{
		FromName:   job.Credential.FromName,
		FromAddr:   job.Credential.User,
		To:         rcpt.Email,
		Subject:    subject,
		Text:       body,
		HTML:       template.RenderHTML(job.Template.Body, rcpt),
		Attachment: job.Attachment,
	}

	start := c.clock.Now()
	err := c.sender.Send(ctx, job.Credential, msg)
	metrics.ObserveSendDuration(c.clock.Now().Sub(start))

	if err != nil {
		errType := "permanent"
		if transport.IsTemporaryError(err) {
			errType = "temporary"
		}
		metrics.IncMessagesFailed(errType)
		log.Warn("delivery failed", "recipient", rcpt.Email, "error", err)
		return outcome{errMsg: err.Error()}
	}

	metrics.IncMessagesSent()
	log.Debug("delivery succeeded", "recipient", rcpt.Email)
	return outcome{sent: true, sentAt: c.clock.Now()}
}

// persistOutcome records the recipient result and the session
// counters, then notifies subscribers. Store failures here are fatal
// for the session.
func (c *Controller) persistOutcome(ctx context.Context, sessionID string, rcpt model.Recipient, out outcome, sent, failed int) error {
	var upd store.RecipientUpdate
	if out.sent {
		status := model.RecipientSent
		sentAt := out.sentAt
		upd = store.RecipientUpdate{Status: &status, SentAt: &sentAt}
	} else {
		status := model.RecipientFailed
		errMsg := out.errMsg
		upd = store.RecipientUpdate{Status: &status, Error: &errMsg}
	}
	if err := c.store.UpdateRecipient(ctx, rcpt.ID, upd); err != nil {
		return fmt.Errorf("persist recipient %s: %w", rcpt.ID, err)
	}

	if err := c.store.UpdateSession(ctx, sessionID, store.SessionUpdate{
		SentCount:   &sent,
		FailedCount: &failed,
	}); err != nil {
		return fmt.Errorf("persist counters: %w", err)
	}

	contactStatus := string(model.RecipientSent)
	if !out.sent {
		contactStatus = string(model.RecipientFailed)
	}
	c.events.Publish(sessionID, events.EventContactUpdated, events.ContactUpdated{
		ID:     rcpt.ID,
		Status: contactStatus,
		Error:  out.errMsg,
	})
	c.events.Publish(sessionID, events.EventSessionUpdated, events.SessionUpdated{
		SentCount:   &sent,
		FailedCount: &failed,
	})
	return nil
}

// abort marks the session aborted after an unrecoverable error. The
// original error is returned even if the abort write also fails.
func (c *Controller) abort(ctx context.Context, sessionID string, cause error) error {
	aborted := model.SessionAborted
	now := c.clock.Now()
	if err := c.store.UpdateSession(ctx, sessionID, store.SessionUpdate{
		Status:        &aborted,
		FinishedAt:    &now,
		ClearResumeAt: true,
	}); err != nil {
		c.logger.Error("failed to mark session aborted", "session_id", sessionID, "error", err)
	} else {
		c.events.Publish(sessionID, events.EventSessionUpdated, events.SessionUpdated{
			Status: string(model.SessionAborted),
		})
	}
	metrics.IncSessionsFinished("aborted")
	c.logger.Error("session aborted", "session_id", sessionID, "error", cause)
	return cause
}
