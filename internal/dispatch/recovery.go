package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/openmailer/dispatch/internal/model"
	"github.com/openmailer/dispatch/internal/store"
)

// RecoverSessions marks every non-terminal session aborted. It runs
// once at startup: sessions interrupted by a crash cannot be resumed
// in place because SMTP credentials are never persisted, so the
// stored state is closed out and the pending recipients stay
// queryable for a follow-up run.
func RecoverSessions(ctx context.Context, st store.Store, logger *slog.Logger) error {
	sessions, err := st.ActiveSessions(ctx)
	if err != nil {
		return fmt.Errorf("list active sessions: %w", err)
	}

	for _, sess := range sessions {
		aborted := model.SessionAborted
		now := time.Now()
		if err := st.UpdateSession(ctx, sess.ID, store.SessionUpdate{
			Status:        &aborted,
			FinishedAt:    &now,
			ClearResumeAt: true,
		}); err != nil {
			return fmt.Errorf("abort session %s: %w", sess.ID, err)
		}
		logger.Warn("aborted interrupted session",
			"session_id", sess.ID,
			"was", sess.Status,
			"sent", sess.SentCount,
			"failed", sess.FailedCount)
	}

	if len(sessions) > 0 {
		logger.Info("session recovery finished", "aborted", len(sessions))
	}
	return nil
}
