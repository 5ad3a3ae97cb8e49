// Package events publishes session progress notifications for
// external consumers (dashboards, bots) over NATS.
package events

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// Event names carried in the envelope.
const (
	EventContactUpdated = "contact_updated"
	EventSessionPaused  = "session_paused"
	EventSessionUpdated = "session_updated"
)

// ContactUpdated reports a single recipient outcome.
type ContactUpdated struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// SessionPaused reports the scheduled resume time.
type SessionPaused struct {
	ResumeAt time.Time `json:"resumeAt"`
}

// SessionUpdated reports a session status or counter change. Counter
// fields are pointers so unchanged counters are omitted.
type SessionUpdated struct {
	Status      string `json:"status,omitempty"`
	SentCount   *int   `json:"sentCount,omitempty"`
	FailedCount *int   `json:"failedCount,omitempty"`
}

// Publisher delivers session events. Publishing is best-effort:
// implementations must not block dispatch on consumer failures.
type Publisher interface {
	Publish(sessionID, event string, payload any)
	Close()
}

type envelope struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// NATS publishes events on the "send-session.<id>" subject.
type NATS struct {
	conn   *nats.Conn
	logger *slog.Logger
}

// Connect dials the NATS server at url.
func Connect(url string, logger *slog.Logger) (*NATS, error) {
	conn, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, err
	}
	return &NATS{conn: conn, logger: logger}, nil
}

func (n *NATS) Publish(sessionID, event string, payload any) {
	data, err := json.Marshal(envelope{Event: event, Data: payload})
	if err != nil {
		n.logger.Debug("marshal event", "event", event, "error", err)
		return
	}
	if err := n.conn.Publish("send-session."+sessionID, data); err != nil {
		n.logger.Debug("publish event", "event", event, "session_id", sessionID, "error", err)
	}
}

func (n *NATS) Close() {
	n.conn.Drain()
}

// Nop discards all events. Used when eventing is disabled.
type Nop struct{}

func (Nop) Publish(sessionID, event string, payload any) {}
func (Nop) Close()                                       {}
