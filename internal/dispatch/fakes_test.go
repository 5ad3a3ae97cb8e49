package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/openmailer/dispatch/internal/model"
	"github.com/openmailer/dispatch/internal/store"
	"github.com/openmailer/dispatch/internal/transport"
)

type fakeStore struct {
	mu         sync.Mutex
	sessions   map[string]*model.Session
	recipients map[string]*model.Recipient
	order      map[string][]string
	nextID     int

	// failRecipient injects a persistence failure for a recipient ID.
	failRecipient map[string]error
	// failSession injects a failure for session updates it matches.
	failSession func(upd store.SessionUpdate) error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		sessions:      make(map[string]*model.Session),
		recipients:    make(map[string]*model.Recipient),
		order:         make(map[string][]string),
		failRecipient: make(map[string]error),
	}
}

func (f *fakeStore) CreateSession(ctx context.Context, total int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("sess-%d", f.nextID)
	f.sessions[id] = &model.Session{
		ID:        id,
		Status:    model.SessionRunning,
		Total:     total,
		StartedAt: time.Now(),
	}
	return id, nil
}

func (f *fakeStore) Session(ctx context.Context, id string) (*model.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sess, ok := f.sessions[id]
	if !ok {
		return nil, nil
	}
	cp := *sess
	return &cp, nil
}

func (f *fakeStore) UpdateSession(ctx context.Context, id string, upd store.SessionUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	sess, ok := f.sessions[id]
	if !ok {
		return fmt.Errorf("session %s not found", id)
	}
	if f.failSession != nil {
		if err := f.failSession(upd); err != nil {
			return err
		}
	}
	if upd.Status != nil {
		sess.Status = *upd.Status
	}
	if upd.SentCount != nil {
		sess.SentCount = *upd.SentCount
	}
	if upd.FailedCount != nil {
		sess.FailedCount = *upd.FailedCount
	}
	if upd.ResumeAt != nil {
		t := *upd.ResumeAt
		sess.ResumeAt = &t
	}
	if upd.ClearResumeAt {
		sess.ResumeAt = nil
	}
	if upd.FinishedAt != nil {
		t := *upd.FinishedAt
		sess.FinishedAt = &t
	}
	return nil
}

func (f *fakeStore) ActiveSessions(ctx context.Context) ([]*model.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.Session
	for _, sess := range f.sessions {
		if !sess.Status.Terminal() {
			cp := *sess
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeStore) AssignRecipients(ctx context.Context, sessionID string, recipients []model.Recipient) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.order[sessionID] = nil
	for _, r := range recipients {
		r.SessionID = sessionID
		r.Status = model.RecipientPending
		cp := r
		f.recipients[r.ID] = &cp
		f.order[sessionID] = append(f.order[sessionID], r.ID)
	}
	return nil
}

func (f *fakeStore) Recipients(ctx context.Context, sessionID string) ([]*model.Recipient, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.Recipient
	for _, id := range f.order[sessionID] {
		cp := *f.recipients[id]
		out = append(out, &cp)
	}
	return out, nil
}

func (f *fakeStore) UpdateRecipient(ctx context.Context, id string, upd store.RecipientUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.failRecipient[id]; ok {
		return err
	}
	r, ok := f.recipients[id]
	if !ok {
		return fmt.Errorf("recipient %s not found", id)
	}
	if upd.Status != nil {
		r.Status = *upd.Status
	}
	if upd.Error != nil {
		r.Error = *upd.Error
	}
	if upd.SentAt != nil {
		t := *upd.SentAt
		r.SentAt = &t
	}
	return nil
}

func (f *fakeStore) Close() error { return nil }

func (f *fakeStore) recipient(id string) model.Recipient {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.recipients[id]
}

func (f *fakeStore) session(id string) model.Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.sessions[id]
}

type publishedEvent struct {
	sessionID string
	name      string
	payload   any
}

type fakePublisher struct {
	mu     sync.Mutex
	events []publishedEvent
}

func (f *fakePublisher) Publish(sessionID, event string, payload any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, publishedEvent{sessionID, event, payload})
}

func (f *fakePublisher) Close() {}

func (f *fakePublisher) named(name string) []publishedEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []publishedEvent
	for _, e := range f.events {
		if e.name == name {
			out = append(out, e)
		}
	}
	return out
}

type sentMessage struct {
	to      string
	subject string
	text    string
	at      time.Time
}

type fakeSender struct {
	mu      sync.Mutex
	sent    []sentMessage
	failFor map[string]error
	blocked chan struct{}
	clock   *fakeClock
}

func newFakeSender(clock *fakeClock) *fakeSender {
	return &fakeSender{failFor: make(map[string]error), clock: clock}
}

func (f *fakeSender) Send(ctx context.Context, cred model.Credential, msg *transport.Message) error {
	if f.blocked != nil {
		select {
		case <-f.blocked:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var at time.Time
	if f.clock != nil {
		at = f.clock.Now()
	}
	f.sent = append(f.sent, sentMessage{to: msg.To, subject: msg.Subject, text: msg.Text, at: at})
	if err, ok := f.failFor[msg.To]; ok {
		return err
	}
	return nil
}

func (f *fakeSender) deliveries() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.sent...)
}

// fakeClock advances instantly on Sleep so window pauses and pacing
// delays run in test time.
type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	sleeps  []time.Duration
	onSleep func(d time.Duration) error
}

func newFakeClock(now time.Time) *fakeClock {
	return &fakeClock{now: now}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	f.mu.Lock()
	hook := f.onSleep
	f.sleeps = append(f.sleeps, d)
	f.now = f.now.Add(d)
	f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if hook != nil {
		return hook(d)
	}
	return nil
}

func (f *fakeClock) recorded() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Duration(nil), f.sleeps...)
}

func recipientStatus(s model.RecipientStatus) store.RecipientUpdate {
	return store.RecipientUpdate{Status: &s}
}

func sessionStatus(s model.SessionStatus) store.SessionUpdate {
	return store.SessionUpdate{Status: &s}
}

func sessionCounters(sent, failed *int) store.SessionUpdate {
	return store.SessionUpdate{SentCount: sent, FailedCount: failed}
}

func sessionResumeAt(t *time.Time) store.SessionUpdate {
	return store.SessionUpdate{ResumeAt: t}
}
