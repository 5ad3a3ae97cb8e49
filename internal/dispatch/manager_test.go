package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/openmailer/dispatch/internal/model"
	"github.com/openmailer/dispatch/internal/transport"
)

func newTestManager(t *testing.T, st *fakeStore, sender *fakeSender, clock *fakeClock) *Manager {
	t.Helper()
	c := NewController(st, &fakePublisher{}, sender, clock, testLogger())
	m := NewManager(c, st, testLogger())
	t.Cleanup(m.Shutdown)
	return m
}

func waitInactive(t *testing.T, m *Manager, sessionID string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for m.IsActive(sessionID) {
		if time.Now().After(deadline) {
			t.Fatalf("session %s still active", sessionID)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestManagerStartNewSession(t *testing.T) {
	st := newFakeStore()
	clock := newFakeClock(time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC))
	sender := newFakeSender(clock)
	m := newTestManager(t, st, sender, clock)

	id, err := m.Start(context.Background(), StartRequest{
		Contacts: []Contact{
			{Email: "a@one.com", Company: "One"},
			{Email: "b@two.com", Company: "Two"},
		},
		Template:   model.Template{Subject: "s", Body: "b"},
		Schedule:   alwaysOpen(),
		Credential: model.Credential{Host: "smtp.test", Port: 587},
	})
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if id == "" {
		t.Fatal("empty session id")
	}

	waitInactive(t, m, id)

	sess := st.session(id)
	if sess.Status != model.SessionCompleted {
		t.Errorf("status = %q, want completed", sess.Status)
	}
	if sess.Total != 2 || sess.SentCount != 2 {
		t.Errorf("total/sent = %d/%d, want 2/2", sess.Total, sess.SentCount)
	}
	if len(sender.deliveries()) != 2 {
		t.Errorf("deliveries = %d, want 2", len(sender.deliveries()))
	}
}

func TestManagerRejectsEmptyContacts(t *testing.T) {
	st := newFakeStore()
	clock := newFakeClock(time.Now())
	m := newTestManager(t, st, newFakeSender(clock), clock)

	_, err := m.Start(context.Background(), StartRequest{
		Schedule:   alwaysOpen(),
		Credential: model.Credential{Host: "smtp.test", Port: 587},
	})
	if err == nil {
		t.Fatal("Start() accepted a request without contacts")
	}
}

func TestManagerRejectsInvalidSchedule(t *testing.T) {
	st := newFakeStore()
	clock := newFakeClock(time.Now())
	m := newTestManager(t, st, newFakeSender(clock), clock)

	_, err := m.Start(context.Background(), StartRequest{
		Contacts:   []Contact{{Email: "a@one.com"}},
		Schedule:   model.Schedule{DelayMs: 1000, StartHour: 18, EndHour: 9},
		Credential: model.Credential{Host: "smtp.test", Port: 587},
	})
	if err == nil {
		t.Fatal("Start() accepted an inverted window")
	}
}

func TestManagerRejectsDuplicateStart(t *testing.T) {
	st := newFakeStore()
	clock := newFakeClock(time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC))
	sender := newFakeSender(clock)
	sender.blocked = make(chan struct{})
	m := newTestManager(t, st, sender, clock)

	id, err := m.Start(context.Background(), StartRequest{
		Contacts:   []Contact{{Email: "a@one.com"}},
		Schedule:   alwaysOpen(),
		Credential: model.Credential{Host: "smtp.test", Port: 587},
	})
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	_, err = m.Start(context.Background(), StartRequest{
		SessionID:  id,
		Schedule:   alwaysOpen(),
		Credential: model.Credential{Host: "smtp.test", Port: 587},
	})
	if !errors.Is(err, ErrSessionActive) {
		t.Errorf("second Start() error = %v, want ErrSessionActive", err)
	}

	close(sender.blocked)
	waitInactive(t, m, id)
}

func TestManagerResumesPendingRecipients(t *testing.T) {
	st := newFakeStore()
	clock := newFakeClock(time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC))
	sender := newFakeSender(clock)
	m := newTestManager(t, st, sender, clock)

	// A stored session where the first recipient already went out.
	id, _ := seedSession(t, st,
		model.Recipient{ID: "r1", Email: "a@one.com"},
		model.Recipient{ID: "r2", Email: "b@two.com"},
		model.Recipient{ID: "r3", Email: "c@three.com"},
	)
	sent := model.RecipientSent
	st.UpdateRecipient(context.Background(), "r1", recipientStatus(sent))
	one := 1
	st.UpdateSession(context.Background(), id, sessionCounters(&one, nil))

	got, err := m.Start(context.Background(), StartRequest{
		SessionID:  id,
		Template:   model.Template{Subject: "s", Body: "b"},
		Schedule:   alwaysOpen(),
		Credential: model.Credential{Host: "smtp.test", Port: 587},
	})
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if got != id {
		t.Fatalf("resumed session id = %q, want %q", got, id)
	}

	waitInactive(t, m, id)

	// Only the two pending recipients went out.
	deliveries := sender.deliveries()
	if len(deliveries) != 2 {
		t.Fatalf("deliveries = %d, want 2", len(deliveries))
	}
	if deliveries[0].to != "b@two.com" || deliveries[1].to != "c@three.com" {
		t.Errorf("delivered to %s, %s", deliveries[0].to, deliveries[1].to)
	}

	sess := st.session(id)
	if sess.Status != model.SessionCompleted {
		t.Errorf("status = %q, want completed", sess.Status)
	}
	if sess.SentCount != 3 {
		t.Errorf("sentCount = %d, want 3 (counter continues from stored value)", sess.SentCount)
	}
}

func TestManagerRejectsFinishedSession(t *testing.T) {
	st := newFakeStore()
	clock := newFakeClock(time.Now())
	m := newTestManager(t, st, newFakeSender(clock), clock)

	id, _ := seedSession(t, st, model.Recipient{ID: "r1", Email: "a@one.com"})
	completed := model.SessionCompleted
	st.UpdateSession(context.Background(), id, sessionStatus(completed))

	_, err := m.Start(context.Background(), StartRequest{
		SessionID:  id,
		Schedule:   alwaysOpen(),
		Credential: model.Credential{Host: "smtp.test", Port: 587},
	})
	if !errors.Is(err, ErrSessionFinished) {
		t.Errorf("Start() error = %v, want ErrSessionFinished", err)
	}
}

func TestManagerRejectsUnknownSession(t *testing.T) {
	st := newFakeStore()
	clock := newFakeClock(time.Now())
	m := newTestManager(t, st, newFakeSender(clock), clock)

	_, err := m.Start(context.Background(), StartRequest{
		SessionID:  "nope",
		Schedule:   alwaysOpen(),
		Credential: model.Credential{Host: "smtp.test", Port: 587},
	})
	if !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Start() error = %v, want ErrSessionNotFound", err)
	}
}

func TestManagerAttachmentFetchFailureRejectsStart(t *testing.T) {
	st := newFakeStore()
	clock := newFakeClock(time.Now())
	m := newTestManager(t, st, newFakeSender(clock), clock)

	m.SetFetchFunc(func(ctx context.Context, url, filename string) (*transport.Attachment, error) {
		return nil, errors.New("connection refused")
	})

	_, err := m.Start(context.Background(), StartRequest{
		Contacts:   []Contact{{Email: "a@one.com"}},
		Template:   model.Template{Subject: "s", Body: "b"},
		Schedule:   alwaysOpen(),
		Credential: model.Credential{Host: "smtp.test", Port: 587},
		Attachment: &model.Attachment{URL: "https://files.test/cv.pdf", Filename: "cv.pdf"},
	})
	if err == nil {
		t.Fatal("Start() accepted the request despite a failed attachment fetch")
	}
	// Rejected synchronously: no session was created.
	if m.ActiveCount() != 0 {
		t.Errorf("ActiveCount = %d, want 0", m.ActiveCount())
	}
}

func TestManagerAttachmentReachesSender(t *testing.T) {
	st := newFakeStore()
	clock := newFakeClock(time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC))
	sender := newFakeSender(clock)
	m := newTestManager(t, st, sender, clock)

	fetched := 0
	m.SetFetchFunc(func(ctx context.Context, url, filename string) (*transport.Attachment, error) {
		fetched++
		return &transport.Attachment{
			Filename:    filename,
			ContentType: "application/pdf",
			Content:     []byte("%PDF-1.4"),
		}, nil
	})

	id, err := m.Start(context.Background(), StartRequest{
		Contacts: []Contact{
			{Email: "a@one.com"},
			{Email: "b@two.com"},
		},
		Template:   model.Template{Subject: "s", Body: "b"},
		Schedule:   alwaysOpen(),
		Credential: model.Credential{Host: "smtp.test", Port: 587},
		Attachment: &model.Attachment{URL: "https://files.test/cv.pdf", Filename: "cv.pdf"},
	})
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	waitInactive(t, m, id)

	// Downloaded once for the whole session, not per recipient.
	if fetched != 1 {
		t.Errorf("fetched %d times, want 1", fetched)
	}
}

func TestManagerShutdownStopsSessions(t *testing.T) {
	st := newFakeStore()
	clock := newFakeClock(time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC))
	sender := newFakeSender(clock)
	sender.blocked = make(chan struct{})

	c := NewController(st, &fakePublisher{}, sender, clock, testLogger())
	m := NewManager(c, st, testLogger())

	id, err := m.Start(context.Background(), StartRequest{
		Contacts:   []Contact{{Email: "a@one.com"}, {Email: "b@two.com"}},
		Template:   model.Template{Subject: "s", Body: "b"},
		Schedule:   alwaysOpen(),
		Credential: model.Credential{Host: "smtp.test", Port: 587},
	})
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	m.Shutdown()

	if m.ActiveCount() != 0 {
		t.Errorf("ActiveCount = %d after Shutdown, want 0", m.ActiveCount())
	}
	// The blocked delivery was cancelled, not completed.
	sess := st.session(id)
	if sess.Status.Terminal() {
		t.Errorf("status = %q, want non-terminal after forced shutdown", sess.Status)
	}
}
