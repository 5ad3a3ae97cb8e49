package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/openmailer/dispatch/internal/model"
)

var (
	bucketSessions   = []byte("sessions")
	bucketRecipients = []byte("recipients")
	bucketOrder      = []byte("recipient_order")
)

// Bolt implements Store on a single-file BoltDB database, for
// deployments without a SQLite toolchain.
type Bolt struct {
	db *bolt.DB
}

var _ Store = (*Bolt)(nil)

// OpenBolt opens (creating if needed) the database at path.
func OpenBolt(path string) (*Bolt, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketSessions, bucketRecipients, bucketOrder} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Bolt{db: db}, nil
}

// CreateSession creates a running session and returns its id.
func (s *Bolt) CreateSession(ctx context.Context, total int) (string, error) {
	sess := &model.Session{
		ID:        uuid.New().String(),
		Status:    model.SessionRunning,
		Total:     total,
		StartedAt: time.Now(),
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketSessions), sess.ID, sess)
	})
	if err != nil {
		return "", fmt.Errorf("failed to create session: %w", err)
	}
	return sess.ID, nil
}

// Session returns a session by id, or nil if it does not exist.
func (s *Bolt) Session(ctx context.Context, id string) (*model.Session, error) {
	var sess *model.Session
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketSessions).Get([]byte(id))
		if data == nil {
			return nil
		}
		sess = &model.Session{}
		return json.Unmarshal(data, sess)
	})
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// UpdateSession applies a partial update to a session.
func (s *Bolt) UpdateSession(ctx context.Context, id string, upd SessionUpdate) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketSessions)
		data := bucket.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("session %s not found", id)
		}

		sess := &model.Session{}
		if err := json.Unmarshal(data, sess); err != nil {
			return err
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
			sess.ResumeAt = upd.ResumeAt
		} else if upd.ClearResumeAt {
			sess.ResumeAt = nil
		}
		if upd.FinishedAt != nil {
			sess.FinishedAt = upd.FinishedAt
		}

		return putJSON(bucket, id, sess)
	})
}

// ActiveSessions returns all non-terminal sessions.
func (s *Bolt) ActiveSessions(ctx context.Context) ([]*model.Session, error) {
	sessions := []*model.Session{}
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSessions).ForEach(func(k, v []byte) error {
			sess := &model.Session{}
			if err := json.Unmarshal(v, sess); err != nil {
				return err
			}
			if !sess.Status.Terminal() {
				sessions = append(sessions, sess)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return sessions, nil
}

// AssignRecipients tags recipients with the owning session and records
// their order in an index bucket keyed by session id + position.
func (s *Bolt) AssignRecipients(ctx context.Context, sessionID string, recipients []model.Recipient) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		rcptBucket := tx.Bucket(bucketRecipients)
		orderBucket := tx.Bucket(bucketOrder)

		for i, r := range recipients {
			r.SessionID = sessionID
			r.Status = model.RecipientPending
			r.Error = ""
			r.SentAt = nil
			if err := putJSON(rcptBucket, r.ID, &r); err != nil {
				return fmt.Errorf("failed to assign recipient %s: %w", r.ID, err)
			}
			if err := orderBucket.Put(orderKey(sessionID, i), []byte(r.ID)); err != nil {
				return err
			}
		}
		return nil
	})
}

// Recipients returns a session's recipients in assignment order.
func (s *Bolt) Recipients(ctx context.Context, sessionID string) ([]*model.Recipient, error) {
	recipients := []*model.Recipient{}
	err := s.db.View(func(tx *bolt.Tx) error {
		rcptBucket := tx.Bucket(bucketRecipients)
		c := tx.Bucket(bucketOrder).Cursor()

		prefix := []byte(sessionID + "/")
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			data := rcptBucket.Get(v)
			if data == nil {
				continue
			}
			r := &model.Recipient{}
			if err := json.Unmarshal(data, r); err != nil {
				return err
			}
			recipients = append(recipients, r)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return recipients, nil
}

// UpdateRecipient applies a partial update to a recipient.
func (s *Bolt) UpdateRecipient(ctx context.Context, id string, upd RecipientUpdate) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketRecipients)
		data := bucket.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("recipient %s not found", id)
		}

		r := &model.Recipient{}
		if err := json.Unmarshal(data, r); err != nil {
			return err
		}

		if upd.Status != nil {
			r.Status = *upd.Status
		}
		if upd.Error != nil {
			r.Error = *upd.Error
		}
		if upd.SentAt != nil {
			r.SentAt = upd.SentAt
		}

		return putJSON(bucket, id, r)
	})
}

// Close closes the database.
func (s *Bolt) Close() error {
	return s.db.Close()
}

func putJSON(b *bolt.Bucket, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put([]byte(key), data)
}

// orderKey builds a lexically sortable index key for a session position.
func orderKey(sessionID string, position int) []byte {
	return []byte(fmt.Sprintf("%s/%08d", sessionID, position))
}
