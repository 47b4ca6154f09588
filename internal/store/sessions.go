package store

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/kittclouds/repod/internal/errs"
	"github.com/kittclouds/repod/internal/ids"
)

// CreateSession starts a new, empty, ordered session.
func (s *SQLiteStore) CreateSession() (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := &Session{ID: ids.New(ids.Session), CreatedAt: time.Now().UnixMilli()}
	if _, err := s.db.Exec(`INSERT INTO sessions (id, created_at, pinned) VALUES (?, ?, 0)`, sess.ID, sess.CreatedAt); err != nil {
		return nil, errs.New(errs.StorageIO, "store: createSession", err)
	}
	return sess, nil
}

// UpdateSession appends steps atomically. ref_ids are stored verbatim
// regardless of whether their targets still exist.
func (s *SQLiteStore) UpdateSession(id string, steps []SessionStep) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var exists int
	if err := s.db.QueryRow(`SELECT 1 FROM sessions WHERE id = ?`, id).Scan(&exists); err == sql.ErrNoRows {
		return errs.New(errs.NotFound, "store: updateSession", nil)
	} else if err != nil {
		return errs.New(errs.StorageIO, "store: updateSession", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return errs.New(errs.StorageIO, "store: updateSession begin", err)
	}
	defer tx.Rollback()

	for _, step := range steps {
		refJSON, err := json.Marshal(step.RefIDs)
		if err != nil {
			return errs.New(errs.ValidationError, "store: updateSession encode refs", err)
		}
		if _, err := tx.Exec(`
			INSERT INTO session_steps (session_id, step_index, timestamp, type, ref_ids) VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(session_id, step_index) DO UPDATE SET timestamp = excluded.timestamp, type = excluded.type, ref_ids = excluded.ref_ids
		`, id, step.StepIndex, step.Timestamp, step.Type, string(refJSON)); err != nil {
			return errs.New(errs.StorageIO, "store: updateSession insert step", err)
		}
	}
	return tx.Commit()
}

// GetSession fetches a session and its steps in order.
func (s *SQLiteStore) GetSession(id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var sess Session
	var pinned int
	err := s.db.QueryRow(`SELECT id, created_at, pinned FROM sessions WHERE id = ?`, id).Scan(&sess.ID, &sess.CreatedAt, &pinned)
	if err == sql.ErrNoRows {
		return nil, errs.New(errs.NotFound, "store: getSession", nil)
	}
	if err != nil {
		return nil, errs.New(errs.StorageIO, "store: getSession", err)
	}
	sess.Pinned = pinned != 0

	rows, err := s.db.Query(`SELECT step_index, timestamp, type, ref_ids FROM session_steps WHERE session_id = ? ORDER BY step_index ASC`, id)
	if err != nil {
		return nil, errs.New(errs.StorageIO, "store: getSession steps", err)
	}
	defer rows.Close()
	for rows.Next() {
		var step SessionStep
		var refJSON string
		if err := rows.Scan(&step.StepIndex, &step.Timestamp, &step.Type, &refJSON); err != nil {
			return nil, errs.New(errs.StorageIO, "store: getSession step scan", err)
		}
		if err := json.Unmarshal([]byte(refJSON), &step.RefIDs); err != nil {
			return nil, errs.New(errs.IntegrityViolation, "store: getSession decode refs", err)
		}
		sess.Steps = append(sess.Steps, step)
	}
	return &sess, nil
}

// ListSessions returns all sessions, newest first.
func (s *SQLiteStore) ListSessions() ([]*Session, error) {
	s.mu.RLock()
	sessionIDs := []string{}
	rows, err := s.db.Query(`SELECT id FROM sessions ORDER BY created_at DESC`)
	if err != nil {
		s.mu.RUnlock()
		return nil, errs.New(errs.StorageIO, "store: listSessions", err)
	}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			s.mu.RUnlock()
			return nil, errs.New(errs.StorageIO, "store: listSessions scan", err)
		}
		sessionIDs = append(sessionIDs, id)
	}
	rows.Close()
	s.mu.RUnlock()

	out := make([]*Session, 0, len(sessionIDs))
	for _, id := range sessionIDs {
		sess, err := s.GetSession(id)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, nil
}

// PinSession marks a session as pinned.
func (s *SQLiteStore) PinSession(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(`UPDATE sessions SET pinned = 1 WHERE id = ?`, id)
	if err != nil {
		return errs.New(errs.StorageIO, "store: pinSession", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return errs.New(errs.NotFound, "store: pinSession", nil)
	}
	return nil
}
