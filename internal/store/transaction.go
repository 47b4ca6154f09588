package store

import (
	"crypto/sha256"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kittclouds/repod/internal/errs"
	"github.com/kittclouds/repod/internal/ids"
)

// CommitParams describes one atomic publish/rollback write: a new Version,
// its Publication, the memberships it establishes, the Draft it consumes
// (publish only — empty for rollback), and the VisibilityEvent obligation
// that must be durable before the transaction commits (outbox pattern).
type CommitParams struct {
	NoteID          string
	ContentMD       string
	Metadata        Metadata
	ParentVersionID string
	Label           Label
	Collections     []string
	Op              string // "publish" | "rollback"
	ClientToken     string
	ConsumeDraft    bool
}

// CommitResult is what a successful CommitParams write produced.
type CommitResult struct {
	Version     *Version
	Publication *Publication
}

// GetIdempotent looks up a previously stored (note_id, client_token) result.
// Returns errs.NotFound if no such record exists (I7: "If found, return
// stored response").
func (s *SQLiteStore) GetIdempotent(noteID, clientToken string, out any) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var respJSON string
	err := s.db.QueryRow(`SELECT response_json FROM idempotency WHERE note_id = ? AND client_token = ?`, noteID, clientToken).Scan(&respJSON)
	if err == sql.ErrNoRows {
		return errs.New(errs.NotFound, "store: getIdempotent", nil)
	}
	if err != nil {
		return errs.New(errs.StorageIO, "store: getIdempotent", err)
	}
	if err := json.Unmarshal([]byte(respJSON), out); err != nil {
		return errs.New(errs.IntegrityViolation, "store: getIdempotent decode", err)
	}
	return nil
}

// CommitVersion performs the transactional Versioned+Visible write shared by
// publish and rollback: create Version, create Publication, add
// memberships, optionally delete the Draft, stamp Note.current_version_id,
// store the idempotency mapping, and enqueue exactly one VisibilityEvent —
// all as one unit (spec.md 4.C step 3, 4.D outbox requirement).
func (s *SQLiteStore) CommitVersion(params CommitParams, response any) (*CommitResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, errs.New(errs.StorageIO, "store: commitVersion begin", err)
	}
	defer tx.Rollback()

	if _, err := s.getNote(tx, params.NoteID); err != nil {
		return nil, err
	}

	now := time.Now().UnixMilli()
	var lastCreated sql.NullInt64
	if err := tx.QueryRow(`SELECT MAX(created_at) FROM versions WHERE note_id = ?`, params.NoteID).Scan(&lastCreated); err != nil {
		return nil, errs.New(errs.StorageIO, "store: commitVersion read last version", err)
	}
	createdAt := now
	if lastCreated.Valid && createdAt <= lastCreated.Int64 {
		createdAt = lastCreated.Int64 + 1 // I4: strictly monotonic per note
	}

	hash := contentHash(params.ContentMD)
	metaJSON, err := marshalMetadata(params.Metadata)
	if err != nil {
		return nil, errs.New(errs.ValidationError, "store: commitVersion metadata", err)
	}

	version := &Version{
		ID:              ids.New(ids.Version),
		NoteID:          params.NoteID,
		ContentMD:       params.ContentMD,
		Metadata:        params.Metadata,
		ContentHash:     hash,
		CreatedAt:       createdAt,
		ParentVersionID: params.ParentVersionID,
		Label:           params.Label,
	}
	if _, err := tx.Exec(`INSERT INTO versions (id, note_id, content_md, metadata, content_hash, created_at, parent_version_id, label) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		version.ID, version.NoteID, version.ContentMD, metaJSON, version.ContentHash, version.CreatedAt, nullIfEmpty(version.ParentVersionID), string(version.Label)); err != nil {
		return nil, errs.New(errs.StorageIO, "store: commitVersion insert version", err)
	}

	colsJSON, err := json.Marshal(params.Collections)
	if err != nil {
		return nil, errs.New(errs.ValidationError, "store: commitVersion collections", err)
	}
	publication := &Publication{
		ID:          ids.New(ids.Publication),
		NoteID:      params.NoteID,
		VersionID:   version.ID,
		Collections: params.Collections,
		PublishedAt: now,
		Label:       params.Label,
	}
	if _, err := tx.Exec(`INSERT INTO publications (id, note_id, version_id, collections, published_at, label) VALUES (?, ?, ?, ?, ?, ?)`,
		publication.ID, publication.NoteID, publication.VersionID, string(colsJSON), publication.PublishedAt, string(publication.Label)); err != nil {
		return nil, errs.New(errs.StorageIO, "store: commitVersion insert publication", err)
	}

	for _, colID := range params.Collections {
		if _, err := tx.Exec(`INSERT OR IGNORE INTO memberships (note_id, collection_id) VALUES (?, ?)`, params.NoteID, colID); err != nil {
			return nil, errs.New(errs.StorageIO, "store: commitVersion membership", err)
		}
	}

	if params.ConsumeDraft {
		if _, err := tx.Exec(`DELETE FROM drafts WHERE note_id = ?`, params.NoteID); err != nil {
			return nil, errs.New(errs.StorageIO, "store: commitVersion delete draft", err)
		}
	}

	if _, err := tx.Exec(`UPDATE notes SET current_version_id = ?, updated_at = ? WHERE id = ?`, version.ID, now, params.NoteID); err != nil {
		return nil, errs.New(errs.StorageIO, "store: commitVersion update note", err)
	}

	if _, err := tx.Exec(`
		INSERT INTO visibility_events (version_id, collections, op, enqueued_at, attempts, committed) VALUES (?, ?, ?, ?, 0, 0)
		ON CONFLICT(version_id, op) DO NOTHING
	`, version.ID, string(colsJSON), params.Op, now); err != nil {
		return nil, errs.New(errs.StorageIO, "store: commitVersion enqueue visibility event", err)
	}

	if params.ClientToken != "" {
		respJSON, err := json.Marshal(response)
		if err != nil {
			return nil, errs.New(errs.ValidationError, "store: commitVersion encode response", err)
		}
		// The caller cannot know the version id before this transaction mints
		// it, so an empty "version_id" field in the stored response is filled
		// in here; a repeated request then returns the same id (I7).
		var fields map[string]json.RawMessage
		if json.Unmarshal(respJSON, &fields) == nil {
			if raw, ok := fields["version_id"]; ok && string(raw) == `""` {
				fields["version_id"], _ = json.Marshal(version.ID)
				if filled, err := json.Marshal(fields); err == nil {
					respJSON = filled
				}
			}
		}
		if _, err := tx.Exec(`INSERT INTO idempotency (note_id, client_token, response_json, created_at) VALUES (?, ?, ?, ?)`,
			params.NoteID, params.ClientToken, string(respJSON), now); err != nil {
			return nil, errs.New(errs.StorageIO, "store: commitVersion store idempotency", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, errs.New(errs.StorageIO, "store: commitVersion commit", err)
	}

	return &CommitResult{Version: version, Publication: publication}, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func contentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return fmt.Sprintf("%x", sum)
}

// =============================================================================
// Visibility outbox
// =============================================================================

// DequeuePending fetches up to limit uncommitted visibility events in
// enqueue order (VisibilityEvents for a given note are processed in
// enqueue order, spec.md 5).
func (s *SQLiteStore) DequeuePending(limit int) ([]*VisibilityEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT id, version_id, collections, op, enqueued_at, attempts, committed, last_error FROM visibility_events WHERE committed = 0 ORDER BY id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, errs.New(errs.StorageIO, "store: dequeuePending", err)
	}
	defer rows.Close()

	var out []*VisibilityEvent
	for rows.Next() {
		var e VisibilityEvent
		var colsJSON string
		var committed int
		var lastErr sql.NullString
		if err := rows.Scan(&e.ID, &e.VersionID, &colsJSON, &e.Op, &e.EnqueuedAt, &e.Attempts, &committed, &lastErr); err != nil {
			return nil, errs.New(errs.StorageIO, "store: dequeuePending scan", err)
		}
		if err := json.Unmarshal([]byte(colsJSON), &e.Collections); err != nil {
			return nil, errs.New(errs.IntegrityViolation, "store: dequeuePending decode collections", err)
		}
		e.Committed = committed != 0
		if lastErr.Valid {
			e.LastError = lastErr.String
		}
		out = append(out, &e)
	}
	return out, nil
}

// MarkCommitted flags a visibility event as successfully delivered to the
// indexer (idempotent by version_id+op, so at-least-once delivery settles
// to exactly-once corpus state).
func (s *SQLiteStore) MarkCommitted(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.Exec(`UPDATE visibility_events SET committed = 1 WHERE id = ?`, id); err != nil {
		return errs.New(errs.StorageIO, "store: markCommitted", err)
	}
	return nil
}

// MarkFailed bumps the attempt counter and records the last error, for the
// worker's bounded-retry backoff loop.
func (s *SQLiteStore) MarkFailed(id int64, cause error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	if _, err := s.db.Exec(`UPDATE visibility_events SET attempts = attempts + 1, last_error = ? WHERE id = ?`, msg, id); err != nil {
		return errs.New(errs.StorageIO, "store: markFailed", err)
	}
	return nil
}

// CountPending reports outbox depth, used to derive estimated_searchable_in.
func (s *SQLiteStore) CountPending() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM visibility_events WHERE committed = 0`).Scan(&n); err != nil {
		return 0, errs.New(errs.StorageIO, "store: countPending", err)
	}
	return n, nil
}

// SavePassages replaces the durable passage set for a version (idempotent:
// called once per (version, op) by the visibility worker).
func (s *SQLiteStore) SavePassages(versionID, noteID string, records []*PassageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return errs.New(errs.StorageIO, "store: savePassages begin", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM passages WHERE version_id = ?`, versionID); err != nil {
		return errs.New(errs.StorageIO, "store: savePassages clear", err)
	}
	for _, r := range records {
		anchorJSON, err := json.Marshal(r.Anchor)
		if err != nil {
			return errs.New(errs.ValidationError, "store: savePassages encode anchor", err)
		}
		if _, err := tx.Exec(`INSERT INTO passages (id, version_id, note_id, structure_path, text, anchor) VALUES (?, ?, ?, ?, ?, ?)`,
			r.ID, versionID, noteID, r.StructurePath, r.Text, string(anchorJSON)); err != nil {
			return errs.New(errs.StorageIO, "store: savePassages insert", err)
		}
	}
	return tx.Commit()
}

// ListPassages returns the durable passages for a version (used to
// reconstruct the in-memory corpus after a restart).
func (s *SQLiteStore) ListPassages(versionID string) ([]*PassageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT id, version_id, note_id, structure_path, text, anchor FROM passages WHERE version_id = ?`, versionID)
	if err != nil {
		return nil, errs.New(errs.StorageIO, "store: listPassages", err)
	}
	defer rows.Close()

	var out []*PassageRecord
	for rows.Next() {
		var r PassageRecord
		var anchorJSON string
		if err := rows.Scan(&r.ID, &r.VersionID, &r.NoteID, &r.StructurePath, &r.Text, &anchorJSON); err != nil {
			return nil, errs.New(errs.StorageIO, "store: listPassages scan", err)
		}
		if err := json.Unmarshal([]byte(anchorJSON), &r.Anchor); err != nil {
			return nil, errs.New(errs.IntegrityViolation, "store: listPassages decode anchor", err)
		}
		out = append(out, &r)
	}
	return out, nil
}
