// Package store: SQLite-backed persistence, using ncruces/go-sqlite3/driver
// which provides a pure-Go database/sql interface (no cgo).
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/asg017/sqlite-vec-go-bindings/ncruces"
	_ "github.com/ncruces/go-sqlite3/driver"

	"github.com/kittclouds/repod/internal/errs"
	"github.com/kittclouds/repod/internal/ids"
)

// SQLiteStore is the entity store's sole implementation: notes, drafts,
// versions, collections, publications, sessions, snapshots, the
// idempotency table and the visibility outbox, all behind one *sql.DB.
type SQLiteStore struct {
	mu sync.RWMutex
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS notes (
    id TEXT PRIMARY KEY,
    title TEXT NOT NULL,
    metadata TEXT NOT NULL DEFAULT '{}',
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    current_version_id TEXT
);

CREATE TABLE IF NOT EXISTS drafts (
    note_id TEXT PRIMARY KEY,
    body_md TEXT NOT NULL,
    metadata TEXT NOT NULL DEFAULT '{}',
    autosave_ts INTEGER NOT NULL
);

-- Versions are append-only: no UPDATE/DELETE is ever issued against this table.
CREATE TABLE IF NOT EXISTS versions (
    id TEXT PRIMARY KEY,
    note_id TEXT NOT NULL,
    content_md TEXT NOT NULL,
    metadata TEXT NOT NULL DEFAULT '{}',
    content_hash TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    parent_version_id TEXT,
    label TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_versions_note ON versions(note_id, created_at DESC);

CREATE TABLE IF NOT EXISTS publications (
    id TEXT PRIMARY KEY,
    note_id TEXT NOT NULL,
    version_id TEXT NOT NULL,
    collections TEXT NOT NULL,
    published_at INTEGER NOT NULL,
    label TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_publications_version ON publications(version_id);

CREATE TABLE IF NOT EXISTS collections (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL UNIQUE,
    description TEXT,
    created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS memberships (
    note_id TEXT NOT NULL,
    collection_id TEXT NOT NULL,
    PRIMARY KEY (note_id, collection_id)
);
CREATE INDEX IF NOT EXISTS idx_memberships_collection ON memberships(collection_id);

CREATE TABLE IF NOT EXISTS sessions (
    id TEXT PRIMARY KEY,
    created_at INTEGER NOT NULL,
    pinned INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS session_steps (
    session_id TEXT NOT NULL,
    step_index INTEGER NOT NULL,
    timestamp INTEGER NOT NULL,
    type TEXT NOT NULL,
    ref_ids TEXT NOT NULL DEFAULT '[]',
    PRIMARY KEY (session_id, step_index)
);

CREATE TABLE IF NOT EXISTS snapshots (
    id TEXT PRIMARY KEY,
    scope TEXT NOT NULL,
    description TEXT,
    created_at INTEGER NOT NULL,
    payload BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS idempotency (
    note_id TEXT NOT NULL,
    client_token TEXT NOT NULL,
    response_json TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    PRIMARY KEY (note_id, client_token)
);

-- Outbox: written in the same transaction as the Version it describes.
CREATE TABLE IF NOT EXISTS visibility_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    version_id TEXT NOT NULL,
    collections TEXT NOT NULL,
    op TEXT NOT NULL,
    enqueued_at INTEGER NOT NULL,
    attempts INTEGER NOT NULL DEFAULT 0,
    committed INTEGER NOT NULL DEFAULT 0,
    last_error TEXT,
    UNIQUE (version_id, op)
);
CREATE INDEX IF NOT EXISTS idx_visibility_pending ON visibility_events(committed, id);

CREATE TABLE IF NOT EXISTS passages (
    id TEXT PRIMARY KEY,
    version_id TEXT NOT NULL,
    note_id TEXT NOT NULL,
    structure_path TEXT NOT NULL,
    text TEXT NOT NULL,
    anchor TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_passages_version ON passages(version_id);
`

// New opens a persistent (or in-memory, for dsn=":memory:") SQLite-backed
// store and ensures the schema exists.
func New(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errs.New(errs.StorageIO, "store: open", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errs.New(errs.StorageIO, "store: create schema", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the underlying database connection.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func marshalMetadata(m Metadata) (string, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalMetadata(s string) (Metadata, error) {
	var m Metadata
	if s == "" {
		return m, nil
	}
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return m, err
	}
	return m, nil
}

// =============================================================================
// Notes
// =============================================================================

// CreateNote inserts a new Note with an empty Draft bound to it.
func (s *SQLiteStore) CreateNote(title string, metadata Metadata) (*Note, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UnixMilli()
	metaJSON, err := marshalMetadata(metadata)
	if err != nil {
		return nil, errs.New(errs.ValidationError, "store: createNote", err)
	}

	note := &Note{ID: ids.New(ids.Note), Title: title, Metadata: metadata, CreatedAt: now, UpdatedAt: now}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, errs.New(errs.StorageIO, "store: createNote", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`INSERT INTO notes (id, title, metadata, created_at, updated_at, current_version_id) VALUES (?, ?, ?, ?, ?, NULL)`,
		note.ID, note.Title, metaJSON, note.CreatedAt, note.UpdatedAt); err != nil {
		return nil, errs.New(errs.StorageIO, "store: createNote", err)
	}
	if _, err := tx.Exec(`INSERT INTO drafts (note_id, body_md, metadata, autosave_ts) VALUES (?, '', '{}', ?)`,
		note.ID, now); err != nil {
		return nil, errs.New(errs.StorageIO, "store: createNote draft", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, errs.New(errs.StorageIO, "store: createNote commit", err)
	}
	return note, nil
}

// GetNote retrieves a Note by id.
func (s *SQLiteStore) GetNote(id string) (*Note, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getNote(s.db, id)
}

type querier interface {
	QueryRow(query string, args ...any) *sql.Row
	Query(query string, args ...any) (*sql.Rows, error)
	Exec(query string, args ...any) (sql.Result, error)
}

func (s *SQLiteStore) getNote(q querier, id string) (*Note, error) {
	var n Note
	var metaJSON string
	var curVer sql.NullString
	err := q.QueryRow(`SELECT id, title, metadata, created_at, updated_at, current_version_id FROM notes WHERE id = ?`, id).
		Scan(&n.ID, &n.Title, &metaJSON, &n.CreatedAt, &n.UpdatedAt, &curVer)
	if err == sql.ErrNoRows {
		return nil, errs.New(errs.NotFound, "store: getNote", nil)
	}
	if err != nil {
		return nil, errs.New(errs.StorageIO, "store: getNote", err)
	}
	if curVer.Valid {
		n.CurrentVersionID = curVer.String
	}
	meta, err := unmarshalMetadata(metaJSON)
	if err != nil {
		return nil, errs.New(errs.IntegrityViolation, "store: getNote decode metadata", err)
	}
	n.Metadata = meta
	return &n, nil
}

// ListNotes returns notes, optionally filtered by collection membership.
func (s *SQLiteStore) ListNotes(filter NoteFilter, opts ListOptions) ([]*Note, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT DISTINCT n.id, n.title, n.metadata, n.created_at, n.updated_at, n.current_version_id FROM notes n`
	var args []any
	if filter.CollectionID != "" {
		query += ` JOIN memberships m ON m.note_id = n.id WHERE m.collection_id = ?`
		args = append(args, filter.CollectionID)
	}
	query += ` ORDER BY n.created_at DESC`
	if opts.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, opts.Limit, opts.Offset)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, errs.New(errs.StorageIO, "store: listNotes", err)
	}
	defer rows.Close()

	var out []*Note
	for rows.Next() {
		var n Note
		var metaJSON string
		var curVer sql.NullString
		if err := rows.Scan(&n.ID, &n.Title, &metaJSON, &n.CreatedAt, &n.UpdatedAt, &curVer); err != nil {
			return nil, errs.New(errs.StorageIO, "store: listNotes scan", err)
		}
		if curVer.Valid {
			n.CurrentVersionID = curVer.String
		}
		meta, err := unmarshalMetadata(metaJSON)
		if err != nil {
			return nil, errs.New(errs.IntegrityViolation, "store: listNotes decode metadata", err)
		}
		n.Metadata = meta
		out = append(out, &n)
	}
	return out, nil
}

// UpdateNoteMetadata updates a Note's title/metadata without touching its
// version history.
func (s *SQLiteStore) UpdateNoteMetadata(id string, title string, metadata Metadata) (*Note, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	metaJSON, err := marshalMetadata(metadata)
	if err != nil {
		return nil, errs.New(errs.ValidationError, "store: updateNoteMetadata", err)
	}
	now := time.Now().UnixMilli()
	res, err := s.db.Exec(`UPDATE notes SET title = ?, metadata = ?, updated_at = ? WHERE id = ?`, title, metaJSON, now, id)
	if err != nil {
		return nil, errs.New(errs.StorageIO, "store: updateNoteMetadata", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return nil, errs.New(errs.NotFound, "store: updateNoteMetadata", nil)
	}
	return s.getNote(s.db, id)
}

// DeleteNote removes a Note together with its Draft and its collection
// memberships. Versions/Publications are kept and remain queryable via
// history (spec.md 3, Lifecycle).
func (s *SQLiteStore) DeleteNote(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`DELETE FROM notes WHERE id = ?`, id)
	if err != nil {
		return errs.New(errs.StorageIO, "store: deleteNote", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return errs.New(errs.NotFound, "store: deleteNote", nil)
	}
	if _, err := s.db.Exec(`DELETE FROM drafts WHERE note_id = ?`, id); err != nil {
		return errs.New(errs.StorageIO, "store: deleteNote draft", err)
	}
	if _, err := s.db.Exec(`DELETE FROM memberships WHERE note_id = ?`, id); err != nil {
		return errs.New(errs.StorageIO, "store: deleteNote memberships", err)
	}
	return nil
}

// =============================================================================
// Drafts
// =============================================================================

// SaveDraft overwrites the mutable working copy for a note.
func (s *SQLiteStore) SaveDraft(noteID, bodyMD string, metadata Metadata) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var exists int
	if err := s.db.QueryRow(`SELECT 1 FROM notes WHERE id = ?`, noteID).Scan(&exists); err == sql.ErrNoRows {
		return 0, errs.New(errs.NotFound, "store: saveDraft", nil)
	} else if err != nil {
		return 0, errs.New(errs.StorageIO, "store: saveDraft", err)
	}

	metaJSON, err := marshalMetadata(metadata)
	if err != nil {
		return 0, errs.New(errs.ValidationError, "store: saveDraft", err)
	}
	now := time.Now().UnixMilli()
	_, err = s.db.Exec(`
		INSERT INTO drafts (note_id, body_md, metadata, autosave_ts) VALUES (?, ?, ?, ?)
		ON CONFLICT(note_id) DO UPDATE SET body_md = excluded.body_md, metadata = excluded.metadata, autosave_ts = excluded.autosave_ts
	`, noteID, bodyMD, metaJSON, now)
	if err != nil {
		return 0, errs.New(errs.StorageIO, "store: saveDraft", err)
	}
	return now, nil
}

// GetDraft fetches the mutable working copy for a note.
func (s *SQLiteStore) GetDraft(noteID string) (*Draft, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getDraft(s.db, noteID)
}

func (s *SQLiteStore) getDraft(q querier, noteID string) (*Draft, error) {
	var d Draft
	var metaJSON string
	err := q.QueryRow(`SELECT note_id, body_md, metadata, autosave_ts FROM drafts WHERE note_id = ?`, noteID).
		Scan(&d.NoteID, &d.BodyMD, &metaJSON, &d.AutosaveTS)
	if err == sql.ErrNoRows {
		return nil, errs.New(errs.NotFound, "store: getDraft", nil)
	}
	if err != nil {
		return nil, errs.New(errs.StorageIO, "store: getDraft", err)
	}
	meta, err := unmarshalMetadata(metaJSON)
	if err != nil {
		return nil, errs.New(errs.IntegrityViolation, "store: getDraft decode metadata", err)
	}
	d.Metadata = meta
	return &d, nil
}

// =============================================================================
// Versions
// =============================================================================

// GetVersion fetches an immutable Version by id.
func (s *SQLiteStore) GetVersion(id string) (*Version, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getVersion(s.db, id)
}

func (s *SQLiteStore) getVersion(q querier, id string) (*Version, error) {
	var v Version
	var metaJSON string
	var parent sql.NullString
	err := q.QueryRow(`SELECT id, note_id, content_md, metadata, content_hash, created_at, parent_version_id, label FROM versions WHERE id = ?`, id).
		Scan(&v.ID, &v.NoteID, &v.ContentMD, &metaJSON, &v.ContentHash, &v.CreatedAt, &parent, &v.Label)
	if err == sql.ErrNoRows {
		return nil, errs.New(errs.NotFound, "store: getVersion", nil)
	}
	if err != nil {
		return nil, errs.New(errs.StorageIO, "store: getVersion", err)
	}
	if parent.Valid {
		v.ParentVersionID = parent.String
	}
	meta, err := unmarshalMetadata(metaJSON)
	if err != nil {
		return nil, errs.New(errs.IntegrityViolation, "store: getVersion decode metadata", err)
	}
	v.Metadata = meta
	return &v, nil
}

// ListVersions returns all versions of a note, newest first (per spec.md
// 4.B: "listVersions(note_id) (newest first)"), which also satisfies I4's
// strictly-decreasing created_at requirement at read time.
func (s *SQLiteStore) ListVersions(noteID string) ([]*Version, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT id, note_id, content_md, metadata, content_hash, created_at, parent_version_id, label FROM versions WHERE note_id = ? ORDER BY created_at DESC`, noteID)
	if err != nil {
		return nil, errs.New(errs.StorageIO, "store: listVersions", err)
	}
	defer rows.Close()

	var out []*Version
	for rows.Next() {
		var v Version
		var metaJSON string
		var parent sql.NullString
		if err := rows.Scan(&v.ID, &v.NoteID, &v.ContentMD, &metaJSON, &v.ContentHash, &v.CreatedAt, &parent, &v.Label); err != nil {
			return nil, errs.New(errs.StorageIO, "store: listVersions scan", err)
		}
		if parent.Valid {
			v.ParentVersionID = parent.String
		}
		meta, err := unmarshalMetadata(metaJSON)
		if err != nil {
			return nil, errs.New(errs.IntegrityViolation, "store: listVersions decode metadata", err)
		}
		v.Metadata = meta
		out = append(out, &v)
	}
	return out, nil
}

// GetCurrentVersion returns the Note's current Version.
func (s *SQLiteStore) GetCurrentVersion(noteID string) (*Version, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	note, err := s.getNote(s.db, noteID)
	if err != nil {
		return nil, err
	}
	if note.CurrentVersionID == "" {
		return nil, errs.New(errs.NotFound, "store: getCurrentVersion", fmt.Errorf("note %s has no published version", noteID))
	}
	return s.getVersion(s.db, note.CurrentVersionID)
}

// GetStorageHealth pings the underlying database connection.
func (s *SQLiteStore) GetStorageHealth() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.db.Ping(); err != nil {
		return errs.New(errs.StorageIO, "store: health", err)
	}
	return nil
}

// PerformMaintenance runs SQLite's incremental optimizer. Safe to call
// periodically from a background goroutine.
func (s *SQLiteStore) PerformMaintenance() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.Exec(`PRAGMA optimize`); err != nil {
		return errs.New(errs.StorageIO, "store: performMaintenance", err)
	}
	return nil
}
