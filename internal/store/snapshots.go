package store

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/kittclouds/repod/internal/errs"
	"github.com/kittclouds/repod/internal/ids"
)

// exportState serializes the whole workspace to JSON, generalizing the
// teacher's Export() pattern (sqlite_store.go) from a single note-history
// table to the whole entity graph.
func (s *SQLiteStore) exportState(q querier) (*WorkspaceState, error) {
	var state WorkspaceState

	noteRows, err := q.Query(`SELECT id, title, metadata, created_at, updated_at, current_version_id FROM notes`)
	if err != nil {
		return nil, errs.New(errs.StorageIO, "store: exportState notes", err)
	}
	for noteRows.Next() {
		var n Note
		var metaJSON string
		var curVer sql.NullString
		if err := noteRows.Scan(&n.ID, &n.Title, &metaJSON, &n.CreatedAt, &n.UpdatedAt, &curVer); err != nil {
			noteRows.Close()
			return nil, errs.New(errs.StorageIO, "store: exportState scan note", err)
		}
		if curVer.Valid {
			n.CurrentVersionID = curVer.String
		}
		meta, _ := unmarshalMetadata(metaJSON)
		n.Metadata = meta
		state.Notes = append(state.Notes, &n)
	}
	noteRows.Close()

	draftRows, err := q.Query(`SELECT note_id, body_md, metadata, autosave_ts FROM drafts`)
	if err != nil {
		return nil, errs.New(errs.StorageIO, "store: exportState drafts", err)
	}
	for draftRows.Next() {
		var d Draft
		var metaJSON string
		if err := draftRows.Scan(&d.NoteID, &d.BodyMD, &metaJSON, &d.AutosaveTS); err != nil {
			draftRows.Close()
			return nil, errs.New(errs.StorageIO, "store: exportState scan draft", err)
		}
		meta, _ := unmarshalMetadata(metaJSON)
		d.Metadata = meta
		state.Drafts = append(state.Drafts, &d)
	}
	draftRows.Close()

	verRows, err := q.Query(`SELECT id, note_id, content_md, metadata, content_hash, created_at, parent_version_id, label FROM versions`)
	if err != nil {
		return nil, errs.New(errs.StorageIO, "store: exportState versions", err)
	}
	for verRows.Next() {
		var v Version
		var metaJSON string
		var parent sql.NullString
		if err := verRows.Scan(&v.ID, &v.NoteID, &v.ContentMD, &metaJSON, &v.ContentHash, &v.CreatedAt, &parent, &v.Label); err != nil {
			verRows.Close()
			return nil, errs.New(errs.StorageIO, "store: exportState scan version", err)
		}
		if parent.Valid {
			v.ParentVersionID = parent.String
		}
		meta, _ := unmarshalMetadata(metaJSON)
		v.Metadata = meta
		state.Versions = append(state.Versions, &v)
	}
	verRows.Close()

	pubRows, err := q.Query(`SELECT id, note_id, version_id, collections, published_at, label FROM publications`)
	if err != nil {
		return nil, errs.New(errs.StorageIO, "store: exportState publications", err)
	}
	for pubRows.Next() {
		var p Publication
		var colsJSON string
		if err := pubRows.Scan(&p.ID, &p.NoteID, &p.VersionID, &colsJSON, &p.PublishedAt, &p.Label); err != nil {
			pubRows.Close()
			return nil, errs.New(errs.StorageIO, "store: exportState scan publication", err)
		}
		json.Unmarshal([]byte(colsJSON), &p.Collections)
		state.Publications = append(state.Publications, &p)
	}
	pubRows.Close()

	colRows, err := q.Query(`SELECT id, name, description, created_at FROM collections`)
	if err != nil {
		return nil, errs.New(errs.StorageIO, "store: exportState collections", err)
	}
	for colRows.Next() {
		var c Collection
		var desc sql.NullString
		if err := colRows.Scan(&c.ID, &c.Name, &desc, &c.CreatedAt); err != nil {
			colRows.Close()
			return nil, errs.New(errs.StorageIO, "store: exportState scan collection", err)
		}
		if desc.Valid {
			c.Description = desc.String
		}
		state.Collections = append(state.Collections, &c)
	}
	colRows.Close()

	memRows, err := q.Query(`SELECT note_id, collection_id FROM memberships`)
	if err != nil {
		return nil, errs.New(errs.StorageIO, "store: exportState memberships", err)
	}
	for memRows.Next() {
		var m Membership
		if err := memRows.Scan(&m.NoteID, &m.CollectionID); err != nil {
			memRows.Close()
			return nil, errs.New(errs.StorageIO, "store: exportState scan membership", err)
		}
		state.Memberships = append(state.Memberships, m)
	}
	memRows.Close()

	return &state, nil
}

// CreateSnapshot captures the whole workspace state at this instant.
func (s *SQLiteStore) CreateSnapshot(scope, description string) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.exportState(s.db)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(state)
	if err != nil {
		return nil, errs.New(errs.ValidationError, "store: createSnapshot encode", err)
	}

	snap := &Snapshot{ID: ids.New(ids.Snapshot), Scope: scope, Description: description, CreatedAt: time.Now().UnixMilli()}
	if _, err := s.db.Exec(`INSERT INTO snapshots (id, scope, description, created_at, payload) VALUES (?, ?, ?, ?, ?)`,
		snap.ID, snap.Scope, snap.Description, snap.CreatedAt, payload); err != nil {
		return nil, errs.New(errs.StorageIO, "store: createSnapshot insert", err)
	}
	return snap, nil
}

// ListSnapshots returns snapshot metadata in creation order.
func (s *SQLiteStore) ListSnapshots() ([]*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT id, scope, description, created_at FROM snapshots ORDER BY created_at ASC`)
	if err != nil {
		return nil, errs.New(errs.StorageIO, "store: listSnapshots", err)
	}
	defer rows.Close()

	var out []*Snapshot
	for rows.Next() {
		var snap Snapshot
		var desc sql.NullString
		if err := rows.Scan(&snap.ID, &snap.Scope, &desc, &snap.CreatedAt); err != nil {
			return nil, errs.New(errs.StorageIO, "store: listSnapshots scan", err)
		}
		if desc.Valid {
			snap.Description = desc.String
		}
		out = append(out, &snap)
	}
	return out, nil
}

// RestoreSnapshot atomically swaps the workspace state back to a prior
// snapshot. Fails with NotFound if the snapshot is absent.
func (s *SQLiteStore) RestoreSnapshot(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var payload []byte
	err := s.db.QueryRow(`SELECT payload FROM snapshots WHERE id = ?`, id).Scan(&payload)
	if err == sql.ErrNoRows {
		return errs.New(errs.NotFound, "store: restoreSnapshot", nil)
	}
	if err != nil {
		return errs.New(errs.StorageIO, "store: restoreSnapshot", err)
	}

	var state WorkspaceState
	if err := json.Unmarshal(payload, &state); err != nil {
		return errs.New(errs.IntegrityViolation, "store: restoreSnapshot decode", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return errs.New(errs.StorageIO, "store: restoreSnapshot begin", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"notes", "drafts", "versions", "publications", "collections", "memberships"} {
		if _, err := tx.Exec("DELETE FROM " + table); err != nil {
			return errs.New(errs.StorageIO, "store: restoreSnapshot clear "+table, err)
		}
	}

	for _, n := range state.Notes {
		metaJSON, _ := marshalMetadata(n.Metadata)
		if _, err := tx.Exec(`INSERT INTO notes (id, title, metadata, created_at, updated_at, current_version_id) VALUES (?, ?, ?, ?, ?, ?)`,
			n.ID, n.Title, metaJSON, n.CreatedAt, n.UpdatedAt, nullIfEmpty(n.CurrentVersionID)); err != nil {
			return errs.New(errs.StorageIO, "store: restoreSnapshot note", err)
		}
	}
	for _, d := range state.Drafts {
		metaJSON, _ := marshalMetadata(d.Metadata)
		if _, err := tx.Exec(`INSERT INTO drafts (note_id, body_md, metadata, autosave_ts) VALUES (?, ?, ?, ?)`,
			d.NoteID, d.BodyMD, metaJSON, d.AutosaveTS); err != nil {
			return errs.New(errs.StorageIO, "store: restoreSnapshot draft", err)
		}
	}
	for _, v := range state.Versions {
		metaJSON, _ := marshalMetadata(v.Metadata)
		if _, err := tx.Exec(`INSERT INTO versions (id, note_id, content_md, metadata, content_hash, created_at, parent_version_id, label) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			v.ID, v.NoteID, v.ContentMD, metaJSON, v.ContentHash, v.CreatedAt, nullIfEmpty(v.ParentVersionID), string(v.Label)); err != nil {
			return errs.New(errs.StorageIO, "store: restoreSnapshot version", err)
		}
	}
	for _, p := range state.Publications {
		colsJSON, _ := json.Marshal(p.Collections)
		if _, err := tx.Exec(`INSERT INTO publications (id, note_id, version_id, collections, published_at, label) VALUES (?, ?, ?, ?, ?, ?)`,
			p.ID, p.NoteID, p.VersionID, string(colsJSON), p.PublishedAt, string(p.Label)); err != nil {
			return errs.New(errs.StorageIO, "store: restoreSnapshot publication", err)
		}
	}
	for _, c := range state.Collections {
		if _, err := tx.Exec(`INSERT INTO collections (id, name, description, created_at) VALUES (?, ?, ?, ?)`,
			c.ID, c.Name, c.Description, c.CreatedAt); err != nil {
			return errs.New(errs.StorageIO, "store: restoreSnapshot collection", err)
		}
	}
	for _, m := range state.Memberships {
		if _, err := tx.Exec(`INSERT INTO memberships (note_id, collection_id) VALUES (?, ?)`, m.NoteID, m.CollectionID); err != nil {
			return errs.New(errs.StorageIO, "store: restoreSnapshot membership", err)
		}
	}

	return tx.Commit()
}

// DeleteSnapshot removes a snapshot by id.
func (s *SQLiteStore) DeleteSnapshot(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(`DELETE FROM snapshots WHERE id = ?`, id)
	if err != nil {
		return errs.New(errs.StorageIO, "store: deleteSnapshot", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return errs.New(errs.NotFound, "store: deleteSnapshot", nil)
	}
	return nil
}
