package store

import (
	"database/sql"
	"time"

	"github.com/kittclouds/repod/internal/errs"
	"github.com/kittclouds/repod/internal/ids"
)

// MaxCollectionsPerNote bounds membership fan-out (spec.md 3).
const MaxCollectionsPerNote = 10

// CreateCollection creates a workspace-unique named scope (I5).
func (s *SQLiteStore) CreateCollection(name, description string) (*Collection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var exists int
	err := s.db.QueryRow(`SELECT 1 FROM collections WHERE name = ?`, name).Scan(&exists)
	if err == nil {
		return nil, errs.New(errs.Conflict, "store: createCollection", nil)
	}
	if err != sql.ErrNoRows {
		return nil, errs.New(errs.StorageIO, "store: createCollection", err)
	}

	c := &Collection{ID: ids.New(ids.Collection), Name: name, Description: description, CreatedAt: time.Now().UnixMilli()}
	if _, err := s.db.Exec(`INSERT INTO collections (id, name, description, created_at) VALUES (?, ?, ?, ?)`,
		c.ID, c.Name, c.Description, c.CreatedAt); err != nil {
		return nil, errs.New(errs.StorageIO, "store: createCollection insert", err)
	}
	return c, nil
}

// GetCollection fetches a collection by id.
func (s *SQLiteStore) GetCollection(id string) (*Collection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var c Collection
	var desc sql.NullString
	err := s.db.QueryRow(`SELECT id, name, description, created_at FROM collections WHERE id = ?`, id).Scan(&c.ID, &c.Name, &desc, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, errs.New(errs.NotFound, "store: getCollection", nil)
	}
	if err != nil {
		return nil, errs.New(errs.StorageIO, "store: getCollection", err)
	}
	if desc.Valid {
		c.Description = desc.String
	}
	return &c, nil
}

// ListCollections returns all collections in the workspace.
func (s *SQLiteStore) ListCollections() ([]*Collection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT id, name, description, created_at FROM collections ORDER BY created_at ASC`)
	if err != nil {
		return nil, errs.New(errs.StorageIO, "store: listCollections", err)
	}
	defer rows.Close()

	var out []*Collection
	for rows.Next() {
		var c Collection
		var desc sql.NullString
		if err := rows.Scan(&c.ID, &c.Name, &desc, &c.CreatedAt); err != nil {
			return nil, errs.New(errs.StorageIO, "store: listCollections scan", err)
		}
		if desc.Valid {
			c.Description = desc.String
		}
		out = append(out, &c)
	}
	return out, nil
}

// UpdateCollection renames/redescribes a collection, still enforcing I5.
func (s *SQLiteStore) UpdateCollection(id, name, description string) (*Collection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var existingID string
	err := s.db.QueryRow(`SELECT id FROM collections WHERE name = ? AND id != ?`, name, id).Scan(&existingID)
	if err == nil {
		return nil, errs.New(errs.Conflict, "store: updateCollection", nil)
	}
	if err != sql.ErrNoRows {
		return nil, errs.New(errs.StorageIO, "store: updateCollection", err)
	}

	res, err := s.db.Exec(`UPDATE collections SET name = ?, description = ? WHERE id = ?`, name, description, id)
	if err != nil {
		return nil, errs.New(errs.StorageIO, "store: updateCollection", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return nil, errs.New(errs.NotFound, "store: updateCollection", nil)
	}
	return s.GetCollection(id)
}

// DeleteCollection removes a collection and its memberships.
func (s *SQLiteStore) DeleteCollection(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`DELETE FROM collections WHERE id = ?`, id)
	if err != nil {
		return errs.New(errs.StorageIO, "store: deleteCollection", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return errs.New(errs.NotFound, "store: deleteCollection", nil)
	}
	if _, err := s.db.Exec(`DELETE FROM memberships WHERE collection_id = ?`, id); err != nil {
		return errs.New(errs.StorageIO, "store: deleteCollection memberships", err)
	}
	return nil
}

// CollectionsForNote lists the collection ids a note belongs to.
func (s *SQLiteStore) CollectionsForNote(noteID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT collection_id FROM memberships WHERE note_id = ?`, noteID)
	if err != nil {
		return nil, errs.New(errs.StorageIO, "store: collectionsForNote", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errs.New(errs.StorageIO, "store: collectionsForNote scan", err)
		}
		out = append(out, id)
	}
	return out, nil
}

// CountCollectionsForNote reports current membership fan-out, used to
// enforce MaxCollectionsPerNote before a publish adds more.
func (s *SQLiteStore) CountCollectionsForNote(noteID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM memberships WHERE note_id = ?`, noteID).Scan(&n); err != nil {
		return 0, errs.New(errs.StorageIO, "store: countCollectionsForNote", err)
	}
	return n, nil
}

// CollectionExists is a cheap existence check used by the publish validator.
func (s *SQLiteStore) CollectionExists(id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var exists int
	err := s.db.QueryRow(`SELECT 1 FROM collections WHERE id = ?`, id).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, errs.New(errs.StorageIO, "store: collectionExists", err)
	}
	return true, nil
}
