// Package store provides the transactional SQLite-backed persistence layer
// for the entity store: notes, drafts, versions, collections, publications,
// sessions and snapshots.
package store

import "github.com/kittclouds/repod/pkg/anchor"

// Note is the logical document identity. CurrentVersionID points at the
// most recently created Version (I4).
type Note struct {
	ID               string   `json:"id"`
	Title            string   `json:"title"`
	Metadata         Metadata `json:"metadata"`
	CreatedAt        int64    `json:"created_at"`
	UpdatedAt        int64    `json:"updated_at"`
	CurrentVersionID string   `json:"current_version_id,omitempty"`
}

// Metadata is the free-form tag/key-value bag attached to Notes, Drafts and
// Versions. Tags are capped at 15 entries of up to 40 characters each by the
// publish validator.
type Metadata struct {
	Tags   []string          `json:"tags,omitempty"`
	Fields map[string]string `json:"fields,omitempty"`
}

// Draft is the mutable working copy bound 1:1 to a Note. Never visible to
// search (I1); deleted on successful publish.
type Draft struct {
	NoteID     string   `json:"note_id"`
	BodyMD     string   `json:"body_md"`
	Metadata   Metadata `json:"metadata"`
	AutosaveTS int64    `json:"autosave_ts"`
}

// Label distinguishes a routine publish from a rollback for UX purposes
// only; it never affects immutability.
type Label string

const (
	LabelMinor Label = "minor"
	LabelMajor Label = "major"
)

// Version is an immutable snapshot of a Note's content. Once created,
// ContentMD, ContentHash and ParentVersionID never change (I2).
type Version struct {
	ID              string   `json:"id"`
	NoteID          string   `json:"note_id"`
	ContentMD       string   `json:"content_md"`
	Metadata        Metadata `json:"metadata"`
	ContentHash     string   `json:"content_hash"`
	CreatedAt       int64    `json:"created_at"`
	ParentVersionID string   `json:"parent_version_id,omitempty"`
	Label           Label    `json:"label"`
}

// Publication links a Version to the Collections it is visible in.
type Publication struct {
	ID          string   `json:"id"`
	NoteID      string   `json:"note_id"`
	VersionID   string   `json:"version_id"`
	Collections []string `json:"collections"`
	PublishedAt int64    `json:"published_at"`
	Label       Label    `json:"label"`
}

// Collection is a named, workspace-unique scope (I5).
type Collection struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	CreatedAt   int64  `json:"created_at"`
}

// SessionStep is one ordered, replayable step in a Session. RefIDs are
// stored verbatim even after their referenced entities are deleted.
type SessionStep struct {
	StepIndex int      `json:"step_index"`
	Timestamp int64    `json:"timestamp"`
	Type      string   `json:"type"`
	RefIDs    []string `json:"ref_ids"`
}

// Session is an ordered sequence of replayable steps.
type Session struct {
	ID        string        `json:"id"`
	CreatedAt int64         `json:"created_at"`
	Pinned    bool          `json:"pinned"`
	Steps     []SessionStep `json:"steps"`
}

// Snapshot is a point-in-time capture of the whole workspace state.
type Snapshot struct {
	ID          string `json:"id"`
	Scope       string `json:"scope"` // only "workspace" today; kept as a string for future narrower scopes
	Description string `json:"description,omitempty"`
	CreatedAt   int64  `json:"created_at"`
}

// WorkspaceState is the exported/restorable state of a workspace,
// generalizing the teacher's Export()/Import() JSON-serialization pattern
// from a single-table note history to the whole entity graph. exportState
// does not fill Sessions, so snapshots neither capture nor restore sessions.
type WorkspaceState struct {
	Notes        []*Note        `json:"notes"`
	Drafts       []*Draft       `json:"drafts"`
	Versions     []*Version     `json:"versions"`
	Publications []*Publication `json:"publications"`
	Collections  []*Collection  `json:"collections"`
	Memberships  []Membership   `json:"memberships"`
	Sessions     []*Session     `json:"sessions"`
}

// Membership records that a Note belongs to a Collection.
type Membership struct {
	NoteID       string `json:"note_id"`
	CollectionID string `json:"collection_id"`
}

// VisibilityEvent is an outbox record: a pending obligation to commit a
// Version into the search corpus. Written in the same transaction as the
// Version it describes (outbox pattern, spec.md Design Notes).
type VisibilityEvent struct {
	ID          int64    `json:"id"`
	VersionID   string   `json:"version_id"`
	Collections []string `json:"collections"`
	Op          string   `json:"op"` // publish | republish | rollback
	EnqueuedAt  int64    `json:"enqueued_at"`
	Attempts    int      `json:"attempts"`
	Committed   bool     `json:"committed"`
	LastError   string   `json:"last_error,omitempty"`
}

// IdempotencyRecord is the (note_id, client_token) -> stored response
// mapping required by I7. Persisted transactionally, never held only in
// process memory (spec.md Design Notes: "Idempotency store").
type IdempotencyRecord struct {
	NoteID       string `json:"note_id"`
	ClientToken  string `json:"client_token"`
	ResponseJSON string `json:"response_json"`
	CreatedAt    int64  `json:"created_at"`
}

// PassageRecord is the persisted form of an anchor.Passage, associated with
// the Version it was chunked from. internal/corpus owns the in-memory
// index; this is its durable seed so a restart can reconstruct the corpus
// without re-chunking every version.
type PassageRecord struct {
	ID            string        `json:"id"`
	VersionID     string        `json:"version_id"`
	NoteID        string        `json:"note_id"`
	StructurePath string        `json:"structure_path"`
	Text          string        `json:"text"`
	Anchor        anchor.Anchor `json:"anchor"`
}

// NoteFilter narrows ListNotes results.
type NoteFilter struct {
	CollectionID string
}

// ListOptions paginates listing operations.
type ListOptions struct {
	Limit  int
	Offset int
}
