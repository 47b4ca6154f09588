// Package publish implements the Publish/Rollback Coordinator: the
// Received -> Validated -> Versioned -> Visible state machine of
// spec.md 4.C. Versioned is a transactional boundary delegated to
// internal/store.CommitVersion; Visible is asserted once that
// transaction durably enqueues its VisibilityEvent in the same write.
package publish

import (
	"fmt"

	"github.com/kittclouds/repod/internal/errs"
	"github.com/kittclouds/repod/internal/store"
	"github.com/kittclouds/repod/internal/visibility"
)

// MaxTitleLen and MaxBodyLen bound Validated (spec.md 4.C step 2).
const (
	MaxTitleLen = 200
	MaxBodyLen  = 1_000_000
)

// Store is the subset of internal/store.SQLiteStore the coordinator needs.
type Store interface {
	GetIdempotent(noteID, clientToken string, out any) error
	CommitVersion(params store.CommitParams, response any) (*store.CommitResult, error)
	GetNote(id string) (*store.Note, error)
	GetDraft(noteID string) (*store.Draft, error)
	GetVersion(id string) (*store.Version, error)
	ListVersions(noteID string) ([]*store.Version, error)
	CollectionExists(id string) (bool, error)
	CountCollectionsForNote(noteID string) (int, error)
	CollectionsForNote(noteID string) ([]string, error)
	CountPending() (int, error)

	// Satisfied structurally so a Store value can be passed directly to
	// visibility.EstimatedSearchableIn, which expects the fuller
	// visibility.Store interface.
	DequeuePending(limit int) ([]*store.VisibilityEvent, error)
	MarkCommitted(id int64) error
	MarkFailed(id int64, cause error) error
}

// PublishRequest is the Received stage's input.
type PublishRequest struct {
	NoteID      string
	Collections []string
	ClientToken string
	Label       store.Label
}

// RollbackRequest is the Received stage's input for a rollback.
type RollbackRequest struct {
	NoteID          string
	TargetVersionID string
	ClientToken     string
}

// Response is the Visible stage's output, the shape stored verbatim by
// the idempotency record and returned to the caller (both for a fresh
// publish and a deduplicated repeat, per I7).
type Response struct {
	VersionID             string   `json:"version_id"`
	NoteID                string   `json:"note_id"`
	Collections           []string `json:"collections"`
	Status                string   `json:"status"`
	EstimatedSearchableIn int64    `json:"estimated_searchable_in_ms"`
}

// Coordinator drives the publish/rollback state machine.
type Coordinator struct {
	store          Store
	drainRatePerS  float64
}

// New constructs a Coordinator. drainRatePerSecond estimates the
// visibility pipeline's throughput for estimated_searchable_in.
func New(s Store, drainRatePerSecond float64) *Coordinator {
	return &Coordinator{store: s, drainRatePerS: drainRatePerSecond}
}

// Publish runs Received -> Validated -> Versioned -> Visible for a draft.
// Idempotency is checked first (I7): if (note_id, client_token) was seen
// before, the stored Response is returned without touching the store
// again, so a retried publish request is side-effect free.
func (c *Coordinator) Publish(req PublishRequest) (*Response, error) {
	if err := c.validateClientToken(req.ClientToken); err != nil {
		return nil, err
	}

	var cached Response
	err := c.store.GetIdempotent(req.NoteID, req.ClientToken, &cached)
	if err == nil {
		return &cached, nil
	}
	if !errs.Is(err, errs.NotFound) {
		return nil, err
	}

	note, err := c.store.GetNote(req.NoteID)
	if err != nil {
		return nil, err
	}
	if err := c.validateTitle(note.Title); err != nil {
		return nil, err
	}

	draft, err := c.store.GetDraft(req.NoteID)
	if err != nil {
		return nil, err
	}
	if err := c.validateBody(draft.BodyMD); err != nil {
		return nil, err
	}
	if len(draft.Metadata.Tags) > 15 {
		return nil, errs.New(errs.ValidationError, "publish: validate", fmt.Errorf("metadata has more than 15 tags"))
	}
	for _, tag := range draft.Metadata.Tags {
		if len(tag) > 40 {
			return nil, errs.New(errs.ValidationError, "publish: validate", fmt.Errorf("tag %q exceeds 40 characters", tag))
		}
	}

	if err := c.validateCollections(req.NoteID, req.Collections); err != nil {
		return nil, err
	}

	label := req.Label
	if label == "" {
		label = store.LabelMinor
	}

	resp := &Response{NoteID: req.NoteID, Collections: req.Collections, Status: "version_created"}
	if estimate, err := visibility.EstimatedSearchableIn(c.store, c.drainRatePerS); err == nil {
		resp.EstimatedSearchableIn = estimate.Milliseconds()
	}
	result, err := c.store.CommitVersion(store.CommitParams{
		NoteID:       req.NoteID,
		ContentMD:    draft.BodyMD,
		Metadata:     draft.Metadata,
		Label:        label,
		Collections:  req.Collections,
		Op:           "publish",
		ClientToken:  req.ClientToken,
		ConsumeDraft: true,
	}, resp)
	if err != nil {
		return nil, err
	}

	resp.VersionID = result.Version.ID
	return resp, nil
}

// Rollback creates a new Version whose content mirrors an earlier one,
// rather than mutating history (spec.md 4.C: "rollback never deletes or
// mutates a prior Version; it always creates a new one").
func (c *Coordinator) Rollback(req RollbackRequest) (*Response, error) {
	if err := c.validateClientToken(req.ClientToken); err != nil {
		return nil, err
	}

	var cached Response
	err := c.store.GetIdempotent(req.NoteID, req.ClientToken, &cached)
	if err == nil {
		return &cached, nil
	}
	if !errs.Is(err, errs.NotFound) {
		return nil, err
	}

	if _, err := c.store.GetNote(req.NoteID); err != nil {
		return nil, err
	}

	target, err := c.store.GetVersion(req.TargetVersionID)
	if err != nil {
		return nil, err
	}
	if target.NoteID != req.NoteID {
		return nil, errs.New(errs.ValidationError, "publish: rollback", fmt.Errorf("version %s does not belong to note %s", target.ID, req.NoteID))
	}

	collections, err := c.store.CollectionsForNote(req.NoteID)
	if err != nil {
		return nil, err
	}

	resp := &Response{NoteID: req.NoteID, Collections: collections, Status: "version_created"}
	if estimate, err := visibility.EstimatedSearchableIn(c.store, c.drainRatePerS); err == nil {
		resp.EstimatedSearchableIn = estimate.Milliseconds()
	}
	result, err := c.store.CommitVersion(store.CommitParams{
		NoteID:          req.NoteID,
		ContentMD:       target.ContentMD,
		Metadata:        target.Metadata,
		ParentVersionID: target.ID,
		Label:           store.LabelMajor,
		Collections:     collections,
		Op:              "rollback",
		ClientToken:     req.ClientToken,
	}, resp)
	if err != nil {
		return nil, err
	}

	resp.VersionID = result.Version.ID
	return resp, nil
}

func (c *Coordinator) validateClientToken(token string) error {
	if token == "" {
		return errs.New(errs.ValidationError, "publish: validate", fmt.Errorf("client_token is required"))
	}
	return nil
}

func (c *Coordinator) validateTitle(title string) error {
	if len(title) == 0 {
		return errs.New(errs.ValidationError, "publish: validate", fmt.Errorf("title must not be empty"))
	}
	if len(title) > MaxTitleLen {
		return errs.New(errs.ValidationError, "publish: validate", fmt.Errorf("title exceeds %d characters", MaxTitleLen))
	}
	return nil
}

func (c *Coordinator) validateBody(body string) error {
	if len(body) > MaxBodyLen {
		return errs.New(errs.ValidationError, "publish: validate", fmt.Errorf("body exceeds %d bytes", MaxBodyLen))
	}
	return nil
}

func (c *Coordinator) validateCollections(noteID string, collections []string) error {
	if len(collections) == 0 {
		return errs.New(errs.ValidationError, "publish: validate", fmt.Errorf("at least one collection is required"))
	}
	for _, id := range collections {
		ok, err := c.store.CollectionExists(id)
		if err != nil {
			return err
		}
		if !ok {
			return errs.New(errs.ValidationError, "publish: validate", fmt.Errorf("collection %s does not exist", id))
		}
	}
	existing, err := c.store.CountCollectionsForNote(noteID)
	if err != nil {
		return err
	}
	// Existing memberships plus new ones in this publish must stay within
	// MaxCollectionsPerNote; duplicates across the two sets are harmless
	// since CommitVersion's membership insert is INSERT OR IGNORE, but we
	// size the check against the worst case (no overlap) to stay strict.
	if existing+len(collections) > store.MaxCollectionsPerNote {
		return errs.New(errs.ValidationError, "publish: validate", fmt.Errorf("note would belong to more than %d collections", store.MaxCollectionsPerNote))
	}
	return nil
}
