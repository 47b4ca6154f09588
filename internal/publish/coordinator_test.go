package publish

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kittclouds/repod/internal/store"
)

func newHarness(t *testing.T) (*Coordinator, *store.SQLiteStore) {
	t.Helper()
	s, err := store.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return New(s, 10), s
}

func TestPublishValidatesAndCreatesVersion(t *testing.T) {
	c, s := newHarness(t)

	note, err := s.CreateNote("My Note", store.Metadata{})
	require.NoError(t, err)
	_, err = s.SaveDraft(note.ID, "body text", store.Metadata{})
	require.NoError(t, err)
	col, err := s.CreateCollection("docs", "")
	require.NoError(t, err)

	resp, err := c.Publish(PublishRequest{NoteID: note.ID, Collections: []string{col.ID}, ClientToken: "t1"})
	require.NoError(t, err)
	require.NotEmpty(t, resp.VersionID)
	require.Equal(t, "version_created", resp.Status)

	versions, err := s.ListVersions(note.ID)
	require.NoError(t, err)
	require.Len(t, versions, 1)
}

// TestRepeatedPublishSameTokenIsIdempotent covers spec.md scenario 2: a
// repeated publish with the same client_token returns the identical
// version_id and produces no second Version.
func TestRepeatedPublishSameTokenIsIdempotent(t *testing.T) {
	c, s := newHarness(t)

	note, err := s.CreateNote("My Note", store.Metadata{})
	require.NoError(t, err)
	_, err = s.SaveDraft(note.ID, "body text", store.Metadata{})
	require.NoError(t, err)
	col, err := s.CreateCollection("docs", "")
	require.NoError(t, err)

	req := PublishRequest{NoteID: note.ID, Collections: []string{col.ID}, ClientToken: "same-token"}

	first, err := c.Publish(req)
	require.NoError(t, err)

	// Re-save an identical draft so a second publish attempt has something
	// to (not) act on; the client retried because it never saw the first
	// response, not because content changed.
	_, err = s.SaveDraft(note.ID, "body text", store.Metadata{})
	require.NoError(t, err)

	second, err := c.Publish(req)
	require.NoError(t, err)

	require.Equal(t, first.VersionID, second.VersionID)

	versions, err := s.ListVersions(note.ID)
	require.NoError(t, err)
	require.Len(t, versions, 1)
}

func TestPublishRejectsEmptyCollections(t *testing.T) {
	c, s := newHarness(t)
	note, err := s.CreateNote("N", store.Metadata{})
	require.NoError(t, err)
	_, err = s.SaveDraft(note.ID, "x", store.Metadata{})
	require.NoError(t, err)

	_, err = c.Publish(PublishRequest{NoteID: note.ID, ClientToken: "t1"})
	require.Error(t, err)
}

func TestPublishRejectsUnknownCollection(t *testing.T) {
	c, s := newHarness(t)
	note, err := s.CreateNote("N", store.Metadata{})
	require.NoError(t, err)
	_, err = s.SaveDraft(note.ID, "x", store.Metadata{})
	require.NoError(t, err)

	_, err = c.Publish(PublishRequest{NoteID: note.ID, Collections: []string{"col_doesnotexist"}, ClientToken: "t1"})
	require.Error(t, err)
}

func TestPublishRejectsEmptyClientToken(t *testing.T) {
	c, s := newHarness(t)
	note, err := s.CreateNote("N", store.Metadata{})
	require.NoError(t, err)
	_, err = s.SaveDraft(note.ID, "x", store.Metadata{})
	require.NoError(t, err)
	col, err := s.CreateCollection("docs", "")
	require.NoError(t, err)

	_, err = c.Publish(PublishRequest{NoteID: note.ID, Collections: []string{col.ID}})
	require.Error(t, err)
}

func TestPublishRejectsTitleOverLimit(t *testing.T) {
	c, s := newHarness(t)
	longTitle := make([]byte, MaxTitleLen+1)
	for i := range longTitle {
		longTitle[i] = 'a'
	}
	note, err := s.CreateNote(string(longTitle), store.Metadata{})
	require.NoError(t, err)
	_, err = s.SaveDraft(note.ID, "x", store.Metadata{})
	require.NoError(t, err)
	col, err := s.CreateCollection("docs", "")
	require.NoError(t, err)

	_, err = c.Publish(PublishRequest{NoteID: note.ID, Collections: []string{col.ID}, ClientToken: "t1"})
	require.Error(t, err)
}

// TestSaveDraftPublishSaveDraftPublishRollback covers spec.md scenario 3:
// saveDraft -> publish -> saveDraft -> publish -> rollback produces three
// versions, with the third mirroring the first publish's content and
// pointing its parent_version_id at the rollback target.
func TestSaveDraftPublishSaveDraftPublishRollback(t *testing.T) {
	c, s := newHarness(t)

	note, err := s.CreateNote("N", store.Metadata{})
	require.NoError(t, err)
	col, err := s.CreateCollection("docs", "")
	require.NoError(t, err)

	_, err = s.SaveDraft(note.ID, "v1", store.Metadata{})
	require.NoError(t, err)
	first, err := c.Publish(PublishRequest{NoteID: note.ID, Collections: []string{col.ID}, ClientToken: "pub-1"})
	require.NoError(t, err)

	_, err = s.SaveDraft(note.ID, "v2", store.Metadata{})
	require.NoError(t, err)
	_, err = c.Publish(PublishRequest{NoteID: note.ID, Collections: []string{col.ID}, ClientToken: "pub-2"})
	require.NoError(t, err)

	third, err := c.Rollback(RollbackRequest{NoteID: note.ID, TargetVersionID: first.VersionID, ClientToken: "rollback-1"})
	require.NoError(t, err)

	versions, err := s.ListVersions(note.ID)
	require.NoError(t, err)
	require.Len(t, versions, 3)

	rolledBack, err := s.GetVersion(third.VersionID)
	require.NoError(t, err)
	require.Equal(t, "v1", rolledBack.ContentMD)
	require.Equal(t, first.VersionID, rolledBack.ParentVersionID)
	require.Equal(t, store.LabelMajor, rolledBack.Label)
}

func TestRollbackRejectsVersionFromAnotherNote(t *testing.T) {
	c, s := newHarness(t)

	noteA, err := s.CreateNote("A", store.Metadata{})
	require.NoError(t, err)
	noteB, err := s.CreateNote("B", store.Metadata{})
	require.NoError(t, err)
	col, err := s.CreateCollection("docs", "")
	require.NoError(t, err)

	_, err = s.SaveDraft(noteA.ID, "a content", store.Metadata{})
	require.NoError(t, err)
	resultA, err := c.Publish(PublishRequest{NoteID: noteA.ID, Collections: []string{col.ID}, ClientToken: "a-1"})
	require.NoError(t, err)

	_, err = s.SaveDraft(noteB.ID, "b content", store.Metadata{})
	require.NoError(t, err)
	_, err = c.Publish(PublishRequest{NoteID: noteB.ID, Collections: []string{col.ID}, ClientToken: "b-1"})
	require.NoError(t, err)

	_, err = c.Rollback(RollbackRequest{NoteID: noteB.ID, TargetVersionID: resultA.VersionID, ClientToken: "rollback-1"})
	require.Error(t, err)
}
