package store

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kittclouds/repod/internal/errs"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateNoteAlsoCreatesEmptyDraft(t *testing.T) {
	s := newTestStore(t)

	note, err := s.CreateNote("Hello", Metadata{Tags: []string{"a"}})
	require.NoError(t, err)
	require.NotEmpty(t, note.ID)

	draft, err := s.GetDraft(note.ID)
	require.NoError(t, err)
	require.Equal(t, note.ID, draft.NoteID)
	require.Equal(t, "", draft.BodyMD)
}

func TestSaveDraftThenPublishDeletesDraft(t *testing.T) {
	s := newTestStore(t)

	note, err := s.CreateNote("Hello", Metadata{})
	require.NoError(t, err)
	_, err = s.SaveDraft(note.ID, "A", Metadata{})
	require.NoError(t, err)

	col, err := s.CreateCollection("c1", "")
	require.NoError(t, err)

	type publishResponse struct {
		VersionID string `json:"version_id"`
		Status    string `json:"status"`
	}

	result, err := s.CommitVersion(CommitParams{
		NoteID:       note.ID,
		ContentMD:    "A",
		Collections:  []string{col.ID},
		Op:           "publish",
		Label:        LabelMinor,
		ClientToken:  "k",
		ConsumeDraft: true,
	}, publishResponse{VersionID: "placeholder", Status: "version_created"})
	require.NoError(t, err)
	require.Equal(t, "A", result.Version.ContentMD)

	_, err = s.GetDraft(note.ID)
	require.True(t, errs.Is(err, errs.NotFound), "draft must be deleted after publish")

	got, err := s.GetNote(note.ID)
	require.NoError(t, err)
	require.Equal(t, result.Version.ID, got.CurrentVersionID)

	pending, err := s.DequeuePending(10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, result.Version.ID, pending[0].VersionID)
}

func TestVersionContentImmutableAcrossReads(t *testing.T) {
	s := newTestStore(t)
	note, err := s.CreateNote("T", Metadata{})
	require.NoError(t, err)
	col, err := s.CreateCollection("c1", "")
	require.NoError(t, err)

	result, err := s.CommitVersion(CommitParams{NoteID: note.ID, ContentMD: "A", Collections: []string{col.ID}, Op: "publish", Label: LabelMinor}, nil)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		v, err := s.GetVersion(result.Version.ID)
		require.NoError(t, err)
		require.Equal(t, result.Version.ContentMD, v.ContentMD)
		require.Equal(t, result.Version.ContentHash, v.ContentHash)
	}
}

func TestListVersionsStrictlyDecreasingByCreatedAt(t *testing.T) {
	s := newTestStore(t)
	note, err := s.CreateNote("T", Metadata{})
	require.NoError(t, err)
	col, err := s.CreateCollection("c1", "")
	require.NoError(t, err)

	var last *CommitResult
	for i := 0; i < 5; i++ {
		last, err = s.CommitVersion(CommitParams{NoteID: note.ID, ContentMD: "A", Collections: []string{col.ID}, Op: "publish", Label: LabelMinor}, nil)
		require.NoError(t, err)
	}
	_ = last

	versions, err := s.ListVersions(note.ID)
	require.NoError(t, err)
	require.Len(t, versions, 5)
	for i := 1; i < len(versions); i++ {
		require.Greater(t, versions[i-1].CreatedAt, versions[i].CreatedAt, "listVersions must be newest-first and strictly decreasing")
	}
}

func TestIdempotencyRoundTrip(t *testing.T) {
	s := newTestStore(t)
	note, err := s.CreateNote("T", Metadata{})
	require.NoError(t, err)
	col, err := s.CreateCollection("c1", "")
	require.NoError(t, err)

	type publishResponse struct {
		VersionID string `json:"version_id"`
	}

	_, err = s.GetIdempotent(note.ID, "k", &publishResponse{})
	require.True(t, errs.Is(err, errs.NotFound))

	result, err := s.CommitVersion(CommitParams{NoteID: note.ID, ContentMD: "A", Collections: []string{col.ID}, Op: "publish", Label: LabelMinor, ClientToken: "k"}, publishResponse{VersionID: "x"})
	require.NoError(t, err)
	_ = result

	var got publishResponse
	err = s.GetIdempotent(note.ID, "k", &got)
	require.NoError(t, err)
	require.Equal(t, "x", got.VersionID)
}

func TestCreateCollectionDuplicateNameConflict(t *testing.T) {
	s := newTestStore(t)
	_, err := s.CreateCollection("Docs", "")
	require.NoError(t, err)

	_, err = s.CreateCollection("Docs", "")
	require.True(t, errs.Is(err, errs.Conflict))
}

func TestSnapshotRoundTrip(t *testing.T) {
	s := newTestStore(t)
	note, err := s.CreateNote("T", Metadata{})
	require.NoError(t, err)
	col, err := s.CreateCollection("c1", "")
	require.NoError(t, err)
	_, err = s.CommitVersion(CommitParams{NoteID: note.ID, ContentMD: "A", Collections: []string{col.ID}, Op: "publish", Label: LabelMinor}, nil)
	require.NoError(t, err)

	before, err := s.exportState(s.db)
	require.NoError(t, err)

	snap, err := s.CreateSnapshot("workspace", "before mutation")
	require.NoError(t, err)

	_, err = s.CommitVersion(CommitParams{NoteID: note.ID, ContentMD: "B", Collections: []string{col.ID}, Op: "publish", Label: LabelMinor}, nil)
	require.NoError(t, err)

	require.NoError(t, s.RestoreSnapshot(snap.ID))

	after, err := s.exportState(s.db)
	require.NoError(t, err)

	require.Equal(t, len(before.Versions), len(after.Versions), "restore should return version count to snapshot-time count")
	require.Equal(t, before.Versions[0].ContentHash, after.Versions[0].ContentHash)
}

func TestRestoreSnapshotMissingIsNotFound(t *testing.T) {
	s := newTestStore(t)
	err := s.RestoreSnapshot("snp_doesnotexist")
	require.True(t, errs.Is(err, errs.NotFound))
}
