package corpus

import (
	"context"
	"testing"

	"github.com/kittclouds/repod/internal/store"
)

func TestCommitVersionThenRetrieveFindsTerm(t *testing.T) {
	c := New()
	v := &store.Version{ID: "ver_1", NoteID: "note_1", ContentMD: "# Intro\n\nelephants roam the savanna in large herds."}

	if err := c.CommitVersion(context.Background(), v, []string{"col_1"}); err != nil {
		t.Fatalf("commit: %v", err)
	}

	results := c.RetrieveCandidates("elephants", []string{"col_1"})
	if len(results) == 0 {
		t.Fatal("expected at least one candidate")
	}
	if results[0].Passage.VersionID != "ver_1" {
		t.Fatalf("unexpected version id: %s", results[0].Passage.VersionID)
	}
}

func TestRetrieveCandidatesRespectsCollectionScope(t *testing.T) {
	c := New()
	v := &store.Version{ID: "ver_1", NoteID: "note_1", ContentMD: "zebras graze near the river."}
	if err := c.CommitVersion(context.Background(), v, []string{"col_a"}); err != nil {
		t.Fatalf("commit: %v", err)
	}

	inScope := c.RetrieveCandidates("zebras", []string{"col_a"})
	if len(inScope) == 0 {
		t.Fatal("expected candidates for col_a")
	}

	outOfScope := c.RetrieveCandidates("zebras", []string{"col_b"})
	if len(outOfScope) != 0 {
		t.Fatalf("expected zero candidates outside scope, got %d", len(outOfScope))
	}
}

func TestCommitVersionTwiceReplacesPriorIndex(t *testing.T) {
	c := New()
	v := &store.Version{ID: "ver_1", NoteID: "note_1", ContentMD: "foxes hunt at dusk."}
	if err := c.CommitVersion(context.Background(), v, []string{"col_1"}); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := c.CommitVersion(context.Background(), v, []string{"col_2"}); err != nil {
		t.Fatalf("recommit: %v", err)
	}

	if results := c.RetrieveCandidates("foxes", []string{"col_1"}); len(results) != 0 {
		t.Fatalf("expected no results under stale collection, got %d", len(results))
	}
	if results := c.RetrieveCandidates("foxes", []string{"col_2"}); len(results) == 0 {
		t.Fatal("expected results under new collection")
	}
}

func TestRetrieveCandidatesExpandsQueryTermByPrefix(t *testing.T) {
	c := New()
	v := &store.Version{ID: "ver_1", NoteID: "note_1", ContentMD: "the published report summarizes quarterly growth."}
	if err := c.CommitVersion(context.Background(), v, []string{"col_1"}); err != nil {
		t.Fatalf("commit: %v", err)
	}

	results := c.RetrieveCandidates("pub", []string{"col_1"})
	if len(results) == 0 {
		t.Fatal("expected prefix \"pub\" to match indexed term \"published\" via trie expansion")
	}
}

func TestRerankCandidatesTruncatesDeterministically(t *testing.T) {
	cands := []Candidate{
		{Passage: &store.PassageRecord{ID: "p2", VersionID: "v1"}, Score: 1.0},
		{Passage: &store.PassageRecord{ID: "p1", VersionID: "v1"}, Score: 1.0},
		{Passage: &store.PassageRecord{ID: "p3", VersionID: "v1"}, Score: 2.0},
	}
	c := New()
	out := c.RerankCandidates(cands, 2)
	if len(out) != 2 {
		t.Fatalf("expected 2 results, got %d", len(out))
	}
	if out[0].Passage.ID != "p3" {
		t.Fatalf("expected highest score first, got %s", out[0].Passage.ID)
	}
	if out[1].Passage.ID != "p1" {
		t.Fatalf("expected tie-break by passage id ascending, got %s", out[1].Passage.ID)
	}
}
