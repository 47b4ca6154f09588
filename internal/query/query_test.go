package query

import (
	"testing"

	"github.com/kittclouds/repod/internal/corpus"
	"github.com/kittclouds/repod/internal/store"
)

type fakeCorpus struct {
	candidates    []corpus.Candidate
	hasAnyInScope bool
}

func (f *fakeCorpus) RetrieveCandidates(queryText string, scope []string) []corpus.Candidate {
	return f.candidates
}

func (f *fakeCorpus) RerankCandidates(candidates []corpus.Candidate, topK int) []corpus.Candidate {
	if topK > 0 && len(candidates) > topK {
		candidates = candidates[:topK]
	}
	return candidates
}

func (f *fakeCorpus) HasAnyInScope(scope []string) bool {
	return f.hasAnyInScope
}

type fakeNotes struct{}

func (fakeNotes) GetNote(id string) (*store.Note, error) {
	return &store.Note{ID: id, Title: "Title for " + id}, nil
}

func passage(id, versionID, structurePath, text string, score float64) corpus.Candidate {
	return corpus.Candidate{
		Passage: &store.PassageRecord{ID: id, VersionID: versionID, NoteID: "note_1", StructurePath: structurePath, Text: text},
		Score:   score,
	}
}

func TestSearchNoCandidatesReturnsNotIndexed(t *testing.T) {
	c := NewComposer(&fakeCorpus{}, fakeNotes{}, nil)
	resp := c.Search(Request{QueryID: "q1", Text: "hello"})
	if resp.NoAnswerReason != ReasonNotIndexed {
		t.Fatalf("expected not_indexed, got %q", resp.NoAnswerReason)
	}
}

func TestSearchNoMatchWithinIndexedScopeReturnsInsufficientEvidence(t *testing.T) {
	c := NewComposer(&fakeCorpus{hasAnyInScope: true}, fakeNotes{}, nil)
	resp := c.Search(Request{QueryID: "q1", Text: "hello", Collections: []string{"col_1"}})
	if resp.NoAnswerReason != ReasonInsufficientEvidence {
		t.Fatalf("expected insufficient_evidence, got %q", resp.NoAnswerReason)
	}
}

func TestSearchComposesAnswerWithCitations(t *testing.T) {
	fc := &fakeCorpus{candidates: []corpus.Candidate{
		passage("p1", "ver_1", "intro", "elephants roam the savanna", 5.0),
		passage("p2", "ver_1", "habitat", "they travel in large herds", 3.0),
	}}
	c := NewComposer(fc, fakeNotes{}, nil)
	resp := c.Search(Request{QueryID: "q1", Text: "elephants"})

	if resp.NoAnswerReason != "" {
		t.Fatalf("expected an answer, got no_answer_reason=%q", resp.NoAnswerReason)
	}
	if len(resp.Citations) < 1 {
		t.Fatal("expected at least one citation (I6)")
	}
	if resp.Answer == "" {
		t.Fatal("expected non-empty answer text")
	}
}

func TestSearchDeduplicatesOverlappingStructurePaths(t *testing.T) {
	fc := &fakeCorpus{candidates: []corpus.Candidate{
		passage("p1", "ver_1", "intro", "first chunk of the intro section", 5.0),
		passage("p2", "ver_1", "intro", "second chunk of the same intro section", 4.0),
	}}
	c := NewComposer(fc, fakeNotes{}, nil)
	resp := c.Search(Request{QueryID: "q1", Text: "intro"})

	if len(resp.Citations) != 1 {
		t.Fatalf("expected exactly one citation for overlapping structure_path, got %d", len(resp.Citations))
	}
}

func TestSearchBackoffReducesTopKRerankAfterSlowSession(t *testing.T) {
	cands := make([]corpus.Candidate, 0, 40)
	for i := 0; i < 40; i++ {
		cands = append(cands, passage("p", "ver_1", "s", "text", float64(40-i)))
	}
	fc := &fakeCorpus{candidates: cands}
	c := NewComposer(fc, fakeNotes{}, nil)

	c.RecordSessionLatency("sess_1", 900)
	resp := c.Search(Request{QueryID: "q1", Text: "text", SessionID: "sess_1", PageSize: 100})

	if resp.Deterministic {
		t.Fatal("expected deterministic=false once the backoff policy overrides topKRerank")
	}
	if resp.TotalCount > BackoffTopKRerank {
		t.Fatalf("expected reranked set capped at %d under backoff, got %d", BackoffTopKRerank, resp.TotalCount)
	}
}

func TestSearchPagination(t *testing.T) {
	cands := make([]corpus.Candidate, 0, 25)
	for i := 0; i < 25; i++ {
		cands = append(cands, passage("p", "ver_1", "s", "text", float64(25-i)))
	}
	fc := &fakeCorpus{candidates: cands}
	c := NewComposer(fc, fakeNotes{}, nil)

	resp := c.Search(Request{QueryID: "q1", Text: "text", Page: 2, PageSize: 10})
	if len(resp.Results) != 10 {
		t.Fatalf("expected 10 results on page 2, got %d", len(resp.Results))
	}
	if !resp.HasMore {
		t.Fatal("expected has_more=true with a third page remaining")
	}
}
