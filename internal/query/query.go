// Package query implements the Query & Answer Composer (spec.md 4.F):
// scope-enforced retrieval, per-session SLO backoff, and extractive
// answer composition with citations.
package query

import (
	"strings"
	"sync"

	"github.com/coregx/ahocorasick"

	"github.com/kittclouds/repod/internal/corpus"
	"github.com/kittclouds/repod/internal/observability"
	"github.com/kittclouds/repod/internal/store"
	"github.com/kittclouds/repod/pkg/anchor"
	"github.com/kittclouds/repod/pkg/pool"
	"github.com/kittclouds/repod/pkg/tokenizer"
)

// Defaults per spec.md 4.F.
const (
	DefaultTopKRetrieve = corpus.TopKRetrieve
	DefaultTopKRerank   = corpus.TopKRerank
	BackoffTopKRerank   = 32
	DefaultPageSize     = 10

	// sessionP95BackoffThresholdMS triggers topKRerank reduction (spec.md
	// 4.F: "If session P95 latency > 500 ms").
	sessionP95BackoffThresholdMS = 500.0

	// coverageThreshold is the fraction of the summed score of all reranked
	// candidates that the selected citations' scores must reach before
	// selection stops.
	coverageThreshold = 0.6
)

// NoAnswerReason enumerates why an Answer could not be composed.
type NoAnswerReason string

const (
	ReasonInsufficientEvidence NoAnswerReason = "insufficient_evidence"
	ReasonUnresolvedCitations  NoAnswerReason = "unresolved_citations"
	ReasonNotIndexed           NoAnswerReason = "not_indexed"
	ReasonNoPublishedVersions  NoAnswerReason = "no_published_versions"
)

// Citation is a passage reference backing one span of an Answer's text.
type Citation struct {
	NoteID    string        `json:"note_id"`
	VersionID string        `json:"version_id"`
	PassageID string        `json:"passage_id"`
	Anchor    anchor.Anchor `json:"anchor"`
	Snippet   string        `json:"snippet"`
}

// Result is one ranked passage hit in a SearchResponse.
type Result struct {
	NoteID        string   `json:"note_id"`
	VersionID     string   `json:"version_id"`
	Title         string   `json:"title"`
	Snippet       string   `json:"snippet"`
	Score         float64  `json:"score"`
	CollectionIDs []string `json:"collection_ids"`
}

// SearchResponse is the full slim shape returned from GET /search
// (spec.md 6).
type SearchResponse struct {
	Answer         string         `json:"answer,omitempty"`
	Results        []Result       `json:"results"`
	Citations      []Citation     `json:"citations,omitempty"`
	QueryID        string         `json:"query_id"`
	Page           int            `json:"page"`
	PageSize       int            `json:"page_size"`
	TotalCount     int            `json:"total_count"`
	HasMore        bool           `json:"has_more"`
	NoAnswerReason NoAnswerReason `json:"no_answer_reason,omitempty"`
	Deterministic  bool           `json:"deterministic"`
}

// Request is the input to Composer.Search.
type Request struct {
	QueryID     string
	Text        string
	Collections []string
	Page        int
	PageSize    int
	SessionID   string
}

// Corpus is the subset of internal/corpus.Corpus the composer needs.
type Corpus interface {
	RetrieveCandidates(queryText string, scopeCollections []string) []corpus.Candidate
	RerankCandidates(candidates []corpus.Candidate, topK int) []corpus.Candidate
	HasAnyInScope(scopeCollections []string) bool
}

// NoteTitler resolves a note_id to its current title, so results carry a
// human-readable title without the corpus itself storing note metadata.
type NoteTitler interface {
	GetNote(id string) (*store.Note, error)
}

// Composer turns a scoped free-text query into ranked results and, when
// possible, an extractive answer.
type Composer struct {
	corpus Corpus
	notes  NoteTitler
	obs    *observability.Registry

	mu               sync.Mutex
	sessionP95Millis map[string]float64
}

// NewComposer constructs a Composer. obs may be nil; the per-session
// backoff decision does not read it and depends only on the latencies fed
// in through RecordSessionLatency.
func NewComposer(c Corpus, notes NoteTitler, obs *observability.Registry) *Composer {
	return &Composer{
		corpus:           c,
		notes:            notes,
		obs:              obs,
		sessionP95Millis: make(map[string]float64),
	}
}

// RecordSessionLatency feeds a session's observed search latency back into
// the backoff decision for that session's subsequent searches.
func (c *Composer) RecordSessionLatency(sessionID string, millis float64) {
	if sessionID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	// A true rolling P95 lives in observability.Registry; here we keep the
	// simple worst-recent-observation proxy the backoff decision actually
	// needs, scoped per session rather than globally.
	if millis > c.sessionP95Millis[sessionID] {
		c.sessionP95Millis[sessionID] = millis
	}
}

func (c *Composer) topKRerankFor(sessionID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessionP95Millis[sessionID] > sessionP95BackoffThresholdMS {
		return BackoffTopKRerank
	}
	return DefaultTopKRerank
}

// Search runs scope-enforced retrieval, rerank, pagination, and (if
// possible) answer composition.
func (c *Composer) Search(req Request) SearchResponse {
	page := req.Page
	if page < 1 {
		page = 1
	}
	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}

	resp := SearchResponse{QueryID: req.QueryID, Page: page, PageSize: pageSize, Deterministic: true}
	hl := newHighlighter(req.Text)

	candidates := c.corpus.RetrieveCandidates(req.Text, req.Collections)
	if len(candidates) == 0 {
		resp.Results = []Result{}
		if c.corpus.HasAnyInScope(req.Collections) {
			// Content is indexed in scope; the query's terms just didn't
			// match anything in it.
			resp.NoAnswerReason = ReasonInsufficientEvidence
		} else {
			resp.NoAnswerReason = ReasonNotIndexed
		}
		return resp
	}

	topK := c.topKRerankFor(req.SessionID)
	if topK != DefaultTopKRerank {
		resp.Deterministic = false // policy override breaks the default stable-sort triple
	}
	reranked := c.corpus.RerankCandidates(candidates, topK)

	resp.TotalCount = len(reranked)
	start := (page - 1) * pageSize
	end := start + pageSize
	if start > len(reranked) {
		start = len(reranked)
	}
	if end > len(reranked) {
		end = len(reranked)
	}
	pageSlice := reranked[start:end]
	resp.HasMore = end < len(reranked)

	results := make([]Result, 0, len(pageSlice))
	for _, cand := range pageSlice {
		title := ""
		if c.notes != nil {
			if note, err := c.notes.GetNote(cand.Passage.NoteID); err == nil {
				title = note.Title
			}
		}
		results = append(results, Result{
			NoteID:    cand.Passage.NoteID,
			VersionID: cand.Passage.VersionID,
			Title:     title,
			Snippet:   hl.snippet(cand.Passage.Text, 200),
			Score:     cand.Score,
		})
	}
	resp.Results = results

	answer, citations, reason := composeAnswer(reranked, hl)
	if reason != "" {
		resp.NoAnswerReason = reason
		return resp
	}
	resp.Answer = answer
	resp.Citations = citations
	return resp
}

// composeAnswer selects highest-ranked non-overlapping passages until
// coverageThreshold of the candidate term mass is covered, per spec.md
// 4.F and invariant I6 ("every published Answer has >=1 citation").
func composeAnswer(ranked []corpus.Candidate, hl *highlighter) (string, []Citation, NoAnswerReason) {
	if len(ranked) == 0 {
		return "", nil, ReasonNoPublishedVersions
	}

	total := 0.0
	for _, c := range ranked {
		total += c.Score
	}
	if total <= 0 {
		return "", nil, ReasonInsufficientEvidence
	}

	var citations []Citation
	var parts []string
	usedSpans := make(map[string]struct{}) // versionID#structurePath, avoids overlapping passages
	covered := 0.0

	for _, cand := range ranked {
		key := cand.Passage.VersionID + "#" + cand.Passage.StructurePath
		if _, dup := usedSpans[key]; dup {
			continue
		}
		usedSpans[key] = struct{}{}

		citations = append(citations, Citation{
			NoteID:    cand.Passage.NoteID,
			VersionID: cand.Passage.VersionID,
			PassageID: cand.Passage.ID,
			Anchor:    cand.Passage.Anchor,
			Snippet:   hl.snippet(cand.Passage.Text, 280),
		})
		parts = append(parts, hl.snippet(cand.Passage.Text, 280))
		covered += cand.Score

		if covered/total >= coverageThreshold {
			break
		}
	}

	if len(citations) == 0 {
		return "", nil, ReasonUnresolvedCitations
	}
	if covered/total < coverageThreshold && len(citations) == len(ranked) {
		// Consumed every available candidate and still short of threshold:
		// the corpus genuinely lacks enough evidence for this query.
		return "", nil, ReasonInsufficientEvidence
	}

	return strings.Join(parts, " … "), citations, ""
}

// highlighter locates query term occurrences in passage text with a single
// Aho-Corasick automaton built once per search, so snippet windows can be
// centered on a match instead of always starting at byte 0 — the same
// multi-pattern scanning idiom the teacher's pkg/implicit-matcher uses for
// entity mentions, applied here to query-term mentions.
type highlighter struct {
	ac *ahocorasick.Automaton
}

func newHighlighter(queryText string) *highlighter {
	tokens := tokenizer.Tokenize(tokenizer.Normalize(queryText))
	if len(tokens) == 0 {
		return &highlighter{}
	}
	terms := pool.GetTokenSlice()
	defer pool.PutTokenSlice(terms)
	for _, tok := range tokens {
		terms = append(terms, strings.ToLower(tok.Text))
	}
	ac, err := ahocorasick.NewBuilder().
		AddStrings(terms).
		SetMatchKind(ahocorasick.LeftmostLongest).
		SetPrefilter(true).
		Build()
	if err != nil {
		return &highlighter{}
	}
	return &highlighter{ac: ac}
}

func (h *highlighter) snippet(text string, maxLen int) string {
	text = strings.TrimSpace(text)
	if len(text) <= maxLen {
		return text
	}

	start := 0
	if h != nil && h.ac != nil {
		if matches := h.ac.FindAllOverlapping([]byte(strings.ToLower(text))); len(matches) > 0 {
			center := matches[0].Start
			start = center - maxLen/3
			if start < 0 {
				start = 0
			}
		}
	}
	end := start + maxLen
	if end > len(text) {
		end = len(text)
		if end-maxLen > 0 {
			start = end - maxLen
		}
	}

	out := strings.TrimSpace(text[start:end])
	if start > 0 {
		out = "…" + out
	}
	if end < len(text) {
		out = out + "…"
	}
	return out
}
