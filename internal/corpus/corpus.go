// Package corpus implements the Indexer/Corpus (IndexingPort) of
// spec.md 4.E: a store of searchable Passages keyed by version_id, with
// candidate retrieval and reranking. Generalizes the teacher's
// pkg/docstore in-memory Store (mutex-guarded map, Hydrate/Upsert/Remove)
// from a flat note-text map to a passage corpus addressed by version,
// and replaces the teacher's resolver.go call into an unavailable
// resorank.Scorer with a scorer written fresh against that call shape:
// a deterministic BM25-style term-frequency/inverse-document-frequency
// score over the tokenizer's word stream.
package corpus

import (
	"context"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/derekparker/trie/v3"

	"github.com/kittclouds/repod/internal/store"
	"github.com/kittclouds/repod/pkg/anchor"
	"github.com/kittclouds/repod/pkg/pool"
	"github.com/kittclouds/repod/pkg/tokenizer"
)

const (
	// TopKRetrieve is the initial candidate pool size before rerank
	// (spec.md 4.E).
	TopKRetrieve = 128
	// TopKRerank is the default post-rerank result size.
	TopKRerank = 64
)

// BM25 tuning constants (Robertson/Sparck-Jones); k1 and b are the
// conventional defaults used across full-text search engines.
const (
	bm25K1 = 1.2
	bm25B  = 0.75
)

// indexedPassage is a Passage plus the precomputed term-frequency table
// the scorer needs.
type indexedPassage struct {
	passage  *store.PassageRecord
	termFreq map[string]int
	length   int
}

// versionEntry groups all passages belonging to one Version, plus the
// collections it is currently published into (so scope enforcement can
// filter at retrieval time instead of post-filtering every query).
type versionEntry struct {
	noteID      string
	collections map[string]struct{}
	passages    []*indexedPassage
}

// Corpus is the in-memory IndexingPort implementation. It is safe for
// concurrent readers and writers; writes are rare (one per commit)
// relative to reads (one per query), so sync.RWMutex matches the access
// pattern the way the teacher's docstore.Store does.
type Corpus struct {
	mu sync.RWMutex

	byVersion map[string]*versionEntry
	docFreq   map[string]int // term -> number of passages containing it
	totalDocs int
	totalLen  int64

	prefixes *trie.Trie // term prefixes, for query-time candidate term expansion
}

// New constructs an empty Corpus.
func New() *Corpus {
	return &Corpus{
		byVersion: make(map[string]*versionEntry),
		docFreq:   make(map[string]int),
		prefixes:  trie.New(),
	}
}

// CommitVersion chunks a Version's content into Passages and indexes them,
// replacing any passages previously indexed for that version (a version's
// content is immutable, but it may be committed more than once across
// different collection sets via rollback/republish of the same content).
func (c *Corpus) CommitVersion(_ context.Context, version *store.Version, collections []string) error {
	normalized := tokenizer.Normalize(version.ContentMD)
	chunks, err := anchor.Chunk(normalized, anchor.DefaultChunkConfig())
	if err != nil {
		return err
	}

	passages := make([]*store.PassageRecord, 0, len(chunks))
	for i, p := range chunks {
		passages = append(passages, &store.PassageRecord{
			ID:            version.ID + "#" + strconv.Itoa(i),
			VersionID:     version.ID,
			NoteID:        version.NoteID,
			StructurePath: p.Anchor.StructurePath,
			Text:          p.Text,
			Anchor:        p.Anchor,
		})
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.removeVersionLocked(version.ID)

	colSet := make(map[string]struct{}, len(collections))
	for _, col := range collections {
		colSet[col] = struct{}{}
	}

	entry := &versionEntry{noteID: version.NoteID, collections: colSet}
	for _, p := range passages {
		ip := c.indexPassageLocked(p)
		entry.passages = append(entry.passages, ip)
	}
	c.byVersion[version.ID] = entry
	return nil
}

// RemoveVersion de-indexes a version. The visibility worker only commits
// versions; a rollback or later publish leaves earlier versions indexed.
func (c *Corpus) RemoveVersion(versionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeVersionLocked(versionID)
}

func (c *Corpus) removeVersionLocked(versionID string) {
	entry, ok := c.byVersion[versionID]
	if !ok {
		return
	}
	for _, ip := range entry.passages {
		for term := range ip.termFreq {
			c.docFreq[term]--
			if c.docFreq[term] <= 0 {
				delete(c.docFreq, term)
			}
		}
		c.totalDocs--
		c.totalLen -= int64(ip.length)
	}
	delete(c.byVersion, versionID)
}

func (c *Corpus) indexPassageLocked(p *store.PassageRecord) *indexedPassage {
	tokens := tokenizer.Tokenize(p.Text)
	tf := make(map[string]int, len(tokens))
	for _, tok := range tokens {
		term := strings.ToLower(tok.Text)
		tf[term]++
		c.prefixes.Add(term, nil)
	}
	for term := range tf {
		c.docFreq[term]++
	}
	c.totalDocs++
	c.totalLen += int64(len(tokens))
	return &indexedPassage{passage: p, termFreq: tf, length: len(tokens)}
}

// Candidate is one scored Passage returned from retrieval or rerank.
type Candidate struct {
	Passage *store.PassageRecord
	Score   float64
}

// RetrieveCandidates scores every passage visible within scopeCollections
// against queryText's term set and returns the top TopKRetrieve, ordered
// deterministically (score desc, then version_id asc, then passage_id
// asc — spec.md 4.E).
func (c *Corpus) RetrieveCandidates(queryText string, scopeCollections []string) []Candidate {
	return c.retrieve(queryText, scopeCollections, TopKRetrieve)
}

// HasAnyInScope reports whether any version is indexed within
// scopeCollections, independent of whether any passage matches a query's
// terms. This lets a caller distinguish "nothing published into this
// scope yet" from "content is indexed here but didn't match" — the two
// cases RetrieveCandidates collapses into the same empty slice.
func (c *Corpus) HasAnyInScope(scopeCollections []string) bool {
	scope := make(map[string]struct{}, len(scopeCollections))
	for _, col := range scopeCollections {
		scope[col] = struct{}{}
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, entry := range c.byVersion {
		if inScope(entry.collections, scope) && len(entry.passages) > 0 {
			return true
		}
	}
	return false
}

// RerankCandidates sorts a candidate set by the deterministic triple
// (score desc, version_id asc, passage_id asc) and truncates to topK,
// which internal/query narrows from 64 to 32 under P95 backoff. Scores are
// kept as retrieval computed them; nothing is re-scored.
func (c *Corpus) RerankCandidates(candidates []Candidate, topK int) []Candidate {
	sortCandidates(candidates)
	if topK > 0 && len(candidates) > topK {
		candidates = candidates[:topK]
	}
	return candidates
}

func (c *Corpus) retrieve(queryText string, scopeCollections []string, limit int) []Candidate {
	terms := queryTerms(queryText)
	defer pool.PutTokenSlice(terms)
	if len(terms) == 0 {
		return nil
	}

	scope := make(map[string]struct{}, len(scopeCollections))
	for _, col := range scopeCollections {
		scope[col] = struct{}{}
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	expanded := c.expandTermsLocked(terms)
	defer pool.PutTokenSlice(expanded)

	avgLen := 0.0
	if c.totalDocs > 0 {
		avgLen = float64(c.totalLen) / float64(c.totalDocs)
	}

	var out []Candidate
	for versionID, entry := range c.byVersion {
		if !inScope(entry.collections, scope) {
			continue
		}
		for _, ip := range entry.passages {
			score := c.bm25Score(expanded, ip, avgLen)
			if score <= 0 {
				continue
			}
			out = append(out, Candidate{Passage: ip.passage, Score: score})
		}
		_ = versionID
	}

	sortCandidates(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// expandTermsLocked widens a query's term set with indexed terms that have
// the query term as a prefix, so "pub" can retrieve passages containing
// "published" without a stemmer. Only attempted for terms with no exact
// index entry, since an exact match is already the strongest signal.
// Must be called with c.mu held (read or write).
func (c *Corpus) expandTermsLocked(terms []string) []string {
	seen := make(map[string]struct{}, len(terms))
	out := pool.GetTokenSlice()
	for _, t := range terms {
		if _, ok := seen[t]; !ok {
			seen[t] = struct{}{}
			out = append(out, t)
		}
		if _, exact := c.docFreq[t]; exact {
			continue
		}
		for _, matched := range c.prefixes.PrefixSearch(t) {
			if _, ok := seen[matched]; ok {
				continue
			}
			if _, indexed := c.docFreq[matched]; !indexed {
				continue
			}
			seen[matched] = struct{}{}
			out = append(out, matched)
		}
	}
	return out
}

func (c *Corpus) bm25Score(terms []string, ip *indexedPassage, avgLen float64) float64 {
	var score float64
	for _, term := range terms {
		tf, ok := ip.termFreq[term]
		if !ok {
			continue
		}
		df := c.docFreq[term]
		if df == 0 {
			continue
		}
		idf := math.Log(1 + (float64(c.totalDocs)-float64(df)+0.5)/(float64(df)+0.5))
		denom := float64(tf) + bm25K1*(1-bm25B+bm25B*float64(ip.length)/maxF(avgLen, 1))
		score += idf * (float64(tf) * (bm25K1 + 1)) / denom
	}
	return score
}

// inScope reports whether a version's collections intersect the query's
// scope. An empty scope means "no collection restriction": a search that
// names no collections covers the whole workspace.
func inScope(versionCollections, scope map[string]struct{}) bool {
	if len(scope) == 0 {
		return true
	}
	for col := range scope {
		if _, ok := versionCollections[col]; ok {
			return true
		}
	}
	return false
}

func sortCandidates(c []Candidate) {
	sort.Slice(c, func(i, j int) bool {
		if c[i].Score != c[j].Score {
			return c[i].Score > c[j].Score
		}
		if c[i].Passage.VersionID != c[j].Passage.VersionID {
			return c[i].Passage.VersionID < c[j].Passage.VersionID
		}
		return c[i].Passage.ID < c[j].Passage.ID
	})
}

func queryTerms(q string) []string {
	tokens := tokenizer.Tokenize(tokenizer.Normalize(q))
	out := pool.GetTokenSlice()
	for _, t := range tokens {
		out = append(out, strings.ToLower(t.Text))
	}
	return out
}

func maxF(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
