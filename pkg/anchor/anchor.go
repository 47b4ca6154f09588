// Package anchor chunks normalized note content into passages and mints
// content-fingerprinted anchors that can be re-resolved against a later
// version of the same note.
package anchor

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/orsinium-labs/stopwords"

	"github.com/kittclouds/repod/pkg/tokenizer"
)

// FingerprintAlgo identifies the hash algorithm used to fingerprint a token
// span. Stored on every Anchor so a future algorithm change never breaks
// resolution of existing anchors silently.
const FingerprintAlgo = "sha256"

// DefaultMaxTokensPerChunk is the default passage size cap (spec.md 4.A).
const DefaultMaxTokensPerChunk = 180

// DefaultOverlapTokens keeps consecutive passages within the 50% overlap
// ceiling for the default chunk size.
const DefaultOverlapTokens = 40

var enStopwords = stopwords.MustGet("en")

// Anchor re-locates a passage inside a Version's token stream.
type Anchor struct {
	StructurePath      string `json:"structure_path"`
	TokenOffset        int    `json:"token_offset"`
	TokenLength        int    `json:"token_length"`
	Fingerprint        string `json:"fingerprint"`
	TokenizationVersion string `json:"tokenization_version"`
	FingerprintAlgo    string `json:"fingerprint_algo"`
}

// Passage is one chunk of a Version, backed by an Anchor.
type Passage struct {
	StructurePath string
	Text          string
	CharOffset    int
	CharLength    int
	Anchor        Anchor
}

// ChunkConfig controls chunking behavior. Zero value is invalid; use
// DefaultChunkConfig.
type ChunkConfig struct {
	MaxTokensPerChunk int
	OverlapTokens     int
}

// DefaultChunkConfig returns the spec-mandated defaults.
func DefaultChunkConfig() ChunkConfig {
	return ChunkConfig{MaxTokensPerChunk: DefaultMaxTokensPerChunk, OverlapTokens: DefaultOverlapTokens}
}

// Validate rejects configurations the spec calls out as invalid: max<10 or
// overlap>=max.
func (c ChunkConfig) Validate() error {
	if c.MaxTokensPerChunk < 10 {
		return fmt.Errorf("max_tokens_per_chunk must be >= 10, got %d", c.MaxTokensPerChunk)
	}
	if c.OverlapTokens >= c.MaxTokensPerChunk {
		return fmt.Errorf("overlap_tokens (%d) must be < max_tokens_per_chunk (%d)", c.OverlapTokens, c.MaxTokensPerChunk)
	}
	return nil
}

// section is a structural slice of the document: a heading path plus the
// normalized text (and token stream) that falls under it, up to the next
// heading of equal or higher level.
type section struct {
	path   string
	text   string
	tokens []tokenizer.Token
}

// Chunk splits normalized markdown content into passages, greedily per
// structural section, honoring cfg.
func Chunk(normalized string, cfg ChunkConfig) ([]Passage, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	sections := splitSections(normalized)
	var passages []Passage
	for _, sec := range sections {
		passages = append(passages, chunkSection(sec, cfg)...)
	}
	return passages, nil
}

type headingStackEntry struct {
	level int
	slug  string
}

// splitSections walks markdown headings (`#`..`######`) and groups the
// content under each into a section keyed by its slash-joined heading path.
func splitSections(normalized string) []section {
	lines := strings.Split(normalized, "\n")

	var stack []headingStackEntry

	var sections []section
	var curLines []string
	flush := func() {
		text := strings.Join(curLines, "\n")
		text = strings.TrimSpace(text)
		if text == "" {
			curLines = nil
			return
		}
		path := pathFromStack(stack)
		sections = append(sections, section{
			path:   path,
			text:   text,
			tokens: tokenizer.Tokenize(text),
		})
		curLines = nil
	}

	inFence := false
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") {
			inFence = !inFence
			curLines = append(curLines, line)
			continue
		}
		if !inFence {
			if level, title, ok := parseHeading(trimmed); ok {
				flush()
				slug := slugify(title)
				for len(stack) > 0 && stack[len(stack)-1].level >= level {
					stack = stack[:len(stack)-1]
				}
				stack = append(stack, headingStackEntry{level: level, slug: slug})
				continue
			}
		}
		curLines = append(curLines, line)
	}
	flush()

	if len(sections) == 0 {
		// No headings at all: the whole document is one section at the root.
		text := strings.TrimSpace(normalized)
		if text != "" {
			sections = append(sections, section{path: "", text: text, tokens: tokenizer.Tokenize(text)})
		}
	}
	return sections
}

func pathFromStack(stack []headingStackEntry) string {
	parts := make([]string, len(stack))
	for i, s := range stack {
		parts[i] = s.slug
	}
	return strings.Join(parts, "/")
}

func parseHeading(line string) (level int, title string, ok bool) {
	if !strings.HasPrefix(line, "#") {
		return 0, "", false
	}
	i := 0
	for i < len(line) && line[i] == '#' {
		i++
	}
	if i == 0 || i > 6 || i >= len(line) || line[i] != ' ' {
		return 0, "", false
	}
	return i, strings.TrimSpace(line[i:]), true
}

// slugify produces a heading slug with filler/stopwords stripped, matching
// the structure_path convention ("slash-joined heading slugs").
func slugify(title string) string {
	words := strings.Fields(strings.ToLower(title))
	kept := make([]string, 0, len(words))
	for _, w := range words {
		w = strings.Trim(w, ".,:;!?'\"()[]{}")
		if w == "" {
			continue
		}
		if enStopwords.Contains(w) && len(kept) > 0 {
			continue
		}
		kept = append(kept, w)
	}
	if len(kept) == 0 {
		kept = words
	}
	return strings.Join(kept, "-")
}

// chunkSection greedily splits one section's token stream into passages of
// at most cfg.MaxTokensPerChunk tokens, with cfg.OverlapTokens of overlap
// between consecutive passages.
func chunkSection(sec section, cfg ChunkConfig) []Passage {
	if len(sec.tokens) == 0 {
		return nil
	}
	step := cfg.MaxTokensPerChunk - cfg.OverlapTokens
	if step < 1 {
		step = 1
	}

	var passages []Passage
	for start := 0; start < len(sec.tokens); start += step {
		end := start + cfg.MaxTokensPerChunk
		if end > len(sec.tokens) {
			end = len(sec.tokens)
		}
		tokSlice := sec.tokens[start:end]
		charStart := tokSlice[0].Start
		charEnd := tokSlice[len(tokSlice)-1].End

		passages = append(passages, Passage{
			StructurePath: sec.path,
			Text:          sec.text[charStart:charEnd],
			CharOffset:    charStart,
			CharLength:    charEnd - charStart,
			Anchor: Anchor{
				StructurePath:       sec.path,
				TokenOffset:         start,
				TokenLength:         end - start,
				Fingerprint:         Fingerprint(sec.tokens[start:end]),
				TokenizationVersion: tokenizer.Version,
				FingerprintAlgo:     FingerprintAlgo,
			},
		})
		if end == len(sec.tokens) {
			break
		}
	}
	return passages
}

// Fingerprint computes the SHA-256 hex digest over the canonical token text
// slice, joined by a single separator so token boundaries participate in the
// hash (avoids "ab"+"c" colliding with "a"+"bc").
func Fingerprint(tokens []tokenizer.Token) string {
	h := sha256.New()
	for i, t := range tokens {
		if i > 0 {
			h.Write([]byte{0})
		}
		h.Write([]byte(t.Text))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// ResolveStatus is the outcome of re-locating an Anchor in current content.
type ResolveStatus string

const (
	Resolved   ResolveStatus = "resolved"
	Drifted    ResolveStatus = "drifted"
	Unresolved ResolveStatus = "unresolved"
)

// DriftKind classifies why an anchor could not be resolved at its exact
// recorded position.
type DriftKind string

const (
	DriftRenamedSection DriftKind = "renamed_section"
	DriftContentEdited  DriftKind = "content_edited"
	DriftRemoved        DriftKind = "removed"
)

// ResolveResult reports where (if anywhere) an anchor was relocated.
type ResolveResult struct {
	Status      ResolveStatus
	Drift       DriftKind
	NewOffset   int
	NewLength   int
	StructurePath string
}

// ResolveWindow is the default ±W token scan window used when an exact
// fingerprint match at the recorded offset fails.
const ResolveWindow = 25

// Resolve attempts to re-locate anchor within the current normalized
// content, per spec.md 4.A: exact match at (structure_path, offset), then a
// ±W token window scan, else unresolved.
func Resolve(anchor Anchor, currentNormalized string) ResolveResult {
	sections := splitSections(currentNormalized)

	var target *section
	for i := range sections {
		if sections[i].path == anchor.StructurePath {
			target = &sections[i]
			break
		}
	}

	if target == nil {
		return ResolveResult{Status: Unresolved, Drift: DriftRenamedSection}
	}

	if anchor.TokenOffset+anchor.TokenLength <= len(target.tokens) {
		slice := target.tokens[anchor.TokenOffset : anchor.TokenOffset+anchor.TokenLength]
		if Fingerprint(slice) == anchor.Fingerprint {
			return ResolveResult{Status: Resolved, NewOffset: anchor.TokenOffset, NewLength: anchor.TokenLength, StructurePath: target.path}
		}
	}

	lo := anchor.TokenOffset - ResolveWindow
	if lo < 0 {
		lo = 0
	}
	hi := anchor.TokenOffset + ResolveWindow
	for start := lo; start <= hi; start++ {
		end := start + anchor.TokenLength
		if end > len(target.tokens) {
			continue
		}
		if Fingerprint(target.tokens[start:end]) == anchor.Fingerprint {
			return ResolveResult{Status: Drifted, Drift: DriftContentEdited, NewOffset: start, NewLength: anchor.TokenLength, StructurePath: target.path}
		}
	}

	if len(target.tokens) == 0 {
		return ResolveResult{Status: Unresolved, Drift: DriftRemoved}
	}
	return ResolveResult{Status: Unresolved, Drift: DriftContentEdited}
}
