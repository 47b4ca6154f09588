package anchor

import (
	"testing"

	"github.com/kittclouds/repod/pkg/tokenizer"
)

func TestChunkConfigValidation(t *testing.T) {
	if err := (ChunkConfig{MaxTokensPerChunk: 9, OverlapTokens: 0}).Validate(); err == nil {
		t.Fatalf("expected error for max<10")
	}
	if err := (ChunkConfig{MaxTokensPerChunk: 20, OverlapTokens: 20}).Validate(); err == nil {
		t.Fatalf("expected error for overlap>=max")
	}
	if err := DefaultChunkConfig().Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestChunkProducesStructurePaths(t *testing.T) {
	src := tokenizer.Normalize("# Intro\nHello world this is the intro section.\n\n## Details\nMore content lives here in the details section.")
	passages, err := Chunk(src, DefaultChunkConfig())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(passages) != 2 {
		t.Fatalf("expected 2 passages, got %d: %+v", len(passages), passages)
	}
	if passages[0].StructurePath != "intro" {
		t.Fatalf("expected structure_path 'intro', got %q", passages[0].StructurePath)
	}
	if passages[1].StructurePath != "intro/details" {
		t.Fatalf("expected nested structure_path 'intro/details', got %q", passages[1].StructurePath)
	}
}

func TestChunkRespectsMaxTokens(t *testing.T) {
	words := ""
	for i := 0; i < 500; i++ {
		words += "word "
	}
	src := tokenizer.Normalize(words)
	cfg := ChunkConfig{MaxTokensPerChunk: 50, OverlapTokens: 10}
	passages, err := Chunk(src, cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, p := range passages {
		if p.Anchor.TokenLength > cfg.MaxTokensPerChunk {
			t.Fatalf("passage exceeds max tokens: %d > %d", p.Anchor.TokenLength, cfg.MaxTokensPerChunk)
		}
	}
	if len(passages) < 10 {
		t.Fatalf("expected many passages for 500 tokens at chunk size 50/overlap 10, got %d", len(passages))
	}
}

func TestFingerprintMintThenResolveUnchangedContentSameSpan(t *testing.T) {
	src := tokenizer.Normalize("# Section\nThe quick brown fox jumps over the lazy dog repeatedly.")
	passages, err := Chunk(src, DefaultChunkConfig())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(passages) == 0 {
		t.Fatalf("expected at least one passage")
	}
	a := passages[0].Anchor

	result := Resolve(a, src)
	if result.Status != Resolved {
		t.Fatalf("expected Resolved on unchanged content, got %s", result.Status)
	}
	if result.NewOffset != a.TokenOffset || result.NewLength != a.TokenLength {
		t.Fatalf("resolve on unchanged content should return identical span, got offset=%d length=%d", result.NewOffset, result.NewLength)
	}
}

func TestResolveDriftedWithinWindow(t *testing.T) {
	src := tokenizer.Normalize("# Section\nAlpha beta gamma delta epsilon zeta eta theta.")
	passages, err := Chunk(src, DefaultChunkConfig())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	a := passages[0].Anchor

	edited := tokenizer.Normalize("# Section\nInserted filler words here. Alpha beta gamma delta epsilon zeta eta theta.")
	result := Resolve(a, edited)
	if result.Status == Unresolved {
		t.Fatalf("expected anchor to resolve within the scan window, got unresolved")
	}
}

func TestResolveUnresolvedWhenSectionRemoved(t *testing.T) {
	src := tokenizer.Normalize("# Section\nSome content that will vanish entirely from the document.")
	passages, err := Chunk(src, DefaultChunkConfig())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	a := passages[0].Anchor

	changed := tokenizer.Normalize("# Different\nUnrelated content now lives here instead.")
	result := Resolve(a, changed)
	if result.Status != Unresolved {
		t.Fatalf("expected Unresolved when the section is gone, got %s", result.Status)
	}
	if result.Drift != DriftRenamedSection {
		t.Fatalf("expected renamed_section drift classification, got %s", result.Drift)
	}
}
