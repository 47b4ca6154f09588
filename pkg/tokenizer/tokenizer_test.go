package tokenizer

import "testing"

func TestNormalizeCollapsesWhitespace(t *testing.T) {
	got := Normalize("hello    world\t\tfoo")
	want := "hello world foo"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestNormalizePreservesFencedCodeBlocks(t *testing.T) {
	src := "intro   text\n```go\nfunc   main()  {}\n```\noutro   text"
	got := Normalize(src)
	if got != "intro text\n```go\nfunc   main()  {}\n```\noutro text" {
		t.Fatalf("fenced block was not preserved byte-for-byte: %q", got)
	}
}

func TestTokenizeDeterministic(t *testing.T) {
	text := Normalize("The quick brown fox don't jump well-known fences.")
	a := Tokenize(text)
	b := Tokenize(text)
	if len(a) != len(b) {
		t.Fatalf("non-deterministic token count: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("non-deterministic token at %d: %+v vs %+v", i, a[i], b[i])
		}
	}
}

func TestTokenizeKeepsApostropheAndHyphenWords(t *testing.T) {
	toks := Tokenize("don't well-known")
	if len(toks) != 2 {
		t.Fatalf("expected 2 tokens, got %d: %+v", len(toks), toks)
	}
	if toks[0].Text != "don't" || toks[1].Text != "well-known" {
		t.Fatalf("unexpected token text: %+v", toks)
	}
}

func TestTokenizeOffsetsRoundTrip(t *testing.T) {
	src := "hello world"
	for _, tok := range Tokenize(src) {
		if src[tok.Start:tok.End] != tok.Text {
			t.Fatalf("offsets do not round-trip for token %+v", tok)
		}
	}
}
