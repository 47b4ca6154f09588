// Package tokenizer normalizes note content and splits it into a deterministic
// word-level token stream, preserving fenced code blocks byte-for-byte.
package tokenizer

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// Version is stamped into every minted Anchor so resolvers can detect when the
// tokenization algorithm has changed underneath a stored fingerprint.
const Version = "tok-v1"

// Token is a single word-level token with its byte offsets into the
// normalized source string.
type Token struct {
	Text  string
	Start int // byte offset, inclusive
	End   int // byte offset, exclusive
}

// Normalize applies Unicode NFC normalization and collapses runs of
// whitespace to a single space, except inside fenced code blocks (``` … ```)
// which are preserved byte-for-byte.
func Normalize(src string) string {
	nfc := norm.NFC.String(src)

	var out strings.Builder
	out.Grow(len(nfc))

	lines := strings.Split(nfc, "\n")
	inFence := false
	lastWasSpace := false
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") {
			inFence = !inFence
			out.WriteString(line)
			if i < len(lines)-1 {
				out.WriteByte('\n')
			}
			lastWasSpace = false
			continue
		}
		if inFence {
			out.WriteString(line)
			if i < len(lines)-1 {
				out.WriteByte('\n')
			}
			continue
		}
		for _, r := range line {
			if unicode.IsSpace(r) {
				if !lastWasSpace {
					out.WriteRune(' ')
					lastWasSpace = true
				}
				continue
			}
			out.WriteRune(r)
			lastWasSpace = false
		}
		if i < len(lines)-1 {
			out.WriteByte('\n')
			lastWasSpace = true
		}
	}
	return out.String()
}

// isSeparator reports whether r splits tokens. Word-internal punctuation
// (apostrophes, hyphens) is kept attached to the surrounding letters so that
// "don't" and "well-known" tokenize as single tokens.
func isSeparator(r rune) bool {
	switch r {
	case '\'', '’', '-':
		return false
	}
	if unicode.IsLetter(r) || unicode.IsDigit(r) {
		return false
	}
	return true
}

// Tokenize splits normalized text into a deterministic word-level token
// stream with byte offsets into the input string.
func Tokenize(normalized string) []Token {
	out := make([]Token, 0, len(normalized)/5+1)

	i := 0
	for i < len(normalized) {
		for i < len(normalized) {
			r, w := utf8.DecodeRuneInString(normalized[i:])
			if !isSeparator(r) {
				break
			}
			i += w
		}
		start := i
		for i < len(normalized) {
			r, w := utf8.DecodeRuneInString(normalized[i:])
			if isSeparator(r) {
				break
			}
			i += w
		}
		end := i
		if end > start {
			out = append(out, Token{Text: normalized[start:end], Start: start, End: end})
		}
	}
	return out
}
