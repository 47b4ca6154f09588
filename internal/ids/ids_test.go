package ids

import (
	"strings"
	"testing"
)

func TestNewPrefixAndLength(t *testing.T) {
	id := New(Note)
	if !strings.HasPrefix(id, "note_") {
		t.Fatalf("expected note_ prefix, got %q", id)
	}
	if got := len(id) - len("note_"); got != 26 {
		t.Fatalf("expected 26 characters after the prefix, got %d in %q", got, id)
	}
}

func TestNewMonotonicWithinSameMillisecond(t *testing.T) {
	ids := make([]string, 200)
	for i := range ids {
		ids[i] = New(Version)
	}
	for i := 1; i < len(ids); i++ {
		if ids[i] <= ids[i-1] {
			t.Fatalf("ids not strictly increasing at index %d: %q <= %q", i, ids[i], ids[i-1])
		}
	}
}

func TestNewUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := New(Collection)
		if seen[id] {
			t.Fatalf("duplicate id generated: %q", id)
		}
		seen[id] = true
	}
}
