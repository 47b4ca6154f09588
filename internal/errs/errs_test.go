package errs

import (
	"fmt"
	"testing"
)

func TestIsAndRetriable(t *testing.T) {
	err := New(StorageIO, "store: getNote", fmt.Errorf("disk full"))
	if !Is(err, StorageIO) {
		t.Fatalf("expected StorageIO kind")
	}
	if !Retriable(err) {
		t.Fatalf("expected StorageIO to be retriable")
	}

	val := New(ValidationError, "publish: validate", nil)
	if Retriable(val) {
		t.Fatalf("ValidationError must not be retriable")
	}
}

func TestWrappedKindSurvivesFmtErrorf(t *testing.T) {
	inner := New(Conflict, "store: createCollection", nil)
	wrapped := fmt.Errorf("coordinator: %w", inner)
	if !Is(wrapped, Conflict) {
		t.Fatalf("expected Conflict kind to survive %%w wrapping")
	}
}
