package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"

	"github.com/kittclouds/repod/internal/corpus"
	"github.com/kittclouds/repod/internal/publish"
	"github.com/kittclouds/repod/internal/query"
	"github.com/kittclouds/repod/internal/store"
)

func newTestRouter(t *testing.T) *http.ServeMux {
	t.Helper()
	s, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	c := corpus.New()
	coordinator := publish.New(s, 10)
	composer := query.NewComposer(c, s, nil)

	return NewRouter(Deps{Store: s, Coordinator: coordinator, Composer: composer, Log: zerolog.Nop()})
}

func doJSON(t *testing.T, mux *http.ServeMux, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestHealthzOK(t *testing.T) {
	mux := newTestRouter(t)
	rec := doJSON(t, mux, "GET", "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestCreateCollectionThenList(t *testing.T) {
	mux := newTestRouter(t)

	rec := doJSON(t, mux, "POST", "/collections", map[string]string{"name": "docs"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, mux, "GET", "/collections", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var cols []store.Collection
	if err := json.Unmarshal(rec.Body.Bytes(), &cols); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(cols) != 1 || cols[0].Name != "docs" {
		t.Fatalf("unexpected collections: %+v", cols)
	}
}

func TestSaveDraftThenPublishRoundTrip(t *testing.T) {
	mux := newTestRouter(t)

	doJSON(t, mux, "POST", "/collections", map[string]string{"name": "docs"})
	rec := doJSON(t, mux, "GET", "/collections", nil)
	var cols []store.Collection
	json.Unmarshal(rec.Body.Bytes(), &cols)
	colID := cols[0].ID

	rec = doJSON(t, mux, "POST", "/drafts", map[string]any{"title": "Hello", "body_md": "world"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var draftResp map[string]any
	json.Unmarshal(rec.Body.Bytes(), &draftResp)
	noteID, _ := draftResp["note_id"].(string)
	if noteID == "" {
		t.Fatal("expected note_id in draft response")
	}

	rec = doJSON(t, mux, "POST", "/publish", map[string]any{"note_id": noteID, "collections": []string{colID}, "client_token": "t1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var pubResp publish.Response
	if err := json.Unmarshal(rec.Body.Bytes(), &pubResp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if pubResp.VersionID == "" {
		t.Fatal("expected version_id in publish response")
	}

	rec = doJSON(t, mux, "GET", "/notes/"+noteID+"/versions", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestPublishMissingCollectionReturns400(t *testing.T) {
	mux := newTestRouter(t)

	rec := doJSON(t, mux, "POST", "/drafts", map[string]any{"title": "Hello", "body_md": "world"})
	var draftResp map[string]any
	json.Unmarshal(rec.Body.Bytes(), &draftResp)
	noteID := draftResp["note_id"].(string)

	rec = doJSON(t, mux, "POST", "/publish", map[string]any{"note_id": noteID, "client_token": "t1"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestPublishMissingClientTokenReturns400(t *testing.T) {
	mux := newTestRouter(t)

	rec := doJSON(t, mux, "POST", "/drafts", map[string]any{"title": "Hello", "body_md": "world"})
	var draftResp map[string]any
	json.Unmarshal(rec.Body.Bytes(), &draftResp)
	noteID := draftResp["note_id"].(string)

	rec = doJSON(t, mux, "POST", "/collections", map[string]string{"name": "docs2"})
	var col store.Collection
	json.Unmarshal(rec.Body.Bytes(), &col)

	rec = doJSON(t, mux, "POST", "/publish", map[string]any{"note_id": noteID, "collections": []string{col.ID}})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
}
