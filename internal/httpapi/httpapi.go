// Package httpapi is a thin stdlib net/http adapter over the core
// packages (spec.md 6). It is deliberately built on net/http's Go
// 1.22+ pattern-based ServeMux rather than a third-party router: no
// example repo in the retrieval pack ships an HTTP router idiom (the
// teacher targets WASM, not a server), and the module's go.mod floor
// (go 1.25) already gives method+path pattern routing for free.
package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/kittclouds/repod/internal/errs"
	"github.com/kittclouds/repod/internal/ids"
	"github.com/kittclouds/repod/internal/publish"
	"github.com/kittclouds/repod/internal/query"
	"github.com/kittclouds/repod/internal/store"
)

// Store is the subset of internal/store.SQLiteStore the adapter needs.
type Store interface {
	CreateNote(title string, metadata store.Metadata) (*store.Note, error)
	GetNote(id string) (*store.Note, error)
	SaveDraft(noteID, bodyMD string, metadata store.Metadata) (int64, error)
	GetDraft(noteID string) (*store.Draft, error)
	ListVersions(noteID string) ([]*store.Version, error)
	GetVersion(id string) (*store.Version, error)
	CreateCollection(name, description string) (*store.Collection, error)
	ListCollections() ([]*store.Collection, error)
	GetStorageHealth() error
}

// Coordinator is the subset of internal/publish.Coordinator the adapter needs.
type Coordinator interface {
	Publish(req publish.PublishRequest) (*publish.Response, error)
	Rollback(req publish.RollbackRequest) (*publish.Response, error)
}

// Composer is the subset of internal/query.Composer the adapter needs.
type Composer interface {
	Search(req query.Request) query.SearchResponse
}

// Deps wires the adapter to the rest of the module.
type Deps struct {
	Store       Store
	Coordinator Coordinator
	Composer    Composer
	Log         zerolog.Logger
}

// NewRouter builds the full HTTP surface from spec.md 6.
func NewRouter(d Deps) *http.ServeMux {
	mux := http.NewServeMux()
	h := &handler{Deps: d}

	mux.HandleFunc("GET /healthz", h.healthz)
	mux.HandleFunc("GET /health", h.health)
	mux.HandleFunc("POST /collections", h.createCollection)
	mux.HandleFunc("GET /collections", h.listCollections)
	mux.HandleFunc("POST /drafts", h.saveDraft)
	mux.HandleFunc("GET /drafts/{note_id}", h.getDraft)
	mux.HandleFunc("POST /publish", h.publishNote)
	mux.HandleFunc("POST /rollback", h.rollback)
	mux.HandleFunc("GET /notes/{note_id}/versions", h.listVersions)
	mux.HandleFunc("GET /versions/{version_id}", h.getVersion)
	mux.HandleFunc("GET /search", h.search)

	return mux
}

type handler struct {
	Deps
}

// errorEnvelope is the JSON error shape from spec.md 7: {error:{type,message,details?}}.
type errorEnvelope struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
		Details string `json:"details,omitempty"`
	} `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	kind := errs.Unknown
	if e, ok := err.(*errs.Error); ok {
		kind = e.Kind
	}
	switch kind {
	case errs.ValidationError, errs.TokenizationFailed:
		status = http.StatusBadRequest
	case errs.NotFound:
		status = http.StatusNotFound
	case errs.Conflict:
		status = http.StatusConflict
	case errs.RateLimited:
		status = http.StatusTooManyRequests
	case errs.StorageIO, errs.IndexingFailure, errs.IntegrityViolation:
		status = http.StatusInternalServerError
	}

	env := errorEnvelope{}
	env.Error.Type = kind.String()
	env.Error.Message = err.Error()
	writeJSON(w, status, env)
}

func (h *handler) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.GetStorageHealth(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (h *handler) createCollection(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errs.New(errs.ValidationError, "httpapi: createCollection", err))
		return
	}
	col, err := h.Store.CreateCollection(req.Name, req.Description)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, col)
}

func (h *handler) listCollections(w http.ResponseWriter, r *http.Request) {
	cols, err := h.Store.ListCollections()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cols)
}

func (h *handler) saveDraft(w http.ResponseWriter, r *http.Request) {
	var req struct {
		NoteID   string          `json:"note_id"`
		Title    string          `json:"title"`
		BodyMD   string          `json:"body_md"`
		Metadata store.Metadata  `json:"metadata"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errs.New(errs.ValidationError, "httpapi: saveDraft", err))
		return
	}

	noteID := req.NoteID
	if noteID == "" {
		note, err := h.Store.CreateNote(req.Title, req.Metadata)
		if err != nil {
			writeError(w, err)
			return
		}
		noteID = note.ID
	}

	autosaveTS, err := h.Store.SaveDraft(noteID, req.BodyMD, req.Metadata)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"note_id": noteID, "autosave_ts": autosaveTS})
}

func (h *handler) getDraft(w http.ResponseWriter, r *http.Request) {
	noteID := r.PathValue("note_id")
	draft, err := h.Store.GetDraft(noteID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, draft)
}

func (h *handler) publishNote(w http.ResponseWriter, r *http.Request) {
	var req struct {
		NoteID      string   `json:"note_id"`
		Collections []string `json:"collections"`
		ClientToken string   `json:"client_token"`
		Label       string   `json:"label"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errs.New(errs.ValidationError, "httpapi: publish", err))
		return
	}
	label := store.LabelMinor
	if req.Label == string(store.LabelMajor) {
		label = store.LabelMajor
	}
	resp, err := h.Coordinator.Publish(publish.PublishRequest{
		NoteID:      req.NoteID,
		Collections: req.Collections,
		ClientToken: req.ClientToken,
		Label:       label,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handler) rollback(w http.ResponseWriter, r *http.Request) {
	var req struct {
		NoteID          string `json:"note_id"`
		TargetVersionID string `json:"target_version_id"`
		ClientToken     string `json:"client_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errs.New(errs.ValidationError, "httpapi: rollback", err))
		return
	}
	resp, err := h.Coordinator.Rollback(publish.RollbackRequest{
		NoteID:          req.NoteID,
		TargetVersionID: req.TargetVersionID,
		ClientToken:     req.ClientToken,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handler) listVersions(w http.ResponseWriter, r *http.Request) {
	noteID := r.PathValue("note_id")
	versions, err := h.Store.ListVersions(noteID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, versions)
}

func (h *handler) getVersion(w http.ResponseWriter, r *http.Request) {
	versionID := r.PathValue("version_id")
	version, err := h.Store.GetVersion(versionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, version)
}

func (h *handler) search(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	pageSize, _ := strconv.Atoi(q.Get("page_size"))

	var collections []string
	if c := q.Get("collections"); c != "" {
		collections = splitCSV(c)
	}

	resp := h.Composer.Search(query.Request{
		QueryID:     ids.New(ids.Query),
		Text:        q.Get("q"),
		Collections: collections,
		Page:        page,
		PageSize:    pageSize,
		SessionID:   q.Get("session_id"),
	})
	writeJSON(w, http.StatusOK, resp)
}

func splitCSV(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}
