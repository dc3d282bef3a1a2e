package project

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/codecollab/collab-server/internal/protocol"
)

// maxBodyBytes bounds request bodies; a project is a handful of text files.
const maxBodyBytes = 4 << 20

// SaveNotifier is told when a project was written. The NATS client
// implements it so other services (autosave, previews) can react.
type SaveNotifier interface {
	PublishProjectSaved(projectID string, data []byte) error
}

// Handler serves the project REST API.
type Handler struct {
	store    Store
	notifier SaveNotifier
	timeout  time.Duration
}

// NewHandler creates a Handler. notifier may be nil.
func NewHandler(store Store, notifier SaveNotifier) *Handler {
	return &Handler{store: store, notifier: notifier, timeout: 5 * time.Second}
}

// Register mounts the routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/projects", h.list)
	mux.HandleFunc("POST /api/projects", h.create)
	mux.HandleFunc("GET /api/projects/{id}", h.load)
	mux.HandleFunc("PUT /api/projects/{id}", h.save)
	mux.HandleFunc("DELETE /api/projects/{id}", h.remove)
	mux.HandleFunc("POST /api/projects/{id}/files", h.addFile)
}

type createRequest struct {
	Name  string          `json:"name"`
	Files []protocol.File `json:"files"`
}

type saveRequest struct {
	Name  string          `json:"name"`
	Files []protocol.File `json:"files"`
}

type addFileRequest struct {
	Name string `json:"name"`
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	projects, err := h.store.List(ctx)
	if err != nil {
		h.fail(w, "list", err)
		return
	}
	writeJSON(w, http.StatusOK, projects)
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	p := New(req.Name, req.Files)
	if err := h.store.Create(ctx, p); err != nil {
		h.fail(w, "create", err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (h *Handler) load(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	p, err := h.store.Load(ctx, r.PathValue("id"))
	if err != nil {
		h.fail(w, "load", err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) save(w http.ResponseWriter, r *http.Request) {
	var req saveRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	p, err := h.store.Load(ctx, r.PathValue("id"))
	if err != nil {
		h.fail(w, "save", err)
		return
	}
	if req.Name != "" {
		p.Name = req.Name
	}
	if req.Files != nil {
		p.Files = req.Files
	}
	if err := h.store.Save(ctx, p); err != nil {
		h.fail(w, "save", err)
		return
	}
	h.notify(p)
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) remove(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	if err := h.store.Delete(ctx, r.PathValue("id")); err != nil {
		h.fail(w, "delete", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) addFile(w http.ResponseWriter, r *http.Request) {
	var req addFileRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	id := r.PathValue("id")
	f, err := AddFile(ctx, h.store, id, req.Name)
	if err != nil {
		h.fail(w, "add file", err)
		return
	}
	if p, err := h.store.Load(ctx, id); err == nil {
		h.notify(p)
	}
	writeJSON(w, http.StatusCreated, f)
}

func (h *Handler) notify(p *Project) {
	if h.notifier == nil {
		return
	}
	data, err := json.Marshal(Summary{ID: p.ID, Name: p.Name, LastModified: p.LastModified})
	if err != nil {
		return
	}
	if err := h.notifier.PublishProjectSaved(p.ID, data); err != nil {
		log.Printf("project: notify saved id=%s: %v", p.ID, err)
	}
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		writeError(w, http.StatusNotFound, "project not found")
	case errors.Is(err, ErrInvalidFile):
		writeError(w, http.StatusBadRequest, "invalid file name")
	default:
		log.Printf("project: %s failed: %v", op, err)
		writeError(w, http.StatusInternalServerError, "failed to "+op+" project")
	}
}

func decode(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
