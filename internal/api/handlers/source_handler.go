package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"path/filepath"

	"github.com/go-chi/chi/v5"

	"github.com/markdave123-py/lumen/internal/logger"
	"github.com/markdave123-py/lumen/internal/services"
)

type SourceHandler struct {
	sources   *services.SourceService
	maxUpload int64
	log       *logger.Logger
}

func NewSourceHandler(sources *services.SourceService, maxUpload int64, log *logger.Logger) *SourceHandler {
	return &SourceHandler{sources: sources, maxUpload: maxUpload, log: log}
}

// UploadFile accepts a multipart "file" field and returns the PENDING source.
func (h *SourceHandler) UploadFile(w http.ResponseWriter, r *http.Request) {
	notebookID := chi.URLParam(r, "notebookID")
	if h.maxUpload > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload+1<<20)
	}
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			WriteError(w, http.StatusRequestEntityTooLarge, "file_too_large", "file exceeds the upload limit")
			return
		}
		WriteError(w, http.StatusBadRequest, "bad_request", "expected a multipart form with a file field")
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, header, err := r.FormFile("file")
	if err != nil {
		WriteError(w, http.StatusBadRequest, "bad_request", "file field is required")
		return
	}
	defer file.Close()

	src, err := h.sources.AddFileSource(r.Context(), notebookID, services.FileUpload{
		Name:        filepath.Base(header.Filename),
		ContentType: header.Header.Get("Content-Type"),
		Size:        header.Size,
		Reader:      file,
	})
	if err != nil {
		h.log.Error("add file source failed", "notebook_id", notebookID, "err", err)
		respondErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, src)
}

type addURLRequest struct {
	URL   string `json:"url"`
	Title string `json:"title"`
}

func (h *SourceHandler) AddURL(w http.ResponseWriter, r *http.Request) {
	notebookID := chi.URLParam(r, "notebookID")
	var req addURLRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}
	src, err := h.sources.AddURLSource(r.Context(), notebookID, req.URL, req.Title)
	if err != nil {
		h.log.Warn("add url source failed", "notebook_id", notebookID, "err", err)
		respondErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, src)
}

func (h *SourceHandler) List(w http.ResponseWriter, r *http.Request) {
	out, err := h.sources.ListSources(r.Context(), chi.URLParam(r, "notebookID"))
	if err != nil {
		respondErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *SourceHandler) Get(w http.ResponseWriter, r *http.Request) {
	src, err := h.sources.GetSource(r.Context(), chi.URLParam(r, "notebookID"), chi.URLParam(r, "sourceID"))
	if err != nil {
		respondErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, src)
}

func (h *SourceHandler) Reprocess(w http.ResponseWriter, r *http.Request) {
	src, err := h.sources.ReprocessSource(r.Context(), chi.URLParam(r, "notebookID"), chi.URLParam(r, "sourceID"))
	if err != nil {
		respondErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, src)
}

func (h *SourceHandler) Delete(w http.ResponseWriter, r *http.Request) {
	sourceID := chi.URLParam(r, "sourceID")
	if err := h.sources.RemoveSource(r.Context(), chi.URLParam(r, "notebookID"), sourceID); err != nil {
		h.log.Warn("remove source failed", "source_id", sourceID, "err", err)
		respondErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
