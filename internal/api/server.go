// Package api is the HTTP surface of the intake process: uploads, the summary
// write used by the summarization worker, and read endpoints for status,
// index entries and search.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/Lllllllleong/paperlessflow/internal/gcp"
	"github.com/Lllllllleong/paperlessflow/internal/models"
	"github.com/Lllllllleong/paperlessflow/internal/services"
	"github.com/Lllllllleong/paperlessflow/internal/store"
)

const maxUploadMemory = 32 << 20

// Documents is the document store surface read and written over HTTP.
type Documents interface {
	GetProcessingStatus(ctx context.Context, documentID string) (models.ProcessingStatus, error)
	CreateSummary(ctx context.Context, sum models.Summary) (models.Summary, error)
	ListSummaries(ctx context.Context, documentID string) ([]models.Summary, error)
}

// Index is the search index surface read over HTTP.
type Index interface {
	Get(ctx context.Context, id string) (models.IndexEntry, error)
	Search(ctx context.Context, query string, from, size int) ([]models.SearchHit, error)
}

var (
	_ Documents = (*store.Store)(nil)
	_ Index     = (*gcp.SearchIndex)(nil)
)

// Check is one readiness probe.
type Check func(ctx context.Context) error

// Server holds the handler dependencies.
type Server struct {
	intake *services.Intake
	docs   Documents
	index  Index
	checks map[string]Check
	logger *slog.Logger
}

func NewServer(intake *services.Intake, docs Documents, index Index, checks map[string]Check, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{intake: intake, docs: docs, index: index, checks: checks, logger: logger}
}

// Router returns the chi router with every route mounted.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/search", s.handleSearch)
	r.Route("/documents", func(r chi.Router) {
		r.Post("/", s.handleUpload)
		r.Route("/{id}", func(r chi.Router) {
			r.Post("/files", s.handleReupload)
			r.Post("/metadata", s.handleMetadata)
			r.Post("/summaries", s.handleCreateSummary)
			r.Get("/summaries", s.handleListSummaries)
			r.Get("/status", s.handleStatus)
			r.Get("/index", s.handleIndexEntry)
		})
	})
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErrors(w http.ResponseWriter, status int, errs ...string) {
	writeJSON(w, status, map[string][]string{"errors": errs})
}

// writeStoreError maps store and validation errors to status codes.
func (s *Server) writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *services.ValidationError
	switch {
	case errors.As(err, &verr):
		writeErrors(w, http.StatusBadRequest, verr.Errors...)
	case errors.Is(err, store.ErrNotFound):
		writeErrors(w, http.StatusNotFound, "document not found")
	case errors.Is(err, store.ErrDeleted):
		writeErrors(w, http.StatusGone, "document is deleted")
	default:
		s.logger.Error("Request failed", "path", r.URL.Path, "requestId", middleware.GetReqID(r.Context()), "error", err)
		writeErrors(w, http.StatusInternalServerError, "internal error")
	}
}

func uploadsFrom(headers []*multipart.FileHeader) []services.FileUpload {
	files := make([]services.FileUpload, 0, len(headers))
	for _, h := range headers {
		files = append(files, services.FileUpload{
			Filename:    h.Filename,
			ContentType: h.Header.Get("Content-Type"),
			Size:        h.Size,
			Open:        func() (io.ReadCloser, error) { return h.Open() },
		})
	}
	return files
}

// POST /documents
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		writeErrors(w, http.StatusBadRequest, "no files were uploaded: "+err.Error())
		return
	}
	defer r.MultipartForm.RemoveAll()

	res, err := s.intake.Upload(r.Context(), services.UploadRequest{
		Files:      uploadsFrom(r.MultipartForm.File["files"]),
		Metadata:   r.FormValue("metadata"),
		UploadedBy: r.Header.Get("X-User-ID"),
	})
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

// POST /documents/{id}/files
func (s *Server) handleReupload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		writeErrors(w, http.StatusBadRequest, "no files were uploaded: "+err.Error())
		return
	}
	defer r.MultipartForm.RemoveAll()

	files := uploadsFrom(r.MultipartForm.File["file"])
	if len(files) != 1 {
		writeErrors(w, http.StatusBadRequest, "exactly one file is required")
		return
	}
	fv, err := s.intake.Reupload(r.Context(), chi.URLParam(r, "id"), files[0], r.Header.Get("X-User-ID"))
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, fv)
}

// POST /documents/{id}/metadata
func (s *Server) handleMetadata(w http.ResponseWriter, r *http.Request) {
	var meta services.FileMeta
	if err := json.NewDecoder(r.Body).Decode(&meta); err != nil {
		writeErrors(w, http.StatusBadRequest, "invalid request body")
		return
	}
	mv, err := s.intake.UpdateMetadata(r.Context(), chi.URLParam(r, "id"), meta, r.Header.Get("X-User-ID"))
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, mv)
}

// POST /documents/{id}/summaries
func (s *Server) handleCreateSummary(w http.ResponseWriter, r *http.Request) {
	var req models.CreateSummaryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrors(w, http.StatusBadRequest, "invalid request body")
		return
	}
	var errs []string
	if strings.TrimSpace(req.Model) == "" {
		errs = append(errs, "model is required")
	}
	if strings.TrimSpace(req.Content) == "" {
		errs = append(errs, "content is required")
	}
	if len(errs) > 0 {
		writeErrors(w, http.StatusBadRequest, errs...)
		return
	}

	sum, err := s.docs.CreateSummary(r.Context(), models.Summary{
		DocumentID:     chi.URLParam(r, "id"),
		Model:          req.Model,
		LengthPresetID: req.LengthPresetID,
		Content:        req.Content,
	})
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sum)
}

// GET /documents/{id}/summaries
func (s *Server) handleListSummaries(w http.ResponseWriter, r *http.Request) {
	sums, err := s.docs.ListSummaries(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	if sums == nil {
		sums = []models.Summary{}
	}
	writeJSON(w, http.StatusOK, sums)
}

// GET /documents/{id}/status
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ps, err := s.docs.GetProcessingStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ps)
}

// GET /documents/{id}/index
func (s *Server) handleIndexEntry(w http.ResponseWriter, r *http.Request) {
	entry, err := s.index.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, gcp.ErrIndexEntryNotFound) {
		writeErrors(w, http.StatusNotFound, "index entry not found")
		return
	}
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// GET /search?q=&from=&size=
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := strings.TrimSpace(q.Get("q"))
	if query == "" {
		writeErrors(w, http.StatusBadRequest, "q is required")
		return
	}
	from, err := intParam(q.Get("from"), 0)
	if err != nil || from < 0 {
		writeErrors(w, http.StatusBadRequest, "from must be a non-negative integer")
		return
	}
	size, err := intParam(q.Get("size"), 10)
	if err != nil || size <= 0 || size > 100 {
		writeErrors(w, http.StatusBadRequest, "size must be between 1 and 100")
		return
	}

	hits, err := s.index.Search(r.Context(), query, from, size)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"hits": hits, "from": from, "size": size})
}

func intParam(raw string, fallback int) (int, error) {
	if raw == "" {
		return fallback, nil
	}
	return strconv.Atoi(raw)
}

// GET /healthz
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	results := make(map[string]string, len(s.checks))
	healthy := true
	for name, check := range s.checks {
		if err := check(r.Context()); err != nil {
			results[name] = err.Error()
			healthy = false
			continue
		}
		results[name] = "ok"
	}

	status, code := "ok", http.StatusOK
	if !healthy {
		status, code = "unavailable", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{"status": status, "checks": results})
}
