package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/manpreetbhatti/folio/internal/annotation"
	"github.com/manpreetbhatti/folio/internal/blob"
	"github.com/manpreetbhatti/folio/internal/db"
	"github.com/manpreetbhatti/folio/internal/metrics"
	"github.com/manpreetbhatti/folio/internal/pdfinfo"
	"github.com/manpreetbhatti/folio/internal/presence"
	"github.com/manpreetbhatti/folio/internal/ratelimit"
	"github.com/manpreetbhatti/folio/internal/session"
	"github.com/manpreetbhatti/folio/internal/ws"
)

const pdfContentType = "application/pdf"

type Options struct {
	MaxUploadBytes int64
	AllowedOrigins []string
	// limits mutating requests per client address; nil disables
	Limiter *ratelimit.Keyed
	Metrics *metrics.Metrics
	// served at /metrics when set
	MetricsHandler http.Handler
	Logger         *slog.Logger
}

type API struct {
	hub      *ws.Hub
	database *db.Database
	files    blob.Store
	opts     Options
	logger   *slog.Logger
}

func New(hub *ws.Hub, database *db.Database, files blob.Store, opts Options) *API {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 10 << 20
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &API{
		hub:      hub,
		database: database,
		files:    files,
		opts:     opts,
		logger:   logger,
	}
}

func (a *API) jsonResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		a.logger.Warn("encoding JSON response failed", "err", err)
	}
}

func (a *API) errorResponse(w http.ResponseWriter, status int, message string) {
	a.jsonResponse(w, status, map[string]string{"error": message})
}

// failure maps a domain error onto a status code and writes it.
func (a *API) failure(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	message := "Internal server error"

	switch {
	case errors.Is(err, annotation.ErrInvalid):
		status, message = http.StatusBadRequest, err.Error()
	case errors.Is(err, annotation.ErrNotFound):
		status, message = http.StatusNotFound, "Comment not found"
	case errors.Is(err, db.ErrNotFound):
		status, message = http.StatusNotFound, "Document not found"
	case errors.Is(err, blob.ErrNotFound):
		status, message = http.StatusNotFound, "File not found"
	case errors.Is(err, blob.ErrTooLarge):
		status, message = http.StatusRequestEntityTooLarge, "File too large"
	case errors.Is(err, ws.ErrStopped):
		status, message = http.StatusServiceUnavailable, "Server shutting down"
	}

	if status >= 500 {
		a.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
	}
	a.errorResponse(w, status, message)
}

func (a *API) HealthHandler(w http.ResponseWriter, r *http.Request) {
	if err := a.database.Ping(); err != nil {
		a.logger.Error("database unreachable", "err", err)
		a.jsonResponse(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status":    "unavailable",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
		return
	}
	documents, err := a.database.DocumentCount()
	if err != nil {
		a.failure(w, r, err)
		return
	}
	stats, err := a.hub.Stats(r.Context())
	if err != nil {
		a.failure(w, r, err)
		return
	}

	a.jsonResponse(w, http.StatusOK, map[string]interface{}{
		"status":         "ok",
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
		"documents":      documents,
		"connectedUsers": stats.Connections,
	})
}

func (a *API) StatsHandler(w http.ResponseWriter, r *http.Request) {
	hubStats, err := a.hub.Stats(r.Context())
	if err != nil {
		a.failure(w, r, err)
		return
	}

	stats := map[string]interface{}{
		"active_rooms":      len(hubStats.Rooms),
		"active_clients":    hubStats.Connections,
		"bound_connections": hubStats.BoundConnections,
		"annotations":       hubStats.Annotations,
		"timestamp":         time.Now().UTC().Format(time.RFC3339),
	}

	dbStats, err := a.database.GetStats()
	if err == nil {
		stats["total_documents"] = dbStats["document_count"]
		stats["total_bytes"] = dbStats["total_bytes"]
	}

	a.jsonResponse(w, http.StatusOK, stats)
}

// Document handlers

func (a *API) withURL(doc db.Document) db.Document {
	doc.URL = "/api/documents/" + doc.ID + "/file"
	return doc
}

func (a *API) ListDocumentsHandler(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}

	docs, err := a.database.ListDocuments(limit, offset)
	if err != nil {
		a.failure(w, r, err)
		return
	}
	for i := range docs {
		docs[i] = a.withURL(docs[i])
	}

	total, _ := a.database.DocumentCount()

	a.jsonResponse(w, http.StatusOK, map[string]interface{}{
		"documents": docs,
		"total":     total,
		"limit":     limit,
		"offset":    offset,
	})
}

func (a *API) UploadHandler(w http.ResponseWriter, r *http.Request) {
	// room for the multipart framing and the small text fields
	r.Body = http.MaxBytesReader(w, r.Body, a.opts.MaxUploadBytes+1<<20)
	if err := r.ParseMultipartForm(1 << 20); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			a.errorResponse(w, http.StatusRequestEntityTooLarge, "File too large")
			return
		}
		a.errorResponse(w, http.StatusBadRequest, "Invalid multipart form")
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		a.errorResponse(w, http.StatusBadRequest, "No PDF file uploaded")
		return
	}
	defer file.Close()

	if header.Size > a.opts.MaxUploadBytes {
		a.errorResponse(w, http.StatusRequestEntityTooLarge, "File too large")
		return
	}

	head := make([]byte, 512)
	n, _ := io.ReadFull(file, head)
	if http.DetectContentType(head[:n]) != pdfContentType {
		a.errorResponse(w, http.StatusBadRequest, "Only PDF files are allowed")
		return
	}

	// the page count in the file wins; the form value only covers files
	// the parser cannot read
	totalPages := 1
	if v := r.FormValue("totalPages"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			a.errorResponse(w, http.StatusBadRequest, "totalPages must be a positive integer")
			return
		}
		totalPages = n
	}
	if pages, err := pdfinfo.PageCount(file); err == nil {
		totalPages = pages
	} else {
		a.logger.Debug("could not read page count", "filename", header.Filename, "err", err)
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		a.failure(w, r, err)
		return
	}

	filename := filepath.Base(header.Filename)
	title := r.FormValue("title")
	if title == "" {
		title = strings.TrimSuffix(filename, filepath.Ext(filename))
	}
	uploadedBy := r.FormValue("uploadedBy")
	if uploadedBy == "" {
		uploadedBy = "anonymous"
	}

	key := blob.NewKey(filename)
	size, err := a.files.Put(r.Context(), key, pdfContentType, file)
	if err != nil {
		a.failure(w, r, err)
		return
	}

	doc, err := a.database.CreateDocument(db.Document{
		Filename:    filename,
		Title:       title,
		TotalPages:  totalPages,
		UploadedBy:  uploadedBy,
		FileSize:    size,
		ContentType: pdfContentType,
		StorageKey:  key,
	})
	if err != nil {
		if delErr := a.files.Delete(r.Context(), key); delErr != nil {
			a.logger.Warn("could not remove stored upload", "key", key, "err", delErr)
		}
		a.failure(w, r, err)
		return
	}

	a.logger.Info("document uploaded", "document", doc.ID, "filename", filename, "size", size)
	a.jsonResponse(w, http.StatusCreated, a.withURL(*doc))
}

func (a *API) GetDocumentHandler(w http.ResponseWriter, r *http.Request) {
	doc, err := a.database.GetDocument(chi.URLParam(r, "id"))
	if err != nil {
		a.failure(w, r, err)
		return
	}
	a.jsonResponse(w, http.StatusOK, a.withURL(*doc))
}

func (a *API) FileHandler(w http.ResponseWriter, r *http.Request) {
	doc, err := a.database.GetDocument(chi.URLParam(r, "id"))
	if err != nil {
		a.failure(w, r, err)
		return
	}

	rc, err := a.files.Open(r.Context(), doc.StorageKey)
	if err != nil {
		a.failure(w, r, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", doc.ContentType)
	w.Header().Set("Content-Disposition", "inline")
	w.Header().Set("Content-Length", strconv.FormatInt(doc.FileSize, 10))
	if _, err := io.Copy(w, rc); err != nil {
		a.logger.Warn("streaming document failed", "document", doc.ID, "err", err)
	}
}

// DeleteDocumentHandler removes the catalog row and then the file, drops
// the document's annotations and resets every connected viewer. A file left
// behind by a failed delete is an orphan the janitor removes later.
func (a *API) DeleteDocumentHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	doc, err := a.database.GetDocument(id)
	if err != nil {
		a.failure(w, r, err)
		return
	}

	if err := a.database.DeleteDocument(id); err != nil {
		a.failure(w, r, err)
		return
	}
	if err := a.files.Delete(r.Context(), doc.StorageKey); err != nil {
		a.logger.Warn("could not remove document file", "document", id, "key", doc.StorageKey, "err", err)
	}

	var purged int
	err = a.hub.Do(r.Context(), func(s *session.Handler) error {
		purged = s.PurgeDocument(id)
		return nil
	})
	if err != nil {
		a.failure(w, r, err)
		return
	}

	a.logger.Info("document deleted", "document", id, "annotations", purged)
	a.jsonResponse(w, http.StatusOK, map[string]string{"message": "Document deleted"})
}

// Comment handlers

func (a *API) ListCommentsHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var list []annotation.Annotation
	err := a.hub.Do(r.Context(), func(s *session.Handler) error {
		list = s.Annotations(id)
		return nil
	})
	if err != nil {
		a.failure(w, r, err)
		return
	}
	if list == nil {
		list = []annotation.Annotation{}
	}
	a.jsonResponse(w, http.StatusOK, list)
}

func (a *API) PresenceHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var users []presence.Participant
	err := a.hub.Do(r.Context(), func(s *session.Handler) error {
		users = s.Presence(id)
		return nil
	})
	if err != nil {
		a.failure(w, r, err)
		return
	}
	if users == nil {
		users = []presence.Participant{}
	}
	a.jsonResponse(w, http.StatusOK, map[string]interface{}{"users": users})
}

func (a *API) CreateCommentHandler(w http.ResponseWriter, r *http.Request) {
	var draft annotation.Draft
	if err := json.NewDecoder(r.Body).Decode(&draft); err != nil {
		a.errorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	var created annotation.Annotation
	err := a.hub.Do(r.Context(), func(s *session.Handler) error {
		var err error
		created, err = s.AddAnnotation(chi.URLParam(r, "id"), draft)
		return err
	})
	if err != nil {
		a.failure(w, r, err)
		return
	}
	a.jsonResponse(w, http.StatusCreated, created)
}

type UpdateCommentRequest struct {
	Body string `json:"body"`
}

func (a *API) UpdateCommentHandler(w http.ResponseWriter, r *http.Request) {
	var req UpdateCommentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.errorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	var updated annotation.Annotation
	err := a.hub.Do(r.Context(), func(s *session.Handler) error {
		var err error
		updated, err = s.EditAnnotation(chi.URLParam(r, "id"), chi.URLParam(r, "commentId"), req.Body)
		return err
	})
	if err != nil {
		a.failure(w, r, err)
		return
	}
	a.jsonResponse(w, http.StatusOK, updated)
}

func (a *API) DeleteCommentHandler(w http.ResponseWriter, r *http.Request) {
	err := a.hub.Do(r.Context(), func(s *session.Handler) error {
		return s.RemoveAnnotation(chi.URLParam(r, "id"), chi.URLParam(r, "commentId"))
	})
	if err != nil {
		a.failure(w, r, err)
		return
	}
	a.jsonResponse(w, http.StatusOK, map[string]string{"message": "Comment deleted"})
}
