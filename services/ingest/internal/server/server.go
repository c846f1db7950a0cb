package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"digibook/internal/ratelimit"
	"digibook/internal/usertoken"
	"digibook/internal/util"
	"digibook/pkg/domain"
	"digibook/services/ingest/internal/app"
)

const defaultMaxUploadBytes = 200 << 20

// Config wires required dependencies for the HTTP server.
type Config struct {
	App      *app.App
	Verifier *usertoken.Verifier
	// Limiter throttles uploads per user. Nil disables throttling.
	Limiter        ratelimit.Limiter
	MaxUploadBytes int64
	CORSOrigins    []string
}

// Server exposes HTTP endpoints for the ingest service.
type Server struct {
	app            *app.App
	verifier       *usertoken.Verifier
	limiter        ratelimit.Limiter
	mux            *http.ServeMux
	maxUploadBytes int64
	corsOrigins    []string
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("app required")
	}
	if cfg.Verifier == nil {
		return nil, errors.New("token verifier required")
	}
	maxUploadBytes := cfg.MaxUploadBytes
	if maxUploadBytes <= 0 {
		maxUploadBytes = defaultMaxUploadBytes
	}
	s := &Server{
		app:            cfg.App,
		verifier:       cfg.Verifier,
		limiter:        cfg.Limiter,
		mux:            http.NewServeMux(),
		maxUploadBytes: maxUploadBytes,
		corsOrigins:    cfg.CORSOrigins,
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("ingest", util.WithSecurityHeaders(util.WithCORS(s.corsOrigins, s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)

	// books
	s.mux.Handle("/books", s.withUser(s.handleBooks))
	s.mux.Handle("/books/", s.withUser(s.handleBookByID))

	// page images: /images/{bookId}/page_{n}.{format}
	s.mux.Handle("/images/", s.withUser(s.handleImage))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"methods": s.app.Methods(),
	})
}

type userHandler func(http.ResponseWriter, *http.Request, usertoken.Identity)

func (s *Server) withUser(next userHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, err := s.verifier.FromRequest(r)
		if err != nil {
			util.LoggerFromContext(r.Context()).Debug("token rejected", "err", err)
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r, user)
	})
}

func (s *Server) handleBooks(w http.ResponseWriter, r *http.Request, user usertoken.Identity) {
	switch r.Method {
	case http.MethodPost:
		s.handleUpload(w, r, user)
	case http.MethodGet:
		s.handleListBooks(w, r, user)
	default:
		methodNotAllowed(w)
	}
}

// /books/{id}, /books/{id}/progress, /books/{id}/thumbnail or /books/{id}/pages/{n}
func (s *Server) handleBookByID(w http.ResponseWriter, r *http.Request, user usertoken.Identity) {
	path := strings.TrimPrefix(r.URL.Path, "/books/")
	parts := strings.SplitN(path, "/", 3)
	id := parts[0]
	if id == "" {
		notFound(w, "not found")
		return
	}
	if len(parts) > 1 {
		switch parts[1] {
		case "progress":
			if len(parts) == 2 {
				s.handleProgress(w, r, user, id)
				return
			}
		case "thumbnail":
			if len(parts) == 2 {
				s.handleThumbnail(w, r, user, id)
				return
			}
		case "pages":
			if len(parts) == 3 {
				s.handlePage(w, r, user, id, parts[2])
				return
			}
		}
		notFound(w, "not found")
		return
	}

	switch r.Method {
	case http.MethodGet:
		book, err := s.app.GetBook(r.Context(), id, user.UserID)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, book)
	case http.MethodPatch:
		var update domain.BookUpdate
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&update); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		book, err := s.app.UpdateBook(r.Context(), id, user.UserID, update)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, book)
	case http.MethodDelete:
		res, err := s.app.DeleteBook(r.Context(), id, user.UserID)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request, user usertoken.Identity) {
	if s.limiter != nil && !s.limiter.Allow(r.Context(), "upload:"+user.UserID) {
		writeError(w, http.StatusTooManyRequests, "too many uploads")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "file too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid form data")
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()
	file, _, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required (field: file)")
		return
	}
	defer file.Close()

	req, err := uploadRequest(r, user)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if async, _ := strconv.ParseBool(r.URL.Query().Get("async")); async {
		accepted, err := s.app.Begin(r.Context(), req, file)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, accepted)
		return
	}
	res, err := s.app.Ingest(r.Context(), req, file)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func uploadRequest(r *http.Request, user usertoken.Identity) (app.IngestRequest, error) {
	req := app.IngestRequest{
		OwnerID:          user.UserID,
		UploaderName:     user.Name,
		UploaderUsername: user.Username,
		Title:            r.FormValue("title"),
		Author:           r.FormValue("author"),
		Description:      r.FormValue("description"),
		Genre:            r.FormValue("genre"),
		Summary:          r.FormValue("summary"),
		Method:           domain.ExtractionMethod(strings.ToLower(strings.TrimSpace(r.FormValue("method")))),
	}
	if v := strings.TrimSpace(r.FormValue("isPublic")); v != "" {
		public, err := strconv.ParseBool(v)
		if err != nil {
			return app.IngestRequest{}, errors.New("isPublic must be a boolean")
		}
		req.IsPublic = public
	}
	for _, lang := range strings.Split(r.FormValue("languages"), ",") {
		if lang = strings.TrimSpace(lang); lang != "" {
			req.Languages = append(req.Languages, lang)
		}
	}
	return req, nil
}

func (s *Server) handleListBooks(w http.ResponseWriter, r *http.Request, user usertoken.Identity) {
	books, err := s.app.ListBooks(r.Context(), user.UserID)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": books,
		"count": len(books),
	})
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request, user usertoken.Identity, id string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	p, err := s.app.GetProgress(r.Context(), id, user.UserID)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handlePage(w http.ResponseWriter, r *http.Request, user usertoken.Identity, id, raw string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		writeError(w, http.StatusBadRequest, "invalid page number")
		return
	}
	page, err := s.app.GetPage(r.Context(), id, user.UserID, n)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleThumbnail(w http.ResponseWriter, r *http.Request, user usertoken.Identity, id string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	rc, format, err := s.app.OpenThumbnail(r.Context(), id, user.UserID)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	defer rc.Close()
	writeBlob(w, r, rc, format)
}

func (s *Server) handleImage(w http.ResponseWriter, r *http.Request, user usertoken.Identity) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	key := strings.TrimPrefix(r.URL.Path, "/images/")
	parts := strings.Split(key, "/")
	if len(parts) != 2 || parts[0] == "" || !strings.HasPrefix(parts[1], "page_") {
		notFound(w, "not found")
		return
	}
	rc, img, err := s.app.OpenImage(r.Context(), parts[0], user.UserID, key)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	defer rc.Close()
	writeBlob(w, r, rc, img.Format)
}

func writeBlob(w http.ResponseWriter, r *http.Request, rc io.Reader, format string) {
	w.Header().Set("Content-Type", contentType(format))
	w.Header().Set("Cache-Control", "private, max-age=3600")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		util.LoggerFromContext(r.Context()).Warn("stream image failed", "err", err)
	}
}

func contentType(format string) string {
	switch strings.ToLower(format) {
	case "png":
		return "image/png"
	case "jpg", "jpeg":
		return "image/jpeg"
	case "webp":
		return "image/webp"
	default:
		return "application/octet-stream"
	}
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func notFound(w http.ResponseWriter, msg string) {
	writeError(w, http.StatusNotFound, msg)
}

// writeAppError maps core errors to responses. Unexpected errors are logged
// and reported without detail.
func writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	var runErr *app.RunError
	switch {
	case errors.As(err, &runErr):
		status := http.StatusInternalServerError
		if runErr.InputFault() {
			status = http.StatusUnprocessableEntity
		}
		util.LoggerFromContext(r.Context()).Warn("ingestion failed",
			"book_id", runErr.BookID, "stage", runErr.Stage, "err", runErr.Err)
		writeJSON(w, status, errorResponse{
			Error:     runErr.Message(),
			Code:      runErrorCode(runErr),
			RequestID: requestID(w),
			BookID:    runErr.BookID,
			Cause:     runErr.Cause(),
		})
	case errors.Is(err, app.ErrNotFound):
		notFound(w, "book not found")
	case errors.Is(err, app.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, app.ErrLocked):
		writeError(w, http.StatusConflict, "book is being processed")
	case errors.Is(err, app.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, strings.TrimPrefix(err.Error(), app.ErrInvalidInput.Error()+": "))
	default:
		util.LoggerFromContext(r.Context()).Error("request failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"requestId,omitempty"`
	BookID    string `json:"bookId,omitempty"`
	Cause     string `json:"cause,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{
		Error:     msg,
		Code:      errorCodeForIngest(status, msg),
		RequestID: requestID(w),
	})
}

func requestID(w http.ResponseWriter) string {
	return strings.TrimSpace(w.Header().Get(util.RequestIDHeader))
}

func runErrorCode(err *app.RunError) string {
	switch err.Stage {
	case app.StageRasterize:
		return "INGEST_RASTER_FAILED"
	case app.StageExtract:
		return "INGEST_EXTRACTION_FAILED"
	case app.StageCancel:
		return "INGEST_CANCELLED"
	case app.StageQueue:
		return "INGEST_QUEUE_FAILED"
	default:
		return "INGEST_FAILED"
	}
}

func errorCodeForIngest(status int, msg string) string {
	message := strings.ToLower(strings.TrimSpace(msg))
	switch {
	case message == "unauthorized":
		return "AUTH_INVALID_TOKEN"
	case message == "forbidden":
		return "BOOK_FORBIDDEN"
	case message == "book not found":
		return "BOOK_NOT_FOUND"
	case message == "book is being processed":
		return "BOOK_LOCKED"
	case message == "file too large":
		return "INGEST_FILE_TOO_LARGE"
	case strings.Contains(message, "file is required"):
		return "INGEST_FILE_REQUIRED"
	case strings.Contains(message, "not a pdf"):
		return "INGEST_UNSUPPORTED_FILE_TYPE"
	case message == "invalid form data":
		return "INGEST_INVALID_UPLOAD_FORM"
	case message == "too many uploads":
		return "INGEST_RATE_LIMITED"
	case message == "invalid page number":
		return "BOOK_INVALID_PAGE"
	case message == "method not allowed":
		return "SYSTEM_METHOD_NOT_ALLOWED"
	case message == "not found":
		return "SYSTEM_NOT_FOUND"
	}

	switch status {
	case http.StatusBadRequest:
		return "INGEST_INVALID_REQUEST"
	case http.StatusUnauthorized:
		return "AUTH_INVALID_TOKEN"
	case http.StatusForbidden:
		return "BOOK_FORBIDDEN"
	case http.StatusNotFound:
		return "BOOK_NOT_FOUND"
	case http.StatusConflict:
		return "BOOK_LOCKED"
	case http.StatusMethodNotAllowed:
		return "SYSTEM_METHOD_NOT_ALLOWED"
	case http.StatusTooManyRequests:
		return "INGEST_RATE_LIMITED"
	default:
		return "SYSTEM_INTERNAL_ERROR"
	}
}
