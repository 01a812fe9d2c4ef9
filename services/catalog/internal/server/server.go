package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"mime"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"librarycatalog/internal/ratelimit"
	"librarycatalog/internal/util"
	"librarycatalog/pkg/domain"
	"librarycatalog/pkg/ledger"
	"librarycatalog/pkg/store"
	"librarycatalog/services/catalog/internal/app"
)

const (
	dateLayout      = "2006-01-02"
	formMemoryBytes = 32 << 20
	// room for the metadata fields and multipart framing on top of the payloads
	formOverheadBytes = 1 << 20
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	App *app.App
	// Limiter throttles mutating routes per client IP. Optional.
	Limiter *ratelimit.FixedWindowLimiter
	// Orphans backs the operator listing of leftover objects. Optional.
	Orphans            ledger.Ledger
	TrustedProxies     *util.TrustedProxies
	CORSAllowedOrigins []string
}

// Server exposes HTTP endpoints for the catalog service.
type Server struct {
	app     *app.App
	limiter *ratelimit.FixedWindowLimiter
	orphans ledger.Ledger
	trusted *util.TrustedProxies
	router  chi.Router
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("catalog app required")
	}
	s := &Server{
		app:     cfg.App,
		limiter: cfg.Limiter,
		orphans: cfg.Orphans,
		trusted: cfg.TrustedProxies,
		router:  chi.NewRouter(),
	}
	s.routes(cfg.CORSAllowedOrigins)
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithClientIP(s.trusted, util.WithRequestLog("catalog", util.WithSecurityHeaders(s.router))))
}

func (s *Server) routes(origins []string) {
	r := s.router
	r.Use(middleware.Recoverer)
	if len(origins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   origins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
			AllowedHeaders:   []string{"Accept", "Content-Type", util.RequestIDHeader},
			ExposedHeaders:   []string{util.RequestIDHeader, "Content-Disposition", "Retry-After"},
			AllowCredentials: false,
			MaxAge:           300,
		}))
	}
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "SYSTEM_NOT_FOUND", "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "SYSTEM_METHOD_NOT_ALLOWED", "method not allowed")
	})

	r.Get("/healthz", s.handleHealth)

	r.Route("/users", func(r chi.Router) {
		r.With(s.limited).Post("/", s.handleRegisterAuthor)
		r.Get("/{id}", s.handleGetAuthor)
		r.Get("/{id}/books", s.handleAuthorBooks)
	})

	r.Route("/books", func(r chi.Router) {
		r.With(s.limited).Post("/", s.handleCreateBook)
		r.Get("/", s.handleListBooks)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetBook)
			r.With(s.limited).Patch("/", s.handleUpdateBook)
			r.With(s.limited).Delete("/", s.handleDeleteBook)

			r.Get("/file", s.handleDownloadFile)
			r.Get("/file/link", s.handleFileLink)
			r.With(s.limited).Put("/file", s.handleReplaceFile)

			r.Get("/cover", s.handleDownloadCover)
			r.Get("/cover/link", s.handleCoverLink)
			r.With(s.limited).Put("/cover", s.handleReplaceCover)
			r.With(s.limited).Delete("/cover", s.handleRemoveCover)
		})
	})

	r.Get("/admin/orphans", s.handleListOrphans)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRegisterAuthor(w http.ResponseWriter, r *http.Request) {
	var req app.AuthorDraft
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "CATALOG_INVALID_REQUEST", "invalid JSON body")
		return
	}
	user, err := s.app.RegisterAuthor(r.Context(), req)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, user)
}

func (s *Server) handleGetAuthor(w http.ResponseWriter, r *http.Request) {
	user, err := s.app.GetAuthor(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (s *Server) handleAuthorBooks(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.app.GetAuthor(r.Context(), id); err != nil {
		writeAppError(w, r, err)
		return
	}
	books, err := s.app.ListBooksByAuthor(r.Context(), id)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeBooks(w, books)
}

func (s *Server) handleCreateBook(w http.ResponseWriter, r *http.Request) {
	fileLimit, coverLimit := s.app.Limits()
	r.Body = http.MaxBytesReader(w, r.Body, fileLimit+coverLimit+formOverheadBytes)
	if err := r.ParseMultipartForm(formMemoryBytes); err != nil {
		writeFormError(w, err)
		return
	}
	defer r.MultipartForm.RemoveAll()

	draft, err := draftFromForm(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "CATALOG_INVALID_INPUT", err.Error())
		return
	}
	file, closeFile, err := formPayload(r, "file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "BOOK_FILE_REQUIRED", "file is required (field: file)")
		return
	}
	defer closeFile()

	var cover *domain.Payload
	if _, ok := r.MultipartForm.File["cover"]; ok {
		p, closeCover, err := formPayload(r, "cover")
		if err != nil {
			writeError(w, http.StatusBadRequest, "CATALOG_INVALID_REQUEST", "invalid cover part")
			return
		}
		defer closeCover()
		cover = &p
	}

	book, err := s.app.CreateBook(r.Context(), draft, file, cover)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	w.Header().Set("Location", "/books/"+book.ID)
	writeJSON(w, http.StatusCreated, book)
}

func (s *Server) handleListBooks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := store.BookQuery{
		Title:    strings.TrimSpace(q.Get("title")),
		Language: strings.TrimSpace(q.Get("language")),
	}
	if v := q.Get("withFile"); v != "" {
		withFile, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "CATALOG_INVALID_INPUT", "withFile must be a boolean")
			return
		}
		query.WithFile = withFile
	}

	var (
		books []domain.Book
		err   error
	)
	if query == (store.BookQuery{}) {
		books, err = s.app.ListBooks(r.Context())
	} else {
		books, err = s.app.SearchBooks(r.Context(), query)
	}
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeBooks(w, books)
}

func (s *Server) handleGetBook(w http.ResponseWriter, r *http.Request) {
	book, err := s.app.GetBook(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, book)
}

type metadataRequest struct {
	Title       *string `json:"title"`
	Description *string `json:"description"`
	ISBN        *string `json:"isbn"`
	Publisher   *string `json:"publisher"`
	PublishedOn *string `json:"publishedOn"`
	PageCount   *int    `json:"pageCount"`
	Language    *string `json:"language"`
}

func (s *Server) handleUpdateBook(w http.ResponseWriter, r *http.Request) {
	var req metadataRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "CATALOG_INVALID_REQUEST", "invalid JSON body")
		return
	}
	patch := app.MetadataPatch{
		Title:       req.Title,
		Description: req.Description,
		ISBN:        req.ISBN,
		Publisher:   req.Publisher,
		PageCount:   req.PageCount,
		Language:    req.Language,
	}
	if req.PublishedOn != nil {
		day, err := parseDate(*req.PublishedOn)
		if err != nil {
			writeError(w, http.StatusBadRequest, "CATALOG_INVALID_INPUT", err.Error())
			return
		}
		patch.PublishedOn = day
	}
	book, err := s.app.UpdateMetadata(r.Context(), chi.URLParam(r, "id"), patch)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, book)
}

func (s *Server) handleDeleteBook(w http.ResponseWriter, r *http.Request) {
	if err := s.app.DeleteBook(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleDownloadFile(w http.ResponseWriter, r *http.Request) {
	dl, err := s.app.DownloadFile(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	streamDownload(w, r, dl)
}

func (s *Server) handleDownloadCover(w http.ResponseWriter, r *http.Request) {
	dl, err := s.app.DownloadCover(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	streamDownload(w, r, dl)
}

func (s *Server) handleFileLink(w http.ResponseWriter, r *http.Request) {
	link, err := s.app.PresignedFileURL(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, link)
}

func (s *Server) handleCoverLink(w http.ResponseWriter, r *http.Request) {
	link, err := s.app.PresignedCoverURL(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, link)
}

func (s *Server) handleReplaceFile(w http.ResponseWriter, r *http.Request) {
	fileLimit, _ := s.app.Limits()
	p, cleanup, ok := s.singlePayload(w, r, "file", fileLimit)
	if !ok {
		return
	}
	defer cleanup()
	book, err := s.app.ReplaceFile(r.Context(), chi.URLParam(r, "id"), p)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, book)
}

func (s *Server) handleReplaceCover(w http.ResponseWriter, r *http.Request) {
	_, coverLimit := s.app.Limits()
	p, cleanup, ok := s.singlePayload(w, r, "cover", coverLimit)
	if !ok {
		return
	}
	defer cleanup()
	book, err := s.app.ReplaceCover(r.Context(), chi.URLParam(r, "id"), p)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, book)
}

type coverRemovalResponse struct {
	Book    domain.Book `json:"book"`
	Warning string      `json:"warning,omitempty"`
}

func (s *Server) handleRemoveCover(w http.ResponseWriter, r *http.Request) {
	res, err := s.app.RemoveCover(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, coverRemovalResponse{Book: res.Book, Warning: res.Warning})
}

func (s *Server) handleListOrphans(w http.ResponseWriter, r *http.Request) {
	if s.orphans == nil {
		writeError(w, http.StatusNotFound, "CATALOG_LEDGER_DISABLED", "orphan ledger not configured")
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			writeError(w, http.StatusBadRequest, "CATALOG_INVALID_INPUT", "limit must be between 1 and 1000")
			return
		}
		limit = n
	}
	entries, err := s.orphans.List(r.Context(), limit)
	if err != nil {
		util.LoggerFromContext(r.Context()).Error("list orphans failed", "err", err)
		writeError(w, http.StatusBadGateway, "CATALOG_LEDGER_UNAVAILABLE", "orphan ledger unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": entries,
		"count": len(entries),
	})
}

// singlePayload parses a multipart body that carries one payload part.
func (s *Server) singlePayload(w http.ResponseWriter, r *http.Request, field string, limit int64) (domain.Payload, func(), bool) {
	r.Body = http.MaxBytesReader(w, r.Body, limit+formOverheadBytes)
	if err := r.ParseMultipartForm(formMemoryBytes); err != nil {
		writeFormError(w, err)
		return domain.Payload{}, nil, false
	}
	p, closePart, err := formPayload(r, field)
	if err != nil {
		_ = r.MultipartForm.RemoveAll()
		writeError(w, http.StatusBadRequest, "BOOK_FILE_REQUIRED", fmt.Sprintf("%s is required (field: %s)", field, field))
		return domain.Payload{}, nil, false
	}
	return p, func() {
		closePart()
		_ = r.MultipartForm.RemoveAll()
	}, true
}

// formPayload opens a multipart file part. The part body implements
// io.ReaderAt, which lets the app inspect PDFs without buffering.
func formPayload(r *http.Request, field string) (domain.Payload, func(), error) {
	f, header, err := r.FormFile(field)
	if err != nil {
		return domain.Payload{}, nil, err
	}
	return domain.Payload{
		Filename:    header.Filename,
		ContentType: partContentType(header),
		Size:        header.Size,
		Body:        f,
	}, func() { _ = f.Close() }, nil
}

func partContentType(h *multipart.FileHeader) string {
	if ct := strings.TrimSpace(h.Header.Get("Content-Type")); ct != "" && ct != "application/octet-stream" {
		return ct
	}
	// browsers send octet-stream for unknown types; fall back to the extension
	if byExt := mime.TypeByExtension(strings.ToLower(fileExt(h.Filename))); byExt != "" {
		return byExt
	}
	return h.Header.Get("Content-Type")
}

func fileExt(name string) string {
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		return name[i:]
	}
	return ""
}

func draftFromForm(r *http.Request) (app.BookDraft, error) {
	draft := app.BookDraft{
		Title:       r.FormValue("title"),
		Description: r.FormValue("description"),
		ISBN:        r.FormValue("isbn"),
		Publisher:   r.FormValue("publisher"),
		Language:    r.FormValue("language"),
		AuthorID:    r.FormValue("authorId"),
	}
	if v := strings.TrimSpace(r.FormValue("pageCount")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return draft, errors.New("pageCount must be an integer")
		}
		draft.PageCount = n
	}
	if v := strings.TrimSpace(r.FormValue("publishedOn")); v != "" {
		day, err := parseDate(v)
		if err != nil {
			return draft, err
		}
		draft.PublishedOn = day
	}
	return draft, nil
}

func parseDate(v string) (*time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil, nil
	}
	day, err := time.Parse(dateLayout, v)
	if err != nil {
		return nil, fmt.Errorf("publishedOn must use %s", dateLayout)
	}
	return &day, nil
}

func streamDownload(w http.ResponseWriter, r *http.Request, dl *app.Download) {
	defer dl.Body.Close()
	disposition := "attachment"
	if inline, _ := strconv.ParseBool(r.URL.Query().Get("inline")); inline {
		disposition = "inline"
	}
	w.Header().Set("Content-Type", dl.ContentType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType(disposition, map[string]string{"filename": dl.Filename}))
	if dl.Size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(dl.Size, 10))
	}
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, dl.Body); err != nil {
		util.LoggerFromContext(r.Context()).Warn("download interrupted", "err", err)
	}
}

// limited applies the per-IP mutation quota. Without a limiter every request passes.
func (s *Server) limited(next http.Handler) http.Handler {
	if s.limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := util.ClientIPFromContext(r.Context())
		if ip == "" {
			ip = util.ClientIP(r, s.trusted)
		}
		d := s.limiter.Allow(r.Context(), "mutation|"+ip)
		if d.Err != nil {
			util.LoggerFromContext(r.Context()).Error("rate limiter unavailable", "err", d.Err)
		}
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(s.limiter.Limit()))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		if !d.Allowed {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(d.RetryAfter.Seconds()))))
			writeError(w, http.StatusTooManyRequests, "SYSTEM_RATE_LIMITED", "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeBooks(w http.ResponseWriter, books []domain.Book) {
	if books == nil {
		books = []domain.Book{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": books,
		"count": len(books),
	})
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
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{
		Error:     msg,
		Code:      code,
		RequestID: strings.TrimSpace(w.Header().Get(util.RequestIDHeader)),
	})
}

// writeAppError maps an app error to a status by category. Server-side
// messages are not echoed to the client.
func writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, msg := classify(err)
	if status >= http.StatusInternalServerError {
		util.LoggerFromContext(r.Context()).Error("request failed",
			"kind", string(domain.KindOf(err)), "err", err)
	}
	writeError(w, status, code, msg)
}

func classify(err error) (status int, code, msg string) {
	switch domain.KindOf(err) {
	case domain.KindInvalidInput:
		return http.StatusBadRequest, "CATALOG_INVALID_INPUT", err.Error()
	case domain.KindNotFound:
		return http.StatusNotFound, "CATALOG_NOT_FOUND", err.Error()
	case domain.KindConflict:
		return http.StatusConflict, "CATALOG_CONFLICT", err.Error()
	case domain.KindStorage:
		return http.StatusBadGateway, "CATALOG_STORAGE_UNAVAILABLE", "object storage unavailable"
	case domain.KindInconsistent:
		return http.StatusInternalServerError, "CATALOG_INCONSISTENT", "catalog data is inconsistent"
	default:
		return http.StatusInternalServerError, "SYSTEM_INTERNAL_ERROR", "internal error"
	}
}

func writeFormError(w http.ResponseWriter, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeError(w, http.StatusBadRequest, "BOOK_FILE_TOO_LARGE", "request body too large")
		return
	}
	writeError(w, http.StatusBadRequest, "BOOK_INVALID_UPLOAD_FORM", "invalid form data")
}
