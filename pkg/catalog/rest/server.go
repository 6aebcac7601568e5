package rest

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/lakegate/lakegate/pkg/engine"
)

// ServerOption configures the catalog server.
type ServerOption func(*serverConfig)

type serverConfig struct {
	token       string
	logger      zerolog.Logger
	middlewares []func(http.Handler) http.Handler
}

// WithToken requires a bearer token on every request.
func WithToken(token string) ServerOption {
	return func(cfg *serverConfig) { cfg.token = token }
}

// WithServerLogger sets the request logger.
func WithServerLogger(logger zerolog.Logger) ServerOption {
	return func(cfg *serverConfig) { cfg.logger = logger }
}

// WithMiddlewares adds middleware to the server.
func WithMiddlewares(mw ...func(http.Handler) http.Handler) ServerOption {
	return func(cfg *serverConfig) {
		cfg.middlewares = append(cfg.middlewares, mw...)
	}
}

type routes struct {
	catalog engine.CatalogClient
	logger  zerolog.Logger
}

// NewServer exposes catalog under APIPrefix.
func NewServer(catalog engine.CatalogClient, opts ...ServerOption) *chi.Mux {
	cfg := &serverConfig{logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(cfg)
	}

	rr := &routes{catalog: catalog, logger: cfg.logger.With().Str("component", "catalog-server").Logger()}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	for _, mw := range cfg.middlewares {
		r.Use(mw)
	}
	r.Use(rr.logRequests)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route(APIPrefix, func(r chi.Router) {
		if cfg.token != "" {
			r.Use(bearerAuth(cfg.token))
		}
		r.Route("/branches", func(r chi.Router) {
			r.Get("/", rr.listBranches)
			r.Post("/", rr.createBranch)
			r.Get("/{name}", rr.getBranch)
			r.Delete("/{name}", rr.deleteBranch)
		})
		r.Post("/tables", rr.createTable)
		r.Get("/tables/{namespace}/{table}/files", rr.tableFiles)
		r.Post("/imports", rr.importData)
		r.Post("/merges", rr.merge)
		r.Post("/query", rr.query)
	})

	return r
}

func (rr *routes) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		rr.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}

func bearerAuth(token string) func(http.Handler) http.Handler {
	want := []byte("Bearer " + token)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := []byte(r.Header.Get("Authorization"))
			if subtle.ConstantTimeCompare(got, want) != 1 {
				writeJSON(w, http.StatusUnauthorized, ErrorResponse{
					Error: "missing or invalid token",
					Code:  engine.ErrCodeForbidden,
					Class: engine.ErrorClassFatal,
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (rr *routes) listBranches(w http.ResponseWriter, r *http.Request) {
	branches, err := rr.catalog.ListBranches(r.Context(), r.URL.Query().Get("prefix"))
	if err != nil {
		rr.writeError(w, r, err)
		return
	}
	if branches == nil {
		branches = []engine.Branch{}
	}
	writeJSON(w, http.StatusOK, branches)
}

func (rr *routes) getBranch(w http.ResponseWriter, r *http.Request) {
	b, err := rr.catalog.GetBranch(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		rr.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (rr *routes) createBranch(w http.ResponseWriter, r *http.Request) {
	var req createBranchRequest
	if !rr.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Name) == "" || strings.TrimSpace(req.FromRef) == "" {
		rr.writeError(w, r, engine.NewValidationError("name and from_ref are required", nil))
		return
	}
	b, err := rr.catalog.CreateBranch(r.Context(), req.Name, req.FromRef)
	if err != nil {
		rr.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

func (rr *routes) deleteBranch(w http.ResponseWriter, r *http.Request) {
	deleted, err := rr.catalog.DeleteBranch(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		rr.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, deleteBranchResponse{Deleted: deleted})
}

func (rr *routes) createTable(w http.ResponseWriter, r *http.Request) {
	var req engine.CreateTableRequest
	if !rr.decode(w, r, &req) {
		return
	}
	if err := rr.catalog.CreateTable(r.Context(), req); err != nil {
		rr.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (rr *routes) tableFiles(w http.ResponseWriter, r *http.Request) {
	ref := r.URL.Query().Get("ref")
	if ref == "" {
		rr.writeError(w, r, engine.NewValidationError("ref is required", nil))
		return
	}
	files, err := rr.catalog.TableFiles(r.Context(), ref, chi.URLParam(r, "namespace"), chi.URLParam(r, "table"))
	if err != nil {
		rr.writeError(w, r, err)
		return
	}
	if files == nil {
		files = []string{}
	}
	writeJSON(w, http.StatusOK, tableFilesResponse{Files: files})
}

func (rr *routes) importData(w http.ResponseWriter, r *http.Request) {
	var req engine.ImportRequest
	if !rr.decode(w, r, &req) {
		return
	}
	out, err := rr.catalog.ImportData(r.Context(), req)
	if err != nil {
		rr.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (rr *routes) merge(w http.ResponseWriter, r *http.Request) {
	var req engine.MergeRequest
	if !rr.decode(w, r, &req) {
		return
	}
	out, err := rr.catalog.MergeBranch(r.Context(), req)
	if err != nil {
		rr.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (rr *routes) query(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if !rr.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.SQL) == "" || req.Ref == "" {
		rr.writeError(w, r, engine.NewValidationError("sql and ref are required", nil))
		return
	}
	rows, err := rr.catalog.Query(r.Context(), req.SQL, req.Ref)
	if err != nil {
		rr.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (rr *routes) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		rr.writeError(w, r, engine.NewValidationError("invalid request body", err))
		return false
	}
	return true
}

func (rr *routes) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= 500 {
		rr.logger.Error().Err(err).Str("path", r.URL.Path).Msg("Catalog request failed")
	}
	writeJSON(w, status, errorResponse(err))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
