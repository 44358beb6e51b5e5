// Package api exposes the scan engine over HTTP.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sells-group/localrank/internal/geogrid"
	"github.com/sells-group/localrank/internal/heatmap"
	"github.com/sells-group/localrank/internal/quota"
	"github.com/sells-group/localrank/internal/store"
)

// Scanner runs scans and single-point rank checks.
type Scanner interface {
	Scan(ctx context.Context, req heatmap.ScanRequest) (*heatmap.Result, error)
	Persist(ctx context.Context, summary *heatmap.ScanSummary) error
	CheckPoint(ctx context.Context, projectID, keyword string, at geogrid.Coordinate, depth int) (*heatmap.PointCheck, error)
}

// History reads stored scans.
type History interface {
	GetScan(ctx context.Context, id uuid.UUID) (*heatmap.ScanSummary, error)
	ListScans(ctx context.Context, filter store.ScanFilter) ([]store.ScanRecord, error)
	GridCells(ctx context.Context, projectID, keyword string) ([]store.GridCell, error)
}

// Quota reads and tops up account allowances.
type Quota interface {
	Status(ctx context.Context, accountID string, meter quota.Meter) (quota.State, error)
	Purchase(ctx context.Context, accountID string, meter quota.Meter, n int) (quota.State, error)
}

// Options configures the router.
type Options struct {
	AllowedOrigins []string
	// RequestTimeout bounds every request; scans need minutes on large grids.
	RequestTimeout time.Duration
	// MaxUnsaved caps how many scans that ran but failed to save are held
	// for a later persist retry.
	MaxUnsaved int
}

// Server handles HTTP requests.
type Server struct {
	scanner Scanner
	history History
	quota   Quota
	opts    Options
	unsaved *unsavedScans
}

// NewServer creates a Server.
func NewServer(scanner Scanner, history History, q Quota, opts Options) *Server {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 10 * time.Minute
	}
	if opts.MaxUnsaved <= 0 {
		opts.MaxUnsaved = 256
	}
	return &Server{
		scanner: scanner,
		history: history,
		quota:   q,
		opts:    opts,
		unsaved: newUnsavedScans(opts.MaxUnsaved),
	}
}

// Routes returns the HTTP handler.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.opts.RequestTimeout))
	if len(s.opts.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.opts.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type", "Authorization"},
			ExposedHeaders: []string{"X-Request-Id"},
			MaxAge:         300,
		}))
	}

	r.Get("/health", handleHealth)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/heatmap/scans", s.handleScan)
		r.Get("/heatmap/scans/{id}", s.handleGetScan)
		r.Post("/heatmap/scans/{id}/persist", s.handlePersistScan)
		r.Get("/heatmap/scans/{id}/export.xlsx", s.handleExportXLSX)
		r.Get("/heatmap/scans/{id}/export.geojson", s.handleExportGeoJSON)
		r.Post("/rank-checks", s.handleRankCheck)
		r.Get("/projects/{projectId}/scans", s.handleListScans)
		r.Get("/projects/{projectId}/grid", s.handleGridCells)
		r.Get("/accounts/{accountId}/quota", s.handleQuotaStatus)
		r.Post("/accounts/{accountId}/quota/purchases", s.handlePurchase)
	})

	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type errorBody struct {
	Error    string `json:"error"`
	Category string `json:"category"`
}

// unsavedBody is the 503 response for a scan that ran but was not stored.
// The summary is held server-side until a persist retry succeeds.
type unsavedBody struct {
	errorBody
	ScanID  uuid.UUID            `json:"scanId"`
	Summary *heatmap.ScanSummary `json:"summary"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("encode response", zap.Error(err))
	}
}

// writeError maps err to a status through its heatmap category.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	category := heatmap.Category(err)
	status := heatmap.HTTPStatus(category)
	switch {
	case errorsIsNotFound(err):
		category, status = heatmap.CategoryNotFound, http.StatusNotFound
	case status >= http.StatusInternalServerError:
		zap.L().Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("category", category),
			zap.Error(err),
		)
	}
	writeJSON(w, status, errorBody{Error: err.Error(), Category: category})
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: msg, Category: heatmap.CategoryConfiguration})
}
