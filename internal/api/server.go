// Package api serves fit run history over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/mwa-demo/calfit/internal/monitoring"
	"github.com/mwa-demo/calfit/internal/store"
)

// FitRequest starts a fit from files readable by the server.
type FitRequest struct {
	Metafits  []string `json:"metafits"`
	Solutions []string `json:"solutions"`
	RefAnt    string   `json:"ref_ant,omitempty"`
	Name      string   `json:"name,omitempty"`
	FitIono   bool     `json:"fit_iono,omitempty"`
}

// ErrShuttingDown is returned by a Runner that no longer accepts fits.
var ErrShuttingDown = errors.New("api: server is shutting down")

// Runner starts fits in the background. StartFit returns once the inputs
// have been loaded and validated.
type Runner interface {
	StartFit(req FitRequest) error
}

// Options configures the HTTP server.
type Options struct {
	// AllowedOrigins for CORS; empty allows any origin.
	AllowedOrigins []string
	// FitsPerMinute bounds POST /runs; zero or less disables the limit.
	FitsPerMinute int
}

// Server exposes the run store and an optional fit runner.
type Server struct {
	store     store.Store
	runner    Runner
	opts      Options
	collector *monitoring.Collector
	limiter   *rate.Limiter
}

// NewServer creates a Server. runner may be nil, in which case POST /runs
// is not available.
func NewServer(st store.Store, runner Runner, opts Options) *Server {
	s := &Server{store: st, runner: runner, opts: opts, collector: monitoring.NewCollector(st)}
	if opts.FitsPerMinute > 0 {
		s.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(opts.FitsPerMinute)), opts.FitsPerMinute)
	}
	return s
}

// Routes returns the HTTP handler.
func (s *Server) Routes() http.Handler {
	origins := s.opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", s.health)
	r.Get("/stats", s.stats)
	r.Route("/runs", func(r chi.Router) {
		r.Get("/", s.listRuns)
		r.Post("/", s.startFit)
		r.Get("/{id}", s.getRun)
		r.Get("/{id}/fits", s.listFits)
	})
	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		zap.L().Debug("api: request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("api: encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
