// Package api provides the HTTP API server for the meal cost engine.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"meal-cost/db/clickhouse"
	"meal-cost/decision/catalog"
	"meal-cost/decision/estimation"
	"meal-cost/decision/pricefeed"
	"meal-cost/decision/propagation"
	"meal-cost/decision/recipes"
	"meal-cost/internal/metrics"
	"meal-cost/pkg/platform"
	"meal-cost/pkg/units"
)

// Pinger is a dependency checked by the readiness probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HistoryReader serves stored quote and cost history.
type HistoryReader interface {
	QuoteHistory(ctx context.Context, ingredientID string, from, to time.Time) ([]pricefeed.Quote, error)
	CostHistory(ctx context.Context, recipeID string, limit int) ([]clickhouse.CostSnapshot, error)
}

// VersionReader lists the stored versions of a recipe definition.
type VersionReader interface {
	RecipeVersions(ctx context.Context, id string) ([]recipes.Recipe, error)
}

// Deps are the engine components the API serves.
type Deps struct {
	Feed      *pricefeed.Store
	Recipes   *recipes.Store
	Catalog   *catalog.Catalog
	Engine    *estimation.Engine
	Scheduler *propagation.Scheduler
	Units     *units.Table
	// History is nil when history storage is disabled.
	History HistoryReader
	// Versions is nil when definitions are not persisted; only the current
	// version is served then.
	Versions VersionReader

	// Ready maps a dependency name to its health check.
	Ready map[string]Pinger
}

// Config holds server configuration
type Config struct {
	Port           int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxRequestSize int64
	CORSOrigins    []string
	// APIKey guards every write route when set.
	APIKey  string
	Version string
}

// DefaultConfig returns default server configuration
func DefaultConfig() *Config {
	return &Config{
		Port:           8080,
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   60 * time.Second,
		MaxRequestSize: 1 << 20, // 1MB
		CORSOrigins:    []string{"*"},
		Version:        "dev",
	}
}

// Server is the HTTP API server
type Server struct {
	httpServer *http.Server
	deps       Deps
	config     *Config
	validate   *validator.Validate
	started    time.Time
	now        func() time.Time
}

// NewServer creates a new API server
func NewServer(config *Config, deps Deps) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	return &Server{
		deps:     deps,
		config:   config,
		validate: newValidator(),
		started:  time.Now(),
		now:      time.Now,
	}
}

// WithClock replaces the clock used for price reads.
func (s *Server) WithClock(now func() time.Time) *Server {
	s.now = now
	return s
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(s.corsMiddleware)
	r.Use(middleware.RequestSize(s.config.MaxRequestSize))

	r.Get("/health", s.handleHealth)
	r.Get("/health/live", s.handleLiveness)
	r.Get("/health/ready", s.handleReadiness)
	r.Get("/version", s.handleVersion)
	r.Handle("/metrics", promhttp.Handler())

	guard := platform.APIKeyMiddleware(s.config.APIKey)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/recipes", func(r chi.Router) {
			r.Get("/", s.handleListRecipes)
			r.Get("/{id}", s.handleGetRecipe)
			r.Get("/{id}/versions", s.handleRecipeVersions)
			r.Get("/{id}/cost", s.handleRecipeCost)
			r.Get("/{id}/cost/history", s.handleCostHistory)
			r.Group(func(r chi.Router) {
				r.Use(guard)
				r.Post("/", s.handleCreateRecipe)
				r.Put("/{id}", s.handleUpdateRecipe)
				r.Delete("/{id}", s.handleDeleteRecipe)
			})
		})

		r.With(guard).Post("/quotes", s.handleIngestQuotes)

		r.Route("/ingredients", func(r chi.Router) {
			r.Get("/", s.handleListIngredients)
			r.Get("/{id}/price", s.handleIngredientPrice)
			r.Get("/{id}/quotes", s.handleIngredientQuotes)
			r.Get("/{id}/quotes/history", s.handleQuoteHistory)
			r.Group(func(r chi.Router) {
				r.Use(guard)
				r.Put("/{id}", s.handleUpsertIngredient)
				r.Post("/{id}/factors", s.handleRegisterFactors)
			})
		})
	})

	return r
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.config.Port),
		Handler:      s.Handler(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	log.Info().Int("port", s.config.Port).Str("version", s.config.Version).Msg("meal cost API server starting")
	return s.httpServer.ListenAndServe()
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	log.Info().Msg("shutting down API server")
	return s.httpServer.Shutdown(ctx)
}

// =============================================================================
// MIDDLEWARE
// =============================================================================

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		elapsed := time.Since(start)
		metrics.APIRequestDuration.
			WithLabelValues(r.Method, route, fmt.Sprintf("%d", ww.Status())).
			Observe(elapsed.Seconds())

		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Str("request_id", middleware.GetReqID(r.Context())).
			Dur("duration", elapsed).
			Msg("request")
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}

		allowed := false
		for _, o := range s.config.CORSOrigins {
			if o == "*" || o == origin {
				allowed = true
				break
			}
		}

		if allowed {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
			w.Header().Set("Access-Control-Max-Age", "86400")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// =============================================================================
// HEALTH ENDPOINTS
// =============================================================================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, http.StatusOK, map[string]any{
		"status":  "healthy",
		"service": "mealcost",
		"version": s.config.Version,
		"uptime":  time.Since(s.started).String(),
	})
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]string, len(s.deps.Ready))
	ready := true
	for name, p := range s.deps.Ready {
		if err := p.Ping(ctx); err != nil {
			checks[name] = err.Error()
			ready = false
			continue
		}
		checks[name] = "ok"
	}

	status := http.StatusOK
	state := "ready"
	if !ready {
		status = http.StatusServiceUnavailable
		state = "not ready"
	}
	s.jsonResponse(w, status, map[string]any{"status": state, "checks": checks})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, http.StatusOK, map[string]string{
		"version": s.config.Version,
		"service": "mealcost",
	})
}

// =============================================================================
// HELPERS
// =============================================================================

func (s *Server) jsonResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func (s *Server) jsonError(w http.ResponseWriter, status int, code, message string) {
	s.jsonResponse(w, status, errorResponse{Error: message, Code: code})
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}
