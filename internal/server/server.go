// Package server implements the listingbox HTTP server and route table.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/listingbox/listingbox/internal/config"
)

// Server is the listingbox HTTP server. It mounts the two function handlers
// under the configured route prefix next to the operational endpoints.
type Server struct {
	cfg        *config.Config
	router     chi.Router
	api        huma.API
	handler    http.Handler
	compress   http.Handler
	record     http.Handler
	backend    string
	logger     *slog.Logger
	httpServer *http.Server
}

// HealthBody is the JSON body returned by the health check endpoint.
type HealthBody struct {
	Status  string `json:"status" example:"ok" doc:"Health status"`
	Backend string `json:"backend,omitempty" example:"dropbox" doc:"Configured storage backend"`
}

// HealthOutput is the Huma output struct for the health check endpoint.
type HealthOutput struct {
	Body HealthBody
}

// Option is a functional option for configuring the Server.
type Option func(*Server)

// WithCompressHandler sets the handler for the compress-and-copy route.
func WithCompressHandler(h http.Handler) Option {
	return func(s *Server) {
		s.compress = h
	}
}

// WithRecordHandler sets the handler for the record-store route.
func WithRecordHandler(h http.Handler) Option {
	return func(s *Server) {
		s.record = h
	}
}

// WithBackendName sets the backend name reported by /health.
func WithBackendName(name string) Option {
	return func(s *Server) {
		s.backend = name
	}
}

// WithLogger sets the access logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// New creates a Server with the given configuration and wires up all routes
// on the Chi router with Huma API.
func New(cfg *config.Config, opts ...Option) *Server {
	s := &Server{
		cfg:    cfg,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	router := chi.NewMux()
	router.Use(chimw.RequestID)
	router.Use(chimw.RealIP)
	router.Use(accessLog(s.logger))
	router.Use(chimw.Recoverer)

	humaConfig := huma.DefaultConfig("listingbox", "1.0.0")
	humaConfig.DocsPath = "/docs"
	humaConfig.OpenAPIPath = "/openapi"
	api := humachi.New(router, humaConfig)

	s.router = router
	s.api = api
	s.registerRoutes()

	var handler http.Handler = s.router
	if cfg.Observability.Metrics {
		handler = metricsMiddleware(handler)
	}
	s.handler = handler
	return s
}

// Handler returns the fully wrapped root handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ListenAndServe starts the HTTP server on the given address.
// The returned http.Server is stored so it can be shut down gracefully.
func (s *Server) ListenAndServe(addr string) error {
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.handler,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server, waiting for in-flight
// requests to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// registerRoutes configures all routes on the Chi router.
func (s *Server) registerRoutes() {
	if s.cfg.Observability.HealthCheck {
		huma.Register(s.api, huma.Operation{
			OperationID: "get-health",
			Method:      http.MethodGet,
			Path:        "/health",
			Summary:     "Health check",
			Description: "Returns the health status of the listingbox server.",
			Tags:        []string{"System"},
		}, func(ctx context.Context, input *struct{}) (*HealthOutput, error) {
			return &HealthOutput{Body: HealthBody{Status: "ok", Backend: s.backend}}, nil
		})

		// Huma only does one method per registration.
		s.router.Head("/health", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
		})
	}

	if s.cfg.Observability.Metrics {
		s.router.Handle("/metrics", promhttp.Handler())
	}

	// The functions answer every method themselves (OPTIONS, 405), so they
	// are mounted with Handle rather than per-method routes.
	prefix := routePrefix(s.cfg.Server.RoutePrefix)
	if s.compress != nil {
		s.router.Handle(prefix+"/compress-and-copy", s.compress)
	}
	if s.record != nil {
		s.router.Handle(prefix+"/dropbox-storage", s.record)
	}
}

// routePrefix normalizes the configured prefix to "" or "/a/b".
func routePrefix(p string) string {
	p = strings.Trim(p, "/")
	if p == "" {
		return ""
	}
	return "/" + p
}
