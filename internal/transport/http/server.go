package http

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/joshdurbin/linkbottle/internal/service"
)

// Server represents the HTTP server
type Server struct {
	handler *Handler
	server  *http.Server
	port    string
	logger  *zap.Logger
}

// NewServer creates a new HTTP server. Metrics from gatherer are served at /metrics.
func NewServer(links service.LinkService, gatherer prometheus.Gatherer, port string, logger *zap.Logger) *Server {
	handler := NewHandler(links, logger)

	mux := http.NewServeMux()

	// API endpoints
	mux.HandleFunc("POST /api/links", handler.CreateLink)
	mux.HandleFunc("GET /api/links", handler.ListLinks)
	mux.HandleFunc("GET /api/links/{key}", handler.GetLink)
	mux.HandleFunc("PUT /api/links/{key}", handler.UpdateLink)
	mux.HandleFunc("DELETE /api/links/{key}", handler.DeleteLink)
	mux.HandleFunc("GET /api/links/{key}/qr", handler.GetQRPath)
	mux.HandleFunc("PUT /api/links/{key}/qr", handler.SetQRPath)
	mux.HandleFunc("GET /api/admin/links", handler.ListRecords)
	mux.HandleFunc("GET /api/admin/links/{key}", handler.GetRecord)
	mux.HandleFunc("PUT /api/admin/links/{key}", handler.UpdateRecord)
	mux.HandleFunc("DELETE /api/admin/links/{key}", handler.DeleteRecord)
	mux.HandleFunc("PUT /api/admin/links/{key}/title", handler.UpdateTitle)
	mux.HandleFunc("GET /api/title", handler.FetchTitle)
	mux.HandleFunc("GET /ws/batch", handler.BatchShorten)

	// Operational endpoints
	mux.HandleFunc("GET /healthz", handler.Health)
	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	// Redirect endpoint
	mux.HandleFunc("GET /{key}", handler.Redirect)

	loggingMiddleware := NewLoggingMiddleware(logger)

	server := &http.Server{
		Addr:         ":" + port,
		Handler:      loggingMiddleware.Middleware(mux),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		handler: handler,
		server:  server,
		port:    port,
		logger:  logger,
	}
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.Info("server starting", zap.String("port", s.port))
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server shutting down")
	return s.server.Shutdown(ctx)
}

// Port returns the server port
func (s *Server) Port() string {
	return s.port
}

// Handler returns the routed handler with middleware applied (useful for testing)
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}
