// Package api provides the HTTP API server for vmcrate.
// It uses the Echo framework to expose the provisioning pipeline: documents
// can be validated, rendered as a dry run, or provisioned on a backend.
package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"evalgo.org/vmcrate/internal/config"
	"evalgo.org/vmcrate/internal/imagecache"
	"evalgo.org/vmcrate/internal/orchestration"
	"evalgo.org/vmcrate/internal/validation"
	"evalgo.org/vmcrate/models"
)

// maxBodySize bounds request documents.
const maxBodySize = "4M"

// Pipeline is the part of the orchestrator the server drives.
type Pipeline interface {
	Plan(ctx context.Context, req orchestration.Request) (*orchestration.Plan, error)
	Provision(ctx context.Context, req orchestration.Request) *models.ProvisionResult
	DefaultBackend() models.BackendKind
	ActiveBackends() []models.BackendKind
}

// Parser decodes inline documents.
type Parser interface {
	Parse(data []byte, source string) (*models.SoftwareDescription, error)
}

// ImageLister lists the image cache.
type ImageLister interface {
	List() ([]imagecache.Entry, error)
}

// Options are the server's collaborators.
type Options struct {
	Pipeline  Pipeline
	Parser    Parser
	Validator *validation.Validator
	Images    ImageLister
	Log       log.FieldLogger
}

// Server represents the vmcrate API server.
type Server struct {
	echo      *echo.Echo
	config    *config.Config
	pipeline  Pipeline
	parser    Parser
	validator *validation.Validator
	images    ImageLister
	log       log.FieldLogger
}

// New creates a new API server instance.
func New(cfg *config.Config, opts Options) *Server {
	e := echo.New()

	// Configure Echo
	e.HideBanner = true
	e.HidePort = true
	e.Debug = cfg.Server.Debug

	// Set custom error handler
	e.HTTPErrorHandler = HTTPErrorHandler

	logger := opts.Log
	if logger == nil {
		logger = log.StandardLogger()
	}

	server := &Server{
		echo:      e,
		config:    cfg,
		pipeline:  opts.Pipeline,
		parser:    opts.Parser,
		validator: opts.Validator,
		images:    opts.Images,
		log:       logger,
	}

	server.setupMiddleware()
	server.setupRoutes()

	return server
}

// setupMiddleware configures Echo middleware.
func (s *Server) setupMiddleware() {
	s.echo.Use(middleware.LoggerWithConfig(middleware.LoggerConfig{
		Format: "[${time_rfc3339}] ${status} ${method} ${uri} (${latency_human}) ${id}\n",
	}))

	s.echo.Use(middleware.Recover())

	s.echo.Use(SecurityHeaders)

	if len(s.config.Security.AllowedOrigins) > 0 {
		s.echo.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins: s.config.Security.AllowedOrigins,
			AllowMethods: []string{http.MethodGet, http.MethodPost},
			AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept},
		}))
	}

	s.echo.Use(middleware.RequestID())

	if s.config.Security.RateLimit > 0 {
		s.echo.Use(middleware.RateLimiter(middleware.NewRateLimiterMemoryStore(
			rate.Limit(s.config.Security.RateLimit),
		)))
	}

	s.echo.Use(middleware.BodyLimit(maxBodySize))
	s.echo.Use(ValidateContentType)
	s.echo.Use(ValidateAcceptHeader)
}

// setupRoutes configures API routes.
func (s *Server) setupRoutes() {
	s.echo.GET("/health", s.healthCheck)
	s.echo.GET("/", s.healthCheck)

	v1 := s.echo.Group("/api/v1")

	v1.GET("/backends", s.listBackends)
	v1.POST("/render", s.render, ValidateBackendParam)
	v1.POST("/provision", s.provision)
	v1.POST("/validate", s.validateDocument)

	images := v1.Group("/images")
	images.GET("", s.listImages)
	images.GET("/:name", s.getImage, ValidateImageName)
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)

	s.log.WithFields(log.Fields{
		"address": "http://" + addr,
		"backend": s.pipeline.DefaultBackend(),
		"debug":   s.config.Server.Debug,
	}).Info("Starting vmcrate API server")

	s.echo.Server.ReadTimeout = s.config.Server.ReadTimeout
	s.echo.Server.WriteTimeout = s.config.Server.WriteTimeout

	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("Shutting down vmcrate API server")

	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("error shutting down server: %w", err)
	}

	s.log.Info("Server shutdown complete")
	return nil
}

// ServeHTTP allows Server to implement http.Handler for testing
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}
