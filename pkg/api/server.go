// Package api exposes stage runs and their stored results over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"stageengine/pkg/engine"
	"stageengine/pkg/logx"
	"stageengine/pkg/persistence"
)

// Runner executes stage runs. *engine.Engine implements it.
type Runner interface {
	RunStage(ctx context.Context, req *engine.RunRequest) (*engine.RunResult, error)
}

// Server is the HTTP surface of the stage engine.
type Server struct {
	runner Runner
	store  persistence.Store
	echo   *echo.Echo
	logger *logx.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithMetricsHandler serves h at GET /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) {
		s.echo.GET("/metrics", echo.WrapHandler(h))
	}
}

// WithTracing adds OpenTelemetry server spans named after service.
func WithTracing(service string) Option {
	return func(s *Server) {
		s.echo.Use(otelecho.Middleware(service))
	}
}

// WithMCPHandler mounts an MCP transport under /mcp.
func WithMCPHandler(h http.Handler) Option {
	return func(s *Server) {
		s.echo.Any("/mcp", echo.WrapHandler(h))
		s.echo.Any("/mcp/*", echo.WrapHandler(h))
	}
}

// NewServer creates a Server over runner and store.
func NewServer(runner Runner, store persistence.Store, opts ...Option) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{runner: runner, store: store, echo: e, logger: logx.NewLogger("api")}
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			s.logger.Debug("%s %s %d (%dms)", v.Method, v.URI, v.Status, v.Latency.Milliseconds())
			return nil
		},
	}))
	for _, opt := range opts {
		opt(s)
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/api/logs", s.handleLogs)

	v1 := s.echo.Group("/api/v1")
	v1.POST("/briefs/:brief_id/stages/:stage_id/run", s.handleRunStage)
	v1.GET("/briefs/:brief_id/stages/:stage_id/output", s.handleCurrentOutput)
	v1.POST("/briefs/:brief_id/stages/:stage_id/feedback", s.handleCreateFeedback)
	v1.GET("/briefs/:brief_id/outputs", s.handleListOutputs)
	v1.GET("/briefs/:brief_id/conversations", s.handleListConversations)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

// Run serves on addr until ctx is done, then shuts down within shutdownTimeout.
func (s *Server) Run(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting API server on %s", addr)
		errCh <- s.echo.Start(addr)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("api server failed: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down API server")
	// the parent context is already canceled
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	//nolint:contextcheck // fresh context for shutdown
	if err := s.echo.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api server shutdown failed: %w", err)
	}
	return nil
}
