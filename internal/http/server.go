// Package http serves the corpusd JSON API.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/fyrsmithlabs/corpusd/internal/config"
	"github.com/fyrsmithlabs/corpusd/internal/events"
	"github.com/fyrsmithlabs/corpusd/internal/graph"
	"github.com/fyrsmithlabs/corpusd/internal/ingest"
	"github.com/fyrsmithlabs/corpusd/internal/logging"
	"github.com/fyrsmithlabs/corpusd/internal/search"
	"github.com/fyrsmithlabs/corpusd/internal/statestore"
	"github.com/fyrsmithlabs/corpusd/internal/tenant"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// BacklogCounter reports how many documents await embedding.
type BacklogCounter interface {
	BacklogCount(ctx context.Context, tenantID tenant.ID) (int, error)
}

// Services are the operations the API exposes. Bus and OAuth are optional.
type Services struct {
	Ingest     *ingest.Service
	Search     search.Searcher
	Backlog    BacklogCounter
	Graph      *graph.Store
	Progress   *statestore.ProgressTracker
	Handshakes *statestore.Handshakes
	Bus        events.Bus
	OAuth      map[string]config.OAuthConnector
	Ready      func(ctx context.Context) error
}

// Config holds HTTP server configuration.
type Config struct {
	Host           string
	Port           int
	RequestTimeout time.Duration
}

// ConfigFrom maps application configuration.
func ConfigFrom(c config.ServerConfig) *Config {
	return &Config{Host: c.Host, Port: c.Port, RequestTimeout: c.RequestTimeout.Duration()}
}

// Server provides the corpusd HTTP endpoints.
type Server struct {
	echo    *echo.Echo
	svc     Services
	logger  *logging.Logger
	config  *Config
	metrics *HTTPMetrics
	now     func() time.Time
}

// NewServer creates a new HTTP server.
func NewServer(svc Services, logger *logging.Logger, cfg *Config) (*Server, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if svc.Ingest == nil || svc.Search == nil || svc.Backlog == nil {
		return nil, fmt.Errorf("ingest, search and backlog services are required")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "localhost",
			Port: 8480,
		}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:    e,
		svc:     svc,
		logger:  logger,
		config:  cfg,
		metrics: NewHTTPMetrics(logger.Underlying()),
		now:     time.Now,
	}
	e.HTTPErrorHandler = s.handleError

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(s.metrics.MetricsMiddleware())
	e.Use(s.requestContext)
	if cfg.RequestTimeout > 0 {
		e.Use(middleware.ContextTimeoutWithConfig(middleware.ContextTimeoutConfig{
			Timeout: cfg.RequestTimeout,
			Skipper: func(c echo.Context) bool { return c.Path() == "/metrics" },
		}))
	}
	e.Use(s.accessLog)

	s.registerRoutes()
	return s, nil
}

// requestContext carries the request ID and path tenant into the request
// context so every log line below it is correlated.
func (s *Server) requestContext(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := logging.WithRequestID(c.Request().Context(), c.Response().Header().Get(echo.HeaderXRequestID))
		if id, err := tenant.Parse(c.Param("tenant")); err == nil {
			ctx = tenant.WithTenant(ctx, id)
		}
		c.SetRequest(c.Request().WithContext(ctx))
		return next(c)
	}
}

func (s *Server) accessLog(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := s.now()
		err := next(c)
		if err != nil {
			c.Error(err)
		}
		s.logger.Info(c.Request().Context(), "http request",
			zap.String("method", c.Request().Method),
			zap.String("route", c.Path()),
			zap.Int("status", c.Response().Status),
			zap.Duration("duration", time.Since(start)),
		)
		return nil
	}
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	t := v1.Group("/tenants/:tenant")
	t.POST("/embed", s.handleEmbed)
	t.POST("/embeddings/delete", s.handleDelete)
	t.POST("/search", s.handleSearch)
	t.POST("/gap-answers", s.handleGapAnswer)
	t.GET("/backlog", s.handleBacklog)
	t.GET("/jobs/:job", s.handleJob)
	t.POST("/graph", s.handleGraphMerge)
	t.GET("/graph/entities", s.handleGraphEntities)
	t.GET("/graph/entities/:name/relations", s.handleGraphRelations)
	t.POST("/connectors/:connector/handshake", s.handleHandshake)

	v1.GET("/oauth/callback", s.handleOAuthCallback)
}

// ServeHTTP lets the server be mounted or tested without a listener.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

// Start starts the HTTP server. It returns nil after Shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info(context.Background(), "starting http server", zap.String("addr", addr))
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "shutting down http server")
	return s.echo.Shutdown(ctx)
}
