// Package http serves rosterd's admin API: health, Prometheus metrics,
// manual sync, bulk reindex and index entry lookup.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/rosterd/internal/entity"
	"github.com/fyrsmithlabs/rosterd/internal/syncer"
	"github.com/fyrsmithlabs/rosterd/internal/vectorstore"
)

// Syncer runs pipeline work on request.
type Syncer interface {
	SyncEntity(ctx context.Context, recordID string) (syncer.Outcome, error)
	Reindex(ctx context.Context, wipe bool) (syncer.ReindexReport, error)
}

// EntryLookup reads index entries.
type EntryLookup interface {
	Lookup(ctx context.Context, id entity.ID) (*vectorstore.IndexEntry, error)
}

// HealthFunc reports component states and whether the service is healthy.
type HealthFunc func(ctx context.Context) (components map[string]string, healthy bool)

// Config holds HTTP server configuration.
type Config struct {
	Host    string
	Port    int
	Version string
}

// Server provides the admin endpoints.
type Server struct {
	echo    *echo.Echo
	syncer  Syncer
	entries EntryLookup
	health  HealthFunc
	logger  *zap.Logger
	config  *Config
}

// NewServer creates the admin server. health may be nil.
func NewServer(s Syncer, entries EntryLookup, health HealthFunc, mp metric.MeterProvider, logger *zap.Logger, cfg *Config) (*Server, error) {
	if s == nil {
		return nil, errors.New("syncer cannot be nil")
	}
	if entries == nil {
		return nil, errors.New("entry lookup cannot be nil")
	}
	if logger == nil {
		return nil, errors.New("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{Host: "localhost", Port: 9090}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(NewHTTPMetrics(mp, logger).MetricsMiddleware())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			logger.Debug("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return err
		}
	})

	srv := &Server{
		echo:    e,
		syncer:  s,
		entries: entries,
		health:  health,
		logger:  logger,
		config:  cfg,
	}
	srv.registerRoutes()
	return srv, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.POST("/sync", s.handleSync)
	v1.POST("/reindex", s.handleReindex)
	v1.GET("/entities/:id", s.handleEntity)
}

// Handler returns the server's HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) handleHealth(c echo.Context) error {
	resp := HealthResponse{Status: "ok", Version: s.config.Version}
	status := http.StatusOK
	if s.health != nil {
		components, healthy := s.health(c.Request().Context())
		resp.Components = components
		if !healthy {
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
		}
	}
	return c.JSON(status, resp)
}

func (s *Server) handleSync(c echo.Context) error {
	var req SyncRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid sync request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.RecordID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "record_id field is required")
	}

	outcome, err := s.syncer.SyncEntity(c.Request().Context(), req.RecordID)
	resp := SyncResponse{RecordID: req.RecordID, Outcome: outcome}
	if err != nil {
		resp.Reason = syncer.FailureReason(err)
		resp.Error = err.Error()
		return c.JSON(syncStatus(err), resp)
	}
	return c.JSON(http.StatusOK, resp)
}

// syncStatus maps a pipeline failure onto an HTTP status.
func syncStatus(err error) int {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, entity.ErrMissingProfile):
		return http.StatusNotFound
	case errors.Is(err, syncer.ErrClosed):
		return http.StatusServiceUnavailable
	}
	switch syncer.FailureReason(err) {
	case "malformed_record":
		return http.StatusUnprocessableEntity
	case "partial_fetch", "embedding_unavailable", "index_write":
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleReindex(c echo.Context) error {
	wipe := c.QueryParam("wipe") == "true"

	report, err := s.syncer.Reindex(c.Request().Context(), wipe)
	if err != nil {
		s.logger.Warn("reindex failed", zap.Bool("wipe", wipe), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, fmt.Sprintf("reindex failed: %v", err))
	}
	return c.JSON(http.StatusOK, ReindexResponse{Wipe: wipe, Report: report})
}

func (s *Server) handleEntity(c echo.Context) error {
	id := c.Param("id")
	entry, err := s.entries.Lookup(c.Request().Context(), entity.ID(id))
	if errors.Is(err, vectorstore.ErrEntryNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "entity not indexed")
	}
	if err != nil {
		s.logger.Warn("entity lookup failed", zap.String("entity_id", id), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "lookup failed")
	}
	return c.JSON(http.StatusOK, entry)
}

// Start starts the HTTP server. It returns http.ErrServerClosed after
// Shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
