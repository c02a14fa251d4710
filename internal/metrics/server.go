package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/stagextract/internal/logging"
	"github.com/fyrsmithlabs/stagextract/internal/progress"
)

// Server serves /metrics, /health and /api/v1/status.
type Server struct {
	echo     *echo.Echo
	logger   *logging.Logger
	config   *Config
	status   StatusSource
	health   func() string
	gatherer prometheus.Gatherer
}

// Config holds metrics server configuration.
type Config struct {
	Addr    string
	Version string

	// Health returns a short telemetry health description; optional.
	Health func() string

	// Gatherer defaults to the Prometheus default registry.
	Gatherer prometheus.Gatherer
}

// NewServer creates a metrics server. status may be nil before a run starts.
func NewServer(logger *logging.Logger, cfg *Config, status StatusSource) (*Server, error) {
	if logger == nil {
		return nil, errors.New("logger is required for request tracking")
	}
	if cfg == nil {
		cfg = &Config{Addr: "localhost:9464"}
	}
	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(NewHTTPMetrics(logger).MetricsMiddleware())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			logger.Debug(c.Request().Context(), "http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return err
		}
	})

	s := &Server{
		echo:     e,
		logger:   logger.Named("metrics"),
		config:   cfg,
		status:   status,
		health:   cfg.Health,
		gatherer: gatherer,
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	v1 := s.echo.Group("/api/v1")
	v1.GET("/status", s.handleStatus)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleStatus(c echo.Context) error {
	resp := StatusResponse{Status: "idle", Version: s.config.Version}
	if s.health != nil {
		resp.Telemetry = s.health()
	}
	if s.status != nil {
		if ev, ok := s.status.Snapshot(); ok {
			resp.Run = &ev
			resp.Status = "running"
			if ev.Kind != "" && ev.Kind != progress.KindChunk {
				resp.Status = string(ev.Kind)
			}
		}
	}
	return c.JSON(http.StatusOK, resp)
}

// Start serves until Shutdown. It returns nil after a graceful shutdown.
func (s *Server) Start() error {
	s.logger.Info(context.Background(), "starting metrics server", zap.String("addr", s.config.Addr))
	err := s.echo.Start(s.config.Addr)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "shutting down metrics server")
	return s.echo.Shutdown(ctx)
}
