// Package server exposes the relay's metrics and health over HTTP
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/glimte/mmate-relay/health"
	"github.com/glimte/mmate-relay/internal/logging"
	"github.com/glimte/mmate-relay/internal/metrics"
)

// MetricsEncoder is implemented by *metrics.Metrics
type MetricsEncoder interface {
	Encode() ([]byte, error)
}

// HealthChecker is implemented by *health.Registry
type HealthChecker interface {
	Check(ctx context.Context) health.Report
}

type Server struct {
	engine          *gin.Engine
	port            int
	mode            string
	metrics         MetricsEncoder
	health          HealthChecker
	healthTimeout   time.Duration
	shutdownTimeout time.Duration
	logger          logrus.FieldLogger
}

type Option func(*Server)

func WithPort(port int) Option {
	return func(s *Server) {
		s.port = port
	}
}

func WithMode(mode string) Option {
	return func(s *Server) {
		s.mode = mode
	}
}

func WithHealth(h HealthChecker) Option {
	return func(s *Server) {
		s.health = h
	}
}

func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.shutdownTimeout = d
	}
}

func WithLogger(logger logrus.FieldLogger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// New builds the router: GET /metrics and, when a health checker is set,
// GET /healthz.
func New(m MetricsEncoder, opts ...Option) *Server {
	s := &Server{
		port:            8080,
		mode:            gin.ReleaseMode,
		metrics:         m,
		healthTimeout:   5 * time.Second,
		shutdownTimeout: 5 * time.Second,
		logger:          logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.Component(s.logger, "server")

	gin.SetMode(s.mode)
	s.engine = gin.New()
	s.engine.Use(gin.Recovery(), s.accessLog())

	s.engine.GET("/metrics", s.handleMetrics)
	if s.health != nil {
		s.engine.GET("/healthz", s.handleHealth)
	}
	return s
}

// Handler returns the router
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return fmt.Errorf("listen on port %d: %w", s.port, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.WithField("address", ln.Addr().String()).Info("starting metrics server")
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info("shutting down metrics server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown metrics server: %w", err)
	}
	return nil
}

func (s *Server) handleMetrics(c *gin.Context) {
	body, err := s.metrics.Encode()
	if err != nil {
		s.logger.WithError(err).Error("failed to encode metrics")
		c.String(http.StatusInternalServerError, "failed to encode metrics")
		return
	}
	c.Data(http.StatusOK, metrics.ContentType, body)
}

func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), s.healthTimeout)
	defer cancel()

	report := s.health.Check(ctx)
	status := http.StatusOK
	if report.Status == health.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, report)
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.WithFields(logrus.Fields{
			"method":      c.Request.Method,
			"path":        c.FullPath(),
			"status":      c.Writer.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
		}).Debug("http request")
	}
}
