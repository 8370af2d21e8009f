// Package server exposes the diagnostics and read surface over HTTP. It is a
// consumer of the runtime, not part of the mediation core: every daemon-facing
// operation it offers goes through the status cache or the pool.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/dockgate/dockgate/internal/runtime"
	"github.com/dockgate/dockgate/pkg/config"
)

// Server is the HTTP diagnostics surface.
type Server struct {
	cfg        config.ServerConfig
	rt         *runtime.Runtime
	logger     *zap.Logger
	hub        *eventHub
	engine     *gin.Engine
	httpServer *http.Server
}

// New builds the HTTP surface and subscribes its event hub to cache changes.
func New(cfg config.ServerConfig, rt *runtime.Runtime, logger *zap.Logger) *Server {
	s := &Server{
		cfg:    cfg,
		rt:     rt,
		logger: logger.With(zap.String("component", "http_server")),
		hub:    newEventHub(logger),
	}

	rt.Cache().SetOnChange(s.hub.broadcast)

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(s.requestLogger(), gin.Recovery())

	engine.GET("/healthz", s.handleHealth)

	api := engine.Group("/api")
	{
		api.GET("/containers", s.handleContainers)
		api.GET("/containers/:name", s.handleContainer)
		api.GET("/containers/:name/stats", s.handleContainerStats)
		api.GET("/pool/stats", s.handlePoolStats)
		api.GET("/cache/stats", s.handleCacheStats)
		api.GET("/system", s.handleSystem)
		api.POST("/refresh", s.handleRefresh)
		api.POST("/refresher/start", s.handleRefresherStart)
		api.POST("/refresher/stop", s.handleRefresherStop)
	}

	engine.GET("/ws/events", s.handleEvents)

	if cfg.EnableMetrics {
		engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	s.engine = engine
	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      engine,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return s
}

// Handler returns the underlying HTTP handler, used by tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until the listener fails or Shutdown is called.
func (s *Server) Run() error {
	s.hub.start()
	s.logger.Info("http server listening", zap.String("addr", s.cfg.Addr))

	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests and stops the event hub.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.stop()
	return s.httpServer.Shutdown(ctx)
}

// requestLogger logs each request with zap, skipping the noisy probe paths.
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.URL.Path == "/healthz" || c.Request.URL.Path == "/metrics" {
			c.Next()
			return
		}

		start := time.Now()
		c.Next()

		s.logger.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("elapsed", time.Since(start)))
	}
}
