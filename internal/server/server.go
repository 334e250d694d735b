// Package server assembles the engine's HTTP surface: the WebSocket
// connect endpoint, health, and metrics.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/google/fledge-shim-sub000/internal/gateway"
	"github.com/google/fledge-shim-sub000/internal/infrastructure/config"
	"github.com/google/fledge-shim-sub000/internal/infrastructure/logging"
	"github.com/google/fledge-shim-sub000/internal/protocol"
)

// Server is the HTTP front of the engine.
type Server struct {
	http *http.Server
	log  *logging.Logger
}

// New builds the HTTP server around the gateway. registry backs /metrics;
// a nil registry serves the process default.
func New(cfg config.ServerConfig, rateCfg config.RateLimitConfig, gw *gateway.Handler, registry *prometheus.Registry, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.NewNop()
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(corsMiddleware())
	if rateCfg.Enabled {
		engine.Use(rateLimitMiddleware(rateCfg))
	}

	engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"version": protocol.Version,
		})
	})

	metricsHandler := promhttp.Handler()
	if registry != nil {
		metricsHandler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	}
	engine.GET("/metrics", gin.WrapH(metricsHandler))

	engine.GET("/connect", gw.HandleConnection)

	return &Server{
		http: &http.Server{
			Addr:              net.JoinHostPort(cfg.Host, cfg.Port),
			Handler:           engine,
			ReadHeaderTimeout: 10 * time.Second,
		},
		log: logger.Named("server"),
	}
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("listening", zap.String("addr", s.http.Addr))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.http.Shutdown(shutdownCtx)
}
