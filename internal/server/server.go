package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"moments-media/config"
	"moments-media/internal/handler"
	"moments-media/internal/metrics"
	"moments-media/internal/middleware"
	"moments-media/internal/services"
	"moments-media/internal/transport/httpdto"
	"moments-media/internal/websocket"
	"moments-media/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type Server struct {
	httpServer *http.Server
	engine     *gin.Engine
	config     *config.Config
	logger     *logger.Logger
}

var (
	ReleaseMode = "release"
	DebugMode   = "debug"
	TestMode    = "test"
)

// HealthCheck reports one dependency; a non-nil error marks the service
// unhealthy.
type HealthCheck func(ctx context.Context) error

type Handlers struct {
	Media    *handler.MediaHandler
	Progress *websocket.Handler
}

type Deps struct {
	Verifier *services.TokenVerifier
	Limiter  middleware.UploadLimiter
	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer
	Health   map[string]HealthCheck
}

func New(cfg *config.Config, l *logger.Logger) *Server {
	if cfg.AppMode == ReleaseMode {
		gin.SetMode(gin.ReleaseMode)
	} else if cfg.AppMode == TestMode {
		gin.SetMode(gin.TestMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%s", cfg.AppPort),
			Handler:           engine,
			ReadHeaderTimeout: 10 * time.Second,
		},
		engine: engine,
		config: cfg,
		logger: l.Named("server"),
	}
}

// Engine exposes the router, mainly for tests.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) SetupRoutes(handlers *Handlers, deps Deps) {
	s.engine.Use(middleware.RequestIDMiddleware())
	s.engine.Use(middleware.LoggingMiddleware(s.logger))
	s.engine.Use(deps.Metrics.GinMiddleware())
	s.engine.Use(middleware.ErrorHandler(s.logger))

	s.engine.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, httpdto.NewSuccessResponse(gin.H{"message": "pong"}))
	})
	s.engine.GET("/health", healthHandler(deps.Health))
	if deps.Gatherer != nil {
		s.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}

	auth := middleware.AuthMiddleware(deps.Verifier)
	media := s.engine.Group("/v1/media", auth)
	{
		uploadChain := []gin.HandlerFunc{}
		if deps.Limiter != nil {
			uploadChain = append(uploadChain, middleware.UploadRateLimitMiddleware(deps.Limiter, s.logger))
		}
		uploadChain = append(uploadChain, handlers.Media.Upload)
		media.POST("", uploadChain...)

		media.GET("", handlers.Media.List)
		media.GET("/processors", handlers.Media.Processors)
		media.GET("/sessions/stats", handlers.Media.SessionStats)
		media.GET("/sessions/:id", handlers.Media.GetSession)
		media.DELETE("/sessions/:id", handlers.Media.CancelSession)
		media.GET("/temp/stats", handlers.Media.TempStats)
		media.GET("/ws/:id", handlers.Progress.Progress)
		media.GET("/:id", handlers.Media.Get)
	}
}

func healthHandler(checks map[string]HealthCheck) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
		defer cancel()

		report := make(map[string]string, len(checks))
		healthy := true
		for name, check := range checks {
			if err := check(ctx); err != nil {
				report[name] = err.Error()
				healthy = false
				continue
			}
			report[name] = "ok"
		}
		if !healthy {
			c.JSON(http.StatusServiceUnavailable, httpdto.Response[map[string]string]{Success: false, Data: report, Code: "UNHEALTHY"})
			return
		}
		c.JSON(http.StatusOK, httpdto.NewSuccessResponse(gin.H{"status": "healthy", "checks": report}))
	}
}

// Run serves until ctx is cancelled, then drains in-flight requests for up
// to five seconds.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Infof("Starting the server on port %s...", s.config.AppPort)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Infof("Quitting signal received.. Shutting down after 5 seconds")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error(shutdownCtx, "graceful shutdown failed", zap.Error(err))
		return err
	}
	s.logger.Infof("Server stopped gracefully")
	return nil
}
