// internal/interfaces/http/server.go
package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/your-org/pharmacy-backend/internal/app"
	"github.com/your-org/pharmacy-backend/internal/interfaces/http/middleware"
	"github.com/your-org/pharmacy-backend/internal/interfaces/http/routes"
)

const (
	maxRequestBytes = 1 << 20
	requestTimeout  = 30 * time.Second
)

// Server represents the HTTP server
type Server struct {
	app        *app.App
	gin        *gin.Engine
	httpServer *http.Server
	startedAt  time.Time
}

// NewServer creates a new HTTP server instance with middleware and routes mounted
func NewServer(a *app.App) (*Server, error) {
	if a.Config.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		app:       a,
		gin:       gin.New(),
		startedAt: a.Clock.Now(),
	}
	if err := s.gin.SetTrustedProxies(a.Config.Security.TrustedProxies); err != nil {
		return nil, fmt.Errorf("failed to set trusted proxies: %w", err)
	}

	s.setupMiddleware()
	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         ":" + a.Config.Server.Port,
		Handler:      s.gin,
		ReadTimeout:  a.Config.Server.ReadTimeout,
		WriteTimeout: a.Config.Server.WriteTimeout,
		IdleTimeout:  a.Config.Server.IdleTimeout,
	}
	return s, nil
}

// Router exposes the gin engine
func (s *Server) Router() *gin.Engine {
	return s.gin
}

// Start blocks serving HTTP until Stop is called
func (s *Server) Start() error {
	s.app.Logger.WithField("port", s.app.Config.Server.Port).Info("HTTP server starting")

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Stop gracefully stops the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	s.app.Logger.Info("Shutting down HTTP server")

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	return nil
}

func (s *Server) setupMiddleware() {
	s.gin.Use(gin.Recovery())
	s.gin.Use(middleware.RequestID())
	s.gin.Use(middleware.Logger(s.app.Logger))
	s.gin.Use(middleware.SecurityHeaders())
	s.gin.Use(middleware.RequestSizeLimit(maxRequestBytes))
	s.gin.Use(middleware.Timeout(requestTimeout))
}

func (s *Server) setupRoutes() {
	s.gin.GET("/health", s.healthCheck)
	s.gin.GET("/ready", s.readinessCheck)
	if s.app.Metrics != nil {
		s.gin.GET("/metrics", gin.WrapH(s.app.Metrics.Handler()))
	}

	routes.SetupRoutes(s.gin.Group("/api/v1"), s.app)
}

// healthCheck pings the database and Redis
func (s *Server) healthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	sqlDB, err := s.app.DB.DB()
	if err == nil {
		err = sqlDB.PingContext(ctx)
	}
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "unhealthy",
			"error":  "database ping failed",
		})
		return
	}

	if err := s.app.Redis.Ping(ctx).Err(); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "unhealthy",
			"error":  "redis ping failed",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":      "healthy",
		"timestamp":   s.app.Clock.Now().UTC(),
		"version":     s.app.Config.App.Version,
		"environment": s.app.Config.App.Environment,
	})
}

func (s *Server) readinessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ready",
		"timestamp": s.app.Clock.Now().UTC(),
		"uptime":    s.app.Clock.Since(s.startedAt).String(),
	})
}
