package api

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"skeenode/conductor"
	"skeenode/pkg/api/middleware"
	"skeenode/pkg/filter"
	"skeenode/pkg/storage"
)

// Server is the HTTP control plane over a Conductor: it starts
// workflows, signals and reads back results of runs already in
// flight, and exposes search over a workflow's run history.
type Server struct {
	router     *gin.Engine
	httpServer *http.Server

	conductor *conductor.Conductor
	filter    *filter.Filter
}

// Config holds API server configuration.
type Config struct {
	Port      string
	Conductor *conductor.Conductor
	Backend   storage.Backend
	Auth      *middleware.AuthConfig // nil disables authentication
}

// NewServer creates a new API server with all dependencies.
func NewServer(cfg Config) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.SecurityHeadersMiddleware())
	router.Use(middleware.TracingMiddleware("substantial-api"))
	router.Use(middleware.MetricsMiddleware())
	router.Use(requestLogger())
	router.Use(middleware.RateLimitMiddleware())
	router.Use(middleware.BodySizeLimitMiddleware(1 << 20))
	if cfg.Auth != nil {
		router.Use(middleware.AuthMiddleware(*cfg.Auth))
	}

	s := &Server{
		router:    router,
		conductor: cfg.Conductor,
		filter:    filter.New(cfg.Backend),
	}

	s.registerRoutes()

	s.httpServer = &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Start begins listening for HTTP requests.
func (s *Server) Start() error {
	log.Printf("[API] Starting server on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Println("[API] Shutting down server...")
	return s.httpServer.Shutdown(ctx)
}

// registerRoutes sets up all API endpoints.
func (s *Server) registerRoutes() {
	s.router.GET("/health", s.healthCheck)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := s.router.Group("/api/v1")
	{
		workflows := v1.Group("/workflows")
		{
			workflows.POST("/:name/start", s.startWorkflow)
			workflows.GET("/:name/runs", s.listRuns)
			workflows.POST("/:name/search", s.searchRuns)
		}

		runs := v1.Group("/runs")
		{
			runs.POST("/:run_id/send/:event", s.sendEvent)
			runs.GET("/:run_id/result", s.getResult)
		}
	}
}

// requestLogger is a middleware that logs HTTP requests.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		log.Printf("[API] %s %s %d %v", c.Request.Method, path, status, latency)
	}
}

// healthCheck returns server health status with dependency checks.
func (s *Server) healthCheck(c *gin.Context) {
	healthy := s.conductor != nil && s.conductor.Backend != nil
	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, gin.H{
		"status":    status,
		"timestamp": time.Now().UTC(),
	})
}
