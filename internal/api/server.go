package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	"github.com/ksred/schemaflow/internal/config"
	"github.com/ksred/schemaflow/internal/database"
	"github.com/ksred/schemaflow/internal/mcp"
	"github.com/ksred/schemaflow/internal/services"
	"github.com/ksred/schemaflow/internal/utils"
)

// Server is the read-only inspection API
type Server struct {
	router     *gin.Engine
	config     *config.Config
	db         *database.Database
	service    *services.MigrationService
	mcpServer  *mcp.Server
	metrics    http.Handler
	auth       *Authenticator
	logger     zerolog.Logger
	httpServer *http.Server
}

// ServerOption adds optional routes
type ServerOption func(*Server)

// WithMCP exposes the MCP tools over HTTP at /api/v1/mcp
func WithMCP(m *mcp.Server) ServerOption {
	return func(s *Server) { s.mcpServer = m }
}

// WithMetrics serves h at /metrics
func WithMetrics(h http.Handler) ServerOption {
	return func(s *Server) { s.metrics = h }
}

// NewServer creates the API server. db may be nil when the service runs
// without a connection.
func NewServer(cfg *config.Config, db *database.Database, service *services.MigrationService, logger zerolog.Logger, opts ...ServerOption) (*Server, error) {
	if service == nil {
		return nil, fmt.Errorf("migration service is required")
	}
	gin.SetMode(gin.ReleaseMode)
	logger = utils.ForComponent(logger, "api")

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(LoggerMiddleware(logger))

	corsConfig := cors.DefaultConfig()
	if len(cfg.HTTP.AllowOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.HTTP.AllowOrigins
	} else {
		corsConfig.AllowOrigins = []string{"http://localhost:3000", "http://localhost:5173", "http://127.0.0.1:3000", "http://127.0.0.1:5173"}
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Accept", "Authorization", "X-API-Key", "X-Requested-With"}
	corsConfig.ExposeHeaders = []string{"Content-Length", "Content-Type"}
	corsConfig.AllowCredentials = true
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))

	s := &Server{
		router:  router,
		config:  cfg,
		db:      db,
		service: service,
		auth:    NewAuthenticator(cfg.Auth, cfg.JWT),
		logger:  logger,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.setupRoutes()
	return s, nil
}

// Handler returns the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	if s.metrics != nil {
		s.router.GET("/metrics", gin.WrapH(s.metrics))
	}
	s.router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	v1 := s.router.Group("/api/v1")
	protected := v1.Group("")
	protected.Use(s.authMiddleware())
	{
		migrations := protected.Group("/migrations")
		{
			migrations.GET("/status", s.statusHandler)
			migrations.GET("/plan", s.planHandler)
			migrations.GET("/changes", s.changesHandler)
		}

		if s.mcpServer != nil {
			protected.POST("/mcp", s.HandleMCP)
		}
	}
}

// Start listens on port until Shutdown
func (s *Server) Start(port int) error {
	addr := fmt.Sprintf(":%d", port)
	s.httpServer = &http.Server{
		Addr:           addr,
		Handler:        s.router,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   30 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	s.logger.Info().Str("address", addr).Msg("Starting HTTP server")
	return s.httpServer.ListenAndServe()
}

// Shutdown stops the server gracefully
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// healthHandler godoc
// @Summary Health check
// @Description Check if the service and its database are reachable
// @Tags health
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Failure 503 {object} map[string]interface{}
// @Router /health [get]
func (s *Server) healthHandler(c *gin.Context) {
	dbStatus := gin.H{"configured": s.db != nil}
	healthy := true
	if s.db != nil {
		if err := s.db.Health(c.Request.Context()); err != nil {
			healthy = false
			dbStatus["error"] = err.Error()
		}
	}
	dbStatus["healthy"] = healthy

	status := "healthy"
	code := http.StatusOK
	if !healthy {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	}

	c.JSON(code, gin.H{
		"status":    status,
		"dialect":   string(s.service.Dialect()),
		"timestamp": time.Now().UTC(),
		"database":  dbStatus,
	})
}
