package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/ksred/schemaflow/internal/api"
	"github.com/ksred/schemaflow/internal/app"
	"github.com/ksred/schemaflow/internal/config"
	"github.com/ksred/schemaflow/internal/mcp"
	"github.com/ksred/schemaflow/internal/utils"
)

// @title Schemaflow API
// @version 1.0
// @description Read-only inspection of migration status, plans and pending model changes

// @host localhost:8082
// @BasePath /api/v1

// @securityDefinitions.apikey ApiKeyAuth
// @in header
// @name X-API-Key

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := loadConfiguration(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogging(cfg)
	logger.Info().
		Str("version", "1.0.0").
		Str("dialect", cfg.Database.Dialect).
		Int("port", cfg.HTTP.Port).
		Msg("Starting schemaflow HTTP API server")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	a, err := app.New(ctx, cfg, logger, app.Options{})
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialise application")
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close database connection")
		}
	}()

	mcpServer, err := mcp.NewServer(a.Service, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create MCP server")
	}

	server, err := api.NewServer(cfg, a.DB, a.Service, logger,
		api.WithMCP(mcpServer),
		api.WithMetrics(a.Metrics.Handler()),
	)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create HTTP server")
	}

	// Prime the pending gauge before the first scrape
	if _, err := a.Service.Status(ctx); err != nil {
		logger.Warn().Err(err).Msg("Initial status check failed")
	}

	serverErrChan := make(chan error, 1)
	go func() {
		if err := server.Start(cfg.HTTP.Port); err != nil {
			serverErrChan <- err
		}
	}()

	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
	case err := <-serverErrChan:
		logger.Error().Err(err).Msg("HTTP server error")
	}

	logger.Info().Msg("Starting graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Failed to gracefully shutdown HTTP server")
	}

	logger.Info().Msg("Shutdown complete")
}

// loadConfiguration loads configuration from file or environment
func loadConfiguration(configPath string) (*config.Config, error) {
	cfg := config.LoadConfigOrDefault(configPath)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setupLogging logs to stderr unless LOG_FILE is set
func setupLogging(cfg *config.Config) zerolog.Logger {
	logConfig := utils.LoggerConfig{
		Level:      cfg.Server.LogLevel,
		Pretty:     cfg.Server.Debug,
		CallerInfo: cfg.Server.Debug,
		LogFile:    os.Getenv("LOG_FILE"),
	}
	utils.SetupGlobalLogger(logConfig)
	return utils.NewLogger(logConfig)
}
