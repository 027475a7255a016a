// Package app wires configuration, database, registry and engine into a
// ready MigrationService for the command line and HTTP entry points.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/ksred/schemaflow/internal/config"
	"github.com/ksred/schemaflow/internal/database"
	"github.com/ksred/schemaflow/internal/dialect"
	"github.com/ksred/schemaflow/internal/metrics"
	"github.com/ksred/schemaflow/internal/migrations"
	"github.com/ksred/schemaflow/internal/models"
	"github.com/ksred/schemaflow/internal/services"
)

// Options control how much of the stack is started
type Options struct {
	// Offline skips the database; history reads as empty
	Offline bool
	// Codes resolves RunCode operations in loaded definitions
	Codes *migrations.CodeRegistry
	// MetricsNamespace prefixes exported metric names
	MetricsNamespace string
}

// App holds the wired components
type App struct {
	Config       *config.Config
	Logger       zerolog.Logger
	DB           *database.Database
	Registry     *models.Registry
	Service      *services.MigrationService
	Metrics      *metrics.Collector
	ModelsLoaded bool
}

// New builds the application from cfg
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger, opts Options) (*App, error) {
	renderer, err := dialect.New(cfg.Dialect())
	if err != nil {
		return nil, err
	}
	locker, err := dialect.NewLocker(cfg.Dialect(), cfg.Migrations.LockKey)
	if err != nil {
		return nil, err
	}

	a := &App{
		Config:   cfg,
		Logger:   logger,
		Registry: models.NewRegistry(),
	}

	if err := a.loadModels(); err != nil {
		return nil, err
	}

	if !opts.Offline {
		if a.DB, err = connect(ctx, cfg, logger); err != nil {
			return nil, err
		}
	}

	namespace := opts.MetricsNamespace
	if namespace == "" {
		namespace = "schemaflow"
	}
	a.Metrics = metrics.NewCollector(namespace)

	a.Service = services.NewMigrationService(
		a.gorm(),
		migrations.NewLoader(cfg.Migrations.Dir, opts.Codes, logger),
		a.Registry,
		renderer,
		locker,
		migrations.NewWriter(cfg.Migrations.Dir, logger),
		logger,
		services.WithObserver(a.Metrics),
		services.WithFailOnWarnings(cfg.Migrations.FailOnWarnings),
	)
	return a, nil
}

func (a *App) loadModels() error {
	path := a.Config.Migrations.ModelsFile
	if path == "" {
		return nil
	}
	err := a.Registry.LoadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		a.Logger.Warn().Str("path", path).Msg("Models file not found; no models declared")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load models file: %w", err)
	}
	a.ModelsLoaded = true
	return nil
}

func connect(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*database.Database, error) {
	db := database.NewDatabase(cfg.Database, logger)
	if err := db.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	healthCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.Health(healthCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("database health check failed: %w", err)
	}
	return db, nil
}

func (a *App) gorm() *gorm.DB {
	if a.DB == nil {
		return nil
	}
	return a.DB.DB()
}

// Close releases the database connection
func (a *App) Close() error {
	if a.DB == nil {
		return nil
	}
	return a.DB.Close()
}
