package utils

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LoggerConfig holds configuration for the logger
type LoggerConfig struct {
	// Level sets the minimum log level (debug, info, warn, error, fatal, panic)
	Level string
	// Pretty enables console output for interactive use
	Pretty bool
	// CallerInfo adds file and line number to logs
	CallerInfo bool
	// LogFile specifies the log file path (empty means stderr)
	LogFile string
	// Output overrides the destination entirely; used by tests
	Output io.Writer
}

// NewLogger creates a new logger instance with the given configuration
func NewLogger(config LoggerConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(config.Level)
	if err != nil || config.Level == "" {
		level = zerolog.InfoLevel
	}

	output := openOutput(config)
	if config.Pretty && config.LogFile == "" && config.Output == nil {
		output = zerolog.ConsoleWriter{
			Out:           output,
			TimeFormat:    time.RFC3339,
			FieldsExclude: []string{zerolog.TimestampFieldName},
		}
	}

	logger := zerolog.New(output).
		Level(level).
		With().
		Timestamp().
		Str("service", "schemaflow").
		Logger()

	if config.CallerInfo {
		logger = logger.With().Caller().Logger()
	}

	return logger
}

// openOutput resolves the writer, falling back to stderr when the log file
// cannot be opened
func openOutput(config LoggerConfig) io.Writer {
	if config.Output != nil {
		return config.Output
	}
	if config.LogFile == "" {
		return os.Stderr
	}
	if err := os.MkdirAll(filepath.Dir(config.LogFile), 0o755); err != nil {
		return os.Stderr
	}
	file, err := os.OpenFile(config.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return os.Stderr
	}
	return file
}

// SetupGlobalLogger sets up the global logger with the given configuration
func SetupGlobalLogger(config LoggerConfig) zerolog.Logger {
	logger := NewLogger(config)
	log.Logger = logger
	return logger
}

// WithContext adds the logger to the context
func WithContext(ctx context.Context, logger zerolog.Logger) context.Context {
	return logger.WithContext(ctx)
}

// FromContext retrieves the logger from the context.
// If no logger is found, returns the global logger
func FromContext(ctx context.Context) *zerolog.Logger {
	if l := zerolog.Ctx(ctx); l != nil && l.GetLevel() != zerolog.Disabled {
		return l
	}
	return &log.Logger
}

// ForMigration scopes a logger to one migration
func ForMigration(logger zerolog.Logger, app, name string) zerolog.Logger {
	return logger.With().Str("app", app).Str("migration", name).Logger()
}

// ForComponent tags every entry with the emitting component
func ForComponent(logger zerolog.Logger, component string) zerolog.Logger {
	return logger.With().Str("component", component).Logger()
}

// ConfigFor maps the server settings onto a logger configuration. Debug mode
// forces debug level with console output.
func ConfigFor(level string, debug bool) LoggerConfig {
	if debug {
		return DevelopmentConfig()
	}
	cfg := ProductionConfig()
	if level != "" {
		cfg.Level = level
	}
	return cfg
}

// DevelopmentConfig returns a logger configuration suitable for development
func DevelopmentConfig() LoggerConfig {
	return LoggerConfig{
		Level:      "debug",
		Pretty:     true,
		CallerInfo: true,
	}
}

// ProductionConfig returns a logger configuration suitable for production
func ProductionConfig() LoggerConfig {
	return LoggerConfig{
		Level:      "info",
		Pretty:     false,
		CallerInfo: false,
	}
}
