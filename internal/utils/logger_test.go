package utils

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeEntry(t *testing.T, output string) map[string]interface{} {
	t.Helper()
	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(output)), &entry))
	return entry
}

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name   string
		config LoggerConfig
		check  func(t *testing.T, output string)
	}{
		{
			name:   "JSON output with info level",
			config: LoggerConfig{Level: "info"},
			check: func(t *testing.T, output string) {
				entry := decodeEntry(t, output)
				assert.Equal(t, "info", entry["level"])
				assert.Equal(t, "test message", entry["message"])
				assert.Equal(t, "schemaflow", entry["service"])
				assert.Contains(t, entry, "time")
			},
		},
		{
			name:   "With caller info",
			config: LoggerConfig{Level: "info", CallerInfo: true},
			check: func(t *testing.T, output string) {
				assert.Contains(t, decodeEntry(t, output), "caller")
			},
		},
		{
			name:   "Explicit output wins over pretty",
			config: LoggerConfig{Level: "debug", Pretty: true},
			check: func(t *testing.T, output string) {
				assert.Equal(t, "test message", decodeEntry(t, output)["message"])
			},
		},
		{
			name:   "Above threshold is dropped",
			config: LoggerConfig{Level: "warn"},
			check: func(t *testing.T, output string) {
				assert.Empty(t, output)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := &bytes.Buffer{}
			tt.config.Output = buf
			logger := NewLogger(tt.config)

			logger.Info().Msg("test message")

			tt.check(t, buf.String())
		})
	}
}

func TestNewLogger_InvalidLevelDefaultsToInfo(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := NewLogger(LoggerConfig{Level: "invalid", Output: buf})

	logger.Debug().Msg("debug message")
	logger.Info().Msg("info message")

	assert.NotContains(t, buf.String(), "debug message")
	assert.Contains(t, buf.String(), "info message")
}

func TestNewLogger_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "schemaflow.log")
	logger := NewLogger(LoggerConfig{Level: "info", LogFile: path})
	logger.Info().Msg("to file")

	out, ok := openOutput(LoggerConfig{LogFile: path}).(interface{ Name() string })
	require.True(t, ok)
	assert.Equal(t, path, out.Name())
}

func TestSetupGlobalLogger(t *testing.T) {
	previous := log.Logger
	t.Cleanup(func() { log.Logger = previous })

	buf := &bytes.Buffer{}
	SetupGlobalLogger(LoggerConfig{Level: "info", Output: buf})
	log.Info().Msg("global test")

	assert.Contains(t, buf.String(), "global test")
}

func TestContextLogger(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := zerolog.New(buf)

	ctx := WithContext(context.Background(), logger)
	FromContext(ctx).Info().Msg("context test")
	assert.Contains(t, buf.String(), "context test")

	// a bare context falls back to the global logger
	assert.Same(t, &log.Logger, FromContext(context.Background()))
}

func TestScopedLoggers(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := zerolog.New(buf)

	scoped := ForMigration(ForComponent(logger, "executor"), "shop", "0002_price")
	scoped.Info().Msg("applied")

	entry := decodeEntry(t, buf.String())
	assert.Equal(t, "executor", entry["component"])
	assert.Equal(t, "shop", entry["app"])
	assert.Equal(t, "0002_price", entry["migration"])
}

func TestConfigFor(t *testing.T) {
	assert.Equal(t, DevelopmentConfig(), ConfigFor("warn", true))

	cfg := ConfigFor("warn", false)
	assert.Equal(t, "warn", cfg.Level)
	assert.False(t, cfg.Pretty)

	assert.Equal(t, ProductionConfig(), ConfigFor("", false))
}
