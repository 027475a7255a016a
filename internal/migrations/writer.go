package migrations

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
)

const fileHeader = "# Generated by schemaflow. Edit with care: applied migrations must not change.\n"

// Writer persists migrations as YAML files laid out as <dir>/<app>/<name>.yaml
type Writer struct {
	dir    string
	logger zerolog.Logger
}

// NewWriter creates a writer rooted at dir
func NewWriter(dir string, logger zerolog.Logger) *Writer {
	return &Writer{dir: dir, logger: logger}
}

// Path returns the file a migration is written to
func (w *Writer) Path(m *Migration) string {
	return filepath.Join(w.dir, m.App, m.Name+".yaml")
}

// Render returns the file contents for m without writing anything
func (w *Writer) Render(m *Migration) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	doc, err := Marshal(m)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.WriteString(fileHeader)
	buf.Write(doc)
	return buf.Bytes(), nil
}

// Write stores m and returns its path. Existing files are never overwritten.
func (w *Writer) Write(m *Migration) (string, error) {
	data, err := w.Render(m)
	if err != nil {
		return "", err
	}
	path := w.Path(m)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("failed to create migration directory: %w", err)
	}
	if _, err := os.Stat(path); err == nil {
		return "", invalid(At(m.Key()), nil, "file %s already exists", path)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+m.Name+"-*.tmp")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to write migration: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("failed to write migration: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("failed to move migration into place: %w", err)
	}

	w.logger.Info().
		Str("app", m.App).
		Str("migration", m.Name).
		Int("operations", len(m.Operations)).
		Str("path", path).
		Msg("Migration written")
	return path, nil
}
