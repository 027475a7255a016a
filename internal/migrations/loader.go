package migrations

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Loader collects migration definitions from a directory of YAML files and
// from migrations registered in code.
type Loader struct {
	dir    string
	codes  *CodeRegistry
	logger zerolog.Logger

	mu         sync.Mutex
	registered []*Migration
}

// NewLoader creates a loader. dir may be empty when every migration is
// registered in code.
func NewLoader(dir string, codes *CodeRegistry, logger zerolog.Logger) *Loader {
	if codes == nil {
		codes = NewCodeRegistry()
	}
	return &Loader{dir: dir, codes: codes, logger: logger}
}

// Codes returns the registry RunCode operations resolve against
func (l *Loader) Codes() *CodeRegistry {
	return l.codes
}

// Register adds migrations defined in Go
func (l *Loader) Register(migs ...*Migration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.registered = append(l.registered, migs...)
}

// LoadAll returns every migration, sorted by key. Files must live at
// <dir>/<app>/<name>.yaml and agree with the app and name they declare.
func (l *Loader) LoadAll() ([]*Migration, error) {
	var out []*Migration
	if l.dir != "" {
		fromDisk, err := l.loadDir()
		if err != nil {
			return nil, err
		}
		out = append(out, fromDisk...)
	}

	l.mu.Lock()
	out = append(out, l.registered...)
	l.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Key().Less(out[j].Key()) })

	l.logger.Debug().
		Int("count", len(out)).
		Str("dir", l.dir).
		Msg("Migrations loaded")
	return out, nil
}

func (l *Loader) loadDir() ([]*Migration, error) {
	apps, err := os.ReadDir(l.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read migration directory: %w", err)
	}

	var out []*Migration
	for _, appDir := range apps {
		if !appDir.IsDir() || strings.HasPrefix(appDir.Name(), ".") {
			continue
		}
		app := appDir.Name()
		files, err := os.ReadDir(filepath.Join(l.dir, app))
		if err != nil {
			return nil, fmt.Errorf("failed to read migrations for %s: %w", app, err)
		}
		for _, f := range files {
			if f.IsDir() || filepath.Ext(f.Name()) != ".yaml" || strings.HasPrefix(f.Name(), ".") {
				continue
			}
			path := filepath.Join(l.dir, app, f.Name())
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("failed to read %s: %w", path, err)
			}
			m, err := Unmarshal(data, l.codes)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", path, err)
			}
			name := strings.TrimSuffix(f.Name(), ".yaml")
			if m.App != app || m.Name != name {
				return nil, invalid(At(m.Key()), nil, "file %s declares %s", path, m.Key())
			}
			out = append(out, m)
		}
	}
	return out, nil
}
