package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const cliModels = `models:
  - app: blog
    name: Post
    fields:
      - {name: id, type: serial, primary_key: true}
      - {name: title, type: varchar(120)}
`

type cli struct {
	config string
	dir    string
}

func newCLI(t *testing.T, withModels bool) *cli {
	t.Helper()
	t.Setenv("DATABASE_URL", "")
	t.Setenv("LOG_FILE", "")
	dir := t.TempDir()
	models := filepath.Join(dir, "models.yaml")
	if withModels {
		require.NoError(t, os.WriteFile(models, []byte(cliModels), 0o644))
	}
	cfg := fmt.Sprintf(`database:
  dialect: sqlite
  path: %s
migrations:
  dir: %s
  models_file: %s
server:
  log_level: error
`, filepath.Join(dir, "cli.db"), filepath.Join(dir, "migrations"), models)
	path := filepath.Join(dir, "schemaflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o644))
	return &cli{config: path, dir: dir}
}

func (c *cli) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	err := run(context.Background(), append([]string{"-config", c.config}, args...), &stdout, &stderr)
	return stdout.String(), err
}

func TestRun_Lifecycle(t *testing.T) {
	c := newCLI(t, true)

	out, err := c.run(t, "detect")
	require.NoError(t, err)
	assert.Contains(t, out, `"blog.0001_initial"`)

	out, err = c.run(t, "write")
	require.NoError(t, err)
	assert.Contains(t, out, filepath.Join("blog", "0001_initial.yaml"))

	out, err = c.run(t, "-offline", "-plan-only", "migrate")
	require.NoError(t, err)
	assert.Contains(t, out, "CREATE TABLE")

	out, err = c.run(t, "plan")
	require.NoError(t, err)
	var plan struct {
		Direction string        `json:"direction"`
		Steps     []interface{} `json:"steps"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &plan))
	assert.Equal(t, "forward", plan.Direction)
	assert.Len(t, plan.Steps, 1)

	out, err = c.run(t, "migrate")
	require.NoError(t, err)
	var result struct {
		Applied []struct {
			App  string `json:"app"`
			Name string `json:"name"`
		} `json:"applied"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	require.Len(t, result.Applied, 1)
	assert.Equal(t, "0001_initial", result.Applied[0].Name)

	out, err = c.run(t, "status")
	require.NoError(t, err)
	assert.Contains(t, out, `"applied": [`)
	assert.NotContains(t, out, `"pending": [`)

	out, err = c.run(t, "write")
	require.NoError(t, err)
	assert.Contains(t, out, "no changes detected")

	_, err = c.run(t, "-app", "blog", "-target", "zero", "migrate")
	require.NoError(t, err)

	out, err = c.run(t, "status")
	require.NoError(t, err)
	assert.Contains(t, out, `"pending": [`)
}

func TestRun_Errors(t *testing.T) {
	tests := []struct {
		name   string
		models bool
		args   []string
		want   string
	}{
		{"no command", true, nil, "exactly one command"},
		{"unknown command", true, []string{"frobnicate"}, "unknown command"},
		{"offline migrate", true, []string{"-offline", "migrate"}, "needs a database"},
		{"detect without models", false, []string{"-offline", "detect"}, "no models file"},
		{"write without models", false, []string{"-offline", "write"}, "no models file"},
		{"bad target", true, []string{"-offline", "-target", "blog.", "plan"}, "target"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newCLI(t, tt.models)
			_, err := c.run(t, tt.args...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
